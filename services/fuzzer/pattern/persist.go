// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/segment"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/storage/badger"
)

// KeyPrefix namespaces pattern buckets in the database.
const KeyPrefix = "pattern/"

// Save writes every bucket to db, one key per fingerprint.
//
// Description:
//
//	Takes a snapshot and writes it with a single write batch. Buckets that
//	already exist in db are overwritten; since buckets only grow, the
//	latest snapshot is always a superset of the previous one.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	db - Target database.
//
// Outputs:
//
//	error - Non-nil if db is nil or the write fails.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Save(ctx context.Context, db *badger.DB) error {
	ctx, span := startPersistSpan(ctx, "Save")
	defer span.End()

	if db == nil {
		return ErrNilDB
	}

	buckets := s.Snapshot()
	entries := make(map[string]any, len(buckets))
	for _, b := range buckets {
		entries[KeyPrefix+b.Fingerprint.Key()] = b
	}
	if err := db.PutJSON(ctx, entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return fmt.Errorf("save pattern store: %w", err)
	}

	span.SetAttributes(attribute.Int("pattern.buckets", len(buckets)))
	s.logger.Debug("pattern store saved", slog.Int("buckets", len(buckets)))
	return nil
}

// Load merges the buckets persisted in db into the store.
//
// Description:
//
//	Every persisted record goes through Add, so value deduplication and
//	insertion order hold exactly as if the records had been observed again
//	in their original order.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	db - Source database.
//
// Outputs:
//
//	int - Number of records added.
//	error - Non-nil if db is nil, the scan fails or a bucket is corrupt.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Load(ctx context.Context, db *badger.DB) (int, error) {
	ctx, span := startPersistSpan(ctx, "Load")
	defer span.End()

	if db == nil {
		return 0, ErrNilDB
	}

	added := 0
	err := db.ScanPrefix(ctx, KeyPrefix, func(key string, value []byte) error {
		var b Bucket
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptBucket, key, err)
		}
		want, err := segment.ParseFingerprint(key[len(KeyPrefix):])
		if err != nil || !want.Equal(b.Fingerprint) {
			return fmt.Errorf("%w: %s: fingerprint mismatch", ErrCorruptBucket, key)
		}
		for _, rec := range b.Records {
			if len(rec.CriticalValues) != len(b.Fingerprint) {
				s.logger.Debug("skipping persisted record with mismatched value count",
					slog.String("fingerprint", key))
				continue
			}
			if s.Add(ctx, b.Fingerprint, rec.SourceOffsets, rec.CriticalValues, rec.Origin, rec.Belong) {
				added++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return added, fmt.Errorf("load pattern store: %w", err)
	}

	span.SetAttributes(attribute.Int("pattern.records_loaded", added))
	s.logger.Info("pattern store loaded", slog.Int("records", added))
	return added, nil
}
