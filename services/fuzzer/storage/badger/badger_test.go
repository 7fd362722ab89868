// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory_PutAndScan(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.PutJSON(ctx, map[string]any{
		"pattern/5,2": []int{1, 2},
		"pattern/4":   []int{3},
		"other/x":     "ignored",
	})
	require.NoError(t, err)

	var keys []string
	err = db.ScanPrefix(ctx, "pattern/", func(key string, value []byte) error {
		keys = append(keys, key)
		var v []int
		return json.Unmarshal(value, &v)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pattern/4", "pattern/5,2"}, keys)
	assert.True(t, db.InMemory())
}

func TestScanPrefix_StopsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.PutJSON(ctx, map[string]any{"p/a": 1, "p/b": 2}))

	stop := errors.New("stop")
	calls := 0
	err = db.ScanPrefix(ctx, "p/", func(string, []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestCancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, db.PutJSON(ctx, map[string]any{"k": 1}))
	assert.Error(t, db.ScanPrefix(ctx, "", func(string, []byte) error { return nil }))
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.PutJSON(context.Background(), map[string]any{"k": "v"}))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	var got string
	err = db.ScanPrefix(context.Background(), "k", func(_ string, value []byte) error {
		return json.Unmarshal(value, &got)
	})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}
