// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard provides exclusive-access sections that survive panics.
//
// A Guarded value is a shared table whose critical sections are serialized
// by a mutex. When a caller panics while holding the section, the panic is
// recovered, the section is marked poisoned and the value stays usable.
// Every later access reports OutcomeRecovered so callers can tell they are
// working with a possibly stale view, but nothing escalates into a process
// failure.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Outcome reports how an exclusive section was entered.
type Outcome int

const (
	// OutcomeOK means the section was healthy.
	OutcomeOK Outcome = iota

	// OutcomeRecovered means the section is poisoned, or became poisoned
	// during this access, and the view may be stale.
	OutcomeRecovered
)

// String returns "ok" or "recovered".
func (o Outcome) String() string {
	if o == OutcomeRecovered {
		return "recovered"
	}
	return "ok"
}

// Guarded serializes access to a value of type T.
type Guarded[T any] struct {
	mu       sync.Mutex
	value    T
	name     string
	poisoned atomic.Bool
	logger   *slog.Logger

	// warnLimit throttles the per-access poisoned warning.
	warnLimit *rate.Limiter
}

// Option configures a Guarded section.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	warnEvery time.Duration
}

// WithLogger sets the logger used for poisoning events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithWarnInterval sets the minimum gap between "still poisoned" warnings.
func WithWarnInterval(d time.Duration) Option {
	return func(o *options) {
		o.warnEvery = d
	}
}

// New creates a guarded section around value.
//
// Inputs:
//
//	name - Label used in log lines, e.g. "pattern_map".
//	value - Initial value. Ownership passes to the section.
//	opts - Optional logger and warning interval.
//
// Outputs:
//
//	*Guarded[T] - The section. Never nil.
func New[T any](name string, value T, opts ...Option) *Guarded[T] {
	o := options{
		logger:    slog.Default(),
		warnEvery: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Guarded[T]{
		value:     value,
		name:      name,
		logger:    o.logger,
		warnLimit: rate.NewLimiter(rate.Every(o.warnEvery), 1),
	}
}

// With runs fn while holding the section.
//
// Description:
//
//	fn receives a pointer to the guarded value and must not retain it after
//	returning. If fn panics the panic is recovered and logged, the section
//	is marked poisoned, and OutcomeRecovered is returned. Copy data out of
//	the view inside fn rather than doing slow work under the lock.
//
// Inputs:
//
//	fn - Critical section body.
//
// Outputs:
//
//	Outcome - OutcomeOK, or OutcomeRecovered when the view may be stale.
//
// Thread Safety: Safe for concurrent use.
func (g *Guarded[T]) With(fn func(v *T)) (outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.poisoned.Load() {
		outcome = OutcomeRecovered
		if g.warnLimit.Allow() {
			g.logger.Warn("using recovered state of poisoned section",
				slog.String("section", g.name))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			g.poisoned.Store(true)
			outcome = OutcomeRecovered
			g.logger.Error("panic while holding section, marked poisoned",
				slog.String("section", g.name),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	fn(&g.value)
	return outcome
}

// Poisoned reports whether a previous holder panicked.
func (g *Guarded[T]) Poisoned() bool {
	return g.poisoned.Load()
}

// ClearPoison marks the section healthy again.
func (g *Guarded[T]) ClearPoison() {
	g.poisoned.Store(false)
}

// Name returns the section label.
func (g *Guarded[T]) Name() string {
	return g.name
}
