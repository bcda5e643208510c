// Package cache provides the best-effort read accelerator of the state store.
//
// The cache mirrors the most recent state per run and is never authoritative:
// every backend failure is logged and swallowed, a fully absent backend
// behaves as a permanent miss, and correctness of every read remains fully
// recoverable from durable storage alone.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// DefaultTTL is the lifetime of cached run state.
const DefaultTTL = time.Hour

// Backend is the key/value contract the layer accelerates reads with. It may
// be unavailable at any time; the layer absorbs every error it returns.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Layer wraps a Backend with the best-effort cache contract.
type Layer struct {
	backend Backend
	logger  *slog.Logger
	ttl     time.Duration
}

// NewLayer creates a cache layer over the given backend. A nil backend is
// valid and behaves as a permanent miss. A nil logger falls back to the
// default slog logger; a non-positive ttl falls back to DefaultTTL.
func NewLayer(backend Backend, logger *slog.Logger, ttl time.Duration) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Layer{backend: backend, logger: logger, ttl: ttl}
}

// RunPrefix returns the key prefix holding every cached entry for a run.
func RunPrefix(runID string) string {
	return "run:" + runID + ":"
}

func runKey(runID string) string {
	return RunPrefix(runID) + "latest"
}

// Write mirrors the latest state for the run into the backend. Failures are
// logged and swallowed: a cache write never fails the surrounding operation.
func (l *Layer) Write(ctx context.Context, runID string, state map[string]any) {
	if l == nil || l.backend == nil {
		return
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		l.logger.Warn("cache write skipped: state not serializable", "run_id", runID, "error", err)
		return
	}
	if err := l.backend.Set(ctx, runKey(runID), encoded, l.ttl); err != nil {
		l.logger.Warn("cache write failed", "run_id", runID, "error", err)
	}
}

// Read returns the cached latest state for the run. Backend unavailability
// and decode failures report a miss, never an error.
func (l *Layer) Read(ctx context.Context, runID string) (map[string]any, bool) {
	if l == nil || l.backend == nil {
		return nil, false
	}
	encoded, found, err := l.backend.Get(ctx, runKey(runID))
	if err != nil {
		l.logger.Warn("cache read failed", "run_id", runID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var state map[string]any
	if err := json.Unmarshal(encoded, &state); err != nil {
		l.logger.Warn("cache entry corrupt, treating as miss", "run_id", runID, "error", err)
		return nil, false
	}
	return state, true
}

// Invalidate removes every cached entry for the run. Failures are logged and
// swallowed.
func (l *Layer) Invalidate(ctx context.Context, runID string) {
	if l == nil || l.backend == nil {
		return
	}
	if err := l.backend.DeletePrefix(ctx, RunPrefix(runID)); err != nil {
		l.logger.Warn("cache invalidation failed", "run_id", runID, "error", err)
	}
}
