// ABOUTME: Replay entry storage: an in-process TTL store and a shared redis store.
// ABOUTME: Keys are reserved with a pending marker before execution so content conflicts never run.

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrConflict indicates a replay key was reused for different request content.
var ErrConflict = errors.New("idempotency conflict")

// Entry is a cached response for a replay key. A Pending entry marks a key whose
// execution is in flight and carries no response yet.
type Entry struct {
	Response    json.RawMessage `json:"response,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Pending     bool            `json:"pending,omitempty"`
	CachedAt    time.Time       `json:"cachedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// Expired reports whether the entry has passed its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store persists replay entries.
type Store interface {
	// Get returns the unexpired entry for key.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores e under key. It returns ErrConflict instead of replacing a live
	// entry with a different fingerprint.
	Put(ctx context.Context, key string, e Entry) error
	// Reserve stores the pending marker e under key only if the key is free. When
	// it is taken, the live entry is returned with reserved false.
	Reserve(ctx context.Context, key string, e Entry) (existing Entry, reserved bool, err error)
	// Release removes key if it still holds a pending marker for fingerprint.
	Release(ctx context.Context, key, fingerprint string) error
	Close() error
}
