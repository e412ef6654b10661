// ABOUTME: Idempotent replay cache: at most one execution per replay key, conflicts never run.
// ABOUTME: Duplicates in one process share an execution; replicas coordinate through pending markers.

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// DefaultPendingTTL bounds how long a pending marker holds a key when its owner
// never finishes, for example after a crash.
const DefaultPendingTTL = 2 * time.Minute

var errStillPending = errors.New("replay entry still pending")

// Result is the outcome of Cache.Do.
type Result struct {
	Response json.RawMessage
	// Replayed is true when Response came from the cache.
	Replayed bool
	// Age is how long ago a replayed response was cached.
	Age time.Duration
	// Shared is true when this caller joined a concurrent execution.
	Shared bool
}

// ExecFunc produces a response. cacheable controls whether it is stored.
type ExecFunc func(ctx context.Context) (resp json.RawMessage, cacheable bool, err error)

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithPendingTTL sets how long an in-flight reservation holds its key.
func WithPendingTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.pendingTTL = d
		}
	}
}

// Cache wraps a Store with fingerprint checks and duplicate collapsing.
type Cache struct {
	store      Store
	ttl        time.Duration
	pendingTTL time.Duration
	group      singleflight.Group
	now        func() time.Time
	logger     *slog.Logger
}

// NewCache creates a Cache storing entries for ttl.
func NewCache(store Store, ttl time.Duration, logger *slog.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		store:      store,
		ttl:        ttl,
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
		logger:     logger.With("component", "replay"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached result for key. An entry with a different fingerprint,
// finished or still pending, yields ErrConflict. A pending entry with the same
// fingerprint is a miss.
func (c *Cache) Lookup(ctx context.Context, key, fingerprint string) (Result, bool, error) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return Result{}, false, fmt.Errorf("replay lookup: %w", err)
	}
	if !ok {
		return Result{}, false, nil
	}
	if e.Fingerprint != fingerprint {
		return Result{}, false, fmt.Errorf("%w: key reused with different content", ErrConflict)
	}
	if e.Pending {
		return Result{}, false, nil
	}
	return c.replayed(e), true, nil
}

// flight is what a singleflight leader hands to every caller joined on its key.
type flight struct {
	res         Result
	fingerprint string
}

// Do replays a cached response for (key, fingerprint) or runs exec at most once for
// the key. Concurrent callers with the same fingerprint share the execution; a
// caller whose fingerprint differs from the one in flight gets ErrConflict without
// running anything.
func (c *Cache) Do(ctx context.Context, key, fingerprint string, exec ExecFunc) (Result, error) {
	if res, ok, err := c.Lookup(ctx, key, fingerprint); err != nil || ok {
		return res, err
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		res, err := c.run(ctx, key, fingerprint, exec)
		return flight{res: res, fingerprint: fingerprint}, err
	})
	f, _ := v.(flight)
	if shared && f.fingerprint != fingerprint {
		return Result{}, fmt.Errorf("%w: key %s is in flight with different content", ErrConflict, key)
	}
	if err != nil {
		return Result{}, err
	}
	res := f.res
	res.Shared = shared && !res.Replayed
	return res, nil
}

// run reserves key, executes, and stores or releases the reservation.
func (c *Cache) run(ctx context.Context, key, fingerprint string, exec ExecFunc) (Result, error) {
	for range 3 {
		now := c.now()
		marker := Entry{Fingerprint: fingerprint, Pending: true, CachedAt: now, ExpiresAt: now.Add(c.pendingTTL)}
		existing, reserved, err := c.store.Reserve(ctx, key, marker)
		if err != nil {
			return Result{}, fmt.Errorf("replay reserve: %w", err)
		}
		if reserved {
			return c.execute(ctx, key, fingerprint, exec)
		}
		if existing.Fingerprint != fingerprint {
			return Result{}, fmt.Errorf("%w: key %s", ErrConflict, key)
		}
		if !existing.Pending {
			return c.replayed(existing), nil
		}

		// Another replica is running the same request.
		e, found, err := c.awaitPeer(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if found {
			if e.Fingerprint != fingerprint {
				return Result{}, fmt.Errorf("%w: key %s", ErrConflict, key)
			}
			return c.replayed(e), nil
		}
		// The peer released its marker without a cacheable result; claim it again.
	}
	return Result{}, fmt.Errorf("replay key %s: could not claim after repeated releases", key)
}

func (c *Cache) execute(ctx context.Context, key, fingerprint string, exec ExecFunc) (Result, error) {
	resp, cacheable, err := exec(ctx)
	if err != nil || !cacheable {
		if relErr := c.store.Release(ctx, key, fingerprint); relErr != nil {
			c.logger.Warn("releasing replay reservation failed", "key", key, "error", relErr)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Response: resp}, nil
	}

	now := c.now()
	putErr := c.store.Put(ctx, key, Entry{
		Response:    resp,
		Fingerprint: fingerprint,
		CachedAt:    now,
		ExpiresAt:   now.Add(c.ttl),
	})
	if errors.Is(putErr, ErrConflict) {
		return Result{}, putErr
	}
	if putErr != nil {
		c.logger.Warn("caching replay entry failed", "key", key, "error", putErr)
	}
	return Result{Response: resp}, nil
}

// awaitPeer polls key until its pending marker is replaced or removed. found is
// false when the marker went away without a result.
func (c *Cache) awaitPeer(ctx context.Context, key string) (Entry, bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.pendingTTL

	var (
		got   Entry
		found bool
	)
	op := func() error {
		e, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok && e.Pending {
			return errStillPending
		}
		got, found = e, ok
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return Entry{}, false, fmt.Errorf("waiting for concurrent execution of %s: %w", key, err)
	}
	return got, found, nil
}

func (c *Cache) replayed(e Entry) Result {
	return Result{Response: e.Response, Replayed: true, Age: c.now().Sub(e.CachedAt)}
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
