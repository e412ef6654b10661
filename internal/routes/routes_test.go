// ABOUTME: Tests for route selection, failure classification and per-axis penalties.
// ABOUTME: Uses a manual clock to step through cooldown and disable windows.

package routes

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testWindows = Windows{
	DefaultCooldown:   10 * time.Second,
	RateLimitCooldown: 5 * time.Second,
	BillingDisable:    time.Hour,
	AuthDisable:       30 * time.Minute,
}

func newTestHealth(t *testing.T, models, profiles []string) (*Health, *manualClock) {
	t.Helper()
	clock := newManualClock()
	h, err := New(models, profiles, NewPolicy(testWindows),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return h, clock
}

func TestNew_RequiresModels(t *testing.T) {
	_, err := New(nil, []string{"p"}, NewPolicy(testWindows))
	assert.ErrorIs(t, err, ErrNoModels)
}

func TestPick_SingleRouteIsActiveFallback(t *testing.T) {
	h, _ := newTestHealth(t, []string{"m0"}, nil)

	sel := h.Pick()
	assert.Equal(t, StrategyActiveFallback, sel.Strategy)
	assert.Equal(t, 0, sel.Route.ModelIndex)
	assert.Equal(t, NoProfile, sel.Route.ProfileIndex)
	assert.Zero(t, sel.Wait)

	h.RecordFailure(sel.Route, ReasonRateLimit)
	sel = h.Pick()
	assert.Equal(t, StrategyActiveFallback, sel.Strategy)
	assert.Equal(t, 5*time.Second, sel.Wait, "fallback still reports the wait")
}

func TestPick_ReadyLRU(t *testing.T) {
	h, clock := newTestHealth(t, []string{"m0", "m1"}, []string{"p0", "p1"})
	assert.Equal(t, 4, h.Size())

	first := h.Pick()
	assert.Equal(t, StrategyReadyLRU, first.Strategy)
	assert.Equal(t, Route{ModelIndex: 0, ProfileIndex: 0, Model: "m0", Profile: "p0"}, first.Route)

	h.RecordSuccess(first.Route)
	clock.Advance(time.Second)

	// m0 and p0 were just used, so (m1, p1) is the only route with both axes unused.
	second := h.Pick()
	assert.Equal(t, StrategyReadyLRU, second.Strategy)
	assert.Equal(t, 1, second.Route.ModelIndex)
	assert.Equal(t, 1, second.Route.ProfileIndex)
}

func TestPick_NeverReturnsCoolingRouteWhileAnotherIsReady(t *testing.T) {
	h, clock := newTestHealth(t, []string{"m0", "m1", "m2"}, nil)

	for i := 0; i < 2; i++ {
		sel := h.Pick()
		h.RecordFailure(sel.Route, ReasonFailure)
		clock.Advance(time.Second)
	}

	sel := h.Pick()
	assert.Equal(t, StrategyReadyLRU, sel.Strategy)
	assert.Equal(t, 2, sel.Route.ModelIndex)
}

func TestPick_EarliestReadyWhenNothingReady(t *testing.T) {
	h, clock := newTestHealth(t, []string{"m0", "m1"}, nil)

	h.RecordFailure(Route{ModelIndex: 0, ProfileIndex: NoProfile, Model: "m0"}, ReasonFailure) // ready at +10s
	h.RecordFailure(Route{ModelIndex: 1, ProfileIndex: NoProfile, Model: "m1"}, ReasonRateLimit) // ready at +5s

	sel := h.Pick()
	assert.Equal(t, StrategyEarliestReady, sel.Strategy)
	assert.Equal(t, 1, sel.Route.ModelIndex)
	assert.Equal(t, 5*time.Second, sel.Wait)
	assert.Equal(t, clock.Now().Add(5*time.Second), sel.ReadyAt)

	clock.Advance(2 * time.Second)
	sel = h.Pick()
	assert.Equal(t, 3*time.Second, sel.Wait)

	clock.Advance(3 * time.Second)
	sel = h.Pick()
	assert.Equal(t, StrategyReadyLRU, sel.Strategy)
	assert.Equal(t, 1, sel.Route.ModelIndex)
	assert.Zero(t, sel.Wait)
}

func TestRecordFailure_BillingDisablesOnlyProfile(t *testing.T) {
	h, clock := newTestHealth(t, []string{"m0"}, []string{"p0", "p1"})
	route, ok := h.Route(0, 0)
	require.True(t, ok)

	rec := h.RecordFailure(route, ReasonBilling)
	assert.Equal(t, ReasonBilling, rec.Reason)
	assert.Equal(t, clock.Now().Add(time.Hour), rec.DisabledUntil)

	snap := h.Snapshot()
	assert.Equal(t, clock.Now().Add(time.Hour), snap.Profiles[0].DisabledUntil)
	assert.True(t, snap.Models[0].DisabledUntil.IsZero(), "model must not be hard disabled")
	assert.Equal(t, clock.Now().Add(10*time.Second), snap.Models[0].CooldownUntil)
	assert.True(t, snap.Profiles[1].DisabledUntil.IsZero())
	assert.Equal(t, 1, snap.Models[0].FailureCount)
	assert.Equal(t, 1, snap.Profiles[0].FailureCount)

	// Once the model cooldown passes, the other profile is picked; p0 stays disabled.
	clock.Advance(11 * time.Second)
	sel := h.Pick()
	assert.Equal(t, StrategyReadyLRU, sel.Strategy)
	assert.Equal(t, 1, sel.Route.ProfileIndex)
}

func TestRecordFailure_RateLimitIsSoftAndShorter(t *testing.T) {
	h, clock := newTestHealth(t, []string{"m0", "m1"}, []string{"p0"})
	route, _ := h.Route(0, 0)

	h.RecordFailure(route, ReasonRateLimit)
	snap := h.Snapshot()
	assert.True(t, snap.Profiles[0].DisabledUntil.IsZero())
	assert.True(t, snap.Models[0].DisabledUntil.IsZero())
	assert.Equal(t, clock.Now().Add(5*time.Second), snap.Profiles[0].CooldownUntil)
	assert.Equal(t, clock.Now().Add(5*time.Second), snap.Models[0].CooldownUntil)
	assert.Less(t, testWindows.RateLimitCooldown, testWindows.BillingDisable)
}

func TestRecordFailure_AuthWithoutProfilesDisablesModel(t *testing.T) {
	h, clock := newTestHealth(t, []string{"m0", "m1"}, nil)
	route, _ := h.Route(0, 5)
	assert.Equal(t, NoProfile, route.ProfileIndex)

	rec := h.RecordFailure(route, ReasonAuth)
	assert.Equal(t, clock.Now().Add(30*time.Minute), rec.DisabledUntil)

	sel := h.Pick()
	assert.Equal(t, 1, sel.Route.ModelIndex)
}

func TestRecordSuccess_ResetsFailureCount(t *testing.T) {
	h, clock := newTestHealth(t, []string{"m0"}, []string{"p0"})
	route, _ := h.Route(0, 0)

	h.RecordFailure(route, ReasonFailure)
	h.RecordFailure(route, ReasonFailure)
	assert.Equal(t, 2, h.Snapshot().Models[0].FailureCount)

	clock.Advance(time.Minute)
	h.RecordSuccess(route)
	snap := h.Snapshot()
	assert.Zero(t, snap.Models[0].FailureCount)
	assert.Zero(t, snap.Profiles[0].FailureCount)
	assert.Equal(t, clock.Now(), snap.Models[0].LastUsedAt)
	assert.Equal(t, clock.Now(), snap.Profiles[0].LastUsedAt)
}

func TestClassifier(t *testing.T) {
	c, err := NewClassifier(map[string]string{"503": "rate_limit"})
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"billing", &DialError{StatusCode: 402, Err: errors.New("payment required")}, ReasonBilling},
		{"rate limit", &DialError{StatusCode: 429, Err: errors.New("slow down")}, ReasonRateLimit},
		{"unauthorized", &DialError{StatusCode: 401, Err: errors.New("no")}, ReasonAuth},
		{"forbidden", &DialError{StatusCode: 403, Err: errors.New("no")}, ReasonAuth},
		{"override", &DialError{StatusCode: 503, Err: errors.New("busy")}, ReasonRateLimit},
		{"server error", &DialError{StatusCode: 500, Err: errors.New("boom")}, ReasonFailure},
		{"refused", &DialError{Err: errors.New("connection refused")}, ReasonFailure},
		{"plain error", errors.New("handshake timeout"), ReasonFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err))
		})
	}
}

func TestNewClassifier_RejectsBadEntries(t *testing.T) {
	_, err := NewClassifier(map[string]string{"abc": "auth"})
	assert.Error(t, err)

	_, err = NewClassifier(map[string]string{"500": "meltdown"})
	assert.Error(t, err)
}

func TestHealth_ConcurrentAccess(t *testing.T) {
	h, _ := newTestHealth(t, []string{"m0", "m1", "m2"}, []string{"p0", "p1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel := h.Pick()
			if i%2 == 0 {
				h.RecordFailure(sel.Route, ReasonRateLimit)
			} else {
				h.RecordSuccess(sel.Route)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.Snapshot().Models, 3)
}
