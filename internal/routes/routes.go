// ABOUTME: Per-(model, credential profile) route health bookkeeping for upstream failover.
// ABOUTME: Picks the least recently used ready route or the earliest route to become ready.

package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NoProfile is the ProfileIndex of a route when no credential profiles are configured.
const NoProfile = -1

// ErrNoModels indicates the health model was built without any models.
var ErrNoModels = errors.New("no upstream models configured")

// Strategy names how a route was selected.
type Strategy string

const (
	StrategyReadyLRU       Strategy = "ready_lru"
	StrategyEarliestReady  Strategy = "earliest_ready"
	StrategyActiveFallback Strategy = "active_fallback"
)

// Route is one (model, credential profile) pair.
type Route struct {
	ModelIndex   int    `json:"modelIndex"`
	ProfileIndex int    `json:"authProfileIndex"`
	Model        string `json:"model"`
	Profile      string `json:"authProfile,omitempty"`
}

// HasProfile reports whether the route carries a credential profile.
func (r Route) HasProfile() bool {
	return r.ProfileIndex != NoProfile
}

func (r Route) String() string {
	if !r.HasProfile() {
		return r.Model
	}
	return fmt.Sprintf("%s@%s", r.Model, r.Profile)
}

// Selection is the result of Pick.
type Selection struct {
	Route    Route     `json:"route"`
	ReadyAt  time.Time `json:"readyAt"`
	Strategy Strategy  `json:"selectionStrategy"`
	// Wait is how long the caller must wait before attempting the route.
	Wait time.Duration `json:"-"`
}

// AxisState is a snapshot of one axis (a model or a credential profile).
type AxisState struct {
	Name          string    `json:"name"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	CooldownUntil time.Time `json:"cooldownUntil"`
	DisabledUntil time.Time `json:"disabledUntil"`
	FailureCount  int       `json:"failureCount"`
}

// ReadyAt is the later of the cooldown and disable deadlines.
func (a AxisState) ReadyAt() time.Time {
	if a.DisabledUntil.After(a.CooldownUntil) {
		return a.DisabledUntil
	}
	return a.CooldownUntil
}

// Ready reports whether both deadlines have elapsed at now.
func (a AxisState) Ready(now time.Time) bool {
	return !now.Before(a.ReadyAt())
}

// FailureRecord describes the effect of a recorded failure.
type FailureRecord struct {
	Route         Route     `json:"route"`
	Reason        Reason    `json:"reason"`
	DisabledUntil time.Time `json:"disabledUntil"`
	CooldownUntil time.Time `json:"cooldownUntil"`
	ModelFailures int       `json:"modelFailureCount"`
}

// Snapshot is a copy of every axis, used by the operator surface.
type Snapshot struct {
	Models   []AxisState `json:"models"`
	Profiles []AxisState `json:"authProfiles"`
}

// Health tracks route health for every bridge session in the process.
// All methods are safe for concurrent use.
type Health struct {
	mu       sync.Mutex
	models   []AxisState
	profiles []AxisState
	policy   Policy
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Health.
type Option func(*Health)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Health) { h.now = now }
}

// WithLogger sets the logger used for failure diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Health) { h.logger = logger }
}

// New creates a Health over the given model and profile names.
// Profiles may be empty, in which case the profile axis is a no-op.
func New(models, profiles []string, policy Policy, opts ...Option) (*Health, error) {
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	h := &Health{
		models:   make([]AxisState, len(models)),
		profiles: make([]AxisState, len(profiles)),
		policy:   policy,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for i, m := range models {
		h.models[i].Name = m
	}
	for i, p := range profiles {
		h.profiles[i].Name = p
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Size returns the number of routes in the matrix.
func (h *Health) Size() int {
	return len(h.models) * max(len(h.profiles), 1)
}

// Pick selects the next route to try.
func (h *Health) Pick() Selection {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()

	if h.Size() == 1 {
		route := h.routeLocked(0, h.firstProfile())
		readyAt := h.readyAtLocked(route)
		return Selection{
			Route:    route,
			ReadyAt:  readyAt,
			Strategy: StrategyActiveFallback,
			Wait:     waitFor(now, readyAt),
		}
	}

	var (
		best         Route
		bestLastUsed time.Time
		found        bool

		earliest      Route
		earliestReady time.Time
		haveEarliest  bool
	)

	h.eachRouteLocked(func(route Route) {
		readyAt := h.readyAtLocked(route)
		if !now.Before(readyAt) {
			lastUsed := h.lastUsedLocked(route)
			if !found || lastUsed.Before(bestLastUsed) {
				best, bestLastUsed, found = route, lastUsed, true
			}
			return
		}
		if !haveEarliest || readyAt.Before(earliestReady) {
			earliest, earliestReady, haveEarliest = route, readyAt, true
		}
	})

	if found {
		return Selection{Route: best, ReadyAt: now, Strategy: StrategyReadyLRU}
	}
	return Selection{
		Route:    earliest,
		ReadyAt:  earliestReady,
		Strategy: StrategyEarliestReady,
		Wait:     waitFor(now, earliestReady),
	}
}

// RecordSuccess resets the failure counts of both axes and stamps their last use.
func (h *Health) RecordSuccess(route Route) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if m := h.modelLocked(route); m != nil {
		m.FailureCount = 0
		m.LastUsedAt = now
	}
	if p := h.profileLocked(route); p != nil {
		p.FailureCount = 0
		p.LastUsedAt = now
	}
}

// RecordFailure applies the reason's penalties to each axis of the route.
func (h *Health) RecordFailure(route Route, reason Reason) FailureRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	rp := h.policy.forReason(reason)

	model := h.modelLocked(route)
	profile := h.profileLocked(route)

	if model != nil {
		model.FailureCount++
	}
	if profile != nil {
		profile.FailureCount++
		profile.apply(now, rp.Profile)
		if model != nil {
			model.apply(now, rp.Model)
		}
	} else if model != nil {
		// Without a profile axis the model carries the credential penalty too.
		model.apply(now, rp.Model)
		model.apply(now, rp.Profile)
	}

	rec := FailureRecord{Route: route, Reason: reason}
	if model != nil {
		rec.ModelFailures = model.FailureCount
		rec.DisabledUntil = model.DisabledUntil
		rec.CooldownUntil = model.CooldownUntil
	}
	if profile != nil {
		rec.DisabledUntil = laterOf(rec.DisabledUntil, profile.DisabledUntil)
		rec.CooldownUntil = laterOf(rec.CooldownUntil, profile.CooldownUntil)
	}

	h.logger.Warn("route failure recorded",
		"route", route.String(),
		"model_index", route.ModelIndex,
		"profile_index", route.ProfileIndex,
		"reason", reason,
		"disabled_until", rec.DisabledUntil,
		"cooldown_until", rec.CooldownUntil,
		"failure_count", rec.ModelFailures,
	)
	return rec
}

// Snapshot returns a copy of all axis state.
func (h *Health) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Snapshot{
		Models:   make([]AxisState, len(h.models)),
		Profiles: make([]AxisState, len(h.profiles)),
	}
	copy(s.Models, h.models)
	copy(s.Profiles, h.profiles)
	return s
}

// Route returns the route for the given indices, or false if out of range.
func (h *Health) Route(modelIndex, profileIndex int) (Route, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if modelIndex < 0 || modelIndex >= len(h.models) {
		return Route{}, false
	}
	if len(h.profiles) == 0 {
		profileIndex = NoProfile
	} else if profileIndex < 0 || profileIndex >= len(h.profiles) {
		return Route{}, false
	}
	return h.routeLocked(modelIndex, profileIndex), true
}

func (a *AxisState) apply(now time.Time, p Penalty) {
	if p.Duration <= 0 {
		return
	}
	until := now.Add(p.Duration)
	if p.Disable {
		a.DisabledUntil = laterOf(a.DisabledUntil, until)
		return
	}
	a.CooldownUntil = laterOf(a.CooldownUntil, until)
}

func (h *Health) firstProfile() int {
	if len(h.profiles) == 0 {
		return NoProfile
	}
	return 0
}

func (h *Health) eachRouteLocked(fn func(Route)) {
	for mi := range h.models {
		if len(h.profiles) == 0 {
			fn(h.routeLocked(mi, NoProfile))
			continue
		}
		for pi := range h.profiles {
			fn(h.routeLocked(mi, pi))
		}
	}
}

func (h *Health) routeLocked(mi, pi int) Route {
	r := Route{ModelIndex: mi, ProfileIndex: pi, Model: h.models[mi].Name}
	if pi != NoProfile {
		r.Profile = h.profiles[pi].Name
	}
	return r
}

func (h *Health) modelLocked(r Route) *AxisState {
	if r.ModelIndex < 0 || r.ModelIndex >= len(h.models) {
		return nil
	}
	return &h.models[r.ModelIndex]
}

func (h *Health) profileLocked(r Route) *AxisState {
	if r.ProfileIndex < 0 || r.ProfileIndex >= len(h.profiles) {
		return nil
	}
	return &h.profiles[r.ProfileIndex]
}

func (h *Health) readyAtLocked(r Route) time.Time {
	var readyAt time.Time
	if m := h.modelLocked(r); m != nil {
		readyAt = m.ReadyAt()
	}
	if p := h.profileLocked(r); p != nil {
		readyAt = laterOf(readyAt, p.ReadyAt())
	}
	return readyAt
}

func (h *Health) lastUsedLocked(r Route) time.Time {
	var last time.Time
	if m := h.modelLocked(r); m != nil {
		last = m.LastUsedAt
	}
	if p := h.profileLocked(r); p != nil {
		last = laterOf(last, p.LastUsedAt)
	}
	return last
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func waitFor(now, readyAt time.Time) time.Duration {
	if readyAt.After(now) {
		return readyAt.Sub(now)
	}
	return 0
}
