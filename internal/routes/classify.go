// ABOUTME: Table-driven failure classification and per-reason penalty policy.
// ABOUTME: Maps upstream handshake status codes to billing, rate_limit, auth or failure.

package routes

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Reason is the failure class of a connection attempt.
type Reason string

const (
	ReasonBilling   Reason = "billing"
	ReasonRateLimit Reason = "rate_limit"
	ReasonAuth      Reason = "auth"
	ReasonFailure   Reason = "failure"
)

// DialError carries the HTTP status of a failed upstream handshake.
// StatusCode is zero when the attempt never got a response (refused, unreachable, timeout).
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream dial: %v", e.Err)
	}
	return fmt.Sprintf("upstream dial: status %d: %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Classifier maps handshake status codes to failure reasons.
type Classifier struct {
	table map[int]Reason
}

// DefaultTable is the status → reason mapping used when nothing is configured.
// 5xx responses are deliberately left to the generic failure class.
func DefaultTable() map[int]Reason {
	return map[int]Reason{
		402: ReasonBilling,
		429: ReasonRateLimit,
		401: ReasonAuth,
		403: ReasonAuth,
	}
}

// NewClassifier builds a classifier from the default table with overrides applied.
// Override keys are decimal status codes; values must be a known Reason.
func NewClassifier(overrides map[string]string) (*Classifier, error) {
	table := DefaultTable()
	for code, reason := range overrides {
		n, err := strconv.Atoi(code)
		if err != nil {
			return nil, fmt.Errorf("classification key %q: %w", code, err)
		}
		r := Reason(reason)
		switch r {
		case ReasonBilling, ReasonRateLimit, ReasonAuth, ReasonFailure:
		default:
			return nil, fmt.Errorf("classification %d: unknown reason %q", n, reason)
		}
		table[n] = r
	}
	return &Classifier{table: table}, nil
}

// Classify returns the failure reason for an error from a connection attempt.
func (c *Classifier) Classify(err error) Reason {
	var de *DialError
	if !errors.As(err, &de) || de.StatusCode == 0 {
		return ReasonFailure
	}
	if r, ok := c.table[de.StatusCode]; ok {
		return r
	}
	return ReasonFailure
}

// Penalty is a window applied to one axis.
type Penalty struct {
	// Disable marks a hard suspension; otherwise the window is a soft cooldown.
	Disable  bool
	Duration time.Duration
}

// ReasonPolicy holds the penalty for each axis for one failure reason.
type ReasonPolicy struct {
	Model   Penalty
	Profile Penalty
}

// Policy maps failure reasons to axis penalties.
type Policy map[Reason]ReasonPolicy

// Windows are the configured durations a Policy is built from.
type Windows struct {
	DefaultCooldown   time.Duration
	RateLimitCooldown time.Duration
	BillingDisable    time.Duration
	AuthDisable       time.Duration
}

// NewPolicy builds the standard policy: credential failures (billing, auth) hard-disable
// the profile axis and cool the model; rate limits and generic failures cool both axes.
func NewPolicy(w Windows) Policy {
	cool := func(d time.Duration) Penalty { return Penalty{Duration: d} }
	disable := func(d time.Duration) Penalty { return Penalty{Disable: true, Duration: d} }

	return Policy{
		ReasonBilling:   {Model: cool(w.DefaultCooldown), Profile: disable(w.BillingDisable)},
		ReasonAuth:      {Model: cool(w.DefaultCooldown), Profile: disable(w.AuthDisable)},
		ReasonRateLimit: {Model: cool(w.RateLimitCooldown), Profile: cool(w.RateLimitCooldown)},
		ReasonFailure:   {Model: cool(w.DefaultCooldown), Profile: cool(w.DefaultCooldown)},
	}
}

func (p Policy) forReason(r Reason) ReasonPolicy {
	if rp, ok := p[r]; ok {
		return rp
	}
	return p[ReasonFailure]
}
