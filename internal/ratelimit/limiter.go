// Package ratelimit implements fixed-window rate limiting on the transient
// store. The limiter is agnostic to what it protects; callers pick a subject
// (purpose prefix plus identity, e.g. "otp_request:+15551234567") and a
// (window, max) pair.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/echochat/server/internal/kv"
)

const keyPrefix = "rl:"

// FailMode controls behavior when the backing store is unreachable.
type FailMode int

const (
	// FailOpen admits traffic on store outage. Availability over strict
	// enforcement: an unreachable counter must not block every request.
	FailOpen FailMode = iota
	// FailClosed propagates the store error instead, for deployments that
	// prefer strict abuse resistance over availability.
	FailClosed
)

// Error signals an exceeded window. Callers must treat it as a hard stop.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", int(e.RetryAfter.Seconds()))
}

// Result describes the window after a Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts hits per subject in fixed windows.
type Limiter struct {
	store kv.TransientStore
	mode  FailMode
}

// New creates a Limiter over the given store.
func New(store kv.TransientStore, mode FailMode) *Limiter {
	return &Limiter{store: store, mode: mode}
}

// Check counts one hit against subject's current window and reports whether
// the hit is within budget. Exceeding max returns a *Error carrying the wait
// until the window resets, never a silent Allowed=false.
func (l *Limiter) Check(ctx context.Context, subject string, window time.Duration, max int) (Result, error) {
	key := keyPrefix + subject

	count, err := l.store.IncrWithTTL(ctx, key, window)
	if err != nil {
		if l.mode == FailOpen {
			return Result{Allowed: true, Remaining: max}, nil
		}
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	retry, err := l.store.GetTTL(ctx, key)
	if err != nil || retry <= 0 {
		retry = window
	}
	resetAt := time.Now().Add(retry)

	if count > int64(max) {
		return Result{ResetAt: resetAt}, &Error{RetryAfter: retry}
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}
