// Package ratelimit decides whether a user may issue another generation
// request, counting durable usage events over three trailing windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/parley/internal/storage"
)

// Window names a rate-limit window, tightest first.
type Window string

const (
	WindowMinute Window = "per_minute"
	WindowHour   Window = "per_hour"
	WindowDay    Window = "per_day"
)

// Limits holds the per-window maximums.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultLimits returns the stock limits: 20/min, 100/hr, 500/day.
func DefaultLimits() Limits {
	return Limits{PerMinute: 20, PerHour: 100, PerDay: 500}
}

// ErrLimited is returned when a window's limit is reached. Window names the
// first violated window in tightest-to-loosest order, so concurrent checks
// report deterministically.
type ErrLimited struct {
	Window Window
}

func (e *ErrLimited) Error() string {
	return fmt.Sprintf("rate limited (%s)", e.Window)
}

// WindowStats is the read-only projection of one window for display.
type WindowStats struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Standing reports all three windows at a single point in time.
type Standing struct {
	PerMinute WindowStats `json:"per_minute"`
	PerHour   WindowStats `json:"per_hour"`
	PerDay    WindowStats `json:"per_day"`
}

// UsageStore abstracts the usage-event reads and writes the limiter needs.
type UsageStore interface {
	CountUsage(userID string, now time.Time) (storage.UsageCounts, error)
	InsertUsageEvent(userID string, at time.Time) error
}

// Limiter is the admission controller. A store error during Check fails
// closed: the caller must reject the request rather than admit unlimited
// throughput.
type Limiter struct {
	store  UsageStore
	limits Limits
	now    func() time.Time
}

// New creates a Limiter. Zero or negative limit values fall back to the
// defaults for that window.
func New(store UsageStore, limits Limits) *Limiter {
	defs := DefaultLimits()
	if limits.PerMinute <= 0 {
		limits.PerMinute = defs.PerMinute
	}
	if limits.PerHour <= 0 {
		limits.PerHour = defs.PerHour
	}
	if limits.PerDay <= 0 {
		limits.PerDay = defs.PerDay
	}
	return &Limiter{store: store, limits: limits, now: time.Now}
}

// Check reports whether the user may issue another request right now. On
// rejection the returned error is *ErrLimited naming the first violated
// window; any other error is a store failure and the caller must treat it as
// a rejection.
func (l *Limiter) Check(ctx context.Context, userID string) (Standing, error) {
	if err := ctx.Err(); err != nil {
		return Standing{}, err
	}
	counts, err := l.store.CountUsage(userID, l.now())
	if err != nil {
		return Standing{}, fmt.Errorf("counting usage events: %w", err)
	}

	standing := l.standing(counts)

	// Tightest window first; the first violation is the rejection reason.
	if counts.Minute >= l.limits.PerMinute {
		return standing, &ErrLimited{Window: WindowMinute}
	}
	if counts.Hour >= l.limits.PerHour {
		return standing, &ErrLimited{Window: WindowHour}
	}
	if counts.Day >= l.limits.PerDay {
		return standing, &ErrLimited{Window: WindowDay}
	}
	return standing, nil
}

// Record inserts one usage event for the user. The submission path records
// its event inside the store's submission transaction instead; Record exists
// for callers outside that path.
func (l *Limiter) Record(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.InsertUsageEvent(userID, l.now())
}

// Stats returns the per-window usage projection for display.
func (l *Limiter) Stats(ctx context.Context, userID string) (Standing, error) {
	if err := ctx.Err(); err != nil {
		return Standing{}, err
	}
	counts, err := l.store.CountUsage(userID, l.now())
	if err != nil {
		return Standing{}, fmt.Errorf("counting usage events: %w", err)
	}
	return l.standing(counts), nil
}

func (l *Limiter) standing(counts storage.UsageCounts) Standing {
	return Standing{
		PerMinute: windowStats(counts.Minute, l.limits.PerMinute),
		PerHour:   windowStats(counts.Hour, l.limits.PerHour),
		PerDay:    windowStats(counts.Day, l.limits.PerDay),
	}
}

func windowStats(used, limit int) WindowStats {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return WindowStats{Used: used, Limit: limit, Remaining: remaining}
}
