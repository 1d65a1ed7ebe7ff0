// Package pacing enforces the minimum gap between consecutive sends in one
// delivery run.
package pacing

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// SystemSleeper sleeps on a real timer.
type SystemSleeper struct{}

func (SystemSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FakeClock is a manual clock whose Sleep advances Now instead of blocking.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

// Sleeps returns every duration passed to Sleep.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// EffectiveInterval is max(sequence gap, global floor) in minutes.
func EffectiveInterval(sequenceMinGap *int, globalMinMinutes int) time.Duration {
	minutes := 0
	if sequenceMinGap != nil && *sequenceMinGap > 0 {
		minutes = *sequenceMinGap
	}
	if globalMinMinutes > minutes {
		minutes = globalMinMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// State is the pacing memory of one worker run.
type State struct {
	LastSentAt *time.Time
}

// Engine applies the pacing gap. It is owned by a single run and is not safe
// for concurrent use.
type Engine struct {
	State

	clock     Clock
	sleeper   Sleeper
	globalMin int
}

func NewEngine(clock Clock, sleeper Sleeper, globalMinMinutes int) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if sleeper == nil {
		sleeper = SystemSleeper{}
	}
	return &Engine{clock: clock, sleeper: sleeper, globalMin: globalMinMinutes}
}

// Interval returns the effective gap for a sequence.
func (e *Engine) Interval(sequenceMinGap *int) time.Duration {
	return EffectiveInterval(sequenceMinGap, e.globalMin)
}

// Wait blocks until the gap since the last send has elapsed. Manual sends
// never wait. It returns the time actually waited.
func (e *Engine) Wait(ctx context.Context, sequenceMinGap *int, manual bool) (time.Duration, error) {
	if manual || e.LastSentAt == nil {
		return 0, nil
	}
	interval := e.Interval(sequenceMinGap)
	if interval <= 0 {
		return 0, nil
	}
	elapsed := e.clock.Now().Sub(*e.LastSentAt)
	if elapsed >= interval {
		return 0, nil
	}
	wait := interval - elapsed
	if err := e.sleeper.Sleep(ctx, wait); err != nil {
		return 0, err
	}
	return wait, nil
}

// MarkSent records a completed send.
func (e *Engine) MarkSent(t time.Time) {
	e.LastSentAt = &t
}

// Reasons reported by NextAfterSend.
const (
	ReasonStepDelay = "step_delay"
	ReasonMinGap    = "min_gap"
)

// NextAfterSend floors the next step's time at sentAt+interval. naive is
// now+delay before calendar rules; desired is the calculator's result. The
// reason is empty when the final time equals naive.
func NextAfterSend(sentAt, naive, desired time.Time, interval time.Duration) (time.Time, string) {
	next := desired
	if floor := sentAt.Add(interval); interval > 0 && next.Before(floor) {
		return floor, ReasonMinGap
	}
	if !next.Equal(naive) {
		return next, ReasonStepDelay
	}
	return next, ""
}
