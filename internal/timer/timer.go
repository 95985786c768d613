// Package timer implements the session timer: one tracked dwell interval
// at a time with a budget that fires a timeout callback.
package timer

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// maxBudget is the longest budget a time.Duration can hold. Larger budgets
// are timed as this long, which is still centuries.
const maxBudget = int64(math.MaxInt64 / int64(time.Second))

// Timer is an idle/running state machine. It is safe for concurrent use.
type Timer struct {
	clock     clock.Clock
	onTimeout func(secondsElapsed int64)

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	budget     int64
	pending    *clock.Timer
	generation uint64
}

// New creates an idle timer. onTimeout runs on its own goroutine after the
// timer has already returned to idle.
func New(clk clock.Clock, onTimeout func(secondsElapsed int64)) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clock: clk, onTimeout: onTimeout}
}

// Start moves an idle timer to running with the given budget in seconds. It
// reports false, doing nothing, when already running or when the budget is
// not positive.
func (t *Timer) Start(budget int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || budget <= 0 {
		return false
	}

	t.generation++
	gen := t.generation
	t.running = true
	t.budget = budget
	t.startedAt = t.clock.Now()
	t.pending = t.clock.AfterFunc(time.Duration(min(budget, maxBudget))*time.Second, func() {
		t.fire(gen)
	})
	return true
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if !t.running || gen != t.generation {
		// Stopped, or stopped and restarted, before this callback ran
		t.mu.Unlock()
		return
	}
	elapsed := int64(t.clock.Since(t.startedAt) / time.Second)
	reported := max(t.budget, elapsed)
	t.running = false
	t.pending = nil
	t.mu.Unlock()

	if t.onTimeout != nil {
		t.onTimeout(reported)
	}
}

// Stop moves a running timer to idle and returns the elapsed seconds,
// rounded up. It returns 0 when the timer is idle.
func (t *Timer) Stop() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return 0
	}

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.running = false
	t.generation++

	return ceilSeconds(t.clock.Since(t.startedAt))
}

// IsRunning reports whether a session is being timed.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// SecondsElapsed returns whole seconds since Start without stopping, or 0
// when idle.
func (t *Timer) SecondsElapsed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0
	}
	return int64(t.clock.Since(t.startedAt) / time.Second)
}

// Budget returns the budget of the running session, or 0 when idle.
func (t *Timer) Budget() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0
	}
	return t.budget
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
