// Package agent implements the page agent: the per-page state machine that
// asks the coordinator for a budget, times the visit, reports elapsed time,
// and blocks the page when the budget runs out.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/bus"
	"github.com/goodtune/pagelimit/internal/coordinator"
	"github.com/goodtune/pagelimit/internal/lock"
	"github.com/goodtune/pagelimit/internal/metrics"
	"github.com/goodtune/pagelimit/internal/timer"
)

// DefaultStartDelay debounces quick focus changes before a session starts.
const DefaultStartDelay = 250 * time.Millisecond

// lockName is the agent's own section around start/stop.
const lockName = "timer"

// Coordinator is the agent's view of the coordinator.
type Coordinator interface {
	PageLoading(ctx context.Context, url string) (coordinator.Evaluation, error)
	PageVisited(ctx context.Context, url string) (coordinator.Evaluation, error)
	AddTime(ctx context.Context, url string, seconds int64) error
}

// Blocker replaces the page with the blocked destination.
type Blocker interface {
	Block(url string)
}

// BlockerFunc adapts a function to Blocker.
type BlockerFunc func(url string)

// Block calls f(url).
func (f BlockerFunc) Block(url string) { f(url) }

// State is the agent's lifecycle position.
type State int

const (
	StateInactive State = iota
	StateAwaitingBudget
	StateTracking
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateAwaitingBudget:
		return "awaiting-budget"
	case StateTracking:
		return "tracking"
	case StateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tune an agent. Zero values take defaults.
type Options struct {
	StartDelay time.Duration
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// Agent tracks one page.
type Agent struct {
	url     string
	coord   Coordinator
	blocker Blocker
	clock   clock.Clock
	delay   time.Duration
	timer   *timer.Timer
	locker  *lock.Locker
	logger  zerolog.Logger

	mu      sync.Mutex
	state   State
	focused bool
}

// New creates an inactive agent for url.
func New(url string, coord Coordinator, blocker Blocker, opts Options) *Agent {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	delay := opts.StartDelay
	if delay < 0 {
		delay = 0
	}

	a := &Agent{
		url:     url,
		coord:   coord,
		blocker: blocker,
		clock:   clk,
		delay:   delay,
		locker:  lock.New(nil),
		logger:  opts.Logger.With().Str("component", "agent").Str("url", url).Logger(),
	}
	a.timer = timer.New(clk, a.onTimeout)
	return a
}

// URL returns the page URL.
func (a *Agent) URL() string {
	return a.url
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// SecondsLeft returns the remaining budget of the running session, or 0.
func (a *Agent) SecondsLeft() int64 {
	return max(a.timer.Budget()-a.timer.SecondsElapsed(), 0)
}

// Load is called while the page is loading: an exhausted page is blocked
// before it renders, otherwise the agent activates.
func (a *Agent) Load(ctx context.Context) error {
	eval, err := a.coord.PageLoading(ctx, a.url)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Page-loading check failed, not limiting")
	} else if eval.Exhausted() {
		a.block("exhausted")
		return nil
	}
	return a.Activate(ctx)
}

// Activate starts a session when the page gains focus. A coordinator error
// leaves the agent inactive.
func (a *Agent) Activate(ctx context.Context) error {
	a.mu.Lock()
	a.focused = true
	a.mu.Unlock()

	return a.locker.Do(ctx, lockName, func(ctx context.Context) error {
		switch a.State() {
		case StateBlocked, StateTracking:
			return nil
		}
		a.setState(StateAwaitingBudget)

		if a.delay > 0 {
			select {
			case <-a.clock.After(a.delay):
			case <-ctx.Done():
				a.setState(StateInactive)
				return ctx.Err()
			}
		}

		a.mu.Lock()
		focused := a.focused
		a.mu.Unlock()
		if !focused {
			// Focus went away during the delay
			a.setState(StateInactive)
			return nil
		}

		eval, err := a.coord.PageVisited(ctx, a.url)
		if err != nil {
			a.setState(StateInactive)
			return fmt.Errorf("page-visited: %w", err)
		}

		switch {
		case !eval.Matched:
			a.setState(StateInactive)
		case eval.SecondsLeft <= 0:
			a.block("exhausted")
		default:
			a.timer.Start(eval.SecondsLeft)
			a.setState(StateTracking)
			a.logger.Debug().
				Str("group", eval.GroupName).
				Int64("seconds_left", eval.SecondsLeft).
				Msg("Tracking session")
		}
		return nil
	})
}

// Deactivate ends the session when the page loses focus or unloads and
// reports the elapsed time.
func (a *Agent) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	a.focused = false
	a.mu.Unlock()

	return a.locker.Do(ctx, lockName, func(ctx context.Context) error {
		seconds := a.timer.Stop()
		if a.State() == StateTracking {
			a.setState(StateInactive)
		}
		if seconds <= 0 {
			return nil
		}
		return a.report(ctx, seconds)
	})
}

// HandleMessage reacts to pushes from the bus.
func (a *Agent) HandleMessage(ctx context.Context, msg bus.Message) {
	if msg.Event != bus.EventBlockPage {
		return
	}
	if msg.URL != "" && msg.URL != a.url {
		return
	}
	_ = a.locker.Do(ctx, lockName, func(ctx context.Context) error {
		if seconds := a.timer.Stop(); seconds > 0 {
			if err := a.report(ctx, seconds); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to report time before block")
			}
		}
		a.block("command")
		return nil
	})
}

func (a *Agent) onTimeout(seconds int64) {
	ctx := context.Background()
	_ = a.locker.Do(ctx, lockName, func(ctx context.Context) error {
		if a.State() == StateBlocked {
			return nil
		}
		if err := a.report(ctx, seconds); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to report time on timeout")
		}
		a.block("timeout")
		return nil
	})
}

func (a *Agent) report(ctx context.Context, seconds int64) error {
	a.logger.Debug().Int64("seconds", seconds).Msg("Reporting time")
	return a.coord.AddTime(ctx, a.url, seconds)
}

// block is terminal for this agent. A session still being timed is stopped
// and reported first.
func (a *Agent) block(reason string) {
	a.mu.Lock()
	if a.state == StateBlocked {
		a.mu.Unlock()
		return
	}
	a.state = StateBlocked
	a.mu.Unlock()

	if seconds := a.timer.Stop(); seconds > 0 {
		if err := a.report(context.Background(), seconds); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to report time before block")
		}
	}

	metrics.BlocksTotal.WithLabelValues(reason).Inc()
	a.logger.Info().Str("reason", reason).Msg("Blocking page")
	if a.blocker != nil {
		a.blocker.Block(a.url)
	}
}
