package usage

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Pruner is the settings owner that the scheduler prunes through. It must
// serialize PruneBefore with usage updates.
type Pruner interface {
	DailyResetTime(ctx context.Context) (string, error)
	PruneBefore(ctx context.Context, cutoff string) (int, error)
}

// ResetScheduler wakes at every daily reset boundary and drops usage older
// than the retention window. Rolling over to a new day needs no write: the
// new date key simply has no entry yet.
type ResetScheduler struct {
	pruner        Pruner
	retentionDays int
	clock         clock.Clock
	logger        zerolog.Logger
	stopChan      chan struct{}
	doneChan      chan struct{}
}

// NewResetScheduler creates a new reset scheduler. A retention of zero
// keeps all history.
func NewResetScheduler(pruner Pruner, retentionDays int, clk clock.Clock, logger zerolog.Logger) *ResetScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &ResetScheduler{
		pruner:        pruner,
		retentionDays: retentionDays,
		clock:         clk,
		logger:        logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Int("retention_days", rs.retentionDays).
		Msg("Daily usage reset scheduler started")
}

// Stop stops the reset scheduler and waits for the loop to exit.
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Daily usage reset scheduler stopped")
}

func (rs *ResetScheduler) run() {
	defer close(rs.doneChan)

	for {
		resetTime := rs.resetTime()
		now := rs.clock.Now()
		nextReset := NextReset(resetTime, now)
		waitDuration := nextReset.Sub(now)

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		timer := rs.clock.Timer(waitDuration)
		select {
		case <-timer.C:
			rs.performReset()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

func (rs *ResetScheduler) resetTime() string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	value, err := rs.pruner.DailyResetTime(ctx)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to read daily reset time, assuming midnight")
		return "00:00"
	}
	return value
}

// performReset prunes usage older than the retention window.
func (rs *ResetScheduler) performReset() {
	if rs.retentionDays <= 0 {
		return
	}

	now := rs.clock.Now()
	cutoff := resetDate(rs.resetTime(), now).AddDate(0, 0, -rs.retentionDays).Format(DateLayout)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := rs.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to prune old usage")
		return
	}

	rs.logger.Info().
		Int("entries_removed", removed).
		Str("cutoff_date", cutoff).
		Msg("Daily usage reset complete, old usage pruned")
}
