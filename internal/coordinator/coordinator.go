// Package coordinator is the single authority over usage accounting. It
// answers whether a URL is limited and how much time is left, and records
// elapsed time reported by page agents.
package coordinator

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/lock"
	"github.com/goodtune/pagelimit/internal/matcher"
	"github.com/goodtune/pagelimit/internal/metrics"
	"github.com/goodtune/pagelimit/internal/settings"
	"github.com/goodtune/pagelimit/internal/usage"
)

// Unlimited is the budget reported for groups without a time limit. Check
// Evaluation.Unlimited rather than comparing against it.
const Unlimited int64 = math.MaxInt32

// Evaluation is the answer to a page-loading or page-visited query.
type Evaluation struct {
	Matched     bool   `json:"matched"`
	SecondsLeft int64  `json:"secondsLeft"`
	GroupID     string `json:"groupId,omitempty"`
	GroupName   string `json:"groupName,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Allowed     bool   `json:"allowed,omitempty"`
	Unlimited   bool   `json:"unlimited,omitempty"`
}

// Exhausted reports whether the page must be blocked right away.
func (e Evaluation) Exhausted() bool {
	return e.Matched && e.SecondsLeft <= 0
}

// Notifier delivers best-effort events to listeners. Implementations must
// not block.
type Notifier interface {
	// TimeAdded announces new usage for a group.
	TimeAdded(groupID string, secondsUsed int64)
	// BlockMatching asks every page whose URL satisfies match to block.
	BlockMatching(match func(url string) bool)
}

// Coordinator owns evaluation and usage updates.
type Coordinator struct {
	repo     *settings.Repository
	matcher  *matcher.Matcher
	locker   *lock.Locker
	clock    clock.Clock
	notifier Notifier
	logger   zerolog.Logger
}

// New creates a coordinator.
func New(repo *settings.Repository, m *matcher.Matcher, locker *lock.Locker, clk clock.Clock, logger zerolog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		repo:    repo,
		matcher: m,
		locker:  locker,
		clock:   clk,
		logger:  logger.With().Str("component", "coordinator").Logger(),
	}
}

// SetNotifier installs the listener for time-added and block events.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// PageLoading evaluates url without taking the settings lock. It is used for
// the instant pre-block while a page is still loading.
func (c *Coordinator) PageLoading(ctx context.Context, url string) (Evaluation, error) {
	return c.evaluateTimed(ctx, "page-loading", url), nil
}

// PageVisited evaluates url inside the settings lock, so the answer reflects
// every add-time that arrived before it.
func (c *Coordinator) PageVisited(ctx context.Context, url string) (Evaluation, error) {
	var eval Evaluation
	err := c.locker.Do(ctx, settings.LockName, func(ctx context.Context) error {
		eval = c.evaluateTimed(ctx, "page-visited", url)
		return nil
	})
	return eval, err
}

func (c *Coordinator) evaluateTimed(ctx context.Context, path, url string) Evaluation {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	s, err := c.repo.Load(ctx)
	if err != nil {
		// Fail open
		c.logger.Error().Err(err).Str("url", url).Msg("Failed to load settings, not limiting")
		metrics.EvaluationsTotal.WithLabelValues(path, "error").Inc()
		return Evaluation{}
	}

	eval := c.evaluate(s, url, c.clock.Now())
	metrics.EvaluationsTotal.WithLabelValues(path, outcome(eval)).Inc()

	c.logger.Debug().
		Str("path", path).
		Str("url", url).
		Bool("matched", eval.Matched).
		Bool("allowed", eval.Allowed).
		Str("group", eval.GroupName).
		Int64("seconds_left", eval.SecondsLeft).
		Msg("Evaluated URL")
	return eval
}

// evaluate applies the allow-list first, then the groups in order.
func (c *Coordinator) evaluate(s *settings.Settings, url string, now time.Time) Evaluation {
	if pattern, ok := c.matcher.Match(s.AllowedPatterns, url); ok {
		return Evaluation{Allowed: true, Pattern: pattern}
	}

	idx, pattern := c.matcher.MatchGroup(s.Groups, url)
	if idx < 0 {
		return Evaluation{}
	}

	g := &s.Groups[idx]
	eval := Evaluation{
		Matched:   true,
		GroupID:   g.ID,
		GroupName: g.Name,
		Pattern:   pattern,
	}
	if g.Unlimited() {
		eval.Unlimited = true
		eval.SecondsLeft = Unlimited
	} else {
		eval.SecondsLeft = usage.SecondsLeft(g, s.DailyResetTime, now)
	}
	return eval
}

func outcome(e Evaluation) string {
	switch {
	case e.Allowed:
		return "allowed"
	case !e.Matched:
		return "unmatched"
	case e.Unlimited:
		return "unlimited"
	case e.SecondsLeft <= 0:
		return "exhausted"
	default:
		return "limited"
	}
}

// AddTime records seconds spent on url against its group. Time reported for
// an allowed URL, or a URL no longer in any group, is discarded.
func (c *Coordinator) AddTime(ctx context.Context, url string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}

	var (
		added     *settings.Group
		snapshot  *settings.Settings
		exhausted bool
		now       time.Time
	)
	err := c.locker.Do(ctx, settings.LockName, func(ctx context.Context) error {
		s, err := c.repo.Load(ctx)
		if err != nil {
			return err
		}

		// A late allow-list edit must not count time retroactively
		if _, ok := c.matcher.Match(s.AllowedPatterns, url); ok {
			metrics.AddTimeDiscarded.WithLabelValues("allowed").Inc()
			c.logger.Debug().Str("url", url).Int64("seconds", seconds).Msg("Discarding time for allowed URL")
			return nil
		}

		idx, _ := c.matcher.MatchGroup(s.Groups, url)
		if idx < 0 {
			metrics.AddTimeDiscarded.WithLabelValues("unmatched").Inc()
			c.logger.Warn().Str("url", url).Int64("seconds", seconds).Msg("No group matches URL, dropping time")
			return nil
		}

		g := &s.Groups[idx]
		now = c.clock.Now()
		usage.AddUsage(g, s.DailyResetTime, now, seconds)
		if err := c.repo.Save(ctx, s); err != nil {
			return err
		}

		added = g
		snapshot = s
		exhausted = !g.Unlimited() && usage.SecondsLeft(g, s.DailyResetTime, now) == 0
		return nil
	})
	if err != nil || added == nil {
		return err
	}

	metrics.SecondsAddedTotal.WithLabelValues(added.Name).Add(float64(seconds))
	c.logger.Info().
		Str("group_id", added.ID).
		Str("group", added.Name).
		Int64("seconds", seconds).
		Msg("Time added")

	if c.notifier != nil {
		c.notifier.TimeAdded(added.ID, seconds)
		if exhausted {
			c.notifier.BlockMatching(c.exhaustedMatcher(snapshot, added.ID, now))
		}
	}
	return nil
}

// exhaustedMatcher reports URLs that resolve to groupID in s and have no
// time left.
func (c *Coordinator) exhaustedMatcher(s *settings.Settings, groupID string, now time.Time) func(string) bool {
	return func(url string) bool {
		eval := c.evaluate(s, url, now)
		return eval.GroupID == groupID && eval.Exhausted()
	}
}

// Evaluate evaluates url against settings without locking or metrics. It
// backs the check command and the evaluate API.
func (c *Coordinator) Evaluate(ctx context.Context, url string) (Evaluation, error) {
	s, err := c.repo.Load(ctx)
	if err != nil {
		return Evaluation{}, err
	}
	return c.evaluate(s, url, c.clock.Now()), nil
}

// DailyResetTime returns the configured usage-day boundary.
func (c *Coordinator) DailyResetTime(ctx context.Context) (string, error) {
	s, err := c.repo.Load(ctx)
	if err != nil {
		return "", err
	}
	return s.DailyResetTime, nil
}

// PruneBefore drops usage entries older than cutoff from every group.
func (c *Coordinator) PruneBefore(ctx context.Context, cutoff string) (int, error) {
	removed := 0
	err := c.locker.Do(ctx, settings.LockName, func(ctx context.Context) error {
		s, err := c.repo.Load(ctx)
		if err != nil {
			return err
		}
		for i := range s.Groups {
			removed += usage.PruneBefore(&s.Groups[i], cutoff)
		}
		if removed == 0 {
			return nil
		}
		return c.repo.Save(ctx, s)
	})
	if err != nil {
		return 0, err
	}
	metrics.UsageEntriesPruned.Add(float64(removed))
	return removed, nil
}
