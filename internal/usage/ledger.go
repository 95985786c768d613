// Package usage keeps the per-group, per-day record of seconds spent.
//
// A usage day starts at the configured daily reset time rather than at
// midnight, so every lookup goes through DateKey.
package usage

import (
	"time"

	"github.com/goodtune/pagelimit/internal/settings"
)

// DateLayout is the format of secondsUsed keys.
const DateLayout = "2006-01-02"

// resetDate returns the start of the usage day containing now.
func resetDate(dailyResetTime string, now time.Time) time.Time {
	hour, minute, err := settings.ParseResetTime(dailyResetTime)
	if err != nil {
		hour, minute = 0, 0
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	// Before the reset time, yesterday is still the current day
	if now.Before(today) {
		return today.AddDate(0, 0, -1)
	}
	return today
}

// DateKey returns the secondsUsed key for now. An unparseable reset time is
// treated as midnight.
func DateKey(dailyResetTime string, now time.Time) string {
	return resetDate(dailyResetTime, now).Format(DateLayout)
}

// NextReset returns the first reset boundary strictly after now.
func NextReset(dailyResetTime string, now time.Time) time.Time {
	return resetDate(dailyResetTime, now).AddDate(0, 0, 1)
}

// SecondsUsedToday returns the seconds recorded against g for the usage day
// containing now.
func SecondsUsedToday(g *settings.Group, dailyResetTime string, now time.Time) int64 {
	return g.SecondsUsed[DateKey(dailyResetTime, now)]
}

// SecondsLeft returns the remaining budget. Callers must check
// g.Unlimited() first; an unlimited group has no meaningful answer here.
func SecondsLeft(g *settings.Group, dailyResetTime string, now time.Time) int64 {
	return max(g.TimelimitSeconds-SecondsUsedToday(g, dailyResetTime, now), 0)
}

// AddUsage adds seconds to today's entry. Non-positive values are ignored.
func AddUsage(g *settings.Group, dailyResetTime string, now time.Time, seconds int64) {
	if seconds <= 0 {
		return
	}
	if g.SecondsUsed == nil {
		g.SecondsUsed = make(map[string]int64)
	}
	g.SecondsUsed[DateKey(dailyResetTime, now)] += seconds
}

// PruneBefore removes entries whose day is earlier than cutoff, a
// DateLayout key, and returns how many were removed.
func PruneBefore(g *settings.Group, cutoff string) int {
	removed := 0
	for day := range g.SecondsUsed {
		if day < cutoff {
			delete(g.SecondsUsed, day)
			removed++
		}
	}
	return removed
}
