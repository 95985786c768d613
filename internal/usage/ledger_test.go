package usage

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/goodtune/pagelimit/internal/settings"
)

func TestDateKey(t *testing.T) {
	tests := []struct {
		name  string
		reset string
		now   time.Time
		want  string
	}{
		{"midnight reset", "00:00", time.Date(2024, 6, 2, 0, 0, 0, 0, time.Local), "2024-06-02"},
		{"before reset", "04:00", time.Date(2024, 6, 2, 3, 59, 0, 0, time.Local), "2024-06-01"},
		{"at reset", "04:00", time.Date(2024, 6, 2, 4, 0, 0, 0, time.Local), "2024-06-02"},
		{"after reset", "04:00", time.Date(2024, 6, 2, 23, 59, 0, 0, time.Local), "2024-06-02"},
		{"month boundary", "04:00", time.Date(2024, 3, 1, 1, 0, 0, 0, time.Local), "2024-02-29"},
		{"invalid reset falls back", "late", time.Date(2024, 6, 2, 0, 30, 0, 0, time.Local), "2024-06-02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DateKey(tt.reset, tt.now); got != tt.want {
				t.Fatalf("DateKey(%q, %v) = %s, want %s", tt.reset, tt.now, got, tt.want)
			}
		})
	}
}

func TestNextReset(t *testing.T) {
	now := time.Date(2024, 6, 2, 3, 0, 0, 0, time.Local)
	want := time.Date(2024, 6, 2, 4, 0, 0, 0, time.Local)
	if got := NextReset("04:00", now); !got.Equal(want) {
		t.Fatalf("NextReset = %v, want %v", got, want)
	}
	now = time.Date(2024, 6, 2, 4, 0, 0, 0, time.Local)
	want = time.Date(2024, 6, 3, 4, 0, 0, 0, time.Local)
	if got := NextReset("04:00", now); !got.Equal(want) {
		t.Fatalf("NextReset at boundary = %v, want %v", got, want)
	}
}

func TestSecondsLeft(t *testing.T) {
	now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local)
	g := &settings.Group{
		TimelimitSeconds: 60,
		SecondsUsed:      map[string]int64{"2024-06-02": 60, "2024-06-01": 10},
	}
	if got := SecondsLeft(g, "00:00", now); got != 0 {
		t.Fatalf("exhausted group SecondsLeft = %d, want 0", got)
	}

	g.SecondsUsed["2024-06-02"] = 90
	if got := SecondsLeft(g, "00:00", now); got != 0 {
		t.Fatalf("overdrawn group SecondsLeft = %d, want 0", got)
	}

	if got := SecondsLeft(g, "00:00", now.AddDate(0, 0, 1)); got != 60 {
		t.Fatalf("next day SecondsLeft = %d, want 60", got)
	}
}

func TestAddUsage(t *testing.T) {
	now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local)
	g := &settings.Group{}

	AddUsage(g, "00:00", now, 0)
	AddUsage(g, "00:00", now, -5)
	if len(g.SecondsUsed) != 0 {
		t.Fatalf("non-positive usage created entries: %v", g.SecondsUsed)
	}

	AddUsage(g, "00:00", now, 30)
	AddUsage(g, "00:00", now, 12)
	if got := SecondsUsedToday(g, "00:00", now); got != 42 {
		t.Fatalf("SecondsUsedToday = %d, want 42", got)
	}
}

func TestPruneBefore(t *testing.T) {
	g := &settings.Group{SecondsUsed: map[string]int64{
		"2024-01-01": 1,
		"2024-03-31": 2,
		"2024-04-01": 3,
		"2024-06-02": 4,
	}}
	if removed := PruneBefore(g, "2024-04-01"); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := g.SecondsUsed["2024-04-01"]; !ok {
		t.Fatal("cutoff day must be kept")
	}
	if len(g.SecondsUsed) != 2 {
		t.Fatalf("remaining = %v", g.SecondsUsed)
	}
}

func TestAddUsageIsAdditive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local)
		amounts := rapid.SliceOf(rapid.Int64Range(-100, 1000)).Draw(t, "amounts")

		g := &settings.Group{}
		var want int64
		for _, a := range amounts {
			AddUsage(g, "00:00", now, a)
			if a > 0 {
				want += a
			}
		}
		if got := SecondsUsedToday(g, "00:00", now); got != want {
			t.Fatalf("SecondsUsedToday = %d, want %d", got, want)
		}
	})
}

func TestSecondsLeftBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local)
		limit := rapid.Int64Range(1, 86400).Draw(t, "limit")
		used := rapid.Int64Range(0, 200000).Draw(t, "used")

		g := &settings.Group{TimelimitSeconds: limit, SecondsUsed: map[string]int64{"2024-06-02": used}}
		left := SecondsLeft(g, "00:00", now)
		if left < 0 || left > limit {
			t.Fatalf("SecondsLeft = %d outside [0, %d]", left, limit)
		}
	})
}
