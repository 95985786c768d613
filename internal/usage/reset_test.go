package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []string
	called  chan struct{}
}

func (f *fakePruner) DailyResetTime(context.Context) (string, error) {
	return "04:00", nil
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff string) (int, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.mu.Unlock()
	select {
	case f.called <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestResetSchedulerPrunesAtBoundary(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 2, 3, 0, 0, 0, time.Local))

	pruner := &fakePruner{called: make(chan struct{}, 1)}
	rs := NewResetScheduler(pruner, 90, mock, zerolog.Nop())
	rs.Start()
	defer rs.Stop()

	// The loop may not have armed its timer yet, so keep advancing until
	// the prune is observed.
	deadline := time.After(5 * time.Second)
	for {
		mock.Add(time.Hour)
		select {
		case <-pruner.called:
			pruner.mu.Lock()
			defer pruner.mu.Unlock()
			// The first boundary the loop saw is 2024-06-02 04:00 or a
			// day later, and the cutoff sits 90 days before it.
			day, err := time.ParseInLocation(DateLayout, pruner.cutoffs[0], time.Local)
			if err != nil {
				t.Fatalf("cutoff %q: %v", pruner.cutoffs[0], err)
			}
			boundary := day.AddDate(0, 0, 90).Format(DateLayout)
			if boundary < "2024-06-02" || boundary > "2024-06-03" {
				t.Fatalf("cutoff %s is not 90 days before the first boundary", pruner.cutoffs[0])
			}
			return
		case <-deadline:
			t.Fatal("scheduler never pruned")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestResetSchedulerZeroRetentionKeepsHistory(t *testing.T) {
	mock := clock.NewMock()
	pruner := &fakePruner{called: make(chan struct{}, 1)}
	rs := NewResetScheduler(pruner, 0, mock, zerolog.Nop())
	rs.Start()

	for i := 0; i < 10; i++ {
		mock.Add(24 * time.Hour)
		time.Sleep(time.Millisecond)
	}
	rs.Stop()

	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	if len(pruner.cutoffs) != 0 {
		t.Fatalf("zero retention pruned %v", pruner.cutoffs)
	}
}
