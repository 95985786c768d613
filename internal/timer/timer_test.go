package timer

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func waitTimeout(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("onTimeout was not called")
		return 0
	}
}

func TestStopReturnsElapsed(t *testing.T) {
	mock := clock.NewMock()
	tm := New(mock, nil)

	if !tm.Start(5) {
		t.Fatal("Start returned false")
	}
	mock.Add(2 * time.Second)

	if got := tm.SecondsElapsed(); got != 2 {
		t.Fatalf("SecondsElapsed = %d, want 2", got)
	}
	if got := tm.Stop(); got != 2 {
		t.Fatalf("Stop = %d, want 2", got)
	}
	if tm.IsRunning() {
		t.Fatal("timer still running after Stop")
	}
}

func TestStopRoundsUp(t *testing.T) {
	mock := clock.NewMock()
	tm := New(mock, nil)

	tm.Start(5)
	mock.Add(1500 * time.Millisecond)
	if got := tm.Stop(); got != 2 {
		t.Fatalf("Stop = %d, want 2", got)
	}
}

func TestTimeoutFiresWithBudget(t *testing.T) {
	mock := clock.NewMock()
	fired := make(chan int64, 1)
	tm := New(mock, func(elapsed int64) {
		fired <- elapsed
	})

	tm.Start(5)
	mock.Add(5 * time.Second)

	if got := waitTimeout(t, fired); got != 5 {
		t.Fatalf("onTimeout(%d), want onTimeout(5)", got)
	}
	if tm.IsRunning() {
		t.Fatal("timer still running after timeout")
	}
	if got := tm.Stop(); got != 0 {
		t.Fatalf("Stop after timeout = %d, want 0", got)
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	mock := clock.NewMock()
	tm := New(mock, nil)

	tm.Start(5)
	mock.Add(time.Second)
	if tm.Start(100) {
		t.Fatal("second Start should be refused")
	}
	if got := tm.Budget(); got != 5 {
		t.Fatalf("Budget = %d, want 5", got)
	}
}

func TestStartRejectsEmptyBudget(t *testing.T) {
	tm := New(clock.NewMock(), nil)
	if tm.Start(0) {
		t.Fatal("Start(0) should be refused")
	}
	if tm.IsRunning() {
		t.Fatal("timer running after Start(0)")
	}
}

func TestStopCancelsTimeout(t *testing.T) {
	mock := clock.NewMock()
	fired := make(chan int64, 1)
	tm := New(mock, func(elapsed int64) {
		fired <- elapsed
	})

	tm.Start(5)
	mock.Add(3 * time.Second)
	tm.Stop()
	mock.Add(10 * time.Second)

	select {
	case v := <-fired:
		t.Fatalf("onTimeout(%d) fired after Stop", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRestartIgnoresStaleCallback(t *testing.T) {
	mock := clock.NewMock()
	fired := make(chan int64, 2)
	tm := New(mock, func(elapsed int64) {
		fired <- elapsed
	})

	tm.Start(5)
	mock.Add(4 * time.Second)
	tm.Stop()
	tm.Start(10)
	mock.Add(2 * time.Second)

	select {
	case v := <-fired:
		t.Fatalf("stale onTimeout(%d) fired", v)
	case <-time.After(50 * time.Millisecond):
	}
	if !tm.IsRunning() {
		t.Fatal("restarted timer should still be running")
	}

	mock.Add(8 * time.Second)
	if got := waitTimeout(t, fired); got != 10 {
		t.Fatalf("onTimeout(%d), want onTimeout(10)", got)
	}
}

func TestHugeBudgetDoesNotFireEarly(t *testing.T) {
	mock := clock.NewMock()
	fired := make(chan int64, 1)
	tm := New(mock, func(elapsed int64) {
		fired <- elapsed
	})

	if !tm.Start(10_000_000_000) {
		t.Fatal("Start refused a large budget")
	}
	mock.Add(time.Millisecond)

	select {
	case got := <-fired:
		t.Fatalf("onTimeout(%d) fired after 1ms", got)
	case <-time.After(50 * time.Millisecond):
	}
	if !tm.IsRunning() || tm.Budget() != 10_000_000_000 {
		t.Fatalf("running=%v budget=%d, want running with full budget", tm.IsRunning(), tm.Budget())
	}
	if got := tm.Stop(); got != 1 {
		t.Fatalf("Stop = %d, want 1", got)
	}
}
