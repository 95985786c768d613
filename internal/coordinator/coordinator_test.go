package coordinator

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/lock"
	"github.com/goodtune/pagelimit/internal/matcher"
	"github.com/goodtune/pagelimit/internal/settings"
	"github.com/goodtune/pagelimit/internal/storage"
	"github.com/goodtune/pagelimit/internal/storage/bolt"
	"github.com/goodtune/pagelimit/internal/usage"
)

type recordingNotifier struct {
	mu      sync.Mutex
	added   map[string]int64
	blocked []string
	urls    []string
}

func (n *recordingNotifier) TimeAdded(groupID string, secondsUsed int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.added == nil {
		n.added = make(map[string]int64)
	}
	n.added[groupID] += secondsUsed
}

func (n *recordingNotifier) BlockMatching(match func(url string) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, u := range n.urls {
		if match(u) {
			n.blocked = append(n.blocked, u)
		}
	}
}

type testEnv struct {
	coord    *Coordinator
	repo     *settings.Repository
	clock    *clock.Mock
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, s *settings.Settings) *testEnv {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "pagelimit.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	repo := settings.NewRepository(store, zerolog.Nop())
	if s != nil {
		if err := repo.Save(context.Background(), s); err != nil {
			t.Fatalf("save settings: %v", err)
		}
	}

	m, err := matcher.New(64, zerolog.Nop())
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local))

	n := &recordingNotifier{}
	c := New(repo, m, lock.New(nil), mock, zerolog.Nop())
	c.SetNotifier(n)
	return &testEnv{coord: c, repo: repo, clock: mock, notifier: n}
}

func newsSettings(limit int64) *settings.Settings {
	s := settings.Defaults()
	s.Groups = []settings.Group{{
		ID: "news", Name: "News", TimelimitSeconds: limit,
		Patterns: []string{"news"},
	}}
	return s
}

func TestEvaluateAllowListTakesPrecedence(t *testing.T) {
	s := newsSettings(60)
	s.AllowedPatterns = []string{"news.site.com"}
	env := newTestEnv(t, s)

	for _, fn := range []func(context.Context, string) (Evaluation, error){env.coord.PageLoading, env.coord.PageVisited} {
		eval, err := fn(context.Background(), "https://news.site.com")
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if eval.Matched || eval.SecondsLeft != 0 || !eval.Allowed {
			t.Fatalf("got %+v, want allowed and unmatched", eval)
		}
	}
}

func TestEvaluate(t *testing.T) {
	s := settings.Defaults()
	s.Groups = []settings.Group{
		{ID: "social", Name: "Social", TimelimitSeconds: 600, Patterns: []string{"facebook.com"},
			SecondsUsed: map[string]int64{"2024-06-02": 100, "2024-06-01": 600}},
		{ID: "free", Name: "Free", Patterns: []string{"wikipedia.org"}},
		{ID: "gone", Name: "Gone", TimelimitSeconds: 30, Patterns: []string{"/^https://x\\.com/"},
			SecondsUsed: map[string]int64{"2024-06-02": 30}},
	}
	env := newTestEnv(t, s)

	tests := []struct {
		url     string
		matched bool
		left    int64
		group   string
	}{
		{"https://www.facebook.com/feed", true, 500, "social"},
		{"https://en.wikipedia.org/wiki/Go", true, Unlimited, "free"},
		{"https://x.com/home", true, 0, "gone"},
		{"https://golang.org", false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			eval, err := env.coord.PageVisited(context.Background(), tt.url)
			if err != nil {
				t.Fatalf("PageVisited: %v", err)
			}
			if eval.Matched != tt.matched || eval.SecondsLeft != tt.left || eval.GroupID != tt.group {
				t.Fatalf("got %+v, want matched=%v left=%d group=%q", eval, tt.matched, tt.left, tt.group)
			}
		})
	}
}

func TestEvaluateZeroBudget(t *testing.T) {
	s := newsSettings(60)
	s.Groups[0].SecondsUsed = map[string]int64{"2024-06-02": 60}
	env := newTestEnv(t, s)

	eval, err := env.coord.PageLoading(context.Background(), "https://news.ycombinator.com")
	if err != nil {
		t.Fatalf("PageLoading: %v", err)
	}
	if !eval.Matched || eval.SecondsLeft != 0 || !eval.Exhausted() {
		t.Fatalf("got %+v, want matched with zero seconds left", eval)
	}
}

func TestAddTimeConcurrent(t *testing.T) {
	env := newTestEnv(t, newsSettings(600))
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := env.coord.AddTime(ctx, "https://news.ycombinator.com", 30); err != nil {
				t.Errorf("AddTime: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	s, err := env.repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := usage.SecondsUsedToday(&s.Groups[0], s.DailyResetTime, env.clock.Now()); got != 60 {
		t.Fatalf("SecondsUsedToday = %d, want 60", got)
	}
	if env.notifier.added["news"] != 60 {
		t.Fatalf("notified %d seconds, want 60", env.notifier.added["news"])
	}
}

func TestAddTimeManyWriters(t *testing.T) {
	env := newTestEnv(t, newsSettings(0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.coord.AddTime(ctx, "https://news.example", 2)
		}()
	}
	wg.Wait()

	s, _ := env.repo.Load(ctx)
	if got := s.Groups[0].SecondsUsed["2024-06-02"]; got != 50 {
		t.Fatalf("SecondsUsed = %d, want 50", got)
	}
}

func TestAddTimeDiscards(t *testing.T) {
	s := newsSettings(600)
	s.AllowedPatterns = []string{"news.allowed.com"}
	env := newTestEnv(t, s)
	ctx := context.Background()

	for _, tc := range []struct {
		url     string
		seconds int64
	}{
		{"https://news.allowed.com", 30},
		{"https://golang.org", 30},
		{"https://news.ycombinator.com", 0},
		{"https://news.ycombinator.com", -3},
	} {
		if err := env.coord.AddTime(ctx, tc.url, tc.seconds); err != nil {
			t.Fatalf("AddTime(%s, %d): %v", tc.url, tc.seconds, err)
		}
	}

	got, _ := env.repo.Load(ctx)
	if len(got.Groups[0].SecondsUsed) != 0 {
		t.Fatalf("discarded time was recorded: %v", got.Groups[0].SecondsUsed)
	}
	if len(env.notifier.added) != 0 {
		t.Fatalf("discarded time was announced: %v", env.notifier.added)
	}
}

func TestAddTimeUsesResetBoundary(t *testing.T) {
	s := newsSettings(600)
	s.DailyResetTime = "04:00"
	env := newTestEnv(t, s)
	env.clock.Set(time.Date(2024, 6, 2, 3, 59, 0, 0, time.Local))

	if err := env.coord.AddTime(context.Background(), "https://news.ycombinator.com", 10); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	got, _ := env.repo.Load(context.Background())
	if got.Groups[0].SecondsUsed["2024-06-01"] != 10 {
		t.Fatalf("SecondsUsed = %v, want 10 on 2024-06-01", got.Groups[0].SecondsUsed)
	}
}

func TestAddTimeExhaustionBlocksGroupPages(t *testing.T) {
	s := newsSettings(60)
	s.Groups = append([]settings.Group{{
		ID: "hn", Name: "HN", Patterns: []string{"ycombinator"},
	}}, s.Groups...)
	s.AllowedPatterns = []string{"news.allowed.com"}
	env := newTestEnv(t, s)
	env.notifier.urls = []string{
		"https://news.bbc.co.uk",
		"https://news.ycombinator.com", // belongs to the earlier group
		"https://news.allowed.com",
		"https://golang.org",
	}

	if err := env.coord.AddTime(context.Background(), "https://news.bbc.co.uk", 60); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	if len(env.notifier.blocked) != 1 || env.notifier.blocked[0] != "https://news.bbc.co.uk" {
		t.Fatalf("blocked = %v", env.notifier.blocked)
	}
}

func TestPruneBefore(t *testing.T) {
	s := newsSettings(60)
	s.Groups[0].SecondsUsed = map[string]int64{"2024-01-01": 5, "2024-06-02": 6}
	env := newTestEnv(t, s)
	ctx := context.Background()

	removed, err := env.coord.PruneBefore(ctx, "2024-03-04")
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	got, _ := env.repo.Load(ctx)
	if len(got.Groups[0].SecondsUsed) != 1 || got.Groups[0].SecondsUsed["2024-06-02"] != 6 {
		t.Fatalf("SecondsUsed = %v", got.Groups[0].SecondsUsed)
	}

	reset, err := env.coord.DailyResetTime(ctx)
	if err != nil || reset != "00:00" {
		t.Fatalf("DailyResetTime = %q, %v", reset, err)
	}
}

func TestEvaluateUnlimitedFlag(t *testing.T) {
	s := settings.Defaults()
	s.Groups = []settings.Group{
		{ID: "big", Name: "Big", TimelimitSeconds: math.MaxInt32, Patterns: []string{"big.example"}},
		{ID: "free", Name: "Free", Patterns: []string{"free.example"}},
	}
	env := newTestEnv(t, s)
	ctx := context.Background()

	big, err := env.coord.Evaluate(ctx, "https://big.example/")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if big.Unlimited || big.SecondsLeft != math.MaxInt32 {
		t.Fatalf("got %+v, want a limited group with MaxInt32 seconds left", big)
	}
	if got := outcome(big); got != "limited" {
		t.Fatalf("outcome = %s, want limited", got)
	}

	free, err := env.coord.Evaluate(ctx, "https://free.example/")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !free.Unlimited || free.SecondsLeft != Unlimited {
		t.Fatalf("got %+v, want unlimited", free)
	}
	if got := outcome(free); got != "unlimited" {
		t.Fatalf("outcome = %s, want unlimited", got)
	}
}

// switchingStore runs onGroups the first time the sync partition's groups
// key is read after arm.
type switchingStore struct {
	storage.Store
	sync *switchingPartition
}

func (s *switchingStore) Sync() storage.Partition { return s.sync }

type switchingPartition struct {
	storage.Partition
	mu       sync.Mutex
	onGroups func()
}

func (p *switchingPartition) arm(fn func()) {
	p.mu.Lock()
	p.onGroups = fn
	p.mu.Unlock()
}

func (p *switchingPartition) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := p.Partition.Get(ctx, key)
	if key == settings.KeyGroups {
		p.mu.Lock()
		fn := p.onGroups
		p.onGroups = nil
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return raw, err
}

func TestAddTimeSurvivesSyncingSwitch(t *testing.T) {
	boltStore, err := bolt.Open(filepath.Join(t.TempDir(), "pagelimit.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = boltStore.Close() })

	sp := &switchingPartition{Partition: boltStore.Sync()}
	repo := settings.NewRepository(&switchingStore{Store: boltStore, sync: sp}, zerolog.Nop())
	ctx := context.Background()

	// Local partition holds its own group; the sync partition holds news
	if err := repo.SetSyncingEnabled(ctx, false, false); err != nil {
		t.Fatalf("disable syncing: %v", err)
	}
	local := settings.Defaults()
	local.Groups = []settings.Group{{ID: "local-only", Name: "Local", TimelimitSeconds: 60, Patterns: []string{"local.example"}}}
	if err := repo.Save(ctx, local); err != nil {
		t.Fatalf("save local: %v", err)
	}
	if err := repo.SetSyncingEnabled(ctx, true, false); err != nil {
		t.Fatalf("enable syncing: %v", err)
	}
	if err := repo.Save(ctx, newsSettings(600)); err != nil {
		t.Fatalf("save sync: %v", err)
	}

	m, err := matcher.New(64, zerolog.Nop())
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local))
	c := New(repo, m, lock.New(nil), mock, zerolog.Nop())

	// Switch partitions between AddTime's load and its save
	sp.arm(func() {
		if err := repo.SetSyncingEnabled(ctx, false, false); err != nil {
			t.Errorf("switch during add-time: %v", err)
		}
	})
	if err := c.AddTime(ctx, "https://news.ycombinator.com", 30); err != nil {
		t.Fatalf("AddTime: %v", err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load local: %v", err)
	}
	if got.IsSyncingEnabled {
		t.Fatalf("expected syncing to stay disabled")
	}
	if len(got.Groups) != 1 || got.Groups[0].ID != "local-only" || len(got.Groups[0].SecondsUsed) != 0 {
		t.Fatalf("local settings were overwritten: %+v", got.Groups)
	}

	if err := repo.SetSyncingEnabled(ctx, true, false); err != nil {
		t.Fatalf("enable syncing: %v", err)
	}
	synced, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load sync: %v", err)
	}
	if len(synced.Groups) != 1 || synced.Groups[0].SecondsUsed["2024-06-02"] != 30 {
		t.Fatalf("expected 30s recorded in the sync partition, got %+v", synced.Groups)
	}
}
