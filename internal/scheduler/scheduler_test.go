package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hodl_index/internal/cache"
	"hodl_index/internal/config"
	"hodl_index/internal/models"
	"hodl_index/internal/notifications"
	"hodl_index/internal/storage"
)

type fakeRunner struct {
	mu    sync.Mutex
	trigs []Trigger
}

func (f *fakeRunner) RunCycle(_ context.Context, p config.SavingsPlan, trig Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trigs = append(f.trigs, trig)
	return nil
}

func (f *fakeRunner) calls() []Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Trigger(nil), f.trigs...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	asks  [][]notifications.Button
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) Ask(_ context.Context, text string, b []notifications.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.asks = append(f.asks, b)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func at(day int, hh, mm, ss int) time.Time {
	return time.Date(2024, 6, day, hh, mm, ss, 0, time.UTC)
}

func dailyPlan(id string) config.SavingsPlan {
	return config.SavingsPlan{
		ID:                 id,
		Cost:               50,
		AutomaticExecution: true,
		Schedule:           models.Interval{Kind: models.Daily},
		Hour:               12,
		Minute:             30,
	}
}

type fixture struct {
	s      *Scheduler
	runner *fakeRunner
	notes  *fakeNotifier
	lock   *cache.MemoryCache
	clock  *clock
	store  *storage.StateStore
}

func newFixture(t *testing.T, start time.Time, opts Options, plans ...config.SavingsPlan) *fixture {
	t.Helper()
	f := &fixture{
		runner: &fakeRunner{},
		notes:  &fakeNotifier{},
		lock:   cache.NewMemoryCache(),
		clock:  &clock{t: start},
		store:  storage.NewStateStore(filepath.Join(t.TempDir(), "schedule_state.json")),
	}
	f.reopen(t, opts, plans...)
	return f
}

// reopen builds a scheduler on the fixture's store, as after a restart.
func (f *fixture) reopen(t *testing.T, opts Options, plans ...config.SavingsPlan) {
	t.Helper()
	opts.PortfolioID = "main"
	opts.Location = time.UTC
	opts.Now = f.clock.Now
	if opts.Tick == 0 {
		opts.Tick = time.Minute
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = 5 * time.Minute
	}
	if opts.ConfirmationTTL == 0 {
		opts.ConfirmationTTL = time.Hour
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = 30 * time.Minute
	}
	s, err := New(opts, plans, f.store, f.lock, f.runner, f.notes)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	f.s = s
}

func (f *fixture) tick(t time.Time) {
	f.clock.Set(t)
	f.s.Evaluate(t)
	f.s.wg.Wait()
}

func TestEvaluate_FiresOncePerWindow(t *testing.T) {
	start := at(3, 12, 29, 30)
	f := newFixture(t, start, Options{}, dailyPlan("daily"))

	for now := start; !now.After(at(3, 12, 30, 59)); now = now.Add(60 * time.Second) {
		f.tick(now)
	}
	if n := len(f.runner.calls()); n != 1 {
		t.Fatalf("Expected exactly one execution, got %d", n)
	}

	// A second-by-second poll over the same window must not fire again.
	for now := at(3, 12, 29, 30); !now.After(at(3, 12, 35, 0)); now = now.Add(time.Second) {
		f.tick(now)
	}
	calls := f.runner.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected still one execution, got %d", len(calls))
	}
	if !calls[0].Slot.Equal(at(3, 12, 30, 0)) || calls[0].CatchUp {
		t.Errorf("Unexpected trigger %+v", calls[0])
	}

	f.tick(at(4, 12, 30, 5))
	if n := len(f.runner.calls()); n != 2 {
		t.Errorf("Expected the next day's slot to fire, got %d calls", n)
	}
}

func TestEvaluate_FreshStartIgnoresHistory(t *testing.T) {
	f := newFixture(t, at(3, 18, 0, 0), Options{CatchUpMissed: true}, dailyPlan("daily"))
	f.tick(at(3, 18, 0, 0))
	if n := len(f.runner.calls()); n != 0 {
		t.Errorf("Expected no catch-up on a fresh start, got %d", n)
	}
}

func TestEvaluate_MissedSlotSkipped(t *testing.T) {
	f := newFixture(t, at(3, 12, 30, 0), Options{}, dailyPlan("daily"))
	f.tick(at(3, 12, 30, 0))
	f.s.Shutdown(context.Background())

	// Down for three days.
	f.clock.Set(at(6, 14, 0, 0))
	f.reopen(t, Options{}, dailyPlan("daily"))
	f.tick(at(6, 14, 0, 0))

	if n := len(f.runner.calls()); n != 1 {
		t.Errorf("Expected missed slots to be skipped, got %d calls", n)
	}
	if len(f.notes.texts) == 0 || !strings.Contains(f.notes.texts[len(f.notes.texts)-1], "missed") {
		t.Errorf("Expected a missed-run notification, got %v", f.notes.texts)
	}
	st, _ := f.store.Load()
	if !st.Plans["daily"].LastFired.Equal(at(6, 12, 30, 0)) {
		t.Errorf("Expected the skipped slot to be consumed, got %s", st.Plans["daily"].LastFired)
	}

	f.tick(at(7, 12, 30, 0))
	if n := len(f.runner.calls()); n != 2 {
		t.Errorf("Expected the next slot to fire normally, got %d calls", n)
	}
}

func TestEvaluate_MissedSlotCaughtUpOnce(t *testing.T) {
	f := newFixture(t, at(3, 12, 30, 0), Options{CatchUpMissed: true}, dailyPlan("daily"))
	f.tick(at(3, 12, 30, 0))
	f.s.Shutdown(context.Background())

	f.clock.Set(at(6, 14, 0, 0))
	f.reopen(t, Options{CatchUpMissed: true}, dailyPlan("daily"))
	f.tick(at(6, 14, 0, 0))
	f.tick(at(6, 14, 1, 0))

	calls := f.runner.calls()
	if len(calls) != 2 {
		t.Fatalf("Expected one catch-up for three missed slots, got %d calls", len(calls))
	}
	if !calls[1].CatchUp || !calls[1].Slot.Equal(at(6, 12, 30, 0)) {
		t.Errorf("Expected catch-up of the latest missed slot, got %+v", calls[1])
	}
}

func TestManualPlan_ConfirmAndCancel(t *testing.T) {
	manual := dailyPlan("manual")
	manual.AutomaticExecution = false
	auto := dailyPlan("auto")
	f := newFixture(t, at(3, 12, 0, 0), Options{}, manual, auto)

	f.tick(at(3, 12, 30, 0))
	calls := f.runner.calls()
	if len(calls) != 1 || calls[0].PlanID != "auto" {
		t.Fatalf("Expected the automatic plan to run while the manual one waits, got %+v", calls)
	}
	if len(f.notes.asks) != 1 || f.notes.asks[0][0].Data != ConfirmPrefix+"manual" || f.notes.asks[0][1].Data != CancelPrefix+"manual" {
		t.Fatalf("Expected a confirmation request, got %+v", f.notes.asks)
	}
	if got := stateOf(f.s, "manual"); got != AwaitingConfirmation.String() {
		t.Fatalf("Expected awaiting_confirmation, got %s", got)
	}

	// Waiting does not re-ask.
	f.tick(at(3, 12, 31, 0))
	if len(f.notes.asks) != 1 {
		t.Errorf("Expected a single request, got %d", len(f.notes.asks))
	}

	if err := f.s.Confirm("manual"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	f.s.wg.Wait()
	calls = f.runner.calls()
	if len(calls) != 2 || calls[1].PlanID != "manual" {
		t.Errorf("Expected the manual plan to run after confirmation, got %+v", calls)
	}
	if err := f.s.Confirm("manual"); err == nil {
		t.Error("Expected a second confirmation to be rejected")
	}

	f.tick(at(4, 12, 30, 0))
	if err := f.s.Cancel("manual"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	f.tick(at(4, 12, 32, 0))
	for _, c := range f.runner.calls() {
		if c.PlanID == "manual" && c.Slot.Equal(at(4, 12, 30, 0)) {
			t.Error("Expected the cancelled slot not to run")
		}
	}
	if got := stateOf(f.s, "manual"); got != Idle.String() {
		t.Errorf("Expected idle after cancel, got %s", got)
	}
}

func TestManualPlan_ConfirmationExpires(t *testing.T) {
	manual := dailyPlan("manual")
	manual.AutomaticExecution = false
	f := newFixture(t, at(3, 12, 0, 0), Options{ConfirmationTTL: 10 * time.Minute}, manual)

	f.tick(at(3, 12, 30, 0))
	f.tick(at(3, 12, 41, 0))
	if got := stateOf(f.s, "manual"); got != Idle.String() {
		t.Fatalf("Expected idle after expiry, got %s", got)
	}
	if err := f.s.Confirm("manual"); err == nil {
		t.Error("Expected late confirmation to fail")
	}
	if len(f.runner.calls()) != 0 {
		t.Error("Expected no execution")
	}
	if !strings.Contains(f.notes.texts[len(f.notes.texts)-1], "expired") {
		t.Errorf("Expected expiry notification, got %v", f.notes.texts)
	}
}

func TestEvaluate_LockBusyRetriesNextTick(t *testing.T) {
	f := newFixture(t, at(3, 12, 0, 0), Options{}, dailyPlan("daily"))
	ctx := context.Background()
	if ok, _ := f.lock.TryLock(ctx, cache.LockKey("main"), time.Hour); !ok {
		t.Fatal("could not take lock")
	}

	f.tick(at(3, 12, 30, 0))
	if len(f.runner.calls()) != 0 {
		t.Fatal("Expected no execution while the portfolio is locked")
	}
	if got := stateOf(f.s, "daily"); got != Triggered.String() {
		t.Fatalf("Expected triggered, got %s", got)
	}

	f.lock.Unlock(ctx, cache.LockKey("main"))
	f.tick(at(3, 12, 31, 0))
	if len(f.runner.calls()) != 1 {
		t.Errorf("Expected execution once the lock is free, got %d", len(f.runner.calls()))
	}
	if ok, _ := f.lock.TryLock(ctx, cache.LockKey("main"), time.Minute); !ok {
		t.Error("Expected the cycle to release the lock")
	}
}

func TestTriggerNow(t *testing.T) {
	f := newFixture(t, at(3, 9, 0, 0), Options{}, dailyPlan("daily"))
	if err := f.s.TriggerNow("daily"); err != nil {
		t.Fatal(err)
	}
	f.s.wg.Wait()
	calls := f.runner.calls()
	if len(calls) != 1 || !calls[0].Manual {
		t.Fatalf("Expected one manual run, got %+v", calls)
	}
	// The regular slot still fires.
	f.tick(at(3, 12, 30, 0))
	if len(f.runner.calls()) != 2 {
		t.Errorf("Expected the scheduled slot to still run")
	}
	if err := f.s.TriggerNow("nope"); err == nil {
		t.Error("Expected unknown plan error")
	}
}

func TestNew_PersistsAnchor(t *testing.T) {
	plan := config.SavingsPlan{
		ID: "every3", Cost: 10, AutomaticExecution: true,
		Schedule: models.Interval{Kind: models.EveryNDays, N: 3},
		Hour:     8,
	}
	f := newFixture(t, at(3, 7, 0, 0), Options{}, plan)
	st, _ := f.store.Load()
	if !st.Plans["every3"].Anchor.Equal(at(3, 0, 0, 0)) {
		t.Fatalf("Expected anchor on the first run date, got %s", st.Plans["every3"].Anchor)
	}

	// A restart days later keeps counting from the same anchor.
	f.clock.Set(at(5, 7, 0, 0))
	f.reopen(t, Options{}, plan)
	next := f.s.Status()[0].NextRun
	if !next.Equal(at(6, 8, 0, 0)) {
		t.Errorf("Expected next run on the 6th, got %s", next)
	}
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, at(3, 9, 0, 0), Options{Heartbeat: 24 * time.Hour}, dailyPlan("daily"))
	beats := 0
	f.s.OnHeartbeat = func(context.Context) { beats++ }

	f.tick(at(3, 9, 0, 0))
	f.tick(at(3, 10, 0, 0))
	f.tick(at(4, 9, 0, 0))
	if beats != 2 {
		t.Errorf("Expected 2 heartbeats, got %d", beats)
	}
}

func stateOf(s *Scheduler, id string) string {
	for _, st := range s.Status() {
		if st.ID == id {
			return st.State
		}
	}
	return ""
}

// slowLocker parks TryLock until released.
type slowLocker struct {
	*cache.MemoryCache
	entered chan struct{}
	release chan struct{}
}

func (l *slowLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	close(l.entered)
	<-l.release
	return l.MemoryCache.TryLock(ctx, key, ttl)
}

func TestDispatch_SlowLockDoesNotBlockReaders(t *testing.T) {
	clk := &clock{t: at(3, 12, 0, 0)}
	runner := &fakeRunner{}
	locker := &slowLocker{MemoryCache: cache.NewMemoryCache(), entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(Options{PortfolioID: "main", Now: clk.Now, Tolerance: 5 * time.Minute, LockTTL: time.Minute},
		[]config.SavingsPlan{dailyPlan("daily")},
		storage.NewStateStore(filepath.Join(t.TempDir(), "schedule_state.json")),
		locker, runner, &fakeNotifier{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	clk.Set(at(3, 12, 30, 0))
	evaluated := make(chan struct{})
	go func() {
		s.Evaluate(at(3, 12, 30, 0))
		close(evaluated)
	}()
	<-locker.entered

	status := make(chan []PlanStatus, 1)
	go func() { status <- s.Status() }()
	select {
	case st := <-status:
		if st[0].State != Triggered.String() {
			t.Errorf("Expected triggered while the lock is pending, got %s", st[0].State)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind the portfolio lock")
	}

	// A second tick while the lock is pending does not dispatch twice.
	s.Evaluate(at(3, 12, 31, 0))

	close(locker.release)
	<-evaluated
	s.wg.Wait()
	if n := len(runner.calls()); n != 1 {
		t.Errorf("Expected one run, got %d", n)
	}
}
