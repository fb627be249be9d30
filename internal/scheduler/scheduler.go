// Package scheduler decides when savings plans run. A single loop evaluates
// every plan on a fixed tick; cycles run in their own goroutines so a plan
// that waits for a human never stalls the others.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hodl_index/internal/cache"
	"hodl_index/internal/config"
	"hodl_index/internal/models"
	"hodl_index/internal/notifications"
	"hodl_index/internal/storage"

	"github.com/rs/zerolog/log"
)

// State of one plan.
type State int

const (
	Idle State = iota
	Triggered
	AwaitingConfirmation
	Executing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Triggered:
		return "triggered"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Executing:
		return "executing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Callback data prefixes for the confirmation buttons.
const (
	ConfirmPrefix = "CONFIRM_PLAN_"
	CancelPrefix  = "CANCEL_PLAN_"
)

// Trigger describes why a cycle runs.
type Trigger struct {
	PlanID  string
	Slot    time.Time
	CatchUp bool // the slot was missed and is executed late
	Manual  bool // requested from chat, not by the clock
}

// Runner executes one cycle. It is called from its own goroutine.
type Runner interface {
	RunCycle(ctx context.Context, plan config.SavingsPlan, trig Trigger) error
}

// Store persists schedule progress.
type Store interface {
	Load() (storage.ScheduleState, error)
	Save(storage.ScheduleState) error
}

// Locker provides the portfolio single-flight lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Options struct {
	PortfolioID     string
	Location        *time.Location
	Tick            time.Duration
	Tolerance       time.Duration
	CatchUpMissed   bool
	ConfirmationTTL time.Duration
	LockTTL         time.Duration
	Heartbeat       time.Duration // zero disables
	Now             func() time.Time
}

type plan struct {
	cfg       config.SavingsPlan
	rule      rule
	state     State
	trig      Trigger
	confirmed bool
	askedAt   time.Time
	locking   bool // a dispatch is waiting for the portfolio lock
}

// Scheduler owns the per-plan state machines.
type Scheduler struct {
	opts     Options
	store    Store
	locker   Locker
	runner   Runner
	notifier notifications.Notifier

	// OnHeartbeat, when set, is called from the loop every opts.Heartbeat.
	OnHeartbeat func(ctx context.Context)

	mu     sync.Mutex
	plans  map[string]*plan
	order  []string
	st     storage.ScheduleState
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context // parent of every cycle, cancelled on Shutdown
	cancel context.CancelFunc
}

// New loads persisted progress and prepares every plan. A plan without
// history starts at now minus the tolerance so earlier slots never count as
// missed.
func New(opts Options, plans []config.SavingsPlan, store Store, locker Locker, runner Runner, n notifications.Notifier) (*Scheduler, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.Tolerance < opts.Tick {
		opts.Tolerance = opts.Tick
	}

	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load schedule state: %w", err)
	}
	if st.Plans == nil {
		st.Plans = map[string]storage.PlanState{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:     opts,
		store:    store,
		locker:   locker,
		runner:   runner,
		notifier: n,
		plans:    make(map[string]*plan, len(plans)),
		st:       st,
		ctx:      ctx,
		cancel:   cancel,
	}

	now := opts.Now().In(opts.Location)
	for _, p := range plans {
		ps := st.Plans[p.ID]
		if ps.LastFired.IsZero() {
			ps.LastFired = now.Add(-opts.Tolerance)
		}
		anchor := p.Anchor
		if anchor.IsZero() {
			if ps.Anchor.IsZero() {
				y, m, d := now.Date()
				ps.Anchor = time.Date(y, m, d, 0, 0, 0, 0, opts.Location)
			}
			anchor = ps.Anchor.In(opts.Location)
		}
		st.Plans[p.ID] = ps

		iv := p.Schedule
		if (iv.Kind == models.Weekly || iv.Kind == models.Biweekly) && p.Weekday == "" && p.Anchor.IsZero() {
			iv.Weekday = anchor.Weekday()
		}
		s.plans[p.ID] = &plan{
			cfg: p,
			rule: rule{
				iv:     iv,
				anchor: anchor,
				hour:   p.Hour,
				minute: p.Minute,
				loc:    opts.Location,
			},
		}
		s.order = append(s.order, p.ID)
	}
	if err := store.Save(st); err != nil {
		cancel()
		return nil, fmt.Errorf("save schedule state: %w", err)
	}
	return s, nil
}

// Run evaluates the plans immediately and then on every tick until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("tick", s.opts.Tick).Int("plans", len(s.order)).Msg("scheduler started")
	s.Evaluate(s.opts.Now())

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler loop stopping")
			return
		case <-ticker.C:
			s.Evaluate(s.opts.Now())
		}
	}
}

// Evaluate advances every plan's state machine to now. It never blocks on a
// cycle or on a human.
func (s *Scheduler) Evaluate(now time.Time) {
	now = now.In(s.opts.Location)
	var post []func()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for _, id := range s.order {
		p := s.plans[id]
		switch p.state {
		case Idle:
			if !s.trigger(p, now, &post) {
				continue
			}
			s.advance(p, now, &post)
		case Triggered:
			s.advance(p, now, &post)
		case AwaitingConfirmation:
			if now.Sub(p.askedAt) > s.opts.ConfirmationTTL {
				p.state = Idle
				p.confirmed = false
				log.Warn().Str("plan", id).Msg("confirmation expired")
				post = append(post, s.notify(fmt.Sprintf("⏳ Confirmation for plan *%s* expired. Waiting for the next slot.", id)))
			}
		}
	}
	if s.opts.Heartbeat > 0 && s.OnHeartbeat != nil && now.Sub(s.st.LastHeartbeat) >= s.opts.Heartbeat {
		s.st.LastHeartbeat = now
		s.save()
		hb := s.OnHeartbeat
		post = append(post, func() { hb(s.ctx) })
	}
	s.mu.Unlock()

	for _, fn := range post {
		fn()
	}
}

// trigger moves an idle plan to Triggered when a slot is due. The slot is
// persisted before anything is dispatched.
func (s *Scheduler) trigger(p *plan, now time.Time, post *[]func()) bool {
	id := p.cfg.ID
	ps := s.st.Plans[id]
	slot, ok := p.rule.Latest(ps.LastFired, now)
	if !ok {
		return false
	}

	late := now.Sub(slot) > s.opts.Tolerance
	prev := ps.LastFired
	ps.LastFired = slot
	s.st.Plans[id] = ps
	if err := s.save(); err != nil {
		ps.LastFired = prev
		s.st.Plans[id] = ps
		return false
	}

	if late && !s.opts.CatchUpMissed {
		log.Warn().Str("plan", id).Time("slot", slot).Msg("missed slot skipped")
		next, _ := p.rule.Next(now)
		*post = append(*post, s.notify(fmt.Sprintf("⏭ Plan *%s* missed its run at %s. Skipping to %s.",
			id, slot.Format("2006-01-02 15:04"), next.Format("2006-01-02 15:04"))))
		return false
	}
	if late {
		log.Warn().Str("plan", id).Time("slot", slot).Msg("catching up missed slot")
	} else {
		log.Info().Str("plan", id).Time("slot", slot).Msg("plan triggered")
	}
	p.state = Triggered
	p.trig = Trigger{PlanID: id, Slot: slot, CatchUp: late}
	return true
}

// advance takes a triggered plan to confirmation or execution.
func (s *Scheduler) advance(p *plan, now time.Time, post *[]func()) {
	if !p.cfg.AutomaticExecution && !p.confirmed && !p.trig.Manual {
		p.state = AwaitingConfirmation
		p.askedAt = now
		id := p.cfg.ID
		text := fmt.Sprintf("🗓 Plan *%s* is due (%s %s, slot %s). Execute now?",
			id, p.cfg.Budget().StringFixed(2), p.rule.iv, p.trig.Slot.Format("2006-01-02 15:04"))
		buttons := []notifications.Button{
			{Text: "✅ Execute", Data: ConfirmPrefix + id},
			{Text: "❌ Cancel", Data: CancelPrefix + id},
		}
		*post = append(*post, func() {
			if err := s.notifier.Ask(s.ctx, text, buttons); err != nil {
				log.Error().Err(err).Str("plan", id).Msg("confirmation request failed")
			}
		})
		return
	}
	if s.claim(p) {
		*post = append(*post, func() { s.dispatch(p) })
	}
}

// claim reserves p for one dispatch. Callers hold s.mu.
func (s *Scheduler) claim(p *plan) bool {
	if p.locking {
		return false
	}
	p.locking = true
	return true
}

// dispatch starts the cycle if the portfolio lock is free. The lock is taken
// without holding s.mu, so a slow lock backend never stalls readers.
// Otherwise a scheduled plan stays Triggered and is retried on the next
// tick; a manual trigger returns to Idle. The caller must have claimed p.
func (s *Scheduler) dispatch(p *plan) bool {
	key := cache.LockKey(s.opts.PortfolioID)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	ok, err := s.locker.TryLock(ctx, key, s.opts.LockTTL)
	cancel()

	s.mu.Lock()
	p.locking = false
	if err != nil || !ok || s.closed || p.state != Triggered {
		acquired := err == nil && ok
		if p.state == Triggered && p.trig.Manual {
			p.state = Idle
			p.trig = Trigger{}
		}
		s.mu.Unlock()
		if acquired {
			s.unlock(key)
		}
		log.Debug().Err(err).Str("plan", p.cfg.ID).Msg("portfolio busy, retrying next tick")
		return false
	}

	p.state = Executing
	trig := p.trig
	cfg := p.cfg
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run(cfg, trig, key)
	return true
}

func (s *Scheduler) unlock(key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	if err := s.locker.Unlock(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("portfolio lock release failed")
	}
}

func (s *Scheduler) run(cfg config.SavingsPlan, trig Trigger, key string) {
	defer s.wg.Done()
	start := s.opts.Now()
	err := s.runner.RunCycle(s.ctx, cfg, trig)
	if err != nil {
		log.Error().Err(err).Str("plan", cfg.ID).Msg("cycle failed")
	}

	s.unlock(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.plans[cfg.ID]; ok {
		p.state = Idle
		p.confirmed = false
		p.trig = Trigger{}
	}
	ps := s.st.Plans[cfg.ID]
	ps.LastRunAt = start
	ps.Runs++
	s.st.Plans[cfg.ID] = ps
	s.save()
}

// Confirm releases a plan waiting for confirmation.
func (s *Scheduler) Confirm(planID string) error {
	s.mu.Lock()
	p, err := s.waiting(planID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	p.confirmed = true
	p.state = Triggered
	claimed := s.claim(p)
	s.mu.Unlock()

	if !claimed || !s.dispatch(p) {
		return fmt.Errorf("plan %s confirmed, portfolio busy: it starts on the next tick", planID)
	}
	return nil
}

// Cancel drops a plan waiting for confirmation back to Idle. The slot stays
// consumed.
func (s *Scheduler) Cancel(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.waiting(planID)
	if err != nil {
		return err
	}
	p.state = Idle
	p.confirmed = false
	log.Info().Str("plan", planID).Msg("plan cancelled by user")
	return nil
}

func (s *Scheduler) waiting(planID string) (*plan, error) {
	p, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", planID)
	}
	if p.state != AwaitingConfirmation {
		return nil, fmt.Errorf("plan %s is %s, not awaiting confirmation", planID, p.state)
	}
	if s.opts.Now().Sub(p.askedAt) > s.opts.ConfirmationTTL {
		p.state = Idle
		return nil, fmt.Errorf("confirmation for plan %s expired", planID)
	}
	return p, nil
}

// TriggerNow runs a plan outside its schedule. The schedule itself is not
// touched.
func (s *Scheduler) TriggerNow(planID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrShutdown
	}
	p, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown plan %q", planID)
	}
	if p.state != Idle || !s.claim(p) {
		state := p.state
		s.mu.Unlock()
		return fmt.Errorf("plan %s is %s", planID, state)
	}
	p.state = Triggered
	p.trig = Trigger{PlanID: planID, Slot: s.opts.Now().In(s.opts.Location), Manual: true}
	s.mu.Unlock()

	if !s.dispatch(p) {
		return fmt.Errorf("portfolio is busy, try again later")
	}
	return nil
}

// PlanStatus is a read-only view of one plan.
type PlanStatus struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Interval  string    `json:"interval"`
	Cost      string    `json:"cost"`
	Automatic bool      `json:"automatic"`
	Rebalance bool      `json:"rebalance"`
	NextRun   time.Time `json:"next_run"`
	LastFired time.Time `json:"last_fired"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	Runs      int       `json:"runs"`
}

// Status reports every plan in configuration order.
func (s *Scheduler) Status() []PlanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now().In(s.opts.Location)
	out := make([]PlanStatus, 0, len(s.order))
	for _, id := range s.order {
		p := s.plans[id]
		ps := s.st.Plans[id]
		after := now
		if ps.LastFired.After(after) {
			after = ps.LastFired
		}
		next, _ := p.rule.Next(after)
		out = append(out, PlanStatus{
			ID:        id,
			State:     p.state.String(),
			Interval:  p.rule.iv.String(),
			Cost:      p.cfg.Budget().StringFixed(2),
			Automatic: p.cfg.AutomaticExecution,
			Rebalance: p.cfg.RebalanceOnExecution,
			NextRun:   next,
			LastFired: ps.LastFired.In(s.opts.Location),
			LastRunAt: ps.LastRunAt,
			Runs:      ps.Runs,
		})
	}
	return out
}

// Shutdown stops dispatching, cancels running cycles between orders and
// waits for them to finish or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cycles still running: %w", ctx.Err())
	}
}

// save persists the state. Callers hold s.mu.
func (s *Scheduler) save() error {
	if err := s.store.Save(s.st); err != nil {
		log.Error().Err(err).Msg("failed to save schedule state")
		return err
	}
	return nil
}

func (s *Scheduler) notify(text string) func() {
	return func() {
		if err := s.notifier.Notify(s.ctx, text); err != nil {
			log.Error().Err(err).Msg("notification failed")
		}
	}
}
