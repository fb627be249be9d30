// Package bot runs savings plan cycles and answers the chat interface.
package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hodl_index/internal/config"
	"hodl_index/internal/executor"
	"hodl_index/internal/metrics"
	"hodl_index/internal/models"
	"hodl_index/internal/notifications"
	"hodl_index/internal/portfolio"
	"hodl_index/internal/scheduler"
	"hodl_index/internal/weighting"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Market is the read side of the exchange and market-cap provider.
type Market interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]error)
	GetMarketCaps(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	TopSymbols(ctx context.Context, n int, exclude []string) ([]string, error)
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	DailyCloses(ctx context.Context, symbols []string, days int) (map[string][]models.PricePoint, map[string]error)
}

// FillLog reads the execution log.
type FillLog interface {
	Fills(since time.Time, limit int) ([]models.Fill, error)
}

// Controller is the scheduler surface the chat needs.
type Controller interface {
	Confirm(planID string) error
	Cancel(planID string) error
	TriggerNow(planID string) error
	Status() []scheduler.PlanStatus
}

type CommandDoc struct {
	Name        string
	Description string
	Example     string
}

// Bot wires market data, weighting, planning and execution into cycles.
type Bot struct {
	cfg      *config.Config
	market   Market
	exec     *executor.Executor
	pf       *portfolio.State
	fills    FillLog
	scheme   weighting.Scheme
	notifier notifications.Notifier
	metrics  *metrics.Recorder
	sched    Controller
	commands []CommandDoc
	started  time.Time

	mu   sync.RWMutex
	last map[string]CycleReport
}

func New(cfg *config.Config, market Market, exec *executor.Executor, pf *portfolio.State, fills FillLog, n notifications.Notifier, rec *metrics.Recorder) (*Bot, error) {
	scheme, err := weighting.New(cfg.Portfolio.WeightingKind, cfg.Portfolio.CustomWeights)
	if err != nil {
		return nil, err
	}
	return &Bot{
		cfg:      cfg,
		market:   market,
		exec:     exec,
		pf:       pf,
		fills:    fills,
		scheme:   scheme,
		notifier: n,
		metrics:  rec,
		started:  time.Now(),
		last:     make(map[string]CycleReport),
		commands: []CommandDoc{
			{"/ping", "Connectivity check", "/ping"},
			{"/status", "Plans, next runs and portfolio value", "/status"},
			{"/balance", "Exchange balances", "/balance"},
			{"/weights", "Current target weights", "/weights"},
			{"/preview", "Orders a plan would place now", "/preview [plan]"},
			{"/execute", "Run a plan now, outside its schedule", "/execute [plan]"},
			{"/pending", "Orders waiting for reconciliation", "/pending"},
			{"/reconcile", "Resolve open orders against the exchange", "/reconcile"},
			{"/abandon", "Close an open order after manual review", "/abandon <intent>"},
			{"/fills", "Latest fills", "/fills [n]"},
			{"/config", "Inspect configuration (no secrets)", "/config"},
		},
	}, nil
}

// AttachScheduler completes the wiring; the scheduler itself needs the bot
// as its Runner.
func (b *Bot) AttachScheduler(c Controller) {
	b.sched = c
}

// notify outlives a cancelled cycle so the last results still reach chat.
func (b *Bot) notify(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := b.notifier.Notify(ctx, text); err != nil {
		log.Error().Err(err).Msg("notification failed")
	}
}

// Start reconciles the journal left by a previous run and announces the
// bot.
func (b *Bot) Start(ctx context.Context) {
	mode := "LIVE"
	if b.cfg.TestMode {
		mode = "TEST"
	}
	plans := make([]string, 0, len(b.cfg.SavingsPlans))
	for _, p := range b.cfg.SavingsPlans {
		plans = append(plans, p.ID)
	}
	b.notify(ctx, fmt.Sprintf("🚀 *SYSTEM START: hodl_index %s online*\nMode: [%s] | Exchange: %s\nPlans: %s",
		b.cfg.Version, mode, b.cfg.Exchange.Name, strings.Join(plans, ", ")))

	results, err := b.exec.Reconcile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed")
		b.notify(ctx, fmt.Sprintf("🚨 Startup reconciliation failed: %v", err))
		return
	}
	if len(results) > 0 {
		b.notify(ctx, formatReconcile(results))
	}
	b.refreshMetrics(ctx)
}

// Stop announces the shutdown.
func (b *Bot) Stop(ctx context.Context) {
	b.notify(ctx, "🛑 SYSTEM SHUTDOWN: Signal received. State saved successfully.")
}

// Heartbeat pushes the status report.
func (b *Bot) Heartbeat(ctx context.Context) {
	b.notify(ctx, b.status(ctx))
}

// Valuation prices the current holdings.
func (b *Bot) Valuation(ctx context.Context) (portfolio.Valuation, error) {
	snap := b.pf.Snapshot()
	symbols := snap.Symbols()
	if len(symbols) == 0 {
		return snap.Valued(nil), nil
	}
	prices, errs := b.market.GetPrices(ctx, symbols)
	for s, err := range errs {
		log.Warn().Err(err).Str("symbol", s).Msg("no price for valuation")
	}
	v := snap.Valued(prices)
	if len(prices) == 0 {
		return v, &models.DataUnavailableError{What: "prices", Symbols: symbols}
	}
	b.metrics.SetPortfolio(v.TotalValue.InexactFloat64(), v.Invested.InexactFloat64())
	return v, nil
}

// maxHistoryDays bounds how far back History fetches closes.
const maxHistoryDays = 365

// History rebuilds the daily invested and value series since the given time
// from the fill log. Days are cut in the configured timezone and priced with
// historical closes; a symbol without closes is valued at its fill price.
func (b *Bot) History(ctx context.Context, since time.Time) ([]portfolio.HistoryPoint, error) {
	fills, err := b.fills.Fills(time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	if len(fills) == 0 {
		return []portfolio.HistoryPoint{}, nil
	}

	now := time.Now()
	start := fills[0].Timestamp
	seen := map[string]bool{}
	var symbols []string
	for _, f := range fills {
		if f.Timestamp.Before(start) {
			start = f.Timestamp
		}
		if !seen[f.Symbol] {
			seen[f.Symbol] = true
			symbols = append(symbols, f.Symbol)
		}
	}
	if since.After(start) {
		start = since
	}
	if floor := now.AddDate(0, 0, -maxHistoryDays); start.Before(floor) {
		start = floor
	}
	if start.After(now) {
		return []portfolio.HistoryPoint{}, nil
	}
	sort.Strings(symbols)

	days := int(now.Sub(start).Hours()/24) + 1
	closes, errs := b.market.DailyCloses(ctx, symbols, days)
	for s, err := range errs {
		log.Warn().Err(err).Str("symbol", s).Msg("no closes for history")
	}
	return portfolio.History(fills, closes, portfolio.DayEnds(start, now, b.cfg.Location)), nil
}

func (b *Bot) refreshMetrics(ctx context.Context) {
	if _, err := b.Valuation(ctx); err != nil {
		log.Warn().Err(err).Msg("portfolio valuation failed")
	}
}

// LastCycles returns the latest report of every plan that ran.
func (b *Bot) LastCycles() []CycleReport {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CycleReport, 0, len(b.last))
	for _, r := range b.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}

// Schedule returns the scheduler view, if attached.
func (b *Bot) Schedule() []scheduler.PlanStatus {
	if b.sched == nil {
		return nil
	}
	return b.sched.Status()
}

func (b *Bot) plan(id string) (config.SavingsPlan, error) {
	if id == "" {
		if len(b.cfg.SavingsPlans) == 0 {
			return config.SavingsPlan{}, fmt.Errorf("no savings plans configured")
		}
		return b.cfg.SavingsPlans[0], nil
	}
	p, ok := b.cfg.Plan(id)
	if !ok {
		return config.SavingsPlan{}, fmt.Errorf("unknown plan %q", id)
	}
	return p, nil
}
