package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"hodl_index/internal/config"
	"hodl_index/internal/executor"
	"hodl_index/internal/models"
	"hodl_index/internal/planner"
	"hodl_index/internal/scheduler"
	"hodl_index/internal/weighting"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Targets is the resolved index for one moment: symbols, their prices and
// target weights.
type Targets struct {
	Symbols []string
	Weights map[string]float64
	Prices  map[string]decimal.Decimal
	// Dropped lost their weight because market data was missing.
	Dropped []string
	// NoPrice failed the price fetch and will be skipped by the planner.
	NoPrice map[string]error
}

// CycleReport summarizes one finished cycle.
type CycleReport struct {
	PlanID     string          `json:"plan_id"`
	Slot       time.Time       `json:"slot"`
	CatchUp    bool            `json:"catch_up"`
	Manual     bool            `json:"manual"`
	Mode       string          `json:"mode"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Intents    int             `json:"intents"`
	Filled     int             `json:"filled"`
	Failed     int             `json:"failed"`
	Spent      decimal.Decimal `json:"spent"`
	Received   decimal.Decimal `json:"received"`
	Skipped    []planner.Skip  `json:"skipped,omitempty"`
	Result     string          `json:"result"`
	Error      string          `json:"error,omitempty"`
}

// ResolveTargets builds the index for the configured portfolio.
func (b *Bot) ResolveTargets(ctx context.Context) (Targets, error) {
	pc := b.cfg.Portfolio
	var symbols []string
	switch pc.ModeKind {
	case models.ModeIndex:
		top, err := b.market.TopSymbols(ctx, pc.IndexTopN, pc.IndexExclude)
		if err != nil {
			return Targets{}, fmt.Errorf("index constituents: %w", err)
		}
		symbols = top
	default:
		for _, s := range pc.CherryPick {
			symbols = append(symbols, models.NormalizeSymbol(s))
		}
	}

	t := Targets{Symbols: symbols}
	prices, errs := b.market.GetPrices(ctx, symbols)
	t.Prices = prices
	t.NoPrice = errs
	for s, err := range errs {
		log.Warn().Err(err).Str("symbol", s).Msg("price unavailable, symbol excluded this cycle")
	}

	var caps weighting.MarketCaps
	if b.scheme.NeedsMarketCap() {
		raw, err := b.market.GetMarketCaps(ctx, symbols)
		if err != nil {
			if weighting.Policy(pc.OnMissingData) == weighting.PolicyAbort {
				return t, fmt.Errorf("market caps: %w", err)
			}
			log.Warn().Err(err).Msg("market caps unavailable")
		}
		caps = make(weighting.MarketCaps, len(raw))
		for s, c := range raw {
			caps[s] = c.InexactFloat64()
		}
	}

	weights, dropped, err := weighting.ComputeWithPolicy(symbols, b.scheme, caps, weighting.Policy(pc.OnMissingData))
	if err != nil {
		return t, fmt.Errorf("weights: %w", err)
	}
	if len(dropped) > 0 {
		log.Warn().Strs("symbols", dropped).Msg("symbols excluded for missing market data")
	}
	t.Weights = weights
	t.Dropped = dropped
	return t, nil
}

func (b *Bot) request(plan config.SavingsPlan, t Targets) planner.Request {
	pc := b.cfg.Portfolio
	mode := planner.Savings
	if plan.RebalanceOnExecution {
		mode = planner.Rebalance
	}
	return planner.Request{
		PlanID:         plan.ID,
		Weights:        t.Weights,
		Portfolio:      b.pf.Snapshot(),
		Prices:         t.Prices,
		Budget:         plan.Budget(),
		Mode:           mode,
		Threshold:      decimal.NewFromFloat(pc.RebalanceThreshold),
		MinOrderValue:  decimal.NewFromFloat(pc.MinOrderValue),
		QuotePrecision: pc.QuotePrecision,
	}
}

// Preview plans a cycle without executing it.
func (b *Bot) Preview(ctx context.Context, planID string) (Targets, planner.Result, error) {
	plan, err := b.plan(planID)
	if err != nil {
		return Targets{}, planner.Result{}, err
	}
	t, err := b.ResolveTargets(ctx)
	if err != nil {
		return t, planner.Result{}, err
	}
	return t, planner.Plan(b.request(plan, t)), nil
}

// RunCycle executes one savings plan cycle. Errors local to one symbol or
// order are reported and never abort the rest of the cycle.
func (b *Bot) RunCycle(ctx context.Context, plan config.SavingsPlan, trig scheduler.Trigger) error {
	rep := CycleReport{PlanID: plan.ID, Slot: trig.Slot, CatchUp: trig.CatchUp, Manual: trig.Manual, StartedAt: time.Now().UTC()}
	logger := log.With().Str("plan", plan.ID).Logger()

	label := "scheduled"
	switch {
	case trig.Manual:
		label = "manual"
	case trig.CatchUp:
		label = "catch-up"
	}
	b.notify(ctx, fmt.Sprintf("🔄 *Plan %s started* (%s)\nBudget: %s %s", plan.ID, label,
		plan.Budget().StringFixed(b.cfg.Portfolio.QuotePrecision), strings.ToUpper(b.cfg.BaseSymbol)))

	err := b.runCycle(ctx, plan, &rep)
	rep.FinishedAt = time.Now().UTC()
	if err != nil {
		rep.Result = "failed"
		rep.Error = err.Error()
		logger.Error().Err(err).Msg("cycle aborted")
		b.notify(ctx, fmt.Sprintf("🚨 *Plan %s failed*: %v", plan.ID, err))
	}
	b.metrics.CycleDone(plan.ID, rep.Result, rep.FinishedAt)

	b.mu.Lock()
	b.last[plan.ID] = rep
	b.mu.Unlock()
	return err
}

func (b *Bot) runCycle(ctx context.Context, plan config.SavingsPlan, rep *CycleReport) error {
	t, err := b.ResolveTargets(ctx)
	if err != nil {
		return err
	}
	req := b.request(plan, t)
	rep.Mode = req.Mode.String()
	res := planner.Plan(req)
	rep.Intents = len(res.Intents)
	rep.Skipped = res.Skipped

	if len(t.Dropped) > 0 {
		b.notify(ctx, fmt.Sprintf("⚠️ No market data for %s, excluded this cycle.", upper(t.Dropped)))
	}
	if len(res.Intents) == 0 {
		rep.Result = "skipped"
		b.notify(ctx, fmt.Sprintf("ℹ️ Plan %s: nothing to do.%s", plan.ID, formatSkips(res.Skipped)))
		return nil
	}

	results := b.exec.ExecuteBatch(ctx, res.Intents, req.Budget)
	var review []string
	for _, r := range results {
		if r.OK() {
			rep.Filled++
			if r.Fill.Side == models.Sell {
				rep.Received = rep.Received.Add(r.Fill.Cost)
			} else {
				rep.Spent = rep.Spent.Add(r.Fill.Cost)
			}
		} else {
			rep.Failed++
			if executor.IsReviewable(r.Err) {
				review = append(review, r.Intent.ID)
			}
		}
		b.notify(ctx, b.formatResult(r))
	}

	switch {
	case rep.Failed == 0:
		rep.Result = "ok"
	case rep.Filled == 0:
		rep.Result = "failed"
	default:
		rep.Result = "partial"
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		rep.Result = "interrupted"
	}

	b.notify(ctx, b.formatSummary(plan, *rep, res.Skipped))
	if len(review) > 0 {
		b.notify(ctx, fmt.Sprintf("🚨 *Manual review required* for %d order(s):\n`%s`\nUse /pending and /reconcile.",
			len(review), strings.Join(review, "`\n`")))
	}
	b.refreshMetrics(ctx)
	return nil
}

func (b *Bot) formatResult(r executor.Result) string {
	sym := strings.ToUpper(r.Intent.Symbol)
	quote := strings.ToUpper(b.cfg.BaseSymbol)
	prec := b.cfg.Portfolio.QuotePrecision
	if r.OK() {
		verb := "Bought"
		if r.Fill.Side == models.Sell {
			verb = "Sold"
		}
		return fmt.Sprintf("✅ %s %s %s @ %s (%s %s)", verb, r.Fill.ExecutedQty.String(), sym,
			r.Fill.Price.StringFixed(prec), r.Fill.Cost.StringFixed(prec), quote)
	}
	icon := "❌"
	switch {
	case errors.Is(r.Err, models.ErrShutdown):
		icon = "⏸"
	case errors.Is(r.Err, models.ErrInsufficientFunding):
		icon = "⚠️"
	case errors.Is(r.Err, models.ErrReconciliationRequired):
		icon = "🚨"
	}
	return fmt.Sprintf("%s %s %s failed: %v", icon, r.Intent.Side, sym, r.Err)
}

func (b *Bot) formatSummary(plan config.SavingsPlan, rep CycleReport, skipped []planner.Skip) string {
	prec := b.cfg.Portfolio.QuotePrecision
	quote := strings.ToUpper(b.cfg.BaseSymbol)
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *Plan %s finished* [%s]\n", plan.ID, strings.ToUpper(rep.Result))
	fmt.Fprintf(&sb, "Orders: %d filled, %d failed\n", rep.Filled, rep.Failed)
	fmt.Fprintf(&sb, "Spent: %s %s", rep.Spent.StringFixed(prec), quote)
	if rep.Received.IsPositive() {
		fmt.Fprintf(&sb, " | Received: %s %s", rep.Received.StringFixed(prec), quote)
	}
	sb.WriteString(formatSkips(skipped))
	return sb.String()
}

func formatSkips(skipped []planner.Skip) string {
	if len(skipped) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nSkipped:")
	for _, s := range skipped {
		fmt.Fprintf(&sb, "\n• %s: %s", strings.ToUpper(s.Symbol), s.Reason)
	}
	return sb.String()
}

func upper(symbols []string) string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = strings.ToUpper(s)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
