package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// HandleCommand answers one chat command.
func (b *Bot) HandleCommand(ctx context.Context, cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ""
	}
	// Telegram appends the bot name in groups: /status@hodl_bot.
	name, _, _ := strings.Cut(parts[0], "@")
	args := parts[1:]

	switch name {
	case "/ping":
		return "Pong 🏓"
	case "/help", "/start":
		return b.help()
	case "/status":
		return b.status(ctx)
	case "/balance":
		return b.balance(ctx)
	case "/weights":
		return b.weights(ctx)
	case "/preview":
		return b.preview(ctx, arg(args))
	case "/execute":
		return b.execute(arg(args))
	case "/pending":
		return b.pending()
	case "/reconcile":
		return b.reconcile(ctx)
	case "/abandon":
		if len(args) != 1 {
			return "Usage: /abandon <intent>"
		}
		return b.abandon(args[0])
	case "/fills":
		n := 10
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 || v > 100 {
				return "Usage: /fills [n], 1 ≤ n ≤ 100"
			}
			n = v
		}
		return b.latestFills(n)
	case "/config":
		return b.cfg.Markdown()
	default:
		return "Unknown command. Try /help."
	}
}

func arg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (b *Bot) help() string {
	var sb strings.Builder
	sb.WriteString("🤖 *HODL INDEX COMMANDS*\n\n")
	for _, cmd := range b.commands {
		fmt.Fprintf(&sb, "🔹 *%s*\n%s\n`%s`\n\n", cmd.Name, cmd.Description, cmd.Example)
	}
	return sb.String()
}

func (b *Bot) balance(ctx context.Context) string {
	balances, err := b.market.GetBalances(ctx)
	if err != nil {
		return fmt.Sprintf("⚠️ Could not fetch balances: %v", err)
	}
	if len(balances) == 0 {
		return "💰 No balances."
	}
	symbols := make([]string, 0, len(balances))
	for s := range balances {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	var sb strings.Builder
	sb.WriteString("💰 *BALANCES*\n")
	for _, s := range symbols {
		fmt.Fprintf(&sb, "• %s: %s\n", strings.ToUpper(s), balances[s].String())
	}
	return sb.String()
}

func (b *Bot) weights(ctx context.Context) string {
	t, err := b.ResolveTargets(ctx)
	if err != nil {
		return fmt.Sprintf("⚠️ Could not compute weights: %v", err)
	}
	symbols := make([]string, 0, len(t.Weights))
	for s := range t.Weights {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if t.Weights[symbols[i]] != t.Weights[symbols[j]] {
			return t.Weights[symbols[i]] > t.Weights[symbols[j]]
		}
		return symbols[i] < symbols[j]
	})
	var sb strings.Builder
	fmt.Fprintf(&sb, "⚖️ *TARGET WEIGHTS* (%s)\n", b.scheme.Kind())
	for _, s := range symbols {
		fmt.Fprintf(&sb, "• %s: %.2f%%\n", strings.ToUpper(s), t.Weights[s]*100)
	}
	if len(t.Dropped) > 0 {
		fmt.Fprintf(&sb, "Excluded (no market data): %s\n", upper(t.Dropped))
	}
	return sb.String()
}

func (b *Bot) preview(ctx context.Context, planID string) string {
	t, res, err := b.Preview(ctx, planID)
	if err != nil {
		return fmt.Sprintf("⚠️ Preview failed: %v", err)
	}
	plan, _ := b.plan(planID)
	prec := b.cfg.Portfolio.QuotePrecision
	quote := strings.ToUpper(b.cfg.BaseSymbol)

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔍 *PREVIEW %s* (%s, budget %s %s)\n", plan.ID, b.request(plan, t).Mode, plan.Budget().StringFixed(prec), quote)
	if len(res.Intents) == 0 {
		sb.WriteString("Nothing to do.")
	}
	for _, in := range res.Intents {
		fmt.Fprintf(&sb, "• %s %s ≈ %s %s\n", strings.ToUpper(string(in.Side)), strings.ToUpper(in.Symbol),
			in.QuoteValue().StringFixed(prec), quote)
	}
	sb.WriteString(formatSkips(res.Skipped))
	return sb.String()
}

func (b *Bot) execute(planID string) string {
	if b.sched == nil {
		return "⚠️ Scheduler not running."
	}
	plan, err := b.plan(planID)
	if err != nil {
		return fmt.Sprintf("⚠️ %v", err)
	}
	if err := b.sched.TriggerNow(plan.ID); err != nil {
		return fmt.Sprintf("⚠️ Could not start plan %s: %v", plan.ID, err)
	}
	return fmt.Sprintf("▶️ Plan %s started.", plan.ID)
}

func (b *Bot) pending() string {
	open, err := b.exec.Pending()
	if err != nil {
		return fmt.Sprintf("⚠️ Could not read journal: %v", err)
	}
	if len(open) == 0 {
		return "✅ No open orders."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "⏳ *OPEN ORDERS* (%d)\n", len(open))
	for _, rec := range open {
		fmt.Fprintf(&sb, "• `%s` %s %s %s [%s]", rec.IntentID, rec.Intent.Side, rec.Intent.Amount.String(),
			strings.ToUpper(rec.Intent.Symbol), rec.Status)
		if rec.Error != "" {
			fmt.Fprintf(&sb, "\n  %s", rec.Error)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (b *Bot) reconcile(ctx context.Context) string {
	results, err := b.exec.Reconcile(ctx)
	if err != nil {
		return fmt.Sprintf("⚠️ Reconciliation failed: %v", err)
	}
	if len(results) == 0 {
		return "✅ Nothing to reconcile."
	}
	return formatReconcile(results)
}

func (b *Bot) abandon(intentID string) string {
	if err := b.exec.Abandon(intentID); err != nil {
		return fmt.Sprintf("⚠️ %v", err)
	}
	return fmt.Sprintf("🗑 Intent `%s` abandoned.", intentID)
}

func (b *Bot) latestFills(n int) string {
	fills, err := b.fills.Fills(zeroTime, n)
	if err != nil {
		return fmt.Sprintf("⚠️ Could not read fills: %v", err)
	}
	if len(fills) == 0 {
		return "No fills yet."
	}
	prec := b.cfg.Portfolio.QuotePrecision
	var sb strings.Builder
	fmt.Fprintf(&sb, "🧾 *LAST %d FILLS*\n", len(fills))
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		fmt.Fprintf(&sb, "• %s %s %s %s @ %s = %s\n", f.Timestamp.In(b.cfg.Location).Format("01-02 15:04"),
			strings.ToUpper(string(f.Side)), f.ExecutedQty.String(), strings.ToUpper(f.Symbol),
			f.Price.StringFixed(prec), f.Cost.StringFixed(prec))
	}
	return sb.String()
}

func pct(f float64) string {
	return decimal.NewFromFloat(f*100).StringFixed(2) + "%"
}
