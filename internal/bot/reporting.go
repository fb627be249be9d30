package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hodl_index/internal/executor"
	"hodl_index/internal/models"
)

var zeroTime time.Time

func (b *Bot) status(ctx context.Context) string {
	loc := b.cfg.Location
	prec := b.cfg.Portfolio.QuotePrecision
	quote := strings.ToUpper(b.cfg.BaseSymbol)

	var sb strings.Builder
	fmt.Fprintf(&sb, "📡 *STATUS* %s | Uptime %s\n", b.cfg.Version, time.Since(b.started).Round(time.Minute))
	fmt.Fprintf(&sb, "Portfolio: %s, %s weighting\n\n", b.cfg.Portfolio.ModeKind, b.scheme.Kind())

	for _, p := range b.Schedule() {
		mode := "auto"
		if !p.Automatic {
			mode = "manual"
		}
		fmt.Fprintf(&sb, "🗓 *%s* %s %s (%s) [%s]\n", p.ID, p.Cost, quote, p.Interval, mode)
		fmt.Fprintf(&sb, "   Next: %s | State: %s\n", p.NextRun.In(loc).Format("Mon 02.01 15:04"), p.State)
	}

	v, err := b.Valuation(ctx)
	if err != nil && !errors.Is(err, models.ErrDataUnavailable) {
		fmt.Fprintf(&sb, "\n⚠️ Valuation failed: %v\n", err)
		return sb.String()
	}
	if len(v.Positions) == 0 {
		sb.WriteString("\nNo holdings yet.")
		return sb.String()
	}
	sb.WriteString("\n")
	for _, p := range v.Positions {
		if !p.Priced {
			fmt.Fprintf(&sb, "• %s: %s (no price)\n", strings.ToUpper(p.Symbol), p.Quantity.String())
			continue
		}
		fmt.Fprintf(&sb, "• %s: %s %s (%s, %s)\n", strings.ToUpper(p.Symbol), p.Value.StringFixed(prec), quote,
			pct(p.Allocation), pct(p.Performance))
	}
	fmt.Fprintf(&sb, "\n💼 Value: %s %s | Invested: %s %s | Perf: %s",
		v.TotalValue.StringFixed(prec), quote, v.Invested.StringFixed(prec), quote, pct(v.Performance))
	return sb.String()
}

func formatReconcile(results []executor.ReconcileResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔁 *RECONCILIATION* (%d open)\n", len(results))
	for _, r := range results {
		sym := strings.ToUpper(r.Record.Intent.Symbol)
		switch {
		case r.Err == nil:
			fmt.Fprintf(&sb, "✅ `%s` %s filled (%s)\n", r.Record.IntentID, sym, r.Fill.ExecutedQty.String())
		case executor.IsReviewable(r.Err):
			fmt.Fprintf(&sb, "🚨 `%s` %s needs review: %v\n", r.Record.IntentID, sym, r.Err)
		default:
			fmt.Fprintf(&sb, "⚠️ `%s` %s: %v\n", r.Record.IntentID, sym, r.Err)
		}
	}
	return sb.String()
}
