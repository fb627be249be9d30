package executor

import (
	"context"
	"fmt"

	"hodl_index/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Result is the outcome of one intent in a batch. Err is nil when Fill is set.
type Result struct {
	Intent models.OrderIntent
	Fill   models.Fill
	Err    error
}

// OK reports whether the intent filled.
func (r Result) OK() bool { return r.Err == nil }

// ExecuteBatch runs sells first, then buys funded by budget plus the sell
// proceeds actually realized. Buys that no longer fit are scaled down, or
// skipped with models.ErrInsufficientFunding when below the minimum order
// value. One failing intent never stops the others.
//
// Once ctx is cancelled no further intent starts; the one in flight runs to
// a terminal state regardless.
func (e *Executor) ExecuteBatch(ctx context.Context, intents []models.OrderIntent, budget decimal.Decimal) []Result {
	var sells, buys []models.OrderIntent
	for _, in := range intents {
		if in.Side == models.Sell {
			sells = append(sells, in)
		} else {
			buys = append(buys, in)
		}
	}
	results := make([]Result, 0, len(intents))
	inFlight := context.WithoutCancel(ctx)

	pool := budget
	for _, in := range sells {
		if ctx.Err() != nil {
			results = append(results, Result{Intent: in, Err: models.ErrShutdown})
			continue
		}
		f, err := e.Execute(inFlight, in)
		results = append(results, Result{Intent: in, Fill: f, Err: err})
		if err == nil {
			pool = pool.Add(f.Cost).Sub(quoteFee(f))
		}
	}

	need := decimal.Zero
	for _, in := range buys {
		need = need.Add(in.Amount)
	}
	scale := decimal.NewFromInt(1)
	if need.GreaterThan(pool) && need.IsPositive() {
		scale = decimal.Max(pool, decimal.Zero).Div(need)
		log.Warn().Str("needed", need.String()).Str("available", pool.String()).Msg("scaling buys down to available funds")
	}

	for _, in := range buys {
		if ctx.Err() != nil {
			results = append(results, Result{Intent: in, Err: models.ErrShutdown})
			continue
		}
		amount := in.Amount
		if scale.LessThan(decimal.NewFromInt(1)) {
			amount = amount.Mul(scale).RoundFloor(e.opts.QuotePrecision)
		}
		amount = decimal.Min(amount, pool)
		if !amount.IsPositive() || amount.LessThan(e.opts.MinOrderValue) {
			err := fmt.Errorf("%w: %s buy of %s reduced to %s", models.ErrInsufficientFunding, in.Symbol, in.Amount, amount)
			e.metrics.OrderDone(string(in.Side), "skipped")
			results = append(results, Result{Intent: in, Err: err})
			continue
		}
		in.Amount = amount

		f, err := e.Execute(inFlight, in)
		results = append(results, Result{Intent: in, Fill: f, Err: err})
		if err == nil {
			pool = pool.Sub(f.Cost).Sub(quoteFee(f))
		}
	}
	return results
}

func quoteFee(f models.Fill) decimal.Decimal {
	if f.FeeSymbol == "" || f.FeeSymbol == f.Symbol {
		return decimal.Zero
	}
	return f.Fee
}
