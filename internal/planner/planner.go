// Package planner turns target weights and current holdings into an ordered
// list of order intents.
package planner

import (
	"sort"

	"hodl_index/internal/models"
	"hodl_index/internal/portfolio"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mode selects savings (buy only) or rebalance planning.
type Mode int

const (
	Savings Mode = iota
	Rebalance
)

func (m Mode) String() string {
	if m == Rebalance {
		return "rebalance"
	}
	return "savings"
}

// Request carries everything one planning run needs.
type Request struct {
	PlanID         string
	Weights        map[string]float64
	Portfolio      portfolio.Snapshot
	Prices         map[string]decimal.Decimal
	Budget         decimal.Decimal
	Mode           Mode
	Threshold      decimal.Decimal // rebalance: minimum |target - value| in quote, floored at MinOrderValue
	MinOrderValue  decimal.Decimal
	QuotePrecision int32
}

// Skip records a symbol that got no intent and why.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

const (
	SkipNoPrice   = "no price"
	SkipBelowMin  = "below minimum order value"
	SkipZeroShare = "zero target weight"
)

// Result is the planned, ordered intent list plus whatever was left out.
type Result struct {
	Intents []models.OrderIntent
	Skipped []Skip
	// Targets holds the target value per symbol in rebalance mode.
	Targets map[string]decimal.Decimal
}

// NewID generates intent ids. Tests replace it for deterministic output.
var NewID = func() string { return uuid.NewString() }

// Plan runs the planner. It never fails: symbols it cannot plan are reported
// in Result.Skipped.
func Plan(req Request) Result {
	symbols := make([]string, 0, len(req.Weights))
	for s := range req.Weights {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var res Result
	priced := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if p, ok := req.Prices[s]; !ok || !p.IsPositive() {
			res.Skipped = append(res.Skipped, Skip{Symbol: s, Reason: SkipNoPrice})
			continue
		}
		priced = append(priced, s)
	}

	switch req.Mode {
	case Rebalance:
		planRebalance(req, priced, &res)
	default:
		planSavings(req, priced, &res)
	}
	order(res.Intents)
	return res
}

// planSavings spends the whole budget on buys in proportion to weight.
// Weights are renormalized over the priced symbols.
func planSavings(req Request, priced []string, res *Result) {
	total := 0.0
	var funded []string
	for _, s := range priced {
		w := req.Weights[s]
		if w <= 0 {
			res.Skipped = append(res.Skipped, Skip{Symbol: s, Reason: SkipZeroShare})
			continue
		}
		total += w
		funded = append(funded, s)
	}
	if total <= 0 || !req.Budget.IsPositive() {
		return
	}

	// Drop symbols whose share falls under the minimum, then spread the
	// budget over the rest so it is spent completely.
	for {
		var keep []string
		kept := 0.0
		for _, s := range funded {
			share := req.Budget.Mul(decimal.NewFromFloat(req.Weights[s] / total))
			if share.LessThan(req.MinOrderValue) {
				res.Skipped = append(res.Skipped, Skip{Symbol: s, Reason: SkipBelowMin})
				continue
			}
			keep = append(keep, s)
			kept += req.Weights[s]
		}
		if len(keep) == len(funded) {
			break
		}
		funded, total = keep, kept
		if len(funded) == 0 {
			return
		}
	}

	remaining := req.Budget.Round(req.QuotePrecision)
	for i, s := range funded {
		amount := remaining
		if i < len(funded)-1 {
			amount = req.Budget.Mul(decimal.NewFromFloat(req.Weights[s] / total)).Round(req.QuotePrecision)
			if amount.GreaterThan(remaining) {
				amount = remaining
			}
		}
		remaining = remaining.Sub(amount)
		if !amount.IsPositive() {
			continue
		}
		res.Intents = append(res.Intents, models.OrderIntent{
			ID:     NewID(),
			PlanID: req.PlanID,
			Symbol: s,
			Side:   models.Buy,
			Amount: amount,
			Unit:   models.UnitQuote,
			Price:  req.Prices[s],
			Reason: models.ReasonScheduledBuy,
		})
	}
}

// planRebalance moves every symbol whose value deviates from V*w by more
// than max(threshold, min order value), with V = current value + budget. As in savings mode the
// weights are renormalized over the priced symbols.
func planRebalance(req Request, priced []string, res *Result) {
	values := make(map[string]decimal.Decimal, len(priced))
	total := req.Budget
	wsum := 0.0
	for _, s := range priced {
		wsum += req.Weights[s]
		v := req.Portfolio.Quantity(s).Mul(req.Prices[s])
		values[s] = v
		total = total.Add(v)
	}

	if wsum <= 0 {
		return
	}

	// A gap smaller than the minimum order can never be closed, so the
	// minimum acts as a floor on the threshold.
	threshold := decimal.Max(req.Threshold, req.MinOrderValue)

	res.Targets = make(map[string]decimal.Decimal, len(priced))
	for _, s := range priced {
		target := total.Mul(decimal.NewFromFloat(req.Weights[s] / wsum))
		res.Targets[s] = target
		diff := target.Sub(values[s])
		if diff.Abs().LessThanOrEqual(threshold) {
			continue
		}

		price := req.Prices[s]
		intent := models.OrderIntent{
			ID:     NewID(),
			PlanID: req.PlanID,
			Symbol: s,
			Price:  price,
			Reason: models.ReasonRebalance,
		}
		if diff.IsPositive() {
			intent.Side = models.Buy
			intent.Unit = models.UnitQuote
			intent.Amount = diff.Round(req.QuotePrecision)
		} else {
			intent.Side = models.Sell
			intent.Unit = models.UnitBase
			intent.Amount = decimal.Min(diff.Neg().Div(price), req.Portfolio.Quantity(s))
		}
		if !intent.Amount.IsPositive() {
			continue
		}
		if intent.QuoteValue().LessThan(req.MinOrderValue) {
			res.Skipped = append(res.Skipped, Skip{Symbol: s, Reason: SkipBelowMin})
			continue
		}
		res.Intents = append(res.Intents, intent)
	}
}

// order puts sells before buys, each largest first, ties by symbol.
func order(intents []models.OrderIntent) {
	sort.SliceStable(intents, func(i, j int) bool {
		a, b := intents[i], intents[j]
		if a.Side != b.Side {
			return a.Side == models.Sell
		}
		av, bv := a.QuoteValue(), b.QuoteValue()
		if !av.Equal(bv) {
			return av.GreaterThan(bv)
		}
		return a.Symbol < b.Symbol
	})
}
