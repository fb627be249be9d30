package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Position is one valued holding.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Value       decimal.Decimal `json:"value"`
	Invested    decimal.Decimal `json:"invested"`
	Allocation  float64         `json:"allocation"`
	Performance float64         `json:"performance"` // value / invested - 1
	Priced      bool            `json:"priced"`
}

// Valuation is a snapshot priced at a set of market prices.
type Valuation struct {
	Positions   []Position      `json:"positions"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Invested    decimal.Decimal `json:"invested"`
	Realized    decimal.Decimal `json:"realized"`
	Performance float64         `json:"performance"`
}

// Valued prices the snapshot. Symbols missing from prices fall back to the
// last fill price and are marked unpriced.
func (s Snapshot) Valued(prices map[string]decimal.Decimal) Valuation {
	var v Valuation
	for sym, h := range s.Holdings {
		v.Realized = v.Realized.Add(h.Realized)
		if !h.Quantity.IsPositive() {
			continue
		}
		p, ok := prices[sym]
		if !ok || !p.IsPositive() {
			p = h.LastPrice
			ok = false
		}
		pos := Position{
			Symbol:   sym,
			Quantity: h.Quantity,
			Price:    p,
			Value:    h.Quantity.Mul(p),
			Invested: h.Invested,
			Priced:   ok,
		}
		pos.Performance = ratio(pos.Value, pos.Invested)
		v.TotalValue = v.TotalValue.Add(pos.Value)
		v.Invested = v.Invested.Add(pos.Invested)
		v.Positions = append(v.Positions, pos)
	}

	if v.TotalValue.IsPositive() {
		for i := range v.Positions {
			v.Positions[i].Allocation = v.Positions[i].Value.Div(v.TotalValue).InexactFloat64()
		}
	}
	v.Performance = ratio(v.TotalValue, v.Invested)
	sort.Slice(v.Positions, func(i, j int) bool {
		if !v.Positions[i].Value.Equal(v.Positions[j].Value) {
			return v.Positions[i].Value.GreaterThan(v.Positions[j].Value)
		}
		return v.Positions[i].Symbol < v.Positions[j].Symbol
	})
	return v
}

// Values returns value per held symbol at prices; unpriced symbols are omitted.
func (s Snapshot) Values(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Holdings))
	for sym, h := range s.Holdings {
		if p, ok := prices[sym]; ok && h.Quantity.IsPositive() {
			out[sym] = h.Quantity.Mul(p)
		}
	}
	return out
}

func ratio(value, invested decimal.Decimal) float64 {
	if !invested.IsPositive() {
		return 0
	}
	return value.Div(invested).Sub(decimal.NewFromInt(1)).InexactFloat64()
}
