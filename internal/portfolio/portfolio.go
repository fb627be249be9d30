// Package portfolio holds the bot's view of its holdings, derived from the
// fill log. Readers get immutable snapshots; the only writer is the order
// executor through ApplyFill.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"hodl_index/internal/models"

	"github.com/shopspring/decimal"
)

// Holding is the position in one symbol.
type Holding struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Invested  decimal.Decimal `json:"invested"` // remaining cost basis
	Realized  decimal.Decimal `json:"realized"` // profit booked by sells
	LastPrice decimal.Decimal `json:"last_price"`
}

// Snapshot is an immutable view of the portfolio. Its map must not be
// modified by callers.
type Snapshot struct {
	Holdings  map[string]Holding `json:"holdings"`
	FillCount int                `json:"fill_count"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Quantity returns the held amount of symbol, zero when absent.
func (s Snapshot) Quantity(symbol string) decimal.Decimal {
	return s.Holdings[symbol].Quantity
}

// Symbols returns the symbols with a positive quantity, sorted.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Holdings))
	for sym, h := range s.Holdings {
		if h.Quantity.IsPositive() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// apply returns a new snapshot with f applied. s is left untouched.
func (s Snapshot) apply(f models.Fill) Snapshot {
	next := Snapshot{
		Holdings:  make(map[string]Holding, len(s.Holdings)+1),
		FillCount: s.FillCount + 1,
		UpdatedAt: f.Timestamp,
	}
	for k, v := range s.Holdings {
		next.Holdings[k] = v
	}

	h := next.Holdings[f.Symbol]
	h.Symbol = f.Symbol
	if f.Price.IsPositive() {
		h.LastPrice = f.Price
	}
	switch f.Side {
	case models.Buy:
		h.Quantity = h.Quantity.Add(f.ExecutedQty)
		h.Invested = h.Invested.Add(f.Cost).Add(quoteFee(f))
	case models.Sell:
		qty := decimal.Min(f.ExecutedQty, h.Quantity)
		basis := decimal.Zero
		if h.Quantity.IsPositive() {
			basis = h.Invested.Mul(qty).Div(h.Quantity)
		}
		h.Quantity = h.Quantity.Sub(qty)
		h.Invested = h.Invested.Sub(basis)
		h.Realized = h.Realized.Add(f.Cost.Sub(quoteFee(f)).Sub(basis))
		if h.Quantity.IsZero() {
			h.Invested = decimal.Zero
		}
	}
	next.Holdings[f.Symbol] = h
	return next
}

// quoteFee returns the fee when it was charged in the quote currency. Fees
// taken in the asset are already reflected in ExecutedQty.
func quoteFee(f models.Fill) decimal.Decimal {
	if f.FeeSymbol == "" || f.FeeSymbol == f.Symbol {
		return decimal.Zero
	}
	return f.Fee
}

// State owns the current snapshot.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New returns an empty portfolio.
func New() *State {
	return &State{snap: Snapshot{Holdings: map[string]Holding{}}}
}

// Rebuild derives the portfolio from the complete fill log, oldest first.
func Rebuild(fills []models.Fill) *State {
	sorted := append([]models.Fill(nil), fills...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	snap := Snapshot{Holdings: map[string]Holding{}}
	for _, f := range sorted {
		snap = snap.apply(f)
	}
	return &State{snap: snap}
}

// Snapshot returns the current state. It never observes a half-applied fill.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ApplyFill records a confirmed fill.
func (s *State) ApplyFill(f models.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = s.snap.apply(f)
}
