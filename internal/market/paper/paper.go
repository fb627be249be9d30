// Package paper is an in-memory exchange that fills market orders
// immediately at a reference price. It backs test mode and end-to-end tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hodl_index/internal/market"
	"hodl_index/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceFunc supplies reference prices.
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// StaticPrices returns a PriceFunc serving a fixed table.
func StaticPrices(prices map[string]decimal.Decimal) PriceFunc {
	return func(_ context.Context, symbol string) (decimal.Decimal, error) {
		p, ok := prices[symbol]
		if !ok {
			return decimal.Zero, &models.DataUnavailableError{What: "price", Symbols: []string{symbol}}
		}
		return p, nil
	}
}

// Exchange simulates a spot exchange with one quote currency.
type Exchange struct {
	prices  PriceFunc
	quote   string
	feeRate decimal.Decimal // charged in the asset on buys, in quote on sells

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]models.Order // by order id
	byClient map[string]string       // client order id -> order id
	now      func() time.Time
}

var _ market.Exchange = (*Exchange)(nil)

// New returns a paper exchange funded with quoteBalance.
func New(prices PriceFunc, quote string, quoteBalance decimal.Decimal) *Exchange {
	return &Exchange{
		prices:   prices,
		quote:    quote,
		balances: map[string]decimal.Decimal{quote: quoteBalance},
		orders:   map[string]models.Order{},
		byClient: map[string]string{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithFee sets a proportional fee, e.g. 0.001 for 0.1%.
func (e *Exchange) WithFee(rate decimal.Decimal) *Exchange {
	e.feeRate = rate
	return e
}

func (e *Exchange) Name() string { return "paper" }

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return e.prices(ctx, symbol)
}

func (e *Exchange) GetBalances(_ context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

// PlaceOrder fills the whole order at the current reference price.
func (e *Exchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if !req.Amount.IsPositive() {
		return models.Order{}, models.Fatal("place order", req.Symbol, errors.New("amount must be > 0"))
	}
	price, err := e.prices(ctx, req.Symbol)
	if err != nil {
		return models.Order{}, models.Fatal("place order", req.Symbol, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return models.Order{}, models.Fatal("place order", req.Symbol, fmt.Errorf("client order id %s already used by %s", req.ClientOrderID, id))
	}

	qty, cost := req.Amount, req.Amount
	if req.Unit == models.UnitQuote {
		qty = req.Amount.Div(price).Truncate(8)
	} else {
		cost = req.Amount.Mul(price)
	}

	fee := decimal.Zero
	feeSymbol := ""
	switch req.Side {
	case models.Buy:
		if e.balances[e.quote].LessThan(cost) {
			return models.Order{}, models.Fatal("place order", req.Symbol, fmt.Errorf("insufficient balance for %s: need %s, have %s", e.quote, cost, e.balances[e.quote]))
		}
		fee = qty.Mul(e.feeRate).Truncate(8)
		feeSymbol = req.Symbol
		e.balances[e.quote] = e.balances[e.quote].Sub(cost)
		e.balances[req.Symbol] = e.balances[req.Symbol].Add(qty.Sub(fee))
		qty = qty.Sub(fee)
	case models.Sell:
		if e.balances[req.Symbol].LessThan(qty) {
			return models.Order{}, models.Fatal("place order", req.Symbol, fmt.Errorf("insufficient balance for %s", req.Symbol))
		}
		fee = cost.Mul(e.feeRate).Round(8)
		feeSymbol = e.quote
		e.balances[req.Symbol] = e.balances[req.Symbol].Sub(qty)
		e.balances[e.quote] = e.balances[e.quote].Add(cost.Sub(fee))
	default:
		return models.Order{}, models.Fatal("place order", req.Symbol, fmt.Errorf("unknown side %q", req.Side))
	}

	now := e.now()
	o := models.Order{
		ID:             uuid.New().String(),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         models.OrderFilled,
		FilledQty:      qty,
		FilledAvgPrice: price,
		Fee:            fee,
		FeeSymbol:      feeSymbol,
		CreatedAt:      now,
		FilledAt:       &now,
	}
	e.orders[o.ID] = o
	if req.ClientOrderID != "" {
		e.byClient[req.ClientOrderID] = o.ID
	}
	return o, nil
}

func (e *Exchange) GetOrder(_ context.Context, orderID string) (models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return models.Order{}, models.Fatal("get order", "", models.ErrOrderNotFound)
	}
	return o, nil
}

func (e *Exchange) GetOrderByClientID(_ context.Context, clientOrderID string) (models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClient[clientOrderID]
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	return e.orders[id], nil
}
