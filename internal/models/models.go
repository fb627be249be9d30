package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Unit tells whether an intent amount is denominated in the quote currency
// (e.g. 30 USD worth of BTC) or in units of the asset itself.
type Unit string

const (
	UnitQuote Unit = "quote"
	UnitBase  Unit = "base"
)

// Reason records why an intent was planned.
type Reason string

const (
	ReasonScheduledBuy Reason = "scheduled_buy"
	ReasonRebalance    Reason = "rebalance"
)

// NormalizeSymbol lower-cases and trims a symbol and applies known rebrandings.
func NormalizeSymbol(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if renamed, ok := rebranded[s]; ok {
		return renamed
	}
	return s
}

// rebranded maps legacy or provider-specific tickers to the ticker the
// exchange lists today.
var rebranded = map[string]string{
	"miota": "iota",
	"nano":  "xno",
}

// StableCoins never count as index constituents.
var StableCoins = map[string]bool{
	"usdt": true, "usdc": true, "busd": true, "dai": true, "tusd": true,
	"ust": true, "usdp": true, "fdusd": true, "pyusd": true, "usde": true,
}

// Pair returns the exchange pair for a symbol against the quote symbol, e.g. BTC/USD.
func Pair(symbol, quote string) string {
	return strings.ToUpper(symbol) + "/" + strings.ToUpper(quote)
}

// OrderIntent is a planned order. It is created by the planner and consumed
// by the executor. ID doubles as the client order id sent to the exchange.
type OrderIntent struct {
	ID     string          `json:"id"`
	PlanID string          `json:"plan_id"`
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Unit   Unit            `json:"unit"`
	Price  decimal.Decimal `json:"price"` // price used while planning
	Reason Reason          `json:"reason"`
}

// QuoteValue estimates the intent's worth in the quote currency.
func (i OrderIntent) QuoteValue() decimal.Decimal {
	if i.Unit == UnitQuote {
		return i.Amount
	}
	return i.Amount.Mul(i.Price)
}

// Fill is the immutable record of a confirmed execution.
type Fill struct {
	ID              string          `json:"id"`
	IntentID        string          `json:"intent_id"`
	PlanID          string          `json:"plan_id"`
	OrderID         string          `json:"order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	RequestedUnit   Unit            `json:"requested_unit"`
	ExecutedQty     decimal.Decimal `json:"executed_qty"`
	Price           decimal.Decimal `json:"price"`
	Cost            decimal.Decimal `json:"cost"` // quote currency spent (buy) or received (sell)
	Fee             decimal.Decimal `json:"fee"`
	FeeSymbol       string          `json:"fee_symbol,omitempty"`
	Exchange        string          `json:"exchange"`
	Reason          Reason          `json:"reason"`
	Timestamp       time.Time       `json:"timestamp"`
}

// OrderRequest is what the executor hands to an exchange.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Amount        decimal.Decimal
	Unit          Unit
}

// Order statuses reported by exchanges, normalized.
const (
	OrderNew             = "new"
	OrderAccepted        = "accepted"
	OrderPartiallyFilled = "partially_filled"
	OrderFilled          = "filled"
	OrderCanceled        = "canceled"
	OrderExpired         = "expired"
	OrderRejected        = "rejected"
)

// Order is a generic view of an exchange order.
type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Status         string          `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Fee            decimal.Decimal `json:"fee"`
	FeeSymbol      string          `json:"fee_symbol,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
}

// Terminal reports whether the exchange will not change the order anymore.
func (o Order) Terminal() bool {
	switch strings.ToLower(o.Status) {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// Filled reports whether anything was executed on a terminal order.
func (o Order) Filled() bool {
	return o.Terminal() && o.FilledQty.IsPositive()
}

// MarketInfo is the market-data provider's view of one asset.
type MarketInfo struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	MarketCap decimal.Decimal `json:"market_cap"`
	Rank      int             `json:"rank"`
}

// PricePoint is one historical close.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}
