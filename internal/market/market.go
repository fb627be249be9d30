// Package market is the boundary to the exchange and the market-data
// provider. Exchange adapters live in subpackages.
package market

import (
	"context"

	"hodl_index/internal/models"

	"github.com/shopspring/decimal"
)

// Exchange is what the bot needs from a trading venue. Implementations
// classify failures with models.Transient / models.Fatal and honour ctx.
type Exchange interface {
	Name() string
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// GetBalances returns free balances keyed by lower-case symbol,
	// including the quote currency.
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	// GetOrderByClientID returns models.ErrOrderNotFound when the exchange
	// never saw the client order id.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (models.Order, error)
}

// HistorySource provides historical daily closes, oldest first.
type HistorySource interface {
	DailyCloses(ctx context.Context, symbol, quote string, days int) ([]models.PricePoint, error)
}

// MarketCapSource provides market capitalization data.
type MarketCapSource interface {
	// Markets returns up to n assets ordered by market cap, largest first.
	Markets(ctx context.Context, quote string, n int) ([]models.MarketInfo, error)
}
