package dashboard

import (
	"encoding/csv"
	"io"
	"strings"
	"time"

	"hodl_index/internal/models"

	"github.com/shopspring/decimal"
)

var parqetHeader = []string{"datetime", "price", "shares", "tax", "fee", "type", "assettype", "identifier", "currency"}

// WriteParqetCSV writes fills in the Parqet portfolio tracker import format.
// Fees charged in the asset are converted at the fill price.
func WriteParqetCSV(w io.Writer, fills []models.Fill, currency string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(parqetHeader); err != nil {
		return err
	}
	for _, f := range fills {
		if !f.ExecutedQty.IsPositive() {
			continue
		}
		typ := "Buy"
		if f.Side == models.Sell {
			typ = "Sell"
		}
		row := []string{
			f.Timestamp.UTC().Format(time.RFC3339),
			f.Cost.Div(f.ExecutedQty).StringFixed(8),
			f.ExecutedQty.String(),
			"0",
			feeInQuote(f).StringFixed(8),
			typ,
			"Crypto",
			strings.ToUpper(f.Symbol),
			currency,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func feeInQuote(f models.Fill) decimal.Decimal {
	if !f.Fee.IsPositive() {
		return decimal.Zero
	}
	if strings.EqualFold(f.FeeSymbol, f.Symbol) {
		return f.Fee.Mul(f.Price)
	}
	return f.Fee
}
