package portfolio

import (
	"sort"
	"time"

	"hodl_index/internal/models"

	"github.com/shopspring/decimal"
)

// HistoryPoint is the portfolio at the close of one day.
type HistoryPoint struct {
	Time        time.Time       `json:"time"`
	Invested    decimal.Decimal `json:"invested"`
	Value       decimal.Decimal `json:"value"`
	Realized    decimal.Decimal `json:"realized"`
	Performance float64         `json:"performance"`
}

// History replays fills and values the holdings at every time in at, using
// the latest close at or before that time. Symbols without a close fall back
// to their last fill price. at must be sorted ascending.
func History(fills []models.Fill, closes map[string][]models.PricePoint, at []time.Time) []HistoryPoint {
	sorted := append([]models.Fill(nil), fills...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	snap := Snapshot{Holdings: map[string]Holding{}}
	next := 0
	out := make([]HistoryPoint, 0, len(at))
	for _, t := range at {
		for next < len(sorted) && !sorted[next].Timestamp.After(t) {
			snap = snap.apply(sorted[next])
			next++
		}
		prices := make(map[string]decimal.Decimal, len(snap.Holdings))
		for sym := range snap.Holdings {
			if p, ok := closeAt(closes[sym], t); ok {
				prices[sym] = p
			}
		}
		v := snap.Valued(prices)
		out = append(out, HistoryPoint{
			Time:        t,
			Invested:    v.Invested,
			Value:       v.TotalValue,
			Realized:    v.Realized,
			Performance: v.Performance,
		})
	}
	return out
}

// closeAt returns the last price at or before t.
func closeAt(points []models.PricePoint, t time.Time) (decimal.Decimal, bool) {
	i := sort.Search(len(points), func(i int) bool { return points[i].Time.After(t) })
	if i == 0 {
		return decimal.Zero, false
	}
	return points[i-1].Price, true
}

// DayEnds returns the end of every day in loc from the day of from up to
// and including the day of to. The last entry is to itself.
func DayEnds(from, to time.Time, loc *time.Location) []time.Time {
	from, to = from.In(loc), to.In(loc)
	y, m, d := from.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)
	var out []time.Time
	for {
		end := day.AddDate(0, 0, 1).Add(-time.Nanosecond)
		if !end.Before(to) {
			out = append(out, to)
			return out
		}
		out = append(out, end)
		day = day.AddDate(0, 0, 1)
	}
}
