package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hodl_index/internal/models"
	"hodl_index/internal/portfolio"
	"hodl_index/internal/storage"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeExchange fills at fixed prices and can be scripted to fail.
type fakeExchange struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	placeErrs []error
	// landOnError makes a failing PlaceOrder still create the order, as
	// when a request times out after the exchange accepted it.
	landOnError bool
	// openPolls is how many GetOrder calls report the order as accepted.
	openPolls int

	placed   int
	getCalls int
	orders   map[string]models.Order
	byClient map[string]string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		prices:   map[string]decimal.Decimal{"btc": d("50000"), "eth": d("2500")},
		orders:   map[string]models.Order{},
		byClient: map[string]string{},
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) GetPrice(_ context.Context, s string) (decimal.Decimal, error) {
	return f.prices[s], nil
}

func (f *fakeExchange) GetBalances(context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req models.OrderRequest) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed++
	var err error
	if len(f.placeErrs) > 0 {
		err = f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if !f.landOnError {
			return models.Order{}, err
		}
	}

	price := f.prices[req.Symbol]
	qty := req.Amount
	if req.Unit == models.UnitQuote {
		qty = req.Amount.Div(price)
	}
	filledAt := time.Date(2024, 6, 1, 12, 30, f.placed, 0, time.UTC)
	o := models.Order{
		ID:             fmt.Sprintf("ord-%d", f.placed),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         models.OrderFilled,
		FilledQty:      qty,
		FilledAvgPrice: price,
		FilledAt:       &filledAt,
	}
	f.orders[o.ID] = o
	f.byClient[req.ClientOrderID] = o.ID
	if err != nil {
		return models.Order{}, err
	}
	if f.openPolls > 0 {
		o.Status = models.OrderAccepted
		o.FilledQty = decimal.Zero
	}
	return o, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, id string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	o, ok := f.orders[id]
	if !ok {
		return models.Order{}, models.Fatal("get order", "", models.ErrOrderNotFound)
	}
	if f.openPolls > 0 {
		f.openPolls--
		o.Status = models.OrderAccepted
		o.FilledQty = decimal.Zero
	}
	return o, nil
}

func (f *fakeExchange) GetOrderByClientID(_ context.Context, cid string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byClient[cid]
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	return f.orders[id], nil
}

type harness struct {
	ex      *fakeExchange
	journal *storage.Journal
	pf      *portfolio.State
	exec    *Executor
	slept   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j, err := storage.OpenJournal("journal", vfs.NewMem())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	h := &harness{ex: newFakeExchange(), journal: j, pf: portfolio.New()}
	h.exec = New(h.ex, j, h.pf, Options{
		MaxRetries:     3,
		BackoffMin:     time.Second,
		BackoffMax:     30 * time.Second,
		CallTimeout:    time.Second,
		PollInterval:   time.Second,
		PollAttempts:   5,
		MinOrderValue:  d("1"),
		QuotePrecision: 2,
	}, nil)
	h.exec.sleep = func(_ context.Context, dur time.Duration) error {
		h.slept = append(h.slept, dur)
		return nil
	}
	return h
}

func buy(id, sym, amount string) models.OrderIntent {
	return models.OrderIntent{ID: id, PlanID: "weekly", Symbol: sym, Side: models.Buy, Amount: d(amount), Unit: models.UnitQuote, Reason: models.ReasonScheduledBuy}
}

func transient() error {
	return models.Transient("place order", "btc", errors.New("429 too many requests"))
}

func (h *harness) fills(t *testing.T) []models.Fill {
	t.Helper()
	fs, err := h.journal.Fills(time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.ex.placeErrs = []error{transient(), transient(), transient()}

	f, err := h.exec.Execute(context.Background(), buy("i1", "btc", "30"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if h.ex.placed != 4 {
		t.Errorf("Expected 4 attempts, got %d", h.ex.placed)
	}
	if fills := h.fills(t); len(fills) != 1 {
		t.Errorf("Expected exactly one fill, got %d", len(fills))
	}
	if !f.ExecutedQty.Equal(d("0.0006")) || f.OrderID != "ord-4" {
		t.Errorf("Unexpected fill %+v", f)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(h.slept) != fmt.Sprint(want) {
		t.Errorf("Expected backoff %v, got %v", want, h.slept)
	}
	rec, _, _ := h.journal.GetOrder("i1")
	if rec.Status != storage.StatusFilled || rec.Attempts != 4 {
		t.Errorf("Expected filled record after 4 attempts, got %+v", rec)
	}
	if !h.pf.Snapshot().Quantity("btc").Equal(d("0.0006")) {
		t.Errorf("Expected portfolio to hold 0.0006 btc, got %s", h.pf.Snapshot().Quantity("btc"))
	}
}

func TestExecute_FatalIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.ex.placeErrs = []error{models.Fatal("place order", "btc", errors.New("insufficient balance"))}

	_, err := h.exec.Execute(context.Background(), buy("i1", "btc", "30"))
	if !errors.Is(err, models.ErrFatal) {
		t.Fatalf("Expected fatal error, got %v", err)
	}
	if h.ex.placed != 1 {
		t.Errorf("Expected a single attempt, got %d", h.ex.placed)
	}
	rec, _, _ := h.journal.GetOrder("i1")
	if rec.Status != storage.StatusFailed {
		t.Errorf("Expected failed record, got %s", rec.Status)
	}
}

func TestExecute_RetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.ex.placeErrs = []error{transient(), transient(), transient(), transient(), transient()}

	_, err := h.exec.Execute(context.Background(), buy("i1", "btc", "30"))
	if !errors.Is(err, models.ErrTransient) {
		t.Fatalf("Expected transient error after exhausting retries, got %v", err)
	}
	if h.ex.placed != 4 {
		t.Errorf("Expected 1 + 3 retries, got %d", h.ex.placed)
	}
	if len(h.fills(t)) != 0 {
		t.Error("Expected no fill")
	}
}

func TestExecute_ReplayDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	intent := buy("i1", "eth", "20")

	first, err := h.exec.Execute(context.Background(), intent)
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.exec.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("Expected the recorded fill, got a new one")
	}
	if h.ex.placed != 1 || len(h.fills(t)) != 1 {
		t.Errorf("Expected one order and one fill, got %d / %d", h.ex.placed, len(h.fills(t)))
	}
	if !h.pf.Snapshot().Quantity("eth").Equal(d("0.008")) {
		t.Errorf("Expected fill applied once, got %s", h.pf.Snapshot().Quantity("eth"))
	}
}

func TestExecute_ResumesSubmittedByOrderID(t *testing.T) {
	h := newHarness(t)
	intent := buy("i1", "btc", "50")
	// Crash after submission: the exchange filled it, the journal only knows
	// the order id.
	o, _ := h.ex.PlaceOrder(context.Background(), models.OrderRequest{ClientOrderID: "i1", Symbol: "btc", Side: models.Buy, Amount: d("50"), Unit: models.UnitQuote})
	h.journal.PutOrder(storage.OrderRecord{IntentID: "i1", ClientOrderID: "i1", OrderID: o.ID, Intent: intent, Status: storage.StatusSubmitted})

	f, err := h.exec.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if h.ex.placed != 1 {
		t.Errorf("Expected no resubmission, got %d orders", h.ex.placed)
	}
	if f.OrderID != o.ID || len(h.fills(t)) != 1 {
		t.Errorf("Expected one fill for %s, got %+v", o.ID, f)
	}
}

func TestExecute_PendingWithoutOrderNeedsReview(t *testing.T) {
	h := newHarness(t)
	intent := buy("i1", "btc", "50")
	h.journal.PutOrder(storage.OrderRecord{IntentID: "i1", ClientOrderID: "i1", Intent: intent, Status: storage.StatusPending})

	_, err := h.exec.Execute(context.Background(), intent)
	if !errors.Is(err, models.ErrReconciliationRequired) {
		t.Fatalf("Expected ErrReconciliationRequired, got %v", err)
	}
	if h.ex.placed != 0 {
		t.Error("Expected no blind resubmission")
	}
	rec, _, _ := h.journal.GetOrder("i1")
	if rec.Status != storage.StatusReconcile {
		t.Errorf("Expected reconcile status, got %s", rec.Status)
	}

	if err := h.exec.Abandon("i1"); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if open, _ := h.exec.Pending(); len(open) != 0 {
		t.Errorf("Expected no open entries after abandon, got %+v", open)
	}
}

func TestExecute_TimeoutThatLandedIsReconciled(t *testing.T) {
	h := newHarness(t)
	h.ex.landOnError = true
	h.ex.placeErrs = []error{models.Transient("place order", "btc", context.DeadlineExceeded)}

	f, err := h.exec.Execute(context.Background(), buy("i1", "btc", "30"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if h.ex.placed != 1 {
		t.Errorf("Expected the retry to find the order instead of resubmitting, got %d submissions", h.ex.placed)
	}
	if f.OrderID != "ord-1" {
		t.Errorf("Expected fill for ord-1, got %s", f.OrderID)
	}
}

func TestExecute_PollsUntilTerminal(t *testing.T) {
	h := newHarness(t)
	h.ex.openPolls = 2

	f, err := h.exec.Execute(context.Background(), buy("i1", "btc", "30"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if h.ex.getCalls != 3 {
		t.Errorf("Expected 3 polls, got %d", h.ex.getCalls)
	}
	if !f.ExecutedQty.IsPositive() {
		t.Errorf("Expected a positive fill, got %+v", f)
	}
}

func TestReconcile_ResolvesOpenEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	landed := buy("landed", "btc", "10")
	lost := buy("lost", "eth", "10")
	h.ex.PlaceOrder(ctx, models.OrderRequest{ClientOrderID: "landed", Symbol: "btc", Side: models.Buy, Amount: d("10"), Unit: models.UnitQuote})
	h.journal.PutOrder(storage.OrderRecord{IntentID: "landed", ClientOrderID: "landed", Intent: landed, Status: storage.StatusPending})
	h.journal.PutOrder(storage.OrderRecord{IntentID: "lost", ClientOrderID: "lost", Intent: lost, Status: storage.StatusPending})

	results, err := h.exec.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		switch r.Record.IntentID {
		case "landed":
			if r.Err != nil || r.Fill.OrderID == "" {
				t.Errorf("Expected landed to reconcile to a fill, got %+v", r)
			}
		case "lost":
			if !errors.Is(r.Err, models.ErrReconciliationRequired) {
				t.Errorf("Expected lost to need review, got %v", r.Err)
			}
		}
	}
	if len(h.fills(t)) != 1 {
		t.Errorf("Expected one fill, got %d", len(h.fills(t)))
	}
}

func TestExecuteBatch_SellFailureScalesBuys(t *testing.T) {
	h := newHarness(t)
	h.pf.ApplyFill(models.Fill{Symbol: "btc", Side: models.Buy, ExecutedQty: d("0.01"), Price: d("50000"), Cost: d("500")})
	h.ex.placeErrs = []error{models.Fatal("place order", "btc", errors.New("market closed"))}

	intents := []models.OrderIntent{
		{ID: "s1", Symbol: "btc", Side: models.Sell, Amount: d("0.002"), Unit: models.UnitBase, Reason: models.ReasonRebalance},
		{ID: "b1", Symbol: "eth", Side: models.Buy, Amount: d("120"), Unit: models.UnitQuote, Reason: models.ReasonRebalance},
	}
	results := h.exec.ExecuteBatch(context.Background(), intents, d("20"))

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Intent.ID != "s1" || !errors.Is(results[0].Err, models.ErrFatal) {
		t.Errorf("Expected the sell to fail first, got %+v", results[0])
	}
	if !results[1].OK() || !results[1].Intent.Amount.Equal(d("20")) {
		t.Errorf("Expected the buy scaled to the 20 budget, got %+v", results[1])
	}
}

func TestExecuteBatch_SellProceedsFundBuys(t *testing.T) {
	h := newHarness(t)
	h.pf.ApplyFill(models.Fill{Symbol: "btc", Side: models.Buy, ExecutedQty: d("0.01"), Price: d("50000"), Cost: d("500")})

	intents := []models.OrderIntent{
		{ID: "b1", Symbol: "eth", Side: models.Buy, Amount: d("120"), Unit: models.UnitQuote},
		{ID: "s1", Symbol: "btc", Side: models.Sell, Amount: d("0.002"), Unit: models.UnitBase},
	}
	results := h.exec.ExecuteBatch(context.Background(), intents, d("20"))
	if results[0].Intent.ID != "s1" {
		t.Fatalf("Expected sells to run before buys, got %s first", results[0].Intent.ID)
	}
	for _, r := range results {
		if !r.OK() {
			t.Errorf("Expected %s to fill, got %v", r.Intent.ID, r.Err)
		}
	}
	if !results[1].Intent.Amount.Equal(d("120")) {
		t.Errorf("Expected full buy funded by sale, got %s", results[1].Intent.Amount)
	}
}

func TestExecuteBatch_InsufficientFunding(t *testing.T) {
	h := newHarness(t)
	intents := []models.OrderIntent{buy("b1", "btc", "30"), buy("b2", "eth", "20")}

	results := h.exec.ExecuteBatch(context.Background(), intents, d("1.5"))
	for _, r := range results {
		if !errors.Is(r.Err, models.ErrInsufficientFunding) {
			t.Errorf("Expected %s skipped for funding, got %v", r.Intent.ID, r.Err)
		}
	}
	if h.ex.placed != 0 {
		t.Errorf("Expected nothing submitted, got %d", h.ex.placed)
	}
}

func TestExecuteBatch_StopsOnShutdown(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := h.exec.ExecuteBatch(ctx, []models.OrderIntent{buy("b1", "btc", "30")}, d("30"))
	if !errors.Is(results[0].Err, models.ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", results[0].Err)
	}
	if h.ex.placed != 0 {
		t.Error("Expected no order after shutdown")
	}
}
