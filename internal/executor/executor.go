// Package executor submits order intents to the exchange, confirms fills and
// records them. It is the only writer of the fill log and the portfolio.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hodl_index/internal/market"
	"hodl_index/internal/metrics"
	"hodl_index/internal/models"
	"hodl_index/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Journal is the durable record of orders and fills.
type Journal interface {
	AppendFill(f models.Fill) (bool, error)
	FillByIntent(intentID string) (models.Fill, bool, error)
	PutOrder(rec storage.OrderRecord) error
	GetOrder(intentID string) (storage.OrderRecord, bool, error)
	OpenOrders() ([]storage.OrderRecord, error)
}

// Portfolio receives confirmed fills.
type Portfolio interface {
	ApplyFill(f models.Fill)
}

// Options mirrors the executor section of the config.
type Options struct {
	MaxRetries     int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	CallTimeout    time.Duration
	PollInterval   time.Duration
	PollAttempts   int
	MinOrderValue  decimal.Decimal
	QuotePrecision int32
}

// Executor runs intents against one exchange.
type Executor struct {
	ex      market.Exchange
	journal Journal
	pf      Portfolio
	opts    Options
	metrics *metrics.Recorder

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(ex market.Exchange, journal Journal, pf Portfolio, opts Options, rec *metrics.Recorder) *Executor {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 1
	}
	return &Executor{
		ex:      ex,
		journal: journal,
		pf:      pf,
		opts:    opts,
		metrics: rec,
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the wait before retry number attempt (0-based).
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.BackoffMin
	for i := 0; i < attempt && d < e.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > e.opts.BackoffMax {
		d = e.opts.BackoffMax
	}
	return d
}

// Execute runs one intent to a terminal state and returns its fill.
//
// Replaying an intent never submits a second order: a filled intent returns
// the recorded fill, a submitted one is resolved by order id, and a pending
// one is looked up by client order id first.
func (e *Executor) Execute(ctx context.Context, intent models.OrderIntent) (models.Fill, error) {
	rec, ok, err := e.journal.GetOrder(intent.ID)
	if err != nil {
		return models.Fill{}, fmt.Errorf("read journal: %w", err)
	}
	if ok {
		return e.resume(ctx, rec)
	}

	rec = storage.OrderRecord{
		IntentID:      intent.ID,
		ClientOrderID: intent.ID,
		Intent:        intent,
		Status:        storage.StatusPending,
	}
	// Journal before the first submission so a crash leaves a trace.
	if err := e.journal.PutOrder(rec); err != nil {
		return models.Fill{}, fmt.Errorf("write journal: %w", err)
	}
	return e.submit(ctx, rec)
}

// resume continues an intent found in the journal.
func (e *Executor) resume(ctx context.Context, rec storage.OrderRecord) (models.Fill, error) {
	switch rec.Status {
	case storage.StatusFilled:
		if f, ok, err := e.journal.FillByIntent(rec.IntentID); err != nil || ok {
			return f, err
		}
		// Fill log lost the entry; rebuild it from the exchange.
		return e.resolve(ctx, rec, models.Order{ID: rec.OrderID})
	case storage.StatusFailed:
		return models.Fill{}, fmt.Errorf("intent %s already failed: %s", rec.IntentID, rec.Error)
	case storage.StatusSubmitted:
		return e.resolve(ctx, rec, models.Order{ID: rec.OrderID})
	default: // pending, reconcile
		o, err := e.lookup(ctx, rec.ClientOrderID)
		if err == nil {
			rec.OrderID = o.ID
			rec.Status = storage.StatusSubmitted
			if err := e.journal.PutOrder(rec); err != nil {
				return models.Fill{}, fmt.Errorf("write journal: %w", err)
			}
			return e.resolve(ctx, rec, o)
		}
		if errors.Is(err, models.ErrOrderNotFound) {
			return models.Fill{}, e.needsReview(rec, "no exchange order id was recorded and the exchange has no order for the client id")
		}
		return models.Fill{}, err
	}
}

// submit places the order, retrying transient failures with backoff.
func (e *Executor) submit(ctx context.Context, rec storage.OrderRecord) (models.Fill, error) {
	intent := rec.Intent
	req := models.OrderRequest{
		ClientOrderID: rec.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Amount:        intent.Amount,
		Unit:          intent.Unit,
	}
	logger := log.With().Str("intent", intent.ID).Str("symbol", intent.Symbol).Str("side", string(intent.Side)).Logger()

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := e.backoff(attempt - 1)
			logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying order")
			if err := e.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
			// The failed call may have reached the exchange.
			o, err := e.lookup(ctx, rec.ClientOrderID)
			if err == nil {
				logger.Info().Str("order", o.ID).Msg("order found on exchange, reconciling instead of resubmitting")
				return e.markSubmitted(ctx, rec, o)
			}
			if !errors.Is(err, models.ErrOrderNotFound) {
				lastErr = err
				if errors.Is(err, models.ErrTransient) {
					continue
				}
				break
			}
		}

		rec.Attempts++
		if err := e.journal.PutOrder(rec); err != nil {
			return models.Fill{}, fmt.Errorf("write journal: %w", err)
		}
		e.metrics.OrderAttempt()
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		start := time.Now()
		o, err := e.ex.PlaceOrder(callCtx, req)
		e.metrics.ObserveCall("place_order", time.Since(start))
		cancel()
		if err == nil {
			logger.Info().Str("order", o.ID).Int("attempts", rec.Attempts).Msg("order submitted")
			return e.markSubmitted(ctx, rec, o)
		}
		lastErr = err
		if !errors.Is(err, models.ErrTransient) {
			logger.Error().Err(err).Msg("order rejected")
			return models.Fill{}, e.fail(rec, err)
		}
	}

	// Out of retries. One last look before declaring failure.
	if o, err := e.lookup(ctx, rec.ClientOrderID); err == nil {
		return e.markSubmitted(ctx, rec, o)
	} else if !errors.Is(err, models.ErrOrderNotFound) {
		return models.Fill{}, e.needsReview(rec, fmt.Sprintf("retries exhausted and order state unknown: %v", err))
	}
	err := fmt.Errorf("retries exhausted after %d attempts: %w", rec.Attempts, lastErr)
	logger.Error().Err(err).Msg("order failed")
	return models.Fill{}, e.fail(rec, err)
}

func (e *Executor) markSubmitted(ctx context.Context, rec storage.OrderRecord, o models.Order) (models.Fill, error) {
	rec.OrderID = o.ID
	rec.Status = storage.StatusSubmitted
	if err := e.journal.PutOrder(rec); err != nil {
		return models.Fill{}, fmt.Errorf("write journal: %w", err)
	}
	return e.resolve(ctx, rec, o)
}

// resolve polls the order until it is terminal and records the fill.
func (e *Executor) resolve(ctx context.Context, rec storage.OrderRecord, o models.Order) (models.Fill, error) {
	if o.ID == "" {
		o.ID = rec.OrderID
	}
	for i := 0; !o.Terminal() && i < e.opts.PollAttempts; i++ {
		if o.Status != "" {
			if err := e.sleep(ctx, e.opts.PollInterval); err != nil {
				break
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		start := time.Now()
		next, err := e.ex.GetOrder(callCtx, o.ID)
		e.metrics.ObserveCall("get_order", time.Since(start))
		cancel()
		if err != nil {
			if errors.Is(err, models.ErrTransient) {
				continue
			}
			return models.Fill{}, e.needsReview(rec, fmt.Sprintf("order %s lookup failed: %v", o.ID, err))
		}
		o = next
	}

	if !o.Terminal() {
		// Still open on the exchange. Leave it submitted; Reconcile picks it up.
		return models.Fill{}, fmt.Errorf("%w: order %s still %s", models.ErrReconciliationRequired, o.ID, o.Status)
	}
	if !o.Filled() {
		return models.Fill{}, e.fail(rec, models.Fatal("order", rec.Intent.Symbol, fmt.Errorf("order %s ended %s without a fill", o.ID, o.Status)))
	}
	return e.record(rec, o)
}

// record appends the fill, applies it to the portfolio and closes the
// journal entry.
func (e *Executor) record(rec storage.OrderRecord, o models.Order) (models.Fill, error) {
	intent := rec.Intent
	ts := e.now()
	if o.FilledAt != nil {
		ts = o.FilledAt.UTC()
	}
	f := models.Fill{
		ID:              uuid.NewString(),
		IntentID:        intent.ID,
		PlanID:          intent.PlanID,
		OrderID:         o.ID,
		ClientOrderID:   rec.ClientOrderID,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		RequestedAmount: intent.Amount,
		RequestedUnit:   intent.Unit,
		ExecutedQty:     o.FilledQty,
		Price:           o.FilledAvgPrice,
		Cost:            o.FilledQty.Mul(o.FilledAvgPrice).Round(8),
		Fee:             o.Fee,
		FeeSymbol:       o.FeeSymbol,
		Exchange:        e.ex.Name(),
		Reason:          intent.Reason,
		Timestamp:       ts,
	}

	appended, err := e.journal.AppendFill(f)
	if err != nil {
		return models.Fill{}, fmt.Errorf("append fill: %w", err)
	}
	if appended {
		e.pf.ApplyFill(f)
	} else {
		existing, ok, err := e.journal.FillByIntent(intent.ID)
		if err != nil {
			return models.Fill{}, err
		}
		if ok {
			f = existing
		}
	}

	rec.OrderID = o.ID
	rec.Status = storage.StatusFilled
	rec.Error = ""
	if err := e.journal.PutOrder(rec); err != nil {
		log.Error().Err(err).Str("intent", intent.ID).Msg("fill recorded but journal update failed")
	}
	e.metrics.OrderDone(string(intent.Side), "filled")
	log.Info().
		Str("intent", intent.ID).
		Str("symbol", f.Symbol).
		Str("side", string(f.Side)).
		Str("qty", f.ExecutedQty.String()).
		Str("price", f.Price.String()).
		Msg("order filled")
	return f, nil
}

func (e *Executor) lookup(ctx context.Context, clientOrderID string) (models.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	start := time.Now()
	o, err := e.ex.GetOrderByClientID(callCtx, clientOrderID)
	e.metrics.ObserveCall("get_order_by_client_id", time.Since(start))
	return o, err
}

func (e *Executor) fail(rec storage.OrderRecord, cause error) error {
	rec.Status = storage.StatusFailed
	rec.Error = cause.Error()
	if err := e.journal.PutOrder(rec); err != nil {
		log.Error().Err(err).Str("intent", rec.IntentID).Msg("journal update failed")
	}
	e.metrics.OrderDone(string(rec.Intent.Side), "failed")
	return cause
}

func (e *Executor) needsReview(rec storage.OrderRecord, reason string) error {
	rec.Status = storage.StatusReconcile
	rec.Error = reason
	if err := e.journal.PutOrder(rec); err != nil {
		log.Error().Err(err).Str("intent", rec.IntentID).Msg("journal update failed")
	}
	e.metrics.OrderDone(string(rec.Intent.Side), "reconcile")
	log.Error().Str("intent", rec.IntentID).Str("reason", reason).Msg("order needs manual review")
	return fmt.Errorf("%w: intent %s: %s", models.ErrReconciliationRequired, rec.IntentID, reason)
}
