package executor

import (
	"context"
	"errors"
	"fmt"

	"hodl_index/internal/models"
	"hodl_index/internal/storage"

	"github.com/rs/zerolog/log"
)

// ReconcileResult reports what happened to one open journal entry.
type ReconcileResult struct {
	Record storage.OrderRecord
	Fill   models.Fill
	Err    error
}

// Pending returns journal entries that are not filled or failed.
func (e *Executor) Pending() ([]storage.OrderRecord, error) {
	return e.journal.OpenOrders()
}

// Reconcile resolves every open journal entry against the exchange. It runs
// at startup and on request.
func (e *Executor) Reconcile(ctx context.Context) ([]ReconcileResult, error) {
	open, err := e.journal.OpenOrders()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	results := make([]ReconcileResult, 0, len(open))
	for _, rec := range open {
		f, err := e.resume(ctx, rec)
		results = append(results, ReconcileResult{Record: rec, Fill: f, Err: err})
		if err != nil {
			log.Warn().Err(err).Str("intent", rec.IntentID).Msg("reconciliation incomplete")
		} else {
			log.Info().Str("intent", rec.IntentID).Str("order", f.OrderID).Msg("reconciled")
		}
	}
	return results, nil
}

// Abandon closes an open entry after a human confirmed that nothing was
// executed for it.
func (e *Executor) Abandon(intentID string) error {
	rec, ok, err := e.journal.GetOrder(intentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown intent %s", intentID)
	}
	if !rec.Status.Open() {
		return fmt.Errorf("intent %s is already %s", intentID, rec.Status)
	}
	rec.Status = storage.StatusFailed
	rec.Error = "abandoned after manual review"
	if err := e.journal.PutOrder(rec); err != nil {
		return err
	}
	log.Warn().Str("intent", intentID).Msg("intent abandoned")
	return nil
}

// IsReviewable reports whether err asks for a human.
func IsReviewable(err error) bool {
	return errors.Is(err, models.ErrReconciliationRequired) || errors.Is(err, models.ErrFatal)
}
