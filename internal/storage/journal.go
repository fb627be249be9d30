package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hodl_index/internal/models"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// OrderStatus is the journal state of one intent.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"   // written before the first submission
	StatusSubmitted OrderStatus = "submitted" // exchange order id known
	StatusFilled    OrderStatus = "filled"
	StatusFailed    OrderStatus = "failed"
	StatusReconcile OrderStatus = "reconcile" // needs a human
)

// Open reports whether the record still needs work.
func (s OrderStatus) Open() bool {
	return s == StatusPending || s == StatusSubmitted || s == StatusReconcile
}

// OrderRecord tracks an intent through submission.
type OrderRecord struct {
	IntentID      string             `json:"intent_id"`
	ClientOrderID string             `json:"client_order_id"`
	OrderID       string             `json:"order_id,omitempty"`
	Intent        models.OrderIntent `json:"intent"`
	Status        OrderStatus        `json:"status"`
	Attempts      int                `json:"attempts"`
	Error         string             `json:"error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Journal is the append-only fill log and the order journal, kept in pebble.
//
// keys: f:<20-digit unix nanos>:<intent id> fill, fi:<intent id> fill key,
// o:<intent id> order record
type Journal struct {
	db *pebble.DB
}

// OpenJournal opens (or creates) the journal in dir. A nil fs uses the
// operating system's filesystem.
func OpenJournal(dir string, fs vfs.FS) (*Journal, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", dir, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func fillKey(f models.Fill) []byte {
	return []byte(fmt.Sprintf("f:%020d:%s", f.Timestamp.UnixNano(), f.IntentID))
}
func fillIndexKey(intentID string) []byte { return []byte("fi:" + intentID) }
func orderKey(intentID string) []byte     { return []byte("o:" + intentID) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// AppendFill stores f unless a fill for the same intent exists. It reports
// whether f was written.
func (j *Journal) AppendFill(f models.Fill) (bool, error) {
	if f.IntentID == "" {
		return false, errors.New("fill without intent id")
	}
	if _, ok, err := j.FillByIntent(f.IntentID); err != nil || ok {
		return false, err
	}

	data, err := json.Marshal(f)
	if err != nil {
		return false, fmt.Errorf("failed to marshal fill: %w", err)
	}
	key := fillKey(f)
	b := j.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return false, err
	}
	if err := b.Set(fillIndexKey(f.IntentID), key, nil); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to save fill: %w", err)
	}
	return true, nil
}

// FillByIntent returns the recorded fill for an intent.
func (j *Journal) FillByIntent(intentID string) (models.Fill, bool, error) {
	var f models.Fill
	key, ok, err := j.get(fillIndexKey(intentID))
	if err != nil || !ok {
		return f, false, err
	}
	data, ok, err := j.get(key)
	if err != nil || !ok {
		return f, false, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, false, fmt.Errorf("failed to unmarshal fill: %w", err)
	}
	return f, true, nil
}

// Fills returns fills at or after since, oldest first. limit <= 0 means all;
// otherwise the newest limit fills are returned.
func (j *Journal) Fills(since time.Time, limit int) ([]models.Fill, error) {
	lower := []byte("f:")
	if !since.IsZero() {
		lower = []byte(fmt.Sprintf("f:%020d", since.UnixNano()))
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound([]byte("f:")),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Fill
	for iter.First(); iter.Valid(); iter.Next() {
		var f models.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fill %s: %w", iter.Key(), err)
		}
		out = append(out, f)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PutOrder writes rec, stamping UpdatedAt. CreatedAt is kept from the
// stored record when rec does not carry one.
func (j *Journal) PutOrder(rec OrderRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		prev, ok, err := j.GetOrder(rec.IntentID)
		if err != nil {
			return err
		}
		if ok && !prev.CreatedAt.IsZero() {
			rec.CreatedAt = prev.CreatedAt
		} else {
			rec.CreatedAt = rec.UpdatedAt
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order record: %w", err)
	}
	if err := j.db.Set(orderKey(rec.IntentID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order record: %w", err)
	}
	return nil
}

// GetOrder returns the record for an intent.
func (j *Journal) GetOrder(intentID string) (OrderRecord, bool, error) {
	var rec OrderRecord
	data, ok, err := j.get(orderKey(intentID))
	if err != nil || !ok {
		return rec, false, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("failed to unmarshal order record: %w", err)
	}
	return rec, true, nil
}

// OpenOrders returns records that are not filled or failed.
func (j *Journal) OpenOrders() ([]OrderRecord, error) {
	prefix := []byte("o:")
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []OrderRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec OrderRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order record %s: %w", iter.Key(), err)
		}
		if rec.Status.Open() {
			out = append(out, rec)
		}
	}
	return out, iter.Error()
}

// get copies the value out so it stays valid after the closer runs.
func (j *Journal) get(key []byte) ([]byte, bool, error) {
	val, closer, err := j.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}
