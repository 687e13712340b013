// Package store persists delta records: durable statements of intended delta
// exposure tied to an account and either an open order or a position.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecordType distinguishes order-backed intents from position-backed ones.
type RecordType string

const (
	// RecordTypePosition tracks the target delta of an open position.
	RecordTypePosition RecordType = "position"
	// RecordTypeOrder tracks the target delta of a resting order.
	RecordTypeOrder RecordType = "order"
)

// DeltaRecord is the unit of tracked intent. OrderID is nil exactly when
// RecordType is position; Validate enforces that invariant on every write.
type DeltaRecord struct {
	ID             uint       `gorm:"primarykey" json:"id"`
	AccountID      string     `gorm:"index:idx_delta_key" json:"account_id"`
	InstrumentName string     `gorm:"index:idx_delta_key" json:"instrument_name"`
	OrderID        *string    `gorm:"index:idx_delta_key" json:"order_id"`
	TargetDelta    float64    `json:"target_delta"`
	MoveDelta      float64    `json:"move_position_delta"`
	MinExpireDays  *int       `json:"min_expire_days"`
	TVID           *string    `json:"tv_id"`
	Action         string     `json:"action"`
	RecordType     RecordType `json:"record_type"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks the record's internal consistency.
func (r *DeltaRecord) Validate() error {
	switch r.RecordType {
	case RecordTypeOrder:
		if r.OrderID == nil || *r.OrderID == "" {
			return fmt.Errorf("store: order record for %s/%s missing order id", r.AccountID, r.InstrumentName)
		}
	case RecordTypePosition:
		if r.OrderID != nil {
			return fmt.Errorf("store: position record for %s/%s carries order id %s", r.AccountID, r.InstrumentName, *r.OrderID)
		}
	default:
		return fmt.Errorf("store: unknown record type %q", r.RecordType)
	}
	if r.TargetDelta < -1 || r.TargetDelta > 1 {
		return fmt.Errorf("store: target delta %.4f outside [-1,1]", r.TargetDelta)
	}
	if r.MoveDelta < -1 || r.MoveDelta > 1 {
		return fmt.Errorf("store: move delta %.4f outside [-1,1]", r.MoveDelta)
	}
	if r.MinExpireDays != nil && *r.MinExpireDays <= 0 {
		return fmt.Errorf("store: min expire days must be positive, got %d", *r.MinExpireDays)
	}
	return nil
}

// DeltaSummary aggregates target deltas for observability.
type DeltaSummary struct {
	AccountID      string  `json:"account_id"`
	InstrumentName string  `json:"instrument_name,omitempty"`
	RecordCount    int64   `json:"record_count"`
	TotalDelta     float64 `json:"total_target_delta"`
}

// ErrRecordNotFound is returned when a lookup matches no record.
var ErrRecordNotFound = errors.New("delta record not found")

// ErrConflict is returned when keyed write contention persists past the
// bounded retries.
var ErrConflict = errors.New("delta record write conflict")

// Store is the persistence contract for delta records.
//
// Implementations must be safe for concurrent use and must apply
// read-then-write sequences on one (account, instrument, order) key as atomic
// transactions, so a reconciliation cycle and a fresh signal racing on the
// same instrument cannot lose updates.
type Store interface {
	CreateRecord(ctx context.Context, rec *DeltaRecord) error
	UpdateRecord(ctx context.Context, rec *DeltaRecord) error
	DeleteRecord(ctx context.Context, id uint) error

	GetRecord(ctx context.Context, id uint) (*DeltaRecord, error)
	FindOrderRecord(ctx context.Context, account, orderID string) (*DeltaRecord, error)
	FindPositionRecord(ctx context.Context, account, instrument string) (*DeltaRecord, error)
	ListRecords(ctx context.Context, account string, recordType RecordType) ([]DeltaRecord, error)

	// UpsertOrderRecord creates or refreshes the order record keyed by
	// (account, instrument, order id) in one transaction.
	UpsertOrderRecord(ctx context.Context, rec *DeltaRecord) error
	// ReplaceOrderID atomically points an order record at a new exchange
	// order, after a cancel+recreate.
	ReplaceOrderID(ctx context.Context, id uint, newOrderID string) error
	// PromoteOrderRecord converts an order record into a position record
	// (fill detected). If a position record already exists for the same
	// account and instrument the two are merged; exactly one position
	// record remains either way.
	PromoteOrderRecord(ctx context.Context, id uint) (*DeltaRecord, error)

	// Summaries, used only for observability.
	AccountSummaries(ctx context.Context) ([]DeltaSummary, error)
	InstrumentSummaries(ctx context.Context, account string) ([]DeltaSummary, error)
}
