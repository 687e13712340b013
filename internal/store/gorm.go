package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore is the sqlite-backed Store. Keyed writes run inside transactions
// with a fresh read, and busy/locked failures are retried a bounded number of
// times before surfacing as ErrConflict.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

const conflictRetries = 3

// Open opens (or creates) the sqlite database at path and migrates the
// delta record schema.
func Open(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DeltaRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing gorm connection (tests).
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&DeltaRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isBusy reports whether err is sqlite write contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// withRetry runs fn in a transaction, retrying busy failures with a fresh
// transaction (and therefore a fresh read) each attempt.
func (s *GormStore) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isBusy(err) {
			return err
		}
	}
	return errors.Join(ErrConflict, err)
}

// CreateRecord inserts a validated record.
func (s *GormStore) CreateRecord(ctx context.Context, rec *DeltaRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// UpdateRecord saves a validated record.
func (s *GormStore) UpdateRecord(ctx context.Context, rec *DeltaRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Save(rec).Error
	})
}

// DeleteRecord removes a record by id. Deleting a missing record is not an
// error; reconciliation may race a concurrent cleanup.
func (s *GormStore) DeleteRecord(ctx context.Context, id uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&DeltaRecord{}, id).Error
	})
}

// GetRecord fetches a record by id.
func (s *GormStore) GetRecord(ctx context.Context, id uint) (*DeltaRecord, error) {
	var rec DeltaRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// FindOrderRecord fetches the order record for (account, order id).
func (s *GormStore) FindOrderRecord(ctx context.Context, account, orderID string) (*DeltaRecord, error) {
	var rec DeltaRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND order_id = ? AND record_type = ?", account, orderID, RecordTypeOrder).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// FindPositionRecord fetches the position record for (account, instrument).
func (s *GormStore) FindPositionRecord(ctx context.Context, account, instrument string) (*DeltaRecord, error) {
	var rec DeltaRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND instrument_name = ? AND record_type = ?", account, instrument, RecordTypePosition).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns an account's records of one type, oldest first.
func (s *GormStore) ListRecords(ctx context.Context, account string, recordType RecordType) ([]DeltaRecord, error) {
	var recs []DeltaRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND record_type = ?", account, recordType).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// UpsertOrderRecord creates or refreshes the order record keyed by
// (account, instrument, order id) as one read-then-write transaction.
func (s *GormStore) UpsertOrderRecord(ctx context.Context, rec *DeltaRecord) error {
	if rec.RecordType == "" {
		rec.RecordType = RecordTypeOrder
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		var existing DeltaRecord
		err := tx.Where("account_id = ? AND instrument_name = ? AND order_id = ?",
			rec.AccountID, rec.InstrumentName, *rec.OrderID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(rec).Error
		case err != nil:
			return err
		default:
			existing.TargetDelta = rec.TargetDelta
			existing.MoveDelta = rec.MoveDelta
			existing.MinExpireDays = rec.MinExpireDays
			existing.TVID = rec.TVID
			existing.Action = rec.Action
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			*rec = existing
			return nil
		}
	})
}

// ReplaceOrderID points an order record at a new exchange order id.
func (s *GormStore) ReplaceOrderID(ctx context.Context, id uint, newOrderID string) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		var rec DeltaRecord
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if rec.RecordType != RecordTypeOrder {
			return errors.New("store: cannot replace order id on a position record")
		}
		rec.OrderID = &newOrderID
		return tx.Save(&rec).Error
	})
}

// PromoteOrderRecord converts an order record into a position record after a
// fill. With an existing position record for the same account and instrument
// the order record is merged into it and deleted; otherwise the order record
// itself becomes the position record. Exactly one position record remains.
func (s *GormStore) PromoteOrderRecord(ctx context.Context, id uint) (*DeltaRecord, error) {
	var result *DeltaRecord
	err := s.withRetry(ctx, func(tx *gorm.DB) error {
		var rec DeltaRecord
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if rec.RecordType != RecordTypeOrder {
			return errors.New("store: cannot promote a position record")
		}

		var existing DeltaRecord
		err := tx.Where("account_id = ? AND instrument_name = ? AND record_type = ?",
			rec.AccountID, rec.InstrumentName, RecordTypePosition).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec.OrderID = nil
			rec.RecordType = RecordTypePosition
			if err := tx.Save(&rec).Error; err != nil {
				return err
			}
			result = &rec
			return nil
		case err != nil:
			return err
		default:
			existing.TargetDelta = rec.TargetDelta
			existing.MoveDelta = rec.MoveDelta
			existing.MinExpireDays = rec.MinExpireDays
			existing.TVID = rec.TVID
			existing.Action = rec.Action
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			if err := tx.Delete(&DeltaRecord{}, rec.ID).Error; err != nil {
				return err
			}
			result = &existing
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AccountSummaries returns per-account record counts and delta totals.
func (s *GormStore) AccountSummaries(ctx context.Context) ([]DeltaSummary, error) {
	var out []DeltaSummary
	err := s.db.WithContext(ctx).Model(&DeltaRecord{}).
		Select("account_id, count(*) as record_count, sum(target_delta) as total_delta").
		Group("account_id").
		Order("account_id").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InstrumentSummaries returns per-instrument delta totals for one account.
func (s *GormStore) InstrumentSummaries(ctx context.Context, account string) ([]DeltaSummary, error) {
	var out []DeltaSummary
	err := s.db.WithContext(ctx).Model(&DeltaRecord{}).
		Select("account_id, instrument_name, count(*) as record_count, sum(target_delta) as total_delta").
		Where("account_id = ?", account).
		Group("account_id, instrument_name").
		Order("instrument_name").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
