package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ledgerRow is the single-row gorm model backing GormLedger, the same
// AutoMigrate-and-RowsAffected CAS idiom archive/local uses for its two
// tables.
type ledgerRow struct {
	ID                uint `gorm:"primaryKey"`
	Serial            int64
	CurrentMonth      string
	MaxBandwidthMonth int64
	BandwidthJSON     string
}

func (ledgerRow) TableName() string { return "bandwidth_ledger" }

// ledgerRowID is the fixed primary key of the single ledger row.
const ledgerRowID = 1

// GormLedger is the Ledger implementation for the local archiver
// profile: one sqlite row, CAS via an UPDATE ... WHERE serial = ? whose
// RowsAffected reports the race outcome, exactly the pattern
// archive/local.UploadArchive and the teacher's repositories/job.go use
// for update-based compare-and-swap.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger wraps an already-open gorm.DB (typically the same
// handle archive/local.Backend uses) as a bandwidth Ledger, creating
// its table if necessary.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&ledgerRow{}); err != nil {
		return nil, fmt.Errorf("retrieve/local: migrating bandwidth ledger table: %w", err)
	}
	return &GormLedger{db: db}, nil
}

// Read implements Ledger.
func (l *GormLedger) Read(ctx context.Context) (LedgerState, error) {
	var row ledgerRow
	err := l.db.WithContext(ctx).First(&row, ledgerRowID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return LedgerState{Bandwidth: make(map[int64]int64), CurrentMonth: monthKey(time.Now())}, nil
		}
		return LedgerState{}, fmt.Errorf("retrieve/local: reading bandwidth ledger: %w", err)
	}
	return rowToState(row)
}

// CompareAndSwap implements Ledger.
func (l *GormLedger) CompareAndSwap(ctx context.Context, next LedgerState) (bool, error) {
	bwJSON, err := json.Marshal(next.Bandwidth)
	if err != nil {
		return false, fmt.Errorf("retrieve/local: encoding bandwidth map: %w", err)
	}
	priorSerial := next.Serial - 1

	row := ledgerRow{
		ID:                ledgerRowID,
		Serial:            next.Serial,
		CurrentMonth:      next.CurrentMonth,
		MaxBandwidthMonth: next.MaxBandwidthMonth,
		BandwidthJSON:     string(bwJSON),
	}

	if priorSerial == 0 {
		// First writer: insert, losing the race to a concurrent first
		// writer surfaces as a primary-key conflict.
		err := l.db.WithContext(ctx).Create(&row).Error
		if err != nil {
			return false, nil
		}
		return true, nil
	}

	result := l.db.WithContext(ctx).
		Model(&ledgerRow{}).
		Where("id = ? AND serial = ?", ledgerRowID, priorSerial).
		Updates(map[string]any{
			"serial":              next.Serial,
			"current_month":       next.CurrentMonth,
			"max_bandwidth_month": next.MaxBandwidthMonth,
			"bandwidth_json":      string(bwJSON),
		})
	if result.Error != nil {
		return false, fmt.Errorf("retrieve/local: writing bandwidth ledger: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func rowToState(row ledgerRow) (LedgerState, error) {
	s := LedgerState{
		Serial:            row.Serial,
		CurrentMonth:      row.CurrentMonth,
		MaxBandwidthMonth: row.MaxBandwidthMonth,
		Bandwidth:         make(map[int64]int64),
	}
	if row.BandwidthJSON != "" {
		if err := json.Unmarshal([]byte(row.BandwidthJSON), &s.Bandwidth); err != nil {
			return LedgerState{}, fmt.Errorf("retrieve/local: decoding bandwidth map: %w", err)
		}
	}
	return s, nil
}
