package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ViolationStore persists the compliance audit trail.
type ViolationStore interface {
	Store(ctx context.Context, violation Violation) error
	Load(ctx context.Context, account model.DirectoryEntry, limit int) ([]Violation, error)
}

type violationRow struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	AccountID   uint32    `gorm:"not null;index:idx_compliance_violations_account,priority:1"`
	AccountName string    `gorm:"type:varchar(128)"`
	OrderID     uint64    `gorm:"not null;index"`
	RuleID      uint64    `gorm:"not null"`
	SchemaName  string    `gorm:"type:varchar(64)"`
	Reason      string    `gorm:"type:text"`
	Timestamp   time.Time `gorm:"index:idx_compliance_violations_account,priority:2"`
}

func (violationRow) TableName() string { return "compliance_violations" }

// GormViolationStore is a ViolationStore backed by GORM.
type GormViolationStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormViolationStore creates a GormViolationStore and migrates its table.
func NewGormViolationStore(db *gorm.DB, logger *zap.Logger) (*GormViolationStore, error) {
	if err := db.AutoMigrate(&violationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate compliance violations: %w", err)
	}
	return &GormViolationStore{db: db, logger: logger}, nil
}

// Store records a violation.
func (s *GormViolationStore) Store(ctx context.Context, violation Violation) error {
	row := violationRow{
		ID:          violation.ID,
		AccountID:   violation.Account.ID,
		AccountName: violation.Account.Name,
		OrderID:     uint64(violation.OrderID),
		RuleID:      uint64(violation.RuleID),
		SchemaName:  violation.SchemaName,
		Reason:      violation.Reason,
		Timestamp:   violation.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Error("Failed to store compliance violation",
			zap.Uint64("order_id", row.OrderID),
			zap.Error(err))
		return fmt.Errorf("failed to store compliance violation: %w", err)
	}
	return nil
}

// Load returns the most recent violations of account, newest first. A non-positive limit
// returns every violation.
func (s *GormViolationStore) Load(ctx context.Context, account model.DirectoryEntry, limit int) ([]Violation, error) {
	var rows []violationRow
	query := s.db.WithContext(ctx).Where("account_id = ?", account.ID).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load compliance violations: %w", err)
	}
	violations := make([]Violation, 0, len(rows))
	for _, row := range rows {
		violations = append(violations, Violation{
			ID:         row.ID,
			Account:    model.MakeAccount(row.AccountID, row.AccountName),
			OrderID:    model.OrderID(row.OrderID),
			RuleID:     RuleID(row.RuleID),
			SchemaName: row.SchemaName,
			Reason:     row.Reason,
			Timestamp:  row.Timestamp,
		})
	}
	return violations, nil
}
