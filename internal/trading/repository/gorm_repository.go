package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDatabase opens a GORM connection for driver, either "sqlite" or "postgres".
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// A single connection keeps in-memory databases shared and serializes sqlite writers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

type orderSubmissionRow struct {
	OrderID               uint64          `gorm:"primaryKey;autoIncrement:false"`
	AccountID             uint32          `gorm:"not null;index:idx_order_submissions_account_sequence,priority:1"`
	AccountName           string          `gorm:"type:varchar(128)"`
	Sequence              uint64          `gorm:"not null;index:idx_order_submissions_account_sequence,priority:2"`
	SubmissionAccountID   uint32          `gorm:"not null"`
	SubmissionAccountName string          `gorm:"type:varchar(128)"`
	Symbol                string          `gorm:"type:varchar(32)"`
	Market                string          `gorm:"type:varchar(16)"`
	Currency              string          `gorm:"type:varchar(8)"`
	OrderType             string          `gorm:"type:varchar(16)"`
	Side                  string          `gorm:"type:varchar(8)"`
	Destination           string          `gorm:"type:varchar(32)"`
	Quantity              decimal.Decimal `gorm:"type:varchar(64)"`
	Price                 decimal.Decimal `gorm:"type:varchar(64)"`
	TimeInForce           string          `gorm:"type:varchar(8)"`
	Expiry                time.Time
	AdditionalFields      []model.Tag     `gorm:"type:text;serializer:json"`
	ShortingFlag          bool
	Timestamp             time.Time `gorm:"index"`
}

func (orderSubmissionRow) TableName() string { return "order_submissions" }

type executionReportRow struct {
	ID             uint64          `gorm:"primaryKey"`
	AccountID      uint32          `gorm:"not null;index:idx_execution_reports_account_sequence,priority:1"`
	AccountName    string          `gorm:"type:varchar(128)"`
	Sequence       uint64          `gorm:"not null;index:idx_execution_reports_account_sequence,priority:2"`
	OrderID        uint64          `gorm:"not null;uniqueIndex:idx_execution_reports_order,priority:1"`
	ReportSequence int             `gorm:"not null;uniqueIndex:idx_execution_reports_order,priority:2"`
	Timestamp      time.Time       `gorm:"index"`
	Status         string          `gorm:"type:varchar(20)"`
	LastQuantity   decimal.Decimal `gorm:"type:varchar(64)"`
	LastPrice      decimal.Decimal `gorm:"type:varchar(64)"`
	LiquidityFlag  string          `gorm:"type:varchar(4)"`
	LastMarket     string          `gorm:"type:varchar(16)"`
	ExecutionFee   decimal.Decimal `gorm:"type:varchar(64)"`
	ProcessingFee  decimal.Decimal `gorm:"type:varchar(64)"`
	Commission     decimal.Decimal `gorm:"type:varchar(64)"`
	Text           string          `gorm:"type:text"`
	AdditionalTags []model.Tag     `gorm:"type:text;serializer:json"`
}

func (executionReportRow) TableName() string { return "execution_reports" }

type liveOrderRow struct {
	OrderID uint64 `gorm:"primaryKey;autoIncrement:false"`
}

func (liveOrderRow) TableName() string { return "live_orders" }

func toSubmissionRow(info model.SequencedAccountOrderInfo) orderSubmissionRow {
	v := info.Value.Value
	return orderSubmissionRow{
		OrderID:               uint64(v.ID),
		AccountID:             info.Value.Index.ID,
		AccountName:           info.Value.Index.Name,
		Sequence:              uint64(info.Sequence),
		SubmissionAccountID:   v.SubmissionAccount.ID,
		SubmissionAccountName: v.SubmissionAccount.Name,
		Symbol:                v.Fields.Security.Symbol,
		Market:                v.Fields.Security.Market,
		Currency:              v.Fields.Currency,
		OrderType:             string(v.Fields.Type),
		Side:                  string(v.Fields.Side),
		Destination:           v.Fields.Destination,
		Quantity:              v.Fields.Quantity,
		Price:                 v.Fields.Price,
		TimeInForce:           string(v.Fields.TimeInForce.Type),
		Expiry:                v.Fields.TimeInForce.Expiry,
		AdditionalFields:      v.Fields.AdditionalFields,
		ShortingFlag:          v.ShortingFlag,
		Timestamp:             v.Timestamp,
	}
}

func (row orderSubmissionRow) account() model.DirectoryEntry {
	return model.MakeAccount(row.AccountID, row.AccountName)
}

func (row orderSubmissionRow) toOrderInfo() model.OrderInfo {
	return model.OrderInfo{
		Fields: model.OrderFields{
			Account:          row.account(),
			Security:         model.Security{Symbol: row.Symbol, Market: row.Market},
			Currency:         row.Currency,
			Type:             model.OrderType(row.OrderType),
			Side:             model.Side(row.Side),
			Destination:      row.Destination,
			Quantity:         row.Quantity,
			Price:            row.Price,
			TimeInForce:      model.TimeInForce{Type: model.TimeInForceType(row.TimeInForce), Expiry: row.Expiry.UTC()},
			AdditionalFields: row.AdditionalFields,
		},
		SubmissionAccount: model.MakeAccount(row.SubmissionAccountID, row.SubmissionAccountName),
		ID:                model.OrderID(row.OrderID),
		ShortingFlag:      row.ShortingFlag,
		Timestamp:         row.Timestamp.UTC(),
	}
}

func toReportRow(report model.SequencedAccountExecutionReport) executionReportRow {
	v := report.Value.Value
	return executionReportRow{
		AccountID:      report.Value.Index.ID,
		AccountName:    report.Value.Index.Name,
		Sequence:       uint64(report.Sequence),
		OrderID:        uint64(v.ID),
		ReportSequence: v.Sequence,
		Timestamp:      v.Timestamp,
		Status:         string(v.Status),
		LastQuantity:   v.LastQuantity,
		LastPrice:      v.LastPrice,
		LiquidityFlag:  string(v.LiquidityFlag),
		LastMarket:     v.LastMarket,
		ExecutionFee:   v.ExecutionFee,
		ProcessingFee:  v.ProcessingFee,
		Commission:     v.Commission,
		Text:           v.Text,
		AdditionalTags: v.AdditionalTags,
	}
}

func (row executionReportRow) toExecutionReport() model.ExecutionReport {
	return model.ExecutionReport{
		ID:             model.OrderID(row.OrderID),
		Timestamp:      row.Timestamp.UTC(),
		Sequence:       row.ReportSequence,
		Status:         model.OrderStatus(row.Status),
		LastQuantity:   row.LastQuantity,
		LastPrice:      row.LastPrice,
		LiquidityFlag:  model.LiquidityFlag(row.LiquidityFlag),
		LastMarket:     row.LastMarket,
		ExecutionFee:   row.ExecutionFee,
		ProcessingFee:  row.ProcessingFee,
		Commission:     row.Commission,
		Text:           row.Text,
		AdditionalTags: row.AdditionalTags,
	}
}

// GormRepository is a DataStore backed by a SQL database through GORM.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRepository creates a GORM data store and migrates its tables.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) (*GormRepository, error) {
	if err := db.AutoMigrate(&orderSubmissionRow{}, &executionReportRow{}, &liveOrderRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate order tables: %w", err)
	}
	return &GormRepository{db: db, logger: logger.Named("repository")}, nil
}

// applyQuery narrows tx to the rows of query, ordered by sequence and limited by the snapshot
// limit. It returns false if the query selects no stored rows.
func applyQuery(tx *gorm.DB, query model.AccountQuery, orderColumn string) (*gorm.DB, bool) {
	limit := query.SnapshotLimit
	if (!limit.IsUnlimited() && limit.Size == 0) || !query.Range.IncludesSnapshot() {
		return tx, false
	}
	tx = tx.Where("account_id = ?", query.Index.ID)
	if query.Range.Start > model.SequenceFirst {
		tx = tx.Where("sequence >= ?", uint64(query.Range.Start))
	}
	if query.Range.End < model.SequencePresent {
		tx = tx.Where("sequence <= ?", uint64(query.Range.End))
	}
	if !query.Range.StartTime.IsZero() {
		tx = tx.Where("timestamp >= ?", query.Range.StartTime)
	}
	if !query.Range.EndTime.IsZero() {
		tx = tx.Where("timestamp <= ?", query.Range.EndTime)
	}
	if len(query.Filter.OrderIDs) > 0 {
		ids := make([]uint64, 0, len(query.Filter.OrderIDs))
		for _, id := range query.Filter.OrderIDs {
			ids = append(ids, uint64(id))
		}
		tx = tx.Where(orderColumn+" IN ?", ids)
	}
	if query.Filter.LiveOnly {
		tx = tx.Where(orderColumn + " IN (SELECT order_id FROM live_orders)")
	}
	if limit.IsUnlimited() {
		return tx.Order("sequence ASC"), true
	}
	if limit.Type == model.SnapshotLimitTail {
		return tx.Order("sequence DESC").Limit(limit.Size), true
	}
	return tx.Order("sequence ASC").Limit(limit.Size), true
}

func reverse[T any](values []T) {
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
}

func isTail(limit model.SnapshotLimit) bool {
	return !limit.IsUnlimited() && limit.Type == model.SnapshotLimitTail
}

// LoadOrderSubmissions implements DataStore.
func (r *GormRepository) LoadOrderSubmissions(ctx context.Context, query model.AccountQuery) ([]model.SequencedOrderRecord, error) {
	tx, ok := applyQuery(r.db.WithContext(ctx).Model(&orderSubmissionRow{}), query, "order_id")
	if !ok {
		return nil, nil
	}
	var rows []orderSubmissionRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load order submissions: %w", err)
	}
	if isTail(query.SnapshotLimit) {
		reverse(rows)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.OrderID)
	}
	reports, err := r.loadReports(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]model.SequencedOrderRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, model.Sequenced(model.OrderRecord{
			Info:             row.toOrderInfo(),
			ExecutionReports: reports[model.OrderID(row.OrderID)],
		}, model.Sequence(row.Sequence)))
	}
	return records, nil
}

func (r *GormRepository) loadReports(ctx context.Context, ids []uint64) (map[model.OrderID][]model.ExecutionReport, error) {
	var rows []executionReportRow
	err := r.db.WithContext(ctx).Where("order_id IN ?", ids).
		Order("order_id ASC, report_sequence ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load execution reports: %w", err)
	}
	reports := make(map[model.OrderID][]model.ExecutionReport, len(ids))
	for _, row := range rows {
		id := model.OrderID(row.OrderID)
		reports[id] = append(reports[id], row.toExecutionReport())
	}
	return reports, nil
}

// LoadExecutionReports implements DataStore.
func (r *GormRepository) LoadExecutionReports(ctx context.Context, query model.AccountQuery) ([]model.SequencedExecutionReport, error) {
	tx, ok := applyQuery(r.db.WithContext(ctx).Model(&executionReportRow{}), query, "order_id")
	if !ok {
		return nil, nil
	}
	var rows []executionReportRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load execution reports: %w", err)
	}
	if isTail(query.SnapshotLimit) {
		reverse(rows)
	}
	reports := make([]model.SequencedExecutionReport, 0, len(rows))
	for _, row := range rows {
		reports = append(reports, model.Sequenced(row.toExecutionReport(), model.Sequence(row.Sequence)))
	}
	return reports, nil
}

// LoadOrder implements DataStore.
func (r *GormRepository) LoadOrder(ctx context.Context, id model.OrderID) (model.SequencedAccountOrderRecord, error) {
	var row orderSubmissionRow
	err := r.db.WithContext(ctx).Where("order_id = ?", uint64(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.SequencedAccountOrderRecord{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return model.SequencedAccountOrderRecord{}, fmt.Errorf("failed to load order %d: %w", id, err)
	}
	reports, err := r.loadReports(ctx, []uint64{row.OrderID})
	if err != nil {
		return model.SequencedAccountOrderRecord{}, err
	}
	record := model.OrderRecord{Info: row.toOrderInfo(), ExecutionReports: reports[id]}
	return model.Sequenced(model.Indexed(record, row.account()), model.Sequence(row.Sequence)), nil
}

// StoreOrderInfo implements DataStore.
func (r *GormRepository) StoreOrderInfo(ctx context.Context, info model.SequencedAccountOrderInfo) error {
	row := toSubmissionRow(info)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&liveOrderRow{OrderID: row.OrderID}).Error
	})
	if err != nil {
		r.logger.Error("Failed to store order submission", zap.Error(err), zap.Uint64("order_id", row.OrderID))
		return fmt.Errorf("failed to store order %d: %w", row.OrderID, err)
	}
	return nil
}

// StoreExecutionReport implements DataStore.
func (r *GormRepository) StoreExecutionReport(ctx context.Context, report model.SequencedAccountExecutionReport) error {
	row := toReportRow(report)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if model.IsTerminal(report.Value.Value.Status) {
			return tx.Delete(&liveOrderRow{}, "order_id = ?", row.OrderID).Error
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to store execution report", zap.Error(err), zap.Uint64("order_id", row.OrderID),
			zap.Int("report_sequence", row.ReportSequence))
		return fmt.Errorf("failed to store execution report of order %d: %w", row.OrderID, err)
	}
	return nil
}

// Close implements DataStore.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}
