package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Rajchodisetti/mlstock/internal/gateway"
	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// OrderArchive is one terminal order disposition.
type OrderArchive struct {
	IdempotencyKey string `gorm:"primaryKey;size:64"`
	Account        string `gorm:"index:idx_account_updated;size:64;not null"`
	Symbol         string `gorm:"size:32;not null"`
	Side           string `gorm:"size:4;not null"`
	Quantity       int64
	PriceHint      float64
	CycleID        string `gorm:"size:128"`
	Status         string `gorm:"size:16;index"`
	Reason         string
	Mode           string `gorm:"size:16"`
	BrokerOrderID  string `gorm:"size:64"`
	Attempts       int
	FilledQty      int64
	FillPrice      float64
	Record         string `gorm:"type:text"` // full OrderRecord as JSON
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"index:idx_account_updated"`
}

func (OrderArchive) TableName() string { return "order_archive" }

// Store persists terminal OrderRecords for audit and the dashboard.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ gateway.Archiver = (*Store)(nil)

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return New(db, logger)
}

func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&OrderArchive{}); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Store{db: db, logger: observ.OrNop(logger).Named("archive")}, nil
}

// Archive upserts rec. A later disposition for the same key, such as a late
// fill on a FAILED order, replaces the earlier row.
func (s *Store) Archive(ctx context.Context, rec gateway.OrderRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	row := OrderArchive{
		IdempotencyKey: rec.IdempotencyKey,
		Account:        rec.Account,
		Symbol:         rec.Order.Symbol,
		Side:           string(rec.Order.Side),
		Quantity:       rec.Order.Quantity,
		PriceHint:      rec.Order.PriceHint,
		CycleID:        rec.Order.CycleID,
		Status:         string(rec.Status),
		Reason:         rec.Reason,
		Mode:           rec.Mode,
		BrokerOrderID:  rec.BrokerOrderID,
		Attempts:       rec.Attempts,
		FilledQty:      rec.FilledQty,
		FillPrice:      rec.FillPrice,
		Record:         string(raw),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		UpdateAll: true,
	}).Create(&row)
	if result.Error != nil {
		observ.IncCounter("archive_errors_total", nil)
		return fmt.Errorf("archive %s: %w", rec.IdempotencyKey, result.Error)
	}
	observ.IncCounter("archive_writes_total", map[string]string{"status": row.Status})
	return nil
}

// Recent returns up to limit archived records for account, newest first.
// An empty account matches all accounts.
func (s *Store) Recent(ctx context.Context, account string, limit int) ([]gateway.OrderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("updated_at DESC").Limit(limit)
	if account != "" {
		q = q.Where("account = ?", account)
	}
	var rows []OrderArchive
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent archive: %w", err)
	}
	out := make([]gateway.OrderRecord, 0, len(rows))
	for _, row := range rows {
		var rec gateway.OrderRecord
		if err := json.Unmarshal([]byte(row.Record), &rec); err != nil {
			s.logger.Warn("skipping unreadable archive row", zap.String("idempotency_key", row.IdempotencyKey), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountByStatus summarizes archived dispositions for account.
func (s *Store) CountByStatus(ctx context.Context, account string) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	q := s.db.WithContext(ctx).Model(&OrderArchive{}).Select("status, count(*) as n").Group("status")
	if account != "" {
		q = q.Where("account = ?", account)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count archive: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
