package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDatabase allows overriding the gorm connection for testing.
var OpenDatabase = func(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// AnalysisResult is one row of the analysis_results table.
type AnalysisResult struct {
	ID             uint      `gorm:"primaryKey"`
	IdempotencyKey string    `gorm:"size:64;not null;uniqueIndex"`
	SourceRecordID string    `gorm:"size:255;index"`
	Symbol         string    `gorm:"size:64;not null;index:idx_analysis_symbol_computed"`
	Strategy       string    `gorm:"size:64;not null"`
	Status         string    `gorm:"size:16;not null"`
	ComputedAt     time.Time `gorm:"not null;index:idx_analysis_symbol_computed"`
	Payload        string    `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time
}

func (AnalysisResult) TableName() string { return "analysis_results" }

func newAnalysisResult(env Envelope) AnalysisResult {
	return AnalysisResult{
		IdempotencyKey: env.IdempotencyKey,
		SourceRecordID: env.Result.SourceRecordID,
		Symbol:         env.Result.Symbol,
		Strategy:       env.Result.Strategy,
		Status:         string(env.Result.Status),
		ComputedAt:     env.Result.ComputedAt.UTC(),
		Payload:        string(env.Payload),
	}
}

// DatabaseSink inserts results, ignoring rows whose idempotency key exists.
type DatabaseSink struct {
	db *gorm.DB
}

// NewDatabaseSink opens dsn and migrates the analysis_results table.
func NewDatabaseSink(ctx context.Context, dsn string) (*DatabaseSink, error) {
	if dsn == "" {
		return nil, errors.New("database sink: connection string is required")
	}
	db, err := OpenDatabase(dsn)
	if err != nil {
		return nil, fmt.Errorf("database sink: open: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&AnalysisResult{}); err != nil {
		_ = closeGorm(db)
		return nil, fmt.Errorf("database sink: migrate: %w", err)
	}
	return &DatabaseSink{db: db}, nil
}

func (s *DatabaseSink) Name() string { return ModeDatabase }

func (s *DatabaseSink) Send(ctx context.Context, env Envelope) error {
	row := newAnalysisResult(env)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&row).Error
}

func (s *DatabaseSink) Close() error {
	return closeGorm(s.db)
}

func closeGorm(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
