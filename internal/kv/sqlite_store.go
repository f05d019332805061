package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sosalert/internal/config"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvRecord is one row in the on-device key-value table.
type kvRecord struct {
	Key       string `gorm:"column:kv_key;primaryKey"`
	Value     []byte `gorm:"column:kv_value"`
	UpdatedAt time.Time
}

// TableName pins table name.
func (kvRecord) TableName() string {
	return "sos_kv"
}

// SQLiteStore persists values in a local SQLite file through gorm.
// Params: gorm handle.
// Returns: file-backed store implementation.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens database file and migrates schema.
// Params: SQLite store settings from config.
// Returns: initialized store or open/migrate error.
func NewSQLiteStore(settings config.SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(settings.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", settings.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get reads value for key.
// Params: key.
// Returns: value or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var record kvRecord
	err := s.db.WithContext(ctx).Where("kv_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return record.Value, nil
}

// Set upserts value in one statement.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	record := kvRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Remove deletes row for key.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("kv_key = ?", key).Delete(&kvRecord{}).Error; err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys lists keys by prefix in ascending order.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&kvRecord{}).
		Where("substr(kv_key, 1, ?) = ?", len(prefix), prefix).
		Order("kv_key").
		Pluck("kv_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Close closes database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
