package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrRowNotFound = errors.New("store: row not found")
	ErrRowExists   = errors.New("store: row already exists")
	ErrRowConflict = errors.New("store: row version conflict")
)

// 乐观锁冲突时最多重试次数
const maxRowRetries = 5

// DatabaseRow 内联数据库的一行，Properties 是 fieldID → JSON 值
type DatabaseRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	DatabaseID string `gorm:"primaryKey;size:191"`
	Properties string `gorm:"type:text;not null"`
	Version    int64  `gorm:"not null;default:1"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (DatabaseRow) TableName() string { return "database_rows" }

func (r DatabaseRow) Fields() (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if r.Properties == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(r.Properties), &fields); err != nil {
		return nil, fmt.Errorf("decode row %s properties: %w", r.ID, err)
	}
	return fields, nil
}

// OpenGorm 行存储目前支持 mysql 和 sqlite
func OpenGorm(dialect Dialect, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}
	switch dialect {
	case DialectMySQL:
		return gorm.Open(mysql.Open(dsn), cfg)
	case DialectSQLite:
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("row store does not support driver %q", dialect)
	}
}

type RowStore struct {
	db *gorm.DB
}

func NewRowStore(db *gorm.DB) *RowStore {
	return &RowStore{db: db}
}

func (s *RowStore) AutoMigrate() error {
	return s.db.AutoMigrate(&DatabaseRow{})
}

func (s *RowStore) CreateRow(ctx context.Context, databaseID, rowID string, fields map[string]json.RawMessage) error {
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	props, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode row %s: %w", rowID, err)
	}
	row := DatabaseRow{ID: rowID, DatabaseID: databaseID, Properties: string(props), Version: 1}
	err = s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrRowExists
	}
	if err != nil {
		return fmt.Errorf("create row %s: %w", rowID, err)
	}
	return nil
}

func (s *RowStore) GetRow(ctx context.Context, databaseID, rowID string) (*DatabaseRow, error) {
	var row DatabaseRow
	err := s.db.WithContext(ctx).
		Where("database_id = ? AND id = ?", databaseID, rowID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get row %s: %w", rowID, err)
	}
	return &row, nil
}

func (s *RowStore) ListRows(ctx context.Context, databaseID string) ([]DatabaseRow, error) {
	var rows []DatabaseRow
	err := s.db.WithContext(ctx).
		Where("database_id = ?", databaseID).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list rows of %s: %w", databaseID, err)
	}
	return rows, nil
}

// UpdateRowField 用 version 做乐观锁，只改一个字段，冲突时重读重试
func (s *RowStore) UpdateRowField(ctx context.Context, databaseID, rowID, fieldID string, value json.RawMessage) error {
	for attempt := 0; attempt < maxRowRetries; attempt++ {
		row, err := s.GetRow(ctx, databaseID, rowID)
		if err != nil {
			return err
		}
		fields, err := row.Fields()
		if err != nil {
			return err
		}
		fields[fieldID] = value
		props, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode row %s: %w", rowID, err)
		}

		res := s.db.WithContext(ctx).Model(&DatabaseRow{}).
			Where("database_id = ? AND id = ? AND version = ?", databaseID, rowID, row.Version).
			Updates(map[string]any{
				"properties": string(props),
				"version":    row.Version + 1,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("update row %s field %s: %w", rowID, fieldID, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("update row %s field %s: %w", rowID, fieldID, ErrRowConflict)
}

func (s *RowStore) DeleteRow(ctx context.Context, databaseID, rowID string) error {
	res := s.db.WithContext(ctx).
		Where("database_id = ? AND id = ?", databaseID, rowID).
		Delete(&DatabaseRow{})
	if res.Error != nil {
		return fmt.Errorf("delete row %s: %w", rowID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRowNotFound
	}
	return nil
}
