// Package store persists plugin records in sqlite through gorm.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dshills/plugbox/internal/plugin"
	"github.com/dshills/plugbox/internal/plugin/security"
)

// Row is the persisted form of a plugin record. The manifest is not stored;
// it is read and validated again from InstallPath on restore.
type Row struct {
	ID          string `gorm:"primaryKey;size:128"`
	State       string `gorm:"size:16;index"`
	InstallPath string `gorm:"type:text"`
	Permissions string `gorm:"type:text"`
	LastError   string `gorm:"type:text"`
	InstalledAt time.Time
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

// TableName pins the table name.
func (Row) TableName() string { return "plugin_records" }

// Store implements plugin.RecordStore.
type Store struct {
	db *gorm.DB
}

var _ plugin.RecordStore = (*Store)(nil)

// Open opens a sqlite database at dsn and migrates it. Use ":memory:" for an
// ephemeral store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open plugin store: %w", err)
	}
	if dsn == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing database handle.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("migrate plugin store: %w", err)
	}
	return &Store{db: db}, nil
}

// Save inserts or replaces rec.
func (s *Store) Save(ctx context.Context, rec *plugin.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save plugin %q: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Row{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete plugin %q: %w", id, err)
	}
	return nil
}

// Load returns every record in install order.
func (s *Store) Load(ctx context.Context) ([]*plugin.Record, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).Order("installed_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}

	records := make([]*plugin.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *plugin.Record) (Row, error) {
	perms, err := json.Marshal(rec.Permissions)
	if err != nil {
		return Row{}, fmt.Errorf("encode permissions of %q: %w", rec.ID, err)
	}
	return Row{
		ID:          rec.ID,
		State:       rec.State.String(),
		InstallPath: rec.InstallPath,
		Permissions: string(perms),
		LastError:   rec.LastError,
		InstalledAt: rec.InstalledAt.UTC(),
		UpdatedAt:   rec.UpdatedAt.UTC(),
	}, nil
}

func fromRow(row Row) (*plugin.Record, error) {
	state, ok := plugin.ParseRecordState(row.State)
	if !ok {
		return nil, fmt.Errorf("plugin %q: unknown state %q", row.ID, row.State)
	}
	var perms security.PermissionSet
	if row.Permissions != "" {
		if err := json.Unmarshal([]byte(row.Permissions), &perms); err != nil {
			return nil, fmt.Errorf("plugin %q: decode permissions: %w", row.ID, err)
		}
	}
	return &plugin.Record{
		ID:          row.ID,
		Permissions: perms,
		State:       state,
		InstallPath: row.InstallPath,
		LastError:   row.LastError,
		InstalledAt: row.InstalledAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}
