// Package memory is a gorm backed MemoryService. Search is keyword based:
// entries are ranked by the share of query terms their content contains.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dshills/plugbox/internal/services"
)

// DefaultSearchLimit caps results when the caller sets no limit.
const DefaultSearchLimit = 10

// Entry is the persisted form of a memory.
type Entry struct {
	ID        string `gorm:"primaryKey;size:36"`
	Namespace string `gorm:"index;size:128"`
	Type      string `gorm:"index;size:64"`
	Content   string `gorm:"type:text"`
	Metadata  string `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName pins the table name.
func (Entry) TableName() string { return "memory_entries" }

// Store implements services.MemoryService.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens a sqlite database at dsn and migrates it. Use ":memory:" for an
// ephemeral store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
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
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate memory store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// StoreMemory persists a memory under namespace.
func (s *Store) StoreMemory(ctx context.Context, namespace, content, memType string, metadata map[string]string) (*services.MemoryEntry, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", services.ErrInvalidRequest)
	}
	if memType == "" {
		memType = "note"
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", services.ErrInvalidRequest, err)
	}

	row := Entry{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Type:      memType,
		Content:   content,
		Metadata:  string(meta),
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	entry := toEntry(row)
	return &entry, nil
}

// SearchMemory returns the entries of opts.Namespace that share terms with
// query, best match first.
func (s *Store) SearchMemory(ctx context.Context, query string, opts services.SearchOptions) ([]services.MemoryEntry, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: empty query", services.ErrInvalidRequest)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := s.db.WithContext(ctx).Where("namespace = ?", opts.Namespace)
	if opts.Type != "" {
		q = q.Where("type = ?", opts.Type)
	}
	var rows []Entry
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}

	var results []services.MemoryEntry
	for _, row := range rows {
		score := scoreContent(terms, row.Content)
		if score == 0 {
			continue
		}
		entry := toEntry(row)
		entry.Score = score
		results = append(results, entry)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of entries in namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Entry{}).Where("namespace = ?", namespace).Count(&n).Error
	return n, err
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toEntry(row Entry) services.MemoryEntry {
	var meta map[string]string
	if row.Metadata != "" && row.Metadata != "null" {
		_ = json.Unmarshal([]byte(row.Metadata), &meta)
	}
	return services.MemoryEntry{
		ID:        row.ID,
		Namespace: row.Namespace,
		Content:   row.Content,
		Type:      row.Type,
		Metadata:  meta,
		CreatedAt: row.CreatedAt,
	}
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func scoreContent(terms []string, content string) float64 {
	words := make(map[string]bool)
	for _, w := range tokenize(content) {
		words[w] = true
	}
	hits := 0
	for _, t := range terms {
		if words[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
