package plugin

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dshills/plugbox/internal/plugin/security"
)

// Record is the host's entry for one installed plugin.
type Record struct {
	ID          string
	Manifest    *Manifest
	Permissions security.PermissionSet
	State       RecordState
	InstallPath string
	LastError   string
	InstalledAt time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Manifest = r.Manifest.Clone()
	clone.Permissions = r.Permissions.Clone()
	return &clone
}

// RecordStore persists plugin records. Stores never see the manifest; it is
// re-read from InstallPath on restore.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]*Record, error)
}

// MemoryStore is a RecordStore that keeps records for the life of the
// process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Save implements RecordStore.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	clone := rec.Clone()
	clone.Manifest = nil

	s.mu.Lock()
	s.records[rec.ID] = clone
	s.mu.Unlock()
	return nil
}

// Delete implements RecordStore.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Load implements RecordStore. Records come back in install order.
func (s *MemoryStore) Load(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].InstalledAt.Equal(out[j].InstalledAt) {
			return out[i].InstalledAt.Before(out[j].InstalledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
