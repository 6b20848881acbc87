package state

import (
	"sync"
	"time"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// MemoryStore is the fallback alert-record store used when the encrypted
// database cannot be opened: throttling still works for the process
// lifetime, it just does not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.AlertRecord
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.AlertRecord)}
}

// UpsertAlertRecord implements domain.AlertRecordStore.
func (m *MemoryStore) UpsertAlertRecord(rec domain.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.DedupeKey] = rec
	return nil
}

// AlertRecords implements domain.AlertRecordStore.
func (m *MemoryStore) AlertRecords() ([]domain.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AlertRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

// PruneAlertRecords implements domain.AlertRecordStore.
func (m *MemoryStore) PruneAlertRecords(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, r := range m.records {
		if r.LastSentAt.Before(olderThan) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// Ensure MemoryStore implements domain.AlertRecordStore.
var _ domain.AlertRecordStore = (*MemoryStore)(nil)
