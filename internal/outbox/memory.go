package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is the in-process Repository.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	records []*Record
}

// NewMemoryRepository creates an empty in-memory outbox repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1}
}

func (m *MemoryRepository) Enqueue(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryRepository) FetchPending(_ context.Context, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if r.Status != StatusPending {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepository) MarkDispatched(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			now := time.Now().UTC()
			r.Status = StatusDispatched
			r.DispatchedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryRepository) MarkFailed(_ context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			r.Attempts++
			r.LastError = lastError
			return nil
		}
	}
	return ErrNotFound
}

// All returns a copy of every record, for tests and inspection.
func (m *MemoryRepository) All() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
