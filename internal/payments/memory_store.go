package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory top-up store used in tests and local
// development.
type MemoryStore struct {
	mu    sync.Mutex
	byRef map[string]*Topup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRef: make(map[string]*Topup)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Topup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.byRef[t.Reference] = &cp
	return nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, ref string) (*Topup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byRef[ref]
	if !ok {
		return nil, ErrTopupNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, ref string, status TopupStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byRef[ref]
	if !ok {
		return ErrTopupNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}
