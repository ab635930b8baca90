package payout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory payout store used in tests and local
// development.
type MemoryStore struct {
	mu      sync.Mutex
	payouts map[string]*Payout
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payouts: make(map[string]*Payout)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payouts[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from, to Status, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok || p.Status != from {
		return ErrNotFound
	}
	p.Status = to
	if transferID != "" {
		p.TransferID = transferID
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Payout
	for _, p := range m.payouts {
		if p.Status != StatusReserved || p.UpdatedAt.After(cutoff) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
