package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory booking store used in tests and local
// development.
type MemoryStore struct {
	mu       sync.Mutex
	bookings map[string]*Booking
	byRef    map[string]string // payment reference -> booking id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		byRef:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) FindByPaymentReference(ctx context.Context, ref string) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.bookings[id]
	return &cp, nil
}

func (m *MemoryStore) SetPaymentReference(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.PaymentReference = ref
	b.UpdatedAt = time.Now().UTC()
	m.byRef[ref] = id
	return nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id, reference string, to Status) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != StatusPendingPayment {
		return nil, ErrInvalidTransition
	}
	b.Status = to
	b.PaymentStatus = PaymentPaid
	b.PaymentReference = reference
	b.UpdatedAt = time.Now().UTC()
	m.byRef[reference] = id
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from []Status, to Status, payment PaymentStatus, completedAt *time.Time) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	matched := false
	for _, f := range from {
		if b.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrInvalidTransition
	}
	b.Status = to
	b.PaymentStatus = payment
	if completedAt != nil {
		b.CompletedAt = completedAt
	}
	b.UpdatedAt = time.Now().UTC()
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) MarkPayoutReleased(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.PayoutReleased = true
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkProNotified(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.ProNotified = true
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Booking
	for _, b := range m.bookings {
		if b.Status != StatusCompleted || b.PaymentStatus != PaymentPaid || b.PayoutReleased {
			continue
		}
		if b.CompletedAt == nil || b.CompletedAt.After(cutoff) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
