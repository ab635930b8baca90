package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/serviqo/walletcore/internal/idgen"
)

// MemoryStore is an in-memory ledger store for development and tests.
// A single mutex stands in for the database's atomic conditional updates;
// all checks and writes for one mutation happen under it.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	entries  []*Entry
	seen     map[string]bool // owner|kind|correlation for non-empty correlations
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		seen:     make(map[string]bool),
	}
}

func dedupeKey(ownerID string, kind Kind, correlation string) string {
	return ownerID + "|" + string(kind) + "|" + correlation
}

// account returns the live account record, creating it if needed.
// Callers must hold the mutex.
func (m *MemoryStore) account(ownerID string) *Account {
	acct, ok := m.accounts[ownerID]
	if !ok {
		acct = &Account{OwnerID: ownerID, UpdatedAt: time.Now()}
		m.accounts[ownerID] = acct
	}
	return acct
}

// checkDupes verifies no input would violate entry uniqueness.
// Callers must hold the mutex.
func (m *MemoryStore) checkDupes(legs []entryLeg) error {
	for _, leg := range legs {
		if leg.in.Correlation == "" {
			continue
		}
		if m.seen[dedupeKey(leg.ownerID, leg.in.Kind, leg.in.Correlation)] {
			return ErrDuplicateEntry
		}
	}
	return nil
}

type entryLeg struct {
	ownerID string
	amount  int64
	in      EntryInput
}

// append records one entry snapshotting the owner's balances.
// Callers must hold the mutex and have already applied the mutation.
func (m *MemoryStore) append(leg entryLeg) {
	acct := m.accounts[leg.ownerID]
	m.entries = append(m.entries, &Entry{
		ID:             idgen.New(),
		OwnerID:        leg.ownerID,
		Kind:           leg.in.Kind,
		Direction:      leg.in.Direction,
		Amount:         leg.amount,
		PendingAfter:   acct.Pending,
		AvailableAfter: acct.Available,
		Correlation:    leg.in.Correlation,
		Description:    leg.in.Description,
		CreatedAt:      time.Now(),
	})
	if leg.in.Correlation != "" {
		m.seen[dedupeKey(leg.ownerID, leg.in.Kind, leg.in.Correlation)] = true
	}
}

func (m *MemoryStore) GetOrCreateAccount(ctx context.Context, ownerID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.account(ownerID)
	return &cp, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, ownerID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[ownerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) CreditAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	leg := entryLeg{ownerID, amount, e}
	if err := m.checkDupes([]entryLeg{leg}); err != nil {
		return nil, err
	}
	acct := m.account(ownerID)
	acct.Available += amount
	acct.UpdatedAt = time.Now()
	m.append(leg)
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) CreditPending(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	leg := entryLeg{ownerID, amount, e}
	if err := m.checkDupes([]entryLeg{leg}); err != nil {
		return nil, err
	}
	acct := m.account(ownerID)
	acct.Pending += amount
	acct.Earned += amount
	acct.UpdatedAt = time.Now()
	m.append(leg)
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) DebitAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	leg := entryLeg{ownerID, amount, e}
	if err := m.checkDupes([]entryLeg{leg}); err != nil {
		return nil, err
	}
	acct := m.account(ownerID)
	if acct.Available < amount {
		return nil, ErrInsufficientAvailable
	}
	acct.Available -= amount
	acct.UpdatedAt = time.Now()
	m.append(leg)
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ReleasePending(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	leg := entryLeg{ownerID, amount, e}
	if err := m.checkDupes([]entryLeg{leg}); err != nil {
		return nil, err
	}
	acct := m.account(ownerID)
	if acct.Pending < amount {
		return nil, ErrInsufficientPending
	}
	acct.Pending -= amount
	acct.Available += amount
	acct.UpdatedAt = time.Now()
	m.append(leg)
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) WithdrawAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	leg := entryLeg{ownerID, amount, e}
	if err := m.checkDupes([]entryLeg{leg}); err != nil {
		return nil, err
	}
	acct := m.account(ownerID)
	if acct.Available < amount {
		return nil, ErrInsufficientAvailable
	}
	acct.Available -= amount
	acct.Withdrawn += amount
	acct.UpdatedAt = time.Now()
	m.append(leg)
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) CreditWithdrawn(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	leg := entryLeg{ownerID, amount, e}
	if err := m.checkDupes([]entryLeg{leg}); err != nil {
		return nil, err
	}
	acct := m.account(ownerID)
	acct.Withdrawn += amount
	acct.UpdatedAt = time.Now()
	m.append(leg)
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) WithdrawPendingWithFee(ctx context.Context, ownerID, feeOwnerID string, amount, fee int64, net, feeDebit, feeCredit EntryInput) (*Account, error) {
	if amount <= 0 || fee < 0 || fee >= amount {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	legs := []entryLeg{
		{ownerID, amount - fee, net},
		{ownerID, fee, feeDebit},
		{feeOwnerID, fee, feeCredit},
	}
	if fee == 0 {
		legs = legs[:1]
	}
	if err := m.checkDupes(legs); err != nil {
		return nil, err
	}

	acct := m.account(ownerID)
	if acct.Pending < amount {
		return nil, ErrInsufficientPending
	}
	acct.Pending -= amount
	acct.Withdrawn += amount - fee
	acct.UpdatedAt = time.Now()
	if fee > 0 {
		feeAcct := m.account(feeOwnerID)
		feeAcct.Available += fee
		feeAcct.UpdatedAt = time.Now()
	}
	for _, leg := range legs {
		m.append(leg)
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) TransferAvailable(ctx context.Context, fromID, toID string, amount int64, eFrom, eTo EntryInput) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	legs := []entryLeg{
		{fromID, amount, eFrom},
		{toID, amount, eTo},
	}
	if err := m.checkDupes(legs); err != nil {
		return err
	}
	from := m.account(fromID)
	if from.Available < amount {
		return ErrInsufficientAvailable
	}
	to := m.account(toID)
	from.Available -= amount
	to.Available += amount
	now := time.Now()
	from.UpdatedAt = now
	to.UpdatedAt = now
	for _, leg := range legs {
		m.append(leg)
	}
	return nil
}

func (m *MemoryStore) SettleEscrow(ctx context.Context, escrowID, proID, platformID string, proShare, platformShare int64, eEscrow, ePro, ePlatform EntryInput) error {
	total := proShare + platformShare
	if proShare < 0 || platformShare < 0 || total <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	legs := []entryLeg{
		{escrowID, total, eEscrow},
		{proID, proShare, ePro},
		{platformID, platformShare, ePlatform},
	}
	if err := m.checkDupes(legs); err != nil {
		return err
	}
	escrow := m.account(escrowID)
	if escrow.Available < total {
		return ErrInsufficientAvailable
	}
	pro := m.account(proID)
	platform := m.account(platformID)

	now := time.Now()
	escrow.Available -= total
	escrow.UpdatedAt = now
	pro.Pending += proShare
	pro.Earned += proShare
	pro.UpdatedAt = now
	platform.Available += platformShare
	platform.UpdatedAt = now
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		m.append(leg)
	}
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, escrowID, clientID, platformID, proID string, refund, platformFee, proComp int64, entries RefundEntries) error {
	total := refund + platformFee + proComp
	if refund < 0 || platformFee < 0 || proComp < 0 || total <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	legs := []entryLeg{
		{escrowID, total, entries.Escrow},
		{clientID, refund, entries.Client},
	}
	if platformFee > 0 {
		legs = append(legs, entryLeg{platformID, platformFee, entries.PlatformFee})
	}
	if proComp > 0 {
		legs = append(legs, entryLeg{proID, proComp, entries.ProComp})
	}
	if err := m.checkDupes(legs); err != nil {
		return err
	}
	escrow := m.account(escrowID)
	if escrow.Available < total {
		return ErrInsufficientAvailable
	}

	now := time.Now()
	escrow.Available -= total
	escrow.UpdatedAt = now
	if refund > 0 {
		client := m.account(clientID)
		client.Available += refund
		client.UpdatedAt = now
	}
	if platformFee > 0 {
		platform := m.account(platformID)
		platform.Available += platformFee
		platform.UpdatedAt = now
	}
	if proComp > 0 {
		pro := m.account(proID)
		pro.Pending += proComp
		pro.Earned += proComp
		pro.UpdatedAt = now
	}
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		m.append(leg)
	}
	return nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].OwnerID == ownerID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasEntry(ctx context.Context, ownerID string, kind Kind, correlation string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[dedupeKey(ownerID, kind, correlation)], nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, ownerID string, kind Kind, correlation string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.OwnerID == ownerID && e.Kind == kind && e.Correlation == correlation {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}
