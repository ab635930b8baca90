// Package ledger owns participant account balances and the append-only
// entry log behind them.
//
// Balances are a materialized cache over the entry log: every successful
// mutation updates exactly one or more account rows and appends one entry
// per touched account, in the same atomic operation. Entries are immutable
// once written, and a uniqueness constraint on (owner, kind, correlation)
// is the idempotency backstop for retried operations.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrInsufficientPending   = errors.New("insufficient pending balance")
	ErrNothingToRelease      = errors.New("nothing to release")
	ErrDuplicateEntry        = errors.New("ledger entry already recorded")
	ErrAccountNotFound       = errors.New("account not found")
	ErrEntryNotFound         = errors.New("ledger entry not found")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Reserved system accounts. Client money between payment and completion
// sits on the escrow account; commission and fees accumulate on the fee
// account.
const (
	EscrowAccountID = "platform:escrow"
	FeeAccountID    = "platform:fees"
)

// Kind tags a ledger entry with the operation that produced it.
type Kind string

const (
	KindFundBooking      Kind = "fund_booking"      // pro pending credited from a completed booking
	KindEscrowHold       Kind = "escrow_hold"       // client available moved into platform escrow
	KindEscrowRefund     Kind = "escrow_refund"     // escrowed funds returned to the client
	KindRelease          Kind = "release"           // pending moved to available after the hold window
	KindAdminRelease     Kind = "admin_release"     // release forced by an operator
	KindWithdraw         Kind = "withdraw"          // available paid out
	KindInstantCashout   Kind = "instant_cashout"   // pending paid out early, net of fee
	KindFee              Kind = "fee"               // platform fee leg of a charged operation
	KindCancellationComp Kind = "cancellation_comp" // pro compensation from a client cancellation
	KindTopUp            Kind = "top_up"            // external payment credited to available
	KindReserve          Kind = "reserve"           // available debited ahead of an external transfer
	KindReserveRefund    Kind = "reserve_refund"    // reservation returned after a failed transfer
	KindTransferFinal    Kind = "transfer_final"    // reservation finalized into withdrawn
)

// Direction of an entry relative to the owner's spendable funds.
type Direction string

const (
	DirCredit  Direction = "credit"
	DirDebit   Direction = "debit"
	DirNeutral Direction = "neutral" // internal moves (pending→available)
)

// Account is one participant's balance record. All amounts are minor
// currency units and never negative.
type Account struct {
	OwnerID   string    `json:"ownerId"`
	Pending   int64     `json:"pendingMinorUnits"`   // earned, not yet withdrawable
	Available int64     `json:"availableMinorUnits"` // withdrawable now
	Withdrawn int64     `json:"withdrawnMinorUnits"` // lifetime paid out
	Earned    int64     `json:"earnedMinorUnits"`    // lifetime credited to pending
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one immutable row of the mutation log.
type Entry struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Kind           Kind      `json:"kind"`
	Direction      Direction `json:"direction"`
	Amount         int64     `json:"amountMinorUnits"`
	PendingAfter   int64     `json:"pendingAfter"`
	AvailableAfter int64     `json:"availableAfter"`
	Correlation    string    `json:"correlation,omitempty"` // booking id, payment or payout reference
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// EntryInput describes the entry a mutation should append. The store fills
// in ID, owner, amount, balance snapshots, and timestamp.
type EntryInput struct {
	Kind        Kind
	Direction   Direction
	Correlation string
	Description string
}

// RefundEntries carries the per-leg entry inputs for RefundEscrow.
// PlatformFee and ProComp are ignored when the corresponding amount is zero.
type RefundEntries struct {
	Escrow      EntryInput
	Client      EntryInput
	PlatformFee EntryInput
	ProComp     EntryInput
}

// Store persists accounts and entries.
//
// Every mutation is a single atomic conditional update paired with its
// entry appends: either the balance change and all entries commit together,
// or nothing is written. Conditional means the balance check ("available >=
// amount") happens inside the update itself, not in application memory,
// which is what makes concurrent withdraws safe. A mutation whose entry
// would violate the (owner, kind, correlation) uniqueness constraint fails
// with ErrDuplicateEntry and leaves balances untouched.
type Store interface {
	GetOrCreateAccount(ctx context.Context, ownerID string) (*Account, error)
	GetAccount(ctx context.Context, ownerID string) (*Account, error)

	// CreditAvailable adds to available (top-ups, reservation refunds, fee income).
	CreditAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error)
	// CreditPending adds to pending and earned (booking funding, cancellation compensation).
	CreditPending(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error)
	// DebitAvailable subtracts from available (transfer reservations).
	DebitAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error)
	// ReleasePending moves pending to available.
	ReleasePending(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error)
	// WithdrawAvailable moves available to withdrawn.
	WithdrawAvailable(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error)
	// CreditWithdrawn finalizes a prior reservation into withdrawn.
	CreditWithdrawn(ctx context.Context, ownerID string, amount int64, e EntryInput) (*Account, error)
	// WithdrawPendingWithFee debits pending by amount, credits withdrawn
	// with amount-fee, and credits the fee to feeOwnerID's available.
	// Appends three entries: net cashout and fee debit on the owner, fee
	// credit on the fee account.
	WithdrawPendingWithFee(ctx context.Context, ownerID, feeOwnerID string, amount, fee int64, net, feeDebit, feeCredit EntryInput) (*Account, error)

	// TransferAvailable moves available funds between two accounts.
	TransferAvailable(ctx context.Context, fromID, toID string, amount int64, eFrom, eTo EntryInput) error
	// SettleEscrow distributes a completed booking's escrowed funds:
	// proShare to the professional's pending (and earned), platformShare
	// to the platform account's available.
	SettleEscrow(ctx context.Context, escrowID, proID, platformID string, proShare, platformShare int64, eEscrow, ePro, ePlatform EntryInput) error
	// RefundEscrow returns a cancelled booking's escrowed funds: refund to
	// the client's available, platformFee to the platform account,
	// proComp to the professional's pending. Fee legs may be zero.
	RefundEscrow(ctx context.Context, escrowID, clientID, platformID, proID string, refund, platformFee, proComp int64, entries RefundEntries) error

	// ListEntries returns the owner's entries, newest first.
	ListEntries(ctx context.Context, ownerID string, limit int) ([]*Entry, error)
	// HasEntry reports whether an entry with this (owner, kind, correlation)
	// exists. Callers use it for cheap idempotency pre-checks; the
	// uniqueness constraint remains the authority under races.
	HasEntry(ctx context.Context, ownerID string, kind Kind, correlation string) (bool, error)
	// GetEntry returns the entry with this (owner, kind, correlation),
	// or ErrEntryNotFound. Used to recover the amount of a prior
	// credit when a later operation must mirror it exactly.
	GetEntry(ctx context.Context, ownerID string, kind Kind, correlation string) (*Entry, error)
}

// Reader is the read-only balance surface exposed outward.
type Reader struct {
	store Store
	cache Cache // optional
}

// NewReader creates a read surface over the store with an optional cache.
func NewReader(store Store, cache Cache) *Reader {
	return &Reader{store: store, cache: cache}
}

// GetBalance returns the owner's account, creating it zeroed on first read.
func (r *Reader) GetBalance(ctx context.Context, ownerID string) (*Account, error) {
	if r.cache != nil {
		if acct, ok := r.cache.Get(ctx, ownerID); ok {
			return acct, nil
		}
	}
	acct, err := r.store.GetOrCreateAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, acct)
	}
	return acct, nil
}

// ListRecentEntries returns the owner's most recent entries.
func (r *Reader) ListRecentEntries(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.store.ListEntries(ctx, ownerID, limit)
}

// Invalidate drops the owner's cached balance after a mutation.
func (r *Reader) Invalidate(ctx context.Context, ownerIDs ...string) {
	if r.cache == nil {
		return
	}
	for _, id := range ownerIDs {
		r.cache.Delete(ctx, id)
	}
}
