// Package payout moves wallet funds to a bank account through the
// gateway, as a saga: reserve the amount in the ledger, make the
// blocking transfer call, then finalize or compensate. The reservation
// is the lock; no balance is ever held behind a mutex across network
// I/O, and a crash leaves at worst a reserved payout the recovery sweep
// can compensate.
package payout

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("payout not found")

// Status of a payout within the saga.
type Status string

const (
	// StatusReserved means the ledger debit happened; the transfer
	// outcome is not yet recorded.
	StatusReserved Status = "reserved"
	// StatusFinalized means the gateway accepted the transfer.
	StatusFinalized Status = "finalized"
	// StatusCompensated means the transfer failed and the reservation was
	// returned to the owner's available balance.
	StatusCompensated Status = "compensated"
)

// Payout is one bank transfer attempt.
type Payout struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Amount      int64     `json:"amountMinorUnits"`
	RecipientID string    `json:"recipientId"`
	Status      Status    `json:"status"`
	TransferID  string    `json:"transferId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists payouts. Status moves are conditional on the current
// status, so the recovery sweep and a concurrent retry cannot both
// compensate the same reservation.
type Store interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	// SetStatus moves the payout from one status to another; returns
	// ErrNotFound when the payout is missing or not in from.
	SetStatus(ctx context.Context, id string, from, to Status, transferID string) error
	// ListStaleReserved returns payouts still reserved past the cutoff,
	// oldest first. These are saga legs interrupted by a crash or a
	// gateway outage.
	ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error)
}
