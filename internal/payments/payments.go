// Package payments owns external payment intake: charge initialization,
// verification, and the webhook. Verification is the critical
// idempotency boundary; a confirmation may arrive any number of times
// through any mix of webhook and manual verify, and must credit exactly
// once. The ledger's uniqueness constraint is the authority; the status
// flags here are bookkeeping on top.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownReference = errors.New("payment reference not recognized")
	ErrTopupNotFound    = errors.New("top-up not found")
	ErrChargeNotPaid    = errors.New("charge not completed yet")
)

// TopupStatus tracks a top-up record's lifecycle.
type TopupStatus string

const (
	TopupPending  TopupStatus = "pending"
	TopupCredited TopupStatus = "credited"
	TopupFailed   TopupStatus = "failed"
)

// Topup is one wallet funding attempt through the gateway.
type Topup struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"ownerId"`
	Amount    int64       `json:"amountMinorUnits"`
	Reference string      `json:"reference"`
	Status    TopupStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Store persists top-up records.
type Store interface {
	Create(ctx context.Context, t *Topup) error
	GetByReference(ctx context.Context, ref string) (*Topup, error)
	// SetStatus updates the record's status; flag bookkeeping only, the
	// ledger entry is what prevents double-crediting.
	SetStatus(ctx context.Context, ref string, status TopupStatus) error
}
