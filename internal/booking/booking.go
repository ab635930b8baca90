// Package booking owns the booking lifecycle. Every status change goes
// through one transition table; the table's guards are the only place
// that checks preconditions like "is this booking paid", so no route
// handler can skip them.
package booking

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid booking transition")
	ErrPaymentMismatch   = errors.New("payment amount does not match booking")
	ErrNotReleasable     = errors.New("booking payout not releasable")
)

// Status of a booking in its lifecycle.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusScheduled      Status = "scheduled"
	StatusAccepted       Status = "accepted"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusDeclined       Status = "declined"
)

// PaymentStatus of the booking's funds.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Event is a lifecycle trigger. Each API call maps to exactly one event.
type Event string

const (
	EventPaymentConfirmed Event = "payment_confirmed"
	EventAccept           Event = "accept"
	EventComplete         Event = "complete"
	EventClientCancel     Event = "client_cancel"
	EventProCancel        Event = "pro_cancel"
	EventDecline          Event = "decline"
)

// Booking is one service booking between a client and a professional.
// The idempotency flags are explicit fields, not an open metadata map,
// so every flag has exactly one writer and a known meaning.
type Booking struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"clientId"`
	ProID            string        `json:"proId"`
	Amount           int64         `json:"amountMinorUnits"`
	Status           Status        `json:"status"`
	PaymentStatus    PaymentStatus `json:"paymentStatus"`
	PaymentReference string        `json:"paymentReference,omitempty"`
	PayoutReleased   bool          `json:"payoutReleased"`
	ProNotified      bool          `json:"proNotified"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// effect names the wallet side effect a transition carries. The service
// executes the effect before persisting the new status; effects are
// idempotent per booking id, so a crash between the two is safe to retry.
type effect int

const (
	effectNone effect = iota
	effectHoldEscrow
	effectSettle
	effectRefund        // full refund, no fee
	effectRefundWithFee // cancellation fee applies
)

// transition is one row of the lifecycle table.
type transition struct {
	from   []Status
	event  Event
	guard  func(*Booking) error
	to     Status
	effect effect
}

func paidGuard(b *Booking) error {
	if b.PaymentStatus != PaymentPaid {
		return ErrInvalidTransition
	}
	return nil
}

// transitions is the single authority on which lifecycle moves exist.
// Money-dependent moves carry the paid guard here, never in handlers.
var transitions = []transition{
	{from: []Status{StatusPendingPayment}, event: EventPaymentConfirmed,
		to: StatusScheduled, effect: effectHoldEscrow},
	{from: []Status{StatusPendingPayment, StatusScheduled}, event: EventAccept,
		guard: paidGuard, to: StatusAccepted},
	{from: []Status{StatusAccepted}, event: EventComplete,
		guard: paidGuard, to: StatusCompleted, effect: effectSettle},
	{from: []Status{StatusPendingPayment, StatusScheduled}, event: EventClientCancel,
		to: StatusCancelled, effect: effectRefund},
	{from: []Status{StatusAccepted}, event: EventClientCancel,
		to: StatusCancelled, effect: effectRefundWithFee},
	{from: []Status{StatusScheduled, StatusAccepted}, event: EventProCancel,
		to: StatusCancelled, effect: effectRefund},
	{from: []Status{StatusPendingPayment, StatusScheduled}, event: EventDecline,
		to: StatusDeclined, effect: effectRefund},
}

// next finds the transition for (booking state, event) and runs its
// guard. Returns ErrInvalidTransition when no row matches.
func next(b *Booking, ev Event) (transition, error) {
	for _, t := range transitions {
		if t.event != ev {
			continue
		}
		for _, from := range t.from {
			if b.Status != from {
				continue
			}
			if t.guard != nil {
				if err := t.guard(b); err != nil {
					return transition{}, err
				}
			}
			return t, nil
		}
	}
	return transition{}, ErrInvalidTransition
}

// Store persists bookings. Status writes are conditional on the current
// status, so two racing transitions resolve to one winner and one
// ErrInvalidTransition.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	// FindByPaymentReference resolves a gateway reference to its booking.
	FindByPaymentReference(ctx context.Context, ref string) (*Booking, error)
	// SetPaymentReference records the reference assigned at charge
	// initialization, before the payment is confirmed.
	SetPaymentReference(ctx context.Context, id, ref string) error

	// MarkPaid records the payment and moves pending_payment to the given
	// status in one conditional write.
	MarkPaid(ctx context.Context, id, reference string, to Status) (*Booking, error)
	// SetStatus moves the booking to the given status, conditional on the
	// current status being one of from. Completed transitions also stamp
	// CompletedAt; refunding transitions flip PaymentStatus.
	SetStatus(ctx context.Context, id string, from []Status, to Status, payment PaymentStatus, completedAt *time.Time) (*Booking, error)
	// MarkPayoutReleased flips the payout flag; a no-op if already set.
	MarkPayoutReleased(ctx context.Context, id string) error
	// MarkProNotified flips the notification flag; a no-op if already set.
	MarkProNotified(ctx context.Context, id string) error

	// ListReleasable returns completed, paid bookings whose payout is not
	// yet released and whose completion is older than cutoff.
	ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Booking, error)
}
