package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/serviqo/walletcore/internal/idgen"
	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/metrics"
	"github.com/serviqo/walletcore/internal/traces"
	"github.com/serviqo/walletcore/internal/validation"
	"github.com/serviqo/walletcore/internal/wallet"
)

// Wallet is the slice of the wallet service bookings need. All calls are
// idempotent per booking id or payment reference.
type Wallet interface {
	TopUp(ctx context.Context, ownerID string, amount int64, reference string) (*ledger.Account, error)
	HoldEscrow(ctx context.Context, bookingID, clientID string, amount int64) error
	SettleBooking(ctx context.Context, bookingID, proID string, amount int64) (int64, int64, error)
	RefundBooking(ctx context.Context, bookingID, clientID, proID string, amount int64, chargeFee bool) (int64, error)
	ReleaseBookingPayout(ctx context.Context, bookingID, proID string, admin bool) (int64, error)
}

// Notifier delivers best-effort notifications. Failures are logged and
// swallowed; they never roll back a transition.
type Notifier interface {
	Notify(ctx context.Context, toID, event string, payload map[string]any)
}

// EventSink receives booking events for realtime delivery.
type EventSink interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// Service drives booking lifecycle transitions.
type Service struct {
	store    Store
	wallet   Wallet
	notifier Notifier  // optional
	sink     EventSink // optional
	logger   *slog.Logger
}

func NewService(store Store, w Wallet, logger *slog.Logger) *Service {
	return &Service{store: store, wallet: w, logger: logger}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithEventSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

// CreateInput describes a new booking.
type CreateInput struct {
	ClientID string
	ProID    string
	Amount   int64
}

// Create opens a booking in pending_payment.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Booking, error) {
	if !validation.IsValidOwnerID(in.ClientID) || !validation.IsValidOwnerID(in.ProID) {
		return nil, ledger.ErrAccountNotFound
	}
	if !validation.IsValidAmount(in.Amount) {
		return nil, ledger.ErrInvalidAmount
	}

	now := time.Now().UTC()
	b := &Booking{
		ID:            idgen.WithPrefix("bk_"),
		ClientID:      in.ClientID,
		ProID:         in.ProID,
		Amount:        in.Amount,
		Status:        StatusPendingPayment,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	s.emit(ctx, "booking.created", map[string]any{
		"bookingId": b.ID, "clientId": b.ClientID, "proId": b.ProID, "amountMinorUnits": b.Amount,
	})
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) FindByPaymentReference(ctx context.Context, ref string) (*Booking, error) {
	return s.store.FindByPaymentReference(ctx, ref)
}

// SetPaymentReference records the gateway reference assigned when a
// charge is initialized, so webhook confirmations can find the booking.
func (s *Service) SetPaymentReference(ctx context.Context, id, ref string) error {
	return s.store.SetPaymentReference(ctx, id, ref)
}

// ConfirmPayment applies a verified gateway payment to the booking: the
// amount is credited to the client's wallet under the payment reference
// and immediately held in escrow under the booking id, then the booking
// moves to scheduled. Safe to deliver more than once; a confirmation for
// an already-paid booking returns the booking unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, bookingID, reference string, amount int64) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking.ConfirmPayment",
		traces.BookingID(bookingID), traces.Reference(reference), traces.Amount(amount))
	defer span.End()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PaymentStatus == PaymentPaid {
		return b, nil
	}
	if amount != b.Amount {
		return nil, ErrPaymentMismatch
	}
	tr, err := next(b, EventPaymentConfirmed)
	if err != nil {
		s.observe(EventPaymentConfirmed, err)
		return nil, err
	}

	if _, err := s.wallet.TopUp(ctx, b.ClientID, amount, reference); err != nil && !errors.Is(err, wallet.ErrAlreadyProcessed) {
		s.observe(EventPaymentConfirmed, err)
		return nil, err
	}
	if err := s.wallet.HoldEscrow(ctx, b.ID, b.ClientID, amount); err != nil && !errors.Is(err, wallet.ErrAlreadyProcessed) {
		s.observe(EventPaymentConfirmed, err)
		return nil, err
	}

	updated, err := s.store.MarkPaid(ctx, b.ID, reference, tr.to)
	if errors.Is(err, ErrInvalidTransition) {
		// A concurrent confirmation won the status write; the money moved
		// exactly once, so report the current state as success.
		return s.store.Get(ctx, bookingID)
	}
	if err != nil {
		s.observe(EventPaymentConfirmed, err)
		return nil, err
	}

	s.observe(EventPaymentConfirmed, nil)
	s.notifyProOnce(ctx, updated)
	s.emit(ctx, "booking.paid", map[string]any{
		"bookingId": updated.ID, "reference": reference, "amountMinorUnits": amount,
	})
	return updated, nil
}

// PayFromWallet pays a booking out of the client's existing available
// balance instead of an external charge.
func (s *Service) PayFromWallet(ctx context.Context, bookingID string) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking.PayFromWallet", traces.BookingID(bookingID))
	defer span.End()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PaymentStatus == PaymentPaid {
		return b, nil
	}
	tr, err := next(b, EventPaymentConfirmed)
	if err != nil {
		s.observe(EventPaymentConfirmed, err)
		return nil, err
	}

	if err := s.wallet.HoldEscrow(ctx, b.ID, b.ClientID, b.Amount); err != nil && !errors.Is(err, wallet.ErrAlreadyProcessed) {
		s.observe(EventPaymentConfirmed, err)
		return nil, err
	}

	updated, err := s.store.MarkPaid(ctx, b.ID, "wallet_"+b.ID, tr.to)
	if errors.Is(err, ErrInvalidTransition) {
		return s.store.Get(ctx, bookingID)
	}
	if err != nil {
		s.observe(EventPaymentConfirmed, err)
		return nil, err
	}

	s.observe(EventPaymentConfirmed, nil)
	s.notifyProOnce(ctx, updated)
	s.emit(ctx, "booking.paid", map[string]any{
		"bookingId": updated.ID, "amountMinorUnits": b.Amount, "source": "wallet",
	})
	return updated, nil
}

// Accept moves the booking to accepted. Guarded on paid.
func (s *Service) Accept(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, EventAccept)
}

// Complete marks the service delivered and settles escrow: the
// professional's share lands on pending, the platform's share on the fee
// account.
func (s *Service) Complete(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, EventComplete)
}

// CancelByClient cancels on the client's behalf. An accepted booking is
// refunded net of the cancellation fee; earlier states refund in full.
func (s *Service) CancelByClient(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, EventClientCancel)
}

// CancelByPro cancels on the professional's behalf, always a full refund.
func (s *Service) CancelByPro(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, EventProCancel)
}

// Decline rejects a booking the professional has not accepted yet, with
// a full refund if it was already paid.
func (s *Service) Decline(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, EventDecline)
}

func (s *Service) apply(ctx context.Context, id string, ev Event) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking."+string(ev), traces.BookingID(id))
	defer span.End()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tr, err := next(b, ev)
	if err != nil {
		s.observe(ev, err)
		return nil, err
	}

	if err := s.runEffect(ctx, b, tr.effect); err != nil {
		s.observe(ev, err)
		return nil, err
	}

	payment := b.PaymentStatus
	var completedAt *time.Time
	switch tr.effect {
	case effectSettle:
		now := time.Now().UTC()
		completedAt = &now
	case effectRefund, effectRefundWithFee:
		if payment == PaymentPaid {
			payment = PaymentRefunded
		}
	}

	updated, err := s.store.SetStatus(ctx, id, tr.from, tr.to, payment, completedAt)
	if err != nil {
		s.observe(ev, err)
		return nil, err
	}

	s.observe(ev, nil)
	s.notify(ctx, notifyTarget(updated, ev), "booking."+string(updated.Status), map[string]any{
		"bookingId": updated.ID,
	})
	s.emit(ctx, "booking."+string(updated.Status), map[string]any{
		"bookingId": updated.ID, "status": updated.Status,
	})
	return updated, nil
}

func (s *Service) runEffect(ctx context.Context, b *Booking, eff effect) error {
	var err error
	switch eff {
	case effectSettle:
		_, _, err = s.wallet.SettleBooking(ctx, b.ID, b.ProID, b.Amount)
	case effectRefund:
		if b.PaymentStatus == PaymentPaid {
			_, err = s.wallet.RefundBooking(ctx, b.ID, b.ClientID, b.ProID, b.Amount, false)
		}
	case effectRefundWithFee:
		_, err = s.wallet.RefundBooking(ctx, b.ID, b.ClientID, b.ProID, b.Amount, true)
	}
	if errors.Is(err, wallet.ErrAlreadyProcessed) {
		return nil
	}
	return err
}

// ReleasePayout releases the booking's settled earnings to the
// professional's available balance. Idempotent: a booking already
// released returns the zero amount with no error, so scheduler re-runs
// and admin calls can overlap safely.
func (s *Service) ReleasePayout(ctx context.Context, id string, admin bool) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "booking.ReleasePayout", traces.BookingID(id))
	defer span.End()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if b.Status != StatusCompleted || b.PaymentStatus != PaymentPaid {
		return 0, ErrNotReleasable
	}
	if b.PayoutReleased {
		return 0, nil
	}

	released, err := s.wallet.ReleaseBookingPayout(ctx, b.ID, b.ProID, admin)
	switch {
	case err == nil, errors.Is(err, wallet.ErrAlreadyProcessed):
	case errors.Is(err, ledger.ErrInsufficientPending):
		// The professional already drew these earnings out early via
		// instant cashout, so nothing is left in pending for this
		// booking. Close it out instead of retrying on every sweep.
		s.logger.Info("payout already taken via instant cashout",
			"booking", b.ID, "pro", b.ProID)
		released = 0
	default:
		return 0, err
	}
	if err := s.store.MarkPayoutReleased(ctx, id); err != nil {
		return 0, err
	}

	s.notify(ctx, b.ProID, "booking.payout_released", map[string]any{
		"bookingId": b.ID, "amountMinorUnits": released,
	})
	s.emit(ctx, "booking.payout_released", map[string]any{
		"bookingId": b.ID, "proId": b.ProID, "amountMinorUnits": released,
	})
	return released, nil
}

// notifyProOnce tells the professional about the paid booking exactly
// once, guarded by the ProNotified flag.
func (s *Service) notifyProOnce(ctx context.Context, b *Booking) {
	if b.ProNotified {
		return
	}
	s.notify(ctx, b.ProID, "booking.paid", map[string]any{
		"bookingId": b.ID, "amountMinorUnits": b.Amount,
	})
	if err := s.store.MarkProNotified(ctx, b.ID); err != nil {
		s.logger.Warn("failed to record pro notification flag", "booking", b.ID, "error", err)
	}
}

func notifyTarget(b *Booking, ev Event) string {
	switch ev {
	case EventClientCancel:
		return b.ProID // tell the other party
	default:
		return b.ClientID
	}
}

func (s *Service) notify(ctx context.Context, toID, event string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, toID, event, payload)
}

func (s *Service) emit(ctx context.Context, event string, payload map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(ctx, event, payload)
}

func (s *Service) observe(ev Event, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition):
		outcome = "invalid_transition"
	case errors.Is(err, ledger.ErrInsufficientAvailable):
		outcome = "insufficient"
	default:
		outcome = "error"
	}
	metrics.BookingTransitionsTotal.WithLabelValues(string(ev), outcome).Inc()
}
