package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/serviqo/walletcore/internal/booking"
	"github.com/serviqo/walletcore/internal/gateway"
	"github.com/serviqo/walletcore/internal/idgen"
	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/metrics"
	"github.com/serviqo/walletcore/internal/traces"
	"github.com/serviqo/walletcore/internal/validation"
	"github.com/serviqo/walletcore/internal/wallet"
)

// Wallet is the slice of the wallet service payments need.
type Wallet interface {
	TopUp(ctx context.Context, ownerID string, amount int64, reference string) (*ledger.Account, error)
}

// Bookings is the slice of the booking service payments need to apply
// booking charges.
type Bookings interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
	FindByPaymentReference(ctx context.Context, ref string) (*booking.Booking, error)
	SetPaymentReference(ctx context.Context, id, ref string) error
	ConfirmPayment(ctx context.Context, bookingID, reference string, amount int64) (*booking.Booking, error)
}

// Service initializes charges and applies confirmed payments.
type Service struct {
	topups   Store
	bookings Bookings
	wallet   Wallet
	gateway  gateway.Client
	logger   *slog.Logger
}

func NewService(topups Store, bookings Bookings, w Wallet, gw gateway.Client, logger *slog.Logger) *Service {
	return &Service{topups: topups, bookings: bookings, wallet: w, gateway: gw, logger: logger}
}

// InitializeTopup opens a gateway charge to fund the owner's wallet and
// returns the record plus the redirect URL the payer completes it at.
func (s *Service) InitializeTopup(ctx context.Context, ownerID string, amount int64) (*Topup, string, error) {
	ctx, span := traces.StartSpan(ctx, "payments.InitializeTopup",
		traces.Owner(ownerID), traces.Amount(amount))
	defer span.End()

	if !validation.IsValidOwnerID(ownerID) {
		return nil, "", ledger.ErrAccountNotFound
	}
	if !validation.IsValidAmount(amount) {
		return nil, "", ledger.ErrInvalidAmount
	}

	now := time.Now().UTC()
	t := &Topup{
		ID:        idgen.WithPrefix("tp_"),
		OwnerID:   ownerID,
		Amount:    amount,
		Reference: idgen.Reference("TP_"),
		Status:    TopupPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	redirectURL, err := s.gateway.InitializeCharge(ctx, amount, t.Reference)
	if err != nil {
		return nil, "", err
	}
	if err := s.topups.Create(ctx, t); err != nil {
		return nil, "", err
	}
	return t, redirectURL, nil
}

// InitializeBookingCharge opens a gateway charge for a pending booking
// and records the reference on it, so later confirmations resolve back.
func (s *Service) InitializeBookingCharge(ctx context.Context, bookingID string) (string, string, error) {
	ctx, span := traces.StartSpan(ctx, "payments.InitializeBookingCharge", traces.BookingID(bookingID))
	defer span.End()

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return "", "", err
	}
	if b.Status != booking.StatusPendingPayment {
		return "", "", booking.ErrInvalidTransition
	}

	ref := b.PaymentReference
	if ref == "" {
		ref = idgen.Reference("BK_")
		if err := s.bookings.SetPaymentReference(ctx, bookingID, ref); err != nil {
			return "", "", err
		}
	}

	redirectURL, err := s.gateway.InitializeCharge(ctx, b.Amount, ref)
	if err != nil {
		return "", "", err
	}
	return redirectURL, ref, nil
}

// Verify asks the gateway for the authoritative charge state and, if
// paid, applies it. Callers hit this from the post-payment redirect;
// the webhook delivers the same confirmation independently, and both
// paths may run for the same reference.
func (s *Service) Verify(ctx context.Context, reference string) error {
	ctx, span := traces.StartSpan(ctx, "payments.Verify", traces.Reference(reference))
	defer span.End()

	ch, err := s.gateway.VerifyCharge(ctx, reference)
	if err != nil {
		if errors.Is(err, gateway.ErrChargeNotFound) {
			metrics.PaymentVerificationsTotal.WithLabelValues("unknown_reference").Inc()
			return ErrUnknownReference
		}
		return err
	}
	if !ch.Success {
		metrics.PaymentVerificationsTotal.WithLabelValues("not_paid").Inc()
		return ErrChargeNotPaid
	}
	return s.Apply(ctx, reference, ch.Amount, true)
}

// Apply records a confirmed (or failed) payment against whatever the
// reference resolves to: a booking or a top-up. Idempotent: an already
// applied confirmation is a success no-op, including under races between
// the webhook and a manual verify, where the ledger's uniqueness
// constraint picks exactly one winner and the loser observes
// already-processed.
func (s *Service) Apply(ctx context.Context, reference string, amount int64, success bool) error {
	ctx, span := traces.StartSpan(ctx, "payments.Apply",
		traces.Reference(reference), traces.Amount(amount))
	defer span.End()

	if b, err := s.bookings.FindByPaymentReference(ctx, reference); err == nil {
		return s.applyBooking(ctx, b, reference, amount, success)
	} else if !errors.Is(err, booking.ErrNotFound) {
		return err
	}

	t, err := s.topups.GetByReference(ctx, reference)
	if errors.Is(err, ErrTopupNotFound) {
		metrics.PaymentVerificationsTotal.WithLabelValues("unknown_reference").Inc()
		return ErrUnknownReference
	}
	if err != nil {
		return err
	}
	return s.applyTopup(ctx, t, success)
}

func (s *Service) applyBooking(ctx context.Context, b *booking.Booking, reference string, amount int64, success bool) error {
	if !success {
		// A failed charge leaves the booking awaiting another attempt.
		metrics.PaymentVerificationsTotal.WithLabelValues("failed").Inc()
		return nil
	}
	if _, err := s.bookings.ConfirmPayment(ctx, b.ID, reference, amount); err != nil {
		metrics.PaymentVerificationsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.PaymentVerificationsTotal.WithLabelValues("credited").Inc()
	return nil
}

func (s *Service) applyTopup(ctx context.Context, t *Topup, success bool) error {
	if !success {
		metrics.PaymentVerificationsTotal.WithLabelValues("failed").Inc()
		return s.topups.SetStatus(ctx, t.Reference, TopupFailed)
	}
	if t.Status == TopupCredited {
		metrics.PaymentVerificationsTotal.WithLabelValues("already_processed").Inc()
		return nil
	}

	_, err := s.wallet.TopUp(ctx, t.OwnerID, t.Amount, t.Reference)
	if err != nil && !errors.Is(err, wallet.ErrAlreadyProcessed) {
		metrics.PaymentVerificationsTotal.WithLabelValues("error").Inc()
		return err
	}
	if errors.Is(err, wallet.ErrAlreadyProcessed) {
		metrics.PaymentVerificationsTotal.WithLabelValues("already_processed").Inc()
	} else {
		metrics.PaymentVerificationsTotal.WithLabelValues("credited").Inc()
	}
	return s.topups.SetStatus(ctx, t.Reference, TopupCredited)
}
