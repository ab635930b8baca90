// Package wallet is the single balance mutator. Every flow that moves
// money (booking settlement, escrow, refunds, withdrawals, payout
// reservations) goes through this service; nothing else writes to the
// ledger. Each operation reads one settings snapshot up front and uses
// it for every derived amount, so an admin settings change never splits
// an operation across two fee schedules.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/serviqo/walletcore/internal/idgen"
	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/metrics"
	"github.com/serviqo/walletcore/internal/settings"
	"github.com/serviqo/walletcore/internal/traces"
	"github.com/serviqo/walletcore/internal/validation"
)

// ErrAlreadyProcessed marks an operation whose ledger effect was already
// recorded under the same correlation. Callers treat it as success.
var ErrAlreadyProcessed = errors.New("operation already processed")

// EventSink receives wallet events for realtime delivery. Implementations
// must not block; a nil sink disables events.
type EventSink interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// Service executes wallet operations against the ledger.
type Service struct {
	store    ledger.Store
	settings *settings.Provider
	cache    ledger.Cache // optional, invalidated after mutations
	sink     EventSink    // optional
	logger   *slog.Logger
}

func NewService(store ledger.Store, provider *settings.Provider, logger *slog.Logger) *Service {
	return &Service{store: store, settings: provider, logger: logger}
}

// WithCache attaches a balance cache invalidated after each mutation.
func (s *Service) WithCache(cache ledger.Cache) *Service {
	s.cache = cache
	return s
}

// WithEventSink attaches a sink for wallet events.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

// HoldEscrow moves a paid booking's amount from the client's available
// balance into the platform escrow account. Idempotent per booking:
// a retry after a crash observes the recorded escrow_hold entry and
// returns ErrAlreadyProcessed without moving money again.
func (s *Service) HoldEscrow(ctx context.Context, bookingID, clientID string, amount int64) error {
	ctx, span := traces.StartSpan(ctx, "wallet.HoldEscrow",
		traces.BookingID(bookingID), traces.Owner(clientID), traces.Amount(amount))
	defer span.End()

	if err := s.checkOwnerAmount(clientID, amount); err != nil {
		return err
	}

	err := s.store.TransferAvailable(ctx, clientID, ledger.EscrowAccountID, amount,
		ledger.EntryInput{Kind: ledger.KindEscrowHold, Direction: ledger.DirDebit, Correlation: bookingID,
			Description: "booking funds held in escrow"},
		ledger.EntryInput{Kind: ledger.KindEscrowHold, Direction: ledger.DirCredit, Correlation: bookingID,
			Description: "escrow hold for booking " + bookingID},
	)
	err = s.finish(ctx, ledger.KindEscrowHold, err, clientID, ledger.EscrowAccountID)
	if err == nil {
		s.emit(ctx, "wallet.escrow_held", map[string]any{
			"bookingId": bookingID, "clientId": clientID, "amountMinorUnits": amount,
		})
	}
	return err
}

// SettleBooking settles a completed booking out of escrow: the
// professional's share lands on their pending balance, the platform's
// share on the fee account, and escrow drops by the full amount in one
// atomic move. Returns the computed shares. Idempotent per booking.
func (s *Service) SettleBooking(ctx context.Context, bookingID, proID string, amount int64) (proShare, platformShare int64, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.SettleBooking",
		traces.BookingID(bookingID), traces.Owner(proID), traces.Amount(amount))
	defer span.End()

	if err := s.checkOwnerAmount(proID, amount); err != nil {
		return 0, 0, err
	}

	snap := s.settings.Current()
	proShare, platformShare = snap.ProShare(amount)

	err = s.store.SettleEscrow(ctx, ledger.EscrowAccountID, proID, ledger.FeeAccountID, proShare, platformShare,
		ledger.EntryInput{Kind: ledger.KindFundBooking, Direction: ledger.DirDebit, Correlation: bookingID,
			Description: "escrow settled for booking " + bookingID},
		ledger.EntryInput{Kind: ledger.KindFundBooking, Direction: ledger.DirCredit, Correlation: bookingID,
			Description: fmt.Sprintf("earnings from booking (%d%% share)", snap.ProSharePercent)},
		ledger.EntryInput{Kind: ledger.KindFee, Direction: ledger.DirCredit, Correlation: bookingID,
			Description: "platform share of booking " + bookingID},
	)
	err = s.finish(ctx, ledger.KindFundBooking, err, ledger.EscrowAccountID, proID, ledger.FeeAccountID)
	if err == nil {
		s.emit(ctx, "wallet.booking_settled", map[string]any{
			"bookingId": bookingID, "proId": proID,
			"proShareMinorUnits": proShare, "platformShareMinorUnits": platformShare,
		})
	}
	return proShare, platformShare, err
}

// RefundBooking returns escrowed funds to the client. With chargeFee
// the cancellation fee is deducted from the refund and split between
// the platform and the professional's pending compensation; the three
// parts always sum to the escrowed amount. Idempotent per booking.
func (s *Service) RefundBooking(ctx context.Context, bookingID, clientID, proID string, amount int64, chargeFee bool) (refund int64, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.RefundBooking",
		traces.BookingID(bookingID), traces.Owner(clientID), traces.Amount(amount))
	defer span.End()

	if err := s.checkOwnerAmount(clientID, amount); err != nil {
		return 0, err
	}

	var platformFee, proComp int64
	refund = amount
	if chargeFee {
		refund, platformFee, proComp = s.settings.Current().CancellationFee(amount)
	}

	err = s.store.RefundEscrow(ctx, ledger.EscrowAccountID, clientID, ledger.FeeAccountID, proID,
		refund, platformFee, proComp,
		ledger.RefundEntries{
			Escrow: ledger.EntryInput{Kind: ledger.KindEscrowRefund, Direction: ledger.DirDebit, Correlation: bookingID,
				Description: "escrow released for refund of booking " + bookingID},
			Client: ledger.EntryInput{Kind: ledger.KindEscrowRefund, Direction: ledger.DirCredit, Correlation: bookingID,
				Description: "refund for booking " + bookingID},
			PlatformFee: ledger.EntryInput{Kind: ledger.KindFee, Direction: ledger.DirCredit, Correlation: bookingID,
				Description: "cancellation fee for booking " + bookingID},
			ProComp: ledger.EntryInput{Kind: ledger.KindCancellationComp, Direction: ledger.DirCredit, Correlation: bookingID,
				Description: "cancellation compensation for booking " + bookingID},
		},
	)
	err = s.finish(ctx, ledger.KindEscrowRefund, err, ledger.EscrowAccountID, clientID, ledger.FeeAccountID, proID)
	if err == nil {
		s.emit(ctx, "wallet.booking_refunded", map[string]any{
			"bookingId": bookingID, "clientId": clientID,
			"refundMinorUnits": refund, "feeMinorUnits": amount - refund,
		})
	}
	return refund, err
}

// ReleaseBookingPayout moves the professional's earnings from a settled
// booking out of pending into available. The amount released is read
// back from the booking's fund_booking entry, so it always mirrors the
// share computed at settlement time even if the share percent changed
// since. admin selects the admin_release entry kind for forced releases.
// Idempotent per booking.
func (s *Service) ReleaseBookingPayout(ctx context.Context, bookingID, proID string, admin bool) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.ReleaseBookingPayout",
		traces.BookingID(bookingID), traces.Owner(proID))
	defer span.End()

	funded, err := s.store.GetEntry(ctx, proID, ledger.KindFundBooking, bookingID)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return 0, ledger.ErrNothingToRelease
		}
		return 0, err
	}

	kind := ledger.KindRelease
	desc := "hold window elapsed for booking " + bookingID
	if admin {
		kind = ledger.KindAdminRelease
		desc = "release forced by operator for booking " + bookingID
	}

	_, err = s.store.ReleasePending(ctx, proID, funded.Amount,
		ledger.EntryInput{Kind: kind, Direction: ledger.DirNeutral, Correlation: bookingID, Description: desc})
	err = s.finish(ctx, kind, err, proID)
	if err == nil {
		s.emit(ctx, "wallet.payout_released", map[string]any{
			"bookingId": bookingID, "proId": proID, "amountMinorUnits": funded.Amount,
		})
	}
	return funded.Amount, err
}

// ReleasePendingToAvailable releases the given amount of the owner's
// pending balance, or everything pending when amount is zero. Returns
// ErrNothingToRelease when there is nothing pending.
func (s *Service) ReleasePendingToAvailable(ctx context.Context, ownerID string, amount int64) (*ledger.Account, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.ReleasePendingToAvailable",
		traces.Owner(ownerID), traces.Amount(amount))
	defer span.End()

	if !validation.IsValidOwnerID(ownerID) {
		return nil, ledger.ErrAccountNotFound
	}
	if amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if amount == 0 {
		acct, err := s.store.GetAccount(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		amount = acct.Pending
	}
	if amount == 0 {
		return nil, ledger.ErrNothingToRelease
	}

	acct, err := s.store.ReleasePending(ctx, ownerID, amount,
		ledger.EntryInput{Kind: ledger.KindRelease, Direction: ledger.DirNeutral,
			Correlation: idgen.WithPrefix("rl_"), Description: "pending balance released"})
	return acct, s.finish(ctx, ledger.KindRelease, err, ownerID)
}

// Withdraw pays out from the owner's available balance. Returns the
// updated account and the withdrawal reference recorded on the entry.
func (s *Service) Withdraw(ctx context.Context, ownerID string, amount int64) (*ledger.Account, string, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Withdraw",
		traces.Owner(ownerID), traces.Amount(amount))
	defer span.End()

	if err := s.checkOwnerAmount(ownerID, amount); err != nil {
		return nil, "", err
	}

	ref := idgen.Reference("WD_")
	acct, err := s.store.WithdrawAvailable(ctx, ownerID, amount,
		ledger.EntryInput{Kind: ledger.KindWithdraw, Direction: ledger.DirDebit, Correlation: ref,
			Description: "withdrawal"})
	err = s.finish(ctx, ledger.KindWithdraw, err, ownerID)
	if err == nil {
		s.emit(ctx, "wallet.withdrawn", map[string]any{
			"ownerId": ownerID, "amountMinorUnits": amount, "reference": ref,
		})
	}
	return acct, ref, err
}

// InstantCashout pays out from pending before the hold window elapses,
// charging the instant-cashout fee. The gross amount leaves pending, the
// net lands in withdrawn, and the fee is credited to the platform fee
// account in the same atomic move. Returns the fee charged.
func (s *Service) InstantCashout(ctx context.Context, ownerID string, amount int64) (*ledger.Account, int64, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.InstantCashout",
		traces.Owner(ownerID), traces.Amount(amount))
	defer span.End()

	if err := s.checkOwnerAmount(ownerID, amount); err != nil {
		return nil, 0, err
	}

	fee := s.settings.Current().CashoutFee(amount)
	ref := idgen.Reference("CO_")
	acct, err := s.store.WithdrawPendingWithFee(ctx, ownerID, ledger.FeeAccountID, amount, fee,
		ledger.EntryInput{Kind: ledger.KindInstantCashout, Direction: ledger.DirDebit, Correlation: ref,
			Description: fmt.Sprintf("instant cashout, fee %d", fee)},
		ledger.EntryInput{Kind: ledger.KindFee, Direction: ledger.DirDebit, Correlation: ref,
			Description: "instant cashout fee"},
		ledger.EntryInput{Kind: ledger.KindFee, Direction: ledger.DirCredit, Correlation: ref,
			Description: "instant cashout fee"},
	)
	err = s.finish(ctx, ledger.KindInstantCashout, err, ownerID, ledger.FeeAccountID)
	if err == nil {
		s.emit(ctx, "wallet.cashed_out", map[string]any{
			"ownerId": ownerID, "amountMinorUnits": amount, "feeMinorUnits": fee, "reference": ref,
		})
	}
	return acct, fee, err
}

// TopUp credits a verified external payment to the owner's available
// balance, keyed by the gateway payment reference. A duplicate reference
// returns ErrAlreadyProcessed, so webhook and manual verification may
// both run for the same payment without double-crediting.
func (s *Service) TopUp(ctx context.Context, ownerID string, amount int64, reference string) (*ledger.Account, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.TopUp",
		traces.Owner(ownerID), traces.Amount(amount), traces.Reference(reference))
	defer span.End()

	if err := s.checkOwnerAmount(ownerID, amount); err != nil {
		return nil, err
	}
	if reference == "" {
		return nil, ledger.ErrInvalidAmount
	}

	acct, err := s.store.CreditAvailable(ctx, ownerID, amount,
		ledger.EntryInput{Kind: ledger.KindTopUp, Direction: ledger.DirCredit, Correlation: reference,
			Description: "wallet top-up " + reference})
	err = s.finish(ctx, ledger.KindTopUp, err, ownerID)
	if err == nil {
		s.emit(ctx, "wallet.topped_up", map[string]any{
			"ownerId": ownerID, "amountMinorUnits": amount, "reference": reference,
		})
	}
	return acct, err
}

// ReserveForPayout debits the owner's available balance ahead of an
// external transfer. The reservation is keyed by the payout reference
// and undone by CompensatePayout if the transfer fails.
func (s *Service) ReserveForPayout(ctx context.Context, ownerID string, amount int64, payoutRef string) error {
	ctx, span := traces.StartSpan(ctx, "wallet.ReserveForPayout",
		traces.Owner(ownerID), traces.Amount(amount), traces.Reference(payoutRef))
	defer span.End()

	if err := s.checkOwnerAmount(ownerID, amount); err != nil {
		return err
	}
	_, err := s.store.DebitAvailable(ctx, ownerID, amount,
		ledger.EntryInput{Kind: ledger.KindReserve, Direction: ledger.DirDebit, Correlation: payoutRef,
			Description: "reserved for transfer " + payoutRef})
	return s.finish(ctx, ledger.KindReserve, err, ownerID)
}

// FinalizePayout records a succeeded external transfer against its
// reservation, adding the amount to lifetime withdrawn.
func (s *Service) FinalizePayout(ctx context.Context, ownerID string, amount int64, payoutRef string) error {
	ctx, span := traces.StartSpan(ctx, "wallet.FinalizePayout",
		traces.Owner(ownerID), traces.Amount(amount), traces.Reference(payoutRef))
	defer span.End()

	_, err := s.store.CreditWithdrawn(ctx, ownerID, amount,
		ledger.EntryInput{Kind: ledger.KindTransferFinal, Direction: ledger.DirNeutral, Correlation: payoutRef,
			Description: "transfer finalized " + payoutRef})
	return s.finish(ctx, ledger.KindTransferFinal, err, ownerID)
}

// CompensatePayout returns a reservation to available after a failed
// transfer. Idempotent per payout reference: recovery sweeps may call it
// again for a reservation already compensated.
func (s *Service) CompensatePayout(ctx context.Context, ownerID string, amount int64, payoutRef string) error {
	ctx, span := traces.StartSpan(ctx, "wallet.CompensatePayout",
		traces.Owner(ownerID), traces.Amount(amount), traces.Reference(payoutRef))
	defer span.End()

	_, err := s.store.CreditAvailable(ctx, ownerID, amount,
		ledger.EntryInput{Kind: ledger.KindReserveRefund, Direction: ledger.DirCredit, Correlation: payoutRef,
			Description: "reservation returned after failed transfer " + payoutRef})
	err = s.finish(ctx, ledger.KindReserveRefund, err, ownerID)
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil
	}
	return err
}

func (s *Service) checkOwnerAmount(ownerID string, amount int64) error {
	if !validation.IsValidOwnerID(ownerID) {
		return ledger.ErrAccountNotFound
	}
	if !validation.IsValidAmount(amount) {
		return ledger.ErrInvalidAmount
	}
	return nil
}

// finish records the operation outcome metric, maps duplicate entries to
// ErrAlreadyProcessed, and invalidates cached balances for the touched
// owners on success.
func (s *Service) finish(ctx context.Context, kind ledger.Kind, err error, owners ...string) error {
	switch {
	case err == nil:
		metrics.WalletOperationsTotal.WithLabelValues(string(kind), "ok").Inc()
		s.invalidate(ctx, owners...)
	case errors.Is(err, ledger.ErrDuplicateEntry):
		metrics.WalletOperationsTotal.WithLabelValues(string(kind), "duplicate").Inc()
		return ErrAlreadyProcessed
	case errors.Is(err, ledger.ErrInsufficientAvailable), errors.Is(err, ledger.ErrInsufficientPending):
		metrics.WalletOperationsTotal.WithLabelValues(string(kind), "insufficient").Inc()
	default:
		metrics.WalletOperationsTotal.WithLabelValues(string(kind), "error").Inc()
		s.logger.Error("wallet operation failed", "kind", kind, "error", err)
	}
	return err
}

func (s *Service) invalidate(ctx context.Context, owners ...string) {
	if s.cache == nil {
		return
	}
	for _, owner := range owners {
		s.cache.Delete(ctx, owner)
	}
}

func (s *Service) emit(ctx context.Context, event string, payload map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(ctx, event, payload)
}
