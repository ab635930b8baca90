package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/serviqo/walletcore/internal/gateway"
	"github.com/serviqo/walletcore/internal/idgen"
	"github.com/serviqo/walletcore/internal/metrics"
	"github.com/serviqo/walletcore/internal/traces"
)

// Wallet is the slice of the wallet service the saga needs. All three
// calls are keyed by the payout id; CompensatePayout is idempotent.
type Wallet interface {
	ReserveForPayout(ctx context.Context, ownerID string, amount int64, payoutRef string) error
	FinalizePayout(ctx context.Context, ownerID string, amount int64, payoutRef string) error
	CompensatePayout(ctx context.Context, ownerID string, amount int64, payoutRef string) error
}

// Service runs the payout saga.
type Service struct {
	store   Store
	wallet  Wallet
	gateway gateway.Client
	logger  *slog.Logger
}

func NewService(store Store, w Wallet, gw gateway.Client, logger *slog.Logger) *Service {
	return &Service{store: store, wallet: w, gateway: gw, logger: logger}
}

// Execute pays out to the given bank details. The ledger reservation
// happens before the blocking transfer call; a rejected transfer is
// compensated before the error reaches the caller, and an unreachable
// gateway leaves the reservation in place for the recovery sweep.
func (s *Service) Execute(ctx context.Context, ownerID string, amount int64, details gateway.BankDetails) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.Execute",
		traces.Owner(ownerID), traces.Amount(amount))
	defer span.End()

	recipientID, err := s.gateway.CreateTransferRecipient(ctx, details)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &Payout{
		ID:          idgen.WithPrefix("po_"),
		OwnerID:     ownerID,
		Amount:      amount,
		RecipientID: recipientID,
		Status:      StatusReserved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.wallet.ReserveForPayout(ctx, ownerID, amount, p.ID); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		// The reservation entry exists with the payout id as correlation;
		// the recovery path can still reconcile it by hand, but surface
		// the store failure loudly.
		s.logger.Error("payout record creation failed after reservation",
			"payout", p.ID, "owner", ownerID, "error", err)
		return nil, err
	}
	metrics.PayoutsTotal.WithLabelValues(string(StatusReserved)).Inc()

	result, err := s.gateway.InitiateTransfer(ctx, recipientID, amount, p.ID)
	if err != nil {
		if errors.Is(err, gateway.ErrTransferFailed) {
			if cerr := s.compensate(ctx, p); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		// Unreachable gateway: the transfer may or may not have happened.
		// Leave the reservation; the recovery sweep compensates it once it
		// goes stale.
		s.logger.Warn("payout transfer outcome unknown, reservation kept",
			"payout", p.ID, "error", err)
		return p, err
	}

	if err := s.wallet.FinalizePayout(ctx, ownerID, amount, p.ID); err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(ctx, p.ID, StatusReserved, StatusFinalized, result.TransferID); err != nil {
		return nil, err
	}
	p.Status = StatusFinalized
	p.TransferID = result.TransferID
	metrics.PayoutsTotal.WithLabelValues(string(StatusFinalized)).Inc()
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// compensate returns the reservation and marks the payout. The status
// write is conditional on reserved, so only one of a racing retry and
// the recovery sweep records the compensation; the wallet credit itself
// is idempotent either way.
func (s *Service) compensate(ctx context.Context, p *Payout) error {
	if err := s.wallet.CompensatePayout(ctx, p.OwnerID, p.Amount, p.ID); err != nil {
		return err
	}
	err := s.store.SetStatus(ctx, p.ID, StatusReserved, StatusCompensated, "")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.PayoutsTotal.WithLabelValues(string(StatusCompensated)).Inc()
	return nil
}
