package wallet

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/settings"
)

func newTestService(t *testing.T) (*Service, ledger.Store) {
	t.Helper()
	store := ledger.NewMemoryStore()
	provider, err := settings.NewProvider(settings.Snapshot{
		ProSharePercent:          75,
		InstantCashoutFeePercent: 3,
		CancellationFeePercent:   10,
		HoldDays:                 7,
		AutoReleaseBatch:         100,
	})
	require.NoError(t, err)
	return NewService(store, provider, slog.Default()), store
}

func fund(t *testing.T, svc *Service, ownerID string, amount int64) {
	t.Helper()
	_, err := svc.TopUp(context.Background(), ownerID, amount, "seed_"+ownerID)
	require.NoError(t, err)
}

func TestSettleBooking_SplitAndConservation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 5000)

	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 5000))

	proShare, platformShare, err := svc.SettleBooking(ctx, "bk_1", "pro_1", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(3750), proShare)
	assert.Equal(t, int64(1250), platformShare)

	pro, err := store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3750), pro.Pending)
	assert.Equal(t, int64(3750), pro.Earned)

	escrow, err := store.GetAccount(ctx, ledger.EscrowAccountID)
	require.NoError(t, err)
	assert.Zero(t, escrow.Available, "escrow fully settled")

	fees, err := store.GetAccount(ctx, ledger.FeeAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), fees.Available)
}

func TestSettleBooking_Idempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 5000)
	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 5000))

	_, _, err := svc.SettleBooking(ctx, "bk_1", "pro_1", 5000)
	require.NoError(t, err)

	_, _, err = svc.SettleBooking(ctx, "bk_1", "pro_1", 5000)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	pro, err := store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3750), pro.Pending, "retry must not double-credit")
}

func TestHoldEscrow_Idempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 12000)

	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 5000))
	assert.ErrorIs(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 5000), ErrAlreadyProcessed)

	client, err := store.GetAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), client.Available)
}

func TestRefundBooking_CancellationFeeSplit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 10000)
	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 10000))

	refund, err := svc.RefundBooking(ctx, "bk_1", "client_1", "pro_1", 10000, true)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), refund)

	client, err := store.GetAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), client.Available)

	fees, err := store.GetAccount(ctx, ledger.FeeAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), fees.Available, "half of the fee to the platform")

	pro, err := store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), pro.Pending, "half of the fee as pro compensation")
}

func TestRefundBooking_NoFee(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 4000)
	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 4000))

	refund, err := svc.RefundBooking(ctx, "bk_1", "client_1", "pro_1", 4000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), refund)

	client, err := store.GetAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), client.Available)
}

func TestReleaseBookingPayout_MirrorsSettlementShare(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 5000)
	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 5000))
	_, _, err := svc.SettleBooking(ctx, "bk_1", "pro_1", 5000)
	require.NoError(t, err)

	// A later settings change must not affect the already-settled amount.
	require.NoError(t, svc.settings.Swap(settings.Snapshot{
		ProSharePercent: 50, InstantCashoutFeePercent: 3,
		CancellationFeePercent: 10, HoldDays: 7, AutoReleaseBatch: 100,
	}))

	released, err := svc.ReleaseBookingPayout(ctx, "bk_1", "pro_1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(3750), released)

	pro, err := store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Zero(t, pro.Pending)
	assert.Equal(t, int64(3750), pro.Available)

	// Re-running the release is a no-op.
	_, err = svc.ReleaseBookingPayout(ctx, "bk_1", "pro_1", false)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestReleaseBookingPayout_UnknownBooking(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ReleaseBookingPayout(context.Background(), "bk_missing", "pro_1", false)
	assert.ErrorIs(t, err, ledger.ErrNothingToRelease)
}

func TestReleasePendingToAvailable(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 5000)
	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 5000))
	_, _, err := svc.SettleBooking(ctx, "bk_1", "pro_1", 5000)
	require.NoError(t, err)

	acct, err := svc.ReleasePendingToAvailable(ctx, "pro_1", 0)
	require.NoError(t, err)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(3750), acct.Available)

	_, err = svc.ReleasePendingToAvailable(ctx, "pro_1", 0)
	assert.ErrorIs(t, err, ledger.ErrNothingToRelease)

	_, err = store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
}

func TestInstantCashout_Fee(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "client_1", 5000)
	require.NoError(t, svc.HoldEscrow(ctx, "bk_1", "client_1", 5000))
	_, _, err := svc.SettleBooking(ctx, "bk_1", "pro_1", 5000)
	require.NoError(t, err)

	acct, fee, err := svc.InstantCashout(ctx, "pro_1", 3750)
	require.NoError(t, err)
	assert.Equal(t, int64(112), fee) // 3% of 3750, floored
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(3638), acct.Withdrawn)

	fees, err := store.GetAccount(ctx, ledger.FeeAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1250+112), fees.Available)

	// The owner's trail carries both cashout legs: the net payout and the
	// fee debit, on top of the settlement funding entry.
	entries, err := store.ListEntries(ctx, "pro_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.KindFee, entries[0].Kind)
	assert.Equal(t, ledger.DirDebit, entries[0].Direction)
	assert.Equal(t, int64(112), entries[0].Amount)
	assert.Equal(t, ledger.KindInstantCashout, entries[1].Kind)
	assert.Equal(t, int64(3638), entries[1].Amount)
	assert.Equal(t, ledger.KindFundBooking, entries[2].Kind)

	feeEntries, err := store.ListEntries(ctx, ledger.FeeAccountID, 10)
	require.NoError(t, err)
	require.Len(t, feeEntries, 2) // settlement share + cashout fee
	assert.Equal(t, ledger.DirCredit, feeEntries[0].Direction)
	assert.Equal(t, int64(112), feeEntries[0].Amount)
}

func TestWithdraw_Insufficient(t *testing.T) {
	svc, _ := newTestService(t)
	fund(t, svc, "pro_1", 100)

	_, _, err := svc.Withdraw(context.Background(), "pro_1", 101)
	assert.ErrorIs(t, err, ledger.ErrInsufficientAvailable)
}

func TestTopUp_DuplicateReference(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.TopUp(ctx, "client_1", 2000, "PAY_abc")
	require.NoError(t, err)

	_, err = svc.TopUp(ctx, "client_1", 2000, "PAY_abc")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	acct, err := store.GetAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), acct.Available)
}

func TestPayoutReserveFinalize(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "pro_1", 8000)

	require.NoError(t, svc.ReserveForPayout(ctx, "pro_1", 5000, "po_1"))
	acct, err := store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), acct.Available)

	require.NoError(t, svc.FinalizePayout(ctx, "pro_1", 5000, "po_1"))
	acct, err = store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acct.Withdrawn)
}

func TestPayoutCompensate_Idempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "pro_1", 8000)
	require.NoError(t, svc.ReserveForPayout(ctx, "pro_1", 5000, "po_1"))

	require.NoError(t, svc.CompensatePayout(ctx, "pro_1", 5000, "po_1"))
	// Recovery sweeps may retry compensation; the duplicate is silent.
	require.NoError(t, svc.CompensatePayout(ctx, "pro_1", 5000, "po_1"))

	acct, err := store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Equal(t, int64(8000), acct.Available)
}

func TestInvalidInputs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Withdraw(ctx, "bad owner!", 100)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, _, err = svc.Withdraw(ctx, "pro_1", 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.TopUp(ctx, "client_1", 100, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}
