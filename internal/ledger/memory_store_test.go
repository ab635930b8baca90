package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateAccount_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreateAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, "client_1", first.OwnerID)
	assert.Zero(t, first.Pending)
	assert.Zero(t, first.Available)

	_, err = store.CreditAvailable(ctx, "client_1", 500, EntryInput{Kind: KindTopUp, Direction: DirCredit, Correlation: "ref_1"})
	require.NoError(t, err)

	again, err := store.GetOrCreateAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), again.Available, "re-upsert must not reset balances")
}

func TestDebitAvailable_Insufficient(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditAvailable(ctx, "client_1", 100, EntryInput{Kind: KindTopUp, Direction: DirCredit})
	require.NoError(t, err)

	_, err = store.DebitAvailable(ctx, "client_1", 101, EntryInput{Kind: KindReserve, Direction: DirDebit})
	assert.ErrorIs(t, err, ErrInsufficientAvailable)

	// Failed mutation appends nothing.
	entries, err := store.ListEntries(ctx, "client_1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	acct, err := store.GetAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Available)
}

func TestDuplicateCorrelation_Rejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	in := EntryInput{Kind: KindTopUp, Direction: DirCredit, Correlation: "PAY_abc"}
	_, err := store.CreditAvailable(ctx, "client_1", 1_000, in)
	require.NoError(t, err)

	_, err = store.CreditAvailable(ctx, "client_1", 1_000, in)
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	acct, err := store.GetAccount(ctx, "client_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), acct.Available, "duplicate must not double-credit")

	// Same correlation on a different owner is a different operation.
	_, err = store.CreditAvailable(ctx, "client_2", 1_000, in)
	assert.NoError(t, err)
}

func TestReleasePending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditPending(ctx, "pro_1", 3_750, EntryInput{Kind: KindFundBooking, Direction: DirCredit, Correlation: "bk_1"})
	require.NoError(t, err)

	acct, err := store.ReleasePending(ctx, "pro_1", 3_750, EntryInput{Kind: KindRelease, Direction: DirNeutral, Correlation: "bk_1"})
	require.NoError(t, err)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(3_750), acct.Available)
	assert.Equal(t, int64(3_750), acct.Earned, "release must not change earned")

	_, err = store.ReleasePending(ctx, "pro_1", 1, EntryInput{Kind: KindRelease, Direction: DirNeutral})
	assert.ErrorIs(t, err, ErrInsufficientPending)
}

func TestWithdrawAvailable_ConcurrentRace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditAvailable(ctx, "pro_1", 10_000, EntryInput{Kind: KindTopUp, Direction: DirCredit})
	require.NoError(t, err)

	// Two simultaneous withdrawals of slightly more than half each:
	// exactly one must succeed.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.WithdrawAvailable(ctx, "pro_1", 6_000, EntryInput{Kind: KindWithdraw, Direction: DirDebit})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientAvailable)
		}
	}
	assert.Equal(t, 1, succeeded)

	acct, err := store.GetAccount(ctx, "pro_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), acct.Available)
	assert.Equal(t, int64(6_000), acct.Withdrawn)
	assert.GreaterOrEqual(t, acct.Available, int64(0), "balance must never go negative")
}

func TestWithdrawPendingWithFee(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditPending(ctx, "pro_1", 5_000, EntryInput{Kind: KindFundBooking, Direction: DirCredit, Correlation: "bk_1"})
	require.NoError(t, err)

	acct, err := store.WithdrawPendingWithFee(ctx, "pro_1", FeeAccountID, 5_000, 150,
		EntryInput{Kind: KindInstantCashout, Direction: DirDebit, Correlation: "co_1"},
		EntryInput{Kind: KindFee, Direction: DirDebit, Correlation: "co_1"},
		EntryInput{Kind: KindFee, Direction: DirCredit, Correlation: "co_1"},
	)
	require.NoError(t, err)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(4_850), acct.Withdrawn)

	feeAcct, err := store.GetAccount(ctx, FeeAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), feeAcct.Available)

	entries, err := store.ListEntries(ctx, "pro_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3) // fund + cashout + fee debit

	// Insufficient pending after cashout.
	_, err = store.WithdrawPendingWithFee(ctx, "pro_1", FeeAccountID, 100, 3,
		EntryInput{Kind: KindInstantCashout, Direction: DirDebit},
		EntryInput{Kind: KindFee, Direction: DirDebit},
		EntryInput{Kind: KindFee, Direction: DirCredit},
	)
	assert.ErrorIs(t, err, ErrInsufficientPending)
}

func TestTransferAvailable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditAvailable(ctx, "client_1", 5_000, EntryInput{Kind: KindTopUp, Direction: DirCredit})
	require.NoError(t, err)

	err = store.TransferAvailable(ctx, "client_1", EscrowAccountID, 5_000,
		EntryInput{Kind: KindEscrowHold, Direction: DirDebit, Correlation: "bk_1"},
		EntryInput{Kind: KindEscrowHold, Direction: DirCredit, Correlation: "bk_1"},
	)
	require.NoError(t, err)

	client, _ := store.GetAccount(ctx, "client_1")
	escrow, _ := store.GetAccount(ctx, EscrowAccountID)
	assert.Zero(t, client.Available)
	assert.Equal(t, int64(5_000), escrow.Available)

	// Retried hold for the same booking is a duplicate, not a second debit.
	err = store.TransferAvailable(ctx, "client_1", EscrowAccountID, 5_000,
		EntryInput{Kind: KindEscrowHold, Direction: DirDebit, Correlation: "bk_1"},
		EntryInput{Kind: KindEscrowHold, Direction: DirCredit, Correlation: "bk_1"},
	)
	assert.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestSettleEscrow_SplitsAndConserves(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditAvailable(ctx, EscrowAccountID, 5_000, EntryInput{Kind: KindEscrowHold, Direction: DirCredit, Correlation: "bk_1"})
	require.NoError(t, err)

	err = store.SettleEscrow(ctx, EscrowAccountID, "pro_1", FeeAccountID, 3_750, 1_250,
		EntryInput{Kind: KindFundBooking, Direction: DirDebit, Correlation: "bk_1"},
		EntryInput{Kind: KindFundBooking, Direction: DirCredit, Correlation: "bk_1"},
		EntryInput{Kind: KindFee, Direction: DirCredit, Correlation: "bk_1"},
	)
	require.NoError(t, err)

	escrow, _ := store.GetAccount(ctx, EscrowAccountID)
	pro, _ := store.GetAccount(ctx, "pro_1")
	platform, _ := store.GetAccount(ctx, FeeAccountID)

	assert.Zero(t, escrow.Available)
	assert.Equal(t, int64(3_750), pro.Pending)
	assert.Equal(t, int64(3_750), pro.Earned)
	assert.Equal(t, int64(1_250), platform.Available)
	// Conservation: everything that left escrow arrived somewhere.
	assert.Equal(t, int64(5_000), pro.Pending+platform.Available)

	// Settling the same booking twice must be rejected whole.
	err = store.SettleEscrow(ctx, EscrowAccountID, "pro_1", FeeAccountID, 3_750, 1_250,
		EntryInput{Kind: KindFundBooking, Direction: DirDebit, Correlation: "bk_1"},
		EntryInput{Kind: KindFundBooking, Direction: DirCredit, Correlation: "bk_1"},
		EntryInput{Kind: KindFee, Direction: DirCredit, Correlation: "bk_1"},
	)
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	pro2, _ := store.GetAccount(ctx, "pro_1")
	assert.Equal(t, int64(3_750), pro2.Pending, "duplicate settle must not double-credit")
}

func TestRefundEscrow_FeeSplit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditAvailable(ctx, EscrowAccountID, 10_000, EntryInput{Kind: KindEscrowHold, Direction: DirCredit, Correlation: "bk_1"})
	require.NoError(t, err)

	err = store.RefundEscrow(ctx, EscrowAccountID, "client_1", FeeAccountID, "pro_1", 9_000, 500, 500, RefundEntries{
		Escrow:      EntryInput{Kind: KindEscrowRefund, Direction: DirDebit, Correlation: "bk_1"},
		Client:      EntryInput{Kind: KindEscrowRefund, Direction: DirCredit, Correlation: "bk_1"},
		PlatformFee: EntryInput{Kind: KindFee, Direction: DirCredit, Correlation: "bk_1"},
		ProComp:     EntryInput{Kind: KindCancellationComp, Direction: DirCredit, Correlation: "bk_1"},
	})
	require.NoError(t, err)

	escrow, _ := store.GetAccount(ctx, EscrowAccountID)
	client, _ := store.GetAccount(ctx, "client_1")
	platform, _ := store.GetAccount(ctx, FeeAccountID)
	pro, _ := store.GetAccount(ctx, "pro_1")

	assert.Zero(t, escrow.Available)
	assert.Equal(t, int64(9_000), client.Available)
	assert.Equal(t, int64(500), platform.Available)
	assert.Equal(t, int64(500), pro.Pending)
	assert.Equal(t, int64(10_000), client.Available+platform.Available+pro.Pending,
		"entry trail must account for the full escrowed amount")
}

func TestListEntries_NewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.CreditAvailable(ctx, "client_1", 100, EntryInput{Kind: KindTopUp, Direction: DirCredit, Correlation: "r1"})
	require.NoError(t, err)
	_, err = store.CreditAvailable(ctx, "client_1", 200, EntryInput{Kind: KindTopUp, Direction: DirCredit, Correlation: "r2"})
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, "client_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].Correlation)
	assert.Equal(t, "r1", entries[1].Correlation)
	assert.Equal(t, int64(300), entries[0].AvailableAfter, "entry snapshots post-mutation balance")
}

func TestHasEntry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	has, err := store.HasEntry(ctx, "pro_1", KindFundBooking, "bk_1")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = store.CreditPending(ctx, "pro_1", 100, EntryInput{Kind: KindFundBooking, Direction: DirCredit, Correlation: "bk_1"})
	require.NoError(t, err)

	has, err = store.HasEntry(ctx, "pro_1", KindFundBooking, "bk_1")
	require.NoError(t, err)
	assert.True(t, has)
}
