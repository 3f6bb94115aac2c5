package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger/store"
)

// =============================================================================
// STATUS TESTS
// =============================================================================

func TestParseDepositStatus(t *testing.T) {
	for _, s := range []string{"pending", "confirmed", "rejected"} {
		got, err := ledger.ParseDepositStatus(s)
		require.NoError(t, err)
		assert.Equal(t, ledger.DepositStatus(s), got)
	}

	_, err := ledger.ParseDepositStatus("approved")
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
	assert.True(t, ledger.IsClientError(err))
}

func TestWithdrawalStatus_Lifecycle(t *testing.T) {
	cases := []struct {
		from, to ledger.WithdrawalStatus
		ok       bool
	}{
		{ledger.WithdrawalPending, ledger.WithdrawalProcessing, true},
		{ledger.WithdrawalPending, ledger.WithdrawalRejected, true},
		{ledger.WithdrawalPending, ledger.WithdrawalCompleted, false},
		{ledger.WithdrawalProcessing, ledger.WithdrawalCompleted, true},
		{ledger.WithdrawalProcessing, ledger.WithdrawalRejected, true},
		{ledger.WithdrawalProcessing, ledger.WithdrawalPending, false},
		{ledger.WithdrawalCompleted, ledger.WithdrawalRejected, false},
		{ledger.WithdrawalRejected, ledger.WithdrawalPending, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestWithdrawalStatus_Committed(t *testing.T) {
	// Only rejection releases the amount.
	assert.True(t, ledger.WithdrawalPending.Committed())
	assert.True(t, ledger.WithdrawalProcessing.Committed())
	assert.True(t, ledger.WithdrawalCompleted.Committed())
	assert.False(t, ledger.WithdrawalRejected.Committed())
	assert.False(t, ledger.WithdrawalStatus("cancelled").Committed())
}

func TestParseMoney(t *testing.T) {
	d, err := ledger.ParseMoney("10.005")
	require.NoError(t, err)
	assert.Equal(t, "10.005", d.String(), "no rounding")

	_, err = ledger.ParseMoney("ten")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// ERROR TAXONOMY TESTS
// =============================================================================

func TestErrors_UnwrapToSentinels(t *testing.T) {
	integrity := ledger.Integrity(ledger.KindDeposit, "d1", "amount", "-5", "amount must be positive")
	wrapped := errors.Wrap(integrity, "derive")

	assert.ErrorIs(t, wrapped, ledger.ErrDataIntegrity)
	assert.True(t, ledger.IsDataIntegrity(wrapped))
	assert.False(t, ledger.IsRetryable(wrapped))

	var die *ledger.DataIntegrityError
	require.True(t, errors.As(wrapped, &die))
	assert.Equal(t, "d1", die.ID)
	assert.Equal(t, "amount", die.Field)
	assert.Contains(t, wrapped.Error(), "deposit d1")

	cas := &ledger.ConcurrentModificationError{Kind: ledger.KindDeposit, ID: "d1", Expected: "pending", Actual: "confirmed"}
	assert.ErrorIs(t, cas, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(cas))

	nf := &ledger.NotFoundError{Kind: ledger.KindUser, ID: "u1"}
	assert.True(t, ledger.IsNotFound(errors.Wrap(nf, "lookup")))
	assert.False(t, ledger.IsRetryable(nf))

	tr := &ledger.TransientError{Op: "update", Cause: errors.New("database is locked")}
	assert.True(t, ledger.IsRetryable(tr))
	assert.True(t, ledger.IsRetryable(context.DeadlineExceeded))
	assert.False(t, ledger.IsRetryable(context.Canceled))
}

func TestInsufficientBalanceError_Message(t *testing.T) {
	err := &ledger.InsufficientBalanceError{
		UserID:    "u1",
		Available: ledger.MustMoney("1.5"),
		Requested: ledger.MustMoney("4"),
	}
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.True(t, ledger.IsClientError(err))
	assert.Equal(t, "insufficient balance: available 1.50, requested 4.00, shortfall 2.50", err.Error())
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestRetryOnce_RetriesTransientOnce(t *testing.T) {
	// GIVEN: An operation that fails transiently every time
	calls, retries := 0, 0
	fail := &ledger.TransientError{Op: "op", Cause: errors.New("busy")}

	// WHEN: Running it with RetryOnce
	err := ledger.RetryOnce(context.Background(), 0, func(error) { retries++ }, func(context.Context) error {
		calls++
		return fail
	})

	// THEN: It ran exactly twice and the second error is returned
	assert.ErrorIs(t, err, ledger.ErrTransient)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, retries)
}

func TestRetryOnce_SecondAttemptSucceeds(t *testing.T) {
	calls := 0
	err := ledger.RetryOnce(context.Background(), 0, nil, func(context.Context) error {
		calls++
		if calls == 1 {
			return &ledger.ConcurrentModificationError{Kind: ledger.KindDeposit, ID: "d1"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryOnce_NoRetryForPermanentErrors(t *testing.T) {
	for _, perm := range []error{
		ledger.Integrity(ledger.KindWithdrawal, "w1", "status", "x", "unrecognized status"),
		&ledger.NotFoundError{Kind: ledger.KindUser, ID: "u1"},
		ledger.ErrTasksLocked,
	} {
		calls := 0
		err := ledger.RetryOnce(context.Background(), 0, nil, func(context.Context) error {
			calls++
			return perm
		})
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, calls, "%v must not be retried", perm)
	}
}

func TestRetryOnce_NoRetryAfterParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := ledger.RetryOnce(ctx, 0, nil, func(context.Context) error {
		calls++
		cancel()
		return &ledger.TransientError{Op: "op", Cause: errors.New("busy")}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryOnce_TimeoutAppliesPerAttempt(t *testing.T) {
	// GIVEN: An attempt that blocks until its context expires
	calls := 0
	start := time.Now()

	err := ledger.RetryOnce(context.Background(), 20*time.Millisecond, nil, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	// THEN: Each attempt got its own deadline and the timeout was retried once
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestLoad_ReturnsEveryStatus(t *testing.T) {
	// GIVEN: A user with deposits in every state and one referral as referrer
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.CreateUser(ctx, ledger.User{ID: "u1", ReferralCode: "AAA", CreatedAt: now}))
	require.NoError(t, m.CreateUser(ctx, ledger.User{ID: "u2", ReferralCode: "BBB", CreatedAt: now}))
	for i, st := range []ledger.DepositStatus{ledger.DepositPending, ledger.DepositConfirmed, ledger.DepositRejected} {
		require.NoError(t, m.CreateDeposit(ctx, ledger.Deposit{
			ID: ledger.DepositID(st), UserID: "u1", Amount: ledger.MustMoney("5"), Status: st,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, m.CreateDeposit(ctx, ledger.Deposit{ID: "other", UserID: "u2", Amount: ledger.MustMoney("5"), Status: ledger.DepositConfirmed, CreatedAt: now}))
	require.NoError(t, m.CreateReferral(ctx, ledger.Referral{ID: "r1", ReferrerID: "u1", ReferredID: "u2", Status: ledger.ReferralPending, CreatedAt: now}))

	// WHEN: Loading u1's slice
	slice, err := ledger.Load(ctx, m, "u1")
	require.NoError(t, err)

	// THEN: All three deposits are present in creation order, the referral too
	require.Len(t, slice.Deposits, 3)
	assert.Equal(t, ledger.DepositID("pending"), slice.Deposits[0].ID)
	assert.Equal(t, ledger.DepositID("rejected"), slice.Deposits[2].ID)
	assert.Len(t, slice.Referrals, 1)
	assert.Empty(t, slice.Withdrawals)
	assert.Equal(t, ledger.UserID("u1"), slice.UserID)
}
