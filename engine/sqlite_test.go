package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
	"github.com/mesum357/EasyEarn-Backend-sub001/store/sqlite"
)

// TestSQLite_EndToEnd runs the referral flow and a reconciliation pass
// against the SQLite backend.
func TestSQLite_EndToEnd(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc := newService(t, db)

	// GIVEN: A referrer and a referred user who unlocks with $12
	referrer := register(t, svc, "uma", "")
	referred := register(t, svc, "vic", referrer.ReferralCode)
	c := confirmDeposit(t, svc, referred.ID, "12.00")
	require.NotNil(t, c.Referral)
	assertMoney(t, "2.00", c.Owner.Balance)
	assertMoney(t, "2.00", c.Referrer.Balance)

	// WHEN: The referrer's stored balance is clobbered and reconciliation runs
	require.NoError(t, db.UpdateUserState(ctx, referrer.ID, ledger.UserState{Balance: ledger.MustMoney("50")}, clock))
	report, err := svc.ReconcileAll(ctx, reconcile.Options{})

	// THEN: Only the referrer is corrected, back to the bonus
	require.NoError(t, err)
	assert.Equal(t, 2, report.UsersProcessed)
	require.Len(t, report.Corrections, 1)
	assert.Equal(t, referrer.ID, report.Corrections[0].UserID)
	assertMoney(t, "2.00", storedState(t, db, referrer.ID).Balance)
	assertMoney(t, "4.00", report.TotalSystemBalance)

	// AND: A replayed confirmation does not pay twice
	again, err := svc.OnDepositConfirmed(ctx, c.Deposit.ID)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Nil(t, again.Referral)
	snap, err := svc.DeriveBalance(ctx, referrer.ID)
	require.NoError(t, err)
	assertMoney(t, "2.00", snap.Balance)
}

// TestSQLite_CorruptUserRowIsRepaired covers a users row whose cached
// balance and timestamps were overwritten with garbage behind the store.
func TestSQLite_CorruptUserRowIsRepaired(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc := newService(t, db)

	// GIVEN: One user with an unparseable balance, another with a bad timestamp
	broken := register(t, svc, "wes", "")
	confirmDeposit(t, svc, broken.ID, "13.00")
	stamped := register(t, svc, "xia", "")
	confirmDeposit(t, svc, stamped.ID, "11.00")
	_, err = db.DB().ExecContext(ctx, `UPDATE users SET balance = 'NaN-ish' WHERE id = ?`, broken.ID)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx, `UPDATE users SET created_at = 'yesterday' WHERE id = ?`, stamped.ID)
	require.NoError(t, err)

	// THEN: The derivation does not depend on the cached column
	snap, err := svc.DeriveBalance(ctx, broken.ID)
	require.NoError(t, err)
	assertMoney(t, "3.00", snap.Balance)

	// WHEN: A dry run reports
	dry, err := svc.ReconcileAll(ctx, reconcile.Options{DryRun: true})

	// THEN: The unreadable balance is a correction, not a batch failure
	require.NoError(t, err)
	assert.Equal(t, 2, dry.UsersProcessed)
	assert.Empty(t, dry.Failures)
	require.Len(t, dry.Corrections, 1)
	assert.Equal(t, broken.ID, dry.Corrections[0].UserID)
	assert.True(t, dry.Corrections[0].Before.Unreadable)
	assertMoney(t, "3.00", dry.Corrections[0].After.Balance)
	st, err := db.GetUserState(ctx, broken.ID)
	require.NoError(t, err)
	assert.True(t, st.Unreadable, "dry run must not write")

	// WHEN: A real run follows
	report, err := svc.ReconcileAll(ctx, reconcile.Options{})

	// THEN: The balance is rewritten from the ledger
	require.NoError(t, err)
	assert.Equal(t, 1, report.UsersCorrected)
	assertMoney(t, "4.00", report.TotalSystemBalance)
	st, err = db.GetUserState(ctx, broken.ID)
	require.NoError(t, err)
	assert.False(t, st.Unreadable)
	assertMoney(t, "3.00", st.Balance)

	// AND: The next run finds nothing
	again, err := svc.ReconcileAll(ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Zero(t, again.UsersCorrected)
}
