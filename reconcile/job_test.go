package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger/store"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var start = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal { return ledger.MustMoney(s) }

// addUser stores a user whose ledger derives to confirmed-10 balance and
// whose stored state is given.
func addUser(t *testing.T, m *store.Memory, id string, confirmed string, stored ledger.UserState) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateUser(ctx, ledger.User{ID: ledger.UserID(id), ReferralCode: "code-" + id, State: stored, CreatedAt: start}))
	if confirmed == "" {
		return
	}
	require.NoError(t, m.CreateDeposit(ctx, ledger.Deposit{
		ID: ledger.DepositID("dep-" + id), UserID: ledger.UserID(id), Amount: money(confirmed),
		Status: ledger.DepositConfirmed, CreatedAt: start,
	}))
}

func unlocked(bal string) ledger.UserState {
	return ledger.UserState{Balance: money(bal), HasDeposited: true, TasksUnlocked: true}
}

func newJob(t *testing.T, m *store.Memory) *reconcile.Job {
	t.Helper()
	job := reconcile.NewJob(m, reconcile.Config{Workers: 3}, zaptest.NewLogger(t))
	job.Runs = m
	job.Now = func() time.Time { return start }
	return job
}

type recordingArchiver struct {
	mu      sync.Mutex
	reports []reconcile.Report
}

func (a *recordingArchiver) Archive(_ context.Context, r reconcile.Report) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

// =============================================================================
// CORRECTION TESTS
// =============================================================================

func TestRun_CorrectsDriftThenIsIdempotent(t *testing.T) {
	// GIVEN: One correct user and two drifted ones
	ctx := context.Background()
	m := store.NewMemory()
	addUser(t, m, "ok", "15.00", unlocked("5.00"))
	addUser(t, m, "raw-credit", "10.00", unlocked("10.00"))
	addUser(t, m, "stale-flag", "", ledger.UserState{Balance: decimal.Zero, HasDeposited: true})
	job := newJob(t, m)

	// WHEN: Running reconciliation
	report, err := job.Run(ctx, reconcile.Options{})

	// THEN: Only the drifted users are corrected, to the derived values
	require.NoError(t, err)
	assert.Equal(t, 3, report.UsersProcessed)
	assert.Equal(t, 2, report.UsersCorrected)
	require.Len(t, report.Corrections, 2)
	assert.Equal(t, ledger.UserID("raw-credit"), report.Corrections[0].UserID)
	assert.True(t, report.Corrections[0].Before.Balance.Equal(money("10.00")))
	assert.True(t, report.Corrections[0].After.Balance.IsZero())
	assert.Equal(t, ledger.UserID("stale-flag"), report.Corrections[1].UserID)
	assert.True(t, report.TotalSystemBalance.Equal(money("5.00")))
	assert.Empty(t, report.Failures)

	u, _ := m.GetUser(ctx, "raw-credit")
	assert.True(t, u.State.Balance.IsZero())
	u, _ = m.GetUser(ctx, "stale-flag")
	assert.False(t, u.State.HasDeposited)

	// WHEN: Running again over the unchanged ledger
	again, err := job.Run(ctx, reconcile.Options{})

	// THEN: Nothing left to correct
	require.NoError(t, err)
	assert.Equal(t, 0, again.UsersCorrected)
	assert.Empty(t, again.Corrections)
	assert.True(t, again.TotalSystemBalance.Equal(report.TotalSystemBalance))
}

func TestRun_SubCentNoiseIsNotDrift(t *testing.T) {
	m := store.NewMemory()
	addUser(t, m, "noisy", "15.00", unlocked("5.004"))

	report, err := newJob(t, m).Run(context.Background(), reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.UsersCorrected)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	addUser(t, m, "drifted", "10.00", unlocked("10.00"))

	report, err := newJob(t, m).Run(ctx, reconcile.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.UsersCorrected)

	u, _ := m.GetUser(ctx, "drifted")
	assert.True(t, u.State.Balance.Equal(money("10.00")), "dry run must not write")

	runs, err := m.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].DryRun)
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestRun_FailureIsolatedToOneUser(t *testing.T) {
	// GIVEN: A user with a corrupt deposit among healthy drifted users
	ctx := context.Background()
	m := store.NewMemory()
	for i := 0; i < 5; i++ {
		addUser(t, m, fmt.Sprintf("user-%d", i), "12.00", unlocked("0"))
	}
	addUser(t, m, "corrupt", "", unlocked("3.00"))
	require.NoError(t, m.CreateDeposit(ctx, ledger.Deposit{ID: "neg", UserID: "corrupt", Amount: money("-4"), Status: ledger.DepositConfirmed, CreatedAt: start}))

	// WHEN: Running
	report, err := newJob(t, m).Run(ctx, reconcile.Options{})

	// THEN: The corrupt user is reported, the others corrected
	require.NoError(t, err)
	assert.Equal(t, 6, report.UsersProcessed)
	assert.Equal(t, 5, report.UsersCorrected)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, ledger.UserID("corrupt"), report.Failures[0].UserID)
	assert.True(t, ledger.IsDataIntegrity(report.Failures[0].Err))
	assert.Contains(t, report.Failures[0].Message, "neg")
	assert.True(t, report.TotalSystemBalance.Equal(money("10.00")))

	// The corrupt user's stored state is left alone
	u, _ := m.GetUser(ctx, "corrupt")
	assert.True(t, u.State.Balance.Equal(money("3.00")))

	runs, _ := m.ListRuns(ctx, 1)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].UsersFailed)
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := store.NewMemory()
	addUser(t, m, "a", "15.00", unlocked("0"))
	archive := &recordingArchiver{}
	job := newJob(t, m)
	job.Archive = archive

	report, err := job.Run(ctx, reconcile.Options{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Canceled)
	assert.Equal(t, 0, report.UsersProcessed)

	// The run is still recorded and archived
	runs, _ := m.ListRuns(context.Background(), 1)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunCanceled, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
	require.Len(t, archive.reports, 1)
	assert.True(t, archive.reports[0].Canceled)
}

func TestRun_RecordsAndArchives(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	addUser(t, m, "a", "15.00", unlocked("0"))
	archive := &recordingArchiver{}
	job := newJob(t, m)
	job.Archive = archive

	report, err := job.Run(ctx, reconcile.Options{})
	require.NoError(t, err)

	runs, err := m.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, ledger.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].UsersCorrected)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, runs[0].TotalSystemBalance.Equal(money("5.00")))

	require.Len(t, archive.reports, 1)
	assert.Equal(t, report.RunID, archive.reports[0].RunID)
}

func TestRun_NoUsers(t *testing.T) {
	report, err := newJob(t, store.NewMemory()).Run(context.Background(), reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.UsersProcessed)
	assert.NotNil(t, report.Corrections)
	assert.NotNil(t, report.Failures)
	assert.True(t, report.TotalSystemBalance.IsZero())
}

func TestRun_ManyUsersParallel(t *testing.T) {
	m := store.NewMemory()
	for i := 0; i < 40; i++ {
		addUser(t, m, fmt.Sprintf("u%02d", i), "11.00", unlocked("9.99"))
	}

	report, err := newJob(t, m).Run(context.Background(), reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, 40, report.UsersProcessed)
	assert.Equal(t, 40, report.UsersCorrected)
	assert.True(t, report.TotalSystemBalance.Equal(money("40.00")))
	for i := 1; i < len(report.Corrections); i++ {
		assert.Less(t, report.Corrections[i-1].UserID, report.Corrections[i].UserID)
	}
}
