package referral_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mesum357/EasyEarn-Backend-sub001/balance"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger/store"
	"github.com/mesum357/EasyEarn-Backend-sub001/referral"
)

var fixed = time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

func setup(t *testing.T) (*store.Memory, *referral.Trigger, ledger.Referral) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateUser(ctx, ledger.User{ID: "referrer", ReferralCode: "R1"}))
	referrer := ledger.UserID("referrer")
	require.NoError(t, m.CreateUser(ctx, ledger.User{ID: "referred", ReferralCode: "R2", ReferredBy: &referrer}))

	r := referral.NewRecord("referrer", "referred", referral.DefaultBonus, fixed)
	require.NoError(t, m.CreateReferral(ctx, r))

	trig := referral.NewTrigger(zaptest.NewLogger(t))
	trig.Now = func() time.Time { return fixed }
	return m, trig, r
}

func TestTrigger_LockedUserDoesNothing(t *testing.T) {
	m, trig, r := setup(t)

	got, err := trig.Evaluate(context.Background(), m, balance.Snapshot{UserID: "referred", HasDeposited: true})
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, _ := m.ReferralByReferred(context.Background(), "referred")
	assert.Equal(t, ledger.ReferralPending, stored.Status)
	assert.Equal(t, r.ID, stored.ID)
}

func TestTrigger_CompletesOnce(t *testing.T) {
	// GIVEN: A pending referral and an unlocked referred user
	ctx := context.Background()
	m, trig, r := setup(t)
	unlocked := balance.Snapshot{UserID: "referred", TasksUnlocked: true, HasDeposited: true}

	// WHEN: Evaluating the trigger
	got, err := trig.Evaluate(ctx, m, unlocked)

	// THEN: The referral moved to completed in this call
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, ledger.ReferralCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, fixed, *got.CompletedAt)

	// WHEN: Evaluating again
	again, err := trig.Evaluate(ctx, m, unlocked)

	// THEN: Nothing happens the second time
	require.NoError(t, err)
	assert.Nil(t, again)

	completed, err := m.ReferralsByReferrer(ctx, "referrer", ledger.ReferralCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestTrigger_NoReferral(t *testing.T) {
	m, trig, _ := setup(t)
	got, err := trig.Evaluate(context.Background(), m, balance.Snapshot{UserID: "referrer", TasksUnlocked: true})
	require.NoError(t, err)
	assert.Nil(t, got)
}

// racingStore completes the referral behind the trigger's back between
// its read and its compare-and-set.
type racingStore struct {
	*store.Memory
	once bool
}

func (s *racingStore) TransitionReferral(ctx context.Context, id ledger.ReferralID, from, to ledger.ReferralStatus, at time.Time) error {
	if !s.once {
		s.once = true
		if err := s.Memory.TransitionReferral(ctx, id, from, to, at); err != nil {
			return err
		}
	}
	return s.Memory.TransitionReferral(ctx, id, from, to, at)
}

func TestTrigger_LostRaceIsConcurrentModification(t *testing.T) {
	m, trig, _ := setup(t)

	_, err := trig.Evaluate(context.Background(), &racingStore{Memory: m}, balance.Snapshot{UserID: "referred", TasksUnlocked: true})

	var cas *ledger.ConcurrentModificationError
	require.True(t, errors.As(err, &cas))
	assert.Equal(t, ledger.KindReferral, cas.Kind)
	assert.True(t, ledger.IsRetryable(err))
}

func TestTrigger_UnknownStatusIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateReferral(ctx, ledger.Referral{ID: "r", ReferrerID: "a", ReferredID: "b", Status: "expired"}))

	_, err := referral.NewTrigger(nil).Evaluate(ctx, m, balance.Snapshot{UserID: "b", TasksUnlocked: true})
	assert.True(t, ledger.IsDataIntegrity(err))
}

func TestNewCode(t *testing.T) {
	a, b := referral.NewCode(), referral.NewCode()
	assert.Len(t, a, 8)
	assert.Regexp(t, `^[0-9A-F]{8}$`, a)
	assert.NotEqual(t, a, b)
}
