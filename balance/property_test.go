package balance_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/mesum357/EasyEarn-Backend-sub001/balance"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// =============================================================================
// GENERATORS
// =============================================================================

// cents draws a positive amount between 0.01 and 50.00.
func cents(t *rapid.T, label string) decimal.Decimal {
	return decimal.New(int64(rapid.IntRange(1, 5000).Draw(t, label)), -2)
}

func genSlice(t *rapid.T) ledger.Slice {
	l := ledger.Slice{UserID: user}
	depStatuses := []ledger.DepositStatus{ledger.DepositPending, ledger.DepositConfirmed, ledger.DepositRejected}
	wdStatuses := []ledger.WithdrawalStatus{ledger.WithdrawalPending, ledger.WithdrawalProcessing, ledger.WithdrawalCompleted, ledger.WithdrawalRejected}
	subStatuses := []ledger.SubmissionStatus{ledger.SubmissionPending, ledger.SubmissionApproved, ledger.SubmissionRejected}
	refStatuses := []ledger.ReferralStatus{ledger.ReferralPending, ledger.ReferralCompleted}

	n := rapid.IntRange(0, 6).Draw(t, "deposits")
	for i := 0; i < n; i++ {
		l.Deposits = append(l.Deposits, ledger.Deposit{
			ID:        ledger.DepositID(fmt.Sprintf("dep-%d", i)),
			UserID:    user,
			Amount:    cents(t, "deposit"),
			Status:    rapid.SampledFrom(depStatuses).Draw(t, "deposit status"),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	n = rapid.IntRange(0, 4).Draw(t, "withdrawals")
	for i := 0; i < n; i++ {
		l.Withdrawals = append(l.Withdrawals, ledger.Withdrawal{
			ID:     ledger.WithdrawalID(fmt.Sprintf("wd-%d", i)),
			UserID: user,
			Amount: cents(t, "withdrawal"),
			Status: rapid.SampledFrom(wdStatuses).Draw(t, "withdrawal status"),
		})
	}
	n = rapid.IntRange(0, 4).Draw(t, "submissions")
	for i := 0; i < n; i++ {
		l.Submissions = append(l.Submissions, ledger.TaskSubmission{
			ID:     ledger.SubmissionID(fmt.Sprintf("sub-%d", i)),
			UserID: user,
			Reward: cents(t, "reward"),
			Status: rapid.SampledFrom(subStatuses).Draw(t, "submission status"),
		})
	}
	n = rapid.IntRange(0, 3).Draw(t, "referrals")
	for i := 0; i < n; i++ {
		l.Referrals = append(l.Referrals, ledger.Referral{
			ID:         ledger.ReferralID(fmt.Sprintf("ref-%d", i)),
			ReferrerID: user,
			Bonus:      money("2.00"),
			Status:     rapid.SampledFrom(refStatuses).Draw(t, "referral status"),
		})
	}
	return l
}

func mustDerive(t *rapid.T, l ledger.Slice) balance.Snapshot {
	snap, err := balance.Derive(l)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return snap
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestProperty_BalanceNeverNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snap := mustDerive(t, genSlice(t))
		if snap.Balance.IsNegative() {
			t.Fatalf("negative balance %s", snap.Balance)
		}
	})
}

func TestProperty_UnlockMatchesConfirmedTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := genSlice(t)
		snap := mustDerive(t, l)

		total := decimal.Zero
		for _, d := range l.Deposits {
			if d.Status == ledger.DepositConfirmed {
				total = total.Add(d.Amount)
			}
		}
		if want := total.GreaterThanOrEqual(balance.UnlockThreshold); snap.TasksUnlocked != want {
			t.Fatalf("tasksUnlocked=%v with confirmed total %s", snap.TasksUnlocked, total)
		}
		if snap.HasDeposited != total.IsPositive() {
			t.Fatalf("hasDeposited=%v with confirmed total %s", snap.HasDeposited, total)
		}
	})
}

func TestProperty_ConfirmingNeverLowersBalance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := genSlice(t)
		before := mustDerive(t, l)

		l.Deposits = append(l.Deposits, ledger.Deposit{
			ID:        "dep-extra",
			UserID:    user,
			Amount:    cents(t, "extra"),
			Status:    ledger.DepositConfirmed,
			CreatedAt: base.Add(time.Hour),
		})
		after := mustDerive(t, l)

		if after.Balance.LessThan(before.Balance) {
			t.Fatalf("balance fell from %s to %s after a confirmed deposit", before.Balance, after.Balance)
		}
		if before.TasksUnlocked && !after.TasksUnlocked {
			t.Fatal("a confirmed deposit re-locked tasks")
		}
	})
}

func TestProperty_RecordOrderIrrelevant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := genSlice(t)
		want := mustDerive(t, l)

		shuffled := l
		shuffled.Deposits = rapid.Permutation(l.Deposits).Draw(t, "deposit order")
		shuffled.Withdrawals = rapid.Permutation(l.Withdrawals).Draw(t, "withdrawal order")
		shuffled.Submissions = rapid.Permutation(l.Submissions).Draw(t, "submission order")
		got := mustDerive(t, shuffled)

		if !got.Balance.Equal(want.Balance) || got.TasksUnlocked != want.TasksUnlocked {
			t.Fatalf("order changed the result: %s vs %s", got.Balance, want.Balance)
		}
	})
}
