/*
Package balance derives a user's authoritative balance from their ledger.

PURPOSE:
  There is exactly one definition of a user's balance and it lives here.
  Request handlers, the deposit confirmation path and the reconciliation
  job all call Derive; none of them add amounts to a stored balance.

DERIVATION:
  depositContribution = max(0, Σ confirmed deposits - 10.00)
  taskRewardTotal     = Σ reward of approved submissions
  referralBonusTotal  = Σ bonus of completed referrals (as referrer)
  withdrawalTotal     = Σ withdrawals in pending | processing | completed

  balance       = max(0, depositContribution + taskRewardTotal
                         + referralBonusTotal - withdrawalTotal)
  hasDeposited  = at least one confirmed deposit
  tasksUnlocked = Σ confirmed deposits >= 10.00

  Derive is pure: the same slice always yields the same Snapshot, so it can
  be replayed any number of times.

VALIDATION:
  Every record in the slice is checked before anything is summed. A
  non-positive amount, an unknown status or a record owned by another user
  fails the derivation with a DataIntegrityError naming the record.
  Nothing is coerced to a plausible value.

SEE ALSO:
  - unlock.go: Cumulative unlock threshold
  - calculator.go: Loads a slice from a ledger.Query and derives it;
    Drifted compares a snapshot against stored user fields
*/
package balance

import (
	"github.com/shopspring/decimal"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// Snapshot is the derived state of one user.
type Snapshot struct {
	UserID        ledger.UserID
	Balance       decimal.Decimal
	HasDeposited  bool
	TasksUnlocked bool
	Breakdown     Breakdown
}

// Breakdown explains how Balance was reached.
type Breakdown struct {
	ConfirmedDeposits      int
	TotalConfirmedDeposits decimal.Decimal
	UnlockFee              decimal.Decimal
	DepositContribution    decimal.Decimal
	TaskRewardTotal        decimal.Decimal
	ReferralBonusTotal     decimal.Decimal
	WithdrawalTotal        decimal.Decimal
	UnlockedBy             ledger.DepositID

	// Overdraft is how far below zero the raw sum fell before the floor was
	// applied. Non-zero only when committed withdrawals exceed everything
	// earned, which points at a data problem worth surfacing.
	Overdraft decimal.Decimal
}

// State is the stored form of the snapshot.
func (s Snapshot) State() ledger.UserState {
	return ledger.UserState{
		Balance:       s.Balance,
		HasDeposited:  s.HasDeposited,
		TasksUnlocked: s.TasksUnlocked,
	}
}

// Deriver applies an UnlockPolicy to ledger slices.
type Deriver struct {
	Policy UnlockPolicy
}

func NewDeriver() Deriver {
	return Deriver{Policy: DefaultUnlockPolicy()}
}

// Derive computes a Snapshot with the default unlock policy.
func Derive(l ledger.Slice) (Snapshot, error) {
	return NewDeriver().Derive(l)
}

// Derive computes a Snapshot from l.
func (dv Deriver) Derive(l ledger.Slice) (Snapshot, error) {
	if err := validate(l); err != nil {
		return Snapshot{}, err
	}

	unlock := dv.Policy.Evaluate(l.Deposits)

	rewards := decimal.Zero
	for _, s := range l.Submissions {
		if s.Status == ledger.SubmissionApproved {
			rewards = rewards.Add(s.Reward)
		}
	}

	bonuses := decimal.Zero
	for _, r := range l.Referrals {
		if r.Status == ledger.ReferralCompleted {
			bonuses = bonuses.Add(r.Bonus)
		}
	}

	withdrawn := decimal.Zero
	for _, w := range l.Withdrawals {
		if w.Status.Committed() {
			withdrawn = withdrawn.Add(w.Amount)
		}
	}

	raw := unlock.Contribution.Add(rewards).Add(bonuses).Sub(withdrawn)
	bal := decimal.Max(decimal.Zero, raw)

	return Snapshot{
		UserID:        l.UserID,
		Balance:       bal,
		HasDeposited:  unlock.ConfirmedCount > 0,
		TasksUnlocked: unlock.Unlocked,
		Breakdown: Breakdown{
			ConfirmedDeposits:      unlock.ConfirmedCount,
			TotalConfirmedDeposits: unlock.TotalConfirmed,
			UnlockFee:              unlock.FeeConsumed,
			DepositContribution:    unlock.Contribution,
			TaskRewardTotal:        rewards,
			ReferralBonusTotal:     bonuses,
			WithdrawalTotal:        withdrawn,
			UnlockedBy:             unlock.UnlockedBy,
			Overdraft:              bal.Sub(raw),
		},
	}, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func validate(l ledger.Slice) error {
	for _, d := range l.Deposits {
		id := string(d.ID)
		if d.UserID != l.UserID {
			return ledger.Integrity(ledger.KindDeposit, id, "user_id", string(d.UserID), "owned by another user")
		}
		if !d.Status.Valid() {
			return ledger.Integrity(ledger.KindDeposit, id, "status", string(d.Status), "unrecognized status")
		}
		if !d.Amount.IsPositive() {
			return ledger.Integrity(ledger.KindDeposit, id, "amount", d.Amount.String(), "amount must be positive")
		}
	}
	for _, w := range l.Withdrawals {
		id := string(w.ID)
		if w.UserID != l.UserID {
			return ledger.Integrity(ledger.KindWithdrawal, id, "user_id", string(w.UserID), "owned by another user")
		}
		if !w.Status.Valid() {
			return ledger.Integrity(ledger.KindWithdrawal, id, "status", string(w.Status), "unrecognized status")
		}
		if !w.Amount.IsPositive() {
			return ledger.Integrity(ledger.KindWithdrawal, id, "amount", w.Amount.String(), "amount must be positive")
		}
	}
	for _, s := range l.Submissions {
		id := string(s.ID)
		if s.UserID != l.UserID {
			return ledger.Integrity(ledger.KindSubmission, id, "user_id", string(s.UserID), "owned by another user")
		}
		if !s.Status.Valid() {
			return ledger.Integrity(ledger.KindSubmission, id, "status", string(s.Status), "unrecognized status")
		}
		if !s.Reward.IsPositive() {
			return ledger.Integrity(ledger.KindSubmission, id, "reward", s.Reward.String(), "task reward must be positive")
		}
	}
	for _, r := range l.Referrals {
		id := string(r.ID)
		if r.ReferrerID != l.UserID {
			return ledger.Integrity(ledger.KindReferral, id, "referrer_id", string(r.ReferrerID), "owned by another user")
		}
		if !r.Status.Valid() {
			return ledger.Integrity(ledger.KindReferral, id, "status", string(r.Status), "unrecognized status")
		}
		if r.Bonus.IsNegative() {
			return ledger.Integrity(ledger.KindReferral, id, "bonus", r.Bonus.String(), "bonus must not be negative")
		}
	}
	return nil
}
