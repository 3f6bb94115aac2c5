package balance

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// UnlockThreshold is the cumulative confirmed deposit amount required
// before task access is granted. The same amount is consumed as the unlock
// fee and never becomes spendable.
var UnlockThreshold = decimal.RequireFromString("10.00")

// UnlockPolicy decides how much of a user's confirmed deposits is consumed
// as the unlock fee. The threshold is cumulative across deposit records:
// $4 then $6 unlocks exactly like a single $10 deposit.
type UnlockPolicy struct {
	Threshold decimal.Decimal
}

func DefaultUnlockPolicy() UnlockPolicy {
	return UnlockPolicy{Threshold: UnlockThreshold}
}

// UnlockResult is the outcome of applying the policy to confirmed deposits.
type UnlockResult struct {
	ConfirmedCount int
	TotalConfirmed decimal.Decimal
	FeeConsumed    decimal.Decimal // min(total, threshold)
	Contribution   decimal.Decimal // max(0, total - threshold)
	Unlocked       bool

	// UnlockedBy is the deposit whose confirmation carried the running
	// total to the threshold. Empty while locked.
	UnlockedBy ledger.DepositID
}

// Evaluate applies the policy. Deposits that are not confirmed are
// ignored; the input is not modified.
func (p UnlockPolicy) Evaluate(deposits []ledger.Deposit) UnlockResult {
	confirmed := make([]ledger.Deposit, 0, len(deposits))
	for _, d := range deposits {
		if d.Status == ledger.DepositConfirmed {
			confirmed = append(confirmed, d)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		if confirmed[i].CreatedAt.Equal(confirmed[j].CreatedAt) {
			return confirmed[i].ID < confirmed[j].ID
		}
		return confirmed[i].CreatedAt.Before(confirmed[j].CreatedAt)
	})

	res := UnlockResult{
		ConfirmedCount: len(confirmed),
		TotalConfirmed: decimal.Zero,
	}
	for _, d := range confirmed {
		res.TotalConfirmed = res.TotalConfirmed.Add(d.Amount)
		if res.UnlockedBy == "" && res.TotalConfirmed.GreaterThanOrEqual(p.Threshold) {
			res.UnlockedBy = d.ID
		}
	}

	res.Unlocked = res.TotalConfirmed.GreaterThanOrEqual(p.Threshold)
	res.FeeConsumed = decimal.Min(res.TotalConfirmed, p.Threshold)
	res.Contribution = decimal.Max(decimal.Zero, res.TotalConfirmed.Sub(p.Threshold))
	return res
}
