package balance

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// Calculator derives balances from a ledger.Query. It holds no state of
// its own; build one over a transactional view to derive inside a unit of
// work.
type Calculator struct {
	Query   ledger.Query
	Deriver Deriver
}

func NewCalculator(q ledger.Query) *Calculator {
	return &Calculator{Query: q, Deriver: NewDeriver()}
}

// DeriveBalance loads the user's ledger slice and derives it. It returns
// NotFoundError if the user does not exist.
func (c *Calculator) DeriveBalance(ctx context.Context, userID ledger.UserID) (Snapshot, error) {
	if _, err := c.Query.GetUserState(ctx, userID); err != nil {
		return Snapshot{}, err
	}
	slice, err := ledger.Load(ctx, c.Query, userID)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "load ledger for %s", userID)
	}
	return c.Deriver.Derive(slice)
}

// DefaultEpsilon absorbs sub-cent noise in stored balances written by
// float-based tooling.
var DefaultEpsilon = decimal.RequireFromString("0.01")

// Drifted reports whether stored differs from derived: the stored balance
// is unreadable, either flag differs, or the balances differ by more than
// epsilon.
func Drifted(stored, derived ledger.UserState, epsilon decimal.Decimal) bool {
	if stored.Unreadable {
		return true
	}
	if stored.HasDeposited != derived.HasDeposited || stored.TasksUnlocked != derived.TasksUnlocked {
		return true
	}
	return stored.Balance.Sub(derived.Balance).Abs().GreaterThan(epsilon)
}
