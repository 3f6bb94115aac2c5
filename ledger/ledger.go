package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Slice is everything that feeds one user's balance: all of their
// deposits, withdrawals and submissions regardless of status, and the
// referrals in which they are the referrer.
type Slice struct {
	UserID      UserID
	Deposits    []Deposit
	Withdrawals []Withdrawal
	Submissions []TaskSubmission
	Referrals   []Referral
}

// Load reads the ledger slice for a user. Statuses are not filtered so
// the derivation step can reject records with unknown values.
func Load(ctx context.Context, q Query, userID UserID) (Slice, error) {
	deposits, err := q.Deposits(ctx, userID)
	if err != nil {
		return Slice{}, errors.Wrap(err, "load deposits")
	}
	withdrawals, err := q.Withdrawals(ctx, userID)
	if err != nil {
		return Slice{}, errors.Wrap(err, "load withdrawals")
	}
	submissions, err := q.Submissions(ctx, userID)
	if err != nil {
		return Slice{}, errors.Wrap(err, "load submissions")
	}
	referrals, err := q.ReferralsByReferrer(ctx, userID)
	if err != nil {
		return Slice{}, errors.Wrap(err, "load referrals")
	}
	return Slice{
		UserID:      userID,
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Submissions: submissions,
		Referrals:   referrals,
	}, nil
}

// RetryOnce runs fn with a per-attempt timeout and, if it fails with a
// retryable error while the parent context is still live, runs it one more
// time. onRetry may be nil.
func RetryOnce(ctx context.Context, timeout time.Duration, onRetry func(error), fn func(context.Context) error) error {
	err := attempt(ctx, timeout, fn)
	if err == nil || !IsRetryable(err) || ctx.Err() != nil {
		return err
	}
	if onRetry != nil {
		onRetry(err)
	}
	return attempt(ctx, timeout, fn)
}

func attempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
