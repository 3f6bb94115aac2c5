/*
Package referral implements the referral completion state machine.

STATE MACHINE (per referral record):

	pending ──(referred user's tasksUnlocked becomes true)──> completed

  pending is set when the referred user registers with a referral code.
  completed is terminal. The transition is a compare-and-set on the record
  status, so it happens at most once no matter how often it is evaluated.

BONUS CREDITING:
  Completing a referral never touches the referrer's stored balance. The
  bonus is picked up as part of referralBonusTotal the next time the
  referrer is derived; the caller is responsible for that re-derivation.
*/
package referral

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/balance"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// DefaultBonus is credited to the referrer when a referral completes.
var DefaultBonus = decimal.RequireFromString("2.00")

// Trigger promotes pending referrals.
type Trigger struct {
	Now    func() time.Time
	Logger *zap.Logger
}

func NewTrigger(logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{Now: time.Now, Logger: logger}
}

// Evaluate completes the referral of the referred user if their freshly
// derived snapshot shows task access unlocked. It returns the completed
// referral when this call made the transition, nil otherwise (locked, no
// referral, or already completed).
func (t *Trigger) Evaluate(ctx context.Context, s ledger.Store, referred balance.Snapshot) (*ledger.Referral, error) {
	if !referred.TasksUnlocked {
		return nil, nil
	}

	r, err := s.ReferralByReferred(ctx, referred.UserID)
	if ledger.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup referral")
	}

	switch r.Status {
	case ledger.ReferralCompleted:
		return nil, nil
	case ledger.ReferralPending:
	default:
		return nil, ledger.Integrity(ledger.KindReferral, string(r.ID), "status", string(r.Status), "unrecognized status")
	}

	now := t.Now().UTC()
	if err := s.TransitionReferral(ctx, r.ID, ledger.ReferralPending, ledger.ReferralCompleted, now); err != nil {
		return nil, err
	}
	r.Status = ledger.ReferralCompleted
	r.CompletedAt = &now

	t.Logger.Info("referral completed",
		zap.String("referral_id", string(r.ID)),
		zap.String("referrer_id", string(r.ReferrerID)),
		zap.String("referred_id", string(r.ReferredID)),
		zap.String("bonus", r.Bonus.StringFixed(2)),
	)
	return &r, nil
}

// NewRecord builds the pending referral created at registration.
func NewRecord(referrer, referred ledger.UserID, bonus decimal.Decimal, at time.Time) ledger.Referral {
	return ledger.Referral{
		ID:         ledger.ReferralID(uuid.NewString()),
		ReferrerID: referrer,
		ReferredID: referred,
		Status:     ledger.ReferralPending,
		Bonus:      bonus,
		CreatedAt:  at,
	}
}

// NewCode returns a fresh 8-character referral code.
func NewCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
