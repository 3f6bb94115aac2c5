/*
Package engine is the single entry point through which ledger mutations
reach a user's stored balance.

PURPOSE:
  Every operation that changes a user's ledger (confirming a deposit,
  approving a task, requesting or settling a withdrawal, completing a
  referral) ends the same way: the affected users are re-derived with
  package balance and the derived fields are written back. No code path
  adds an amount to a stored balance.

UNIT OF WORK:
  Each operation runs inside one TxStore.WithTx call:

	┌──────────── WithTx ─────────────┐
	│ 1. validate + CAS status move   │
	│ 2. derive affected user(s)      │
	│ 3. write derived fields         │
	└─────────────────────────────────┘

  The whole unit is retried once on a transient storage failure or a lost
  compare-and-set. Each attempt runs under the configured timeout.

DEPOSIT CONFIRMATION:
  OnDepositConfirmed moves the deposit pending -> confirmed, derives the
  owner and evaluates the referral trigger in one unit of work. If the
  referral completed in this call, the referrer is derived afterwards in a
  second unit, so the referrer's ledger never blocks the owner. Calling it again for a confirmed
  deposit is a replay: nothing is transitioned and the derived state is
  unchanged.

SEE ALSO:
  - balance/derive.go: The derivation
  - referral/trigger.go: Referral completion
  - reconcile/job.go: Batch re-derivation
*/
package engine

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/balance"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
	"github.com/mesum357/EasyEarn-Backend-sub001/referral"
)

// =============================================================================
// SERVICE
// =============================================================================

type Options struct {
	Timeout       time.Duration // per storage attempt; 0 disables
	ReferralBonus decimal.Decimal // unset means referral.DefaultBonus
	Reconcile     reconcile.Config
	Now           func() time.Time
}

// Service wires the store, the deriver, the referral trigger and the
// reconciliation job. One Service is shared per process.
type Service struct {
	store   ledger.TxStore
	runs    ledger.RunStore
	deriver balance.Deriver
	trigger *referral.Trigger
	job     *reconcile.Job
	logger  *zap.Logger
	opts    Options
}

// New builds a Service. runs may be nil, in which case reconciliation runs
// are not recorded.
func New(store ledger.TxStore, runs ledger.RunStore, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReferralBonus.IsZero() {
		opts.ReferralBonus = referral.DefaultBonus
	}
	if opts.Reconcile.Timeout == 0 {
		opts.Reconcile.Timeout = opts.Timeout
	}

	trigger := referral.NewTrigger(logger)
	trigger.Now = opts.Now

	job := reconcile.NewJob(store, opts.Reconcile, logger)
	job.Runs = runs
	job.Now = opts.Now

	return &Service{
		store:   store,
		runs:    runs,
		deriver: balance.NewDeriver(),
		trigger: trigger,
		job:     job,
		logger:  logger,
		opts:    opts,
	}
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() ledger.TxStore { return s.store }

// Job exposes the reconciliation job, e.g. to attach an archiver or hand
// it to a scheduler.
func (s *Service) Job() *reconcile.Job { return s.job }

// Epsilon is the balance tolerance used to decide drift.
func (s *Service) Epsilon() decimal.Decimal { return s.job.Config.Epsilon }

// =============================================================================
// DERIVATION
// =============================================================================

// DeriveBalance derives the user's state without writing anything.
func (s *Service) DeriveBalance(ctx context.Context, userID ledger.UserID) (balance.Snapshot, error) {
	var snap balance.Snapshot
	err := s.retry(ctx, "derive "+string(userID), func(ctx context.Context) error {
		calc := &balance.Calculator{Query: s.store, Deriver: s.deriver}
		var err error
		snap, err = calc.DeriveBalance(ctx, userID)
		return err
	})
	return snap, err
}

// Sync derives the user and writes the derived fields if they changed.
func (s *Service) Sync(ctx context.Context, userID ledger.UserID) (balance.Snapshot, error) {
	var snap balance.Snapshot
	err := s.unit(ctx, "sync "+string(userID), func(ctx context.Context, st ledger.Store) error {
		var err error
		snap, err = s.sync(ctx, st, userID)
		return err
	})
	return snap, err
}

// sync is the derive-and-persist step shared by every mutation.
func (s *Service) sync(ctx context.Context, st ledger.Store, userID ledger.UserID) (balance.Snapshot, error) {
	stored, err := st.GetUserState(ctx, userID)
	if err != nil {
		return balance.Snapshot{}, err
	}
	slice, err := ledger.Load(ctx, st, userID)
	if err != nil {
		return balance.Snapshot{}, errors.Wrapf(err, "load ledger for %s", userID)
	}
	snap, err := s.deriver.Derive(slice)
	if err != nil {
		return balance.Snapshot{}, err
	}

	derived := snap.State()
	if sameState(stored, derived) {
		return snap, nil
	}
	if err := st.UpdateUserState(ctx, userID, derived, s.now()); err != nil {
		return balance.Snapshot{}, errors.Wrapf(err, "update state for %s", userID)
	}
	if !snap.Breakdown.Overdraft.IsZero() {
		s.logger.Warn("committed withdrawals exceed earnings",
			zap.String("user_id", string(userID)),
			zap.String("overdraft", snap.Breakdown.Overdraft.StringFixed(2)))
	}
	return snap, nil
}

func sameState(a, b ledger.UserState) bool {
	if a.Unreadable || b.Unreadable {
		return false
	}
	return a.Balance.Equal(b.Balance) && a.HasDeposited == b.HasDeposited && a.TasksUnlocked == b.TasksUnlocked
}

// =============================================================================
// DEPOSITS
// =============================================================================

// Confirmation is the outcome of OnDepositConfirmed.
type Confirmation struct {
	Deposit  ledger.Deposit
	Replayed bool // deposit was already confirmed; nothing transitioned
	Owner    balance.Snapshot

	// Referral is set only when this confirmation completed the owner's
	// referral. Referrer is the referrer's re-derived state, or nil with
	// ReferrerErr set when that derivation failed.
	Referral    *ledger.Referral
	Referrer    *balance.Snapshot
	ReferrerErr error
}

// RequestDeposit records a pending deposit for the user.
func (s *Service) RequestDeposit(ctx context.Context, userID ledger.UserID, amount decimal.Decimal, note string) (ledger.Deposit, error) {
	if !amount.IsPositive() {
		return ledger.Deposit{}, errors.Wrapf(ledger.ErrInvalidAmount, "deposit amount %s", amount)
	}
	d := ledger.Deposit{
		ID:        ledger.DepositID(uuid.NewString()),
		UserID:    userID,
		Amount:    amount,
		Status:    ledger.DepositPending,
		Note:      note,
		CreatedAt: s.now(),
	}
	err := s.unit(ctx, "request deposit", func(ctx context.Context, st ledger.Store) error {
		if _, err := st.GetUser(ctx, userID); err != nil {
			return err
		}
		return st.CreateDeposit(ctx, d)
	})
	if err != nil {
		return ledger.Deposit{}, err
	}
	return d, nil
}

// OnDepositConfirmed confirms a pending deposit and brings the owner (and,
// when the referral completes, the referrer) up to date.
func (s *Service) OnDepositConfirmed(ctx context.Context, depositID ledger.DepositID) (Confirmation, error) {
	var res Confirmation
	err := s.unit(ctx, "confirm "+string(depositID), func(ctx context.Context, st ledger.Store) error {
		res = Confirmation{}

		d, err := st.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		switch d.Status {
		case ledger.DepositPending:
			at := s.now()
			if err := st.TransitionDeposit(ctx, d.ID, ledger.DepositPending, ledger.DepositConfirmed, at); err != nil {
				return err
			}
			d.Status = ledger.DepositConfirmed
			d.ConfirmedAt = &at
		case ledger.DepositConfirmed:
			res.Replayed = true
		case ledger.DepositRejected:
			return &ledger.ConcurrentModificationError{
				Kind:     ledger.KindDeposit,
				ID:       string(d.ID),
				Expected: string(ledger.DepositPending),
				Actual:   string(d.Status),
			}
		default:
			return ledger.Integrity(ledger.KindDeposit, string(d.ID), "status", string(d.Status), "unrecognized status")
		}
		res.Deposit = d

		owner, err := s.sync(ctx, st, d.UserID)
		if err != nil {
			return err
		}
		res.Owner = owner

		ref, err := s.trigger.Evaluate(ctx, st, owner)
		if err != nil {
			return errors.Wrap(err, "referral trigger")
		}
		res.Referral = ref
		return nil
	})
	if err != nil {
		return Confirmation{}, err
	}

	// The referrer is derived in its own unit of work so a bad record in
	// their ledger cannot undo the owner's confirmation. The completed
	// referral is already committed; reconciliation picks up a failure.
	if res.Referral != nil {
		referrer, err := s.Sync(ctx, res.Referral.ReferrerID)
		if err != nil {
			s.logger.Error("referrer sync failed",
				zap.String("referral_id", string(res.Referral.ID)),
				zap.String("referrer_id", string(res.Referral.ReferrerID)),
				zap.Error(err))
			res.ReferrerErr = errors.Wrap(err, "sync referrer")
		} else {
			res.Referrer = &referrer
		}
	}

	s.logger.Info("deposit confirmed",
		zap.String("deposit_id", string(depositID)),
		zap.String("user_id", string(res.Deposit.UserID)),
		zap.Bool("replayed", res.Replayed),
		zap.Bool("tasks_unlocked", res.Owner.TasksUnlocked),
		zap.String("balance", res.Owner.Balance.StringFixed(2)),
	)
	return res, nil
}

// RejectDeposit moves a pending deposit to rejected.
func (s *Service) RejectDeposit(ctx context.Context, depositID ledger.DepositID) (ledger.Deposit, error) {
	var d ledger.Deposit
	err := s.unit(ctx, "reject "+string(depositID), func(ctx context.Context, st ledger.Store) error {
		var err error
		d, err = st.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := st.TransitionDeposit(ctx, d.ID, ledger.DepositPending, ledger.DepositRejected, s.now()); err != nil {
			return err
		}
		d.Status = ledger.DepositRejected
		_, err = s.sync(ctx, st, d.UserID)
		return err
	})
	return d, err
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// RequestWithdrawal records a pending withdrawal if the derived balance
// covers it. The amount is committed from the moment it is requested.
func (s *Service) RequestWithdrawal(ctx context.Context, userID ledger.UserID, amount decimal.Decimal) (ledger.Withdrawal, balance.Snapshot, error) {
	if !amount.IsPositive() {
		return ledger.Withdrawal{}, balance.Snapshot{}, errors.Wrapf(ledger.ErrInvalidAmount, "withdrawal amount %s", amount)
	}

	var (
		w    ledger.Withdrawal
		snap balance.Snapshot
	)
	err := s.unit(ctx, "request withdrawal", func(ctx context.Context, st ledger.Store) error {
		before, err := s.sync(ctx, st, userID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(before.Balance) {
			return &ledger.InsufficientBalanceError{UserID: userID, Available: before.Balance, Requested: amount}
		}

		now := s.now()
		w = ledger.Withdrawal{
			ID:        ledger.WithdrawalID(uuid.NewString()),
			UserID:    userID,
			Amount:    amount,
			Status:    ledger.WithdrawalPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateWithdrawal(ctx, w); err != nil {
			return err
		}
		snap, err = s.sync(ctx, st, userID)
		return err
	})
	if err != nil {
		return ledger.Withdrawal{}, balance.Snapshot{}, err
	}
	return w, snap, nil
}

// TransitionWithdrawal moves a withdrawal along its lifecycle. Rejection
// releases the amount back to the balance.
func (s *Service) TransitionWithdrawal(ctx context.Context, id ledger.WithdrawalID, to ledger.WithdrawalStatus) (ledger.Withdrawal, balance.Snapshot, error) {
	if !to.Valid() {
		return ledger.Withdrawal{}, balance.Snapshot{}, errors.Wrapf(ledger.ErrInvalidStatus, "withdrawal status %q", to)
	}

	var (
		w    ledger.Withdrawal
		snap balance.Snapshot
	)
	err := s.unit(ctx, "transition withdrawal "+string(id), func(ctx context.Context, st ledger.Store) error {
		var err error
		w, err = st.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if !w.Status.CanTransitionTo(to) {
			return errors.Wrapf(ledger.ErrInvalidStatus, "withdrawal %s cannot move %s -> %s", id, w.Status, to)
		}
		at := s.now()
		if err := st.TransitionWithdrawal(ctx, id, w.Status, to, at); err != nil {
			return err
		}
		w.Status = to
		w.UpdatedAt = at
		snap, err = s.sync(ctx, st, w.UserID)
		return err
	})
	if err != nil {
		return ledger.Withdrawal{}, balance.Snapshot{}, err
	}
	return w, snap, nil
}

// =============================================================================
// TASKS
// =============================================================================

func (s *Service) CreateTask(ctx context.Context, title string, reward decimal.Decimal) (ledger.Task, error) {
	if title == "" {
		return ledger.Task{}, errors.Wrap(ledger.ErrInvalidInput, "task title is required")
	}
	if !reward.IsPositive() {
		return ledger.Task{}, errors.Wrapf(ledger.ErrInvalidAmount, "task reward %s", reward)
	}
	t := ledger.Task{
		ID:        ledger.TaskID(uuid.NewString()),
		Title:     title,
		Reward:    reward,
		Status:    ledger.TaskActive,
		CreatedAt: s.now(),
	}
	err := s.retry(ctx, "create task", func(ctx context.Context) error {
		return s.store.CreateTask(ctx, t)
	})
	if err != nil {
		return ledger.Task{}, err
	}
	return t, nil
}

// SubmitTask records a pending submission. The user must have task access
// unlocked (as derived, not as stored) and the task must be active. A task
// can be submitted again only after an earlier submission was rejected.
func (s *Service) SubmitTask(ctx context.Context, userID ledger.UserID, taskID ledger.TaskID) (ledger.TaskSubmission, error) {
	var sub ledger.TaskSubmission
	err := s.unit(ctx, "submit task", func(ctx context.Context, st ledger.Store) error {
		snap, err := s.sync(ctx, st, userID)
		if err != nil {
			return err
		}
		if !snap.TasksUnlocked {
			return errors.Wrapf(ledger.ErrTasksLocked, "user %s", userID)
		}
		t, err := st.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != ledger.TaskActive {
			return errors.Wrapf(ledger.ErrTaskInactive, "task %s", taskID)
		}

		existing, err := st.Submissions(ctx, userID, ledger.SubmissionPending, ledger.SubmissionApproved)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.TaskID == taskID {
				return errors.Wrapf(ledger.ErrDuplicate, "task %s already submitted as %s", taskID, e.ID)
			}
		}

		sub = ledger.TaskSubmission{
			ID:        ledger.SubmissionID(uuid.NewString()),
			UserID:    userID,
			TaskID:    taskID,
			Status:    ledger.SubmissionPending,
			Reward:    t.Reward,
			CreatedAt: s.now(),
		}
		return st.CreateSubmission(ctx, sub)
	})
	if err != nil {
		return ledger.TaskSubmission{}, err
	}
	return sub, nil
}

// ReviewSubmission approves or rejects a pending submission. Approval
// credits the task reward through the derivation.
func (s *Service) ReviewSubmission(ctx context.Context, id ledger.SubmissionID, approve bool) (ledger.TaskSubmission, balance.Snapshot, error) {
	to := ledger.SubmissionRejected
	if approve {
		to = ledger.SubmissionApproved
	}

	var (
		sub  ledger.TaskSubmission
		snap balance.Snapshot
	)
	err := s.unit(ctx, "review submission "+string(id), func(ctx context.Context, st ledger.Store) error {
		var err error
		sub, err = st.GetSubmission(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status != ledger.SubmissionPending {
			return errors.Wrapf(ledger.ErrInvalidStatus, "submission %s already %s", id, sub.Status)
		}
		at := s.now()
		if err := st.TransitionSubmission(ctx, id, ledger.SubmissionPending, to, at); err != nil {
			return err
		}
		sub.Status = to
		sub.ReviewedAt = &at
		snap, err = s.sync(ctx, st, sub.UserID)
		return err
	})
	if err != nil {
		return ledger.TaskSubmission{}, balance.Snapshot{}, err
	}
	return sub, snap, nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

type Registration struct {
	Name         string
	Email        string
	ReferralCode string // optional code of the referring user
}

// Register creates a user. With a referral code, the new user is linked to
// the referrer and a pending referral carrying the configured bonus is
// recorded.
func (s *Service) Register(ctx context.Context, in Registration) (ledger.User, error) {
	if in.Name == "" || in.Email == "" {
		return ledger.User{}, errors.Wrap(ledger.ErrInvalidInput, "name and email are required")
	}

	var u ledger.User
	err := s.unit(ctx, "register", func(ctx context.Context, st ledger.Store) error {
		now := s.now()
		u = ledger.User{
			ID:           ledger.UserID(uuid.NewString()),
			Name:         in.Name,
			Email:        in.Email,
			ReferralCode: referral.NewCode(),
			State:        ledger.UserState{Balance: decimal.Zero},
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		var referrer *ledger.User
		if in.ReferralCode != "" {
			r, err := st.GetUserByReferralCode(ctx, in.ReferralCode)
			if err != nil {
				return errors.Wrapf(err, "referral code %q", in.ReferralCode)
			}
			referrer = &r
			u.ReferredBy = &r.ID
		}

		if err := st.CreateUser(ctx, u); err != nil {
			return err
		}
		if referrer == nil {
			return nil
		}
		return st.CreateReferral(ctx, referral.NewRecord(referrer.ID, u.ID, s.opts.ReferralBonus, now))
	})
	if err != nil {
		return ledger.User{}, err
	}

	s.logger.Info("user registered",
		zap.String("user_id", string(u.ID)),
		zap.Bool("referred", u.ReferredBy != nil))
	return u, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileAll runs one reconciliation pass over every user.
func (s *Service) ReconcileAll(ctx context.Context, opts reconcile.Options) (reconcile.Report, error) {
	return s.job.Run(ctx, opts)
}

// Runs lists recorded reconciliation runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	if s.runs == nil {
		return []ledger.ReconciliationRun{}, nil
	}
	return s.runs.ListRuns(ctx, limit)
}

// =============================================================================
// HELPERS
// =============================================================================

// unit runs fn in one transaction, retried once.
func (s *Service) unit(ctx context.Context, op string, fn func(context.Context, ledger.Store) error) error {
	return s.retry(ctx, op, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(st ledger.Store) error {
			return fn(ctx, st)
		})
	})
}

func (s *Service) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	return ledger.RetryOnce(ctx, s.opts.Timeout, func(err error) {
		s.logger.Warn("retrying storage operation", zap.String("op", op), zap.Error(err))
	}, fn)
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}
