/*
Package reconcile re-derives every user's balance and corrects stored
fields that have drifted from the derivation.

WHY A JOB:
  Stored balance, hasDeposited and tasksUnlocked are caches of
  balance.Derive. Anything that wrote those columns without going through
  the derivation (manual SQL, old tooling, crashes between writes) leaves
  them wrong. The job rewrites them from the ledger and nothing else.

PER-USER UNIT OF WORK:
  For each user, inside one storage transaction:
  1. Read the user and their ledger slice
  2. Derive
  3. If stored differs from derived (flags, balance by more than epsilon, or a
     stored balance that could not be read), overwrite the three fields
  Users are listed by id only and their stored fields are read apart from
  the rest of the row, so a corrupt users row fails at most that user.
  Reading and writing in the same transaction means a deposit confirmed
  concurrently is never overwritten by a stale derivation.

IDEMPOTENCE:
  A second run over an unchanged ledger finds nothing to correct.

FAILURES:
  A user whose derivation fails (corrupt record, storage error) is logged,
  recorded in Report.Failures and skipped. Other users are unaffected.

CANCELLATION:
  ctx is checked before each user is started. A canceled run returns the
  partial report together with ctx.Err().

SEE ALSO:
  - scheduler.go: Interval-driven runs
  - archive.go: Report upload to S3-compatible storage
*/
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesum357/EasyEarn-Backend-sub001/balance"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// =============================================================================
// REPORT
// =============================================================================

type Report struct {
	RunID              string          `json:"run_id"`
	DryRun             bool            `json:"dry_run"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        time.Time       `json:"completed_at"`
	UsersProcessed     int             `json:"users_processed"`
	UsersCorrected     int             `json:"users_corrected"`
	TotalSystemBalance decimal.Decimal `json:"total_system_balance"`
	Corrections        []Correction    `json:"corrections"`
	Failures           []Failure       `json:"failures"`
	Canceled           bool            `json:"canceled"`
}

// Correction records one user whose stored fields were (or, in a dry run,
// would have been) overwritten.
type Correction struct {
	UserID ledger.UserID    `json:"user_id"`
	Before ledger.UserState `json:"before"`
	After  ledger.UserState `json:"after"`
}

type Failure struct {
	UserID  ledger.UserID `json:"user_id"`
	Message string        `json:"message"`
	Err     error         `json:"-"`
}

// =============================================================================
// JOB
// =============================================================================

type Config struct {
	Workers int
	Epsilon decimal.Decimal
	Timeout time.Duration // per storage attempt
}

type Options struct {
	DryRun bool
}

type Job struct {
	Store   ledger.TxStore
	Runs    ledger.RunStore // optional
	Archive Archiver        // optional
	Deriver balance.Deriver
	Config  Config
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewJob(store ledger.TxStore, cfg Config, logger *zap.Logger) *Job {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Epsilon.IsZero() {
		cfg.Epsilon = balance.DefaultEpsilon
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		Store:   store,
		Deriver: balance.NewDeriver(),
		Config:  cfg,
		Logger:  logger,
		Now:     time.Now,
	}
}

type outcome struct {
	derived   ledger.UserState
	corrected *Correction
}

// Run reconciles every user once.
func (j *Job) Run(ctx context.Context, opts Options) (Report, error) {
	report := Report{
		RunID:              uuid.NewString(),
		DryRun:             opts.DryRun,
		StartedAt:          j.Now().UTC(),
		TotalSystemBalance: decimal.Zero,
		Corrections:        []Correction{},
		Failures:           []Failure{},
	}
	log := j.Logger.With(zap.String("run_id", report.RunID), zap.Bool("dry_run", opts.DryRun))

	var users []ledger.UserID
	err := ledger.RetryOnce(ctx, j.Config.Timeout, j.retryLogger(log, "list users"), func(ctx context.Context) error {
		var err error
		users, err = j.Store.ListUserIDs(ctx)
		return err
	})
	if err != nil {
		err = errors.Wrap(err, "list users")
		report.CompletedAt = j.Now().UTC()
		j.saveRun(context.WithoutCancel(ctx), log, report, ledger.RunFailed, err.Error())
		return report, err
	}

	j.saveRun(ctx, log, report, ledger.RunRunning, "")
	log.Info("reconciliation started", zap.Int("users", len(users)), zap.Int("workers", j.Config.Workers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.Config.Workers)

	for _, id := range users {
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := j.reconcileUser(gctx, id, opts)

			mu.Lock()
			defer mu.Unlock()
			report.UsersProcessed++
			if err != nil {
				if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
					report.UsersProcessed--
					return err
				}
				log.Error("user reconciliation failed", zap.String("user_id", string(id)), zap.Error(err))
				report.Failures = append(report.Failures, Failure{UserID: id, Message: err.Error(), Err: err})
				return nil
			}
			report.TotalSystemBalance = report.TotalSystemBalance.Add(res.derived.Balance)
			if res.corrected != nil {
				report.UsersCorrected++
				report.Corrections = append(report.Corrections, *res.corrected)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Corrections, func(i, k int) bool { return report.Corrections[i].UserID < report.Corrections[k].UserID })
	sort.Slice(report.Failures, func(i, k int) bool { return report.Failures[i].UserID < report.Failures[k].UserID })
	report.CompletedAt = j.Now().UTC()

	status := ledger.RunCompleted
	var runErr error
	if err := ctx.Err(); err != nil {
		report.Canceled = true
		status = ledger.RunCanceled
		runErr = err
	}

	// The run record and archive must outlive a canceled ctx.
	finishCtx := context.WithoutCancel(ctx)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	j.saveRun(finishCtx, log, report, status, errMsg)
	if j.Archive != nil {
		if err := j.Archive.Archive(finishCtx, report); err != nil {
			log.Error("archive report failed", zap.Error(err))
		}
	}

	log.Info("reconciliation finished",
		zap.Int("processed", report.UsersProcessed),
		zap.Int("corrected", report.UsersCorrected),
		zap.Int("failed", len(report.Failures)),
		zap.String("total_system_balance", report.TotalSystemBalance.StringFixed(2)),
		zap.Bool("canceled", report.Canceled),
		zap.Duration("elapsed", report.CompletedAt.Sub(report.StartedAt)),
	)
	return report, runErr
}

func (j *Job) reconcileUser(ctx context.Context, id ledger.UserID, opts Options) (outcome, error) {
	var res outcome
	err := ledger.RetryOnce(ctx, j.Config.Timeout, j.retryLogger(j.Logger, "reconcile "+string(id)), func(ctx context.Context) error {
		res = outcome{}
		return j.Store.WithTx(ctx, func(s ledger.Store) error {
			stored, err := s.GetUserState(ctx, id)
			if err != nil {
				return err
			}
			calc := &balance.Calculator{Query: s, Deriver: j.Deriver}
			snap, err := calc.DeriveBalance(ctx, id)
			if err != nil {
				return err
			}
			if !snap.Breakdown.Overdraft.IsZero() {
				j.Logger.Warn("committed withdrawals exceed earnings",
					zap.String("user_id", string(id)),
					zap.String("overdraft", snap.Breakdown.Overdraft.StringFixed(2)))
			}

			res.derived = snap.State()
			if !balance.Drifted(stored, res.derived, j.Config.Epsilon) {
				return nil
			}
			res.corrected = &Correction{UserID: id, Before: stored, After: res.derived}
			if opts.DryRun {
				return nil
			}
			return s.UpdateUserState(ctx, id, res.derived, j.Now().UTC())
		})
	})
	return res, err
}

func (j *Job) saveRun(ctx context.Context, log *zap.Logger, r Report, status ledger.RunStatus, errMsg string) {
	if j.Runs == nil {
		return
	}
	run := ledger.ReconciliationRun{
		ID:                 r.RunID,
		Status:             status,
		DryRun:             r.DryRun,
		UsersProcessed:     r.UsersProcessed,
		UsersCorrected:     r.UsersCorrected,
		UsersFailed:        len(r.Failures),
		TotalSystemBalance: r.TotalSystemBalance,
		Error:              errMsg,
		StartedAt:          r.StartedAt,
	}
	if status != ledger.RunRunning {
		completed := r.CompletedAt
		run.CompletedAt = &completed
	}
	if err := j.Runs.SaveRun(ctx, run); err != nil {
		log.Error("save run record failed", zap.Error(err))
	}
}

func (j *Job) retryLogger(log *zap.Logger, op string) func(error) {
	return func(err error) {
		log.Warn("retrying storage operation", zap.String("op", op), zap.Error(err))
	}
}
