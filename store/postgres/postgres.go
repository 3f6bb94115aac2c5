// Package postgres provides a PostgreSQL-backed ledger.TxStore and
// ledger.RunStore on a pgx connection pool.
//
// Transactions run at SERIALIZABLE isolation. Serialization failures and
// deadlocks (SQLSTATE 40001, 40P01) are returned as ledger.TransientError
// so the engine retries the unit of work once. Money columns are NUMERIC
// and travel as text, parsed with shopspring/decimal.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

type Store struct {
	*queries
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.RunStore = (*Store)(nil)
)

// New connects to dsn and verifies the connection. The schema must already
// be migrated; see Migrate.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgxpool.New failed")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping failed")
	}
	return &Store{queries: &queries{db: pool}, pool: pool, logger: logger}, nil
}

// Pool exposes the connection pool for tests and tooling.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapErr("begin", err)
	}
	rollback := func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Error("tx.Rollback failed", zap.Error(err))
		}
	}

	if err := fn(&queries{db: tx}); err != nil {
		rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		rollback()
		return mapErr("commit", err)
	}
	return nil
}

// Reset truncates every table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE reconciliation_runs, referrals, task_submissions, tasks, withdrawals, deposits, users`)
	return mapErr("reset", err)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db querier
}

// ===== users =====

const userColumns = `id, name, email, referral_code, referred_by, balance::text, has_deposited, tasks_unlocked, created_at, updated_at`

func scanUser(row pgx.Row) (ledger.User, error) {
	var (
		u          ledger.User
		referredBy *string
		bal        string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.ReferralCode, &referredBy, &bal,
		&u.State.HasDeposited, &u.State.TasksUnlocked, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return u, err
	}
	if referredBy != nil {
		ref := ledger.UserID(*referredBy)
		u.ReferredBy = &ref
	}
	u.State.Balance, u.State.Unreadable = storedBalance(bal)
	return u, nil
}

func (q *queries) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	u, err := scanUser(q.db.QueryRow(ctx, `select `+userColumns+` from users where id = $1`, id))
	return u, notFound(err, ledger.KindUser, string(id), "get user")
}

func (q *queries) GetUserByReferralCode(ctx context.Context, code string) (ledger.User, error) {
	u, err := scanUser(q.db.QueryRow(ctx, `select `+userColumns+` from users where referral_code = $1`, code))
	return u, notFound(err, ledger.KindUser, "code:"+code, "get user by referral code")
}

func (q *queries) ListUsers(ctx context.Context) ([]ledger.User, error) {
	return collect(ctx, q.db, "list users", scanUser, `select `+userColumns+` from users order by created_at, id`)
}

func (q *queries) ListUserIDs(ctx context.Context) ([]ledger.UserID, error) {
	return collect(ctx, q.db, "list user ids", func(row pgx.Row) (ledger.UserID, error) {
		var id ledger.UserID
		err := row.Scan(&id)
		return id, err
	}, `select id from users order by id`)
}

func (q *queries) GetUserState(ctx context.Context, id ledger.UserID) (ledger.UserState, error) {
	var (
		st  ledger.UserState
		bal string
	)
	err := q.db.QueryRow(ctx, `select balance::text, has_deposited, tasks_unlocked from users where id = $1`, id).
		Scan(&bal, &st.HasDeposited, &st.TasksUnlocked)
	if err != nil {
		return st, notFound(err, ledger.KindUser, string(id), "get user state")
	}
	st.Balance, st.Unreadable = storedBalance(bal)
	return st, nil
}

// storedBalance parses the cached balance column. NUMERIC admits NaN, which
// decimal rejects; either way the value is reported as unreadable so the
// derivation can overwrite it.
func storedBalance(v string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, true
	}
	return d, false
}

func (q *queries) CreateUser(ctx context.Context, u ledger.User) error {
	var referredBy *string
	if u.ReferredBy != nil {
		s := string(*u.ReferredBy)
		referredBy = &s
	}
	_, err := q.db.Exec(ctx, `
		insert into users (id, name, email, referral_code, referred_by, balance, has_deposited, tasks_unlocked, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)`,
		u.ID, u.Name, u.Email, u.ReferralCode, referredBy, u.State.Balance.String(),
		u.State.HasDeposited, u.State.TasksUnlocked, u.CreatedAt, u.UpdatedAt)
	return mapErr("create user", err)
}

func (q *queries) UpdateUserState(ctx context.Context, id ledger.UserID, state ledger.UserState, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		update users set balance = $2::numeric, has_deposited = $3, tasks_unlocked = $4, updated_at = $5
		where id = $1`,
		id, state.Balance.String(), state.HasDeposited, state.TasksUnlocked, at)
	if err != nil {
		return mapErr("update user state", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Kind: ledger.KindUser, ID: string(id)}
	}
	return nil
}

// ===== deposits =====

const depositColumns = `id, user_id, amount::text, status, note, created_at, confirmed_at`

func scanDeposit(row pgx.Row) (ledger.Deposit, error) {
	var (
		d      ledger.Deposit
		amount string
	)
	if err := row.Scan(&d.ID, &d.UserID, &amount, &d.Status, &d.Note, &d.CreatedAt, &d.ConfirmedAt); err != nil {
		return d, err
	}
	var err error
	d.Amount, err = parseMoney(ledger.KindDeposit, string(d.ID), "amount", amount)
	return d, err
}

func (q *queries) GetDeposit(ctx context.Context, id ledger.DepositID) (ledger.Deposit, error) {
	d, err := scanDeposit(q.db.QueryRow(ctx, `select `+depositColumns+` from deposits where id = $1`, id))
	return d, notFound(err, ledger.KindDeposit, string(id), "get deposit")
}

func (q *queries) Deposits(ctx context.Context, userID ledger.UserID, statuses ...ledger.DepositStatus) ([]ledger.Deposit, error) {
	where, args := statusFilter("status", userID, statuses)
	return collect(ctx, q.db, "list deposits", scanDeposit,
		`select `+depositColumns+` from deposits where user_id = $1`+where+` order by created_at, id`, args...)
}

func (q *queries) CreateDeposit(ctx context.Context, d ledger.Deposit) error {
	_, err := q.db.Exec(ctx, `
		insert into deposits (id, user_id, amount, status, note, created_at, confirmed_at)
		values ($1, $2, $3::numeric, $4, $5, $6, $7)`,
		d.ID, d.UserID, d.Amount.String(), d.Status, d.Note, d.CreatedAt, d.ConfirmedAt)
	return mapErr("create deposit", err)
}

func (q *queries) TransitionDeposit(ctx context.Context, id ledger.DepositID, from, to ledger.DepositStatus, at time.Time) error {
	stamp := ""
	if to == ledger.DepositConfirmed {
		stamp = "confirmed_at"
	}
	return q.transition(ctx, ledger.KindDeposit, "deposits", stamp, string(id), string(from), string(to), at)
}

// ===== withdrawals =====

const withdrawalColumns = `id, user_id, amount::text, status, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (ledger.Withdrawal, error) {
	var (
		w      ledger.Withdrawal
		amount string
	)
	if err := row.Scan(&w.ID, &w.UserID, &amount, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return w, err
	}
	var err error
	w.Amount, err = parseMoney(ledger.KindWithdrawal, string(w.ID), "amount", amount)
	return w, err
}

func (q *queries) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, error) {
	w, err := scanWithdrawal(q.db.QueryRow(ctx, `select `+withdrawalColumns+` from withdrawals where id = $1`, id))
	return w, notFound(err, ledger.KindWithdrawal, string(id), "get withdrawal")
}

func (q *queries) Withdrawals(ctx context.Context, userID ledger.UserID, statuses ...ledger.WithdrawalStatus) ([]ledger.Withdrawal, error) {
	where, args := statusFilter("status", userID, statuses)
	return collect(ctx, q.db, "list withdrawals", scanWithdrawal,
		`select `+withdrawalColumns+` from withdrawals where user_id = $1`+where+` order by created_at, id`, args...)
}

func (q *queries) CreateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	_, err := q.db.Exec(ctx, `
		insert into withdrawals (id, user_id, amount, status, created_at, updated_at)
		values ($1, $2, $3::numeric, $4, $5, $6)`,
		w.ID, w.UserID, w.Amount.String(), w.Status, w.CreatedAt, w.UpdatedAt)
	return mapErr("create withdrawal", err)
}

func (q *queries) TransitionWithdrawal(ctx context.Context, id ledger.WithdrawalID, from, to ledger.WithdrawalStatus, at time.Time) error {
	return q.transition(ctx, ledger.KindWithdrawal, "withdrawals", "updated_at", string(id), string(from), string(to), at)
}

// ===== tasks =====

const taskColumns = `id, title, reward::text, status, created_at`

func scanTask(row pgx.Row) (ledger.Task, error) {
	var (
		t      ledger.Task
		reward string
	)
	if err := row.Scan(&t.ID, &t.Title, &reward, &t.Status, &t.CreatedAt); err != nil {
		return t, err
	}
	var err error
	t.Reward, err = parseMoney(ledger.KindTask, string(t.ID), "reward", reward)
	return t, err
}

func (q *queries) GetTask(ctx context.Context, id ledger.TaskID) (ledger.Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx, `select `+taskColumns+` from tasks where id = $1`, id))
	return t, notFound(err, ledger.KindTask, string(id), "get task")
}

func (q *queries) ListTasks(ctx context.Context) ([]ledger.Task, error) {
	return collect(ctx, q.db, "list tasks", scanTask, `select `+taskColumns+` from tasks order by created_at, id`)
}

func (q *queries) CreateTask(ctx context.Context, t ledger.Task) error {
	_, err := q.db.Exec(ctx, `
		insert into tasks (id, title, reward, status, created_at)
		values ($1, $2, $3::numeric, $4, $5)`,
		t.ID, t.Title, t.Reward.String(), t.Status, t.CreatedAt)
	return mapErr("create task", err)
}

// ===== submissions =====

const submissionSelect = `
	select s.id, s.user_id, s.task_id, s.status, coalesce(t.reward, 0)::text, s.created_at, s.reviewed_at
	from task_submissions s
	left join tasks t on t.id = s.task_id`

func scanSubmission(row pgx.Row) (ledger.TaskSubmission, error) {
	var (
		s      ledger.TaskSubmission
		reward string
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.TaskID, &s.Status, &reward, &s.CreatedAt, &s.ReviewedAt); err != nil {
		return s, err
	}
	var err error
	s.Reward, err = parseMoney(ledger.KindSubmission, string(s.ID), "reward", reward)
	return s, err
}

func (q *queries) GetSubmission(ctx context.Context, id ledger.SubmissionID) (ledger.TaskSubmission, error) {
	s, err := scanSubmission(q.db.QueryRow(ctx, submissionSelect+` where s.id = $1`, id))
	return s, notFound(err, ledger.KindSubmission, string(id), "get submission")
}

func (q *queries) Submissions(ctx context.Context, userID ledger.UserID, statuses ...ledger.SubmissionStatus) ([]ledger.TaskSubmission, error) {
	where, args := statusFilter("s.status", userID, statuses)
	return collect(ctx, q.db, "list submissions", scanSubmission,
		submissionSelect+` where s.user_id = $1`+where+` order by s.created_at, s.id`, args...)
}

func (q *queries) CreateSubmission(ctx context.Context, s ledger.TaskSubmission) error {
	_, err := q.db.Exec(ctx, `
		insert into task_submissions (id, user_id, task_id, status, created_at, reviewed_at)
		values ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.TaskID, s.Status, s.CreatedAt, s.ReviewedAt)
	return mapErr("create submission", err)
}

func (q *queries) TransitionSubmission(ctx context.Context, id ledger.SubmissionID, from, to ledger.SubmissionStatus, at time.Time) error {
	return q.transition(ctx, ledger.KindSubmission, "task_submissions", "reviewed_at", string(id), string(from), string(to), at)
}

// ===== referrals =====

const referralColumns = `id, referrer_id, referred_id, status, bonus::text, created_at, completed_at`

func scanReferral(row pgx.Row) (ledger.Referral, error) {
	var (
		r     ledger.Referral
		bonus string
	)
	if err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Status, &bonus, &r.CreatedAt, &r.CompletedAt); err != nil {
		return r, err
	}
	var err error
	r.Bonus, err = parseMoney(ledger.KindReferral, string(r.ID), "bonus", bonus)
	return r, err
}

func (q *queries) ReferralsByReferrer(ctx context.Context, referrerID ledger.UserID, statuses ...ledger.ReferralStatus) ([]ledger.Referral, error) {
	where, args := statusFilter("status", referrerID, statuses)
	return collect(ctx, q.db, "list referrals", scanReferral,
		`select `+referralColumns+` from referrals where referrer_id = $1`+where+` order by created_at, id`, args...)
}

func (q *queries) ReferralByReferred(ctx context.Context, referredID ledger.UserID) (ledger.Referral, error) {
	r, err := scanReferral(q.db.QueryRow(ctx, `select `+referralColumns+` from referrals where referred_id = $1`, referredID))
	return r, notFound(err, ledger.KindReferral, "referred:"+string(referredID), "get referral")
}

func (q *queries) CreateReferral(ctx context.Context, r ledger.Referral) error {
	_, err := q.db.Exec(ctx, `
		insert into referrals (id, referrer_id, referred_id, status, bonus, created_at, completed_at)
		values ($1, $2, $3, $4, $5::numeric, $6, $7)`,
		r.ID, r.ReferrerID, r.ReferredID, r.Status, r.Bonus.String(), r.CreatedAt, r.CompletedAt)
	return mapErr("create referral", err)
}

func (q *queries) TransitionReferral(ctx context.Context, id ledger.ReferralID, from, to ledger.ReferralStatus, at time.Time) error {
	return q.transition(ctx, ledger.KindReferral, "referrals", "completed_at", string(id), string(from), string(to), at)
}

// transition is the compare-and-set shared by every record kind. table and
// stampCol are constants from this file.
func (q *queries) transition(ctx context.Context, kind ledger.RecordKind, table, stampCol, id, from, to string, at time.Time) error {
	query := fmt.Sprintf(`update %s set status = $1 where id = $2 and status = $3`, table)
	args := []any{to, id, from}
	if stampCol != "" {
		query = fmt.Sprintf(`update %s set status = $1, %s = $4 where id = $2 and status = $3`, table, stampCol)
		args = append(args, at)
	}

	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return mapErr("transition "+string(kind), err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var actual string
	err = q.db.QueryRow(ctx, fmt.Sprintf(`select status from %s where id = $1`, table), id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return mapErr("transition "+string(kind), err)
	}
	return &ledger.ConcurrentModificationError{Kind: kind, ID: id, Expected: from, Actual: actual}
}

// ===== runs =====

func (s *Store) SaveRun(ctx context.Context, r ledger.ReconciliationRun) error {
	_, err := s.pool.Exec(ctx, `
		insert into reconciliation_runs (id, status, dry_run, users_processed, users_corrected,
			users_failed, total_system_balance, error, started_at, completed_at)
		values ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)
		on conflict (id) do update set
			status = excluded.status,
			users_processed = excluded.users_processed,
			users_corrected = excluded.users_corrected,
			users_failed = excluded.users_failed,
			total_system_balance = excluded.total_system_balance,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Status, r.DryRun, r.UsersProcessed, r.UsersCorrected, r.UsersFailed,
		r.TotalSystemBalance.String(), r.Error, r.StartedAt, r.CompletedAt)
	return mapErr("save run", err)
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	query := `
		select id, status, dry_run, users_processed, users_corrected, users_failed,
			total_system_balance::text, error, started_at, completed_at
		from reconciliation_runs
		order by started_at desc`
	var args []any
	if limit > 0 {
		query += ` limit $1`
		args = append(args, limit)
	}
	return collect(ctx, s.pool, "list runs", func(row pgx.Row) (ledger.ReconciliationRun, error) {
		var (
			r     ledger.ReconciliationRun
			total string
		)
		if err := row.Scan(&r.ID, &r.Status, &r.DryRun, &r.UsersProcessed, &r.UsersCorrected,
			&r.UsersFailed, &total, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return r, err
		}
		var err error
		if r.TotalSystemBalance, err = decimal.NewFromString(total); err != nil {
			return r, errors.Wrapf(err, "run %s total", r.ID)
		}
		return r, nil
	}, query, args...)
}

// ===== helpers =====

func collect[T any](ctx context.Context, db querier, op string, scan func(pgx.Row) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) { return scan(row) })
	if err != nil {
		return nil, mapErr(op, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// statusFilter builds " and col in ($2, ...)" for a non-empty status list.
// The owner id is always $1.
func statusFilter[S ~string](col string, owner ledger.UserID, statuses []S) (string, []any) {
	args := []any{owner}
	if len(statuses) == 0 {
		return "", args
	}
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, string(st))
		ph[i] = fmt.Sprintf("$%d", i+2)
	}
	return " and " + col + " in (" + strings.Join(ph, ", ") + ")", args
}

func notFound(err error, kind ledger.RecordKind, id, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return mapErr(op, err)
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if ledger.IsDataIntegrity(err) || ledger.IsNotFound(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return &ledger.TransientError{Op: op, Cause: err}
		case "23505":
			return errors.Wrap(ledger.ErrDuplicate, op)
		}
	}
	return errors.Wrap(err, op)
}

func parseMoney(kind ledger.RecordKind, id, field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, ledger.Integrity(kind, id, field, v, "not a decimal amount")
	}
	return d, nil
}
