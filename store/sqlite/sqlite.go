/*
Package sqlite provides a SQLite-backed ledger.TxStore and ledger.RunStore.

PURPOSE:
  The embedded backend for development, demos and single-node installs.
  PostgreSQL (store/postgres) implements the same contracts for
  production.

KEY TABLES:
  users:               Identity plus the three derived fields
  deposits:            Deposit requests and their status
  withdrawals:         Withdrawal requests and their status
  tasks:               Task catalog with rewards
  task_submissions:    Submissions; reward is joined from tasks on read
  referrals:           Referrer -> referred links (one per referred user)
  reconciliation_runs: Run history

MONEY:
  Amounts are stored as decimal TEXT and parsed with shopspring/decimal.
  A value that does not parse is returned as a DataIntegrityError naming
  the row; it is never coerced to zero.

STATUS COLUMNS:
  Status columns are plain TEXT without CHECK constraints. Rows are written
  by the surrounding platform as well, and an unknown value must reach the
  derivation step so the user is reported instead of silently skipped.

CONCURRENCY:
  The pool holds a single connection, so every WithTx call is serialized
  by database/sql itself. Transactions begin IMMEDIATE and the busy
  timeout is set; SQLITE_BUSY and SQLITE_LOCKED that still surface are
  returned as TransientError so the caller retries once.

WAL MODE:
  Opened with WAL so readers from other processes do not block the writer.

MIGRATION:
  Schema is auto-migrated on New(). PostgreSQL uses versioned migrations
  (golang-migrate); this schema mirrors them.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// Store implements ledger.TxStore and ledger.RunStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.RunStore = (*Store)(nil)
)

// New opens the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{queries: &queries{db: db}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests and tooling.
func (s *Store) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	email          TEXT NOT NULL,
	referral_code  TEXT NOT NULL UNIQUE,
	referred_by    TEXT REFERENCES users(id),
	balance        TEXT NOT NULL DEFAULT '0',
	has_deposited  INTEGER NOT NULL DEFAULT 0,
	tasks_unlocked INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS deposits (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id),
	amount       TEXT NOT NULL,
	status       TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	confirmed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_deposits_user_status ON deposits(user_id, status);

CREATE TABLE IF NOT EXISTS withdrawals (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	amount     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_withdrawals_user_status ON withdrawals(user_id, status);

CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	reward     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_submissions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	task_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	reviewed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_submissions_user_status ON task_submissions(user_id, status);

CREATE TABLE IF NOT EXISTS referrals (
	id           TEXT PRIMARY KEY,
	referrer_id  TEXT NOT NULL REFERENCES users(id),
	referred_id  TEXT NOT NULL UNIQUE REFERENCES users(id),
	status       TEXT NOT NULL,
	bonus        TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id, status);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
	id                   TEXT PRIMARY KEY,
	status               TEXT NOT NULL,
	dry_run              INTEGER NOT NULL DEFAULT 0,
	users_processed      INTEGER NOT NULL DEFAULT 0,
	users_corrected      INTEGER NOT NULL DEFAULT 0,
	users_failed         INTEGER NOT NULL DEFAULT 0,
	total_system_balance TEXT NOT NULL DEFAULT '0',
	error                TEXT NOT NULL DEFAULT '',
	started_at           TEXT NOT NULL,
	completed_at         TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON reconciliation_runs(started_at);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn inside one database transaction. fn must only use the
// Store it is given: the pool has one connection and it is held by the
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

// Reset deletes every row. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st ledger.Store) error {
		q := st.(*queries)
		for _, table := range []string{
			"reconciliation_runs", "referrals", "task_submissions",
			"tasks", "withdrawals", "deposits", "users",
		} {
			if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return mapErr("reset "+table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// QUERIES - Shared by Store and its transactional view
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

// ----- users -----

const userColumns = `id, name, email, referral_code, referred_by, balance, has_deposited, tasks_unlocked, created_at, updated_at`

func scanUser(row scanner) (ledger.User, error) {
	var (
		u                    ledger.User
		referredBy           sql.NullString
		bal                  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.ReferralCode, &referredBy, &bal,
		&u.State.HasDeposited, &u.State.TasksUnlocked, &createdAt, &updatedAt); err != nil {
		return u, err
	}
	id := string(u.ID)
	if referredBy.Valid {
		ref := ledger.UserID(referredBy.String)
		u.ReferredBy = &ref
	}
	u.State.Balance, u.State.Unreadable = storedBalance(bal)
	var err error
	if u.CreatedAt, err = parseTime(ledger.KindUser, id, "created_at", createdAt); err != nil {
		return u, err
	}
	if u.UpdatedAt, err = parseTime(ledger.KindUser, id, "updated_at", updatedAt); err != nil {
		return u, err
	}
	return u, nil
}

func (q *queries) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	return u, notFound(err, ledger.KindUser, string(id), "get user")
}

func (q *queries) GetUserByReferralCode(ctx context.Context, code string) (ledger.User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = ?`, code)
	u, err := scanUser(row)
	return u, notFound(err, ledger.KindUser, "code:"+code, "get user by referral code")
}

func (q *queries) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr("list users", err)
	}
	return collect(rows, "list users", scanUser)
}

func (q *queries) ListUserIDs(ctx context.Context) ([]ledger.UserID, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, mapErr("list user ids", err)
	}
	return collect(rows, "list user ids", func(row scanner) (ledger.UserID, error) {
		var id ledger.UserID
		err := row.Scan(&id)
		return id, err
	})
}

func (q *queries) GetUserState(ctx context.Context, id ledger.UserID) (ledger.UserState, error) {
	var (
		st  ledger.UserState
		bal string
	)
	err := q.db.QueryRowContext(ctx, `SELECT balance, has_deposited, tasks_unlocked FROM users WHERE id = ?`, id).
		Scan(&bal, &st.HasDeposited, &st.TasksUnlocked)
	if err != nil {
		return st, notFound(err, ledger.KindUser, string(id), "get user state")
	}
	st.Balance, st.Unreadable = storedBalance(bal)
	return st, nil
}

// storedBalance parses the cached balance column. The column is rewritten
// from the ledger, so a bad value is reported as unreadable, not fatal.
func storedBalance(v string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, true
	}
	return d, false
}

func (q *queries) CreateUser(ctx context.Context, u ledger.User) error {
	var referredBy sql.NullString
	if u.ReferredBy != nil {
		referredBy = sql.NullString{String: string(*u.ReferredBy), Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.ReferralCode, referredBy, u.State.Balance.String(),
		u.State.HasDeposited, u.State.TasksUnlocked, formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	return mapErr("create user", err)
}

func (q *queries) UpdateUserState(ctx context.Context, id ledger.UserID, state ledger.UserState, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE users SET balance = ?, has_deposited = ?, tasks_unlocked = ?, updated_at = ?
		WHERE id = ?`,
		state.Balance.String(), state.HasDeposited, state.TasksUnlocked, formatTime(at), id,
	)
	if err != nil {
		return mapErr("update user state", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ledger.NotFoundError{Kind: ledger.KindUser, ID: string(id)}
	}
	return nil
}

// ----- deposits -----

const depositColumns = `id, user_id, amount, status, note, created_at, confirmed_at`

func scanDeposit(row scanner) (ledger.Deposit, error) {
	var (
		d           ledger.Deposit
		amount      string
		createdAt   string
		confirmedAt sql.NullString
	)
	if err := row.Scan(&d.ID, &d.UserID, &amount, &d.Status, &d.Note, &createdAt, &confirmedAt); err != nil {
		return d, err
	}
	id := string(d.ID)
	var err error
	if d.Amount, err = parseMoney(ledger.KindDeposit, id, "amount", amount); err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTime(ledger.KindDeposit, id, "created_at", createdAt); err != nil {
		return d, err
	}
	if d.ConfirmedAt, err = parseNullTime(ledger.KindDeposit, id, "confirmed_at", confirmedAt); err != nil {
		return d, err
	}
	return d, nil
}

func (q *queries) GetDeposit(ctx context.Context, id ledger.DepositID) (ledger.Deposit, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = ?`, id)
	d, err := scanDeposit(row)
	return d, notFound(err, ledger.KindDeposit, string(id), "get deposit")
}

func (q *queries) Deposits(ctx context.Context, userID ledger.UserID, statuses ...ledger.DepositStatus) ([]ledger.Deposit, error) {
	where, args := statusFilter("status", userID, statuses)
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE user_id = ?`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, mapErr("list deposits", err)
	}
	return collect(rows, "list deposits", scanDeposit)
}

func (q *queries) CreateDeposit(ctx context.Context, d ledger.Deposit) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO deposits (`+depositColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Amount.String(), d.Status, d.Note, formatTime(d.CreatedAt), formatNullTime(d.ConfirmedAt),
	)
	return mapErr("create deposit", err)
}

func (q *queries) TransitionDeposit(ctx context.Context, id ledger.DepositID, from, to ledger.DepositStatus, at time.Time) error {
	stamp := ""
	if to == ledger.DepositConfirmed {
		stamp = "confirmed_at"
	}
	return q.transition(ctx, ledger.KindDeposit, "deposits", stamp, string(id), string(from), string(to), at)
}

// ----- withdrawals -----

const withdrawalColumns = `id, user_id, amount, status, created_at, updated_at`

func scanWithdrawal(row scanner) (ledger.Withdrawal, error) {
	var (
		w                    ledger.Withdrawal
		amount               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.UserID, &amount, &w.Status, &createdAt, &updatedAt); err != nil {
		return w, err
	}
	id := string(w.ID)
	var err error
	if w.Amount, err = parseMoney(ledger.KindWithdrawal, id, "amount", amount); err != nil {
		return w, err
	}
	if w.CreatedAt, err = parseTime(ledger.KindWithdrawal, id, "created_at", createdAt); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(ledger.KindWithdrawal, id, "updated_at", updatedAt); err != nil {
		return w, err
	}
	return w, nil
}

func (q *queries) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id)
	w, err := scanWithdrawal(row)
	return w, notFound(err, ledger.KindWithdrawal, string(id), "get withdrawal")
}

func (q *queries) Withdrawals(ctx context.Context, userID ledger.UserID, statuses ...ledger.WithdrawalStatus) ([]ledger.Withdrawal, error) {
	where, args := statusFilter("status", userID, statuses)
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE user_id = ?`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, mapErr("list withdrawals", err)
	}
	return collect(rows, "list withdrawals", scanWithdrawal)
}

func (q *queries) CreateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Amount.String(), w.Status, formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	return mapErr("create withdrawal", err)
}

func (q *queries) TransitionWithdrawal(ctx context.Context, id ledger.WithdrawalID, from, to ledger.WithdrawalStatus, at time.Time) error {
	return q.transition(ctx, ledger.KindWithdrawal, "withdrawals", "updated_at", string(id), string(from), string(to), at)
}

// ----- tasks -----

const taskColumns = `id, title, reward, status, created_at`

func scanTask(row scanner) (ledger.Task, error) {
	var (
		t         ledger.Task
		reward    string
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Title, &reward, &t.Status, &createdAt); err != nil {
		return t, err
	}
	id := string(t.ID)
	var err error
	if t.Reward, err = parseMoney(ledger.KindTask, id, "reward", reward); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(ledger.KindTask, id, "created_at", createdAt); err != nil {
		return t, err
	}
	return t, nil
}

func (q *queries) GetTask(ctx context.Context, id ledger.TaskID) (ledger.Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	return t, notFound(err, ledger.KindTask, string(id), "get task")
}

func (q *queries) ListTasks(ctx context.Context) ([]ledger.Task, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr("list tasks", err)
	}
	return collect(rows, "list tasks", scanTask)
}

func (q *queries) CreateTask(ctx context.Context, t ledger.Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Reward.String(), t.Status, formatTime(t.CreatedAt),
	)
	return mapErr("create task", err)
}

// ----- submissions -----

// A submission whose task is missing is read with a zero reward, which
// the derivation rejects.
const submissionSelect = `
	SELECT s.id, s.user_id, s.task_id, s.status, COALESCE(t.reward, '0'), s.created_at, s.reviewed_at
	FROM task_submissions s
	LEFT JOIN tasks t ON t.id = s.task_id`

func scanSubmission(row scanner) (ledger.TaskSubmission, error) {
	var (
		s          ledger.TaskSubmission
		reward     string
		createdAt  string
		reviewedAt sql.NullString
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.TaskID, &s.Status, &reward, &createdAt, &reviewedAt); err != nil {
		return s, err
	}
	id := string(s.ID)
	var err error
	if s.Reward, err = parseMoney(ledger.KindSubmission, id, "reward", reward); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(ledger.KindSubmission, id, "created_at", createdAt); err != nil {
		return s, err
	}
	if s.ReviewedAt, err = parseNullTime(ledger.KindSubmission, id, "reviewed_at", reviewedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (q *queries) GetSubmission(ctx context.Context, id ledger.SubmissionID) (ledger.TaskSubmission, error) {
	row := q.db.QueryRowContext(ctx, submissionSelect+` WHERE s.id = ?`, id)
	s, err := scanSubmission(row)
	return s, notFound(err, ledger.KindSubmission, string(id), "get submission")
}

func (q *queries) Submissions(ctx context.Context, userID ledger.UserID, statuses ...ledger.SubmissionStatus) ([]ledger.TaskSubmission, error) {
	where, args := statusFilter("s.status", userID, statuses)
	rows, err := q.db.QueryContext(ctx,
		submissionSelect+` WHERE s.user_id = ?`+where+` ORDER BY s.created_at, s.id`, args...)
	if err != nil {
		return nil, mapErr("list submissions", err)
	}
	return collect(rows, "list submissions", scanSubmission)
}

func (q *queries) CreateSubmission(ctx context.Context, s ledger.TaskSubmission) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO task_submissions (id, user_id, task_id, status, created_at, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.TaskID, s.Status, formatTime(s.CreatedAt), formatNullTime(s.ReviewedAt),
	)
	return mapErr("create submission", err)
}

func (q *queries) TransitionSubmission(ctx context.Context, id ledger.SubmissionID, from, to ledger.SubmissionStatus, at time.Time) error {
	return q.transition(ctx, ledger.KindSubmission, "task_submissions", "reviewed_at", string(id), string(from), string(to), at)
}

// ----- referrals -----

const referralColumns = `id, referrer_id, referred_id, status, bonus, created_at, completed_at`

func scanReferral(row scanner) (ledger.Referral, error) {
	var (
		r           ledger.Referral
		bonus       string
		createdAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Status, &bonus, &createdAt, &completedAt); err != nil {
		return r, err
	}
	id := string(r.ID)
	var err error
	if r.Bonus, err = parseMoney(ledger.KindReferral, id, "bonus", bonus); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(ledger.KindReferral, id, "created_at", createdAt); err != nil {
		return r, err
	}
	if r.CompletedAt, err = parseNullTime(ledger.KindReferral, id, "completed_at", completedAt); err != nil {
		return r, err
	}
	return r, nil
}

func (q *queries) ReferralsByReferrer(ctx context.Context, referrerID ledger.UserID, statuses ...ledger.ReferralStatus) ([]ledger.Referral, error) {
	where, args := statusFilter("status", referrerID, statuses)
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referrer_id = ?`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, mapErr("list referrals", err)
	}
	return collect(rows, "list referrals", scanReferral)
}

func (q *queries) ReferralByReferred(ctx context.Context, referredID ledger.UserID) (ledger.Referral, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE referred_id = ?`, referredID)
	r, err := scanReferral(row)
	return r, notFound(err, ledger.KindReferral, "referred:"+string(referredID), "get referral")
}

func (q *queries) CreateReferral(ctx context.Context, r ledger.Referral) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO referrals (`+referralColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReferrerID, r.ReferredID, r.Status, r.Bonus.String(), formatTime(r.CreatedAt), formatNullTime(r.CompletedAt),
	)
	return mapErr("create referral", err)
}

func (q *queries) TransitionReferral(ctx context.Context, id ledger.ReferralID, from, to ledger.ReferralStatus, at time.Time) error {
	return q.transition(ctx, ledger.KindReferral, "referrals", "completed_at", string(id), string(from), string(to), at)
}

// transition is the compare-and-set shared by every record kind. table and
// stampCol are constants from this file. An empty stampCol updates only the
// status.
func (q *queries) transition(ctx context.Context, kind ledger.RecordKind, table, stampCol, id, from, to string, at time.Time) error {
	set := "status = ?"
	args := []any{to}
	if stampCol != "" {
		set += ", " + stampCol + " = ?"
		args = append(args, formatTime(at))
	}
	args = append(args, id, from)

	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = ? AND status = ?`, table, set), args...)
	if err != nil {
		return mapErr("transition "+string(kind), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("transition "+string(kind), err)
	}
	if n == 1 {
		return nil
	}

	var actual string
	err = q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, table), id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return mapErr("transition "+string(kind), err)
	}
	return &ledger.ConcurrentModificationError{Kind: kind, ID: id, Expected: from, Actual: actual}
}

// =============================================================================
// RUN STORE
// =============================================================================

// SaveRun inserts or updates a run by id.
func (s *Store) SaveRun(ctx context.Context, r ledger.ReconciliationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, status, dry_run, users_processed, users_corrected,
			users_failed, total_system_balance, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			users_processed = excluded.users_processed,
			users_corrected = excluded.users_corrected,
			users_failed = excluded.users_failed,
			total_system_balance = excluded.total_system_balance,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Status, r.DryRun, r.UsersProcessed, r.UsersCorrected, r.UsersFailed,
		r.TotalSystemBalance.String(), r.Error, formatTime(r.StartedAt), formatNullTime(r.CompletedAt),
	)
	return mapErr("save run", err)
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, dry_run, users_processed, users_corrected, users_failed,
			total_system_balance, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapErr("list runs", err)
	}
	return collect(rows, "list runs", func(row scanner) (ledger.ReconciliationRun, error) {
		var (
			r                ledger.ReconciliationRun
			total, startedAt string
			completedAt      sql.NullString
		)
		if err := row.Scan(&r.ID, &r.Status, &r.DryRun, &r.UsersProcessed, &r.UsersCorrected,
			&r.UsersFailed, &total, &r.Error, &startedAt, &completedAt); err != nil {
			return r, err
		}
		var err error
		if r.TotalSystemBalance, err = decimal.NewFromString(total); err != nil {
			return r, errors.Wrapf(err, "run %s total", r.ID)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return r, errors.Wrapf(err, "run %s started_at", r.ID)
		}
		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err != nil {
				return r, errors.Wrapf(err, "run %s completed_at", r.ID)
			}
			r.CompletedAt = &t
		}
		return r, nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func collect[T any](rows *sql.Rows, op string, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

// statusFilter builds " AND col IN (?, ...)" for a non-empty status list.
// The owner id is always the first argument.
func statusFilter[S ~string](col string, owner ledger.UserID, statuses []S) (string, []any) {
	args := []any{owner}
	if len(statuses) == 0 {
		return "", args
	}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return " AND " + col + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + ")", args
}

func notFound(err error, kind ledger.RecordKind, id, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return mapErr(op, err)
}

// mapErr classifies driver errors. Values already in the ledger taxonomy
// pass through unchanged.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if ledger.IsDataIntegrity(err) || ledger.IsNotFound(err) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return &ledger.TransientError{Op: op, Cause: err}
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
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

func parseTime(kind ledger.RecordKind, id, field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, ledger.Integrity(kind, id, field, v, "not an RFC 3339 timestamp")
	}
	return t, nil
}

func parseNullTime(kind ledger.RecordKind, id, field string, v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(kind, id, field, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// timeLayout is RFC 3339 with a fixed-width fraction so TEXT columns sort
// chronologically. time.RFC3339Nano parses it back.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
