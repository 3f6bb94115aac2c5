/*
store.go - Storage contracts consumed by the balance engine

KEY INTERFACES:
  Query:       Read records filtered by user and status
  Persistence: Compare-and-set status transitions, atomic user-state update
  Writer:      Record creation on behalf of the surrounding platform
  Store:       All three
  TxStore:     Store + WithTx for per-user units of work
  RunStore:    Reconciliation run history

COMPARE-AND-SET:
  Every Transition* method moves a record from `from` to `to` only if it is
  currently in `from`. Otherwise it returns ConcurrentModificationError
  (record exists, wrong state) or NotFoundError. This is the only write
  path for status fields and is what makes deposit confirmation
  at-most-once.

NO INCREMENTS:
  There is no method that adds to a balance. UpdateUserState overwrites the
  three derived fields with values produced by package balance.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and demos
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
*/
package ledger

import (
	"context"
	"time"
)

// Query reads ledger records. An empty status list means every status.
// Deposits are ordered by CreatedAt ascending; the other lists follow
// CreatedAt as well.
type Query interface {
	GetUser(ctx context.Context, id UserID) (User, error)
	GetUserByReferralCode(ctx context.Context, code string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// ListUserIDs returns every user id, ordered by id. It reads no other
	// column, so a corrupt row cannot fail the listing.
	ListUserIDs(ctx context.Context) ([]UserID, error)

	// GetUserState reads only the stored derived fields. An unparseable
	// balance comes back with Unreadable set instead of an error.
	GetUserState(ctx context.Context, id UserID) (UserState, error)

	GetDeposit(ctx context.Context, id DepositID) (Deposit, error)
	Deposits(ctx context.Context, userID UserID, statuses ...DepositStatus) ([]Deposit, error)

	GetWithdrawal(ctx context.Context, id WithdrawalID) (Withdrawal, error)
	Withdrawals(ctx context.Context, userID UserID, statuses ...WithdrawalStatus) ([]Withdrawal, error)

	GetTask(ctx context.Context, id TaskID) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)

	// Submissions returns submissions with Reward joined from their task.
	GetSubmission(ctx context.Context, id SubmissionID) (TaskSubmission, error)
	Submissions(ctx context.Context, userID UserID, statuses ...SubmissionStatus) ([]TaskSubmission, error)

	ReferralsByReferrer(ctx context.Context, referrerID UserID, statuses ...ReferralStatus) ([]Referral, error)
	ReferralByReferred(ctx context.Context, referredID UserID) (Referral, error)
}

// Persistence holds the write operations the engine itself performs.
type Persistence interface {
	TransitionDeposit(ctx context.Context, id DepositID, from, to DepositStatus, at time.Time) error
	TransitionWithdrawal(ctx context.Context, id WithdrawalID, from, to WithdrawalStatus, at time.Time) error
	TransitionSubmission(ctx context.Context, id SubmissionID, from, to SubmissionStatus, at time.Time) error
	TransitionReferral(ctx context.Context, id ReferralID, from, to ReferralStatus, at time.Time) error

	// UpdateUserState overwrites balance, hasDeposited and tasksUnlocked
	// in one write.
	UpdateUserState(ctx context.Context, id UserID, state UserState, at time.Time) error
}

// Writer creates records. Values are stored as given; validation of
// amounts and statuses happens in the engine and again at derivation.
type Writer interface {
	CreateUser(ctx context.Context, u User) error
	CreateDeposit(ctx context.Context, d Deposit) error
	CreateWithdrawal(ctx context.Context, w Withdrawal) error
	CreateTask(ctx context.Context, t Task) error
	CreateSubmission(ctx context.Context, s TaskSubmission) error
	CreateReferral(ctx context.Context, r Referral) error
}

type Store interface {
	Query
	Persistence
	Writer
}

// TxStore runs fn inside one storage transaction. If fn returns an error
// everything fn wrote is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

type RunStore interface {
	SaveRun(ctx context.Context, run ReconciliationRun) error
	ListRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
