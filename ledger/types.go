/*
Package ledger defines the records the balance engine reads and the
storage contracts it consumes.

PURPOSE:
  Deposits, withdrawals, task submissions and referrals are produced by the
  surrounding platform (HTTP handlers, admin tooling). The engine only reads
  them, moves their status forward with compare-and-set transitions, and
  writes the three derived fields on User. Nothing here computes a balance;
  see package balance for that.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal, never float64
  - Status enums: one closed set per record kind, validated with Valid()
  - Records: User, Deposit, Withdrawal, Task, TaskSubmission, Referral

STATUS VALUES:
  Status fields are typed strings so a value read from storage can be
  carried as-is and rejected by the derivation step with a
  DataIntegrityError naming the record. Parse* functions are the boundary
  for client input and reject unknown values immediately.

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Query / Persistence / Writer contracts
  - ledger.go: Per-user ledger slice loading
*/
package ledger

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type DepositID string
type WithdrawalID string
type TaskID string
type SubmissionID string
type ReferralID string

// =============================================================================
// MONEY
// =============================================================================

// ParseMoney parses a decimal amount. It does not round or clamp.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "parse %q", s)
	}
	return d, nil
}

// MustMoney is ParseMoney for constants and tests. It panics on bad input.
func MustMoney(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// STATUS ENUMS
// =============================================================================

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	DepositRejected  DepositStatus = "rejected"
)

func (s DepositStatus) Valid() bool {
	switch s {
	case DepositPending, DepositConfirmed, DepositRejected:
		return true
	}
	return false
}

func ParseDepositStatus(s string) (DepositStatus, error) {
	st := DepositStatus(s)
	if !st.Valid() {
		return "", errors.Wrapf(ErrInvalidStatus, "deposit status %q", s)
	}
	return st, nil
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted, WithdrawalRejected:
		return true
	}
	return false
}

// Committed reports whether the withdrawal counts as outflow. Money is
// spoken for from the moment it is requested; only rejection releases it.
func (s WithdrawalStatus) Committed() bool {
	return s == WithdrawalPending || s == WithdrawalProcessing || s == WithdrawalCompleted
}

// CanTransitionTo reports whether to is a legal next state.
//
//	pending    -> processing | rejected
//	processing -> completed  | rejected
//	completed, rejected: terminal
func (s WithdrawalStatus) CanTransitionTo(to WithdrawalStatus) bool {
	switch s {
	case WithdrawalPending:
		return to == WithdrawalProcessing || to == WithdrawalRejected
	case WithdrawalProcessing:
		return to == WithdrawalCompleted || to == WithdrawalRejected
	}
	return false
}

func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	st := WithdrawalStatus(s)
	if !st.Valid() {
		return "", errors.Wrapf(ErrInvalidStatus, "withdrawal status %q", s)
	}
	return st, nil
}

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionPending, SubmissionApproved, SubmissionRejected:
		return true
	}
	return false
}

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

func (s ReferralStatus) Valid() bool {
	return s == ReferralPending || s == ReferralCompleted
}

type TaskStatus string

const (
	TaskActive   TaskStatus = "active"
	TaskInactive TaskStatus = "inactive"
)

func (s TaskStatus) Valid() bool {
	return s == TaskActive || s == TaskInactive
}

// =============================================================================
// RECORDS
// =============================================================================

// UserState is the set of derived fields stored on a user. It is written
// only by the derivation path and the reconciliation job.
type UserState struct {
	Balance       decimal.Decimal `json:"balance"`
	HasDeposited  bool            `json:"has_deposited"`
	TasksUnlocked bool            `json:"tasks_unlocked"`

	// Unreadable is set by stores when the stored balance could not be
	// parsed. Such a state always counts as drifted.
	Unreadable bool `json:"unreadable,omitempty"`
}

type User struct {
	ID           UserID
	Name         string
	Email        string
	ReferralCode string
	ReferredBy   *UserID // set once at registration
	State        UserState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Deposit struct {
	ID          DepositID
	UserID      UserID
	Amount      decimal.Decimal
	Status      DepositStatus
	Note        string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

type Withdrawal struct {
	ID        WithdrawalID
	UserID    UserID
	Amount    decimal.Decimal
	Status    WithdrawalStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Task struct {
	ID        TaskID
	Title     string
	Reward    decimal.Decimal
	Status    TaskStatus
	CreatedAt time.Time
}

// TaskSubmission carries the reward of its task, joined at read time.
type TaskSubmission struct {
	ID         SubmissionID
	UserID     UserID
	TaskID     TaskID
	Status     SubmissionStatus
	Reward     decimal.Decimal
	CreatedAt  time.Time
	ReviewedAt *time.Time
}

type Referral struct {
	ID          ReferralID
	ReferrerID  UserID
	ReferredID  UserID
	Status      ReferralStatus
	Bonus       decimal.Decimal
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCanceled  RunStatus = "canceled"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun is the persisted summary of one reconciliation pass.
type ReconciliationRun struct {
	ID                 string
	Status             RunStatus
	DryRun             bool
	UsersProcessed     int
	UsersCorrected     int
	UsersFailed        int
	TotalSystemBalance decimal.Decimal
	Error              string
	StartedAt          time.Time
	CompletedAt        *time.Time
}
