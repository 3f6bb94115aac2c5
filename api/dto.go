/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Money always leaves
  the API as a fixed two-decimal string and enters it as a decimal string;
  it is never a JSON number.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Users:        UserDTO, CreateUserRequest
  Balance:      BalanceDTO, BreakdownDTO, StoredStateDTO
  Deposits:     DepositDTO, CreateDepositRequest, ConfirmationDTO
  Withdrawals:  WithdrawalDTO, CreateWithdrawalRequest, WithdrawalStatusRequest
  Tasks:        TaskDTO, CreateTaskRequest, SubmissionDTO, CreateSubmissionRequest, ReviewRequest
  Referrals:    ReferralDTO
  Admin:        RunDTO (reconcile.Report is returned as-is)
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mesum357/EasyEarn-Backend-sub001/balance"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	ReferralCode  string  `json:"referral_code"`
	ReferredBy    *string `json:"referred_by,omitempty"`
	Balance       string  `json:"balance"`
	HasDeposited  bool    `json:"has_deposited"`
	TasksUnlocked bool    `json:"tasks_unlocked"`
	CreatedAt     string  `json:"created_at"`
}

type CreateUserRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// =============================================================================
// BALANCE
// =============================================================================

// BalanceDTO is the derived state, how it was reached, and what is
// currently stored on the user.
type BalanceDTO struct {
	UserID        string          `json:"user_id"`
	Balance       string          `json:"balance"`
	HasDeposited  bool            `json:"has_deposited"`
	TasksUnlocked bool            `json:"tasks_unlocked"`
	Breakdown     BreakdownDTO    `json:"breakdown"`
	Stored        *StoredStateDTO `json:"stored,omitempty"`
	Drifted       bool            `json:"drifted"`
}

type BreakdownDTO struct {
	ConfirmedDeposits      int    `json:"confirmed_deposits"`
	TotalConfirmedDeposits string `json:"total_confirmed_deposits"`
	UnlockFee              string `json:"unlock_fee"`
	DepositContribution    string `json:"deposit_contribution"`
	TaskRewardTotal        string `json:"task_reward_total"`
	ReferralBonusTotal     string `json:"referral_bonus_total"`
	WithdrawalTotal        string `json:"withdrawal_total"`
	UnlockedBy             string `json:"unlocked_by,omitempty"`
	Overdraft              string `json:"overdraft,omitempty"`
}

type StoredStateDTO struct {
	Balance       string `json:"balance"`
	HasDeposited  bool   `json:"has_deposited"`
	TasksUnlocked bool   `json:"tasks_unlocked"`
	Unreadable    bool   `json:"unreadable,omitempty"`
}

// =============================================================================
// DEPOSITS
// =============================================================================

type DepositDTO struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Amount      string  `json:"amount"`
	Status      string  `json:"status"`
	Note        string  `json:"note,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ConfirmedAt *string `json:"confirmed_at,omitempty"`
}

type CreateDepositRequest struct {
	Amount string `json:"amount"`
	Note   string `json:"note,omitempty"`
}

type ConfirmationDTO struct {
	Deposit  DepositDTO   `json:"deposit"`
	Replayed bool         `json:"replayed"`
	Owner    BalanceDTO   `json:"owner"`
	Referral *ReferralDTO `json:"referral,omitempty"`
	Referrer *BalanceDTO  `json:"referrer,omitempty"`

	// ReferrerError is set when the referral completed but the referrer
	// could not be re-derived; reconciliation repairs them later.
	ReferrerError string `json:"referrer_error,omitempty"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type CreateWithdrawalRequest struct {
	Amount string `json:"amount"`
}

type WithdrawalStatusRequest struct {
	Status string `json:"status"`
}

// WithdrawalResponse carries the withdrawal and the balance after it.
type WithdrawalResponse struct {
	Withdrawal WithdrawalDTO `json:"withdrawal"`
	Balance    BalanceDTO    `json:"balance"`
}

// =============================================================================
// TASKS
// =============================================================================

type TaskDTO struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Reward    string `json:"reward"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type CreateTaskRequest struct {
	Title  string `json:"title"`
	Reward string `json:"reward"`
}

type SubmissionDTO struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	Reward     string  `json:"reward"`
	CreatedAt  string  `json:"created_at"`
	ReviewedAt *string `json:"reviewed_at,omitempty"`
}

type CreateSubmissionRequest struct {
	TaskID string `json:"task_id"`
}

type ReviewRequest struct {
	Approved bool `json:"approved"`
}

type ReviewResponse struct {
	Submission SubmissionDTO `json:"submission"`
	Balance    BalanceDTO    `json:"balance"`
}

// =============================================================================
// REFERRALS
// =============================================================================

type ReferralDTO struct {
	ID          string  `json:"id"`
	ReferrerID  string  `json:"referrer_id"`
	ReferredID  string  `json:"referred_id"`
	Status      string  `json:"status"`
	Bonus       string  `json:"bonus"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type RunDTO struct {
	ID                 string  `json:"id"`
	Status             string  `json:"status"`
	DryRun             bool    `json:"dry_run"`
	UsersProcessed     int     `json:"users_processed"`
	UsersCorrected     int     `json:"users_corrected"`
	UsersFailed        int     `json:"users_failed"`
	TotalSystemBalance string  `json:"total_system_balance"`
	Error              string  `json:"error,omitempty"`
	StartedAt          string  `json:"started_at"`
	CompletedAt        *string `json:"completed_at,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func optTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toUserDTO(u ledger.User) UserDTO {
	dto := UserDTO{
		ID:            string(u.ID),
		Name:          u.Name,
		Email:         u.Email,
		ReferralCode:  u.ReferralCode,
		Balance:       money(u.State.Balance),
		HasDeposited:  u.State.HasDeposited,
		TasksUnlocked: u.State.TasksUnlocked,
		CreatedAt:     timestamp(u.CreatedAt),
	}
	if u.ReferredBy != nil {
		ref := string(*u.ReferredBy)
		dto.ReferredBy = &ref
	}
	return dto
}

func toBalanceDTO(s balance.Snapshot) BalanceDTO {
	b := s.Breakdown
	dto := BalanceDTO{
		UserID:        string(s.UserID),
		Balance:       money(s.Balance),
		HasDeposited:  s.HasDeposited,
		TasksUnlocked: s.TasksUnlocked,
		Breakdown: BreakdownDTO{
			ConfirmedDeposits:      b.ConfirmedDeposits,
			TotalConfirmedDeposits: money(b.TotalConfirmedDeposits),
			UnlockFee:              money(b.UnlockFee),
			DepositContribution:    money(b.DepositContribution),
			TaskRewardTotal:        money(b.TaskRewardTotal),
			ReferralBonusTotal:     money(b.ReferralBonusTotal),
			WithdrawalTotal:        money(b.WithdrawalTotal),
			UnlockedBy:             string(b.UnlockedBy),
		},
	}
	if !b.Overdraft.IsZero() {
		dto.Breakdown.Overdraft = money(b.Overdraft)
	}
	return dto
}

func toDepositDTO(d ledger.Deposit) DepositDTO {
	return DepositDTO{
		ID:          string(d.ID),
		UserID:      string(d.UserID),
		Amount:      money(d.Amount),
		Status:      string(d.Status),
		Note:        d.Note,
		CreatedAt:   timestamp(d.CreatedAt),
		ConfirmedAt: optTimestamp(d.ConfirmedAt),
	}
}

func toWithdrawalDTO(w ledger.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:        string(w.ID),
		UserID:    string(w.UserID),
		Amount:    money(w.Amount),
		Status:    string(w.Status),
		CreatedAt: timestamp(w.CreatedAt),
		UpdatedAt: timestamp(w.UpdatedAt),
	}
}

func toTaskDTO(t ledger.Task) TaskDTO {
	return TaskDTO{
		ID:        string(t.ID),
		Title:     t.Title,
		Reward:    money(t.Reward),
		Status:    string(t.Status),
		CreatedAt: timestamp(t.CreatedAt),
	}
}

func toSubmissionDTO(s ledger.TaskSubmission) SubmissionDTO {
	return SubmissionDTO{
		ID:         string(s.ID),
		UserID:     string(s.UserID),
		TaskID:     string(s.TaskID),
		Status:     string(s.Status),
		Reward:     money(s.Reward),
		CreatedAt:  timestamp(s.CreatedAt),
		ReviewedAt: optTimestamp(s.ReviewedAt),
	}
}

func toReferralDTO(r ledger.Referral) ReferralDTO {
	return ReferralDTO{
		ID:          string(r.ID),
		ReferrerID:  string(r.ReferrerID),
		ReferredID:  string(r.ReferredID),
		Status:      string(r.Status),
		Bonus:       money(r.Bonus),
		CreatedAt:   timestamp(r.CreatedAt),
		CompletedAt: optTimestamp(r.CompletedAt),
	}
}

func toRunDTO(r ledger.ReconciliationRun) RunDTO {
	return RunDTO{
		ID:                 r.ID,
		Status:             string(r.Status),
		DryRun:             r.DryRun,
		UsersProcessed:     r.UsersProcessed,
		UsersCorrected:     r.UsersCorrected,
		UsersFailed:        r.UsersFailed,
		TotalSystemBalance: money(r.TotalSystemBalance),
		Error:              r.Error,
		StartedAt:          timestamp(r.StartedAt),
		CompletedAt:        optTimestamp(r.CompletedAt),
	}
}
