/*
handlers.go - HTTP API handlers for the balance engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response and JSON
  serialization, and delegates every ledger mutation to engine.Service so
  the stored balance is always re-derived afterwards.

ENDPOINTS:
  Users:
    GET    /api/users                     List users
    POST   /api/users                     Register (optional referral code)
    GET    /api/users/{id}                Get user with stored fields
    GET    /api/users/{id}/balance        Derived balance, breakdown, drift
    GET    /api/users/{id}/referrals      Referrals made by the user

  Deposits:
    GET    /api/users/{id}/deposits       List deposits (?status=confirmed)
    POST   /api/users/{id}/deposits       Request a deposit
    POST   /api/deposits/{id}/confirm     Confirm (replay-safe)
    POST   /api/deposits/{id}/reject      Reject

  Withdrawals:
    POST   /api/users/{id}/withdrawals    Request a withdrawal
    POST   /api/withdrawals/{id}/status   Move along the lifecycle

  Tasks:
    GET    /api/tasks                     List tasks
    POST   /api/tasks                     Create task
    POST   /api/users/{id}/submissions    Submit a task
    POST   /api/submissions/{id}/review   Approve or reject

  Admin:
    POST   /api/admin/reconcile           Run reconciliation (?dry_run=true)
    GET    /api/admin/reconcile/runs      Run history (?limit=N)
    GET    /api/admin/reconcile/last      Last scheduled report

  Scenarios:
    GET    /api/scenarios                 List demo scenarios
    POST   /api/scenarios/load            Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with the status derived from the error
  taxonomy (see statusFor):
  - 400: Invalid input, insufficient balance, locked tasks
  - 404: Record not found
  - 409: Lost compare-and-set
  - 422: Stored data violates an invariant
  - 500: Everything else

SECURITY NOTE:
  No authentication or authorization. Admin routes must sit behind a
  gateway that enforces it.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/mesum357/EasyEarn-Backend-sub001/balance"
	"github.com/mesum357/EasyEarn-Backend-sub001/engine"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *engine.Service
	Scheduler *reconcile.Scheduler // optional
	Logger    *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(svc *engine.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.Store().ListUsers(r.Context())
	if err != nil {
		h.fail(w, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Service.Register(r.Context(), engine.Registration{
		Name:         req.Name,
		Email:        req.Email,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		h.fail(w, "Failed to register user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Service.Store().GetUser(r.Context(), userID(r))
	if err != nil {
		h.fail(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetBalance derives the balance without writing and reports whether the
// stored fields have drifted from it.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := userID(r)

	snap, err := h.Service.DeriveBalance(ctx, id)
	if err != nil {
		h.fail(w, "Failed to derive balance", err)
		return
	}
	stored, err := h.Service.Store().GetUserState(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get user", err)
		return
	}

	dto := toBalanceDTO(snap)
	dto.Stored = &StoredStateDTO{
		Balance:       money(stored.Balance),
		HasDeposited:  stored.HasDeposited,
		TasksUnlocked: stored.TasksUnlocked,
		Unreadable:    stored.Unreadable,
	}
	dto.Drifted = balance.Drifted(stored, snap.State(), h.Service.Epsilon())
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := userID(r)
	if _, err := h.Service.Store().GetUser(ctx, id); err != nil {
		h.fail(w, "Failed to get user", err)
		return
	}
	refs, err := h.Service.Store().ReferralsByReferrer(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list referrals", err)
		return
	}
	dtos := make([]ReferralDTO, len(refs))
	for i, ref := range refs {
		dtos[i] = toReferralDTO(ref)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DEPOSIT HANDLERS
// =============================================================================

// ListDeposits lists the user's deposits, optionally filtered by one or
// more status query parameters.
func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := userID(r)

	var statuses []ledger.DepositStatus
	for _, v := range r.URL.Query()["status"] {
		st, err := ledger.ParseDepositStatus(v)
		if err != nil {
			h.fail(w, "Invalid status", err)
			return
		}
		statuses = append(statuses, st)
	}
	if _, err := h.Service.Store().GetUserState(ctx, id); err != nil {
		h.fail(w, "Failed to get user", err)
		return
	}
	deposits, err := h.Service.Store().Deposits(ctx, id, statuses...)
	if err != nil {
		h.fail(w, "Failed to list deposits", err)
		return
	}
	dtos := make([]DepositDTO, len(deposits))
	for i, d := range deposits {
		dtos[i] = toDepositDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req CreateDepositRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil {
		h.fail(w, "Invalid amount", err)
		return
	}
	d, err := h.Service.RequestDeposit(r.Context(), userID(r), amount, req.Note)
	if err != nil {
		h.fail(w, "Failed to request deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDepositDTO(d))
}

func (h *Handler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.OnDepositConfirmed(r.Context(), ledger.DepositID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to confirm deposit", err)
		return
	}
	dto := ConfirmationDTO{
		Deposit:  toDepositDTO(c.Deposit),
		Replayed: c.Replayed,
		Owner:    toBalanceDTO(c.Owner),
	}
	if c.Referral != nil {
		ref := toReferralDTO(*c.Referral)
		dto.Referral = &ref
	}
	if c.Referrer != nil {
		referrer := toBalanceDTO(*c.Referrer)
		dto.Referrer = &referrer
	}
	if c.ReferrerErr != nil {
		dto.ReferrerError = c.ReferrerErr.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.RejectDeposit(r.Context(), ledger.DepositID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to reject deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositDTO(d))
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CreateWithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil {
		h.fail(w, "Invalid amount", err)
		return
	}
	wd, snap, err := h.Service.RequestWithdrawal(r.Context(), userID(r), amount)
	if err != nil {
		h.fail(w, "Failed to request withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, WithdrawalResponse{Withdrawal: toWithdrawalDTO(wd), Balance: toBalanceDTO(snap)})
}

func (h *Handler) UpdateWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalStatusRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := ledger.ParseWithdrawalStatus(req.Status)
	if err != nil {
		h.fail(w, "Invalid status", err)
		return
	}
	wd, snap, err := h.Service.TransitionWithdrawal(r.Context(), ledger.WithdrawalID(chi.URLParam(r, "id")), to)
	if err != nil {
		h.fail(w, "Failed to update withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalResponse{Withdrawal: toWithdrawalDTO(wd), Balance: toBalanceDTO(snap)})
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Service.Store().ListTasks(r.Context())
	if err != nil {
		h.fail(w, "Failed to list tasks", err)
		return
	}
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	reward, err := ledger.ParseMoney(req.Reward)
	if err != nil {
		h.fail(w, "Invalid reward", err)
		return
	}
	t, err := h.Service.CreateTask(r.Context(), req.Title, reward)
	if err != nil {
		h.fail(w, "Failed to create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(t))
}

func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req CreateSubmissionRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Service.SubmitTask(r.Context(), userID(r), ledger.TaskID(req.TaskID))
	if err != nil {
		h.fail(w, "Failed to submit task", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmissionDTO(s))
}

func (h *Handler) ReviewSubmission(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decode(w, r, &req) {
		return
	}
	s, snap, err := h.Service.ReviewSubmission(r.Context(), ledger.SubmissionID(chi.URLParam(r, "id")), req.Approved)
	if err != nil {
		h.fail(w, "Failed to review submission", err)
		return
	}
	writeJSON(w, http.StatusOK, ReviewResponse{Submission: toSubmissionDTO(s), Balance: toBalanceDTO(snap)})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerReconciliation runs one pass synchronously and returns the report.
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	report, err := h.Service.ReconcileAll(r.Context(), reconcile.Options{DryRun: dryRun})
	if err != nil {
		h.fail(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Service.Runs(r.Context(), limit)
	if err != nil {
		h.fail(w, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) LastScheduledReport(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler is not running", nil)
		return
	}
	report, ok := h.Scheduler.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "No scheduled run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func userID(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsDataIntegrity(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
