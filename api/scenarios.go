/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates storage with small ledgers that demonstrate the derivation
	rules. Every scenario is built through engine.Service, exactly like real
	traffic, so the stored fields are the derived ones.

AVAILABLE SCENARIOS:

	unlock-exact:      One $10.00 deposit: unlocked, balance 0.00
	unlock-split:      $4.00 then $6.00: unlocked on the second, balance 0.00
	unlock-surplus:    One $15.00 deposit: balance 5.00
	earn-and-withdraw: $10.00 deposit, $3.00 task, $2.00 pending withdrawal: balance 1.00
	referral-bonus:    Referred user unlocks, referrer earns the bonus once
	drifted-balances:  Stored fields overwritten with stale values; run
	                   reconciliation to repair them

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "referral-bonus"}

NOTE:

	Scenarios reset storage. Only use in development/demo environments.
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/mesum357/EasyEarn-Backend-sub001/engine"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

var scenarios = []ScenarioDTO{
	{ID: "unlock-exact", Name: "Exact Unlock", Description: "One confirmed $10.00 deposit unlocks tasks and leaves a zero balance"},
	{ID: "unlock-split", Name: "Split Unlock", Description: "$4.00 then $6.00 deposits unlock cumulatively on the second confirmation"},
	{ID: "unlock-surplus", Name: "Unlock Surplus", Description: "A $15.00 deposit leaves $5.00 spendable after the unlock fee"},
	{ID: "earn-and-withdraw", Name: "Earn and Withdraw", Description: "Unlock, earn a $3.00 task reward, request a $2.00 withdrawal"},
	{ID: "referral-bonus", Name: "Referral Bonus", Description: "A referred user unlocks tasks and the referrer is credited the bonus"},
	{ID: "drifted-balances", Name: "Drifted Balances", Description: "Stored balances diverge from the ledger until reconciliation runs"},
}

type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets storage and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := LoadScenario(r.Context(), h.Service, req.ScenarioID); err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	users, err := h.Service.Store().ListUsers(r.Context())
	if err != nil {
		h.fail(w, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario": req.ScenarioID,
		"users":    dtos,
	})
}

// LoadScenario resets the service's store and builds the named scenario.
func LoadScenario(ctx context.Context, svc *engine.Service, id string) error {
	load, ok := loaders[id]
	if !ok {
		return errors.Wrapf(ledger.ErrInvalidInput, "unknown scenario %q", id)
	}
	rs, ok := svc.Store().(resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return errors.Wrap(err, "reset store")
	}
	return load(ctx, svc)
}

var loaders = map[string]func(context.Context, *engine.Service) error{
	"unlock-exact":      func(ctx context.Context, svc *engine.Service) error { return userWithDeposits(ctx, svc, "Alice", "10.00") },
	"unlock-split":      func(ctx context.Context, svc *engine.Service) error { return userWithDeposits(ctx, svc, "Bob", "4.00", "6.00") },
	"unlock-surplus":    func(ctx context.Context, svc *engine.Service) error { return userWithDeposits(ctx, svc, "Carol", "15.00") },
	"earn-and-withdraw": func(ctx context.Context, svc *engine.Service) error { _, err := earnAndWithdraw(ctx, svc, "Dave"); return err },
	"referral-bonus":    loadReferralBonus,
	"drifted-balances":  loadDriftedBalances,
}

func register(ctx context.Context, svc *engine.Service, name, code string) (ledger.User, error) {
	return svc.Register(ctx, engine.Registration{Name: name, Email: name + "@example.com", ReferralCode: code})
}

func deposit(ctx context.Context, svc *engine.Service, id ledger.UserID, amount string) error {
	d, err := svc.RequestDeposit(ctx, id, ledger.MustMoney(amount), "demo")
	if err != nil {
		return err
	}
	_, err = svc.OnDepositConfirmed(ctx, d.ID)
	return err
}

func userWithDeposits(ctx context.Context, svc *engine.Service, name string, amounts ...string) error {
	u, err := register(ctx, svc, name, "")
	if err != nil {
		return err
	}
	for _, a := range amounts {
		if err := deposit(ctx, svc, u.ID, a); err != nil {
			return err
		}
	}
	return nil
}

func earnAndWithdraw(ctx context.Context, svc *engine.Service, name string) (ledger.User, error) {
	u, err := register(ctx, svc, name, "")
	if err != nil {
		return u, err
	}
	if err := deposit(ctx, svc, u.ID, "10.00"); err != nil {
		return u, err
	}
	task, err := svc.CreateTask(ctx, "Watch the onboarding video", ledger.MustMoney("3.00"))
	if err != nil {
		return u, err
	}
	sub, err := svc.SubmitTask(ctx, u.ID, task.ID)
	if err != nil {
		return u, err
	}
	if _, _, err := svc.ReviewSubmission(ctx, sub.ID, true); err != nil {
		return u, err
	}
	_, _, err = svc.RequestWithdrawal(ctx, u.ID, ledger.MustMoney("2.00"))
	return u, err
}

func loadReferralBonus(ctx context.Context, svc *engine.Service) error {
	referrer, err := register(ctx, svc, "Erin", "")
	if err != nil {
		return err
	}
	referred, err := register(ctx, svc, "Frank", referrer.ReferralCode)
	if err != nil {
		return err
	}
	return deposit(ctx, svc, referred.ID, "10.00")
}

// loadDriftedBalances writes stale stored fields directly, the way legacy
// increment-based code used to.
func loadDriftedBalances(ctx context.Context, svc *engine.Service) error {
	u, err := earnAndWithdraw(ctx, svc, "Grace")
	if err != nil {
		return err
	}
	if err := userWithDeposits(ctx, svc, "Heidi", "15.00"); err != nil {
		return err
	}
	locked, err := register(ctx, svc, "Ivan", "")
	if err != nil {
		return err
	}

	st := svc.Store()
	now := u.CreatedAt
	// Deposit and reward credited raw, withdrawal never subtracted.
	if err := st.UpdateUserState(ctx, u.ID, ledger.UserState{
		Balance: ledger.MustMoney("13.00"), HasDeposited: true, TasksUnlocked: true,
	}, now); err != nil {
		return err
	}
	// Flag set without a confirmed deposit.
	return st.UpdateUserState(ctx, locked.ID, ledger.UserState{
		Balance: ledger.MustMoney("0"), HasDeposited: true, TasksUnlocked: false,
	}, now)
}
