package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mesum357/EasyEarn-Backend-sub001/api"
	"github.com/mesum357/EasyEarn-Backend-sub001/engine"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
	"github.com/mesum357/EasyEarn-Backend-sub001/ledger/store"
	"github.com/mesum357/EasyEarn-Backend-sub001/reconcile"
)

type scenarioResponse struct {
	Scenario string        `json:"scenario"`
	Users    []api.UserDTO `json:"users"`
}

func balances(users []api.UserDTO) map[string]string {
	out := make(map[string]string, len(users))
	for _, u := range users {
		out[u.Name] = u.Balance
	}
	return out
}

func TestScenarios_StoredBalancesMatchDerivation(t *testing.T) {
	tests := []struct {
		id   string
		want map[string]string
	}{
		{"unlock-exact", map[string]string{"Alice": "0.00"}},
		{"unlock-split", map[string]string{"Bob": "0.00"}},
		{"unlock-surplus", map[string]string{"Carol": "5.00"}},
		{"earn-and-withdraw", map[string]string{"Dave": "1.00"}},
		{"referral-bonus", map[string]string{"Erin": "2.00", "Frank": "0.00"}},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			srv, _ := newTestServer(t)

			var resp scenarioResponse
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: tt.id}, &resp))
			assert.Equal(t, tt.id, resp.Scenario)
			assert.Equal(t, tt.want, balances(resp.Users))

			// Nothing to repair
			var report reconcile.Report
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/admin/reconcile", nil, &report))
			assert.Empty(t, report.Corrections)
		})
	}
}

func TestScenarios_DriftedBalancesAreRepaired(t *testing.T) {
	srv, _ := newTestServer(t)

	// GIVEN: Stale stored fields
	var resp scenarioResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "drifted-balances"}, &resp))
	assert.Equal(t, "13.00", balances(resp.Users)["Grace"])

	// WHEN: Reconciliation runs
	var report reconcile.Report
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/admin/reconcile", nil, &report))

	// THEN: Grace's balance and Ivan's flag are corrected, Heidi is untouched
	assert.Equal(t, 3, report.UsersProcessed)
	assert.Equal(t, 2, report.UsersCorrected)
	assert.True(t, report.TotalSystemBalance.Equal(ledger.MustMoney("6")))

	var users []api.UserDTO
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/users", nil, &users))
	assert.Equal(t, map[string]string{"Grace": "1.00", "Heidi": "5.00", "Ivan": "0.00"}, balances(users))
	for _, u := range users {
		if u.Name == "Ivan" {
			assert.False(t, u.HasDeposited)
		}
	}

	// AND: The current scenario is remembered
	var current api.ScenarioDTO
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Equal(t, "drifted-balances", current.ID)
}

func TestScenarios_List(t *testing.T) {
	srv, _ := newTestServer(t)
	var list []api.ScenarioDTO
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/scenarios", nil, &list))
	assert.Len(t, list, 6)
}

func TestLoadScenario_Unknown(t *testing.T) {
	m := store.NewMemory()
	svc := engine.New(m, m, engine.Options{}, zaptest.NewLogger(t))

	err := api.LoadScenario(context.Background(), svc, "nope")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestLoadScenario_ResetsStore(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	svc := engine.New(m, m, engine.Options{}, zaptest.NewLogger(t))

	require.NoError(t, api.LoadScenario(ctx, svc, "unlock-exact"))
	require.NoError(t, api.LoadScenario(ctx, svc, "unlock-surplus"))

	users, err := m.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Carol", users[0].Name)
}
