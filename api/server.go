/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/users/*        Users, balances, deposits, withdrawals, submissions
  /api/deposits/*     Deposit confirmation and rejection
  /api/withdrawals/*  Withdrawal lifecycle
  /api/tasks/*        Task catalog
  /api/submissions/*  Submission review
  /api/admin/*        Reconciliation
  /api/scenarios/*    Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. allowOrigins
// is a comma-separated origin list ("*" for any).
func NewRouter(h *Handler, allowOrigins string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(allowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/referrals", h.ListReferrals)
			r.Get("/{id}/deposits", h.ListDeposits)
			r.Post("/{id}/deposits", h.CreateDeposit)
			r.Post("/{id}/withdrawals", h.CreateWithdrawal)
			r.Post("/{id}/submissions", h.CreateSubmission)
		})

		r.Route("/deposits", func(r chi.Router) {
			r.Post("/{id}/confirm", h.ConfirmDeposit)
			r.Post("/{id}/reject", h.RejectDeposit)
		})

		r.Post("/withdrawals/{id}/status", h.UpdateWithdrawalStatus)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Post("/", h.CreateTask)
		})

		r.Post("/submissions/{id}/review", h.ReviewSubmission)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.TriggerReconciliation)
			r.Get("/reconcile/runs", h.ListReconciliationRuns)
			r.Get("/reconcile/last", h.LastScheduledReport)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func splitOrigins(s string) []string {
	if s == "" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
