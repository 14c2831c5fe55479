package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/imlsys/imlcore/internal/middleware"
)

// MountRoutes registers the daemon's HTTP surface (spec §6) on the given
// chi router: plan submission/inspection, plan groups, the module
// capability manifest, the context endpoint, and trigger management.
// bearerToken gates every mutating route; an empty token disables auth
// entirely (local dev). idempotent wraps the two plan-submission endpoints
// that accept a client-supplied Idempotency-Key; pass nil to disable it
// (no JetStream KV backend configured).
func MountRoutes(r chi.Router, h *Handlers, bearerToken string, rateLimit *middleware.RateLimiter, idempotent func(http.Handler) http.Handler) {
	r.Use(SecurityHeaders)
	r.Use(Logger)
	r.Use(middleware.BearerAuth(bearerToken))
	if rateLimit != nil {
		r.Use(rateLimit.Handler)
	}
	if idempotent == nil {
		idempotent = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Health)

	r.Route("/plans", func(r chi.Router) {
		r.With(idempotent).Post("/", h.CreatePlan)
		r.Get("/", h.ListPlans)
		r.Get("/{id}", h.GetPlan)
		r.Delete("/{id}", h.CancelPlan)
		r.Post("/{id}/actions/{action_id}/approve", h.ApproveAction)
	})

	r.With(idempotent).Post("/plan-groups", h.CreatePlanGroup)

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", h.ListModules)
		r.Get("/{id}", h.GetModule)
		r.Get("/{id}/actions/{action}/schema", h.GetActionSchema)
	})

	r.Get("/context", h.GetContext)

	r.Route("/triggers", func(r chi.Router) {
		r.Get("/", h.ListTriggers)
		r.Post("/", h.CreateTrigger)
		r.Get("/{id}", h.GetTrigger)
		r.Delete("/{id}", h.DeleteTrigger)
		r.Post("/{id}/activate", h.ActivateTrigger)
		r.Post("/{id}/deactivate", h.DeactivateTrigger)
	})
}
