package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1/spine", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents/{key}", h.GetAgent)
		r.Get("/agents/{key}/access", h.CheckAccess)
		r.Post("/agents/{key}/heartbeat", h.Heartbeat)

		// Tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/complete", h.CompleteTask)
		r.Post("/tasks/{id}/fail", h.FailTask)

		// Subscriptions
		r.Post("/subscriptions", h.CreateSubscription)
		r.Get("/subscriptions/{agentKey}", h.GetSubscription)

		// Registry status
		r.Get("/stats", h.GetStats)
		r.Get("/status", h.GetStatus)
	})
}
