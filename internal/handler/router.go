package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the HTTP router for the identity service.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", h.Login)

		r.Post("/password-resets", h.RequestPasswordReset)
		r.Get("/password-resets/validate", h.ValidatePasswordReset)
		r.Post("/password-resets/consume", h.ConsumePasswordReset)

		r.Get("/invitations/validate", h.ValidateInvitation)
		r.Post("/invitations/accept", h.AcceptInvitation)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)

			r.Post("/auth/logout", h.Logout)
			r.Post("/auth/logout-all", h.LogoutAll)
			r.Get("/auth/me", h.Me)

			r.Post("/invitations", h.CreateInvitation)
			r.Post("/invitations/{id}/resend", h.ResendInvitation)
		})
	})

	return r
}
