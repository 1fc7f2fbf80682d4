/**
 * @description
 * This file sets up the HTTP router for the stokvel service. The messaging webhook,
 * grant callbacks and OTP endpoints are public; the portal API requires a session
 * token issued by OTP verification.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the web portal.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the service routes. metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Stokvel service is healthy"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Post("/webhooks/messages", h.handleInboundMessage)
	r.Get("/grants/{subject}/callback", h.handleGrantCallback)

	r.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.handleSendOTP)
		r.Post("/verify", h.handleVerifyOTP)
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(h.tokens))

		r.Post("/users", h.handleRegisterUser)
		r.Post("/stokvels", h.handleCreateStokvel)
		r.Post("/applications", h.handleSubmitApplication)
		r.Post("/applications/{id}/approve", h.handleApproveApplication)
		r.Post("/applications/{id}/decline", h.handleDeclineApplication)

		r.Route("/stokvels/{id}", func(r chi.Router) {
			r.Get("/applications", h.handleListApplications)
			r.Post("/admins", h.handlePromoteAdmin)
			r.Put("/contribution", h.handleUpdateContribution)
			r.Post("/members/{userID}/grants/retry", h.handleRetryGrants)
		})
	})

	return r
}
