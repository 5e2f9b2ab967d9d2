/**
 * @description
 * This file sets up the HTTP router for the contribution-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the browser-facing endpoints.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ContributionRoutes creates and returns a new router for the service.
func ContributionRoutes(h *ContributionHandlers, webhooks *WebhookHandler, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Checkout and portal are called from donor pages on org domains.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider webhook ingestion. Authenticated by event signature, not CORS.
	r.Post("/webhooks/provider", webhooks.ServeHTTP)

	// Donor-facing endpoints.
	r.Post("/contributions", h.CreateContributionHandler)
	r.Route("/portal", func(r chi.Router) {
		r.Get("/contributions", h.PortalContributionsHandler)
		r.Get("/contributions/{id}/payments", h.PortalContributionPaymentsHandler)
		r.Patch("/contributions/{id}", h.UpdatePortalContributionHandler)
		r.Delete("/contributions/{id}", h.CancelPortalContributionHandler)
	})

	// Operator endpoints behind the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))
		r.Post("/internal/reconcile", h.ReconcileHandler)
		r.Get("/internal/contributions", h.InternalContributionsHandler)
		r.Post("/internal/contributions/{id}/resolve", h.ResolveContributionHandler)
	})

	return r
}
