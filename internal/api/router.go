/**
 * @description
 * This file sets up the HTTP router for the sync service. The webhook endpoint
 * is public (authenticated by signature verification); everything else is an
 * internal surface behind the shared API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the service's HTTP surface.
func NewRouter(h *SyncHandlers, webhooks *WebhookHandler, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Standard middleware for logging, panic recovery, and timeouts. The
	// timeout is generous because a manual fleet sync runs inline.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider push notifications; signature-verified inside the handler.
	r.Method(http.MethodPost, "/webhooks/provider", webhooks)

	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/sync", h.SyncAllHandler)
		r.Post("/sync/{institutionID}", h.SyncOneHandler)

		r.Get("/institutions", h.ListInstitutionsHandler)
		r.Post("/institutions/link", h.LinkHandler)
		r.Post("/institutions/{institutionID}/relink", h.RelinkHandler)
		r.Delete("/institutions/{institutionID}", h.DeleteInstitutionHandler)
	})

	return r
}
