/**
 * @description
 * HTTP handlers for the sync and institution lifecycle endpoints. Handlers
 * stay thin: decode, call the service, translate errors to status codes.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 */
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/centsight/sync-service/internal/app"
	"github.com/centsight/sync-service/internal/store"
)

// SyncHandlers bundles the HTTP handlers around the sync service.
type SyncHandlers struct {
	service *app.SyncService
}

// NewSyncHandlers creates the handler set.
func NewSyncHandlers(service *app.SyncService) *SyncHandlers {
	return &SyncHandlers{service: service}
}

// SyncAllHandler triggers a fleet-wide sync and returns per-institution results.
func (h *SyncHandlers) SyncAllHandler(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.SyncAllInstitutions(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"fleet sync failed to start\" err=%v", err)
		http.Error(w, "Failed to start sync", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

// SyncOneHandler triggers a sync for a single institution.
func (h *SyncHandlers) SyncOneHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "institutionID"))
	if err != nil {
		http.Error(w, "Invalid institution id", http.StatusBadRequest)
		return
	}

	result, err := h.service.SyncInstitution(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrSyncInProgress):
		http.Error(w, "Sync already in progress", http.StatusConflict)
		return
	case errors.Is(err, store.ErrInstitutionNotFound):
		http.Error(w, "Institution not found", http.StatusNotFound)
		return
	case err != nil:
		log.Printf("level=error component=api msg=\"sync request failed\" institution_id=%s err=%v", id, err)
		http.Error(w, "Sync failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type linkRequest struct {
	PublicToken string `json:"public_token"`
}

// LinkHandler exchanges a public token and stores the new institution.
func (h *SyncHandlers) LinkHandler(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicToken == "" {
		http.Error(w, "public_token is required", http.StatusBadRequest)
		return
	}

	inst, err := h.service.LinkInstitution(r.Context(), req.PublicToken, clientIP(r))
	if err != nil {
		log.Printf("level=error component=api msg=\"link failed\" err=%v", err)
		http.Error(w, "Failed to link institution", http.StatusBadGateway)
		return
	}
	respondJSON(w, http.StatusCreated, inst)
}

// RelinkHandler installs a fresh token for an existing institution.
func (h *SyncHandlers) RelinkHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "institutionID"))
	if err != nil {
		http.Error(w, "Invalid institution id", http.StatusBadRequest)
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicToken == "" {
		http.Error(w, "public_token is required", http.StatusBadRequest)
		return
	}

	err = h.service.RelinkInstitution(r.Context(), id, req.PublicToken, clientIP(r))
	switch {
	case errors.Is(err, store.ErrInstitutionNotFound):
		http.Error(w, "Institution not found", http.StatusNotFound)
		return
	case err != nil:
		log.Printf("level=error component=api msg=\"relink failed\" institution_id=%s err=%v", id, err)
		http.Error(w, "Failed to relink institution", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteInstitutionHandler removes an institution and its data.
func (h *SyncHandlers) DeleteInstitutionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "institutionID"))
	if err != nil {
		http.Error(w, "Invalid institution id", http.StatusBadRequest)
		return
	}

	err = h.service.DeleteInstitution(r.Context(), id, clientIP(r))
	switch {
	case errors.Is(err, store.ErrInstitutionNotFound):
		http.Error(w, "Institution not found", http.StatusNotFound)
		return
	case err != nil:
		log.Printf("level=error component=api msg=\"delete failed\" institution_id=%s err=%v", id, err)
		http.Error(w, "Failed to delete institution", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListInstitutionsHandler returns every linked institution.
func (h *SyncHandlers) ListInstitutionsHandler(w http.ResponseWriter, r *http.Request) {
	institutions, err := h.service.ListInstitutions(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"list institutions failed\" err=%v", err)
		http.Error(w, "Failed to list institutions", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, institutions)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
