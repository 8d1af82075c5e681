package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"siza-core/config"
	"siza-core/internal/keys"
	"siza-core/internal/router"
	"siza-core/internal/vault"
	"siza-core/models"
	"siza-core/observability"
	"siza-core/services"
)

// HealthChecker reports database reachability
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is served over
type Deps struct {
	Stores     keys.StoreFactory
	Completers keys.CompleterSource
	Router     *router.Router

	// Optional
	DB       HealthChecker
	Breakers func() map[string]services.CircuitBreakerStatus
}

// Handler handles HTTP API requests
type Handler struct {
	deps     Deps
	cfg      *config.Config
	dbHealth *healthCache
}

// NewHandler creates a new Handler
func NewHandler(deps Deps, cfg *config.Config) *Handler {
	h := &Handler{deps: deps, cfg: cfg}
	if deps.DB != nil {
		h.dbHealth = newHealthCache(deps.DB, DefaultHealthCacheTTL)
	}
	return h
}

// manager returns the key manager of the requesting user
func (h *Handler) manager(r *http.Request) *keys.Manager {
	store := h.deps.Stores.ForUser(UserIDFromContext(r.Context()))
	policy := vault.ExpiryPolicy{MaxAge: h.cfg.KeyMaxAge()}
	return keys.NewManager(store, h.deps.Completers, keys.WithExpiryPolicy(policy))
}

// HandleHealth returns the health status of the application
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}

	database := "not_configured"
	if h.dbHealth != nil {
		if err := h.dbHealth.Check(r.Context()); err == nil {
			database = "connected"
		} else {
			database = "disconnected"
			status["status"] = "degraded"
		}
	}
	status["services"] = map[string]string{"database": database}

	if h.deps.Breakers != nil {
		cbStatus := h.deps.Breakers()
		status["circuit_breakers"] = cbStatus
		for _, cb := range cbStatus {
			if cb.State == "open" {
				status["status"] = "degraded"
				break
			}
		}
	}

	if h.deps.Router != nil {
		status["fallback_budget"] = h.deps.Router.Budget().Usage()
	}

	h.jsonResponse(w, status)
}

// InitRequest carries the master key for a session
type InitRequest struct {
	EncryptionKey string `json:"encryptionKey"`
}

// HandleInitKeys stores the caller's master key for the rest of the session
func (h *Handler) HandleInitKeys(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "Invalid JSON request", http.StatusBadRequest)
			return
		}
	}
	masterKey := firstNonEmpty(req.EncryptionKey, r.Header.Get(HeaderEncryptionKey))

	if err := h.manager(r).Initialize(r.Context(), masterKey); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.jsonResponse(w, StatusResponse{Status: "initialized"})
}

// HandleListKeys returns masked keys; without a master key every key is fully masked
func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	mgr := h.manager(r)
	masterKey, err := mgr.ResolveMasterKey(r.Context(), r.Header.Get(HeaderEncryptionKey))
	if err != nil && !models.IsValidation(err) {
		h.writeError(w, r, err)
		return
	}

	listed, err := mgr.ListAPIKeys(r.Context(), masterKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.jsonResponse(w, listed)
}

// AddKeyRequest is the body of POST /api/keys
type AddKeyRequest struct {
	Provider    string `json:"provider"`
	APIKey      string `json:"apiKey"`
	MakeDefault bool   `json:"makeDefault"`
}

// HandleAddKey encrypts and stores a new provider key
func (h *Handler) HandleAddKey(w http.ResponseWriter, r *http.Request) {
	var req AddKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	mgr := h.manager(r)
	masterKey, err := mgr.ResolveMasterKey(r.Context(), r.Header.Get(HeaderEncryptionKey))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	provider, _ := models.ParseProvider(req.Provider)
	rec, err := mgr.AddAPIKey(r.Context(), provider, req.APIKey, masterKey, req.MakeDefault)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(maskRecord(rec, vault.MaskKey(strings.TrimSpace(req.APIKey))))
}

// UpdateKeyRequest is the body of PUT /api/keys/{id}
type UpdateKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// HandleUpdateKey rotates the key material of an existing record
func (h *Handler) HandleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req UpdateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	mgr := h.manager(r)
	masterKey, err := mgr.ResolveMasterKey(r.Context(), r.Header.Get(HeaderEncryptionKey))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rec, err := mgr.UpdateAPIKey(r.Context(), chi.URLParam(r, "id"), req.APIKey, masterKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.jsonResponse(w, maskRecord(rec, vault.MaskKey(strings.TrimSpace(req.APIKey))))
}

// HandleDeleteKey removes a key record
func (h *Handler) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.manager(r).DeleteAPIKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetDefaultKey makes a key the default of its provider
func (h *Handler) HandleSetDefaultKey(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager(r).SetDefaultAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.jsonResponse(w, maskRecord(rec, "****"))
}

// HandleClearKeys removes every key and preference of the user
func (h *Handler) HandleClearKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.manager(r).ClearAllData(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	observability.WithUser(UserIDFromContext(r.Context())).Info("user key data cleared")
	w.WriteHeader(http.StatusNoContent)
}

// HandleUsageStats returns key usage statistics
func (h *Handler) HandleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager(r).GetUsageStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.jsonResponse(w, stats)
}

// HandleStorageStats returns the user's storage footprint
func (h *Handler) HandleStorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager(r).GetStorageStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.jsonResponse(w, stats)
}

// HandleGetPreferences returns the user's preferences
func (h *Handler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.manager(r).GetPreferences(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.jsonResponse(w, prefs)
}

// HandleUpdatePreferences applies a partial preference update
func (h *Handler) HandleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch models.PreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.jsonError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	mgr := h.manager(r)
	if err := mgr.UpdatePreferences(r.Context(), patch); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.HandleGetPreferences(w, r)
}

// RouteRequest is the body of POST /api/route
type RouteRequest struct {
	Prompt     string `json:"prompt"`
	HasImage   bool   `json:"hasImage"`
	IsFreeTier bool   `json:"isFreeTier"`
}

// HandleRoute returns the routing decision for a prompt without generating
func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	h.jsonResponse(w, h.deps.Router.Policy().Route(req.Prompt, req.HasImage, req.IsFreeTier))
}

// GenerateRequest is the body of POST /api/generate
type GenerateRequest struct {
	services.GenerateOptions
	Provider string `json:"provider,omitempty"`
}

// HandleGenerate streams router events as server-sent events
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		h.jsonError(w, "Prompt is required", http.StatusBadRequest)
		return
	}

	opts := router.RouteOptions{Generate: req.GenerateOptions}
	if req.Provider != "" {
		provider, ok := models.ParseProvider(req.Provider)
		if !ok {
			h.jsonError(w, "Unsupported provider", http.StatusBadRequest)
			return
		}
		opts.Provider = provider
	}

	ctx := r.Context()
	mgr := h.manager(r)
	prefs, err := mgr.GetPreferences(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	opts.DisableFallback = !prefs.GeminiFallbackEnabled

	// Without a master key the request runs on server credentials only
	if masterKey, err := mgr.ResolveMasterKey(ctx, r.Header.Get(HeaderEncryptionKey)); err == nil {
		userKeys, err := mgr.UsableKeys(ctx, masterKey)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		opts.Keys = userKeys
	}
	opts.IsFreeTier = len(opts.Keys) == 0

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.jsonError(w, "Streaming is not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := observability.WithUser(UserIDFromContext(ctx))
	for ev := range h.deps.Router.RouteGeneration(ctx, opts) {
		if err := writeSSE(w, ev); err != nil {
			log.Debug("client went away during generation", "error", err)
			return
		}
		flusher.Flush()
	}
}

// writeSSE writes one event in text/event-stream framing
func writeSSE(w http.ResponseWriter, ev services.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// HandleComplete runs a one-shot generation with the user's stored key
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req keys.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	mgr := h.manager(r)
	masterKey, err := mgr.ResolveMasterKey(r.Context(), r.Header.Get(HeaderEncryptionKey))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	start := time.Now()
	result, err := mgr.MakeGenerationRequest(r.Context(), req, masterKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	observability.WithUser(UserIDFromContext(r.Context())).Info("completion served",
		"provider", req.Provider,
		"duration", time.Since(start))
	h.jsonResponse(w, result)
}

// HandleFallbackBudget reports today's fallback budget consumption
func (h *Handler) HandleFallbackBudget(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.deps.Router.Budget().Usage())
}

// StatusResponse represents a status response
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func maskRecord(rec *models.APIKeyRecord, masked string) models.MaskedAPIKey {
	return models.MaskedAPIKey{
		KeyID:      rec.KeyID,
		Provider:   rec.Provider,
		MaskedKey:  masked,
		CreatedAt:  rec.CreatedAt,
		LastUsedAt: rec.LastUsedAt,
		ExpiresAt:  rec.ExpiresAt,
		IsDefault:  rec.IsDefault,
	}
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	var providerErr *services.ProviderError
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsDecryption(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &providerErr):
		if providerErr.StatusCode == http.StatusTooManyRequests {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.Is(err, services.ErrCircuitOpen), errors.Is(err, services.ErrCircuitHalfOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Storage and unknown errors are
// logged and replaced by a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		observability.WithContext(r.Context()).Error("request failed",
			"user_id", UserIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err)
		message = "Internal server error"
	}
	h.jsonError(w, message, status)
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	writeJSONError(w, message, status)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
