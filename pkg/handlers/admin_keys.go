package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/auth"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/vault"
)

// CreateKeyRequest is the administrative key-creation payload.
type CreateKeyRequest struct {
	AgentName       string     `json:"agent_name"`
	AgentType       string     `json:"agent_type"`
	Role            string     `json:"role"`
	Permissions     []string   `json:"permissions,omitempty"`
	RateLimitPerMin int        `json:"rate_limit_per_minute"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// CreateKeyResponse returns the raw secret exactly once. It is not
// recoverable afterwards.
type CreateKeyResponse struct {
	Secret string         `json:"secret"`
	Key    *models.APIKey `json:"key"`
}

// AdminKeyHandler implements the administrative key-management surface.
// Every route requires a service_admin identity resolved upstream.
type AdminKeyHandler struct {
	vault  vault.Vault
	logger *zap.Logger
}

// NewAdminKeyHandler creates a new AdminKeyHandler.
func NewAdminKeyHandler(v vault.Vault, logger *zap.Logger) *AdminKeyHandler {
	return &AdminKeyHandler{vault: v, logger: logger}
}

// RegisterRoutes registers the key-management routes on the given mux.
func (h *AdminKeyHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/admin/keys", h.Create)
	mux.HandleFunc("GET /api/admin/keys", h.List)
	mux.HandleFunc("DELETE /api/admin/keys/{id}", h.Revoke)
}

// Create handles POST /api/admin/keys requests.
func (h *AdminKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.RequireAdmin(r.Context())
	if err != nil {
		_ = ErrorResponse(w, http.StatusForbidden, "forbidden", "service_admin role required")
		return
	}

	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.AgentName == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "agent_name is required")
		return
	}
	role := models.Role(req.Role)
	if !models.IsValidRole(role) {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "unknown role")
		return
	}
	if req.RateLimitPerMin <= 0 {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "rate_limit_per_minute must be positive")
		return
	}

	secret, key, err := h.vault.StoreKey(r.Context(), req.AgentName, req.AgentType, role, req.Permissions, req.RateLimitPerMin, req.ExpiresAt)
	if err != nil {
		h.logger.Error("Failed to create API key", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to create key")
		return
	}

	h.logger.Info("API key created via admin surface",
		zap.String("admin", admin.AgentID),
		zap.String("key_id", key.ID.String()),
		zap.String("agent_name", key.AgentName))

	if err := WriteJSON(w, http.StatusCreated, CreateKeyResponse{Secret: secret, Key: key}); err != nil {
		h.logger.Error("Failed to encode create key response", zap.Error(err))
	}
}

// List handles GET /api/admin/keys requests. Hashes never appear in the
// listing; only the identifying prefix does.
func (h *AdminKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireAdmin(r.Context()); err != nil {
		_ = ErrorResponse(w, http.StatusForbidden, "forbidden", "service_admin role required")
		return
	}

	keys, err := h.vault.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list API keys", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to list keys")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"keys": keys}); err != nil {
		h.logger.Error("Failed to encode key list response", zap.Error(err))
	}
}

// Revoke handles DELETE /api/admin/keys/{id} requests. Keys are
// deactivated, never physically deleted, so audit references stay valid.
func (h *AdminKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.RequireAdmin(r.Context())
	if err != nil {
		_ = ErrorResponse(w, http.StatusForbidden, "forbidden", "service_admin role required")
		return
	}

	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "malformed key id")
		return
	}

	if err := h.vault.Revoke(r.Context(), keyID); err != nil {
		h.logger.Error("Failed to revoke API key",
			zap.String("key_id", keyID.String()),
			zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to revoke key")
		return
	}

	h.logger.Info("API key revoked via admin surface",
		zap.String("admin", admin.AgentID),
		zap.String("key_id", keyID.String()))

	w.WriteHeader(http.StatusNoContent)
}
