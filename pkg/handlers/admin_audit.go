package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/auth"
	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/policy"
	"github.com/ekaya-inc/dbgate/pkg/repositories"
)

// AdminAuditHandler exposes the read-only audit views. Access is
// governed by the same policy engine the audit trail backs: the listing
// relations have no public read, so only service_admin passes, and the
// connection scope is bound to the admin identity so the in-database
// policies agree.
type AdminAuditHandler struct {
	db        *database.DB
	authRepo  repositories.AuthAuditRepository
	queryRepo repositories.QueryAuditRepository
	engine    *policy.Engine
	logger    *zap.Logger
}

// NewAdminAuditHandler creates a new AdminAuditHandler.
func NewAdminAuditHandler(db *database.DB, authRepo repositories.AuthAuditRepository, queryRepo repositories.QueryAuditRepository, engine *policy.Engine, logger *zap.Logger) *AdminAuditHandler {
	return &AdminAuditHandler{
		db:        db,
		authRepo:  authRepo,
		queryRepo: queryRepo,
		engine:    engine,
		logger:    logger,
	}
}

// RegisterRoutes registers the audit listing routes on the given mux.
func (h *AdminAuditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/audit/auth", h.ListAuth)
	mux.HandleFunc("GET /api/admin/audit/queries", h.ListQueries)
}

// ListAuth handles GET /api/admin/audit/auth requests.
// Filters: agent, failures_only, since (RFC 3339), limit.
func (h *AdminAuditHandler) ListAuth(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authorize(w, r, policy.RelationAuthAudit)
	if !ok {
		return
	}

	filters := models.AuthAuditFilters{
		AgentIdentifier: r.URL.Query().Get("agent"),
		OnlyFailures:    r.URL.Query().Get("failures_only") == "true",
		Since:           parseSince(r),
		Limit:           parseLimit(r),
	}

	scope, err := h.db.WithAgent(r.Context(), identity)
	if err != nil {
		h.logger.Error("Failed to bind audit listing scope", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to read audit trail")
		return
	}
	defer scope.Close()

	entries, err := h.authRepo.List(database.SetAgentScope(r.Context(), scope), filters)
	if err != nil {
		h.logger.Error("Failed to list auth audit entries", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to read audit trail")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"entries": entries}); err != nil {
		h.logger.Error("Failed to encode auth audit response", zap.Error(err))
	}
}

// ListQueries handles GET /api/admin/audit/queries requests.
// Filters: agent, operation, since (RFC 3339), limit.
func (h *AdminAuditHandler) ListQueries(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authorize(w, r, policy.RelationQueryAudit)
	if !ok {
		return
	}

	filters := models.QueryAuditFilters{
		AgentID:   r.URL.Query().Get("agent"),
		Operation: r.URL.Query().Get("operation"),
		Since:     parseSince(r),
		Limit:     parseLimit(r),
	}

	scope, err := h.db.WithAgent(r.Context(), identity)
	if err != nil {
		h.logger.Error("Failed to bind audit listing scope", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to read audit trail")
		return
	}
	defer scope.Close()

	entries, err := h.queryRepo.List(database.SetAgentScope(r.Context(), scope), filters)
	if err != nil {
		h.logger.Error("Failed to list query audit entries", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to read audit trail")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"entries": entries}); err != nil {
		h.logger.Error("Failed to encode query audit response", zap.Error(err))
	}
}

// authorize resolves the caller and checks the policy engine for read
// access to the given audit relation.
func (h *AdminAuditHandler) authorize(w http.ResponseWriter, r *http.Request, relation string) (models.AgentIdentity, bool) {
	identity, ok := auth.GetIdentity(r.Context())
	if !ok {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return models.AgentIdentity{}, false
	}

	if !h.engine.Allows(policy.Row{Relation: relation}, identity, models.OpSelect) {
		_ = ErrorResponse(w, http.StatusForbidden, "forbidden", "service_admin role required")
		return models.AgentIdentity{}, false
	}
	return identity, true
}

func parseSince(r *http.Request) *time.Time {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &ts
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
