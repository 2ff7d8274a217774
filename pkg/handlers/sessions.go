package handlers

import (
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/auth"
	"github.com/ekaya-inc/dbgate/pkg/governance"
)

// AdmissionResponse describes a granted session.
type AdmissionResponse struct {
	Admitted bool   `json:"admitted"`
	AgentID  string `json:"agent_id"`
	Role     string `json:"role"`
}

// SessionHandler runs the admission state machine for inbound
// connection requests. A rejection carries its stable kind so clients
// can branch on cause.
type SessionHandler struct {
	coordinator *governance.Coordinator
	logger      *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(coordinator *governance.Coordinator, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers the session routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.Admit)
}

// Admit handles POST /api/sessions requests. The credential comes from
// the Authorization header; provenance from the connection itself.
func (h *SessionHandler) Admit(w http.ResponseWriter, r *http.Request) {
	credential := BearerToken(r)
	if credential == "" {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "missing bearer credential")
		return
	}

	session, err := h.coordinator.Admit(r.Context(), auth.Attempt{
		Credential: credential,
		SourceIP:   remoteIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		_ = GovernanceError(w, err)
		return
	}
	defer session.Close()

	identity := session.Identity()
	if err := WriteJSON(w, http.StatusCreated, AdmissionResponse{
		Admitted: true,
		AgentID:  identity.AgentID,
		Role:     string(identity.Role),
	}); err != nil {
		h.logger.Error("Failed to encode admission response", zap.Error(err))
	}
}

// BearerToken extracts the bearer credential from the request, if any.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// First hop is the original client.
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
