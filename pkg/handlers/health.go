// Package handlers exposes the gate's HTTP surface: health probes, the
// administrative key and audit endpoints, and session admission.
package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/config"
	"github.com/ekaya-inc/dbgate/pkg/health"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// ConnectionHealthResponse is the connection health endpoint payload:
// the live snapshot plus the threshold evaluation. Safe to poll; the
// read has no side effects.
type ConnectionHealthResponse struct {
	Snapshot *models.ConnectionHealthSnapshot `json:"snapshot"`
	Limits   *models.LimitsReport             `json:"limits"`
}

// HealthHandler handles liveness, ping and connection health endpoints.
type HealthHandler struct {
	cfg     *config.Config
	monitor health.Monitor
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(cfg *config.Config, monitor health.Monitor, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, monitor: monitor, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	mux.HandleFunc("GET /api/health/connections", h.Connections)
}

// Health handles GET /health requests.
// Returns a simple "ok" status for load balancer health checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "dbgate",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

// Connections handles GET /api/health/connections requests.
// Returns the live connection snapshot and limit evaluation.
func (h *HealthHandler) Connections(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.monitor.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("Failed to read connection snapshot", zap.Error(err))
		_ = ErrorResponse(w, http.StatusServiceUnavailable, "snapshot_failed", "failed to read session catalog")
		return
	}

	limits, err := h.monitor.CheckLimits(r.Context())
	if err != nil {
		h.logger.Error("Failed to evaluate connection limits", zap.Error(err))
		_ = ErrorResponse(w, http.StatusServiceUnavailable, "limit_check_failed", "failed to evaluate limits")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ConnectionHealthResponse{Snapshot: snapshot, Limits: limits}); err != nil {
		h.logger.Error("Failed to encode connection health response", zap.Error(err))
	}
}
