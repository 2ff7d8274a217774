package models

import (
	"time"

	"github.com/google/uuid"
)

// AuthMethod identifies how a caller presented its credential.
const (
	AuthMethodAPIKey         = "api_key"
	AuthMethodFederatedClaim = "federated_claim"
	AuthMethodDBCredentials  = "db_credentials"
)

// AuthAuditEntry is the immutable record of one authentication attempt.
// Entries are append-only: no code path updates or deletes them, only the
// retention job may prune by age.
type AuthAuditEntry struct {
	ID              uuid.UUID      `json:"id"`
	AgentIdentifier string         `json:"agent_identifier"`
	Method          string         `json:"method"` // 'api_key', 'federated_claim', 'db_credentials'
	Success         bool           `json:"success"`
	SourceIP        string         `json:"source_ip,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// QueryOperation classifies an executed statement.
const (
	OpSelect = "SELECT"
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	OpOther  = "OTHER"
)

// IsWriteOperation reports whether op mutates rows. Write operations are
// the ones gated by audit health.
func IsWriteOperation(op string) bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// QueryAuditEntry is the immutable record of one executed statement under
// a governed session. The fingerprint is normalized and truncated text,
// never raw bound secrets.
type QueryAuditEntry struct {
	ID               uuid.UUID      `json:"id"`
	AgentID          string         `json:"agent_id"`
	AgentRole        Role           `json:"agent_role"`
	Operation        string         `json:"operation"`
	QueryFingerprint string         `json:"query_fingerprint"`
	ExecutionTimeMs  int64          `json:"execution_time_ms"`
	RowsAffected     int64          `json:"rows_affected"`
	SourceIP         string         `json:"source_ip,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AuthAuditFilters narrows audit listings on the admin surface.
type AuthAuditFilters struct {
	AgentIdentifier string
	OnlyFailures    bool
	Since           *time.Time
	Limit           int
}

// QueryAuditFilters narrows query audit listings on the admin surface.
type QueryAuditFilters struct {
	AgentID   string
	Operation string
	Since     *time.Time
	Limit     int
}
