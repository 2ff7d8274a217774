package models

// Role is the coarse capability tier resolved once per session. It is
// never inferred from a request payload, only from a validated credential
// or federated claim.
type Role string

const (
	RoleReadOnly     Role = "read_only"
	RoleReadWrite    Role = "read_write"
	RoleAnalytics    Role = "analytics"
	RoleServiceAdmin Role = "service_admin"
)

// ValidRoles contains all valid role values.
var ValidRoles = []Role{RoleReadOnly, RoleReadWrite, RoleAnalytics, RoleServiceAdmin}

// IsValidRole checks if the given role is valid.
func IsValidRole(role Role) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// AgentIdentity represents an authenticated caller, human or automated.
// It is a derived, per-session value: created at first successful
// authentication, never mutated, never persisted as its own row.
type AgentIdentity struct {
	AgentID     string `json:"agent_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// IsAdmin reports whether the identity carries the administrative bypass
// role.
func (id AgentIdentity) IsAdmin() bool {
	return id.Role == RoleServiceAdmin
}
