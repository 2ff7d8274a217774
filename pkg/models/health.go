package models

// ConnectionHealthSnapshot is an ephemeral view over the live session
// catalog. It is recomputed per call and never cached.
type ConnectionHealthSnapshot struct {
	TotalConnections  int     `json:"total_connections"`
	MaxConnections    int     `json:"max_connections"`
	Active            int     `json:"active"`
	Idle              int     `json:"idle"`
	IdleInTransaction int     `json:"idle_in_transaction"`
	UsagePercent      float64 `json:"usage_percent"`
	WithinLimits      bool    `json:"within_limits"`
}

// BreachKind names a detected connection-health breach condition.
type BreachKind string

const (
	BreachHighUsage         BreachKind = "high_usage"
	BreachIdleInTransaction BreachKind = "idle_in_transaction"
	BreachLongRunningQuery  BreachKind = "long_running_query"
)

// LimitsReport is the result of a limit check. The monitor only reports;
// remediation is left to the admission coordinator or an operator.
type LimitsReport struct {
	WithinLimits bool         `json:"within_limits"`
	UsagePercent float64      `json:"usage_percent"`
	Breaches     []BreachKind `json:"breaches,omitempty"`
}

// HasBreach reports whether the given breach kind was detected.
func (r LimitsReport) HasBreach(kind BreachKind) bool {
	for _, b := range r.Breaches {
		if b == kind {
			return true
		}
	}
	return false
}
