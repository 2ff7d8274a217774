package audit

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventAuthFailure is logged for every rejected authentication attempt.
	EventAuthFailure SecurityEventType = "auth_failure"
	// EventRateLimitExceeded is logged when a key exceeds its per-minute budget,
	// distinct from plain credential failures so alerting can separate abuse from typos.
	EventRateLimitExceeded SecurityEventType = "rate_limit_exceeded"
	// EventSQLInjectionAttempt is logged when libinjection detects SQL injection
	// patterns in a governed statement's parameters.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventAuditDegraded is logged when audit writes fail and a session suspends writes.
	EventAuditDegraded SecurityEventType = "audit_degraded"
	// EventSessionTamper is logged when a governed statement tries to
	// rewrite session configuration, i.e. the variables binding the
	// connection to its agent identity.
	EventSessionTamper SecurityEventType = "session_tamper_attempt"
)

// SecurityEvent represents an auditable security event with relevant
// context for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	AgentID   string            `json:"agent_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Details   any               `json:"details,omitempty"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor logs security events for SIEM consumption, alongside
// (not instead of) the durable audit rows. Events are structured JSON
// under a dedicated logger namespace.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated
// "security_audit" logger namespace for easy filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogAuthFailure records a rejected authentication attempt at WARN level.
func (a *SecurityAuditor) LogAuthFailure(agentID, clientIP, reason string) {
	a.log(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventAuthFailure,
		AgentID:   agentID,
		ClientIP:  clientIP,
		Details:   map[string]string{"reason": reason},
		Severity:  "warning",
	}, "Authentication failed")
}

// LogRateLimitExceeded records a rate-limited admission attempt at WARN level.
func (a *SecurityAuditor) LogRateLimitExceeded(agentID, clientIP string, limitPerMin int) {
	a.log(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventRateLimitExceeded,
		AgentID:   agentID,
		ClientIP:  clientIP,
		Details:   map[string]int{"limit_per_minute": limitPerMin},
		Severity:  "warning",
	}, "Rate limit exceeded")
}

// LogInjectionAttempt records a detected SQL injection pattern at ERROR
// level with "critical" severity for immediate alerting.
func (a *SecurityAuditor) LogInjectionAttempt(agentID, clientIP, source, fingerprint string) {
	a.log(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventSQLInjectionAttempt,
		AgentID:   agentID,
		ClientIP:  clientIP,
		Details: map[string]string{
			"source":      source,
			"fingerprint": fingerprint,
		},
		Severity: "critical",
	}, "SQL injection attempt detected")
}

// LogSessionTamper records a rejected attempt to rewrite session
// variables at ERROR level with "critical" severity; a caller poking at
// the identity binding is treated like an injection attempt.
func (a *SecurityAuditor) LogSessionTamper(agentID, clientIP, fingerprint string) {
	a.log(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventSessionTamper,
		AgentID:   agentID,
		ClientIP:  clientIP,
		Details:   map[string]string{"fingerprint": fingerprint},
		Severity:  "critical",
	}, "Session configuration tamper attempt rejected")
}

// LogAuditDegraded records that a session suspended writes after audit
// failures, at ERROR level.
func (a *SecurityAuditor) LogAuditDegraded(agentID string, attempts int) {
	a.log(SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventAuditDegraded,
		AgentID:   agentID,
		Details:   map[string]int{"failed_attempts": attempts},
		Severity:  "critical",
	}, "Audit logging degraded; session writes suspended")
}

func (a *SecurityAuditor) log(event SecurityEvent, msg string) {
	// Serialize event to JSON for SIEM ingestion. Marshaling known types
	// should never fail.
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("agent_id", event.AgentID),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	}

	switch event.Severity {
	case "critical":
		a.logger.Error(msg, fields...)
	default:
		a.logger.Warn(msg, fields...)
	}
}
