// Package governance implements the admission coordinator: it turns an
// inbound credential into a role-scoped session or a typed refusal, and
// intercepts every statement executed afterward for policy attribution
// and audit logging.
package governance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
	"github.com/ekaya-inc/dbgate/pkg/audit"
	"github.com/ekaya-inc/dbgate/pkg/auth"
	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/health"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

// RequestState tracks one admission request through the coordinator.
type RequestState string

const (
	StateRequested      RequestState = "requested"
	StateAuthenticating RequestState = "authenticating"
	StateCapacityCheck  RequestState = "capacity_check"
	StateAdmitted       RequestState = "admitted"
	StateRejected       RequestState = "rejected"
)

// Authenticator is the credential-resolution capability the coordinator
// consumes. Satisfied by auth.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, attempt auth.Attempt) (*auth.Result, error)
}

// Config tunes the coordinator's audit behavior.
type Config struct {
	// AuditWriteRetries bounds retry attempts for a failed query audit
	// write before the session degrades.
	AuditWriteRetries int

	// AuditReadSamplingPercent is the share of reads (0 to 100) that
	// produce query audit entries. Writes are always audited.
	AuditReadSamplingPercent int
}

// Coordinator admits connection requests. Rejections are typed:
// Unauthorized and RateLimited come from authentication, Backpressure
// from the capacity check. A rejection never partially admits.
type Coordinator struct {
	auth     Authenticator
	monitor  health.Monitor
	db       *database.DB
	sink     audit.Sink
	security *audit.SecurityAuditor
	logger   *zap.Logger
	cfg      Config
}

// NewCoordinator wires the authenticator, health monitor and audit sink.
// db may be nil in tests; sessions then run against an injected executor.
func NewCoordinator(authenticator Authenticator, monitor health.Monitor, db *database.DB, sink audit.Sink, security *audit.SecurityAuditor, logger *zap.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		auth:     authenticator,
		monitor:  monitor,
		db:       db,
		sink:     sink,
		security: security,
		logger:   logger,
		cfg:      cfg,
	}
}

// Admit runs the admission state machine: authenticate, check capacity,
// bind a session to the resolved identity. The returned session MUST be
// closed with defer session.Close().
func (c *Coordinator) Admit(ctx context.Context, attempt auth.Attempt) (*Session, error) {
	result, err := c.auth.Authenticate(ctx, attempt)
	if err != nil {
		c.logger.Debug("Admission rejected",
			zap.String("state", string(StateRejected)),
			zap.String("kind", string(apperrors.KindOf(err))))
		return nil, err
	}

	report, err := c.monitor.CheckLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("capacity check failed: %w", err)
	}
	if report.HasBreach(models.BreachHighUsage) && !result.Identity.IsAdmin() {
		c.logger.Warn("Admission rejected under backpressure",
			zap.String("state", string(StateRejected)),
			zap.String("agent_id", result.Identity.AgentID),
			zap.Float64("usage_percent", report.UsagePercent))
		return nil, apperrors.New(apperrors.KindBackpressure,
			fmt.Errorf("connection pool at %.1f%% usage", report.UsagePercent))
	}

	var executor StatementExecutor
	var scope *database.AgentScope
	if c.db != nil {
		// The session variables are set before any caller statement can
		// run; the row policies read them for every scan and write.
		scope, err = c.db.WithAgent(ctx, result.Identity)
		if err != nil {
			return nil, fmt.Errorf("failed to bind session: %w", err)
		}
		executor = scope.Conn
	}

	session := newSession(sessionParams{
		identity:            result.Identity,
		sourceIP:            attempt.SourceIP,
		executor:            executor,
		scope:               scope,
		sink:                c.sink,
		security:            c.security,
		logger:              c.logger,
		auditWriteRetries:   c.cfg.AuditWriteRetries,
		readSamplingPercent: c.cfg.AuditReadSamplingPercent,
	})

	c.logger.Info("Session admitted",
		zap.String("state", string(StateAdmitted)),
		zap.String("agent_id", result.Identity.AgentID),
		zap.String("role", string(result.Identity.Role)),
		zap.String("method", result.Method))

	return session, nil
}
