package governance

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
	"github.com/ekaya-inc/dbgate/pkg/audit"
	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/retry"
	gsql "github.com/ekaya-inc/dbgate/pkg/sql"
)

// StatementExecutor runs statements on the session's bound connection.
// Satisfied by *pgxpool.Conn; tests inject a fake.
type StatementExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// insufficientPrivilege is the SQLSTATE raised when a row policy denies
// a statement.
const insufficientPrivilege = "42501"

// Session is an admitted, identity-bound connection. Every statement is
// classified, screened and audited; writes are gated on audit health.
type Session struct {
	identity models.AgentIdentity
	sourceIP string
	executor StatementExecutor
	scope    *database.AgentScope
	sink     audit.Sink
	security *audit.SecurityAuditor
	logger   *zap.Logger

	retryCfg            *retry.Config
	readSamplingPercent int

	mu       sync.Mutex
	degraded bool
}

type sessionParams struct {
	identity            models.AgentIdentity
	sourceIP            string
	executor            StatementExecutor
	scope               *database.AgentScope
	sink                audit.Sink
	security            *audit.SecurityAuditor
	logger              *zap.Logger
	auditWriteRetries   int
	readSamplingPercent int
}

func newSession(p sessionParams) *Session {
	retryCfg := retry.DefaultConfig()
	if p.auditWriteRetries > 0 {
		retryCfg.MaxRetries = p.auditWriteRetries
	}
	// Audit retries back off briefly; a statement should not hang for
	// seconds on a flapping sink.
	retryCfg.InitialDelay = 50 * time.Millisecond
	retryCfg.MaxDelay = time.Second

	return &Session{
		identity:            p.identity,
		sourceIP:            p.sourceIP,
		executor:            p.executor,
		scope:               p.scope,
		sink:                p.sink,
		security:            p.security,
		logger:              p.logger,
		retryCfg:            retryCfg,
		readSamplingPercent: p.readSamplingPercent,
	}
}

// NewSessionForExecutor builds a session over an injected executor,
// bypassing admission. Test setups only.
func NewSessionForExecutor(identity models.AgentIdentity, executor StatementExecutor, sink audit.Sink, security *audit.SecurityAuditor, logger *zap.Logger, auditWriteRetries, readSamplingPercent int) *Session {
	return newSession(sessionParams{
		identity:            identity,
		executor:            executor,
		sink:                sink,
		security:            security,
		logger:              logger,
		auditWriteRetries:   auditWriteRetries,
		readSamplingPercent: readSamplingPercent,
	})
}

// Identity returns the identity the session is bound to.
func (s *Session) Identity() models.AgentIdentity {
	return s.identity
}

// Degraded reports whether the session has suspended writes after audit
// failures.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Close releases the underlying connection and its agent binding.
func (s *Session) Close() {
	if s.scope != nil {
		s.scope.Close()
	}
}

// Exec runs a statement and returns the affected row count. Anything
// that is not a plain read, including statements classified OTHER, is
// blocked with AuditDegraded while the audit sink is unhealthy; a
// mutation is never silently executed un-audited. A row-policy denial
// surfaces as Forbidden with zero rows affected.
func (s *Session) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := s.rejectConfigWrite(stmt); err != nil {
		return 0, err
	}

	op := gsql.ClassifyOperation(stmt)

	if op != models.OpSelect {
		if err := s.ensureAuditable(ctx); err != nil {
			return 0, err
		}
	}

	detections := s.screen(args)

	start := time.Now()
	tag, err := s.executor.Exec(ctx, stmt, args...)
	elapsed := time.Since(start)
	if err != nil {
		return 0, s.mapExecError(err)
	}

	rowsAffected := tag.RowsAffected()
	if err := s.recordQuery(ctx, op, stmt, elapsed, rowsAffected, detections); err != nil {
		return rowsAffected, err
	}
	return rowsAffected, nil
}

// Query runs a read statement and returns the result rows as maps.
// Reads proceed even while the session is degraded; audit-of-reads is
// advisory and sampled per configuration.
func (s *Session) Query(ctx context.Context, stmt string, args ...any) ([]map[string]any, error) {
	if err := s.rejectConfigWrite(stmt); err != nil {
		return nil, err
	}

	op := gsql.ClassifyOperation(stmt)
	if op != models.OpSelect {
		// Everything else, OTHER included, must go through Exec so the
		// audit gating and the affected-row count apply.
		return nil, fmt.Errorf("only SELECT statements may use Query, got %s", op)
	}

	detections := s.screen(args)

	start := time.Now()
	rows, err := s.executor.Query(ctx, stmt, args...)
	if err != nil {
		return nil, s.mapExecError(err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToMap)
	elapsed := time.Since(start)
	if err != nil {
		return nil, s.mapExecError(err)
	}

	if err := s.recordQuery(ctx, op, stmt, elapsed, int64(len(collected)), detections); err != nil {
		return collected, err
	}
	return collected, nil
}

// rejectConfigWrite refuses statements that could rewrite the session
// variables carrying the agent binding. Without this a SELECT wrapping
// set_config could grant the connection another identity or role.
func (s *Session) rejectConfigWrite(stmt string) error {
	if !gsql.IsConfigWrite(stmt) {
		return nil
	}
	s.security.LogSessionTamper(s.identity.AgentID, s.sourceIP, gsql.Fingerprint(stmt))
	return apperrors.New(apperrors.KindForbidden,
		errors.New("session configuration statements are not permitted"))
}

// ensureAuditable gates a write on audit health. A healthy probe clears
// the degraded flag; an unhealthy one sets it and rejects the write.
func (s *Session) ensureAuditable(ctx context.Context) error {
	err := s.sink.Healthy(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if !s.degraded {
			s.degraded = true
			s.security.LogAuditDegraded(s.identity.AgentID, 0)
		}
		return apperrors.New(apperrors.KindAuditDegraded,
			fmt.Errorf("audit sink unavailable: %w", err))
	}

	if s.degraded {
		s.degraded = false
		s.logger.Info("Audit sink recovered; session writes resumed",
			zap.String("agent_id", s.identity.AgentID))
	}
	return nil
}

// screen checks bound parameters for injection patterns. Detections are
// logged and attached to the audit entry but do not block execution;
// the statement is already parameterized.
func (s *Session) screen(args []any) []*gsql.InjectionCheckResult {
	detections := gsql.ScreenStatementParams(args)
	for _, d := range detections {
		s.security.LogInjectionAttempt(s.identity.AgentID, s.sourceIP, d.Source, d.Fingerprint)
	}
	return detections
}

// recordQuery writes the query audit entry. Entries for anything that
// is not a plain read are mandatory: they retry with backoff and degrade
// the session on exhaustion. Reads are sampled and a failed read audit
// only logs a warning.
func (s *Session) recordQuery(ctx context.Context, op, stmt string, elapsed time.Duration, rowsAffected int64, detections []*gsql.InjectionCheckResult) error {
	mandatory := op != models.OpSelect

	if !mandatory && !s.sampleRead() {
		return nil
	}

	entry := &models.QueryAuditEntry{
		ID:               uuid.New(),
		AgentID:          s.identity.AgentID,
		AgentRole:        s.identity.Role,
		Operation:        op,
		QueryFingerprint: gsql.Fingerprint(stmt),
		ExecutionTimeMs:  elapsed.Milliseconds(),
		RowsAffected:     rowsAffected,
		SourceIP:         s.sourceIP,
		Metadata:         detectionMetadata(detections),
		CreatedAt:        time.Now().UTC(),
	}

	if !mandatory {
		if err := s.sink.RecordQuery(ctx, entry); err != nil {
			s.logger.Warn("Read audit write failed",
				zap.String("agent_id", s.identity.AgentID),
				zap.Error(err))
		}
		return nil
	}

	attempts := 0
	err := retry.Do(ctx, s.retryCfg, func() error {
		attempts++
		return s.sink.RecordQuery(ctx, entry)
	})
	if err != nil {
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		s.security.LogAuditDegraded(s.identity.AgentID, attempts)
		return apperrors.New(apperrors.KindAuditDegraded,
			fmt.Errorf("query audit write failed after %d attempts: %w", attempts, err))
	}
	return nil
}

// sampleRead decides whether this read produces an audit entry.
func (s *Session) sampleRead() bool {
	if s.readSamplingPercent <= 0 {
		return false
	}
	if s.readSamplingPercent >= 100 {
		return true
	}
	return rand.Intn(100) < s.readSamplingPercent
}

// mapExecError converts a row-policy denial into the stable Forbidden
// kind; everything else passes through.
func (s *Session) mapExecError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
		return apperrors.New(apperrors.KindForbidden, err)
	}
	return err
}

func detectionMetadata(detections []*gsql.InjectionCheckResult) map[string]any {
	if len(detections) == 0 {
		return nil
	}
	flagged := make([]map[string]string, 0, len(detections))
	for _, d := range detections {
		flagged = append(flagged, map[string]string{
			"source":      d.Source,
			"fingerprint": d.Fingerprint,
		})
	}
	return map[string]any{"injection_detections": flagged}
}
