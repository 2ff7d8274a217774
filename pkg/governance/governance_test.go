package governance

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
	"github.com/ekaya-inc/dbgate/pkg/audit"
	"github.com/ekaya-inc/dbgate/pkg/auth"
	"github.com/ekaya-inc/dbgate/pkg/health"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

type fakeAuthenticator struct {
	result *auth.Result
	err    error
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, attempt auth.Attempt) (*auth.Result, error) {
	return f.result, f.err
}

type fakeMonitor struct {
	report models.LimitsReport
}

func (f *fakeMonitor) Snapshot(ctx context.Context) (*models.ConnectionHealthSnapshot, error) {
	return &models.ConnectionHealthSnapshot{UsagePercent: f.report.UsagePercent}, nil
}

func (f *fakeMonitor) CheckLimits(ctx context.Context) (*models.LimitsReport, error) {
	return &f.report, nil
}

// fakeExecutor returns canned command tags and records the statements it
// was asked to run.
type fakeExecutor struct {
	tag      string
	execErr  error
	executed []string
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.executed = append(f.executed, sql)
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func testIdentity(role models.Role) models.AgentIdentity {
	return models.AgentIdentity{AgentID: "agent-1", Role: role}
}

func newCoordinator(authenticator Authenticator, monitor health.Monitor, sink audit.Sink) *Coordinator {
	logger := zap.NewNop()
	return NewCoordinator(authenticator, monitor, nil, sink, audit.NewSecurityAuditor(logger), logger, Config{
		AuditWriteRetries: 1,
	})
}

func newTestSession(sink audit.Sink, executor StatementExecutor, role models.Role, readSampling int) *Session {
	logger := zap.NewNop()
	return NewSessionForExecutor(testIdentity(role), executor, sink, audit.NewSecurityAuditor(logger), logger, 1, readSampling)
}

func TestAdmit_Success(t *testing.T) {
	sink := audit.NewMemorySink()
	coordinator := newCoordinator(
		&fakeAuthenticator{result: &auth.Result{Identity: testIdentity(models.RoleReadWrite), Method: models.AuthMethodAPIKey}},
		&fakeMonitor{report: models.LimitsReport{WithinLimits: true}},
		sink,
	)

	session, err := coordinator.Admit(context.Background(), auth.Attempt{Credential: "x"})
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "agent-1", session.Identity().AgentID)
	assert.False(t, session.Degraded())
}

func TestAdmit_AuthFailurePropagates(t *testing.T) {
	coordinator := newCoordinator(
		&fakeAuthenticator{err: apperrors.New(apperrors.KindUnauthorized, errors.New("invalid credential"))},
		&fakeMonitor{report: models.LimitsReport{WithinLimits: true}},
		audit.NewMemorySink(),
	)

	_, err := coordinator.Admit(context.Background(), auth.Attempt{Credential: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))
}

func TestAdmit_BackpressureForNonAdmin(t *testing.T) {
	breached := models.LimitsReport{
		WithinLimits: false,
		UsagePercent: 85,
		Breaches:     []models.BreachKind{models.BreachHighUsage},
	}

	coordinator := newCoordinator(
		&fakeAuthenticator{result: &auth.Result{Identity: testIdentity(models.RoleReadWrite)}},
		&fakeMonitor{report: breached},
		audit.NewMemorySink(),
	)

	_, err := coordinator.Admit(context.Background(), auth.Attempt{Credential: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBackpressure))
}

func TestAdmit_AdminBypassesBackpressure(t *testing.T) {
	breached := models.LimitsReport{
		WithinLimits: false,
		UsagePercent: 85,
		Breaches:     []models.BreachKind{models.BreachHighUsage},
	}

	coordinator := newCoordinator(
		&fakeAuthenticator{result: &auth.Result{Identity: testIdentity(models.RoleServiceAdmin)}},
		&fakeMonitor{report: breached},
		audit.NewMemorySink(),
	)

	session, err := coordinator.Admit(context.Background(), auth.Attempt{Credential: "x"})
	require.NoError(t, err)
	defer session.Close()
}

func TestAdmit_NonUsageBreachDoesNotReject(t *testing.T) {
	// Only HighUsage triggers backpressure; a long-running-query report
	// is operator information, not an admission gate.
	report := models.LimitsReport{
		WithinLimits: false,
		Breaches:     []models.BreachKind{models.BreachLongRunningQuery},
	}

	coordinator := newCoordinator(
		&fakeAuthenticator{result: &auth.Result{Identity: testIdentity(models.RoleReadOnly)}},
		&fakeMonitor{report: report},
		audit.NewMemorySink(),
	)

	session, err := coordinator.Admit(context.Background(), auth.Attempt{Credential: "x"})
	require.NoError(t, err)
	defer session.Close()
}

func TestExec_WriteProducesOneAuditEntry(t *testing.T) {
	sink := audit.NewMemorySink()
	executor := &fakeExecutor{tag: "UPDATE 3"}
	session := newTestSession(sink, executor, models.RoleReadWrite, 0)

	rows, err := session.Exec(context.Background(), "UPDATE gate_agent_documents SET title = $1 WHERE id = $2", "new title", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)

	entries := sink.QueryEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpUpdate, entries[0].Operation)
	assert.Equal(t, int64(3), entries[0].RowsAffected)
	assert.Equal(t, "agent-1", entries[0].AgentID)
	assert.Equal(t, models.RoleReadWrite, entries[0].AgentRole)
}

func TestExec_FingerprintStripsLiterals(t *testing.T) {
	sink := audit.NewMemorySink()
	session := newTestSession(sink, &fakeExecutor{tag: "INSERT 0 1"}, models.RoleReadWrite, 0)

	_, err := session.Exec(context.Background(),
		"INSERT INTO gate_agent_documents (title) VALUES ('top secret value')")
	require.NoError(t, err)

	entries := sink.QueryEntries()
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].QueryFingerprint, "top secret value")
	assert.Contains(t, entries[0].QueryFingerprint, "?")
}

func TestExec_WriteBlockedWhileSinkUnavailable(t *testing.T) {
	sink := audit.NewMemorySink()
	executor := &fakeExecutor{tag: "UPDATE 1"}
	session := newTestSession(sink, executor, models.RoleReadWrite, 0)

	sink.SetFailing(true)

	_, err := session.Exec(context.Background(), "UPDATE gate_agent_documents SET title = 'x'")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuditDegraded))
	assert.True(t, session.Degraded())

	// The statement never reached the database.
	assert.Empty(t, executor.executed)
}

func TestExec_ReadsContinueWhileDegraded(t *testing.T) {
	sink := audit.NewMemorySink()
	executor := &fakeExecutor{tag: "SELECT 2"}
	session := newTestSession(sink, executor, models.RoleReadOnly, 0)

	sink.SetFailing(true)

	_, err := session.Exec(context.Background(), "UPDATE gate_agent_documents SET title = 'x'")
	require.Error(t, err)
	require.True(t, session.Degraded())

	rows, err := session.Exec(context.Background(), "SELECT count(*) FROM gate_agent_documents")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), rows)
}

func TestExec_WritesResumeAfterSinkRecovers(t *testing.T) {
	sink := audit.NewMemorySink()
	executor := &fakeExecutor{tag: "DELETE 1"}
	session := newTestSession(sink, executor, models.RoleReadWrite, 0)

	sink.SetFailing(true)
	_, err := session.Exec(context.Background(), "DELETE FROM gate_agent_documents WHERE id = 1")
	require.Error(t, err)
	require.True(t, session.Degraded())

	sink.SetFailing(false)
	rows, err := session.Exec(context.Background(), "DELETE FROM gate_agent_documents WHERE id = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.False(t, session.Degraded())

	require.Len(t, sink.QueryEntries(), 1)
}

// recordFailingSink accepts health probes but rejects query writes, to
// exercise the post-execution audit failure path.
type recordFailingSink struct {
	audit.MemorySink
	failRecord bool
}

func (s *recordFailingSink) RecordQuery(ctx context.Context, entry *models.QueryAuditEntry) error {
	if s.failRecord {
		return audit.ErrSinkUnavailable
	}
	return s.MemorySink.RecordQuery(ctx, entry)
}

func (s *recordFailingSink) Healthy(ctx context.Context) error { return nil }

func TestExec_AuditFailureAfterExecutionDegradesSession(t *testing.T) {
	sink := &recordFailingSink{failRecord: true}
	executor := &fakeExecutor{tag: "UPDATE 1"}
	session := newTestSession(sink, executor, models.RoleReadWrite, 0)

	rows, err := session.Exec(context.Background(), "UPDATE gate_agent_documents SET title = 'x'")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAuditDegraded, apperrors.KindOf(err))

	// The statement did execute; the caller learns the audit trail is
	// behind rather than being lied to about the write.
	assert.Equal(t, int64(1), rows)
	assert.True(t, session.Degraded())
}

func TestExec_ReadsNotAuditedAtZeroSampling(t *testing.T) {
	sink := audit.NewMemorySink()
	session := newTestSession(sink, &fakeExecutor{tag: "SELECT 5"}, models.RoleReadOnly, 0)

	_, err := session.Exec(context.Background(), "SELECT * FROM gate_agent_documents")
	require.NoError(t, err)
	assert.Empty(t, sink.QueryEntries())
}

func TestExec_ReadsAuditedAtFullSampling(t *testing.T) {
	sink := audit.NewMemorySink()
	session := newTestSession(sink, &fakeExecutor{tag: "SELECT 5"}, models.RoleAnalytics, 100)

	_, err := session.Exec(context.Background(), "SELECT * FROM gate_agent_documents")
	require.NoError(t, err)

	entries := sink.QueryEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpSelect, entries[0].Operation)
}

func TestExec_RowPolicyDenialSurfacesForbidden(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42501", Message: "new row violates row-level security policy"}
	executor := &fakeExecutor{execErr: pgErr}
	session := newTestSession(audit.NewMemorySink(), executor, models.RoleReadWrite, 0)

	_, err := session.Exec(context.Background(), "INSERT INTO gate_agent_documents (owner_agent_id) VALUES ('someone-else')")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
}

func TestExec_InjectionDetectionRecordedInMetadata(t *testing.T) {
	sink := audit.NewMemorySink()
	session := newTestSession(sink, &fakeExecutor{tag: "UPDATE 0"}, models.RoleReadWrite, 0)

	_, err := session.Exec(context.Background(),
		"UPDATE gate_agent_documents SET title = $1 WHERE id = $2",
		"' OR 1=1 --", 3)
	require.NoError(t, err)

	entries := sink.QueryEntries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Metadata, "injection_detections")
}

func TestQuery_RejectsWriteStatements(t *testing.T) {
	session := newTestSession(audit.NewMemorySink(), &fakeExecutor{}, models.RoleReadWrite, 0)

	_, err := session.Query(context.Background(), "DELETE FROM gate_agent_documents")
	require.Error(t, err)
}

func TestExec_CommentedWriteBlockedWhileSinkUnavailable(t *testing.T) {
	sink := audit.NewMemorySink()
	executor := &fakeExecutor{tag: "UPDATE 1"}
	session := newTestSession(sink, executor, models.RoleReadWrite, 0)

	sink.SetFailing(true)

	// A leading comment must not demote the statement out of the
	// mutation path.
	_, err := session.Exec(context.Background(), "/* maintenance */ UPDATE gate_agent_documents SET title = 'x'")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuditDegraded))
	assert.True(t, session.Degraded())
	assert.Empty(t, executor.executed)
}

func TestExec_DDLBlockedWhileSinkUnavailable(t *testing.T) {
	sink := audit.NewMemorySink()
	executor := &fakeExecutor{tag: "TRUNCATE TABLE"}
	session := newTestSession(sink, executor, models.RoleServiceAdmin, 0)

	sink.SetFailing(true)

	// Statements that classify outside the CRUD verbs still mutate, so
	// they ride the same audit gate as writes.
	_, err := session.Exec(context.Background(), "TRUNCATE gate_agent_documents")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuditDegraded))
	assert.Empty(t, executor.executed)
}

func TestExec_DDLAuditedAsMandatory(t *testing.T) {
	sink := audit.NewMemorySink()
	executor := &fakeExecutor{tag: "TRUNCATE TABLE"}
	session := newTestSession(sink, executor, models.RoleServiceAdmin, 0)

	_, err := session.Exec(context.Background(), "TRUNCATE gate_agent_documents")
	require.NoError(t, err)

	// Read sampling is zero, so the entry can only come from the
	// mandatory path.
	entries := sink.QueryEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpOther, entries[0].Operation)
}

func TestExec_SessionConfigStatementsForbidden(t *testing.T) {
	statements := []struct {
		name string
		stmt string
	}{
		{"set command", "SET app.current_agent_role = 'service_admin'"},
		{"reset command", "RESET app.current_agent_id"},
		{"set_config call", "SELECT set_config('app.current_agent_role', 'service_admin', false)"},
		{"set behind comment", "/* x */ SET ROLE postgres"},
	}

	for _, tc := range statements {
		t.Run(tc.name, func(t *testing.T) {
			sink := audit.NewMemorySink()
			executor := &fakeExecutor{tag: "SELECT 1"}
			session := newTestSession(sink, executor, models.RoleServiceAdmin, 100)

			_, err := session.Exec(context.Background(), tc.stmt)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrForbidden))
			assert.Empty(t, executor.executed)
			assert.Empty(t, sink.QueryEntries())
		})
	}
}

func TestQuery_RejectsSessionConfigStatements(t *testing.T) {
	session := newTestSession(audit.NewMemorySink(), &fakeExecutor{}, models.RoleReadOnly, 0)

	_, err := session.Query(context.Background(), "SELECT set_config('app.current_agent_id', 'other-agent', false)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
}

func TestQuery_RejectsUnclassifiedStatements(t *testing.T) {
	session := newTestSession(audit.NewMemorySink(), &fakeExecutor{}, models.RoleReadWrite, 0)

	_, err := session.Query(context.Background(), "TRUNCATE gate_agent_documents")
	require.Error(t, err)
}
