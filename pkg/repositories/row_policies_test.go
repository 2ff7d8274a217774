//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/testhelpers"
)

// These tests exercise the in-database policy contract directly: every
// statement runs over a connection bound to an agent identity, exactly
// as admitted sessions do.

func agentScope(t *testing.T, gateDB *testhelpers.GateDB, agentID string, role models.Role) *database.AgentScope {
	t.Helper()
	scope, err := gateDB.DB.WithAgent(context.Background(), models.AgentIdentity{
		AgentID: agentID,
		Role:    role,
	})
	require.NoError(t, err)
	t.Cleanup(scope.Close)
	return scope
}

// auditCtx returns a context whose connection is bound to a
// service_admin identity, the only role the audit SELECT policies admit.
// Appends and pruning also pass for admins, so the audit repository
// tests run entirely over this scope.
func auditCtx(t *testing.T, gateDB *testhelpers.GateDB) context.Context {
	t.Helper()
	scope := agentScope(t, gateDB, "audit-test-admin", models.RoleServiceAdmin)
	return database.SetAgentScope(context.Background(), scope)
}

func seedDocument(t *testing.T, gateDB *testhelpers.GateDB, owner, title string, published bool) {
	t.Helper()
	// Unscoped connections have no matching document policy, so rows are
	// seeded through an admin-bound connection.
	admin := agentScope(t, gateDB, "seed-admin", models.RoleServiceAdmin)
	_, err := admin.Conn.Exec(context.Background(),
		`INSERT INTO gate_agent_documents (owner_agent_id, title, is_published) VALUES ($1, $2, $3)`,
		owner, title, published)
	require.NoError(t, err)
}

func TestRowPolicies_OwnerCanInsertAndUpdateOwnRows(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	scope := agentScope(t, gateDB, "owner-agent", models.RoleReadWrite)

	_, err := scope.Conn.Exec(ctx,
		`INSERT INTO gate_agent_documents (owner_agent_id, title) VALUES ($1, $2)`,
		"owner-agent", "own note")
	require.NoError(t, err)

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE gate_agent_documents SET title = $1 WHERE owner_agent_id = $2 AND title = $3`,
		"renamed note", "owner-agent", "own note")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tag.RowsAffected())
}

func TestRowPolicies_ForeignRowsInvisibleToWrites(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	seedDocument(t, gateDB, "victim-agent", "victim doc", false)

	scope := agentScope(t, gateDB, "attacker-agent", models.RoleReadWrite)

	// The statement succeeds but matches zero rows: policy filtering, not
	// an error.
	tag, err := scope.Conn.Exec(ctx,
		`UPDATE gate_agent_documents SET title = 'stolen' WHERE title = 'victim doc'`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tag.RowsAffected())

	tag, err = scope.Conn.Exec(ctx,
		`DELETE FROM gate_agent_documents WHERE title = 'victim doc'`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tag.RowsAffected())
}

func TestRowPolicies_InsertForForeignOwnerRejected(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	scope := agentScope(t, gateDB, "forger-agent", models.RoleReadWrite)

	_, err := scope.Conn.Exec(ctx,
		`INSERT INTO gate_agent_documents (owner_agent_id, title) VALUES ($1, $2)`,
		"someone-else", "forged doc")
	assert.Error(t, err)
}

func TestRowPolicies_PublishedRowsReadableByAnyone(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	seedDocument(t, gateDB, "publisher-agent", "published doc", true)
	seedDocument(t, gateDB, "publisher-agent", "draft doc", false)

	scope := agentScope(t, gateDB, "reader-agent", models.RoleReadOnly)

	var published, draft int
	require.NoError(t, scope.Conn.QueryRow(ctx,
		`SELECT count(*) FROM gate_agent_documents WHERE title = 'published doc'`).Scan(&published))
	require.NoError(t, scope.Conn.QueryRow(ctx,
		`SELECT count(*) FROM gate_agent_documents WHERE title = 'draft doc'`).Scan(&draft))

	assert.Equal(t, 1, published)
	assert.Equal(t, 0, draft)
}

func TestRowPolicies_AdminSeesEveryRow(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	seedDocument(t, gateDB, "hidden-agent", "admin-visible doc", false)

	scope := agentScope(t, gateDB, "admin-agent", models.RoleServiceAdmin)

	var count int
	require.NoError(t, scope.Conn.QueryRow(ctx,
		`SELECT count(*) FROM gate_agent_documents WHERE title = 'admin-visible doc'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRowPolicies_AuditTrailHiddenFromNonAdmins(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	// Seed one entry over an unscoped connection, the append path the
	// governance layer uses.
	gateCtx, cleanup := gateContext(t, gateDB)
	defer cleanup()
	require.NoError(t, NewAuthAuditRepository().Insert(gateCtx, &models.AuthAuditEntry{
		AgentIdentifier: "rls-audit-agent",
		Method:          models.AuthMethodAPIKey,
		Success:         true,
	}))

	nonAdmin := agentScope(t, gateDB, "curious-agent", models.RoleReadWrite)
	var visible int
	require.NoError(t, nonAdmin.Conn.QueryRow(ctx,
		`SELECT count(*) FROM gate_auth_audit`).Scan(&visible))
	assert.Equal(t, 0, visible)

	admin := agentScope(t, gateDB, "audit-admin", models.RoleServiceAdmin)
	require.NoError(t, admin.Conn.QueryRow(ctx,
		`SELECT count(*) FROM gate_auth_audit WHERE agent_identifier = 'rls-audit-agent'`).Scan(&visible))
	assert.Equal(t, 1, visible)
}

func TestRowPolicies_AuditTrailImmutableForAgents(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	scope := agentScope(t, gateDB, "tamper-agent", models.RoleReadWrite)

	// No UPDATE policy exists on the audit trail for any role, and the
	// DELETE policy excludes scoped agent roles. Both statements match
	// zero rows.
	tag, err := scope.Conn.Exec(ctx, `UPDATE gate_auth_audit SET success = TRUE`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tag.RowsAffected())

	tag, err = scope.Conn.Exec(ctx, `DELETE FROM gate_query_audit`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tag.RowsAffected())
}

func TestRowPolicies_VaultHiddenFromNonAdmins(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	gateCtx, cleanup := gateContext(t, gateDB)
	defer cleanup()
	require.NoError(t, NewAPIKeyRepository().Create(gateCtx, newTestKey("rls-vault-agent")))

	nonAdmin := agentScope(t, gateDB, "vault-snoop", models.RoleAnalytics)
	var visible int
	require.NoError(t, nonAdmin.Conn.QueryRow(ctx,
		`SELECT count(*) FROM gate_api_keys`).Scan(&visible))
	assert.Equal(t, 0, visible)
}
