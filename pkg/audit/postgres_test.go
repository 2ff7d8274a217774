//go:build integration

package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/repositories"
	"github.com/ekaya-inc/dbgate/pkg/testhelpers"
)

func TestPostgresSink_RecordsDurably(t *testing.T) {
	gateDB := testhelpers.GetGateDB(t)
	ctx := context.Background()

	sink := NewPostgresSink(gateDB.DB)

	require.NoError(t, sink.Healthy(ctx))
	require.NoError(t, sink.RecordAuth(ctx, &models.AuthAuditEntry{
		AgentIdentifier: "sink-agent",
		Method:          models.AuthMethodAPIKey,
		Success:         true,
	}))
	require.NoError(t, sink.RecordQuery(ctx, &models.QueryAuditEntry{
		AgentID:          "sink-agent",
		AgentRole:        models.RoleReadWrite,
		Operation:        models.OpInsert,
		QueryFingerprint: "INSERT INTO docs (title) VALUES (?)",
		RowsAffected:     1,
	}))

	// Reading the trail back requires an admin-bound connection; the
	// SELECT policies admit no other role.
	scope, err := gateDB.DB.WithAgent(ctx, models.AgentIdentity{
		AgentID: "sink-test-admin",
		Role:    models.RoleServiceAdmin,
	})
	require.NoError(t, err)
	defer scope.Close()
	listCtx := database.SetAgentScope(ctx, scope)

	authEntries, err := repositories.NewAuthAuditRepository().List(listCtx,
		models.AuthAuditFilters{AgentIdentifier: "sink-agent"})
	require.NoError(t, err)
	assert.Len(t, authEntries, 1)

	queryEntries, err := repositories.NewQueryAuditRepository().List(listCtx,
		models.QueryAuditFilters{AgentID: "sink-agent"})
	require.NoError(t, err)
	assert.Len(t, queryEntries, 1)
}
