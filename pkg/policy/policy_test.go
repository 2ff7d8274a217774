package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/dbgate/pkg/models"
)

func admin() models.AgentIdentity {
	return models.AgentIdentity{AgentID: "ops", Role: models.RoleServiceAdmin}
}

func agent(id string, role models.Role) models.AgentIdentity {
	return models.AgentIdentity{AgentID: id, Role: role}
}

func TestAdminBypassesEverything(t *testing.T) {
	engine := NewDefaultEngine()

	operations := []string{models.OpSelect, models.OpInsert, models.OpUpdate, models.OpDelete, models.OpOther}
	rows := []Row{
		{Relation: RelationAgentDocuments, OwnerAgentID: "someone-else"},
		{Relation: RelationAuthAudit},
		{Relation: "brand_new_relation"},
		{Relation: RelationAgentDocuments}, // no owner set
	}

	for _, row := range rows {
		for _, op := range operations {
			assert.True(t, engine.Allows(row, admin(), op),
				"service_admin should pass %s on %s", op, row.Relation)
		}
	}
}

func TestPublicReadOnReadableRelation(t *testing.T) {
	engine := NewDefaultEngine()
	row := Row{Relation: RelationAgentDocuments, OwnerAgentID: "other-agent"}

	for _, role := range []models.Role{models.RoleReadOnly, models.RoleReadWrite, models.RoleAnalytics} {
		assert.True(t, engine.Allows(row, agent("me", role), models.OpSelect),
			"role %s should read publicly readable rows", role)
	}
}

func TestOwnerMayWriteOwnRows(t *testing.T) {
	engine := NewDefaultEngine()
	own := Row{Relation: RelationAgentDocuments, OwnerAgentID: "me"}
	foreign := Row{Relation: RelationAgentDocuments, OwnerAgentID: "other-agent"}

	caller := agent("me", models.RoleReadWrite)

	for _, op := range []string{models.OpInsert, models.OpUpdate, models.OpDelete} {
		assert.True(t, engine.Allows(own, caller, op), "owner %s should pass", op)
		assert.False(t, engine.Allows(foreign, caller, op), "foreign %s should be denied", op)
	}
}

func TestUnregisteredRelationDeniesNonAdmin(t *testing.T) {
	engine := NewDefaultEngine()
	row := Row{Relation: "newly_added_table", OwnerAgentID: "me"}
	caller := agent("me", models.RoleReadWrite)

	// A relation with no explicit policy denies everything, even writes
	// to rows the caller appears to own.
	for _, op := range []string{models.OpSelect, models.OpInsert, models.OpUpdate, models.OpDelete} {
		assert.False(t, engine.Allows(row, caller, op))
	}
	assert.True(t, engine.Allows(row, admin(), models.OpDelete))
}

func TestOwnerlessRowIsAdminOnly(t *testing.T) {
	engine := NewDefaultEngine()
	row := Row{Relation: RelationAgentDocuments} // shared/system row, no owner

	caller := agent("me", models.RoleReadWrite)
	for _, op := range []string{models.OpInsert, models.OpUpdate, models.OpDelete} {
		assert.False(t, engine.Allows(row, caller, op))
	}
	assert.True(t, engine.Allows(row, admin(), models.OpUpdate))
}

func TestAuditRelationsAreAdminOnly(t *testing.T) {
	engine := NewDefaultEngine()

	for _, relation := range []string{RelationAuthAudit, RelationQueryAudit, RelationAPIKeys} {
		row := Row{Relation: relation}
		assert.False(t, engine.Allows(row, agent("me", models.RoleAnalytics), models.OpSelect),
			"%s should not be readable by analytics", relation)
		assert.True(t, engine.Allows(row, admin(), models.OpSelect))
	}
}

func TestSelectOnNonPublicRelationDenied(t *testing.T) {
	engine := NewEngine()
	engine.Register(Relation{Name: "private_notes", OwnerAttribute: "owner_agent_id"})

	row := Row{Relation: "private_notes", OwnerAgentID: "me"}
	caller := agent("me", models.RoleReadOnly)

	assert.False(t, engine.Allows(row, caller, models.OpSelect))
}
