package policy

// Governed relation names. The audit and key tables are governed by the
// same engine that they back: their listings are admin-only.
const (
	RelationAgentDocuments = "gate_agent_documents"
	RelationAuthAudit      = "gate_auth_audit"
	RelationQueryAudit     = "gate_query_audit"
	RelationAPIKeys        = "gate_api_keys"
)

// NewDefaultEngine returns an engine pre-registered with the gate's own
// relations. The audit and key relations deliberately carry no public
// read and no owner attribute, so only service_admin touches them.
func NewDefaultEngine() *Engine {
	engine := NewEngine()

	engine.Register(Relation{
		Name:             RelationAgentDocuments,
		PubliclyReadable: true,
		OwnerAttribute:   "owner_agent_id",
	})
	engine.Register(Relation{Name: RelationAuthAudit})
	engine.Register(Relation{Name: RelationQueryAudit})
	engine.Register(Relation{Name: RelationAPIKeys})

	return engine
}
