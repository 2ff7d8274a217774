// Package policy implements row-level visibility and mutation rules as
// pure predicates. The same rules are enforced in-database by declarative
// row policies reading the session variables app.current_agent_id and
// app.current_agent_role; this package is the explicit, testable mirror
// of those rules and the authority consulted by surfaces that sit above
// SQL, such as the audit listing endpoints.
package policy

import (
	"github.com/ekaya-inc/dbgate/pkg/models"
)

// Relation describes how one governed relation participates in row
// policy. A relation with no registration gets no allowances at all.
type Relation struct {
	Name string

	// PubliclyReadable allows SELECT by any authenticated role.
	PubliclyReadable bool

	// OwnerAttribute names the column holding the owning agent's id.
	// Empty means shared/system data, writable only by service_admin.
	OwnerAttribute string
}

// Row is the policy-relevant projection of one stored row.
type Row struct {
	Relation string

	// OwnerAgentID is the value of the relation's owner attribute for
	// this row. Empty when the relation has no owner attribute or the
	// row's owner is unset.
	OwnerAgentID string
}

// Rule is one ordered allow-rule. Rules only ever grant; denial is the
// absence of any grant.
type Rule struct {
	Name   string
	Allows func(row Row, rel *Relation, identity models.AgentIdentity, operation string) bool
}

// Engine evaluates the ordered rule list against a relation registry.
// Evaluation is fail-closed: a relation registered without an explicit
// allowance, or not registered at all, denies every non-admin access.
type Engine struct {
	relations map[string]Relation
	rules     []Rule
}

// NewEngine creates an engine with the default rule ordering and an
// empty relation registry.
func NewEngine() *Engine {
	return &Engine{
		relations: make(map[string]Relation),
		rules:     defaultRules(),
	}
}

// Register adds or replaces a relation's policy declaration.
func (e *Engine) Register(rel Relation) {
	e.relations[rel.Name] = rel
}

// Allows reports whether identity may perform operation on row. Rules
// are evaluated in priority order; the first grant wins and no grant
// means denial.
func (e *Engine) Allows(row Row, identity models.AgentIdentity, operation string) bool {
	var rel *Relation
	if r, ok := e.relations[row.Relation]; ok {
		rel = &r
	}

	for _, rule := range e.rules {
		if rule.Allows(row, rel, identity, operation) {
			return true
		}
	}
	return false
}

// defaultRules is the priority-ordered allowance list:
//  1. service_admin passes everything (administrative bypass)
//  2. SELECT on a publicly readable relation passes for any role
//  3. writes pass when the row's owner equals the session's agent id
//
// Everything else is denied, including writes to rows with no owner
// attribute (shared/system data) by non-admin roles.
func defaultRules() []Rule {
	return []Rule{
		{
			Name: "admin_bypass",
			Allows: func(_ Row, _ *Relation, identity models.AgentIdentity, _ string) bool {
				return identity.IsAdmin()
			},
		},
		{
			Name: "public_read",
			Allows: func(_ Row, rel *Relation, _ models.AgentIdentity, operation string) bool {
				return rel != nil && rel.PubliclyReadable && operation == models.OpSelect
			},
		},
		{
			Name: "owner_write",
			Allows: func(row Row, rel *Relation, identity models.AgentIdentity, operation string) bool {
				if rel == nil || rel.OwnerAttribute == "" {
					return false
				}
				if !models.IsWriteOperation(operation) {
					return false
				}
				return row.OwnerAgentID != "" && row.OwnerAgentID == identity.AgentID
			},
		},
	}
}
