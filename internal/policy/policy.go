// Package policy synthesizes row-level access policies from schema shape.
// Policies restrict rows through session variables the target sets per
// request: shift.user_id, shift.tenant_id, and shift.role.
package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/shiftdb/shift/internal/analyzer"
)

// Operation is the statement class a policy covers.
type Operation string

const (
	OpRead   Operation = "READ"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpAll    Operation = "ALL"
)

// Origin names the heuristic (or hint) that produced a policy.
type Origin string

const (
	OriginTenantOwner   Origin = "tenant_owner"
	OriginTenant        Origin = "tenant"
	OriginOwner         Origin = "owner"
	OriginAdminFallback Origin = "admin_fallback"
	OriginHint          Origin = "hint"
)

// AccessPolicy is one named rule restricting which subjects may perform
// an operation on which rows of a table. Never mutated after it is
// applied; a change requires a new revision.
type AccessPolicy struct {
	Name            string    `json:"name"`
	Table           string    `json:"table"`
	Operation       Operation `json:"operation"`
	SubjectRoles    []string  `json:"subject_roles"`
	UsingExpression string    `json:"using_expression"`
	CheckExpression string    `json:"check_expression,omitempty"`
	Origin          Origin    `json:"origin"`
	Warning         string    `json:"warning,omitempty"`
}

// Hint overrides the heuristics for one table. A hint always wins.
type Hint struct {
	Table           string    `json:"table"`
	Operation       Operation `json:"operation,omitempty"`
	SubjectRoles    []string  `json:"subject_roles,omitempty"`
	UsingExpression string    `json:"using_expression"`
	CheckExpression string    `json:"check_expression,omitempty"`
}

// SynthesisError reports a policy that references a column absent from
// its table. Synthesis fails loudly rather than dropping the policy.
type SynthesisError struct {
	Kind   string
	Policy string
	Table  string
	Column string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis %s: policy %s references column %s.%s which does not exist",
		e.Kind, e.Policy, e.Table, e.Column)
}

const KindInvalidReference = "INVALID_REFERENCE"

// Session variable expressions used in synthesized policies. The second
// argument to current_setting suppresses errors when the GUC is unset.
const (
	userIDExpr   = "current_setting('shift.user_id', true)"
	tenantIDExpr = "current_setting('shift.tenant_id', true)"
	roleExpr     = "current_setting('shift.role', true)"
)

// Synthesize derives one policy per table. Heuristics apply in order,
// first match wins: tenant+owner, tenant only, owner only, admin-only
// fallback (with a warning). Hints override the heuristic for their table.
// Every emitted policy is validated against the snapshot before return.
func Synthesize(snap *analyzer.Snapshot, hints []Hint, logger *slog.Logger) ([]AccessPolicy, error) {
	hintFor := map[string]Hint{}
	for _, h := range hints {
		hintFor[h.Table] = h
	}

	var policies []AccessPolicy
	for i := range snap.Tables {
		t := &snap.Tables[i]

		var p AccessPolicy
		if h, ok := hintFor[t.Name]; ok {
			p = fromHint(t.Name, h)
		} else {
			p = heuristic(t, snap)
		}
		if p.Warning != "" {
			logger.Warn("policy fallback", "table", t.Name, "policy", p.Name, "warning", p.Warning)
		}
		policies = append(policies, p)
	}

	for _, p := range policies {
		if err := Validate(p, snap); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

func fromHint(table string, h Hint) AccessPolicy {
	op := h.Operation
	if op == "" {
		op = OpAll
	}
	roles := h.SubjectRoles
	if len(roles) == 0 {
		roles = []string{"authenticated"}
	}
	return AccessPolicy{
		Name:            table + "_access",
		Table:           table,
		Operation:       op,
		SubjectRoles:    roles,
		UsingExpression: h.UsingExpression,
		CheckExpression: h.CheckExpression,
		Origin:          OriginHint,
	}
}

func heuristic(t *analyzer.TableDescriptor, snap *analyzer.Snapshot) AccessPolicy {
	owner := ownershipColumn(t, snap)
	tenant := tenantColumn(t)

	p := AccessPolicy{
		Name:         t.Name + "_access",
		Table:        t.Name,
		Operation:    OpAll,
		SubjectRoles: []string{"authenticated"},
	}
	switch {
	case owner != "" && tenant != "":
		p.Origin = OriginTenantOwner
		p.UsingExpression = fmt.Sprintf("%s::text = %s AND %s::text = %s",
			tenant, tenantIDExpr, owner, userIDExpr)
	case tenant != "":
		p.Origin = OriginTenant
		p.UsingExpression = fmt.Sprintf("%s::text = %s", tenant, tenantIDExpr)
	case owner != "":
		p.Origin = OriginOwner
		p.UsingExpression = fmt.Sprintf("%s::text = %s", owner, userIDExpr)
	default:
		p.Origin = OriginAdminFallback
		p.SubjectRoles = []string{"admin"}
		p.UsingExpression = fmt.Sprintf("%s = 'admin'", roleExpr)
		p.Warning = "no ownership or tenant column found, table restricted to admin role"
	}
	p.CheckExpression = p.UsingExpression
	return p
}

// subjectTables are table names whose primary key an ownership column
// is expected to reference.
var subjectTables = map[string]bool{
	"users": true, "accounts": true, "user": true, "account": true,
	"members": true, "profiles": true,
}

// ownershipColumn finds a *_id column that references a users/accounts
// style table, either through an actual FK or by name convention.
func ownershipColumn(t *analyzer.TableDescriptor, snap *analyzer.Snapshot) string {
	for _, fk := range t.ForeignKeys {
		if subjectTables[fk.RefTable] && len(fk.Columns) == 1 {
			return fk.Columns[0]
		}
	}
	for _, c := range t.Columns {
		base, ok := strings.CutSuffix(c.Name, "_id")
		if !ok {
			continue
		}
		if subjectTables[base] || subjectTables[base+"s"] || base == "owner" || base == "author" {
			return c.Name
		}
	}
	return ""
}

var tenantNames = map[string]bool{
	"tenant_id": true, "org_id": true, "organization_id": true,
	"workspace_id": true, "team_id": true,
}

func tenantColumn(t *analyzer.TableDescriptor) string {
	for _, c := range t.Columns {
		if tenantNames[c.Name] {
			return c.Name
		}
	}
	return ""
}

// identPattern matches SQL identifiers in an expression. Quoted
// identifiers are matched without their quotes.
var identPattern = regexp.MustCompile(`"([^"]+)"|\b([a-z_][a-z0-9_]*)\b`)

// sqlKeywords and builtins that identPattern will match but that are
// never column references.
var exprNonColumns = map[string]bool{
	"and": true, "or": true, "not": true, "is": true, "null": true,
	"true": true, "false": true, "in": true, "like": true, "ilike": true,
	"current_setting": true, "coalesce": true, "nullif": true, "lower": true,
	"upper": true, "text": true, "uuid": true, "bigint": true, "integer": true,
	"boolean": true, "exists": true, "select": true, "from": true, "where": true,
	"case": true, "when": true, "then": true, "else": true, "end": true,
}

// Validate checks that every identifier in a policy's expressions that
// looks like a column reference exists on the policy's table. String
// literals are stripped first so their contents are not mistaken for
// identifiers.
func Validate(p AccessPolicy, snap *analyzer.Snapshot) error {
	t := snap.Table(p.Table)
	if t == nil {
		return &SynthesisError{Kind: KindInvalidReference, Policy: p.Name, Table: p.Table, Column: "*"}
	}
	for _, expr := range []string{p.UsingExpression, p.CheckExpression} {
		if expr == "" {
			continue
		}
		for _, col := range referencedColumns(expr) {
			if t.Column(col) == nil {
				return &SynthesisError{Kind: KindInvalidReference, Policy: p.Name, Table: p.Table, Column: col}
			}
		}
	}
	return nil
}

var stringLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)

func referencedColumns(expr string) []string {
	cleaned := stringLiteral.ReplaceAllString(expr, "''")
	seen := map[string]bool{}
	var cols []string
	for _, m := range identPattern.FindAllStringSubmatch(cleaned, -1) {
		ident := m[1]
		if ident == "" {
			ident = m[2]
		}
		if exprNonColumns[strings.ToLower(ident)] || seen[ident] {
			continue
		}
		seen[ident] = true
		cols = append(cols, ident)
	}
	sort.Strings(cols)
	return cols
}

// Roles returns the distinct subject roles across policies, sorted. The
// validator probes one synthetic subject per role.
func Roles(policies []AccessPolicy) []string {
	set := map[string]bool{}
	for _, p := range policies {
		for _, r := range p.SubjectRoles {
			set[r] = true
		}
	}
	roles := make([]string, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
