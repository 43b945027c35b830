package plan

import (
	"fmt"
	"strings"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/policy"
)

// TargetColumn is one mapped column on the target.
type TargetColumn struct {
	Name         string `json:"name"`
	SourceColumn string `json:"source_column"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	Default      string `json:"default,omitempty"`
}

// TargetTableSpec is the target-side shape of one source table, with the
// DDL to create it. CreateSQL carries only non-deferred constraints;
// deferred ones live on the plan's cycle groups.
type TargetTableSpec struct {
	SourceTable string         `json:"source_table"`
	TargetTable string         `json:"target_table"`
	Columns     []TargetColumn `json:"columns"`
	PrimaryKey  []string       `json:"primary_key,omitempty"`
	CreateSQL   string         `json:"create_sql"`
	IndexSQL    []string       `json:"index_sql,omitempty"`
}

// DerivedObjectSpec is an object created in the DERIVED phase, after all
// data is loaded.
type DerivedObjectSpec struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // view, function, sequence_sync
	SQL  string `json:"sql"`
}

// RollbackStep is the literal inverse of one forward step, recorded at
// build time. Steps run in slice order.
type RollbackStep struct {
	Seq         int    `json:"seq"`
	Kind        string `json:"kind"` // drop_derived, drop_constraint, drop_policy, clear_rows, drop_table
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// targetType maps a portable column kind to a Postgres type. Raw columns
// from a Postgres source keep their native spelling; from other engines
// they widen to text.
func targetType(sourceKind string, c analyzer.ColumnDescriptor, vectorDims int) string {
	if vectorDims > 0 {
		return fmt.Sprintf("vector(%d)", vectorDims)
	}
	switch c.Kind {
	case analyzer.KindIntegerSmall:
		return "smallint"
	case analyzer.KindInteger:
		return "integer"
	case analyzer.KindIntegerBig:
		return "bigint"
	case analyzer.KindDecimal:
		return "numeric"
	case analyzer.KindText:
		return "text"
	case analyzer.KindBinary:
		return "bytea"
	case analyzer.KindBoolean:
		return "boolean"
	case analyzer.KindTimestamp:
		return "timestamp"
	case analyzer.KindTimestampTZ:
		return "timestamptz"
	case analyzer.KindUUID:
		return "uuid"
	case analyzer.KindJSON:
		return "jsonb"
	case analyzer.KindArray:
		return "jsonb"
	case analyzer.KindEnum:
		return "text"
	case analyzer.KindVector:
		return c.NativeType
	case analyzer.KindRaw:
		if sourceKind == "postgres" {
			return c.NativeType
		}
		return "text"
	}
	return "text"
}

// createTableSQL renders the CREATE TABLE statement for a spec.
// Constraints in deferred slices are omitted here and added post-load.
func createTableSQL(spec TargetTableSpec, t *analyzer.TableDescriptor, deferred map[string]bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE %q (", spec.TargetTable)

	var parts []string
	for _, col := range spec.Columns {
		p := fmt.Sprintf("\n  %q %s", col.Name, col.Type)
		if !col.Nullable {
			p += " NOT NULL"
		}
		if col.Default != "" {
			p += " DEFAULT " + col.Default
		}
		parts = append(parts, p)
	}
	if len(spec.PrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("\n  PRIMARY KEY (%s)", quoteJoin(spec.PrimaryKey)))
	}
	for _, u := range t.Uniques {
		parts = append(parts, fmt.Sprintf("\n  CONSTRAINT %q UNIQUE (%s)", u.Name, quoteJoin(u.Columns)))
	}
	for _, fk := range t.ForeignKeys {
		if deferred[fk.Name] {
			continue
		}
		parts = append(parts, "\n  "+foreignKeyClause(fk, ""))
	}
	sb.WriteString(strings.Join(parts, ","))
	sb.WriteString("\n);")
	return sb.String()
}

// foreignKeyClause renders one FK constraint. targetOf maps the source
// referenced table name to its target name when non-empty.
func foreignKeyClause(fk analyzer.ForeignKey, refTable string) string {
	if refTable == "" {
		refTable = fk.RefTable
	}
	clause := fmt.Sprintf("CONSTRAINT %q FOREIGN KEY (%s) REFERENCES %q (%s)",
		fk.Name, quoteJoin(fk.Columns), refTable, quoteJoin(fk.RefColumns))
	if fk.OnDelete != "" && fk.OnDelete != "NO ACTION" {
		clause += " ON DELETE " + fk.OnDelete
	}
	return clause
}

// addConstraintSQL renders the post-load ALTER TABLE for a deferred FK.
func addConstraintSQL(table string, fk analyzer.ForeignKey, refTable string) string {
	return fmt.Sprintf("ALTER TABLE %q ADD %s;", table, foreignKeyClause(fk, refTable))
}

// PolicySQL renders one access policy as Postgres row-level
// security DDL. READ maps to SELECT; INSERT-class policies carry only a
// WITH CHECK clause, as Postgres requires.
func PolicySQL(p policy.AccessPolicy, targetTable string) string {
	var sb strings.Builder
	cmd := map[policy.Operation]string{
		policy.OpRead:   "SELECT",
		policy.OpInsert: "INSERT",
		policy.OpUpdate: "UPDATE",
		policy.OpDelete: "DELETE",
		policy.OpAll:    "ALL",
	}[p.Operation]

	fmt.Fprintf(&sb, "CREATE POLICY %q ON %q FOR %s", p.Name, targetTable, cmd)
	// Subject roles are matched through the shift.role session variable,
	// not database roles, so every policy applies TO PUBLIC.
	sb.WriteString(" TO PUBLIC")
	if p.UsingExpression != "" && p.Operation != policy.OpInsert {
		fmt.Fprintf(&sb, " USING (%s)", p.UsingExpression)
	}
	if p.CheckExpression != "" && p.Operation != policy.OpRead && p.Operation != policy.OpDelete {
		fmt.Fprintf(&sb, " WITH CHECK (%s)", p.CheckExpression)
	}
	sb.WriteString(";")
	return sb.String()
}

func EnableRLSSQL(table string) string {
	return fmt.Sprintf("ALTER TABLE %q ENABLE ROW LEVEL SECURITY;", table)
}

func quoteJoin(idents []string) string {
	quoted := make([]string, len(idents))
	for i, s := range idents {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}
