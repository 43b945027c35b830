package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/relgraph"
)

// Build produces an immutable MigrationPlan from a snapshot, its
// synthesized policies, and validated options. It is pure computation
// over the snapshot; neither database is touched.
func Build(snap *analyzer.Snapshot, policies []policy.AccessPolicy, opts Options) (*MigrationPlan, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if err := checkOptionTargets(snap, opts); err != nil {
		return nil, err
	}

	graph := relgraph.Build(snap)
	order, groups := graph.Order()
	if len(groups) > 0 && opts.CycleHandling == CycleFail {
		var tables []string
		for _, g := range groups {
			tables = append(tables, g.Tables...)
		}
		return nil, &PlanError{Kind: KindUnresolvableCycle,
			Msg: fmt.Sprintf("foreign key cycles among %s and cycle_handling is %q",
				strings.Join(tables, ", "), CycleFail)}
	}

	deferred := map[string]bool{}
	for _, g := range groups {
		for _, dk := range g.DeferredKeys {
			deferred[dk.ForeignKey.Name] = true
		}
	}

	doc := planDoc{
		Version:   DocumentVersion,
		PlanID:    uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Snapshot:  *snap,
		Options:   opts,
		Policies:  policies,
	}

	for _, name := range order {
		t := snap.Table(name)
		doc.Mapping = append(doc.Mapping, mapTable(snap.SourceKind, t, opts, deferred))
	}

	doc.DataJobs = buildJobs(order, graph, groups, opts)
	doc.CycleGroups = groups
	for _, g := range groups {
		for _, dk := range g.DeferredKeys {
			doc.DeferredSQL = append(doc.DeferredSQL,
				addConstraintSQL(opts.targetName(dk.Table), dk.ForeignKey, opts.targetName(dk.ForeignKey.RefTable)))
		}
	}
	doc.DerivedObjects = buildDerived(snap, opts)
	doc.RollbackSteps = buildRollback(&doc)
	doc.Risk = assessRisk(snap, groups, policies)
	doc.EstimatedSeconds = estimateDuration(snap, opts).Seconds()

	return &MigrationPlan{doc: doc}, nil
}

// checkOptionTargets verifies rename and vector options against the
// snapshot so typos fail at plan time, not mid-execution.
func checkOptionTargets(snap *analyzer.Snapshot, opts Options) error {
	for src := range opts.TableRenames {
		if snap.Table(src) == nil {
			return &PlanError{Kind: KindOptionConflict,
				Msg: fmt.Sprintf("table_renames names unknown table %s", src)}
		}
	}
	for key := range opts.VectorDimensions {
		table, col, _ := strings.Cut(key, ".")
		t := snap.Table(table)
		if t == nil {
			return &PlanError{Kind: KindOptionConflict,
				Msg: fmt.Sprintf("vector_dimensions names unknown table %s", table)}
		}
		c := t.Column(col)
		if c == nil {
			return &PlanError{Kind: KindOptionConflict,
				Msg: fmt.Sprintf("vector_dimensions names unknown column %s.%s", table, col)}
		}
		switch c.Kind {
		case analyzer.KindArray, analyzer.KindJSON, analyzer.KindRaw, analyzer.KindVector:
		default:
			return &PlanError{Kind: KindOptionConflict,
				Msg: fmt.Sprintf("column %s.%s holds %s data, cannot become a vector", table, col, c.Kind)}
		}
	}
	return nil
}

func mapTable(sourceKind string, t *analyzer.TableDescriptor, opts Options, deferred map[string]bool) TargetTableSpec {
	spec := TargetTableSpec{
		SourceTable: t.Name,
		TargetTable: opts.targetName(t.Name),
		PrimaryKey:  t.PrimaryKey,
	}
	for _, c := range t.Columns {
		dims := opts.VectorDimensions[t.Name+"."+c.Name]
		spec.Columns = append(spec.Columns, TargetColumn{
			Name:         c.Name,
			SourceColumn: c.Name,
			Type:         targetType(sourceKind, c, dims),
			Nullable:     c.Nullable,
			Default:      translateDefault(sourceKind, c.Default),
		})
	}
	spec.CreateSQL = createTableSQLRenamed(spec, t, opts, deferred)
	for _, idx := range t.Indexes {
		spec.IndexSQL = append(spec.IndexSQL, indexIfNotExists(rewriteIndexDef(idx.Definition, t.Name, spec.TargetTable)))
	}
	return spec
}

// createTableSQLRenamed renders CREATE TABLE with FK references mapped
// through the rename table.
func createTableSQLRenamed(spec TargetTableSpec, t *analyzer.TableDescriptor, opts Options, deferred map[string]bool) string {
	// Rewrite FK targets before rendering.
	renamed := *t
	renamed.ForeignKeys = make([]analyzer.ForeignKey, len(t.ForeignKeys))
	for i, fk := range t.ForeignKeys {
		fk.RefTable = opts.targetName(fk.RefTable)
		renamed.ForeignKeys[i] = fk
	}
	return createTableSQL(spec, &renamed, deferred)
}

// translateDefault keeps Postgres defaults verbatim and drops defaults
// from other engines, whose expressions rarely parse on Postgres.
func translateDefault(sourceKind, def string) string {
	if sourceKind == "postgres" {
		return def
	}
	switch strings.ToUpper(strings.TrimSpace(def)) {
	case "", "NULL":
		return ""
	case "CURRENT_TIMESTAMP", "CURRENT_TIMESTAMP()", "NOW()":
		return "now()"
	case "TRUE", "FALSE", "0", "1":
		return strings.ToLower(def)
	}
	return ""
}

// indexIfNotExists makes an index definition safe to replay. The engine
// re-runs index DDL when it resumes into a half-built schema, so every
// statement gets IF NOT EXISTS before the index name.
func indexIfNotExists(def string) string {
	for _, prefix := range []string{"CREATE UNIQUE INDEX ", "CREATE INDEX "} {
		if strings.HasPrefix(def, prefix) && !strings.HasPrefix(def[len(prefix):], "IF NOT EXISTS ") {
			return prefix + "IF NOT EXISTS " + def[len(prefix):]
		}
	}
	return def
}

// rewriteIndexDef retargets a Postgres index definition after a rename.
func rewriteIndexDef(def, src, dst string) string {
	if src == dst {
		return def
	}
	for _, from := range []string{
		fmt.Sprintf("ON public.%q", src),
		fmt.Sprintf("ON %q", src),
		"ON public." + src + " ",
		"ON " + src + " ",
	} {
		if strings.Contains(def, from) {
			to := fmt.Sprintf("ON %q", dst)
			if strings.HasSuffix(from, " ") {
				to += " "
			}
			return strings.Replace(def, from, to, 1)
		}
	}
	return def
}

// buildJobs emits one transfer job per table in topological order. A
// job depends on the jobs of its direct FK parents, except parents inside
// the same cycle group, whose constraints are deferred anyway.
func buildJobs(order []string, graph *relgraph.Graph, groups []relgraph.CycleGroup, opts Options) []DataTransferJob {
	jobIDFor := map[string]string{}
	for rank, table := range order {
		jobIDFor[table] = fmt.Sprintf("job-%03d-%s", rank+1, opts.targetName(table))
	}

	var jobs []DataTransferJob
	for rank, table := range order {
		job := DataTransferJob{
			JobID:       jobIDFor[table],
			SourceTable: table,
			TargetTable: opts.targetName(table),
			BatchSize:   opts.BatchSize,
			OrderRank:   rank + 1,
		}
		for _, parent := range graph.Parents(table) {
			if relgraph.InGroup(groups, table, parent) {
				continue
			}
			job.DependencyIDs = append(job.DependencyIDs, jobIDFor[parent])
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func buildDerived(snap *analyzer.Snapshot, opts Options) []DerivedObjectSpec {
	var out []DerivedObjectSpec
	for _, v := range snap.Views {
		out = append(out, DerivedObjectSpec{
			Name: v.Name,
			Kind: "view",
			SQL:  fmt.Sprintf("CREATE OR REPLACE VIEW %q AS %s", v.Name, v.Definition),
		})
	}
	for _, f := range snap.Functions {
		if f.Definition == "" {
			continue
		}
		out = append(out, DerivedObjectSpec{Name: f.Name, Kind: "function", SQL: f.Definition})
	}
	for _, s := range snap.Sequences {
		if s.TableName == "" || s.ColumnName == "" {
			continue
		}
		table := opts.targetName(s.TableName)
		out = append(out, DerivedObjectSpec{
			Name: s.Name,
			Kind: "sequence_sync",
			SQL: fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', '%s'), GREATEST(COALESCE(MAX(%q), 1), 1)) FROM %q",
				table, s.ColumnName, s.ColumnName, table),
		})
	}
	return out
}

// buildRollback records the literal inverses of the forward steps, in
// reverse order: derived objects, deferred constraints, transferred rows,
// policies, tables. Constraints drop before the tables they reference.
func buildRollback(doc *planDoc) []RollbackStep {
	var steps []RollbackStep
	add := func(kind, desc, sql string) {
		steps = append(steps, RollbackStep{Seq: len(steps) + 1, Kind: kind, Description: desc, SQL: sql})
	}

	for i := len(doc.DerivedObjects) - 1; i >= 0; i-- {
		d := doc.DerivedObjects[i]
		switch d.Kind {
		case "view":
			add("drop_derived", "drop view "+d.Name, fmt.Sprintf("DROP VIEW IF EXISTS %q;", d.Name))
		case "function":
			add("drop_derived", "drop function "+d.Name, fmt.Sprintf("DROP FUNCTION IF EXISTS %q;", d.Name))
		}
	}

	var deferredKeys []relgraph.DeferredKey
	for _, g := range doc.CycleGroups {
		deferredKeys = append(deferredKeys, g.DeferredKeys...)
	}
	for i := len(deferredKeys) - 1; i >= 0; i-- {
		dk := deferredKeys[i]
		table := doc.Options.targetName(dk.Table)
		add("drop_constraint", fmt.Sprintf("drop constraint %s on %s", dk.ForeignKey.Name, table),
			fmt.Sprintf("ALTER TABLE %q DROP CONSTRAINT IF EXISTS %q;", table, dk.ForeignKey.Name))
	}

	for i := len(doc.DataJobs) - 1; i >= 0; i-- {
		job := doc.DataJobs[i]
		add("clear_rows", "clear rows from "+job.TargetTable,
			fmt.Sprintf("DELETE FROM %q;", job.TargetTable))
	}

	for i := len(doc.Policies) - 1; i >= 0; i-- {
		p := doc.Policies[i]
		table := doc.Options.targetName(p.Table)
		add("drop_policy", fmt.Sprintf("drop policy %s on %s", p.Name, table),
			fmt.Sprintf("DROP POLICY IF EXISTS %q ON %q;", p.Name, table))
	}

	for i := len(doc.Mapping) - 1; i >= 0; i-- {
		spec := doc.Mapping[i]
		add("drop_table", "drop table "+spec.TargetTable,
			fmt.Sprintf("DROP TABLE IF EXISTS %q;", spec.TargetTable))
	}
	return steps
}
