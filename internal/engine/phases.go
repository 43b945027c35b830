package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/state"
)

// doSchema creates every target table from the plan. A table that
// already exists is accepted only when its columns match the plan
// exactly; anything else is drift and the run fails rather than touch
// the existing table.
func (e *Engine) doSchema(ctx context.Context, db DBTX, p *plan.MigrationPlan) error {
	for _, spec := range p.Mapping() {
		exists, err := tableExists(ctx, db, spec.TargetTable)
		if err != nil {
			return err
		}
		if exists {
			if err := compareTable(ctx, db, spec); err != nil {
				return err
			}
			e.logger.Info("target table exists with matching definition, reusing",
				"table", spec.TargetTable)
		} else if _, err := db.Exec(ctx, spec.CreateSQL); err != nil {
			return fmt.Errorf("creating table %s: %w", spec.TargetTable, err)
		}
		// Index DDL carries IF NOT EXISTS, so replaying it on a resumed
		// run backfills indexes a crash left behind.
		for _, idx := range spec.IndexSQL {
			if _, err := db.Exec(ctx, idx); err != nil {
				return fmt.Errorf("creating index on %s: %w", spec.TargetTable, err)
			}
		}
	}
	return nil
}

func tableExists(ctx context.Context, db DBTX, name string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM information_schema.tables
		   WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return exists, nil
}

type existingColumn struct {
	name     string
	udt      string
	nullable bool
}

func compareTable(ctx context.Context, db DBTX, spec plan.TargetTableSpec) error {
	rows, err := db.Query(ctx,
		`SELECT column_name, udt_name, is_nullable
		 FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`, spec.TargetTable)
	if err != nil {
		return fmt.Errorf("describing table %s: %w", spec.TargetTable, err)
	}
	defer rows.Close()

	var existing []existingColumn
	for rows.Next() {
		var c existingColumn
		var nullable string
		if err := rows.Scan(&c.name, &c.udt, &nullable); err != nil {
			return fmt.Errorf("describing table %s: %w", spec.TargetTable, err)
		}
		c.nullable = nullable == "YES"
		existing = append(existing, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("describing table %s: %w", spec.TargetTable, err)
	}

	if len(existing) != len(spec.Columns) {
		return &SchemaDriftError{
			Table:  spec.TargetTable,
			Detail: fmt.Sprintf("has %d columns, plan expects %d", len(existing), len(spec.Columns)),
		}
	}

	pk := make(map[string]bool, len(spec.PrimaryKey))
	for _, c := range spec.PrimaryKey {
		pk[c] = true
	}

	for i, want := range spec.Columns {
		got := existing[i]
		if got.name != want.Name {
			return &SchemaDriftError{
				Table:  spec.TargetTable,
				Detail: fmt.Sprintf("column %d is %q, plan expects %q", i+1, got.name, want.Name),
			}
		}
		if got.udt != udtFor(want.Type) {
			return &SchemaDriftError{
				Table:  spec.TargetTable,
				Detail: fmt.Sprintf("column %q has type %s, plan expects %s", want.Name, got.udt, want.Type),
			}
		}
		wantNullable := want.Nullable && !pk[want.Name]
		if got.nullable != wantNullable {
			return &SchemaDriftError{
				Table:  spec.TargetTable,
				Detail: fmt.Sprintf("column %q nullability differs", want.Name),
			}
		}
	}
	return nil
}

// udtFor maps a declared column type to the udt_name PostgreSQL reports
// in information_schema, for drift comparison.
func udtFor(declared string) string {
	d := strings.ToLower(declared)
	if i := strings.Index(d, "("); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSpace(d)
	switch d {
	case "smallint":
		return "int2"
	case "integer":
		return "int4"
	case "bigint":
		return "int8"
	case "boolean":
		return "bool"
	case "real":
		return "float4"
	case "double precision":
		return "float8"
	case "character varying", "varchar":
		return "varchar"
	case "character", "char":
		return "bpchar"
	case "timestamp with time zone", "timestamptz":
		return "timestamptz"
	case "timestamp without time zone", "timestamp":
		return "timestamp"
	case "time with time zone", "timetz":
		return "timetz"
	case "time without time zone", "time":
		return "time"
	case "bit varying":
		return "varbit"
	default:
		return d
	}
}

// doPolicy enables row level security and creates every synthesized
// policy. A failed statement fails the run unless this is a dry run or
// the plan was built with skip_policy_errors.
func (e *Engine) doPolicy(ctx context.Context, db DBTX, p *plan.MigrationPlan, run *state.Run) error {
	skipErrors := run.DryRun || p.Options().SkipPolicyErrors

	targetFor := make(map[string]string, len(p.Mapping()))
	for _, spec := range p.Mapping() {
		targetFor[spec.SourceTable] = spec.TargetTable
	}

	enabled := make(map[string]bool)
	for _, pol := range p.Policies() {
		target, ok := targetFor[pol.Table]
		if !ok {
			continue
		}
		if !enabled[target] {
			if _, err := db.Exec(ctx, plan.EnableRLSSQL(target)); err != nil {
				perr := &PolicyApplyError{Policy: "enable_rls", Table: target, Err: err}
				if !skipErrors {
					return perr
				}
				e.logger.Warn("skipping policy error", "error", perr)
				e.event(ctx, run, "policy_skipped", map[string]string{
					"table": target, "error": err.Error(),
				})
				continue
			}
			enabled[target] = true
		}
		if _, err := db.Exec(ctx, plan.PolicySQL(pol, target)); err != nil {
			// A resumed run re-applies the whole phase; policies that
			// made it in before the crash already exist.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42710" {
				continue
			}
			perr := &PolicyApplyError{Policy: pol.Name, Table: target, Err: err}
			if !skipErrors {
				return perr
			}
			e.logger.Warn("skipping policy error", "error", perr)
			e.event(ctx, run, "policy_skipped", map[string]string{
				"policy": pol.Name, "table": target, "error": err.Error(),
			})
		}
	}
	return nil
}

// doData runs the transfer DAG and then attaches the constraints that
// were deferred to break FK cycles.
func (e *Engine) doData(ctx context.Context, db DBTX, p *plan.MigrationPlan, run *state.Run, workers int, aborted func() bool) error {
	states, err := e.store.JobStates(ctx, run.RunID)
	if err != nil {
		return err
	}

	tr := &transferrer{store: e.store, source: e.source, target: db, logger: e.logger, sleep: e.sleep}

	skipped, dagErr := runDAG(ctx, p.DataJobs(), workers, func(ctx context.Context, job plan.DataTransferJob) error {
		if js, ok := states[job.JobID]; ok && js.Status == state.JobCompleted {
			return nil
		}
		e.event(ctx, run, "job_started", map[string]string{"job_id": job.JobID})
		if err := tr.runJob(ctx, run.RunID, p, job, aborted); err != nil {
			e.event(ctx, run, "job_failed", map[string]string{
				"job_id": job.JobID, "error": err.Error(),
			})
			return err
		}
		e.event(ctx, run, "job_completed", map[string]string{"job_id": job.JobID})
		return nil
	})

	for _, id := range skipped {
		js := state.JobState{
			RunID:     run.RunID,
			JobID:     id,
			Status:    state.JobSkipped,
			LastError: "dependency failed",
		}
		if err := e.store.UpdateJob(context.WithoutCancel(ctx), js); err != nil {
			e.logger.Error("failed to mark job skipped", "jobID", id, "error", err)
		}
		e.event(ctx, run, "job_skipped", map[string]string{"job_id": id})
	}
	if dagErr != nil {
		return dagErr
	}

	for _, stmt := range p.DeferredConstraintSQL() {
		if _, err := db.Exec(ctx, stmt); err != nil {
			// A resumed DATA phase may have applied some already.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42710" {
				continue
			}
			return fmt.Errorf("adding deferred constraint: %w", err)
		}
	}
	return nil
}

// doDerived rebuilds views, functions and sequence positions. Skipped
// entirely in dry runs: derived objects may reference each other and
// are cheap to create on the real run.
func (e *Engine) doDerived(ctx context.Context, db DBTX, p *plan.MigrationPlan, run *state.Run) error {
	if run.DryRun {
		e.event(ctx, run, "derived_skipped", nil)
		return nil
	}
	for _, d := range p.DerivedObjects() {
		if _, err := db.Exec(ctx, d.SQL); err != nil {
			return fmt.Errorf("creating derived %s %s: %w", d.Kind, d.Name, err)
		}
	}
	return nil
}

func (e *Engine) doValidate(ctx context.Context, db DBTX, p *plan.MigrationPlan, run *state.Run) error {
	if e.validate == nil {
		e.logger.Warn("no validator configured, skipping validation", "runID", run.RunID)
		return nil
	}
	states, err := e.store.JobStates(ctx, run.RunID)
	if err != nil {
		return err
	}
	report, ok, err := e.validate(ctx, db, p, states)
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	e.eventRaw(ctx, run, "validation_report", report)
	if !ok {
		return fmt.Errorf("validation failed for run %s", run.RunID)
	}
	return nil
}
