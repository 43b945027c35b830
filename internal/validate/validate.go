// Package validate independently checks a finished copy: it recounts
// and re-checksums every target table against what the data phase
// recorded, and spot-checks synthesized policies by setting session
// variables and confirming rows appear or disappear. A failed check is
// reported, never acted on; rollback stays a human decision.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shiftdb/shift/internal/engine"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/state"
)

// TableCheck compares one target table against the copy's records.
type TableCheck struct {
	SourceTable      string `json:"source_table"`
	TargetTable      string `json:"target_table"`
	JobID            string `json:"job_id"`
	RowsCopied       int64  `json:"rows_copied"`
	SourceRowsAtCopy int64  `json:"source_rows_at_copy"`
	TargetRows       int64  `json:"target_rows"`
	CountOK          bool   `json:"count_ok"`
	RecordedChecksum string `json:"recorded_checksum,omitempty"`
	ComputedChecksum string `json:"computed_checksum,omitempty"`
	ChecksumOK       bool   `json:"checksum_ok"`
	Skipped          bool   `json:"skipped,omitempty"`
	Detail           string `json:"detail,omitempty"`
}

// PolicyProbe records one policy spot-check.
type PolicyProbe struct {
	Policy  string `json:"policy"`
	Table   string `json:"table"`
	Allowed bool   `json:"allowed_with_matching_subject"`
	Denied  bool   `json:"denied_with_foreign_subject"`
	Skipped bool   `json:"skipped,omitempty"`
	Passed  bool   `json:"passed"`
	Detail  string `json:"detail,omitempty"`
}

// Report is the full validation outcome. Passed is the conjunction of
// every non-skipped check; the per-check fields carry the exact deltas.
type Report struct {
	PlanID      string        `json:"plan_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Passed      bool          `json:"passed"`
	Tables      []TableCheck  `json:"tables"`
	Policies    []PolicyProbe `json:"policies"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// Check adapts Run to the engine's validator hook.
func Check(ctx context.Context, db engine.DBTX, p *plan.MigrationPlan, jobs map[string]state.JobState) (json.RawMessage, bool, error) {
	report, err := Run(ctx, db, p, jobs)
	if err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, false, err
	}
	return raw, report.Passed, nil
}

// Run validates every table and policy of the plan against the target.
func Run(ctx context.Context, db engine.DBTX, p *plan.MigrationPlan, jobs map[string]state.JobState) (*Report, error) {
	report := &Report{
		PlanID:      p.PlanID(),
		GeneratedAt: time.Now().UTC(),
		Passed:      true,
	}

	dataJobs := p.DataJobs()
	sort.Slice(dataJobs, func(i, j int) bool { return dataJobs[i].JobID < dataJobs[j].JobID })

	for _, job := range dataJobs {
		check, err := checkTable(ctx, db, p, job, jobs[job.JobID])
		if err != nil {
			return nil, err
		}
		if !check.Skipped && (!check.CountOK || !check.ChecksumOK) {
			report.Passed = false
		}
		if check.SourceRowsAtCopy != check.RowsCopied && !check.Skipped {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"table %s: copied %d rows but the source counted %d at copy start; the source may have been written during migration",
				job.SourceTable, check.RowsCopied, check.SourceRowsAtCopy))
		}
		report.Tables = append(report.Tables, check)
	}

	for _, pol := range p.Policies() {
		spec := p.SpecFor(pol.Table)
		if spec == nil {
			continue
		}
		probe := probePolicy(ctx, db, pol, spec.TargetTable)
		if !probe.Skipped && !probe.Passed {
			report.Passed = false
		}
		report.Policies = append(report.Policies, probe)
	}

	return report, nil
}

func checkTable(ctx context.Context, db engine.DBTX, p *plan.MigrationPlan, job plan.DataTransferJob, js state.JobState) (TableCheck, error) {
	spec := p.SpecFor(job.SourceTable)
	check := TableCheck{
		SourceTable:      job.SourceTable,
		TargetTable:      spec.TargetTable,
		JobID:            job.JobID,
		RowsCopied:       js.RowsCopied,
		SourceRowsAtCopy: js.SourceRows,
		RecordedChecksum: js.Checksum,
	}
	if js.Status != state.JobCompleted {
		check.Skipped = true
		check.Detail = fmt.Sprintf("job is %s, table not validated", js.Status)
		return check, nil
	}

	var count int64
	err := db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %q", spec.TargetTable)).Scan(&count)
	if err != nil {
		return check, fmt.Errorf("counting %s: %w", spec.TargetTable, err)
	}
	check.TargetRows = count
	check.CountOK = count == js.RowsCopied
	if !check.CountOK {
		check.Detail = fmt.Sprintf("target has %d rows, copy recorded %d", count, js.RowsCopied)
	}

	computed, err := targetChecksum(ctx, db, spec, job.BatchSize)
	if err != nil {
		return check, err
	}
	check.ComputedChecksum = computed
	check.ChecksumOK = computed == js.Checksum
	if !check.ChecksumOK && check.Detail == "" {
		check.Detail = "target checksum does not match the copy's recorded checksum"
	}
	return check, nil
}

// targetChecksum replays the copy's batching against the target: same
// column order, same PK ordering, same batch size, same chaining.
func targetChecksum(ctx context.Context, db engine.DBTX, spec *plan.TargetTableSpec, batchSize int) (string, error) {
	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = c.Name
	}
	keyColumn := ""
	keyIdx := -1
	if len(spec.PrimaryKey) == 1 {
		keyColumn = spec.PrimaryKey[0]
		for i, c := range cols {
			if c == keyColumn {
				keyIdx = i
				break
			}
		}
	}

	sum := ""
	var afterKey any
	var offset int64
	for {
		q := engine.BatchQuery{
			Table:     spec.TargetTable,
			Columns:   cols,
			OrderBy:   spec.PrimaryKey,
			KeyColumn: keyColumn,
			AfterKey:  afterKey,
			Offset:    offset,
			Limit:     batchSize,
		}
		rows, err := engine.ReadBatch(ctx, db, q)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			break
		}
		sum = engine.ChainChecksum(sum, engine.BatchChecksum(rows))
		if keyIdx >= 0 && rows[len(rows)-1][keyIdx] != nil {
			afterKey = rows[len(rows)-1][keyIdx]
		} else {
			afterKey = nil
			offset += int64(len(rows))
		}
		if len(rows) < batchSize {
			break
		}
	}
	return sum, nil
}

// gucComparison matches "col::text = current_setting('shift.X', true)".
var gucComparison = regexp.MustCompile(`(\w+)::text = current_setting\('(shift\.\w+)', true\)`)

// probePolicy evaluates a policy's USING expression directly: once with
// session variables sampled from a real row (expect visible) and once
// with variables no row can match (expect hidden). Everything runs in a
// rolled-back transaction.
func probePolicy(ctx context.Context, db engine.DBTX, pol policy.AccessPolicy, targetTable string) PolicyProbe {
	probe := PolicyProbe{Policy: pol.Name, Table: pol.Table}

	expr := pol.UsingExpression
	if !strings.Contains(expr, "current_setting('shift.") {
		probe.Skipped = true
		probe.Detail = "expression does not reference session variables, not probed"
		return probe
	}

	// Which session variable must hold which column's value.
	gucFor := map[string]string{} // guc name -> column
	for _, m := range gucComparison.FindAllStringSubmatch(expr, -1) {
		gucFor[m[2]] = m[1]
	}
	isAdminFallback := pol.Origin == policy.OriginAdminFallback

	tx, err := db.Begin(ctx)
	if err != nil {
		probe.Detail = fmt.Sprintf("probe transaction failed: %v", err)
		return probe
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // probes never commit

	visible := func() (bool, error) {
		var ok bool
		stmt := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %q WHERE %s)", targetTable, expr)
		err := tx.QueryRow(ctx, stmt).Scan(&ok)
		return ok, err
	}
	setGUC := func(name, value string) error {
		_, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", name, value)
		return err
	}

	// Deny probe: no row matches a subject that exists nowhere.
	for _, guc := range []string{"shift.user_id", "shift.tenant_id", "shift.role"} {
		if err := setGUC(guc, "__shift_probe__"); err != nil {
			probe.Detail = fmt.Sprintf("setting %s: %v", guc, err)
			return probe
		}
	}
	hidden, err := visible()
	if err != nil {
		probe.Detail = fmt.Sprintf("deny probe failed: %v", err)
		return probe
	}
	probe.Denied = !hidden

	// Allow probe: sample a real row's values into the variables.
	switch {
	case isAdminFallback:
		if err := setGUC("shift.role", "admin"); err != nil {
			probe.Detail = fmt.Sprintf("setting shift.role: %v", err)
			return probe
		}
		ok, err := visible()
		if err != nil {
			probe.Detail = fmt.Sprintf("allow probe failed: %v", err)
			return probe
		}
		// An empty table legitimately shows nothing.
		var count int64
		if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %q", targetTable)).Scan(&count); err != nil {
			probe.Detail = fmt.Sprintf("allow probe failed: %v", err)
			return probe
		}
		probe.Allowed = ok || count == 0
	case len(gucFor) > 0:
		var gucs, cols []string
		for guc, col := range gucFor {
			gucs = append(gucs, guc)
			cols = append(cols, fmt.Sprintf("%q::text", col))
		}
		row := tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %q LIMIT 1",
			strings.Join(cols, ", "), targetTable))
		vals := make([]*string, len(gucs))
		ptrs := make([]any, len(gucs))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := row.Scan(ptrs...); err != nil {
			probe.Allowed = true // empty table, nothing to disprove
			probe.Detail = "table empty, allow probe vacuous"
			break
		}
		for i, guc := range gucs {
			v := "__shift_probe__"
			if vals[i] != nil {
				v = *vals[i]
			}
			if err := setGUC(guc, v); err != nil {
				probe.Detail = fmt.Sprintf("setting %s: %v", guc, err)
				return probe
			}
		}
		ok, err := visible()
		if err != nil {
			probe.Detail = fmt.Sprintf("allow probe failed: %v", err)
			return probe
		}
		probe.Allowed = ok
	default:
		probe.Skipped = true
		probe.Detail = "no column comparisons found, allow probe skipped"
		return probe
	}

	probe.Passed = probe.Allowed && probe.Denied
	if !probe.Passed && probe.Detail == "" {
		probe.Detail = fmt.Sprintf("allow=%v deny=%v", probe.Allowed, probe.Denied)
	}
	return probe
}
