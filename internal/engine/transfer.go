package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/state"
)

// transferrer copies one table per job, in PK-ordered batches. Every
// committed batch is followed by an appended checkpoint, so a resumed
// run replays at most one batch (the insert is idempotent via
// ON CONFLICT DO NOTHING).
type transferrer struct {
	store  *state.Store
	source SourceReader
	target DBTX
	logger *slog.Logger
	sleep  func(time.Duration)
}

func (t *transferrer) runJob(ctx context.Context, runID string, p *plan.MigrationPlan, job plan.DataTransferJob, aborted func() bool) error {
	js := state.JobState{RunID: runID, JobID: job.JobID, Status: state.JobRunning}
	if err := t.copyTable(ctx, p, job, aborted, &js); err != nil {
		js.Status = state.JobFailed
		js.LastError = err.Error()
		if uerr := t.store.UpdateJob(context.WithoutCancel(ctx), js); uerr != nil {
			t.logger.Error("failed to mark job failed", "jobID", job.JobID, "error", uerr)
		}
		return err
	}
	return nil
}

func (t *transferrer) copyTable(ctx context.Context, p *plan.MigrationPlan, job plan.DataTransferJob, aborted func() bool, js *state.JobState) error {
	runID := js.RunID
	spec := p.SpecFor(job.SourceTable)
	snap := p.Snapshot()
	src := snap.Table(job.SourceTable)
	if spec == nil || src == nil {
		return fmt.Errorf("plan %s has no mapping for table %s", p.PlanID(), job.SourceTable)
	}

	srcCols := make([]string, len(spec.Columns))
	dstCols := make([]string, len(spec.Columns))
	kinds := make([]analyzer.TypeKind, len(spec.Columns))
	for i, c := range spec.Columns {
		srcCols[i] = c.SourceColumn
		dstCols[i] = c.Name
		if sc := src.Column(c.SourceColumn); sc != nil {
			kinds[i] = sc.Kind
		}
	}

	keyColumn := ""
	keyIdx := -1
	if len(src.PrimaryKey) == 1 {
		keyColumn = src.PrimaryKey[0]
		for i, c := range srcCols {
			if c == keyColumn {
				keyIdx = i
				break
			}
		}
	}

	count, err := t.source.CountRows(ctx, job.SourceTable)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}
	js.SourceRows = count

	// Resume from the last committed checkpoint. The cursor restarts at
	// an OFFSET read; keyset pagination takes over from its last row.
	var afterKey any
	var offset int64
	if cp, err := t.store.LatestJobCheckpoint(ctx, runID, job.JobID); err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	} else if cp != nil {
		js.BatchesDone = cp.BatchSeq
		js.RowsCopied = cp.RowsTotal
		js.Checksum = cp.Checksum
		offset = cp.RowsTotal
		t.logger.Info("resuming job from checkpoint",
			"jobID", job.JobID, "batch", cp.BatchSeq, "rows", cp.RowsTotal)
	}
	if err := t.store.UpdateJob(ctx, *js); err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}

	for {
		if aborted() {
			return errAborted
		}

		q := BatchQuery{
			Table:     job.SourceTable,
			Columns:   srcCols,
			OrderBy:   src.PrimaryKey,
			KeyColumn: keyColumn,
			AfterKey:  afterKey,
			Offset:    offset,
			Limit:     job.BatchSize,
		}
		rows, err := t.readBatch(ctx, q, job.JobID, js.BatchesDone+1)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		// Capture the cursor key before values are rewritten for insert.
		var lastKey any
		if keyIdx >= 0 {
			lastKey = rows[len(rows)-1][keyIdx]
		}
		for _, row := range rows {
			for i, v := range row {
				row[i] = prepareValue(v, kinds[i], t.source.Kind())
			}
		}

		if err := t.insertBatch(ctx, spec.TargetTable, dstCols, rows, job.JobID, js.BatchesDone+1); err != nil {
			return err
		}

		js.BatchesDone++
		js.RowsCopied += int64(len(rows))
		js.Checksum = ChainChecksum(js.Checksum, BatchChecksum(rows))

		cp := state.Checkpoint{
			RunID:     runID,
			Phase:     state.PhaseData,
			JobID:     job.JobID,
			BatchSeq:  js.BatchesDone,
			RowsTotal: js.RowsCopied,
			Checksum:  js.Checksum,
		}
		if err := t.store.AppendCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("job %s: %w", job.JobID, err)
		}
		if err := t.store.UpdateJob(ctx, *js); err != nil {
			return fmt.Errorf("job %s: %w", job.JobID, err)
		}

		if keyColumn != "" && lastKey != nil {
			afterKey = lastKey
			offset = 0
		} else {
			afterKey = nil
			offset = js.RowsCopied
		}
		if len(rows) < job.BatchSize {
			break
		}
	}

	js.Status = state.JobCompleted
	if err := t.store.UpdateJob(ctx, *js); err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}
	t.logger.Info("job completed",
		"jobID", job.JobID, "rows", js.RowsCopied, "batches", js.BatchesDone)
	return nil
}

func (t *transferrer) readBatch(ctx context.Context, q BatchQuery, jobID string, batchSeq int) ([][]any, error) {
	var lastErr error
	for attempt := 1; attempt <= maxBatchAttempts; attempt++ {
		rows, err := t.source.ReadBatch(ctx, q)
		if err == nil {
			return rows, nil
		}
		if !isTransient(err) {
			return nil, &BatchTransferError{JobID: jobID, BatchSeq: batchSeq, Err: err}
		}
		lastErr = err
		if attempt < maxBatchAttempts {
			delay := computeBackoff(attempt)
			t.logger.Warn("batch read failed, retrying",
				"jobID", jobID, "batch", batchSeq, "attempt", attempt, "backoff", delay, "error", err)
			t.sleep(delay)
		}
	}
	return nil, &BatchTransferError{JobID: jobID, BatchSeq: batchSeq, Transient: true, Err: lastErr}
}

func (t *transferrer) insertBatch(ctx context.Context, table string, cols []string, rows [][]any, jobID string, batchSeq int) error {
	stmt, args := buildInsertSQL(table, cols, rows)

	var lastErr error
	for attempt := 1; attempt <= maxBatchAttempts; attempt++ {
		err := t.execInTx(ctx, stmt, args)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return &BatchTransferError{JobID: jobID, BatchSeq: batchSeq, Err: err}
		}
		lastErr = err
		if attempt < maxBatchAttempts {
			delay := computeBackoff(attempt)
			t.logger.Warn("batch insert failed, retrying",
				"jobID", jobID, "batch", batchSeq, "attempt", attempt, "backoff", delay, "error", err)
			t.sleep(delay)
		}
	}
	return &BatchTransferError{JobID: jobID, BatchSeq: batchSeq, Transient: true, Err: lastErr}
}

func (t *transferrer) execInTx(ctx context.Context, stmt string, args []any) error {
	tx, err := t.target.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func buildInsertSQL(table string, cols []string, rows [][]any) (string, []any) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %q (%s) VALUES ", table, strings.Join(quoted, ", "))

	args := make([]any, 0, len(rows)*len(cols))
	n := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
			args = append(args, v)
		}
		b.WriteByte(')')
	}
	b.WriteString(" ON CONFLICT DO NOTHING")
	return b.String(), args
}

// prepareValue rewrites a source value into a form pgx can bind to the
// mapped target column. Array and JSON kinds land in jsonb columns, so
// non-text values are serialized; database/sql drivers hand back []byte
// for text-ish columns, which must become strings both for binding and
// so checksums match the validator's re-read of the target.
func prepareValue(v any, kind analyzer.TypeKind, sourceKind string) any {
	if v == nil {
		return nil
	}
	switch kind {
	case analyzer.KindArray, analyzer.KindJSON:
		switch t := v.(type) {
		case []byte:
			return string(t)
		case string:
			return t
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return v
			}
			return string(b)
		}
	case analyzer.KindBoolean:
		if n, ok := v.(int64); ok {
			return n != 0
		}
	case analyzer.KindTimestamp, analyzer.KindTimestampTZ:
		switch t := v.(type) {
		case []byte:
			if ts, ok := parseTime(string(t)); ok {
				return ts
			}
			return string(t)
		case string:
			if ts, ok := parseTime(t); ok {
				return ts
			}
		}
	case analyzer.KindBinary:
		return v
	}
	if b, ok := v.([]byte); ok && sourceKind != "postgres" {
		return string(b)
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTime normalizes the textual timestamps SQLite and MySQL drivers
// hand back, so they digest the same way the target returns them.
func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
