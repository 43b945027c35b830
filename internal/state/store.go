package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftdb/shift/internal/plan"
)

// maxSeqRetries bounds event sequence reallocation when concurrent
// workers collide on the same per-run sequence number. Generous: a
// writer can lose several allocation races in a row under a full
// worker pool before getting through.
const maxSeqRetries = 32

var (
	// ErrNotFound means the requested plan or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPhaseConflict means a compare-and-set transition lost the race
	// or the run was not in the expected phase.
	ErrPhaseConflict = errors.New("run is not in the expected phase")
)

// Store persists engine state in _shift_* tables on the target database.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Bootstrap creates the state tables. Idempotent.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS _shift_plans (
			plan_id     text PRIMARY KEY,
			fingerprint text NOT NULL,
			document    jsonb NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS _shift_runs (
			run_id      text PRIMARY KEY,
			plan_id     text NOT NULL REFERENCES _shift_plans(plan_id),
			phase       text NOT NULL,
			dry_run     boolean NOT NULL DEFAULT false,
			started_at  timestamptz NOT NULL DEFAULT now(),
			finished_at timestamptz,
			last_error  text NOT NULL DEFAULT '',
			archived    boolean NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS _shift_job_status (
			run_id       text NOT NULL REFERENCES _shift_runs(run_id),
			job_id       text NOT NULL,
			status       text NOT NULL,
			rows_copied  bigint NOT NULL DEFAULT 0,
			batches_done integer NOT NULL DEFAULT 0,
			checksum     text NOT NULL DEFAULT '',
			source_rows  bigint NOT NULL DEFAULT 0,
			last_error   text NOT NULL DEFAULT '',
			updated_at   timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, job_id)
		)`,
		`CREATE TABLE IF NOT EXISTS _shift_checkpoints (
			id         bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			run_id     text NOT NULL REFERENCES _shift_runs(run_id),
			phase      text NOT NULL,
			job_id     text NOT NULL DEFAULT '',
			batch_seq  integer NOT NULL DEFAULT 0,
			rows_total bigint NOT NULL DEFAULT 0,
			checksum   text NOT NULL DEFAULT '',
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS _shift_checkpoints_run_idx
			ON _shift_checkpoints (run_id, job_id, batch_seq)`,
		`CREATE TABLE IF NOT EXISTS _shift_events (
			run_id     text NOT NULL REFERENCES _shift_runs(run_id),
			seq        bigint NOT NULL,
			phase      text NOT NULL,
			kind       text NOT NULL,
			payload    jsonb,
			created_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, seq)
		)`,
	} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("bootstrapping state tables: %w", err)
		}
	}
	return nil
}

// SavePlan stores the immutable plan document. Saving the same plan_id
// twice is an error; plans are never overwritten.
func (s *Store) SavePlan(ctx context.Context, p *plan.MigrationPlan) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO _shift_plans (plan_id, fingerprint, document, created_at)
		 VALUES ($1, $2, $3, $4)`,
		p.PlanID(), p.Fingerprint(), doc, p.CreatedAt())
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	return nil
}

// GetPlan loads a stored plan by id.
func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.MigrationPlan, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM _shift_plans WHERE plan_id = $1`, planID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading plan: %w", err)
	}
	var p plan.MigrationPlan
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decoding plan %s: %w", planID, err)
	}
	return &p, nil
}

// CreateRun inserts a new run in phase CREATED with PENDING job rows.
func (s *Store) CreateRun(ctx context.Context, run Run, jobIDs []string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO _shift_runs (run_id, plan_id, phase, dry_run, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.RunID, run.PlanID, run.Phase, run.DryRun, run.StartedAt)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	for _, jobID := range jobIDs {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO _shift_job_status (run_id, job_id, status) VALUES ($1, $2, $3)`,
			run.RunID, jobID, JobPending)
		if err != nil {
			return fmt.Errorf("creating job status: %w", err)
		}
	}
	return nil
}

const runColumns = `run_id, plan_id, phase, dry_run, started_at, finished_at, last_error, archived`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.RunID, &r.PlanID, &r.Phase, &r.DryRun,
		&r.StartedAt, &r.FinishedAt, &r.LastError, &r.Archived)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM _shift_runs WHERE run_id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return r, nil
}

// ActiveRunForPlan returns a non-terminal run for the plan, or ErrNotFound.
func (s *Store) ActiveRunForPlan(ctx context.Context, planID string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM _shift_runs
		 WHERE plan_id = $1 AND phase NOT IN ($2, $3, $4)
		 ORDER BY started_at DESC LIMIT 1`,
		planID, PhaseDone, PhaseFailed, PhaseRolledBack)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading active run: %w", err)
	}
	return r, nil
}

// TransitionPhase advances a run with compare-and-set semantics: the
// update applies only if the run is still in the expected phase. The
// caller must have validated the transition with CanTransition.
func (s *Store) TransitionPhase(ctx context.Context, runID string, from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}
	// Entering a terminal phase stamps finished_at; resuming out of
	// FAILED clears it.
	finished := "NULL"
	if to.Terminal() {
		finished = "now()"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE _shift_runs SET phase = $1, finished_at = `+finished+`
		 WHERE run_id = $2 AND phase = $3`,
		to, runID, from)
	if err != nil {
		return fmt.Errorf("transitioning phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s expected phase %s: %w", runID, from, ErrPhaseConflict)
	}
	return nil
}

// SetRunError records the last error without changing phase.
func (s *Store) SetRunError(ctx context.Context, runID, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE _shift_runs SET last_error = $1 WHERE run_id = $2`, msg, runID)
	if err != nil {
		return fmt.Errorf("recording run error: %w", err)
	}
	return nil
}

// UpdateJob upserts one job's progress row.
func (s *Store) UpdateJob(ctx context.Context, js JobState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO _shift_job_status
			(run_id, job_id, status, rows_copied, batches_done, checksum, source_rows, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (run_id, job_id) DO UPDATE SET
			status = EXCLUDED.status,
			rows_copied = EXCLUDED.rows_copied,
			batches_done = EXCLUDED.batches_done,
			checksum = EXCLUDED.checksum,
			source_rows = EXCLUDED.source_rows,
			last_error = EXCLUDED.last_error,
			updated_at = now()`,
		js.RunID, js.JobID, js.Status, js.RowsCopied, js.BatchesDone,
		js.Checksum, js.SourceRows, js.LastError)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", js.JobID, err)
	}
	return nil
}

// JobStates returns all job rows for a run keyed by job id.
func (s *Store) JobStates(ctx context.Context, runID string) (map[string]JobState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, job_id, status, rows_copied, batches_done, checksum, source_rows, last_error, updated_at
		 FROM _shift_job_status WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading job states: %w", err)
	}
	defer rows.Close()

	out := map[string]JobState{}
	for rows.Next() {
		var js JobState
		if err := rows.Scan(&js.RunID, &js.JobID, &js.Status, &js.RowsCopied,
			&js.BatchesDone, &js.Checksum, &js.SourceRows, &js.LastError, &js.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning job state: %w", err)
		}
		out[js.JobID] = js
	}
	return out, rows.Err()
}

// AppendCheckpoint appends a checkpoint row. Checkpoints are never
// updated or deleted.
func (s *Store) AppendCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO _shift_checkpoints (run_id, phase, job_id, batch_seq, rows_total, checksum)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.RunID, cp.Phase, cp.JobID, cp.BatchSeq, cp.RowsTotal, cp.Checksum)
	if err != nil {
		return fmt.Errorf("appending checkpoint: %w", err)
	}
	return nil
}

// Checkpoints returns a run's full checkpoint history in append order.
func (s *Store) Checkpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, phase, job_id, batch_seq, rows_total, checksum, created_at
		 FROM _shift_checkpoints WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Phase, &cp.JobID,
			&cp.BatchSeq, &cp.RowsTotal, &cp.Checksum, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LatestJobCheckpoint returns the newest batch checkpoint for a job, or
// nil if the job has none.
func (s *Store) LatestJobCheckpoint(ctx context.Context, runID, jobID string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, phase, job_id, batch_seq, rows_total, checksum, created_at
		 FROM _shift_checkpoints
		 WHERE run_id = $1 AND job_id = $2
		 ORDER BY batch_seq DESC LIMIT 1`, runID, jobID)
	var cp Checkpoint
	err := row.Scan(&cp.ID, &cp.RunID, &cp.Phase, &cp.JobID,
		&cp.BatchSeq, &cp.RowsTotal, &cp.Checksum, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job checkpoint: %w", err)
	}
	return &cp, nil
}

// PhaseCheckpointed reports whether a phase-completion checkpoint exists,
// so a resumed run never re-runs a completed phase.
func (s *Store) PhaseCheckpointed(ctx context.Context, runID string, phase Phase) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM _shift_checkpoints
		 WHERE run_id = $1 AND phase = $2 AND job_id = ''`, runID, phase).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking phase checkpoint: %w", err)
	}
	return n > 0, nil
}

// AppendEvent persists a progress event with the next per-run sequence
// number and returns that sequence. Job events come from concurrent
// transfer workers, so two inserts can race to the same MAX+1 value;
// the loser hits the (run_id, seq) primary key and retries with a
// fresh allocation.
func (s *Store) AppendEvent(ctx context.Context, runID string, phase Phase, kind string, payload []byte) (int64, error) {
	for attempt := 0; ; attempt++ {
		var seq int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO _shift_events (run_id, seq, phase, kind, payload)
			 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
			 FROM _shift_events WHERE run_id = $1
			 RETURNING seq`,
			runID, phase, kind, payload).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && attempt < maxSeqRetries {
			continue
		}
		return 0, fmt.Errorf("appending event: %w", err)
	}
}

// Events returns a run's persisted events in sequence order.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, phase, kind, COALESCE(payload, 'null'), created_at
		 FROM _shift_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Phase, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkArchived flags a finished run as archived. Rows stay in place;
// archival copies them elsewhere, it never deletes.
func (s *Store) MarkArchived(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE _shift_runs SET archived = true WHERE run_id = $1 AND finished_at IS NOT NULL`, runID)
	if err != nil {
		return fmt.Errorf("marking run archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is missing or unfinished: %w", runID, ErrNotFound)
	}
	return nil
}
