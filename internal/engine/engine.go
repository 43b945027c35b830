// Package engine drives a migration plan through its phases:
// CREATED, SCHEMA, POLICY, DATA, DERIVED, VALIDATE, DONE. Every phase
// and every data batch leaves a checkpoint, so a crashed or aborted run
// resumes where it stopped instead of starting over.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftdb/shift/internal/events"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/state"
)

// ValidateFunc runs independent post-copy validation and returns the
// serialized report plus whether every check passed. It is injected so
// the validator package stays independent of the engine's run loop.
type ValidateFunc func(ctx context.Context, db DBTX, p *plan.MigrationPlan, jobs map[string]state.JobState) (report json.RawMessage, ok bool, err error)

// Engine executes migration plans against the target database.
type Engine struct {
	store    *state.Store
	target   *pgxpool.Pool
	source   SourceReader
	pub      events.Publisher
	validate ValidateFunc
	logger   *slog.Logger
	sleep    func(time.Duration)

	mu     sync.Mutex
	aborts map[string]*atomic.Bool
}

// New wires an Engine. pub may be nil to disable external event sinks.
func New(store *state.Store, target *pgxpool.Pool, source SourceReader, pub events.Publisher, validate ValidateFunc, logger *slog.Logger) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		store:    store,
		target:   target,
		source:   source,
		pub:      pub,
		validate: validate,
		logger:   logger,
		sleep:    time.Sleep,
		aborts:   make(map[string]*atomic.Bool),
	}
}

func (e *Engine) abortFlag(runID string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.aborts[runID]
	if !ok {
		f = new(atomic.Bool)
		e.aborts[runID] = f
	}
	return f
}

// Abort requests a graceful stop: in-flight batches finish and commit
// their checkpoints, then the run transitions to FAILED. The run can be
// resumed or rolled back from there.
func (e *Engine) Abort(runID string) {
	e.abortFlag(runID).Store(true)
	e.logger.Info("abort requested", "runID", runID)
}

// Execute creates a run for the plan and drives it to completion. The
// run ID is returned even when the run fails, so the failure can be
// inspected, resumed, or rolled back. Callers wanting async execution
// use Start instead.
func (e *Engine) Execute(ctx context.Context, p *plan.MigrationPlan, dryRun bool) (string, error) {
	run, err := e.begin(ctx, p, dryRun)
	if err != nil {
		return "", err
	}
	return run.RunID, e.drive(ctx, p, run)
}

// Start creates the run synchronously, then drives it in the background.
// The returned run ID can be polled through the state store while the
// run progresses; failures land in the run record and its events.
func (e *Engine) Start(ctx context.Context, p *plan.MigrationPlan, dryRun bool) (string, error) {
	run, err := e.begin(ctx, p, dryRun)
	if err != nil {
		return "", err
	}
	go func() {
		if err := e.drive(context.WithoutCancel(ctx), p, run); err != nil {
			e.logger.Error("background run failed", "runID", run.RunID, "error", err)
		}
	}()
	return run.RunID, nil
}

// begin guards against concurrent runs of the same plan and records the
// new run with its job rows.
func (e *Engine) begin(ctx context.Context, p *plan.MigrationPlan, dryRun bool) (*state.Run, error) {
	active, err := e.store.ActiveRunForPlan(ctx, p.PlanID())
	if err != nil && err != state.ErrNotFound {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("plan %s already has an active run %s in phase %s",
			p.PlanID(), active.RunID, active.Phase)
	}

	run := state.Run{
		RunID:     uuid.NewString(),
		PlanID:    p.PlanID(),
		Phase:     state.PhaseCreated,
		DryRun:    dryRun,
		StartedAt: time.Now().UTC(),
	}
	jobs := p.DataJobs()
	jobIDs := make([]string, len(jobs))
	for i, j := range jobs {
		jobIDs[i] = j.JobID
	}
	if err := e.store.CreateRun(ctx, run, jobIDs); err != nil {
		return nil, err
	}
	e.event(ctx, &run, "run_created", map[string]any{
		"plan_id": p.PlanID(), "dry_run": dryRun,
	})
	e.logger.Info("run created", "runID", run.RunID, "planID", p.PlanID(), "dryRun", dryRun)
	return &run, nil
}

// Resume picks a stopped run back up from its checkpoints. Completed
// phases and completed jobs are skipped; a partially copied table
// continues from its last batch offset.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Phase == state.PhaseDone || run.Phase == state.PhaseRolledBack {
		return fmt.Errorf("run %s is %s and cannot be resumed", runID, run.Phase)
	}
	p, err := e.store.GetPlan(ctx, run.PlanID)
	if err != nil {
		return err
	}

	if run.Phase == state.PhaseFailed {
		// Step back into the last non-terminal phase; checkpoints decide
		// what actually re-executes.
		last := lastCheckpointedPhase(ctx, e.store, runID)
		if err := e.store.TransitionPhase(ctx, runID, state.PhaseFailed, last); err != nil {
			return err
		}
		run.Phase = last
	}
	e.abortFlag(runID).Store(false)
	e.event(ctx, run, "run_resumed", nil)
	e.logger.Info("run resumed", "runID", runID, "phase", run.Phase)

	return e.drive(ctx, p, run)
}

// lastCheckpointedPhase returns the phase a failed run should re-enter:
// the successor of the last fully checkpointed phase.
func lastCheckpointedPhase(ctx context.Context, store *state.Store, runID string) state.Phase {
	phase := state.PhaseCreated
	for p := state.PhaseCreated; p != state.PhaseDone; p = p.Next() {
		done, err := store.PhaseCheckpointed(ctx, runID, p)
		if err != nil || !done {
			break
		}
		phase = p.Next()
	}
	return phase
}

func (e *Engine) drive(ctx context.Context, p *plan.MigrationPlan, run *state.Run) error {
	flag := e.abortFlag(run.RunID)
	aborted := func() bool { return flag.Load() }

	var db DBTX = e.target
	workers := p.Options().Workers
	if run.DryRun {
		tx, err := e.target.Begin(ctx)
		if err != nil {
			return e.fail(ctx, run, fmt.Errorf("beginning dry-run transaction: %w", err))
		}
		defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // dry run never commits
		db = tx
		workers = 1
	}

	for run.Phase != state.PhaseDone {
		if aborted() {
			return e.fail(ctx, run, errAborted)
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, run, err)
		}

		done, err := e.store.PhaseCheckpointed(ctx, run.RunID, run.Phase)
		if err != nil {
			return e.fail(ctx, run, err)
		}
		if !done {
			if err := e.runPhase(ctx, db, p, run, workers, aborted); err != nil {
				return e.fail(ctx, run, err)
			}
			cp := state.Checkpoint{RunID: run.RunID, Phase: run.Phase}
			if err := e.store.AppendCheckpoint(ctx, cp); err != nil {
				return e.fail(ctx, run, err)
			}
			e.event(ctx, run, "phase_completed", nil)
			e.logger.Info("phase completed", "runID", run.RunID, "phase", run.Phase)
		}

		next := run.Phase.Next()
		if err := e.store.TransitionPhase(ctx, run.RunID, run.Phase, next); err != nil {
			return e.fail(ctx, run, err)
		}
		run.Phase = next
	}

	e.event(ctx, run, "run_completed", nil)
	e.logger.Info("run completed", "runID", run.RunID, "dryRun", run.DryRun)
	return nil
}

func (e *Engine) runPhase(ctx context.Context, db DBTX, p *plan.MigrationPlan, run *state.Run, workers int, aborted func() bool) error {
	switch run.Phase {
	case state.PhaseCreated:
		return nil
	case state.PhaseSchema:
		return e.doSchema(ctx, db, p)
	case state.PhasePolicy:
		return e.doPolicy(ctx, db, p, run)
	case state.PhaseData:
		return e.doData(ctx, db, p, run, workers, aborted)
	case state.PhaseDerived:
		return e.doDerived(ctx, db, p, run)
	case state.PhaseValidate:
		return e.doValidate(ctx, db, p, run)
	default:
		return fmt.Errorf("unexpected phase %s", run.Phase)
	}
}

// fail records the error, emits the failure event from the failing
// phase, and transitions the run to FAILED. The original error is
// returned so callers see the cause, not the bookkeeping.
func (e *Engine) fail(ctx context.Context, run *state.Run, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.SetRunError(ctx, run.RunID, cause.Error()); err != nil {
		e.logger.Error("failed to record run error", "runID", run.RunID, "error", err)
	}
	e.event(ctx, run, "run_failed", map[string]string{"error": cause.Error()})
	if err := e.store.TransitionPhase(ctx, run.RunID, run.Phase, state.PhaseFailed); err != nil {
		e.logger.Error("failed to transition run to FAILED", "runID", run.RunID, "error", err)
	} else {
		run.Phase = state.PhaseFailed
	}
	e.logger.Error("run failed", "runID", run.RunID, "error", cause)
	return cause
}

// RollbackResult summarizes one rollback pass. Steps are best-effort:
// a failed step is recorded and the remaining steps still run.
type RollbackResult struct {
	RunID       string   `json:"run_id"`
	StepsTotal  int      `json:"steps_total"`
	StepsFailed int      `json:"steps_failed"`
	Errors      []string `json:"errors,omitempty"`
}

// Rollback executes the plan's recorded rollback steps in order and
// transitions the run to ROLLED_BACK. Dry runs have nothing on the
// target, so only the state transition happens.
func (e *Engine) Rollback(ctx context.Context, runID string) (*RollbackResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !state.CanTransition(run.Phase, state.PhaseRolledBack) {
		return nil, fmt.Errorf("run %s in phase %s cannot be rolled back", runID, run.Phase)
	}
	p, err := e.store.GetPlan(ctx, run.PlanID)
	if err != nil {
		return nil, err
	}

	res := &RollbackResult{RunID: runID}
	if !run.DryRun {
		for _, step := range p.RollbackSteps() {
			res.StepsTotal++
			if _, err := e.target.Exec(ctx, step.SQL); err != nil {
				res.StepsFailed++
				res.Errors = append(res.Errors, fmt.Sprintf("step %d (%s): %v", step.Seq, step.Kind, err))
				e.logger.Warn("rollback step failed",
					"runID", runID, "step", step.Seq, "kind", step.Kind, "error", err)
			}
		}
	}

	if err := e.store.TransitionPhase(ctx, runID, run.Phase, state.PhaseRolledBack); err != nil {
		return res, err
	}
	run.Phase = state.PhaseRolledBack
	e.event(ctx, run, "rolled_back", res)
	e.logger.Info("run rolled back",
		"runID", runID, "steps", res.StepsTotal, "failed", res.StepsFailed)
	return res, nil
}

// event persists a progress event and fans it out to external sinks.
// Event persistence is bookkeeping: a failure is logged, never fatal.
func (e *Engine) event(ctx context.Context, run *state.Run, kind string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			e.logger.Error("failed to marshal event payload", "kind", kind, "error", err)
			return
		}
		raw = b
	}
	e.eventRaw(ctx, run, kind, raw)
}

func (e *Engine) eventRaw(ctx context.Context, run *state.Run, kind string, raw json.RawMessage) {
	seq, err := e.store.AppendEvent(context.WithoutCancel(ctx), run.RunID, run.Phase, kind, raw)
	if err != nil {
		e.logger.Error("failed to append event", "runID", run.RunID, "kind", kind, "error", err)
		return
	}
	e.pub.Publish(state.Event{
		RunID:     run.RunID,
		Seq:       seq,
		Phase:     run.Phase,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
}
