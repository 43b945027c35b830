// Package state is the durable record of plans, runs, per-job progress,
// checkpoints, and progress events, stored on the target database. It is
// the single source of truth for run state; phase transitions use
// compare-and-set so two coordinators can never double-drive one run.
package state

import (
	"encoding/json"
	"time"
)

// Phase is one stage of plan execution.
type Phase string

const (
	PhaseCreated    Phase = "CREATED"
	PhaseSchema     Phase = "SCHEMA"
	PhasePolicy     Phase = "POLICY"
	PhaseData       Phase = "DATA"
	PhaseDerived    Phase = "DERIVED"
	PhaseValidate   Phase = "VALIDATE"
	PhaseDone       Phase = "DONE"
	PhaseFailed     Phase = "FAILED"
	PhaseRolledBack Phase = "ROLLED_BACK"
)

// forward is the happy-path phase sequence.
var forward = map[Phase]Phase{
	PhaseCreated:  PhaseSchema,
	PhaseSchema:   PhasePolicy,
	PhasePolicy:   PhaseData,
	PhaseData:     PhaseDerived,
	PhaseDerived:  PhaseValidate,
	PhaseValidate: PhaseDone,
}

// Next returns the phase following p on the happy path, or "" for
// terminal phases.
func (p Phase) Next() Phase { return forward[p] }

// workPhases are the phases a progress display counts through. CREATED
// and the terminal phases do no work and get no counter slot.
var workPhases = []Phase{PhaseSchema, PhasePolicy, PhaseData, PhaseDerived, PhaseValidate}

// Step returns p's 1-based position among the working phases and the
// count of working phases. Non-working phases return step 0.
func (p Phase) Step() (step, total int) {
	for i, wp := range workPhases {
		if wp == p {
			return i + 1, len(workPhases)
		}
	}
	return 0, len(workPhases)
}

// Terminal reports whether no further transition is allowed out of p,
// other than FAILED → ROLLED_BACK.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseRolledBack
}

// CanTransition enforces the state machine: forward steps, FAILED from
// any non-terminal state, ROLLED_BACK from FAILED or from any state
// before DONE (an explicit abort), and FAILED back to any non-terminal
// phase (a resume re-enters the phase the checkpoints point at).
func CanTransition(from, to Phase) bool {
	switch to {
	case PhaseFailed:
		return !from.Terminal()
	case PhaseRolledBack:
		return from == PhaseFailed || (!from.Terminal() && from != PhaseDone)
	default:
		if from == PhaseFailed {
			return !to.Terminal()
		}
		return forward[from] == to
	}
}

// JobStatus is the lifecycle of one data-transfer job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobSkipped   JobStatus = "SKIPPED"
)

// Run is the mutable execution record for one plan execution. Mutated
// only by the execution engine; archived, never deleted.
type Run struct {
	RunID      string     `json:"run_id"`
	PlanID     string     `json:"plan_id"`
	Phase      Phase      `json:"phase"`
	DryRun     bool       `json:"dry_run"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Archived   bool       `json:"archived"`
}

// JobState is the per-job progress row for a run.
type JobState struct {
	RunID       string    `json:"run_id"`
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	RowsCopied  int64     `json:"rows_copied"`
	BatchesDone int       `json:"batches_done"`
	Checksum    string    `json:"checksum,omitempty"`
	SourceRows  int64     `json:"source_rows"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Checkpoint is an append-only marker of completed work. Phase
// checkpoints have an empty JobID; batch checkpoints carry the job, the
// batch sequence, cumulative rows, and the running checksum. A run's
// history is reconstructable by replaying its checkpoints.
type Checkpoint struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	JobID     string    `json:"job_id,omitempty"`
	BatchSeq  int       `json:"batch_seq,omitempty"`
	RowsTotal int64     `json:"rows_total,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a persisted progress event. Seq is monotonic per run so
// at-least-once consumers can dedupe.
type Event struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Phase     Phase           `json:"phase"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
