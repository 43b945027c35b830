package plan

import (
	"fmt"
	"strings"
	"time"
)

// CycleHandling selects what Build does with FK cycles.
const (
	// CycleDefer groups cyclic tables and adds their FKs after data load.
	CycleDefer = "defer"
	// CycleFail rejects any snapshot containing an FK cycle.
	CycleFail = "fail"
)

// Options tune plan construction. They arrive from operators or from an
// advisory suggestion source; both go through the same Validate, so a
// suggested value is never trusted more than a typed-in one.
type Options struct {
	// TableRenames maps source table names to target table names.
	TableRenames map[string]string `json:"table_renames,omitempty"`
	// VectorDimensions maps "table.column" to a dimension count; the
	// column becomes VECTOR(n) on the target. The column must exist and
	// hold array, json, or raw data.
	VectorDimensions map[string]int `json:"vector_dimensions,omitempty"`
	// BatchSize is rows per transfer batch.
	BatchSize int `json:"batch_size,omitempty"`
	// Workers bounds concurrent transfer jobs.
	Workers int `json:"workers,omitempty"`
	// ThroughputRows is the assumed transfer rate (rows/second) for the
	// duration estimate.
	ThroughputRows int64 `json:"throughput_rows,omitempty"`
	// PhaseOverhead is the fixed per-phase cost added to the estimate.
	PhaseOverhead time.Duration `json:"phase_overhead,omitempty"`
	// CycleHandling is CycleDefer (default) or CycleFail.
	CycleHandling string `json:"cycle_handling,omitempty"`
	// SkipPolicyErrors keeps a run going when a policy fails to apply.
	// Data without access control is unsafe, so this is opt-in.
	SkipPolicyErrors bool `json:"skip_policy_errors,omitempty"`
}

// DefaultOptions returns the option set used when a caller supplies none.
func DefaultOptions() Options {
	return Options{
		BatchSize:      1000,
		Workers:        4,
		ThroughputRows: 5000,
		PhaseOverhead:  5 * time.Second,
		CycleHandling:  CycleDefer,
	}
}

// withDefaults fills zero values without mutating o.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize == 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	if o.ThroughputRows == 0 {
		o.ThroughputRows = d.ThroughputRows
	}
	if o.PhaseOverhead == 0 {
		o.PhaseOverhead = d.PhaseOverhead
	}
	if o.CycleHandling == "" {
		o.CycleHandling = d.CycleHandling
	}
	return o
}

// Validate rejects malformed or self-contradicting options.
func (o Options) Validate() error {
	if o.BatchSize < 0 {
		return &PlanError{Kind: KindOptionConflict, Msg: "batch_size must be positive"}
	}
	if o.Workers < 0 {
		return &PlanError{Kind: KindOptionConflict, Msg: "workers must be positive"}
	}
	if o.ThroughputRows < 0 {
		return &PlanError{Kind: KindOptionConflict, Msg: "throughput_rows must be positive"}
	}
	if o.CycleHandling != "" && o.CycleHandling != CycleDefer && o.CycleHandling != CycleFail {
		return &PlanError{Kind: KindOptionConflict,
			Msg: fmt.Sprintf("cycle_handling must be %q or %q", CycleDefer, CycleFail)}
	}
	for key, dims := range o.VectorDimensions {
		if dims <= 0 {
			return &PlanError{Kind: KindOptionConflict,
				Msg: fmt.Sprintf("vector_dimensions[%s] must be positive", key)}
		}
		if !strings.Contains(key, ".") {
			return &PlanError{Kind: KindOptionConflict,
				Msg: fmt.Sprintf("vector_dimensions key %q must be table.column", key)}
		}
	}

	// Two sources renamed onto the same target clobber each other.
	seen := map[string]string{}
	for src, dst := range o.TableRenames {
		if prev, ok := seen[dst]; ok {
			a, b := prev, src
			if b < a {
				a, b = b, a
			}
			return &PlanError{Kind: KindOptionConflict,
				Msg: fmt.Sprintf("tables %s and %s both rename to %s", a, b, dst)}
		}
		seen[dst] = src
	}
	return nil
}

// targetName applies the rename map.
func (o Options) targetName(source string) string {
	if dst, ok := o.TableRenames[source]; ok {
		return dst
	}
	return source
}
