package plan

import "fmt"

const (
	// KindUnresolvableCycle means the snapshot has an FK cycle and
	// options forbid deferring its constraints.
	KindUnresolvableCycle = "UNRESOLVABLE_CYCLE_POLICY"
	// KindOptionConflict means the supplied options contradict each
	// other or the snapshot.
	KindOptionConflict = "OPTION_CONFLICT"
)

// PlanError reports why a plan could not be built.
type PlanError struct {
	Kind string
	Msg  string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan %s: %s", e.Kind, e.Msg)
}
