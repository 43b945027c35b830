package state

import (
	"testing"

	"github.com/shiftdb/shift/internal/testutil"
)

func TestForwardTransitions(t *testing.T) {
	seq := []Phase{PhaseCreated, PhaseSchema, PhasePolicy, PhaseData, PhaseDerived, PhaseValidate, PhaseDone}
	for i := 0; i < len(seq)-1; i++ {
		testutil.True(t, CanTransition(seq[i], seq[i+1]))
		testutil.Equal(t, seq[i+1], seq[i].Next())
	}
}

func TestNoPhaseSkipping(t *testing.T) {
	testutil.False(t, CanTransition(PhaseCreated, PhasePolicy))
	testutil.False(t, CanTransition(PhaseSchema, PhaseData))
	testutil.False(t, CanTransition(PhaseData, PhaseValidate))
	testutil.False(t, CanTransition(PhaseDone, PhaseSchema))
}

func TestFailedReachableFromAnyNonTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseCreated, PhaseSchema, PhasePolicy, PhaseData, PhaseDerived, PhaseValidate} {
		testutil.True(t, CanTransition(p, PhaseFailed))
	}
	testutil.False(t, CanTransition(PhaseDone, PhaseFailed))
	testutil.False(t, CanTransition(PhaseRolledBack, PhaseFailed))
}

func TestResumeFromFailed(t *testing.T) {
	for _, p := range []Phase{PhaseCreated, PhaseSchema, PhasePolicy, PhaseData, PhaseDerived, PhaseValidate} {
		testutil.True(t, CanTransition(PhaseFailed, p))
	}
	testutil.False(t, CanTransition(PhaseFailed, PhaseDone))
}

func TestRolledBackReachability(t *testing.T) {
	testutil.True(t, CanTransition(PhaseFailed, PhaseRolledBack))
	// Explicit abort before DONE.
	testutil.True(t, CanTransition(PhaseData, PhaseRolledBack))
	testutil.False(t, CanTransition(PhaseDone, PhaseRolledBack))
	testutil.False(t, CanTransition(PhaseRolledBack, PhaseRolledBack))
}

func TestTerminalPhases(t *testing.T) {
	testutil.True(t, PhaseDone.Terminal())
	testutil.True(t, PhaseFailed.Terminal())
	testutil.True(t, PhaseRolledBack.Terminal())
	testutil.False(t, PhaseData.Terminal())
	testutil.Equal(t, Phase(""), PhaseDone.Next())
}

func TestPhaseStepCountsWorkingPhases(t *testing.T) {
	steps := map[Phase]int{
		PhaseSchema:   1,
		PhasePolicy:   2,
		PhaseData:     3,
		PhaseDerived:  4,
		PhaseValidate: 5,
	}
	for p, want := range steps {
		step, total := p.Step()
		testutil.Equal(t, want, step)
		testutil.Equal(t, 5, total)
	}
	for _, p := range []Phase{PhaseCreated, PhaseDone, PhaseFailed, PhaseRolledBack} {
		step, _ := p.Step()
		testutil.Equal(t, 0, step)
	}
}
