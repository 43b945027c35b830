//go:build integration

package state

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/testutil"
)

var pg *testutil.PGInstance

func TestMain(m *testing.M) {
	ctx := context.Background()
	instance, cleanup := testutil.StartPostgresForTestMain(ctx)
	pg = instance
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func freshStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	testutil.NoError(t, pg.ResetSchema(ctx))
	s := NewStore(pg.Pool)
	testutil.NoError(t, s.Bootstrap(ctx))
	return s
}

func testPlan(t *testing.T) *plan.MigrationPlan {
	t.Helper()
	snap := &analyzer.Snapshot{
		SnapshotID: uuid.NewString(),
		SourceKind: "postgres",
		Database:   "src",
		Tables: []analyzer.TableDescriptor{{
			Name:       "users",
			Columns:    []analyzer.ColumnDescriptor{{Name: "id", Kind: analyzer.KindIntegerBig, Ordinal: 1}},
			PrimaryKey: []string{"id"},
		}},
	}
	p, err := plan.Build(snap, nil, plan.Options{})
	testutil.NoError(t, err)
	return p
}

func TestPlanRoundTrip(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()
	p := testPlan(t)

	testutil.NoError(t, s.SavePlan(ctx, p))
	loaded, err := s.GetPlan(ctx, p.PlanID())
	testutil.NoError(t, err)
	testutil.Equal(t, p.Fingerprint(), loaded.Fingerprint())

	// Plans are write-once.
	testutil.NotNil(t, s.SavePlan(ctx, p))

	_, err = s.GetPlan(ctx, "missing")
	testutil.True(t, errors.Is(err, ErrNotFound))
}

func TestPhaseTransitionCAS(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()
	p := testPlan(t)
	testutil.NoError(t, s.SavePlan(ctx, p))

	run := Run{RunID: uuid.NewString(), PlanID: p.PlanID(), Phase: PhaseCreated, StartedAt: time.Now().UTC()}
	testutil.NoError(t, s.CreateRun(ctx, run, []string{"job-001-users"}))

	testutil.NoError(t, s.TransitionPhase(ctx, run.RunID, PhaseCreated, PhaseSchema))

	// A second coordinator still assuming CREATED loses the race.
	err := s.TransitionPhase(ctx, run.RunID, PhaseCreated, PhaseSchema)
	testutil.True(t, errors.Is(err, ErrPhaseConflict))

	got, err := s.GetRun(ctx, run.RunID)
	testutil.NoError(t, err)
	testutil.Equal(t, PhaseSchema, got.Phase)
	testutil.Nil(t, got.FinishedAt)

	testutil.NoError(t, s.TransitionPhase(ctx, run.RunID, PhaseSchema, PhaseFailed))
	got, err = s.GetRun(ctx, run.RunID)
	testutil.NoError(t, err)
	testutil.NotNil(t, got.FinishedAt)
}

func TestCheckpointsAppendOnly(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()
	p := testPlan(t)
	testutil.NoError(t, s.SavePlan(ctx, p))
	run := Run{RunID: uuid.NewString(), PlanID: p.PlanID(), Phase: PhaseCreated, StartedAt: time.Now().UTC()}
	testutil.NoError(t, s.CreateRun(ctx, run, nil))

	for seq := 1; seq <= 3; seq++ {
		testutil.NoError(t, s.AppendCheckpoint(ctx, Checkpoint{
			RunID: run.RunID, Phase: PhaseData, JobID: "job-001-users",
			BatchSeq: seq, RowsTotal: int64(seq * 100), Checksum: "abc",
		}))
	}
	testutil.NoError(t, s.AppendCheckpoint(ctx, Checkpoint{RunID: run.RunID, Phase: PhaseSchema}))

	cps, err := s.Checkpoints(ctx, run.RunID)
	testutil.NoError(t, err)
	testutil.Equal(t, 4, len(cps))

	latest, err := s.LatestJobCheckpoint(ctx, run.RunID, "job-001-users")
	testutil.NoError(t, err)
	testutil.Equal(t, 3, latest.BatchSeq)
	testutil.Equal(t, int64(300), latest.RowsTotal)

	ok, err := s.PhaseCheckpointed(ctx, run.RunID, PhaseSchema)
	testutil.NoError(t, err)
	testutil.True(t, ok)
	ok, err = s.PhaseCheckpointed(ctx, run.RunID, PhasePolicy)
	testutil.NoError(t, err)
	testutil.False(t, ok)
}

func TestEventSequenceMonotonic(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()
	p := testPlan(t)
	testutil.NoError(t, s.SavePlan(ctx, p))
	run := Run{RunID: uuid.NewString(), PlanID: p.PlanID(), Phase: PhaseCreated, StartedAt: time.Now().UTC()}
	testutil.NoError(t, s.CreateRun(ctx, run, nil))

	for i := 1; i <= 5; i++ {
		seq, err := s.AppendEvent(ctx, run.RunID, PhaseData, "job_completed", nil)
		testutil.NoError(t, err)
		testutil.Equal(t, int64(i), seq)
	}
	events, err := s.Events(ctx, run.RunID)
	testutil.NoError(t, err)
	testutil.Equal(t, 5, len(events))
	testutil.Equal(t, int64(1), events[0].Seq)
	testutil.Equal(t, int64(5), events[4].Seq)
}

func TestConcurrentAppendEventLosesNothing(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()
	p := testPlan(t)
	testutil.NoError(t, s.SavePlan(ctx, p))
	run := Run{RunID: uuid.NewString(), PlanID: p.PlanID(), Phase: PhaseCreated, StartedAt: time.Now().UTC()}
	testutil.NoError(t, s.CreateRun(ctx, run, nil))

	// Job events are emitted from parallel transfer workers; every one
	// must land with its own sequence number.
	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.AppendEvent(ctx, run.RunID, PhaseData, "job_completed", nil); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append event: %v", err)
	}

	events, err := s.Events(ctx, run.RunID)
	testutil.NoError(t, err)
	testutil.Equal(t, writers*perWriter, len(events))
	for i, e := range events {
		testutil.Equal(t, int64(i+1), e.Seq)
	}
}

func TestJobStateUpsert(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()
	p := testPlan(t)
	testutil.NoError(t, s.SavePlan(ctx, p))
	run := Run{RunID: uuid.NewString(), PlanID: p.PlanID(), Phase: PhaseCreated, StartedAt: time.Now().UTC()}
	testutil.NoError(t, s.CreateRun(ctx, run, []string{"job-001-users"}))

	states, err := s.JobStates(ctx, run.RunID)
	testutil.NoError(t, err)
	testutil.Equal(t, JobPending, states["job-001-users"].Status)

	testutil.NoError(t, s.UpdateJob(ctx, JobState{
		RunID: run.RunID, JobID: "job-001-users", Status: JobCompleted,
		RowsCopied: 42, BatchesDone: 1, Checksum: "deadbeef", SourceRows: 42,
	}))
	states, err = s.JobStates(ctx, run.RunID)
	testutil.NoError(t, err)
	testutil.Equal(t, JobCompleted, states["job-001-users"].Status)
	testutil.Equal(t, int64(42), states["job-001-users"].RowsCopied)
}
