//go:build integration

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/engine"
	"github.com/shiftdb/shift/internal/events"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/state"
	"github.com/shiftdb/shift/internal/testutil"
	"github.com/shiftdb/shift/internal/validate"
)

var pg *testutil.PGInstance

func TestMain(m *testing.M) {
	ctx := context.Background()
	instance, cleanup := testutil.StartPostgresForTestMainAt(ctx, 15434)
	pg = instance
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// seedChain creates a 3-table FK chain with enough rows for several
// batches at batch size 2.
func seedChain(t *testing.T, ctx context.Context) {
	t.Helper()
	testutil.NoError(t, pg.ResetSchema(ctx))
	stmts := []string{
		`CREATE TABLE users (id bigint PRIMARY KEY, email text NOT NULL)`,
		`CREATE TABLE orders (id bigint PRIMARY KEY, user_id bigint NOT NULL REFERENCES users(id), total numeric(10,2))`,
		`CREATE TABLE items (id bigint PRIMARY KEY, order_id bigint NOT NULL REFERENCES orders(id), sku text)`,
		`INSERT INTO users VALUES (1,'a@x.io'),(2,'b@x.io'),(3,'c@x.io'),(4,'d@x.io'),(5,'e@x.io')`,
		`INSERT INTO orders VALUES (1,1,10.50),(2,2,20.00),(3,3,7.25),(4,5,99.99)`,
		`INSERT INTO items VALUES (1,1,'sku-1'),(2,2,'sku-2'),(3,3,'sku-3'),(4,4,'sku-4')`,
	}
	for _, s := range stmts {
		_, err := pg.Pool.Exec(ctx, s)
		testutil.NoError(t, err)
	}
}

var chainRenames = map[string]string{"users": "m_users", "orders": "m_orders", "items": "m_items"}

func buildChainPlan(t *testing.T, ctx context.Context, workers int) *plan.MigrationPlan {
	t.Helper()
	snap, err := analyzer.Analyze(ctx, analyzer.NewPostgresSource(pg.Pool), testutil.DiscardLogger())
	testutil.NoError(t, err)
	pols, err := policy.Synthesize(snap, nil, testutil.DiscardLogger())
	testutil.NoError(t, err)
	p, err := plan.Build(snap, pols, plan.Options{
		TableRenames: chainRenames,
		BatchSize:    2,
		Workers:      workers,
	})
	testutil.NoError(t, err)
	return p
}

func newEngine(t *testing.T, ctx context.Context, pub events.Publisher) (*engine.Engine, *state.Store) {
	t.Helper()
	store := state.NewStore(pg.Pool)
	testutil.NoError(t, store.Bootstrap(ctx))
	eng := engine.New(store, pg.Pool, engine.NewPGSource(pg.Pool), pub, validate.Check, testutil.DiscardLogger())
	return eng, store
}

func tableCount(t *testing.T, ctx context.Context, table string) int64 {
	t.Helper()
	var n int64
	testutil.NoError(t, pg.Pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %q", table)).Scan(&n))
	return n
}

func tableExists(t *testing.T, ctx context.Context, table string) bool {
	t.Helper()
	var ok bool
	testutil.NoError(t, pg.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name=$1)`,
		table).Scan(&ok))
	return ok
}

func TestExecuteChainEndToEnd(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 2)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	runID, err := eng.Execute(ctx, p, false)
	testutil.NoError(t, err)

	run, err := store.GetRun(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, state.PhaseDone, run.Phase)
	testutil.NotNil(t, run.FinishedAt)

	testutil.Equal(t, int64(5), tableCount(t, ctx, "m_users"))
	testutil.Equal(t, int64(4), tableCount(t, ctx, "m_orders"))
	testutil.Equal(t, int64(4), tableCount(t, ctx, "m_items"))

	// Every job completed with a checksum and the full row count.
	states, err := store.JobStates(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, 3, len(states))
	for _, js := range states {
		testutil.Equal(t, state.JobCompleted, js.Status)
		testutil.NotEqual(t, "", js.Checksum)
		testutil.Equal(t, js.SourceRows, js.RowsCopied)
	}

	// RLS was enabled on the targets.
	var rls bool
	testutil.NoError(t, pg.Pool.QueryRow(ctx,
		`SELECT relrowsecurity FROM pg_class WHERE relname = 'm_orders'`).Scan(&rls))
	testutil.True(t, rls)

	// A validation report event was persisted and the run passed it.
	evs, err := store.Events(ctx, runID)
	testutil.NoError(t, err)
	foundReport := false
	for _, ev := range evs {
		if ev.Kind == "validation_report" {
			foundReport = true
			testutil.True(t, strings.Contains(string(ev.Payload), `"passed":true`))
		}
	}
	testutil.True(t, foundReport)
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 1)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	// Simulate another coordinator mid-run.
	other := state.Run{RunID: "other-run", PlanID: p.PlanID(), Phase: state.PhaseData}
	testutil.NoError(t, store.CreateRun(ctx, other, nil))

	_, err := eng.Execute(ctx, p, false)
	testutil.NotNil(t, err)
	testutil.True(t, strings.Contains(err.Error(), "active run"))
}

func TestDryRunLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 4)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	runID, err := eng.Execute(ctx, p, true)
	testutil.NoError(t, err)

	run, err := store.GetRun(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, state.PhaseDone, run.Phase)
	testutil.True(t, run.DryRun)

	// Nothing was committed to the target.
	testutil.False(t, tableExists(t, ctx, "m_users"))
	testutil.False(t, tableExists(t, ctx, "m_orders"))

	// Per-job outcomes match what a real run would record.
	states, err := store.JobStates(ctx, runID)
	testutil.NoError(t, err)
	for _, js := range states {
		testutil.Equal(t, state.JobCompleted, js.Status)
		testutil.Equal(t, js.SourceRows, js.RowsCopied)
		testutil.NotEqual(t, "", js.Checksum)
	}
}

func TestDryRunMatchesRealRunChecksums(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 1)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	dryID, err := eng.Execute(ctx, p, true)
	testutil.NoError(t, err)
	realID, err := eng.Execute(ctx, p, false)
	testutil.NoError(t, err)

	dry, err := store.JobStates(ctx, dryID)
	testutil.NoError(t, err)
	real, err := store.JobStates(ctx, realID)
	testutil.NoError(t, err)
	testutil.Equal(t, len(real), len(dry))
	for id, rjs := range real {
		testutil.Equal(t, rjs.Checksum, dry[id].Checksum)
		testutil.Equal(t, rjs.RowsCopied, dry[id].RowsCopied)
	}
}

func TestSchemaDriftFailsRun(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 1)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	// A pre-existing table with a conflicting definition.
	_, err := pg.Pool.Exec(ctx, `CREATE TABLE m_users (id text PRIMARY KEY, email text)`)
	testutil.NoError(t, err)

	runID, err := eng.Execute(ctx, p, false)
	testutil.NotNil(t, err)
	var drift *engine.SchemaDriftError
	testutil.True(t, errors.As(err, &drift))

	run, err := store.GetRun(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, state.PhaseFailed, run.Phase)
	testutil.True(t, strings.Contains(run.LastError, "different definition"))

	// The drifted table was not touched.
	testutil.Equal(t, int64(0), tableCount(t, ctx, "m_users"))
}

func TestRerunBackfillsMissingIndexes(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	_, err := pg.Pool.Exec(ctx, `CREATE INDEX users_email_idx ON users (email)`)
	testutil.NoError(t, err)
	p := buildChainPlan(t, ctx, 1)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	// A matching table that lost its index, as after a crash between
	// CREATE TABLE and CREATE INDEX on an earlier run.
	_, err = pg.Pool.Exec(ctx, `CREATE TABLE m_users (id bigint PRIMARY KEY, email text NOT NULL)`)
	testutil.NoError(t, err)

	_, err = eng.Execute(ctx, p, false)
	testutil.NoError(t, err)

	var n int
	testutil.NoError(t, pg.Pool.QueryRow(ctx,
		`SELECT count(*) FROM pg_indexes WHERE schemaname='public' AND tablename='m_users' AND indexname='users_email_idx'`).Scan(&n))
	testutil.Equal(t, 1, n)
}

func TestFailedJobSkipsDependentsAndResumeCompletes(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 1)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	// Pre-create m_users and m_orders exactly per plan, plus a
	// constraint that rejects the second batch of orders. The schema
	// phase accepts the matching definitions; the data phase fails
	// permanently on batch 2.
	for _, table := range []string{"users", "orders"} {
		_, err := pg.Pool.Exec(ctx, p.SpecFor(table).CreateSQL)
		testutil.NoError(t, err)
	}
	_, err := pg.Pool.Exec(ctx, `ALTER TABLE m_orders ADD CONSTRAINT blocker CHECK (id < 3)`)
	testutil.NoError(t, err)

	runID, err := eng.Execute(ctx, p, false)
	testutil.NotNil(t, err)

	run, err := store.GetRun(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, state.PhaseFailed, run.Phase)

	states, err := store.JobStates(ctx, runID)
	testutil.NoError(t, err)
	var ordersJob, itemsJob, usersJob state.JobState
	for id, js := range states {
		switch {
		case strings.HasSuffix(id, "m_users"):
			usersJob = js
		case strings.HasSuffix(id, "m_orders"):
			ordersJob = js
		case strings.HasSuffix(id, "m_items"):
			itemsJob = js
		}
	}
	testutil.Equal(t, state.JobCompleted, usersJob.Status)
	testutil.Equal(t, state.JobFailed, ordersJob.Status)
	testutil.Equal(t, state.JobSkipped, itemsJob.Status)
	// The first batch committed and checkpointed before the failure.
	testutil.Equal(t, int64(2), ordersJob.RowsCopied)
	testutil.Equal(t, 1, ordersJob.BatchesDone)

	// Fix the target and resume: completed work is skipped, the failed
	// job continues from its checkpoint.
	_, err = pg.Pool.Exec(ctx, `ALTER TABLE m_orders DROP CONSTRAINT blocker`)
	testutil.NoError(t, err)
	testutil.NoError(t, eng.Resume(ctx, runID))

	run, err = store.GetRun(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, state.PhaseDone, run.Phase)
	testutil.Equal(t, int64(4), tableCount(t, ctx, "m_orders"))
	testutil.Equal(t, int64(4), tableCount(t, ctx, "m_items"))

	// The resumed checksum covers all batches and matches the target.
	states, err = store.JobStates(ctx, runID)
	testutil.NoError(t, err)
	report, err := validate.Run(ctx, pg.Pool, p, states)
	testutil.NoError(t, err)
	testutil.True(t, report.Passed)
}

// abortOnFirstJob flips the engine's abort flag as soon as a job starts.
type abortOnFirstJob struct {
	eng *engine.Engine
}

func (a *abortOnFirstJob) Publish(e state.Event) {
	if e.Kind == "job_started" {
		a.eng.Abort(e.RunID)
	}
}
func (a *abortOnFirstJob) Close() {}

func TestAbortStopsAtBatchBoundaryAndRollsBack(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 1)

	pub := &abortOnFirstJob{}
	eng, store := newEngine(t, ctx, pub)
	pub.eng = eng
	testutil.NoError(t, store.SavePlan(ctx, p))

	runID, err := eng.Execute(ctx, p, false)
	testutil.NotNil(t, err)
	testutil.True(t, strings.Contains(err.Error(), "aborted"))

	run, err := store.GetRun(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, state.PhaseFailed, run.Phase)
	testutil.True(t, strings.Contains(run.LastError, "aborted"))

	res, err := eng.Rollback(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, res.StepsFailed)

	run, err = store.GetRun(ctx, runID)
	testutil.NoError(t, err)
	testutil.Equal(t, state.PhaseRolledBack, run.Phase)
	testutil.False(t, tableExists(t, ctx, "m_users"))
	testutil.False(t, tableExists(t, ctx, "m_orders"))
	testutil.False(t, tableExists(t, ctx, "m_items"))
}

func TestValidateDetectsTamperedTarget(t *testing.T) {
	ctx := context.Background()
	seedChain(t, ctx)
	p := buildChainPlan(t, ctx, 1)
	eng, store := newEngine(t, ctx, nil)
	testutil.NoError(t, store.SavePlan(ctx, p))

	runID, err := eng.Execute(ctx, p, false)
	testutil.NoError(t, err)

	_, err = pg.Pool.Exec(ctx, `DELETE FROM m_items WHERE id = 4`)
	testutil.NoError(t, err)

	states, err := store.JobStates(ctx, runID)
	testutil.NoError(t, err)
	report, err := validate.Run(ctx, pg.Pool, p, states)
	testutil.NoError(t, err)
	testutil.False(t, report.Passed)

	failed := 0
	for _, tc := range report.Tables {
		if tc.TargetTable == "m_items" {
			testutil.False(t, tc.CountOK)
			testutil.False(t, tc.ChecksumOK)
			testutil.Equal(t, int64(3), tc.TargetRows)
			failed++
		} else {
			testutil.True(t, tc.CountOK)
			testutil.True(t, tc.ChecksumOK)
		}
	}
	testutil.Equal(t, 1, failed)
}
