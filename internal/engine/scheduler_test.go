package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/testutil"
)

func dagJobs() []plan.DataTransferJob {
	return []plan.DataTransferJob{
		{JobID: "job-001-users"},
		{JobID: "job-002-orders", DependencyIDs: []string{"job-001-users"}},
		{JobID: "job-003-items", DependencyIDs: []string{"job-002-orders"}},
		{JobID: "job-004-tags"},
	}
}

func TestRunDAGRespectsDependencies(t *testing.T) {
	var mu sync.Mutex
	var order []string

	skipped, err := runDAG(context.Background(), dagJobs(), 1, func(_ context.Context, j plan.DataTransferJob) error {
		mu.Lock()
		order = append(order, j.JobID)
		mu.Unlock()
		return nil
	})
	testutil.NoError(t, err)
	testutil.Equal(t, 0, len(skipped))
	testutil.Equal(t, 4, len(order))

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	testutil.True(t, pos["job-001-users"] < pos["job-002-orders"])
	testutil.True(t, pos["job-002-orders"] < pos["job-003-items"])
}

func TestRunDAGDeterministicAtOneWorker(t *testing.T) {
	var first []string
	for i := 0; i < 5; i++ {
		var order []string
		_, err := runDAG(context.Background(), dagJobs(), 1, func(_ context.Context, j plan.DataTransferJob) error {
			order = append(order, j.JobID)
			return nil
		})
		testutil.NoError(t, err)
		if i == 0 {
			first = order
			continue
		}
		testutil.Equal(t, len(first), len(order))
		for k := range first {
			testutil.Equal(t, first[k], order[k])
		}
	}
	// Lexicographic tie-break: the independent tag job runs after users.
	testutil.Equal(t, "job-001-users", first[0])
}

func TestRunDAGFailureSkipsDependentsOnly(t *testing.T) {
	boom := errors.New("boom")
	var ran []string
	var mu sync.Mutex

	skipped, err := runDAG(context.Background(), dagJobs(), 1, func(_ context.Context, j plan.DataTransferJob) error {
		mu.Lock()
		ran = append(ran, j.JobID)
		mu.Unlock()
		if j.JobID == "job-001-users" {
			return boom
		}
		return nil
	})
	testutil.True(t, errors.Is(err, boom))
	testutil.Equal(t, 2, len(skipped))
	testutil.Equal(t, "job-002-orders", skipped[0])
	testutil.Equal(t, "job-003-items", skipped[1])

	// The independent job still ran to completion.
	found := false
	for _, id := range ran {
		if id == "job-004-tags" {
			found = true
		}
	}
	testutil.True(t, found)
}

func TestRunDAGBoundsConcurrency(t *testing.T) {
	jobs := []plan.DataTransferJob{
		{JobID: "a"}, {JobID: "b"}, {JobID: "c"}, {JobID: "d"}, {JobID: "e"},
	}
	var inflight, peak atomic.Int32

	_, err := runDAG(context.Background(), jobs, 2, func(_ context.Context, _ plan.DataTransferJob) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})
	testutil.NoError(t, err)
	testutil.True(t, peak.Load() <= 2)
	testutil.True(t, peak.Load() >= 2)
}

func TestRunDAGFailureBlocksTransitiveDependents(t *testing.T) {
	jobs := []plan.DataTransferJob{
		{JobID: "a"},
		{JobID: "b", DependencyIDs: []string{"a"}},
		{JobID: "c", DependencyIDs: []string{"b"}},
		{JobID: "d"},
	}
	var ran atomic.Int32
	var dRan atomic.Bool
	skipped, err := runDAG(context.Background(), jobs, 2, func(_ context.Context, j plan.DataTransferJob) error {
		ran.Add(1)
		if j.JobID == "a" {
			return errors.New("boom")
		}
		if j.JobID == "d" {
			dRan.Store(true)
		}
		return nil
	})
	testutil.NotNil(t, err)

	// The chain behind a never starts, but the independent job does.
	testutil.Equal(t, int32(2), ran.Load())
	testutil.True(t, dRan.Load())
	testutil.Equal(t, 2, len(skipped))
	testutil.Equal(t, "b", skipped[0])
	testutil.Equal(t, "c", skipped[1])
}
