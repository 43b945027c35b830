package engine

import (
	"context"
	"sort"

	"github.com/shiftdb/shift/internal/plan"
)

type jobResult struct {
	jobID string
	err   error
}

// runDAG executes jobs with at most workers in flight, starting a job
// only once every dependency has completed. A failure stops its
// dependents (they are returned as skipped) but independent jobs keep
// running to completion. When several jobs are ready the lowest job ID
// starts first, keeping scheduling deterministic at workers=1.
func runDAG(ctx context.Context, jobs []plan.DataTransferJob, workers int, run func(context.Context, plan.DataTransferJob) error) (skipped []string, firstErr error) {
	if workers < 1 {
		workers = 1
	}

	pending := make(map[string]plan.DataTransferJob, len(jobs))
	waiting := make(map[string]int, len(jobs))
	dependents := make(map[string][]string)
	var ready []string

	for _, j := range jobs {
		pending[j.JobID] = j
		waiting[j.JobID] = len(j.DependencyIDs)
		for _, dep := range j.DependencyIDs {
			dependents[dep] = append(dependents[dep], j.JobID)
		}
		if len(j.DependencyIDs) == 0 {
			ready = append(ready, j.JobID)
		}
	}
	sort.Strings(ready)

	results := make(chan jobResult)
	running := 0

	for {
		for running < workers && len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]
			job := pending[id]
			delete(pending, id)
			running++
			go func() {
				results <- jobResult{jobID: job.JobID, err: run(ctx, job)}
			}()
		}
		if running == 0 {
			break
		}

		res := <-results
		running--
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		for _, dep := range dependents[res.jobID] {
			waiting[dep]--
			if waiting[dep] == 0 {
				if _, ok := pending[dep]; ok {
					ready = insertSorted(ready, dep)
				}
			}
		}
	}

	// Whatever never became ready was blocked by a failed dependency.
	for id := range pending {
		skipped = append(skipped, id)
	}
	sort.Strings(skipped)
	return skipped, firstErr
}

func insertSorted(ss []string, s string) []string {
	i := sort.SearchStrings(ss, s)
	ss = append(ss, "")
	copy(ss[i+1:], ss[i:])
	ss[i] = s
	return ss
}
