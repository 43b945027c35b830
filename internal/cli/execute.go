package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftdb/shift/internal/cli/ui"
	"github.com/shiftdb/shift/internal/state"
)

var executeCmd = &cobra.Command{
	Use:   "execute PLAN_ID",
	Short: "Execute a stored migration plan",
	Long: `Execute a previously compiled plan against the target database. The run
proceeds through checkpointed phases (schema, policies, data, derived
objects, validation) and can be resumed after a failure with 'shift resume'.

Use --dry-run to execute every phase inside a single transaction that is
rolled back at the end, leaving the target untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

var resumeCmd = &cobra.Command{
	Use:   "resume RUN_ID",
	Short: "Resume a failed or interrupted run from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	executeCmd.Flags().Bool("dry-run", false, "Execute in a single rolled-back transaction")
	executeCmd.Flags().String("source-url", "", "Source database connection URL")
	executeCmd.Flags().String("source-kind", "", "Source kind: postgres, sqlite, or mysql")
	executeCmd.Flags().String("target-url", "", "Target PostgreSQL connection URL")
	resumeCmd.Flags().String("source-url", "", "Source database connection URL")
	resumeCmd.Flags().String("source-kind", "", "Source kind: postgres, sqlite, or mysql")
	resumeCmd.Flags().String("target-url", "", "Target PostgreSQL connection URL")
}

func runExecute(cmd *cobra.Command, args []string) error {
	planID := args[0]
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	jsonOut := jsonOutput(cmd)
	logger := quietLogger(cfg)

	prog := newProgressPrinter(jsonOut)
	rt, err := newRuntime(cmd.Context(), cfg, logger, prog)
	if err != nil {
		return err
	}
	defer rt.close()

	p, err := rt.store.GetPlan(cmd.Context(), planID)
	if err != nil {
		return err
	}

	if !jsonOut {
		mode := "live"
		if dryRun {
			mode = "dry-run"
		}
		fmt.Fprintf(os.Stderr, "%s %s (%s, %d jobs)\n",
			ui.StyleBoldCyan.Render("Executing plan"), planID,
			mode, len(p.DataJobs()))
	}

	stopAbort := abortOnInterrupt(rt, prog)
	defer stopAbort()

	started := time.Now()
	runID, err := rt.engine.Execute(cmd.Context(), p, dryRun)
	prog.finish(err)
	if err != nil {
		if runID != "" {
			return fmt.Errorf("run %s failed: %w (resume with 'shift resume %s')", runID, err, runID)
		}
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"run_id":           runID,
			"plan_id":          planID,
			"dry_run":          dryRun,
			"duration_seconds": time.Since(started).Seconds(),
		})
	}
	fmt.Printf("%s run %s finished in %s\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), runID, time.Since(started).Round(time.Second))
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	jsonOut := jsonOutput(cmd)
	logger := quietLogger(cfg)

	prog := newProgressPrinter(jsonOut)
	rt, err := newRuntime(cmd.Context(), cfg, logger, prog)
	if err != nil {
		return err
	}
	defer rt.close()

	if !jsonOut {
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.StyleBoldCyan.Render("Resuming run"), runID)
	}

	stopAbort := abortOnInterrupt(rt, prog)
	defer stopAbort()

	started := time.Now()
	err = rt.engine.Resume(cmd.Context(), runID)
	prog.finish(err)
	if err != nil {
		return fmt.Errorf("resuming run %s: %w", runID, err)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"run_id":           runID,
			"duration_seconds": time.Since(started).Seconds(),
		})
	}
	fmt.Printf("%s run %s finished in %s\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), runID, time.Since(started).Round(time.Second))
	return nil
}

// abortOnInterrupt turns the first Ctrl-C into a graceful engine abort:
// in-flight batches finish and checkpoint, then the run lands in FAILED
// where it can be resumed or rolled back. A second interrupt kills the
// process the usual way.
func abortOnInterrupt(rt *runtime, prog *progressPrinter) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		_, ok := <-sigCh
		if !ok {
			return
		}
		signal.Stop(sigCh)
		if runID := prog.runID(); runID != "" {
			fmt.Fprintln(os.Stderr, "\ninterrupt: finishing current batches, run will land in FAILED")
			rt.engine.Abort(runID)
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// progressPrinter renders engine events as a per-phase spinner. It doubles
// as an events.Publisher so the engine drives it like any other sink.
type progressPrinter struct {
	mu       sync.Mutex
	sp       *ui.PhaseSpinner
	run      string
	phase    state.Phase
	jobsDone int
	closed   bool
}

func newProgressPrinter(quiet bool) *progressPrinter {
	noSpin := quiet || !ui.ColorEnabledFd(os.Stderr.Fd())
	return &progressPrinter{sp: ui.NewPhaseSpinner(os.Stderr, noSpin)}
}

func (pp *progressPrinter) Publish(e state.Event) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.run = e.RunID
	if pp.closed {
		return
	}

	if e.Phase != pp.phase {
		if pp.phase != "" {
			pp.sp.Done()
		}
		pp.phase = e.Phase
		pp.jobsDone = 0
		step, total := e.Phase.Step()
		pp.sp.StartPhase(step, total, fmt.Sprintf("Phase %s", e.Phase))
	}

	switch e.Kind {
	case "job_started":
		pp.sp.Update(jobID(e))
	case "job_completed":
		pp.jobsDone++
		pp.sp.Update(fmt.Sprintf("%d jobs done", pp.jobsDone))
	case "job_failed":
		pp.sp.Update(fmt.Sprintf("%s failed", jobID(e)))
	case "run_failed":
		pp.sp.Fail()
		pp.closed = true
	case "run_completed":
		pp.sp.Done()
		pp.closed = true
	}
}

func (pp *progressPrinter) Close() {}

func (pp *progressPrinter) runID() string {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.run
}

// finish settles the spinner when the engine returns before a terminal
// event reached the printer (connection loss, context cancellation).
func (pp *progressPrinter) finish(err error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.closed {
		return
	}
	pp.closed = true
	if err != nil {
		pp.sp.Fail()
		return
	}
	pp.sp.Stop()
}

func jobID(e state.Event) string {
	var payload struct {
		JobID string `json:"job_id"`
	}
	if json.Unmarshal(e.Payload, &payload) == nil && payload.JobID != "" {
		return payload.JobID
	}
	return "job"
}
