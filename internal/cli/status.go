package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftdb/shift/internal/cli/ui"
	"github.com/shiftdb/shift/internal/config"
	"github.com/shiftdb/shift/internal/dbconn"
	"github.com/shiftdb/shift/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show the phase and per-job progress of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("target-url", "", "Target PostgreSQL connection URL")
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, cleanup, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	run, err := store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	jobs, err := store.JobStates(cmd.Context(), runID)
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"run":  run,
			"jobs": sortedJobs(jobs),
		})
	}

	printRunStatus(run, jobs)
	return nil
}

// openStore connects to the target only. Read-only commands like status
// and validate never need the source database.
func openStore(ctx context.Context, cfg *config.Config) (*state.Store, func(), error) {
	if cfg.Target.URL == "" {
		return nil, nil, fmt.Errorf("no target given (flag --target-url, env SHIFT_TARGET_URL, or shift.toml)")
	}
	pool, err := dbconn.Connect(ctx, cfg.Target.URL, cfg.Target.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to target: %w", err)
	}
	return state.NewStore(pool), pool.Close, nil
}

func sortedJobs(jobs map[string]state.JobState) []state.JobState {
	out := make([]state.JobState, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

func printRunStatus(run *state.Run, jobs map[string]state.JobState) {
	fmt.Printf("\n%s %s\n", ui.StyleBoldCyan.Render("Run"), run.RunID)
	fmt.Printf("%s %s\n", ui.StyleLabel.Render("plan"), run.PlanID)
	fmt.Printf("%s %s\n", ui.StyleLabel.Render("phase"), renderPhase(run.Phase))
	if run.DryRun {
		fmt.Printf("%s dry-run\n", ui.StyleLabel.Render("mode"))
	}
	fmt.Printf("%s %s\n", ui.StyleLabel.Render("started"), run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("%s %s (%s)\n", ui.StyleLabel.Render("finished"),
			run.FinishedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.LastError != "" {
		fmt.Printf("%s %s\n", ui.StyleLabel.Render("error"), ui.StyleError.Render(run.LastError))
	}

	if len(jobs) == 0 {
		return
	}
	fmt.Printf("\n%s\n", ui.StyleBold.Render("Jobs"))
	for _, j := range sortedJobs(jobs) {
		marker := ui.StyleDim.Render(ui.SymbolDot)
		switch j.Status {
		case state.JobCompleted:
			marker = ui.StyleSuccess.Render(ui.SymbolCheck)
		case state.JobFailed:
			marker = ui.StyleError.Render(ui.SymbolCross)
		case state.JobRunning:
			marker = ui.StyleCyan.Render(ui.SymbolDot)
		}
		fmt.Printf("  %s %-24s %-9s %d/%d rows",
			marker, j.JobID, j.Status, j.RowsCopied, j.SourceRows)
		if j.LastError != "" {
			fmt.Printf("  %s", ui.StyleError.Render(j.LastError))
		}
		fmt.Println()
	}
}

func renderPhase(p state.Phase) string {
	switch p {
	case state.PhaseDone:
		return ui.StyleSuccess.Render(string(p))
	case state.PhaseFailed:
		return ui.StyleError.Render(string(p))
	case state.PhaseRolledBack:
		return ui.StyleWarning.Render(string(p))
	default:
		return ui.StyleCyan.Render(string(p))
	}
}
