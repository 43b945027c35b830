package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftdb/shift/internal/cli/ui"
	"github.com/shiftdb/shift/internal/dbconn"
	"github.com/shiftdb/shift/internal/state"
	"github.com/shiftdb/shift/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate RUN_ID",
	Short: "Re-run independent validation against a finished run",
	Long: `Validate a run's outcome directly against the target database: compare
row counts against the counts captured during copy, recompute chained
batch checksums, and probe each access policy with matching and foreign
session subjects. Validation is read-only and can be run any number of
times after a run finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().String("target-url", "", "Target PostgreSQL connection URL")
}

func runValidate(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Target.URL == "" {
		return fmt.Errorf("no target given (flag --target-url, env SHIFT_TARGET_URL, or shift.toml)")
	}
	pool, err := dbconn.Connect(cmd.Context(), cfg.Target.URL, cfg.Target.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}
	defer pool.Close()
	store := state.NewStore(pool)

	run, err := store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	p, err := store.GetPlan(cmd.Context(), run.PlanID)
	if err != nil {
		return err
	}
	jobs, err := store.JobStates(cmd.Context(), runID)
	if err != nil {
		return err
	}

	report, err := validate.Run(cmd.Context(), pool, p, jobs)
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	printReport(runID, report)
	if !report.Passed {
		return fmt.Errorf("validation failed for run %s", runID)
	}
	return nil
}

func printReport(runID string, r *validate.Report) {
	verdict := ui.StyleSuccess.Render(ui.SymbolCheck + " passed")
	if !r.Passed {
		verdict = ui.StyleError.Render(ui.SymbolCross + " failed")
	}
	fmt.Printf("\n%s %s %s\n\n", ui.StyleBoldCyan.Render("Validation of run"), runID, verdict)

	fmt.Println(ui.StyleBold.Render("Tables"))
	for _, t := range r.Tables {
		if t.Skipped {
			fmt.Printf("  %s %-24s skipped: %s\n",
				ui.StyleDim.Render(ui.SymbolDot), t.TargetTable, t.Detail)
			continue
		}
		marker := ui.StyleSuccess.Render(ui.SymbolCheck)
		if !t.CountOK || !t.ChecksumOK {
			marker = ui.StyleError.Render(ui.SymbolCross)
		}
		fmt.Printf("  %s %-24s %d rows", marker, t.TargetTable, t.TargetRows)
		if !t.CountOK {
			fmt.Printf("  %s", ui.StyleError.Render(
				fmt.Sprintf("expected %d", t.SourceRowsAtCopy)))
		}
		if !t.ChecksumOK {
			fmt.Printf("  %s", ui.StyleError.Render("checksum mismatch"))
		}
		fmt.Println()
	}

	if len(r.Policies) > 0 {
		fmt.Printf("\n%s\n", ui.StyleBold.Render("Policies"))
		for _, p := range r.Policies {
			if p.Skipped {
				fmt.Printf("  %s %-24s skipped: %s\n",
					ui.StyleDim.Render(ui.SymbolDot), p.Policy, p.Detail)
				continue
			}
			marker := ui.StyleSuccess.Render(ui.SymbolCheck)
			if !p.Passed {
				marker = ui.StyleError.Render(ui.SymbolCross)
			}
			fmt.Printf("  %s %-24s on %s  allow=%t deny=%t\n",
				marker, p.Policy, p.Table, p.Allowed, p.Denied)
		}
	}

	for _, w := range r.Warnings {
		fmt.Printf("\n%s %s\n", ui.StyleWarning.Render(ui.SymbolWarning), w)
	}
}
