package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftdb/shift/internal/cli/ui"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback RUN_ID",
	Short: "Execute a run's recorded rollback steps",
	Long: `Execute the rollback steps recorded in the run's plan, in order, and mark
the run ROLLED_BACK. Rollback is best-effort: steps that fail are reported
and the remaining steps still execute. Only failed runs and runs aborted
before completion can be rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().String("source-url", "", "Source database connection URL")
	rollbackCmd.Flags().String("source-kind", "", "Source kind: postgres, sqlite, or mysql")
	rollbackCmd.Flags().String("target-url", "", "Target PostgreSQL connection URL")
}

func runRollback(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := quietLogger(cfg)
	rt, err := newRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.engine.Rollback(cmd.Context(), runID)
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return json.NewEncoder(os.Stdout).Encode(res)
	}

	if res.StepsFailed == 0 {
		fmt.Printf("%s run %s rolled back (%d steps)\n",
			ui.StyleSuccess.Render(ui.SymbolCheck), runID, res.StepsTotal)
		return nil
	}
	fmt.Printf("%s run %s rolled back with errors (%d of %d steps failed)\n",
		ui.StyleWarning.Render(ui.SymbolWarning), runID, res.StepsFailed, res.StepsTotal)
	for _, e := range res.Errors {
		fmt.Printf("  %s %s\n", ui.StyleError.Render(ui.SymbolCross), e)
	}
	return nil
}
