package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/cli/ui"
	"github.com/shiftdb/shift/internal/config"
	"github.com/shiftdb/shift/internal/dbconn"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Introspect a source database into a schema snapshot",
	Long: `Connect to the source database read-only and introspect tables, columns,
constraints, indexes, views, sequences, and functions into an immutable
schema snapshot. The snapshot is the input to 'shift plan'.

Examples:
  shift analyze --source postgres://app@prod:5432/app
  shift analyze --source ./app.db --source-kind sqlite --json`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().String("source", "", "Source database connection URL")
	analyzeCmd.Flags().String("source-kind", "", "Source kind: postgres, sqlite, or mysql")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	connURL, _ := cmd.Flags().GetString("source")
	if connURL == "" {
		connURL = cfg.Source.URL
	}
	if connURL == "" {
		return fmt.Errorf("no source given (flag --source, env SHIFT_SOURCE_URL, or shift.toml)")
	}
	kind, _ := cmd.Flags().GetString("source-kind")
	if kind == "" {
		kind = cfg.Source.Kind
	}
	if kind == "" {
		kind = config.DetectSourceKind(connURL)
	}

	jsonOut := jsonOutput(cmd)
	sp := ui.NewPhaseSpinner(os.Stderr, jsonOut || !ui.ColorEnabled())
	sp.Start(fmt.Sprintf("Analyzing %s source %s...", kind, dbconn.RedactURL(connURL)))

	src, cleanup, err := openAnalyzerSource(cmd.Context(), cfg, kind, connURL)
	if err != nil {
		sp.Fail()
		return err
	}
	defer cleanup()

	snap, err := analyzer.Analyze(cmd.Context(), src, quietLogger(cfg))
	if err != nil && !analyzer.IsPartial(err) {
		sp.Fail()
		return err
	}
	sp.Done()

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(snap)
	}

	printSnapshotReport(snap)
	return nil
}

// printSnapshotReport renders the pre-flight analysis summary.
func printSnapshotReport(snap *analyzer.Snapshot) {
	fmt.Printf("\n%s %s (%s)\n", ui.StyleBoldCyan.Render("Snapshot of"), snap.Database, snap.SourceKind)
	fmt.Printf("%s %s\n\n", ui.StyleLabel.Render("snapshot_id"), snap.SnapshotID)

	fmt.Println(ui.StyleBold.Render("Tables"))
	for _, t := range snap.Tables {
		fkNote := ""
		if n := len(t.ForeignKeys); n > 0 {
			fkNote = ui.StyleDim.Render(fmt.Sprintf("  %d FK", n))
		}
		fmt.Printf("  %s %-30s %8d rows  %d columns%s\n",
			ui.SymbolDot, t.Name, t.EstimatedRows, len(t.Columns), fkNote)
	}

	if len(snap.Views) > 0 || len(snap.Sequences) > 0 || len(snap.Functions) > 0 {
		fmt.Printf("\n%s %d views, %d sequences, %d functions\n",
			ui.StyleLabel.Render("derived"), len(snap.Views), len(snap.Sequences), len(snap.Functions))
	}

	if len(snap.Warnings) > 0 {
		fmt.Printf("\n%s\n", ui.StyleWarning.Render("Warnings"))
		for _, w := range snap.Warnings {
			fmt.Printf("  %s %s\n", ui.StyleWarning.Render(ui.SymbolWarning), w)
		}
	}
}
