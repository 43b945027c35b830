package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/cli/ui"
	"github.com/shiftdb/shift/internal/config"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/policy"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Analyze the source and compile an immutable migration plan",
	Long: `Analyze the source database, synthesize row-level access policies, and
compile everything into an immutable migration plan: target DDL, an ordered
data-transfer DAG, rollback steps, and an explainable risk estimate.

The plan is stored on the target database and executed later by plan ID:
  shift plan --source postgres://app@prod/app --target-url postgres://localhost/new
  shift execute <plan-id> --dry-run

Options and policy hints are JSON files:
  shift plan --options options.json --hints hints.json`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().String("source", "", "Source database connection URL")
	planCmd.Flags().String("source-kind", "", "Source kind: postgres, sqlite, or mysql")
	planCmd.Flags().String("target-url", "", "Target PostgreSQL connection URL where the plan is stored")
	planCmd.Flags().String("options", "", "Path to a JSON file of plan options")
	planCmd.Flags().String("hints", "", "Path to a JSON file of policy hints")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if src, _ := cmd.Flags().GetString("source"); src != "" {
		cfg.Source.URL = src
	}
	if cfg.Source.URL == "" {
		return fmt.Errorf("no source given (flag --source, env SHIFT_SOURCE_URL, or shift.toml)")
	}
	kind := cfg.Source.Kind
	if kind == "" {
		kind = config.DetectSourceKind(cfg.Source.URL)
	}

	opts, err := resolveOptions(cmd, cfg)
	if err != nil {
		return err
	}
	hints, err := loadHints(cmd)
	if err != nil {
		return err
	}

	jsonOut := jsonOutput(cmd)
	logger := quietLogger(cfg)
	noSpin := jsonOut || !ui.ColorEnabled()
	sp := ui.NewPhaseSpinner(os.Stderr, noSpin)

	sp.Start("Analyzing source...")
	src, cleanup, err := openAnalyzerSource(cmd.Context(), cfg, kind, cfg.Source.URL)
	if err != nil {
		sp.Fail()
		return err
	}
	defer cleanup()
	snap, err := analyzer.Analyze(cmd.Context(), src, logger)
	if err != nil && !analyzer.IsPartial(err) {
		sp.Fail()
		return err
	}
	sp.Done()

	sp.Start("Synthesizing access policies...")
	policies, err := policy.Synthesize(snap, hints, logger)
	if err != nil {
		sp.Fail()
		return err
	}
	sp.Done()

	sp.Start("Compiling plan...")
	p, err := plan.Build(snap, policies, opts)
	if err != nil {
		sp.Fail()
		return err
	}
	sp.Done()

	sp.Start("Saving plan to target...")
	store, cleanup2, err := openStore(cmd.Context(), cfg)
	if err != nil {
		sp.Fail()
		return err
	}
	defer cleanup2()
	if err := store.Bootstrap(cmd.Context()); err != nil {
		sp.Fail()
		return err
	}
	if err := store.SavePlan(cmd.Context(), p); err != nil {
		sp.Fail()
		return err
	}
	sp.Done()

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(p)
	}

	printPlanSummary(p)
	return nil
}

// resolveOptions merges engine config defaults with an optional JSON
// options file. File values win.
func resolveOptions(cmd *cobra.Command, cfg *config.Config) (plan.Options, error) {
	opts := plan.Options{
		BatchSize:        cfg.Engine.BatchSize,
		Workers:          cfg.Engine.Workers,
		ThroughputRows:   cfg.Engine.ThroughputRows,
		PhaseOverhead:    time.Duration(cfg.Engine.PhaseOverheadSec) * time.Second,
		SkipPolicyErrors: cfg.Engine.SkipPolicyErrors,
	}
	path, _ := cmd.Flags().GetString("options")
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading options file: %w", err)
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing %s: %w", path, err)
	}
	return opts, nil
}

func loadHints(cmd *cobra.Command) ([]policy.Hint, error) {
	path, _ := cmd.Flags().GetString("hints")
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hints file: %w", err)
	}
	var hints []policy.Hint
	if err := json.Unmarshal(data, &hints); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return hints, nil
}

func printPlanSummary(p *plan.MigrationPlan) {
	risk := p.Risk()

	fmt.Printf("\n%s %s\n", ui.StyleBoldCyan.Render("Plan"), p.PlanID())
	fmt.Printf("%s %s\n", ui.StyleLabel.Render("risk"), renderRisk(risk.Level, risk.Score))
	fmt.Printf("%s %s\n", ui.StyleLabel.Render("estimate"), p.EstimatedDuration().Round(time.Second))
	fmt.Printf("%s %d tables, %d policies, %d derived objects, %d rollback steps\n\n",
		ui.StyleLabel.Render("contents"),
		len(p.Mapping()), len(p.Policies()), len(p.DerivedObjects()), len(p.RollbackSteps()))

	fmt.Println(ui.StyleBold.Render("Transfer order"))
	for _, j := range p.DataJobs() {
		dep := ""
		if len(j.DependencyIDs) > 0 {
			dep = ui.StyleDim.Render(fmt.Sprintf("  after %v", j.DependencyIDs))
		}
		fmt.Printf("  %2d. %s %s %s%s\n", j.OrderRank, j.SourceTable, ui.SymbolArrow, j.TargetTable, dep)
	}

	warned := false
	for _, pol := range p.Policies() {
		if pol.Warning == "" {
			continue
		}
		if !warned {
			fmt.Printf("\n%s\n", ui.StyleWarning.Render("Policy warnings"))
			warned = true
		}
		fmt.Printf("  %s %s: %s\n", ui.StyleWarning.Render(ui.SymbolWarning), pol.Table, pol.Warning)
	}

	if len(risk.Factors) > 0 {
		fmt.Printf("\n%s\n", ui.StyleBold.Render("Risk factors"))
		for _, f := range risk.Factors {
			fmt.Printf("  %-20s %6.2f × %4.1f = %6.2f\n", f.Name, f.Value, f.Weight, f.Contribution)
		}
	}

	fmt.Printf("\nExecute with: %s\n", ui.StyleCyan.Render("shift execute "+p.PlanID()))
}

func renderRisk(level plan.RiskLevel, score float64) string {
	label := fmt.Sprintf("%s (score %.1f)", level, score)
	switch level {
	case plan.RiskLow:
		return ui.StyleSuccess.Render(label)
	case plan.RiskMedium:
		return ui.StyleWarning.Render(label)
	default:
		return ui.StyleError.Render(label)
	}
}
