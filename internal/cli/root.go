// Package cli implements the shift command line. Commands talk to the
// engine directly: they load config, connect to the source and target,
// and run analysis, planning, execution, validation, and rollback
// in-process. `shift serve` exposes the same operations over HTTP.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shiftdb/shift/internal/config"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "shift",
	Short: "shift is a plan-first database migration engine",
	Long: `shift analyzes a source database, compiles an immutable migration plan
(schema mapping, row-level policies, ordered data transfer, rollback steps,
and a risk estimate), and executes the plan in checkpointed phases against a
PostgreSQL target.

Plan a migration:
  shift plan --source postgres://app@prod/app

Execute it:
  shift execute <plan-id> --dry-run
  shift execute <plan-id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output machine-readable JSON")
	rootCmd.PersistentFlags().String("config", "", "Path to shift.toml config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// jsonOutput reports whether --json was requested.
func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// flagOverrides collects flags the user explicitly set, keyed the way
// config.Load expects its overrides.
func flagOverrides(fs *pflag.FlagSet) map[string]string {
	out := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		out[f.Name] = f.Value.String()
	})
	return out
}

// loadConfig resolves configuration for a command: defaults, shift.toml,
// environment, then any flags the user set. Unknown flag names are
// ignored by the config layer.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	return config.Load(configPath, flagOverrides(cmd.Flags()))
}
