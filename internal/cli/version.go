package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print shift version",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput(cmd) {
			json.NewEncoder(os.Stdout).Encode(map[string]any{
				"version": buildVersion,
				"commit":  buildCommit,
				"date":    buildDate,
			})
			return
		}
		fmt.Printf("shift %s (commit: %s, built: %s)\n", buildVersion, buildCommit, buildDate)
	},
}
