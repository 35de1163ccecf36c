package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor orchestrates delivery pipelines for autonomous agents",
	Long: `conveyor drives software-delivery workflows through a fixed pipeline
(planning, implementing, qa, deploying) with failure detection and
automated recovery for the agent executions inside each state.

All state is stored in ~/.conveyor/ (SQLite). The HTTP API started by
"conveyor serve" is the integration surface for agent runtimes.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dbCmd)
}
