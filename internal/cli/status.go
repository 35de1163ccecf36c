package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stackmill/conveyor/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of all workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer cleanup()

		pipelines, err := orch.StatusAll()
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, pipelines)
		}

		if len(pipelines) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No workflows found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WORKFLOW\tPROJECT\tSTATE\tSTORY\tVERSION\tSINCE")
		for _, p := range pipelines {
			state := string(p.State)
			if p.State == pipeline.StatePaused && p.PausedFrom != "" {
				state = fmt.Sprintf("%s(%s)", p.State, p.PausedFrom)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				shortID(p.WorkflowID), p.ProjectID, colorState(p.State, state), p.CurrentStoryID, p.Version, p.EnteredStateAt)
		}
		return w.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func colorState(s pipeline.State, label string) string {
	switch s {
	case pipeline.StateComplete:
		return color.GreenString(label)
	case pipeline.StateFailed:
		return color.RedString(label)
	case pipeline.StatePaused:
		return color.YellowString(label)
	default:
		return label
	}
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
