package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stackmill/conveyor/internal/machine"
	"github.com/stackmill/conveyor/internal/pipeline"
	"github.com/stackmill/conveyor/internal/recovery"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage delivery workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new workflow at idle",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer cleanup()

		projectID, _ := cmd.Flags().GetString("project")
		workspaceID, _ := cmd.Flags().GetString("workspace")
		p, err := orch.CreateWorkflow(projectID, workspaceID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created workflow %s (project %s)\n", p.WorkflowID, p.ProjectID)
		return nil
	},
}

var workflowTransitionCmd = &cobra.Command{
	Use:   "transition <workflow-id> <target-state>",
	Short: "Request a state transition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer cleanup()

		actor, _ := cmd.Flags().GetString("actor")
		storyID, _ := cmd.Flags().GetString("story")
		agentID, _ := cmd.Flags().GetString("agent")
		reason, _ := cmd.Flags().GetString("reason")

		p, err := orch.Transition(args[0], pipeline.State(args[1]), machine.TransitionOpts{
			Actor:        actor,
			StoryID:      storyID,
			AgentID:      agentID,
			ErrorMessage: reason,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "workflow %s is now %s (version %d)\n", p.WorkflowID, p.State, p.Version)
		return nil
	},
}

var workflowHistoryCmd = &cobra.Command{
	Use:   "history <workflow-id>",
	Short: "Show the state-transition audit log, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetInt64("cursor")
		records, next, err := orch.History(args[0], limit, cursor)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]interface{}{"transitions": records, "next_cursor": next})
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transitions recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tTO\tBY\tSTORY\tAT")
		for _, rec := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.PreviousState, rec.NewState, rec.TriggeredBy, rec.StoryID, rec.OccurredAt)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if next > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "more: --cursor %d\n", next)
		}
		return nil
	},
}

var workflowRecoveriesCmd = &cobra.Command{
	Use:   "recoveries <workflow-id>",
	Short: "Show the failure-recovery audit log, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer cleanup()

		storyID, _ := cmd.Flags().GetString("story")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetInt64("cursor")
		records, next, err := orch.RecoveryHistory(args[0], storyID, limit, cursor)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]interface{}{"recoveries": records, "next_cursor": next})
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No recovery attempts recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFAILURE\tSTRATEGY\tRETRY\tOK\tSTORY\tAT")
		for _, rec := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%s\t%s\n",
				rec.ID, rec.FailureType, rec.Strategy, rec.RetryCount, rec.Success, rec.StoryID, rec.CreatedAt)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if next > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "more: --cursor %d\n", next)
		}
		return nil
	},
}

var workflowOverrideCmd = &cobra.Command{
	Use:   "override <workflow-id>",
	Short: "Record a manual recovery override for an episode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer cleanup()

		storyID, _ := cmd.Flags().GetString("story")
		agentID, _ := cmd.Flags().GetString("agent")
		sessionID, _ := cmd.Flags().GetString("session")
		failureType, _ := cmd.Flags().GetString("failure-type")
		success, _ := cmd.Flags().GetBool("success")
		detail, _ := cmd.Flags().GetString("detail")

		rec, err := orch.Override(recovery.OverrideRequest{
			WorkflowID:  args[0],
			StoryID:     storyID,
			SessionID:   sessionID,
			AgentID:     agentID,
			FailureType: pipeline.FailureType(failureType),
			Success:     success,
			Detail:      detail,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "override recorded: id=%d success=%t\n", rec.ID, rec.Success)
		return nil
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel the open recovery episode and escalate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer cleanup()

		storyID, _ := cmd.Flags().GetString("story")
		agentID, _ := cmd.Flags().GetString("agent")
		rec, err := orch.CancelEpisode(recovery.Key{
			WorkflowID: args[0],
			StoryID:    storyID,
			AgentID:    agentID,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "episode cancelled, escalation recorded: id=%d\n", rec.ID)
		return nil
	},
}

func init() {
	workflowCreateCmd.Flags().String("project", "", "Project identifier (required)")
	workflowCreateCmd.Flags().String("workspace", "", "Workspace identifier (required)")

	workflowTransitionCmd.Flags().String("actor", "operator", "Who requested the transition")
	workflowTransitionCmd.Flags().String("story", "", "Story the transition belongs to")
	workflowTransitionCmd.Flags().String("agent", "", "Agent the transition belongs to")
	workflowTransitionCmd.Flags().String("reason", "", "Error message or reason to record")

	workflowHistoryCmd.Flags().Int("limit", 50, "Maximum records to return")
	workflowHistoryCmd.Flags().Int64("cursor", 0, "Pagination cursor from a previous page")
	workflowHistoryCmd.Flags().String("format", "text", "Output format: text or json")

	workflowRecoveriesCmd.Flags().String("story", "", "Filter by story")
	workflowRecoveriesCmd.Flags().Int("limit", 50, "Maximum records to return")
	workflowRecoveriesCmd.Flags().Int64("cursor", 0, "Pagination cursor from a previous page")
	workflowRecoveriesCmd.Flags().String("format", "text", "Output format: text or json")

	workflowOverrideCmd.Flags().String("story", "", "Story the episode belongs to")
	workflowOverrideCmd.Flags().String("agent", "", "Agent the episode belongs to")
	workflowOverrideCmd.Flags().String("session", "", "Session the override applies to")
	workflowOverrideCmd.Flags().String("failure-type", "", "Failure type being overridden")
	workflowOverrideCmd.Flags().Bool("success", false, "Whether the manual intervention resolved the failure")
	workflowOverrideCmd.Flags().String("detail", "", "Operator note recorded with the override")

	workflowCancelCmd.Flags().String("story", "", "Story the episode belongs to")
	workflowCancelCmd.Flags().String("agent", "", "Agent the episode belongs to")

	workflowCmd.AddCommand(workflowCreateCmd)
	workflowCmd.AddCommand(workflowTransitionCmd)
	workflowCmd.AddCommand(workflowHistoryCmd)
	workflowCmd.AddCommand(workflowRecoveriesCmd)
	workflowCmd.AddCommand(workflowOverrideCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
}
