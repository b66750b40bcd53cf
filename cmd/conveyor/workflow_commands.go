package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var mimeType string
	var source string

	cmd := &cobra.Command{
		Use:   "submit <document-key>",
		Short: "Start a workflow for an uploaded document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			workflowID, err := client.startWorkflow(cmd.Context(), args[0], mimeType, source)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), workflowID)
			return nil
		},
	}

	cmd.Flags().StringVar(&mimeType, "mime", "", "Document mime type (detected from the stored file when omitted)")
	cmd.Flags().StringVar(&source, "source", "", "Submission source label")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow's stages and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.workflowStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow %s  status=%s  progress=%s\n", view.ID, view.Status, formatPercent(view.Progress))

			rows := make([][]string, 0, len(view.Stages))
			for _, st := range view.Stages {
				rows = append(rows, []string{
					st.Stage,
					st.Status,
					formatPercent(st.Progress),
					formatTimestamp(st.StartedAt),
					formatTimestamp(st.CompletedAt),
					st.Error,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"STAGE", "STATUS", "PROGRESS", "STARTED", "COMPLETED", "ERROR"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			workflows, err := client.listWorkflows(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if len(workflows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows found")
				return nil
			}

			rows := make([][]string, 0, len(workflows))
			for _, wf := range workflows {
				rows = append(rows, []string{
					wf.ID,
					wf.Status,
					formatPercent(wf.Progress),
					wf.CreatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"WORKFLOW", "STATUS", "PROGRESS", "CREATED"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum workflows to list")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.cancelWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s cancelled\n", args[0])
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <workflow-id> <stage>",
		Short: "Re-run a failed stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.retryStage(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retry scheduled for stage %s of workflow %s\n", args[1], args[0])
			return nil
		},
	}
}

func formatPercent(fraction float64) string {
	return strconv.FormatFloat(fraction*100, 'f', 0, 64) + "%"
}

func formatTimestamp(value *time.Time) string {
	if value == nil || value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04:05")
}
