package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newDeadLetterCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and triage dead-lettered jobs",
	}

	cmd.AddCommand(newDeadLetterListCommand(ctx))
	cmd.AddCommand(newDeadLetterReprocessCommand(ctx))
	cmd.AddCommand(newDeadLetterRemoveCommand(ctx))
	return cmd
}

func newDeadLetterListCommand(ctx *commandContext) *cobra.Command {
	var queueName string
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			entries, err := client.listDeadLetters(cmd.Context(), queueName, limit, offset)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter store is empty")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				reprocessed := "-"
				if entry.ReprocessedAsJobID != "" {
					reprocessed = entry.ReprocessedAsJobID
				}
				rows = append(rows, []string{
					entry.ID,
					entry.Queue,
					strconv.Itoa(entry.AttemptsMade),
					entry.FailedAt.Local().Format("2006-01-02 15:04:05"),
					truncate(entry.FailureReason, 60),
					reprocessed,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ENTRY", "QUEUE", "ATTEMPTS", "FAILED AT", "REASON", "REPROCESSED AS"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", "", "Filter by stage queue")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	return cmd
}

func newDeadLetterReprocessCommand(ctx *commandContext) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "reprocess <entry-id>",
		Short: "Clone a dead-letter entry back onto its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobID, err := client.reprocessDeadLetter(cmd.Context(), args[0], notes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %s requeued as job %s\n", args[0], jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Review notes recorded on the entry")
	return cmd
}

func newDeadLetterRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <entry-id>",
		Short: "Delete a dead-letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.removeDeadLetter(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %s removed\n", args[0])
			return nil
		},
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	if max <= 3 {
		return value[:max]
	}
	return value[:max-3] + "..."
}
