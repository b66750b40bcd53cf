package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newQueuesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show per-stage queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stats, err := client.queueStats(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(stats))
			for _, s := range stats {
				rows = append(rows, []string{
					s.Queue,
					strconv.Itoa(s.Waiting),
					strconv.Itoa(s.Delayed),
					strconv.Itoa(s.Active),
					strconv.Itoa(s.Completed),
					strconv.Itoa(s.Failed),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"QUEUE", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check stage readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.health(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(view.Stages))
			for _, st := range view.Stages {
				ready := "ready"
				if !st.Ready {
					ready = "not ready"
				}
				rows = append(rows, []string{st.Name, ready, st.Detail})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"STAGE", "STATE", "DETAIL"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft},
			))
			if !view.Ready {
				return fmt.Errorf("one or more stages are not ready")
			}
			return nil
		},
	}
}
