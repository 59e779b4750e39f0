package main

import (
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *cliOptions) *cobra.Command {
	var sagaID string
	cmd := &cobra.Command{
		Use:   "status [task_id]",
		Short: "Show a task result, a saga instance, or the full pool/queue snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 1 {
				params["task_id"] = args[0]
			}
			if sagaID != "" {
				if len(args) == 1 {
					return validationErrorf("give either a task id or --saga, not both")
				}
				params["saga_id"] = sagaID
			}
			result, err := opts.client().call(cmd.Context(), "status", params)
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	cmd.Flags().StringVar(&sagaID, "saga", "", "Look up a saga instance by ID")
	return cmd
}

func newAnalyticsCmd(opts *cliOptions) *cobra.Command {
	var windowMS int64
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Aggregate terminal results observed within a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().call(cmd.Context(), "analytics", map[string]any{
				"window_ms": windowMS,
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	cmd.Flags().Int64Var(&windowMS, "window", 0, "Window in milliseconds (server default when 0)")
	return cmd
}
