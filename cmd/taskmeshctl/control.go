package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newScaleCmd(opts *cliOptions) *cobra.Command {
	var (
		delta  int
		reason string
	)
	cmd := &cobra.Command{
		Use:   "scale <pool> [target]",
		Short: "Resize a worker pool to an absolute size or by --delta",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"pool": args[0], "reason": reason}
			switch {
			case len(args) == 2 && delta != 0:
				return validationErrorf("give either a target size or --delta, not both")
			case len(args) == 2:
				target, err := strconv.Atoi(args[1])
				if err != nil || target < 0 {
					return validationErrorf("target size must be a non-negative integer")
				}
				params["absolute"] = target
			case delta != 0:
				params["delta"] = delta
			default:
				return validationErrorf("give a target size or --delta")
			}
			result, err := opts.client().call(cmd.Context(), "control.scale", params)
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	cmd.Flags().IntVar(&delta, "delta", 0, "Relative size change (may be negative)")
	cmd.Flags().StringVar(&reason, "reason", "", "Audit reason")
	return cmd
}

func poolToggleCmd(opts *cliOptions, use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pool>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().call(cmd.Context(), method, map[string]any{
				"pool": args[0],
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
}

func newPauseCmd(opts *cliOptions) *cobra.Command {
	return poolToggleCmd(opts, "pause", "Pause claiming on a worker pool", "control.pause")
}

func newResumeCmd(opts *cliOptions) *cobra.Command {
	return poolToggleCmd(opts, "resume", "Resume claiming on a paused worker pool", "control.resume")
}

func newReclaimCmd(opts *cliOptions) *cobra.Command {
	var minIdleMS int64
	cmd := &cobra.Command{
		Use:   "reclaim <stream|all>",
		Short: "Reclaim idle pending entries ahead of the periodic scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().call(cmd.Context(), "control.reclaim", map[string]any{
				"stream":      args[0],
				"min_idle_ms": minIdleMS,
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	cmd.Flags().Int64Var(&minIdleMS, "min-idle", 0, "Only entries idle at least this many milliseconds")
	return cmd
}

func newDLQCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered tasks",
	}

	list := &cobra.Command{
		Use:   "list <stream>",
		Short: "List dead-lettered entries on a capability's DLQ stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().call(cmd.Context(), "control.dlq_list", map[string]any{
				"stream": args[0],
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}

	replay := &cobra.Command{
		Use:   "replay <stream> <entry_id>",
		Short: "Replay one dead-lettered entry with a reset attempt counter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().call(cmd.Context(), "control.dlq_replay", map[string]any{
				"stream":   args[0],
				"entry_id": args[1],
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}
