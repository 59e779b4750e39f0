package main

import (
	"github.com/spf13/cobra"
)

func newAuditCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and verify the hash-chained audit log",
	}

	var (
		fromSeq uint64
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events in sequence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().call(cmd.Context(), "audit.list", map[string]any{
				"from_seq": fromSeq,
				"limit":    limit,
			})
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}
	list.Flags().Uint64Var(&fromSeq, "from", 0, "Start sequence number")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum events to return (server default when 0)")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report the first break, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().call(cmd.Context(), "audit.verify", nil)
			if err != nil {
				return err
			}
			return opts.print(result)
		},
	}

	cmd.AddCommand(list, verify)
	return cmd
}
