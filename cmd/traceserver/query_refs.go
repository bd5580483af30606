package main

import (
	"github.com/spf13/cobra"

	"traceserver/internal/trace"
)

func queryRefsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs <weave-ref>...",
		Short: "Resolve refs to their values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOpenServer(cmd, func(srv *trace.Server) error {
				res, err := srv.RefsReadBatch(cmd.Context(), trace.RefsReadBatchReq{Refs: args})
				if err != nil {
					return err
				}
				return printJSON(stdout, res.Vals)
			})
		},
	}
}
