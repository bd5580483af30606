package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"traceserver/internal/trace"
)

func queryCallsCmd() *cobra.Command {
	var (
		req           trace.CallsQueryReq
		desc          bool
		after, before string
	)
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Stream matching calls as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Filter.StartedAfter, err = parseTimeFlag("started-after", after); err != nil {
				return err
			}
			if req.Filter.StartedBefore, err = parseTimeFlag("started-before", before); err != nil {
				return err
			}
			if desc {
				req.Sort = sortFlag("started_at", true)
			}
			return withOpenServer(cmd, func(srv *trace.Server) error {
				enc := json.NewEncoder(stdout)
				for call, err := range srv.CallsQueryStream(cmd.Context(), req) {
					if err != nil {
						return err
					}
					if err := enc.Encode(call); err != nil {
						return fmt.Errorf("encoding call: %w", err)
					}
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ProjectID, "project", "", "Project (entity/project)")
	f.StringSliceVar(&req.Filter.OpNames, "op", nil, "Op name or op ref; name:* matches every version")
	f.StringSliceVar(&req.Filter.TraceIDs, "trace-id", nil, "Trace id")
	f.StringSliceVar(&req.Filter.ParentIDs, "parent-id", nil, "Parent call id")
	f.StringSliceVar(&req.Filter.CallIDs, "call-id", nil, "Call id")
	f.StringSliceVar(&req.Filter.ThreadIDs, "thread-id", nil, "Thread id")
	f.StringSliceVar(&req.Filter.InputRefs, "input-ref", nil, "Ref that must appear in the inputs")
	f.StringSliceVar(&req.Filter.OutputRefs, "output-ref", nil, "Ref that must appear in the output")
	f.BoolVar(&req.Filter.TraceRootsOnly, "roots", false, "Only calls without a parent")
	f.StringVar(&after, "started-after", "", "RFC 3339 lower bound on started_at (inclusive)")
	f.StringVar(&before, "started-before", "", "RFC 3339 upper bound on started_at (exclusive)")
	f.IntVar(&req.Limit, "limit", 0, "Maximum number of calls (0 streams every match)")
	f.IntVar(&req.Offset, "offset", 0, "Number of calls to skip")
	f.BoolVar(&desc, "desc", false, "Newest first")
	f.BoolVar(&req.IncludeCosts, "costs", false, "Attach LLM costs to each call summary")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: %w", name, value, err)
	}
	return t.UTC(), nil
}
