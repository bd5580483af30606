package main

import (
	"github.com/spf13/cobra"

	"traceserver/internal/trace"
)

func queryObjsCmd() *cobra.Command {
	var (
		req       trace.ObjQueryReq
		sortField string
		desc      bool
		ops       bool
	)
	cmd := &cobra.Command{
		Use:   "objs",
		Short: "List object versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Sort = sortFlag(sortField, desc)
			if cmd.Flags().Changed("ops") {
				req.Filter.IsOp = &ops
			}
			return withOpenServer(cmd, func(srv *trace.Server) error {
				objs, err := srv.ObjsQuery(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(stdout, objs)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ProjectID, "project", "", "Project (entity/project)")
	f.StringSliceVar(&req.Filter.ObjectIDs, "object-id", nil, "Object id")
	f.StringVar(&req.Filter.ObjectIDPrefix, "prefix", "", "Object id prefix")
	f.StringSliceVar(&req.Filter.BaseObjectClasses, "base-class", nil, "Base object class")
	f.StringSliceVar(&req.Filter.LeafObjectClasses, "leaf-class", nil, "Leaf object class")
	f.StringSliceVar(&req.Filter.Digests, "digest", nil, "Object digest")
	f.BoolVar(&req.Filter.LatestOnly, "latest", false, "Only the latest version of each object")
	f.BoolVar(&ops, "ops", false, "Only ops (--ops=false for only plain objects)")
	f.BoolVar(&req.MetadataOnly, "metadata-only", false, "Leave out object values")
	f.StringVar(&sortField, "sort", "", "Sort field: created_at or object_id")
	f.BoolVar(&desc, "desc", false, "Sort descending")
	f.IntVar(&req.Limit, "limit", 0, "Maximum number of objects")
	f.IntVar(&req.Offset, "offset", 0, "Number of objects to skip")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
