package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"traceserver/internal/trace"
)

func queryTableCmd() *cobra.Command {
	var (
		req   trace.TableQueryReq
		stats bool
	)
	cmd := &cobra.Command{
		Use:   "table <digest>...",
		Short: "Stream table rows as JSON lines, or print table sizes with --stats",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOpenServer(cmd, func(srv *trace.Server) error {
				if stats {
					res, err := srv.TableQueryStatsBatch(cmd.Context(), trace.TableQueryStatsBatchReq{
						ProjectID: req.ProjectID,
						Digests:   args,
					})
					if err != nil {
						return err
					}
					printTableStats(stdout, args, res)
					return nil
				}
				if len(args) != 1 {
					return fmt.Errorf("rows can be read from one table at a time")
				}
				req.Digest = args[0]
				enc := json.NewEncoder(stdout)
				for row, err := range srv.TableQueryStream(cmd.Context(), req) {
					if err != nil {
						return err
					}
					if err := enc.Encode(row); err != nil {
						return fmt.Errorf("encoding row: %w", err)
					}
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ProjectID, "project", "", "Project (entity/project)")
	f.StringSliceVar(&req.Filter.RowDigests, "row", nil, "Only rows with this digest")
	f.IntVar(&req.Limit, "limit", 0, "Maximum number of rows (0 streams the whole table)")
	f.IntVar(&req.Offset, "offset", 0, "Number of rows to skip")
	f.BoolVar(&stats, "stats", false, "Print row counts and sizes instead of rows")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// printTableStats writes one line per requested digest, in request order.
func printTableStats(out io.Writer, digests []string, stats []trace.TableStats) {
	byDigest := make(map[string]trace.TableStats, len(stats))
	for _, s := range stats {
		byDigest[s.Digest] = s
	}
	for _, digest := range digests {
		s, ok := byDigest[digest]
		if !ok {
			fmt.Fprintf(out, "%s  not found\n", digest)
			continue
		}
		fmt.Fprintf(out, "%s  %s rows  %s\n", digest, humanize.Comma(s.RowCount), humanize.Bytes(uint64(s.StorageSizeBytes)))
	}
}
