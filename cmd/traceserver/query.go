package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"traceserver/internal/trace"
)

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored traces from the CLI",
	}
	cmd.AddCommand(queryCallsCmd())
	cmd.AddCommand(queryObjsCmd())
	cmd.AddCommand(queryTableCmd())
	cmd.AddCommand(queryRefsCmd())
	cmd.AddCommand(querySQLCmd())
	return cmd
}

// stdout receives query results.
var stdout io.Writer = os.Stdout

func printJSON(out io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Fprintln(out, string(payload))
	return nil
}

// sortFlag turns --sort/--desc into a request sort, leaving the server
// default in place when neither is set.
func sortFlag(field string, desc bool) *trace.SortBy {
	if field == "" && !desc {
		return nil
	}
	dir := trace.SortAsc
	if desc {
		dir = trace.SortDesc
	}
	return &trace.SortBy{Field: field, Direction: dir}
}

func withOpenServer(cmd *cobra.Command, fn func(srv *trace.Server) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	srv, closeStore, err := openServer(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(srv)
}
