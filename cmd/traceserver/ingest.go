package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"traceserver/internal/async"
	"traceserver/internal/ingest"
	"traceserver/internal/refs"
)

func ingestCmd() *cobra.Command {
	var (
		projectID string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Load calls, objects and tables from a JSON lines file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args[0], projectID, batchSize)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project (entity/project) for records that do not name one")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Call starts and ends per batch (default 500)")
	return cmd
}

func runIngest(cmd *cobra.Command, path, projectID string, batchSize int) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	srv, closeStore, err := openServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if projectID != "" {
		entity, project, err := refs.SplitProjectID(projectID)
		if err != nil {
			return err
		}
		if _, err := srv.EnsureProjectExists(ctx, entity, project); err != nil {
			return err
		}
	}

	result, err := ingest.Run(ctx, f, async.NewClient(srv, cfg.Workers), ingest.Options{
		ProjectID: projectID,
		BatchSize: batchSize,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, "Ingestion complete.")
	fmt.Fprintf(os.Stdout, "  Records read:   %d\n", result.Lines)
	fmt.Fprintf(os.Stdout, "  Calls started:  %d\n", result.CallsStarted)
	fmt.Fprintf(os.Stdout, "  Calls ended:    %d\n", result.CallsEnded)
	fmt.Fprintf(os.Stdout, "  Objects stored: %d\n", result.ObjectsStored)
	fmt.Fprintf(os.Stdout, "  Tables stored:  %d\n", result.TablesStored)

	if len(result.Errors) > 0 {
		fmt.Fprintf(os.Stdout, "\nErrors (%d):\n", len(result.Errors))
		for _, item := range result.Errors {
			fmt.Fprintf(os.Stdout, "  - %v\n", item)
		}
		return fmt.Errorf("ingestion completed with errors")
	}

	return nil
}
