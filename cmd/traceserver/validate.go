package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"traceserver/internal/validate"
)

func validateCmd() *cobra.Command {
	var (
		projectID  string
		staleAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run integrity checks against one project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, projectID, staleAfter)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project to check (entity/project)")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Report calls running longer than this (default 24h)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runValidate(cmd *cobra.Command, projectID string, staleAfter time.Duration) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	srv, closeStore, err := openServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := validate.Run(ctx, srv, projectID, validate.Options{StaleAfter: staleAfter})
	if err != nil {
		return err
	}

	var errorIssues []validate.Issue
	var warnIssues []validate.Issue
	for _, issue := range report.Issues {
		switch issue.Severity {
		case validate.SeverityError:
			errorIssues = append(errorIssues, issue)
		case validate.SeverityWarn:
			warnIssues = append(warnIssues, issue)
		}
	}

	if len(errorIssues) == 0 && len(warnIssues) == 0 {
		fmt.Fprintln(os.Stdout, "No issues found.")
		return nil
	}

	if len(errorIssues) > 0 {
		fmt.Fprintf(os.Stdout, "Errors (%d):\n", len(errorIssues))
		printIssues(os.Stdout, errorIssues)
	}
	if len(warnIssues) > 0 {
		if len(errorIssues) > 0 {
			fmt.Fprintln(os.Stdout, "")
		}
		fmt.Fprintf(os.Stdout, "Warnings (%d):\n", len(warnIssues))
		printIssues(os.Stdout, warnIssues)
	}

	if len(errorIssues) > 0 {
		return fmt.Errorf("validation found errors")
	}
	return nil
}

func printIssues(out io.Writer, issues []validate.Issue) {
	for _, issue := range issues {
		location := issue.Subject
		if issue.Ref != "" {
			location = fmt.Sprintf("%s -> %s", issue.Subject, issue.Ref)
		}
		fmt.Fprintf(out, "  - %s: %s (%s)\n", location, issue.Message, issue.Code)
	}
}
