package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"traceserver/internal/store"
)

func querySQLCmd() *cobra.Command {
	var paramPairs []string
	cmd := &cobra.Command{
		Use:   "sql <query>",
		Short: "Execute a raw SQL query against the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			params, err := parseParamPairs(paramPairs)
			if err != nil {
				return err
			}
			return runSQL(cmd, query, params)
		},
	}
	cmd.Flags().StringArrayVar(&paramPairs, "param", nil, "Query parameter as key=value (repeatable)")
	return cmd
}

func runSQL(cmd *cobra.Command, query string, params map[string]any) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	runner, ok := st.(store.SQLRunner)
	if !ok {
		return fmt.Errorf("store %s does not support SQL queries", cfg.Database.DSN)
	}
	rows, err := runner.RunSQL(ctx, query, params)
	if err != nil {
		return err
	}
	return printJSON(stdout, rows)
}

func parseParamPairs(pairs []string) (map[string]any, error) {
	params := make(map[string]any)
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid param %q: expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid param %q: empty key", pair)
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}
