package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
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

	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "Schema is up to date.")
	return nil
}
