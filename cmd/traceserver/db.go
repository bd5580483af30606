package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"traceserver/internal/config"
	"traceserver/internal/store"
	"traceserver/internal/store/memory"
	"traceserver/internal/store/postgres"
	"traceserver/internal/store/sqlite"
	"traceserver/internal/trace"
)

const defaultConfigPath = "traceserver.yaml"

// loadConfig reads --config. The default path may be absent; an explicit one
// must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	optional := !cmd.Flags().Changed("config")
	return config.Load(cmd.Context(), configPath, optional, nil)
}

func openStore(ctx context.Context, dsn string) (store.Store, error) {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("database dsn must have a scheme: %s", dsn)
	}
	switch scheme {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(ctx, dsn)
	case "postgres", "postgresql":
		return postgres.New(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", scheme)
	}
}

func traceOptions(cfg *config.Config) trace.Options {
	return trace.Options{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		RefCacheSize:    cfg.Cache.RefCacheSize,
		RefWorkers:      cfg.Workers,
		DefaultLimit:    cfg.Query.DefaultLimit,
	}
}

// openServer opens the configured store, brings its schema up to date and
// wraps it in a trace server. The returned close func releases the store.
func openServer(ctx context.Context, cfg *config.Config) (*trace.Server, func(), error) {
	st, err := openStore(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := st.Close(context.WithoutCancel(ctx)); err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Closing store failed")
		}
	}

	if err := st.EnsureSchema(ctx); err != nil {
		closeStore()
		return nil, nil, err
	}
	srv, err := trace.New(st, traceOptions(cfg))
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return srv, closeStore, nil
}
