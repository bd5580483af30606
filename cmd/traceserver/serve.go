package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"traceserver/internal/config"
	"traceserver/internal/mcp"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var transport string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, transport)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "Transport to serve on: stdio or http (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, transport string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Server.Transport = transport
	}
	switch cfg.Server.Transport {
	case config.TransportStdio, config.TransportHTTP:
	default:
		return fmt.Errorf("unknown server transport: %s", cfg.Server.Transport)
	}

	srv, closeStore, err := openServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	server := mcp.NewServer(srv, version)
	log := clog.FromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			log.With("addr", cfg.Server.MetricsAddr).Info("Serving metrics")
			return listen(ctx, &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux})
		})
	}

	if cfg.Server.Transport == config.TransportStdio {
		g.Go(func() error {
			// The session ends when the client closes stdin.
			defer cancel()
			log.Info("Serving MCP over stdio")
			return server.Run(ctx, &sdk.StdioTransport{})
		})
	} else {
		g.Go(func() error {
			log.With("addr", cfg.Server.Addr).Info("Serving MCP over http")
			return listen(ctx, &http.Server{Addr: cfg.Server.Addr, Handler: server.HTTPHandler()})
		})
	}

	err = g.Wait()
	log.Info("Server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// listen serves until ctx is done and then shuts hs down gracefully.
func listen(ctx context.Context, hs *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
