package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:   "traceserver",
		Short: "Store and query LLM application traces",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SetContext(withLogger(cmd.Context(), verbose))
		},
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to the config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(versionCmd())
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withLogger installs a text logger on stderr so stdout stays free for
// command output.
func withLogger(ctx context.Context, debug bool) context.Context {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return clog.WithLogger(ctx, clog.New(handler))
}
