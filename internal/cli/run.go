package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxfeld/tidepool/internal/reactor"
	"github.com/voxfeld/tidepool/internal/storage"
	"github.com/voxfeld/tidepool/internal/transport"
	"github.com/voxfeld/tidepool/internal/wire"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	Server     string
	Origin     string
	Database   string
	Queries    []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a sync server and stream query results",
		Long: `Start the client runtime against a live sync server.

The runtime connects over websocket, subscribes to the given queries, and
prints every pushed result as a JSON line. With --db, the query cache and
pending mutations persist across restarts; unconfirmed mutations are
replayed on reconnect.

Example:
  tidepool run --server wss://sync.example.com/ws --query '{"todos":{}}'
  tidepool run --config ./tidepool.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML client config")
	cmd.Flags().StringVar(&opts.Server, "server", "", "websocket URL of the sync server")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "origin header for the websocket handshake")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (omit for in-memory)")
	cmd.Flags().StringArrayVar(&opts.Queries, "query", nil, "query to subscribe to, as JSON (repeatable)")

	return cmd
}

// resolveConfig merges the optional config file with flag overrides.
// Flags win whenever both are set.
func resolveConfig(opts *RunOptions) (*Config, error) {
	cfg := &Config{}
	if opts.ConfigPath != "" {
		loaded, err := LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.Server != "" {
		cfg.Server = opts.Server
	}
	if opts.Origin != "" {
		cfg.Origin = opts.Origin
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if len(opts.Queries) > 0 {
		flagQueries, err := parseQueries(opts.Queries)
		if err != nil {
			return nil, err
		}
		cfg.Queries = append(cfg.Queries, flagQueries...)
	}

	if cfg.Server == "" {
		return nil, fmt.Errorf("server url is required (--server or config file)")
	}
	if cfg.Origin == "" {
		cfg.Origin = "http://localhost/"
	}
	return cfg, nil
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := resolveConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	var driver storage.Driver
	if cfg.Database != "" {
		logger.Info("opening database", "path", cfg.Database)
		db, err := storage.OpenSQLite(cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		driver = db
	} else {
		driver = storage.NewMemory()
	}

	re, err := reactor.New(reactor.Options{
		SocketFactory:   transport.NewFactory(cfg.Server, cfg.Origin, logger),
		Storage:         driver,
		Logger:          logger,
		MutationTimeout: time.Duration(cfg.MutationTimeoutMS) * time.Millisecond,
		QueryCacheLimit: cfg.QueryCacheLimit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build runtime", err)
	}
	defer re.Stop()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("connecting", "server", cfg.Server)
	if err := re.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for i, q := range cfg.Queries {
		q := q
		unsub, err := re.SubscribeQuery(ctx, q, func(res *wire.QueryResult) {
			if res == nil {
				return
			}
			if err := enc.Encode(map[string]any{"query": q, "result": res}); err != nil {
				logger.Error("encode result failed", "error", err)
			}
		})
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to subscribe query %d", i), err)
		}
		defer unsub()
	}

	fmt.Fprintln(out, "Runtime started. Streaming results...")
	fmt.Fprintln(out, "Press Ctrl-C to stop.")

	<-ctx.Done()
	logger.Info("runtime stopped")
	return nil
}

// parseQueries decodes the --query flag values.
func parseQueries(raw []string) ([]map[string]any, error) {
	queries := make([]map[string]any, 0, len(raw))
	for i, text := range raw {
		var q map[string]any
		if err := json.Unmarshal([]byte(text), &q); err != nil {
			return nil, fmt.Errorf("query %d is not a JSON object: %w", i, err)
		}
		queries = append(queries, q)
	}
	return queries, nil
}
