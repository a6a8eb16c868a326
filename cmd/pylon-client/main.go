package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/pylon-client/internal/auth"
	"github.com/alexjbarnes/pylon-client/internal/client"
	"github.com/alexjbarnes/pylon-client/internal/config"
	"github.com/alexjbarnes/pylon-client/internal/logging"
	"github.com/alexjbarnes/pylon-client/internal/mcpserver"
	"github.com/alexjbarnes/pylon-client/internal/metrics"
	"github.com/alexjbarnes/pylon-client/internal/server"
	"github.com/alexjbarnes/pylon-client/internal/state"
	"github.com/alexjbarnes/pylon-client/internal/storage"
	"github.com/alexjbarnes/pylon-client/internal/watcher"
)

var Version = "dev"

func main() {
	// Local subcommands run before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-key":
			exitOnError(hashKey(os.Stdout, os.Args[2:]))
			return
		case "status":
			exitOnError(status(os.Stdout))
			return
		case "version":
			fmt.Println(Version)
			return
		}
	}

	exitOnError(run())
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("pylon-client starting",
		slog.String("version", Version),
		slog.String("relay", cfg.RelayURL),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("metrics", cfg.EnableMetrics),
		slog.Bool("outbox", cfg.OutboxDir != ""),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	opts := client.Options{
		Config: cfg,
		Logger: logger,
		State:  appState,
	}

	if cfg.DownloadDir != "" {
		opts.Downloads, err = storage.NewDir(cfg.DownloadDir)
		if err != nil {
			return fmt.Errorf("opening download dir: %w", err)
		}
	}

	var reg *prometheus.Registry
	if cfg.EnableMetrics {
		reg = metrics.NewRegistry()
		opts.Registry = reg
	}

	c, err := client.New(opts)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Run(gctx)
	})

	if cfg.OutboxDir != "" {
		g.Go(func() error {
			return runOutbox(gctx, cfg, c, logger)
		})
	}

	if cfg.HTTPEnabled() {
		g.Go(func() error {
			return runHTTP(gctx, cfg, c, reg, logger)
		})
	}

	return g.Wait()
}

// runOutbox uploads files dropped into the outbox directory.
func runOutbox(ctx context.Context, cfg *config.Config, c *client.Client, logger *slog.Logger) error {
	dir, err := storage.NewDir(cfg.OutboxDir)
	if err != nil {
		return fmt.Errorf("opening outbox dir: %w", err)
	}

	w := watcher.New(dir, c, cfg.OutboxConversationID, logging.Component(logger, "outbox"))

	if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// runHTTP serves health, metrics and MCP on the local listen address.
func runHTTP(ctx context.Context, cfg *config.Config, c *client.Client, reg *prometheus.Registry, logger *slog.Logger) error {
	httpLogger := logging.Component(logger, "http")

	muxCfg := server.MuxConfig{
		Readiness: c,
		Logger:    httpLogger,
	}

	if reg != nil {
		muxCfg.MetricsHandler = metrics.Handler(reg)
	}

	if cfg.EnableMCP {
		verifier, err := auth.NewVerifier(cfg.MCPAPIKeyHash)
		if err != nil {
			return fmt.Errorf("MCP_API_KEY_HASH: %w", err)
		}

		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "pylon-client", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, c)

		muxCfg.Verifier = verifier
		muxCfg.MCPHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	mux, err := server.NewMux(muxCfg)
	if err != nil {
		return err
	}

	return server.Serve(ctx, server.New(cfg.HTTPListenAddr, mux), httpLogger)
}
