package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/launcher"
	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/monitor"
	"github.com/zjrosen/adw/internal/paths"
	"github.com/zjrosen/adw/internal/server"
	"github.com/zjrosen/adw/internal/store"
	"github.com/zjrosen/adw/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ADW server",
	Long: `Run the ADW server: the WebSocket trigger channel, the worker intake
bridge, and the REST API, all backed by the SQLite state store.

Example:
  adw serve                          # Defaults: backend :8002, websocket :8500
  adw serve --backend-port 9000      # Override the intake/API port
  BACKEND_PORT=9000 adw serve        # Same, via the legacy env name`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	resolver := paths.NewResolver(cfg.ProjectRoot)

	var mirror *store.Mirror
	if !cfg.Store.DBOnly {
		mirror = store.NewMirror(resolver)
		log.Info(log.CatConfig, "dual-write mirror enabled", "root", resolver.Root())
	}

	dbPath := cfg.Store.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.ProjectRoot, dbPath)
	}
	st, err := store.Open(dbPath, mirror)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	if cfg.Launcher.RepoRoot == "" {
		cfg.Launcher.RepoRoot = cfg.ProjectRoot
	}

	bus := events.NewBus()
	streamer := monitor.NewStreamer(resolver, bus)
	l := launcher.New(st, resolver, bus, cfg.Launcher)

	srv, err := server.New(cfg.Server, st, bus, streamer, l)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	srv.Start()

	fmt.Printf("ADW server started (backend :%d, websocket :%d)\n",
		srv.BackendPort(), srv.WebSocketPort())
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatServer, "error during shutdown", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatTrace, "error flushing traces", err)
	}

	fmt.Println("Server stopped")
	return nil
}

// initLogging wires the global logger. ADW_LOG selects a file sink,
// otherwise lines go to stderr; debug level needs --debug or ADW_DEBUG.
func initLogging() (func(), error) {
	cleanup := func() {}
	if logPath := os.Getenv("ADW_LOG"); logPath != "" {
		c, err := log.Init(logPath)
		if err != nil {
			return nil, fmt.Errorf("initializing logging: %w", err)
		}
		cleanup = c
	} else {
		log.InitWithWriter(os.Stderr)
	}

	if debugFlag || os.Getenv("ADW_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
		log.Info(log.CatConfig, "debug logging enabled")
	} else {
		log.SetMinLevel(log.LevelInfo)
	}
	return cleanup, nil
}
