package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"drive-collab/internal/api"
	"drive-collab/internal/config"
	"drive-collab/internal/db"
	"drive-collab/internal/logging"
	"drive-collab/internal/metrics"
	"drive-collab/internal/pubsub"
	"drive-collab/internal/repository"
	"drive-collab/internal/services/collaboration"
	"drive-collab/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

The server command:
1. Loads configuration from the environment and lets flags override it
2. Initializes tracing, the document store and the optional relay
3. Serves HTTP and websockets until SIGINT/SIGTERM
4. Shuts down in reverse order: HTTP first, then sessions and room flushes,
   then the relay and the store
*/

const (
	gracefulTimeout = 30 * time.Second
	version         = "1.0.0"
)

var (
	flagHost           string
	flagPort           string
	flagLogLevel       string
	flagStoreDriver    string
	flagBoltPath       string
	flagRedisAddr      string
	flagJaegerEndpoint string
	flagSaveDebounce   time.Duration
	flagMaxRooms       int
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server [options]",
		Short: "Start the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVar(&flagHost, "host", "", "Listen host (SERVER_HOST)")
	cmd.Flags().StringVar(&flagPort, "port", "", "Listen port (SERVER_PORT)")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error (LOG_LEVEL)")
	cmd.Flags().StringVar(&flagStoreDriver, "store", "", "Document store: postgres, bolt or memory (STORE_DRIVER)")
	cmd.Flags().StringVar(&flagBoltPath, "bolt-path", "", "Database file of the bolt store (BOLT_PATH)")
	cmd.Flags().StringVar(&flagRedisAddr, "redis-addr", "", "Redis address of the cross-instance relay (REDIS_ADDR)")
	cmd.Flags().StringVar(&flagJaegerEndpoint, "jaeger-endpoint", "", "Jaeger collector endpoint (JAEGER_ENDPOINT)")
	cmd.Flags().DurationVar(&flagSaveDebounce, "save-debounce", 0, "Quiet period before a room is saved (COLLAB_SAVE_DEBOUNCE)")
	cmd.Flags().IntVar(&flagMaxRooms, "max-rooms", 0, "Maximum number of live rooms, 0 for no limit (COLLAB_MAX_ROOMS)")

	return cmd
}

// applyFlags overrides the environment with the flags given on the command
// line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.ServerHost = flagHost
	}
	if flags.Changed("port") {
		cfg.ServerPort = flagPort
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("store") {
		cfg.StoreDriver = flagStoreDriver
	}
	if flags.Changed("bolt-path") {
		cfg.BoltPath = flagBoltPath
	}
	if flags.Changed("redis-addr") {
		cfg.RedisAddr = flagRedisAddr
	}
	if flags.Changed("jaeger-endpoint") {
		cfg.JaegerEndpoint = flagJaegerEndpoint
	}
	if flags.Changed("save-debounce") {
		cfg.Collab.SaveDebounce = flagSaveDebounce
	}
	if flags.Changed("max-rooms") {
		cfg.Collab.MaxRooms = flagMaxRooms
	}
}

// store is the union of what the server needs from a document store.
type store interface {
	collaboration.DocumentStore
	api.DocumentReader
}

// openStore opens the configured document store. revisions is nil for
// stores that keep no history.
func openStore(cfg *config.Config) (store, api.RevisionLister, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := repository.NewDocumentRepository(database.DB, cfg.RevisionHistory)
		return repo, repo, database.Close, nil

	case config.StoreDriverBolt:
		repo, err := repository.OpenBoltRepository(cfg.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo, nil, repo.Close, nil

	case config.StoreDriverMemory:
		return repository.NewMemoryRepository(), nil, func() error { return nil }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func runServer(cfg *config.Config) error {
	logger := logging.New("server")
	logger.Infow("starting collaboration server", "version", version, "store", cfg.StoreDriver)

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(telemetry.ServiceName, cfg.JaegerEndpoint, version)
	if err != nil {
		logger.Warnw("failed to initialize jaeger, continuing without tracing", "error", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logger.Warnw("failed to shutdown jaeger", "error", err)
		}
	}()

	docStore, revisions, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warnw("failed to close store", "error", err)
		}
	}()

	m := metrics.NewMetrics()
	opts := []collaboration.Option{collaboration.WithMetrics(m)}

	var relay *pubsub.RedisRelay
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		relay, err = pubsub.DialRedis(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			return err
		}
		opts = append(opts, collaboration.WithRelay(relay))
		logger.Infow("cross-instance relay enabled", "redis", cfg.RedisAddr)
	}

	// Initialize WebSocket session manager for real-time collaboration
	sessionManager := collaboration.NewSessionManager(cfg.Collab, docStore, opts...)
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager, collaboration.HeaderAuthenticator{})
	handler := api.NewHandler(sessionManager, docStore, revisions, wsHandler, m.Handler())
	router := api.SetupRoutes(handler)

	// No write timeout: websocket connections are long-lived and the pumps
	// set their own deadlines.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("server listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Infow("shutting down", "signal", sig.String())
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warnw("server forced to shutdown", "error", err)
	}

	// Learning: This closes all websocket sessions and flushes every room
	if err := sessionManager.Shutdown(ctx); err != nil {
		logger.Errorw("rooms not fully flushed", "error", err)
	}

	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Warnw("failed to close relay", "error", err)
		}
	}

	logger.Info("server shutdown complete")
	return runErr
}
