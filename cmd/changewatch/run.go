package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/changewatch/internal/agent"
	"github.com/tripwire/changewatch/internal/audit"
	"github.com/tripwire/changewatch/internal/beacon"
	"github.com/tripwire/changewatch/internal/config"
	"github.com/tripwire/changewatch/internal/metrics"
	"github.com/tripwire/changewatch/internal/queue"
	"github.com/tripwire/changewatch/internal/server/rest"
	"github.com/tripwire/changewatch/internal/server/websocket"
	"github.com/tripwire/changewatch/internal/sink"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the change-notification daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return run(ctx, path)
		},
	}
}

// run wires every component from the configuration at path and blocks until
// ctx is cancelled or the watch engine fails.
func run(ctx context.Context, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	logger, logCloser := newLogger(cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", path),
		slog.String("log_level", cfg.LogLevel),
		slog.String("api_addr", cfg.APIAddr),
		slog.Int("num_paths", len(cfg.Beacon.Paths())),
	)

	// Watch engine.
	policy := beacon.RetainStale
	if cfg.RemoveStale {
		policy = beacon.RemoveStale
	}
	sessOpts := []beacon.Option{
		beacon.WithPollTimeout(cfg.PollTimeout),
		beacon.WithStalePolicy(policy),
	}
	if cfg.AuditPath != "" {
		auditLog, err := audit.Open(cfg.AuditPath, logger)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		sessOpts = append(sessOpts, beacon.WithRecorder(auditLog))
	}
	session := beacon.NewSession(logger, sessOpts...)

	// Outbox and sinks.
	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		_ = session.Close()
		return err
	}
	m := metrics.New()
	agentOpts := []agent.Option{agent.WithQueue(q), agent.WithMetrics(m)}
	var pg *sink.Postgres
	if cfg.PostgresDSN != "" {
		pg, err = sink.NewPostgres(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			_ = q.Close()
			_ = session.Close()
			return err
		}
		agentOpts = append(agentOpts, agent.WithSinks(pg))
	}

	bc := websocket.NewBroadcaster(logger, 0)
	defer bc.Close()
	agentOpts = append(agentOpts, agent.WithPublisher(bc))

	ag := agent.New(cfg, session, logger, agentOpts...)
	defer ag.Stop()
	m.RegisterGauges(q.Depth, func() int { return len(ag.Watches()) })

	// HTTP API.
	handler, err := newAPIHandler(cfg, ag, q, bc, m, logger)
	if err != nil {
		if pg != nil {
			pg.Close()
		}
		_ = q.Close()
		_ = session.Close()
		return err
	}
	apiServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api server listening", slog.String("addr", cfg.APIAddr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api server shutdown error", slog.Any("error", err))
		}
	}()

	// Configuration hot reload.
	reloader, err := config.NewReloader(path, logger, ag.Reload)
	if err != nil {
		logger.Warn("configuration reload disabled", slog.Any("error", err))
	} else {
		go reloader.Run(ctx)
	}

	if err := ag.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		return nil
	case err := <-ag.Err():
		return fmt.Errorf("watch engine stopped: %w", err)
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	}
}

// newAPIHandler builds the REST router, enabling JWT authentication when a
// public key is configured.
func newAPIHandler(cfg *config.Config, ag *agent.Agent, q *queue.SQLiteQueue, bc *websocket.Broadcaster, m *metrics.Metrics, logger *slog.Logger) (http.Handler, error) {
	var pub *rsa.PublicKey
	if cfg.JWTPublicKey != "" {
		data, err := os.ReadFile(cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("read jwt_public_key: %w", err)
		}
		key, err := rest.ParseRSAPublicKey(data)
		if err != nil {
			return nil, err
		}
		pub = key
	} else {
		logger.Warn("jwt_public_key not set: /api/v1 is unauthenticated")
	}

	stream := websocket.NewHandler(bc, logger, 0, nil)
	srv := rest.NewServer(ag, q, ag.HealthzHandler, stream, logger, rest.WithMetricsHandler(m.Handler()))
	return rest.NewRouter(srv, pub), nil
}
