package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/httpserver"
	"github.com/parlor-chat/parlor/internal/signaling"
)

// Set via -ldflags at build time.
var (
	buildCommit = "unknown"
	buildTime   = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		slog.Error("logger setup failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting parlor-relay",
		"commit", buildCommit,
		"build_time", buildTime,
		"room_id", cfg.RoomID,
		"mode", cfg.Mode,
	)
	logStartupWarnings(logger, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	room := signaling.NewRoom(cfg.RoomID)
	router := signaling.NewRouter(logger, room)
	go router.Run(ctx)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	sig := signaling.NewServer(cfg, logger, router)
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		return err
	}
	return nil
}
