// Command echelon runs the multi-tier speculative transcription engine as a
// server: audio in and transcript snapshots out over WebSocket, metrics on
// /metrics, liveness and readiness probes on /healthz and /readyz.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elvirab/echelon/internal/config"
	"github.com/elvirab/echelon/internal/engine"
	"github.com/elvirab/echelon/internal/health"
	"github.com/elvirab/echelon/internal/observe"
	"github.com/elvirab/echelon/internal/sink"
	"github.com/elvirab/echelon/pkg/asr/whispercpp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echelon: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echelon: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("echelon starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"model", cfg.Engine.Model,
		"tiers", cfg.Engine.Tiers,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "echelon"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsShutdown(sdCtx); err != nil {
			slog.Warn("metrics shutdown", "err", err)
		}
	}()

	// ── Engine ────────────────────────────────────────────────────────────────
	engineCfg, err := cfg.EngineConfiguration()
	if err != nil {
		slog.Error("invalid engine configuration", "err", err)
		return 1
	}

	ws := sink.NewServer()
	eng, err := engine.New(engineCfg, whispercpp.NewLoader(), ws)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		return 1
	}
	ws.SetController(eng)

	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "err", err)
		return 1
	}
	defer eng.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	ws.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "tiers", Check: eng.ReadyCheck},
	).Register(mux)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	return 0
}
