// Package main is the entry point for the automation service. It serves
// /filter_csv, the /tasks/* routes, /health and /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dataworks/internal/api"
	"dataworks/internal/config"
	"dataworks/internal/middleware"
	"dataworks/internal/task"
	"dataworks/internal/transcribe"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateAutomation(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client := &http.Client{Timeout: cfg.HTTPTimeout}
	tr, err := transcribe.New(ctx, cfg.Transcribe, client)
	if err != nil {
		return fmt.Errorf("transcription provider: %w", err)
	}
	svc, err := task.NewServiceFromConfig(cfg, tr, client, logger.With("component", "task"))
	if err != nil {
		return fmt.Errorf("task service: %w", err)
	}

	srv := newHTTPServer(cfg, api.NewRouter(ctx, api.RouterConfig{
		Service: svc,
		Logger:  logger,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}))

	logger.Info("automation service listening", "addr", cfg.ListenAddr, "data_root", cfg.DataRoot,
		"transcriber", tr.Name())
	logger.Info("try: curl http://" + curlHostForListenAddr(cfg.ListenAddr) + "/health")
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(ctx, srv, ln, logger, 15*time.Second)
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout(cfg),
		IdleTimeout:       120 * time.Second,
	}
}

// writeTimeout covers the slowest task: a full clone-and-commit or one
// outbound request, whichever is longer, plus a minute for the response.
func writeTimeout(cfg *config.Config) time.Duration {
	return max(task.GitDeadline(cfg.Git.Timeout), cfg.HTTPTimeout) + time.Minute
}

// serve runs srv on ln until ctx is cancelled, then drains in-flight
// requests for at most grace before returning.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger, grace time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// curlHostForListenAddr turns a listen address into a host:port a local
// client can dial.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
