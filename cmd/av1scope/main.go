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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/av1scope/internal/analyzer"
	"github.com/zsiec/av1scope/internal/certs"
	"github.com/zsiec/av1scope/internal/config"
	"github.com/zsiec/av1scope/internal/server"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(envOr("AV1SCOPE_CONFIG", ""))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	opts, err := cfg.AnalyzerOptions(slog.Default())
	if err != nil {
		slog.Error("failed to build analyzer options", "error", err)
		os.Exit(1)
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.CertValidity)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	reg := analyzer.NewRegistry(opts)
	defer reg.CloseAll()

	// Streams named on the command line are opened alongside those in the
	// config. A stream that fails to open is logged and skipped.
	for _, path := range append(cfg.Streams, os.Args[1:]...) {
		if _, err := reg.Open(path); err != nil {
			slog.Error("failed to open stream", "path", path, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv, err := server.NewServer(server.ServerConfig{
		Addr:      cfg.H3Addr,
		Cert:      cert,
		Registry:  reg,
		AllowOpen: cfg.AllowOpen,
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	slog.Info("av1scope starting",
		"version", version,
		"h3", cfg.H3Addr,
		"api", cfg.APIAddr,
		"sessions", len(reg.List()),
		"cert_hash", cert.FingerprintBase64(),
	)

	apiSrv := &http.Server{
		Addr:      cfg.APIAddr,
		Handler:   srv.APIHandler(),
		TLSConfig: cert.TLSConfig(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
