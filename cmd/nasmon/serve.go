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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nasmon/nasmon/internal/alarm"
	"github.com/nasmon/nasmon/internal/audit"
	"github.com/nasmon/nasmon/internal/config"
	"github.com/nasmon/nasmon/internal/geo"
	"github.com/nasmon/nasmon/internal/server/rest"
)

// shutdownTimeout bounds the HTTP drain, the in-flight pass and the final
// store flush.
const shutdownTimeout = 30 * time.Second

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detector and the REST API until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, logCloser := newLogger(cfg.LogLevel, cfg.LogFile)
			defer logCloser.Close()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("nasmon starting",
		slog.String("version", version),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(flushCtx); err != nil {
			logger.Error("final store flush failed", slog.Any("error", err))
		} else {
			logger.Info("store flushed")
		}
	}()

	// ── REST API ──────────────────────────────────────────────────────────────
	jwtCfg, err := loadJWTConfig(cfg.Auth)
	if err != nil {
		return err
	}

	srvOpts := []rest.Option{rest.WithLogger(logger)}
	if cfg.Audit.Path != "" {
		journal, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		srvOpts = append(srvOpts, rest.WithJournal(journal))
		logger.Info("audit journal enabled", slog.String("path", cfg.Audit.Path))
	}

	routerCfg := rest.RouterConfig{
		JWT:     jwtCfg,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:  logger,
	}
	if cfg.Geo.Enabled {
		locator, err := geo.New(geo.Options{
			Endpoint:          cfg.Geo.Endpoint,
			Token:             cfg.Geo.Token,
			RequestsPerMinute: cfg.Geo.RequestsPerMinute,
			CacheSize:         cfg.Geo.CacheSize,
			Logger:            logger,
		})
		if err != nil {
			return err
		}
		routerCfg.Locator = locator
		logger.Info("access ip geolocation enabled")
	}

	srv := rest.NewServer(a.store, a.detector, srvOpts...)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           rest.NewRouter(srv, routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A manual detection pass can take as long as the scheduler interval.
		WriteTimeout: cfg.Detector.Interval + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Scheduler ─────────────────────────────────────────────────────────────
	sched := alarm.NewScheduler(a.detector, cfg.Detector.Interval, logger, a.metrics)
	sched.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP REST server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("nasmon stopped with error", slog.Any("error", err))
		return err
	}
	logger.Info("nasmon exited cleanly")
	return nil
}

// loadJWTConfig builds the token verifier settings. Exactly one key source
// is configured; config validation guarantees it.
func loadJWTConfig(auth config.AuthConfig) (*rest.JWTConfig, error) {
	jc := &rest.JWTConfig{Issuer: auth.Issuer, Audience: auth.Audience}
	if auth.RSAPublicKeyPath == "" {
		jc.HMACSecret = []byte(auth.HMACSecret)
		return jc, nil
	}
	pem, err := os.ReadFile(auth.RSAPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key: %w", err)
	}
	var key *rsa.PublicKey
	if key, err = rest.ParseRSAPublicKey(pem); err != nil {
		return nil, err
	}
	jc.PublicKey = key
	return jc, nil
}
