package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasmon/nasmon/internal/alarm"
	"github.com/nasmon/nasmon/internal/collector"
	"github.com/nasmon/nasmon/internal/config"
	"github.com/nasmon/nasmon/internal/server/storage"
)

// app holds the components shared by serve and detect.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *alarm.Store
	detector *alarm.Detector
	metrics  *alarm.Metrics

	closers []io.Closer
}

// newApp loads cfg's store, seeding default rules on first start, and wires
// a detector over the host and docker collectors. reg may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if reg != nil {
		a.metrics = alarm.NewMetrics(reg)
	}

	backend, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		DataDir:     cfg.Storage.DataDir,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	logger.Info("storage opened", slog.String("driver", cfg.Storage.Driver))

	a.store = alarm.NewStore(backend, logger, alarm.WithMetrics(a.metrics))
	if err := a.store.Load(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load store: %w", err)
	}
	seeded, err := a.store.Bootstrap(ctx)
	if err != nil {
		_ = a.store.Close(ctx)
		return nil, fmt.Errorf("bootstrap store: %w", err)
	}
	if seeded {
		logger.Info("default alarm configs created")
	}

	var containers alarm.ContainerLister
	if cfg.Detector.DisableDocker {
		logger.Info("docker checks disabled")
	} else {
		dl, err := collector.NewDockerLister(cfg.Detector.DockerHost)
		if err != nil {
			// Container checks are optional; the host checks still run.
			logger.Warn("docker unavailable; container checks disabled", slog.Any("error", err))
		} else {
			containers = dl
			a.closers = append(a.closers, dl)
		}
	}

	a.detector = alarm.NewDetector(a.store, collector.NewHostSampler(0), containers, alarm.DetectorOptions{
		HistorySize:   cfg.Detector.HistorySize,
		DedupLookback: cfg.Detector.DedupWindow,
		Timeout:       cfg.Detector.Interval,
		Logger:        logger,
		Metrics:       a.metrics,
	})
	return a, nil
}

// close flushes the store and releases every collaborator.
func (a *app) close(ctx context.Context) error {
	errs := []error{a.store.Close(ctx)}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
