package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"tfgate/pkg/bus"
	"tfgate/pkg/config"
	"tfgate/pkg/db"
	"tfgate/pkg/telemetry"
	"tfgate/services/ingest"
	"tfgate/services/runs"
)

const serviceName = "tfgate-ingest"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := errors.Join(cfg.RequireDB(), requireNATS(cfg)); err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	log.Logger = logger

	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTEL.Endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}
	orm, err := db.ORM(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("init orm")
	}

	b, err := bus.New(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}
	defer b.Close()
	if err := b.EnsureStream(bus.StreamName, bus.SubjectRunUpdated, bus.SubjectOutputsReported, bus.SubjectPlansReported); err != nil {
		logger.Fatal().Err(err).Msg("ensure stream")
	}

	notifier, err := runs.NewBusNotifier(b)
	if err != nil {
		logger.Fatal().Err(err).Msg("init notifier")
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	svc, err := runs.Bootstrap(ctx, cfg, orm, notifier, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init runs service")
	}

	ing, err := ingest.New(svc, b, cfg.NATS.Durable, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init ingestor")
	}
	if err := ing.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start ingestor")
	}
	logger.Info().Str("durable", cfg.NATS.Durable).Msg("starting " + serviceName)

	<-ctx.Done()

	if err := ing.Close(); err != nil {
		logger.Error().Err(err).Msg("close ingestor")
	}
}

func requireNATS(cfg config.Config) error {
	if cfg.NATS.URL == "" {
		return errors.New("NATS_URL is required")
	}
	return nil
}
