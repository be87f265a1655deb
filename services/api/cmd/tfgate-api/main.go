package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"tfgate/pkg/auth"
	"tfgate/pkg/bus"
	"tfgate/pkg/config"
	"tfgate/pkg/db"
	"tfgate/pkg/telemetry"
	"tfgate/services/api"
	"tfgate/services/runs"
)

const serviceName = "tfgate-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.RequireDB(); err != nil {
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	hub := api.NewHub(logger, originChecker(cfg.HTTP.AllowedOrigins))
	defer hub.Close()

	// With a bus, events reach the hub through the stream so every replica
	// sees changes made by any tfgate process.
	var notifier runs.Notifier = hub
	if cfg.NATS.URL != "" {
		b, err := bus.New(cfg.NATS.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer b.Close()

		if err := b.EnsureStream(bus.StreamName, bus.SubjectRunUpdated, bus.SubjectOutputsReported, bus.SubjectPlansReported); err != nil {
			logger.Fatal().Err(err).Msg("ensure stream")
		}
		busNotifier, err := runs.NewBusNotifier(b)
		if err != nil {
			logger.Fatal().Err(err).Msg("init notifier")
		}
		notifier = busNotifier

		relay, err := hub.RelayFromBus(ctx, b)
		if err != nil {
			logger.Fatal().Err(err).Msg("relay run events")
		}
		defer closeQuietly(relay)
	}

	svc, err := runs.Bootstrap(ctx, cfg, orm, notifier, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init runs service")
	}

	var signer *auth.Signer
	if cfg.Auth.JWTSecret != "" {
		signer, err = auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("init auth")
		}
	} else {
		logger.Warn().Msg("AUTH_JWT_SECRET not set, run routes are unauthenticated")
	}

	a, err := api.New(api.Deps{
		Service:  svc,
		Hub:      hub,
		Ready:    func(ctx context.Context) error { return db.Ping(ctx, pool) },
		Gatherer: reg,
		Signer:   signer,
		Logger:   logger,
	}, api.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		RateLimit:      cfg.HTTP.RateLimit,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}
	handler, err := a.Routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("starting " + serviceName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Msg("close subscription")
	}
}
