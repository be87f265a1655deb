package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tfgate/pkg/auth"
	"tfgate/pkg/telemetry"
	"tfgate/services/runs"
)

const (
	serviceName           = "tfgate-api"
	defaultRequestTimeout = 60 * time.Second
	defaultRateLimit      = 120
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// RateLimit is the number of requests per minute allowed per client IP.
	RateLimit int
}

// Deps are the collaborators of the HTTP layer. Service is required.
type Deps struct {
	Service *runs.Service
	Hub     *Hub
	// Ready reports whether backing stores are reachable.
	Ready    func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	// Signer enables bearer token checks on run routes when set.
	Signer *auth.Signer
	Logger zerolog.Logger
}

// API exposes runs over HTTP.
type API struct {
	svc    *runs.Service
	hub    *Hub
	ready  func(ctx context.Context) error
	gather prometheus.Gatherer
	signer *auth.Signer
	log    zerolog.Logger
	config Config
}

// New initialises the API layer with defaults applied to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Service == nil {
		return nil, errors.New("runs service is required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger, nil)
	}
	if deps.Ready == nil {
		deps.Ready = func(context.Context) error { return nil }
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &API{
		svc:    deps.Service,
		hub:    deps.Hub,
		ready:  deps.Ready,
		gather: deps.Gatherer,
		signer: deps.Signer,
		log:    deps.Logger,
		config: cfg,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.Middleware(serviceName, a.log))
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gather, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		r.Get("/ws/plan-updates", a.hub.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
			r.Use(middleware.Timeout(a.config.RequestTimeout))

			r.Post("/runs", a.handleLaunch)
			r.Route("/run/{runID}", func(r chi.Router) {
				r.Get("/", a.handleGetRun)
				r.Post("/approve", a.handleApprove)
				r.Post("/destroy", a.handleDestroy)
				r.Post("/plan-callback", a.handlePlanCallback)
				r.Get("/outputs", a.handleListOutputs)
				r.Put("/outputs", a.handlePutOutputs)
				r.Get("/outputs/{key}", a.handleGetOutput)
				r.Delete("/outputs/{key}", a.handleDeleteOutput)
			})
		})
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.ready(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// requestLogger stores a request scoped logger in the context for
// zerolog.Ctx.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := base.With().Str("req_id", middleware.GetReqID(r.Context())).Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
		})
	}
}
