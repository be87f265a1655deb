package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration shared by the tfgate binaries.
type Config struct {
	HTTP    HTTP    `env:",prefix=HTTP_"`
	DB      DB      `env:",prefix=DB_"`
	AWX     AWX     `env:",prefix=AWX_"`
	Gate    Gate    `env:",prefix=GATE_"`
	Extract Extract `env:",prefix=EXTRACT_"`
	NATS    NATS    `env:",prefix=NATS_"`
	S3      S3      `env:",prefix=S3_"`
	Auth    Auth    `env:",prefix=AUTH_"`
	OTEL    OTEL    `env:",prefix=OTEL_"`
	Log     Log     `env:",prefix=LOG_"`
}

type HTTP struct {
	Addr           string        `env:"ADDR,default=:8080"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=60s"`
	RateLimit      int           `env:"RATE_LIMIT,default=120"`
}

type DB struct {
	DSN string `env:"DSN"`
}

// AWX configures the workflow engine client and the resolver.
type AWX struct {
	BaseURL            string        `env:"BASE_URL"`
	Username           string        `env:"USERNAME"`
	Password           string        `env:"PASSWORD"`
	Token              string        `env:"TOKEN"`
	Timeout            time.Duration `env:"TIMEOUT,default=30s"`
	InsecureSkipVerify bool          `env:"INSECURE_SKIP_VERIFY,default=false"`
	WorkflowTemplateID int64         `env:"WORKFLOW_TEMPLATE_ID"`
	PlanTemplateID     int64         `env:"PLAN_TEMPLATE_ID"`
	StageKeywords      []string      `env:"STAGE_KEYWORDS,default=stage,terraform"`
}

// Gate holds the approval gate offsets relative to the workflow job id. Both
// offsets depend on the workflow template layout and have no defaults.
type Gate struct {
	OffsetPlanApply int64 `env:"OFFSET_PLAN_APPLY"`
	OffsetDestroy   int64 `env:"OFFSET_DESTROY"`
	QuirkPlanApply  []int `env:"QUIRK_PLAN_APPLY"`
	QuirkDestroy    []int `env:"QUIRK_DESTROY,default=409"`
	// ClaimTTL bounds how long an unfinished gate call blocks other callers.
	ClaimTTL time.Duration `env:"CLAIM_TTL,default=5m"`
}

type Extract struct {
	Lookback        int           `env:"LOOKBACK,default=2048"`
	LogExcerptLimit int           `env:"LOG_EXCERPT_LIMIT,default=4096"`
	PollTimeout     time.Duration `env:"POLL_TIMEOUT,default=20s"`
}

type NATS struct {
	URL     string `env:"URL"`
	Durable string `env:"DURABLE,default=tfgate-ingest"`
}

type S3 struct {
	Endpoint       string        `env:"ENDPOINT"`
	AccessKey      string        `env:"ACCESS_KEY"`
	SecretKey      string        `env:"SECRET_KEY"`
	Region         string        `env:"REGION,default=us-east-1"`
	Bucket         string        `env:"BUCKET"`
	Prefix         string        `env:"PREFIX,default=tfgate"`
	DisableTLS     bool          `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE,default=true"`
	LinkTTL        time.Duration `env:"LINK_TTL,default=15m"`
}

type Auth struct {
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL,default=24h"`
}

type OTEL struct {
	Endpoint string `env:"EXPORTER_OTLP_ENDPOINT"`
}

type Log struct {
	Level  string `env:"LEVEL,default=info"`
	Format string `env:"FORMAT,default=json"`
}

// Load reads an optional .env file and returns a validated Config populated
// from environment variables.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that have defaults or are optional. Binaries
// call the Require* methods for the sections they depend on.
func (c Config) Validate() error {
	var errs []error

	for _, code := range append(append([]int{}, c.Gate.QuirkPlanApply...), c.Gate.QuirkDestroy...) {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("invalid quirk status %d", code))
		}
	}
	if c.Gate.ClaimTTL <= 0 {
		errs = append(errs, errors.New("GATE_CLAIM_TTL must be positive"))
	}
	if c.Extract.Lookback <= 0 {
		errs = append(errs, errors.New("EXTRACT_LOOKBACK must be positive"))
	}
	if c.Extract.LogExcerptLimit <= 0 {
		errs = append(errs, errors.New("EXTRACT_LOG_EXCERPT_LIMIT must be positive"))
	}
	if c.Extract.PollTimeout <= 0 {
		errs = append(errs, errors.New("EXTRACT_POLL_TIMEOUT must be positive"))
	}
	if c.S3.Bucket != "" && (c.S3.Endpoint == "" || c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		errs = append(errs, errors.New("S3_BUCKET requires S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY"))
	}

	return errors.Join(errs...)
}

// RequireDB reports whether a database DSN is configured.
func (c Config) RequireDB() error {
	if strings.TrimSpace(c.DB.DSN) == "" {
		return errors.New("DB_DSN is required")
	}
	return nil
}

// RequireEngine checks the workflow engine connection and the gate offsets.
// Offsets depend on the workflow template layout and have no defaults.
func (c Config) RequireEngine() error {
	var errs []error

	if u, err := url.Parse(c.AWX.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("AWX_BASE_URL must be an absolute URL, got %q", c.AWX.BaseURL))
	}
	if c.AWX.Token == "" && (c.AWX.Username == "" || c.AWX.Password == "") {
		errs = append(errs, errors.New("AWX_TOKEN or AWX_USERNAME and AWX_PASSWORD are required"))
	}
	if c.AWX.Timeout <= 0 {
		errs = append(errs, errors.New("AWX_TIMEOUT must be positive"))
	}
	if c.Gate.OffsetPlanApply <= 0 || c.Gate.OffsetDestroy <= 0 {
		errs = append(errs, errors.New("GATE_OFFSET_PLAN_APPLY and GATE_OFFSET_DESTROY are required and must be positive"))
	} else if c.Gate.OffsetPlanApply == c.Gate.OffsetDestroy {
		errs = append(errs, errors.New("GATE_OFFSET_PLAN_APPLY and GATE_OFFSET_DESTROY must differ"))
	}

	return errors.Join(errs...)
}

// RequireAuth reports whether a token signing secret is configured.
func (c Config) RequireAuth() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	return nil
}

// ArchiveEnabled reports whether failed-run logs should be archived.
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.S3.Bucket) != ""
}
