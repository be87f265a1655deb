package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DB_DSN":                 "postgres://tfgate@localhost/tfgate",
		"AWX_BASE_URL":           "https://awx.example.com/api/v2/",
		"AWX_TOKEN":              "secret",
		"GATE_OFFSET_PLAN_APPLY": "3",
		"GATE_OFFSET_DESTROY":    "5",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(baseEnv()))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}

	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Extract.Lookback != 2048 {
		t.Fatalf("Extract.Lookback = %d", cfg.Extract.Lookback)
	}
	if cfg.Extract.PollTimeout != 20*time.Second {
		t.Fatalf("Extract.PollTimeout = %s", cfg.Extract.PollTimeout)
	}
	if len(cfg.AWX.StageKeywords) != 2 || cfg.AWX.StageKeywords[0] != "stage" || cfg.AWX.StageKeywords[1] != "terraform" {
		t.Fatalf("AWX.StageKeywords = %v", cfg.AWX.StageKeywords)
	}
	if cfg.Gate.ClaimTTL != 5*time.Minute {
		t.Fatalf("Gate.ClaimTTL = %s", cfg.Gate.ClaimTTL)
	}
	if len(cfg.Gate.QuirkDestroy) != 1 || cfg.Gate.QuirkDestroy[0] != 409 {
		t.Fatalf("Gate.QuirkDestroy = %v", cfg.Gate.QuirkDestroy)
	}
	if len(cfg.Gate.QuirkPlanApply) != 0 {
		t.Fatalf("Gate.QuirkPlanApply = %v", cfg.Gate.QuirkPlanApply)
	}
	if cfg.ArchiveEnabled() {
		t.Fatal("archive should be disabled without a bucket")
	}
}

func TestRequireEngineNeedsGateOffsets(t *testing.T) {
	env := baseEnv()
	delete(env, "GATE_OFFSET_DESTROY")

	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(env))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if err := cfg.RequireEngine(); err == nil || !strings.Contains(err.Error(), "GATE_OFFSET_DESTROY") {
		t.Fatalf("RequireEngine() error = %v", err)
	}
}

func TestRequireDBAndAuth(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if err := cfg.RequireDB(); err == nil {
		t.Fatal("expected RequireDB error without DB_DSN")
	}
	if err := cfg.RequireAuth(); err == nil {
		t.Fatal("expected RequireAuth error without AUTH_JWT_SECRET")
	}

	cfg, err = LoadWith(context.Background(), envconfig.MapLookuper(baseEnv()))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if err := cfg.RequireDB(); err != nil {
		t.Fatalf("RequireDB() error = %v", err)
	}
	if err := cfg.RequireEngine(); err != nil {
		t.Fatalf("RequireEngine() error = %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		want   string
	}{
		{
			name:   "equal offsets",
			mutate: func(env map[string]string) { env["GATE_OFFSET_DESTROY"] = "3" },
			want:   "must differ",
		},
		{
			name:   "relative base url",
			mutate: func(env map[string]string) { env["AWX_BASE_URL"] = "/api/v2/" },
			want:   "AWX_BASE_URL",
		},
		{
			name: "missing credentials",
			mutate: func(env map[string]string) {
				delete(env, "AWX_TOKEN")
				env["AWX_USERNAME"] = "admin"
			},
			want: "AWX_TOKEN",
		},
		{
			name:   "bad quirk status",
			mutate: func(env map[string]string) { env["GATE_QUIRK_PLAN_APPLY"] = "42" },
			want:   "invalid quirk status 42",
		},
		{
			name:   "bucket without endpoint",
			mutate: func(env map[string]string) { env["S3_BUCKET"] = "logs" },
			want:   "S3_BUCKET",
		},
		{
			name:   "zero lookback",
			mutate: func(env map[string]string) { env["EXTRACT_LOOKBACK"] = "0" },
			want:   "EXTRACT_LOOKBACK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			tt.mutate(env)
			cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(env))
			if err == nil {
				err = cfg.RequireEngine()
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestBasicAuthAccepted(t *testing.T) {
	env := baseEnv()
	delete(env, "AWX_TOKEN")
	env["AWX_USERNAME"] = "admin"
	env["AWX_PASSWORD"] = "password"

	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(env))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if err := cfg.RequireEngine(); err != nil {
		t.Fatalf("RequireEngine() error = %v", err)
	}
}
