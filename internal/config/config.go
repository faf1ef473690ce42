// Package config assembles the immutable gateway configuration from the
// environment. The resulting Config is built once in main and passed by
// reference into each component constructor; nothing reads the environment
// at request time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// UpstreamRoute is the static description of one proxied backend.
type UpstreamRoute struct {
	Name           string
	PathPrefix     string
	TargetBaseURL  string
	HealthCheckURL string
	RequestTimeout time.Duration
	// RewritePrefix replaces PathPrefix in the forwarded path.
	RewritePrefix string
}

// RateLimits holds the per-scope fixed-window budgets.
type RateLimits struct {
	GlobalMax    int64
	GlobalWindow time.Duration
	APIMax       int64
	APIWindow    time.Duration
	AuthMax      int64
	AuthWindow   time.Duration
}

// Config is the complete gateway configuration. Immutable after FromEnv.
type Config struct {
	ListenAddr    string
	ShutdownGrace time.Duration

	// Bearer token verification: HS256 shared secret, or an Ed25519 public
	// key (base64url, 32 bytes) when JWTVerifyKey is set.
	JWTSecret    string
	JWTVerifyKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional Postgres credential store. Empty means API keys are checked
	// by format only.
	DatabaseURL string

	CredentialTTL time.Duration

	CORSAllowOrigins []string

	TLSCertFile string
	TLSKeyFile  string
	// UpstreamCAFile pins the CA used to verify HTTPS upstreams.
	UpstreamCAFile string

	OTLPEndpoint string

	RateLimits RateLimits
	Upstreams  []UpstreamRoute
}

// FromEnv builds a Config from the process environment, applying defaults
// for anything unset. It returns an error on values that do not parse.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		ShutdownGrace:  10 * time.Second,
		JWTSecret:      envOr("JWT_SECRET", ""),
		JWTVerifyKey:   envOr("JWT_VERIFY_KEY", ""),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  envOr("REDIS_PASSWORD", ""),
		DatabaseURL:    envOr("DATABASE_URL", ""),
		CredentialTTL:  300 * time.Second,
		TLSCertFile:    envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:     envOr("TLS_KEY_FILE", ""),
		UpstreamCAFile: envOr("UPSTREAM_CA_FILE", ""),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = envDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace); err != nil {
		return nil, err
	}
	if cfg.CredentialTTL, err = envDuration("CREDENTIAL_CACHE_TTL", cfg.CredentialTTL); err != nil {
		return nil, err
	}

	if origins := envOr("CORS_ALLOW_ORIGINS", "*"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowOrigins = append(cfg.CORSAllowOrigins, o)
			}
		}
	}

	if cfg.RateLimits, err = rateLimitsFromEnv(); err != nil {
		return nil, err
	}

	cfg.Upstreams = defaultUpstreams()
	if err := validateUpstreams(cfg.Upstreams); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" && cfg.JWTVerifyKey == "" {
		return nil, fmt.Errorf("config: JWT_SECRET or JWT_VERIFY_KEY must be set")
	}

	return cfg, nil
}

func rateLimitsFromEnv() (RateLimits, error) {
	rl := RateLimits{
		GlobalMax:    1000,
		GlobalWindow: time.Minute,
		APIMax:       300,
		APIWindow:    time.Minute,
		AuthMax:      10,
		AuthWindow:   time.Minute,
	}

	var err error
	if rl.GlobalMax, err = envInt64("RATE_LIMIT_GLOBAL_MAX", rl.GlobalMax); err != nil {
		return rl, err
	}
	if rl.GlobalWindow, err = envDuration("RATE_LIMIT_GLOBAL_WINDOW", rl.GlobalWindow); err != nil {
		return rl, err
	}
	if rl.APIMax, err = envInt64("RATE_LIMIT_API_MAX", rl.APIMax); err != nil {
		return rl, err
	}
	if rl.APIWindow, err = envDuration("RATE_LIMIT_API_WINDOW", rl.APIWindow); err != nil {
		return rl, err
	}
	if rl.AuthMax, err = envInt64("RATE_LIMIT_AUTH_MAX", rl.AuthMax); err != nil {
		return rl, err
	}
	if rl.AuthWindow, err = envDuration("RATE_LIMIT_AUTH_WINDOW", rl.AuthWindow); err != nil {
		return rl, err
	}

	if rl.GlobalMax < 1 || rl.APIMax < 1 || rl.AuthMax < 1 {
		return rl, fmt.Errorf("config: rate limit max requests must be >= 1")
	}
	return rl, nil
}

func defaultUpstreams() []UpstreamRoute {
	workflow := envOr("WORKFLOW_SERVICE_URL", "http://localhost:9101")
	aiRouting := envOr("AI_ROUTING_SERVICE_URL", "http://localhost:9102")
	modelTraining := envOr("MODEL_TRAINING_SERVICE_URL", "http://localhost:9103")

	return []UpstreamRoute{
		{
			Name:           "workflow-engine",
			PathPrefix:     "/api/v1/workflows",
			TargetBaseURL:  workflow,
			HealthCheckURL: workflow + "/health",
			RequestTimeout: 5 * time.Second,
			RewritePrefix:  "/v1/workflows",
		},
		{
			Name:           "ai-routing",
			PathPrefix:     "/api/v1/ai-routing",
			TargetBaseURL:  aiRouting,
			HealthCheckURL: aiRouting + "/health",
			RequestTimeout: 5 * time.Second,
			RewritePrefix:  "/v1/routing",
		},
		{
			Name:           "model-training",
			PathPrefix:     "/api/v1/model-training",
			TargetBaseURL:  modelTraining,
			HealthCheckURL: modelTraining + "/health",
			RequestTimeout: 5 * time.Second,
			RewritePrefix:  "/v1/training",
		},
		{
			Name:           "auth-service",
			PathPrefix:     "/auth",
			TargetBaseURL:  workflow,
			HealthCheckURL: workflow + "/health",
			RequestTimeout: 5 * time.Second,
			RewritePrefix:  "/auth",
		},
	}
}

func validateUpstreams(routes []UpstreamRoute) error {
	seen := make(map[string]bool, len(routes))
	for _, rt := range routes {
		if rt.PathPrefix == "" || !strings.HasPrefix(rt.PathPrefix, "/") {
			return fmt.Errorf("config: upstream %q has invalid path prefix %q", rt.Name, rt.PathPrefix)
		}
		if rt.TargetBaseURL == "" {
			return fmt.Errorf("config: upstream %q has no target URL", rt.Name)
		}
		if rt.RequestTimeout <= 0 {
			return fmt.Errorf("config: upstream %q has non-positive timeout", rt.Name)
		}
		if seen[rt.Name] {
			return fmt.Errorf("config: duplicate upstream name %q", rt.Name)
		}
		seen[rt.Name] = true
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
