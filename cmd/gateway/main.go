// Command gateway runs the edge request gateway: it authenticates inbound
// requests, enforces per-scope rate limits, and proxies authorized traffic
// to the backend services.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/example/edge-gateway/internal/auth"
	"github.com/example/edge-gateway/internal/config"
	"github.com/example/edge-gateway/internal/gateway"
	"github.com/example/edge-gateway/internal/metrics"
	"github.com/example/edge-gateway/internal/proxy"
	"github.com/example/edge-gateway/internal/ratelimit"
	"github.com/example/edge-gateway/internal/shared/cache"
	"github.com/example/edge-gateway/internal/shared/health"
	"github.com/example/edge-gateway/internal/shared/observability"
	"github.com/example/edge-gateway/internal/shared/retry"
	"github.com/example/edge-gateway/internal/shared/tlsconfig"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger := observability.NewLogger("edge-gateway")
	audit := observability.NewAuditLogger(logger)

	shutdownTracing, err := observability.SetupTracing(ctx, "edge-gateway", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	// The backing store must answer at startup; after a bounded backoff
	// the process exits non-zero rather than degrade silently.
	if err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		return fmt.Errorf("backing store unreachable at %s: %w", cfg.RedisAddr, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(registry)

	l1, err := cache.NewRistrettoCache(1<<24, 1<<16)
	if err != nil {
		return fmt.Errorf("credential cache: %w", err)
	}
	defer l1.Close()
	verdicts := cache.NewVerdictCache(l1, cache.NewRedisCache(rdb), collector.CacheHit, collector.CacheMiss)

	var keys auth.KeyChecker = auth.FormatChecker{}
	var keyStore *auth.PGKeyStore
	if cfg.DatabaseURL != "" {
		keyStore, err = auth.NewPGKeyStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer keyStore.Close()
		keys = keyStore
	}

	authCfg := auth.Config{
		HMACSecret: []byte(cfg.JWTSecret),
		CacheTTL:   cfg.CredentialTTL,
	}
	if cfg.JWTVerifyKey != "" {
		if authCfg.VerifyKey, err = auth.DecodeVerifyKey(cfg.JWTVerifyKey); err != nil {
			return fmt.Errorf("JWT_VERIFY_KEY: %w", err)
		}
	}
	validator := auth.NewValidator(keys, verdicts, authCfg, audit)

	store := ratelimit.NewRedisStore(rdb)
	limiter := ratelimit.New(store)

	transport, err := upstreamTransport(cfg)
	if err != nil {
		return err
	}
	prx := proxy.New(cfg.Upstreams, transport, logger)

	checks := health.NewRegistry()
	for _, rt := range cfg.Upstreams {
		checks.Register(health.NewUpstreamChecker(rt.Name, rt.HealthCheckURL, rt.RequestTimeout, &http.Client{Transport: transport}))
	}
	checks.Register(health.NewPingChecker("redis", store.Ping))
	if keyStore != nil {
		checks.Register(health.NewPingChecker("credential-store", keyStore.Ping))
	}

	var serverTLS *tls.Config
	if cfg.TLSCertFile != "" || cfg.TLSKeyFile != "" {
		if serverTLS, err = tlsconfig.Server(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return err
		}
	}

	gw := gateway.New(gateway.Options{
		Config:    cfg,
		Logger:    logger,
		Validator: validator,
		Limiter:   limiter,
		Proxy:     prx,
		Metrics:   collector,
		Health:    checks,
		Registry:  registry,
		TLS:       serverTLS,
	})
	if err := gw.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	stop()
	return gw.Stop(context.Background())
}

func upstreamTransport(cfg *config.Config) (http.RoundTripper, error) {
	if cfg.UpstreamCAFile == "" {
		return http.DefaultTransport, nil
	}
	tlsCfg, err := tlsconfig.Client(cfg.UpstreamCAFile)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return transport, nil
}
