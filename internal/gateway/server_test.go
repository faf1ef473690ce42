package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/example/edge-gateway/internal/auth"
	"github.com/example/edge-gateway/internal/config"
	"github.com/example/edge-gateway/internal/metrics"
	"github.com/example/edge-gateway/internal/proxy"
	"github.com/example/edge-gateway/internal/ratelimit"
	"github.com/example/edge-gateway/internal/shared/cache"
	"github.com/example/edge-gateway/internal/shared/health"
	"github.com/example/edge-gateway/internal/shared/httpx"
)

func defaultLimits() config.RateLimits {
	return config.RateLimits{
		GlobalMax:    1000,
		GlobalWindow: time.Minute,
		APIMax:       100,
		APIWindow:    time.Minute,
		AuthMax:      5,
		AuthWindow:   time.Minute,
	}
}

type testEnv struct {
	gw       *Gateway
	srv      *httptest.Server
	upstream *httptest.Server
	key      string
}

// echoUpstream answers /health and echoes everything else.
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"path":    r.URL.Path,
			"subject": r.Header.Get("X-Gateway-Subject"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnv(t *testing.T, limits config.RateLimits) *testEnv {
	t.Helper()

	upstream := echoUpstream(t)
	downstreamURL := upstream.URL

	cfg := &config.Config{
		ListenAddr:       "127.0.0.1:0",
		ShutdownGrace:    2 * time.Second,
		JWTSecret:        "test-secret",
		CredentialTTL:    time.Minute,
		CORSAllowOrigins: []string{"https://app.example.com"},
		RateLimits:       limits,
		Upstreams: []config.UpstreamRoute{
			{
				Name:           "workflow-engine",
				PathPrefix:     "/api/v1/workflows",
				TargetBaseURL:  downstreamURL,
				HealthCheckURL: downstreamURL + "/health",
				RequestTimeout: 2 * time.Second,
				RewritePrefix:  "/v1/workflows",
			},
			{
				Name:           "auth-service",
				PathPrefix:     "/auth",
				TargetBaseURL:  downstreamURL,
				HealthCheckURL: downstreamURL + "/health",
				RequestTimeout: 2 * time.Second,
				RewritePrefix:  "/auth",
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l1, err := cache.NewRistrettoCache(1<<20, 1<<12)
	if err != nil {
		t.Fatalf("ristretto: %v", err)
	}
	t.Cleanup(l1.Close)

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	verdicts := cache.NewVerdictCache(l1, cache.NewRedisCache(rdb), collector.CacheHit, collector.CacheMiss)
	validator := auth.NewValidator(auth.FormatChecker{}, verdicts, auth.Config{
		HMACSecret: []byte(cfg.JWTSecret),
		CacheTTL:   cfg.CredentialTTL,
	}, logger)

	checks := health.NewRegistry()
	for _, rt := range cfg.Upstreams {
		checks.Register(health.NewUpstreamChecker(rt.Name, rt.HealthCheckURL, rt.RequestTimeout, nil))
	}

	gw := New(Options{
		Config:    cfg,
		Logger:    logger,
		Validator: validator,
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore()),
		Proxy:     proxy.New(cfg.Upstreams, nil, logger),
		Metrics:   collector,
		Health:    checks,
		Registry:  registry,
	})

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	key, err := auth.MintKey()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return &testEnv{gw: gw, srv: srv, upstream: upstream, key: key}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Version       string `json:"version"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Version == "" {
		t.Error("version missing")
	}
}

func TestProtectedRouteRequiresCredentials(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/42", nil)
	var body httpx.ErrorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body.Error != "unauthorized" || body.Message == "" {
		t.Errorf("body = %+v, want uniform {error, message}", body)
	}
}

func TestInvalidCredentialsRejected(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/42", map[string]string{"X-API-Key": "bogus"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/workflows/42", map[string]string{"Authorization": "Bearer not.a.jwt"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProxyEndToEnd(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/42", map[string]string{"X-API-Key": env.key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Path    string `json:"path"`
		Subject string `json:"subject"`
	}
	decodeBody(t, resp, &body)
	if body.Path != "/v1/workflows/42" {
		t.Errorf("upstream path = %q, want /v1/workflows/42", body.Path)
	}
	if !strings.HasPrefix(body.Subject, "key_") {
		t.Errorf("forwarded subject = %q, want key_ prefix", body.Subject)
	}

	// The proxied call is the only one recorded so far. Recording happens
	// after the response is written, so give the middleware a beat.
	time.Sleep(50 * time.Millisecond)
	resp = env.do(t, http.MethodGet, "/api/gateway/metrics", map[string]string{"X-API-Key": env.key})
	var snap metrics.Snapshot
	decodeBody(t, resp, &snap)
	if snap.TotalRequests != 1 {
		t.Errorf("total_requests = %d, want 1", snap.TotalRequests)
	}
	if snap.ErrorRate != 0 {
		t.Errorf("error_rate = %v, want 0", snap.ErrorRate)
	}
}

func TestUnknownPrefixIs404(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/api/v1/unknown/thing", map[string]string{"X-API-Key": env.key})
	var body httpx.ErrorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body.Error != "not_found" {
		t.Errorf("error = %q, want not_found", body.Error)
	}
}

func TestUpstreamDownIs502(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	env.upstream.Close()

	start := time.Now()
	resp := env.do(t, http.MethodGet, "/api/v1/workflows/42", map[string]string{"X-API-Key": env.key})
	var body httpx.ErrorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body.Error != "Service temporarily unavailable" {
		t.Errorf("error = %q, want %q", body.Error, "Service temporarily unavailable")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("502 took %v, beyond the route deadline", elapsed)
	}
}

func TestAuthClassRateLimit(t *testing.T) {
	env := newTestEnv(t, defaultLimits()) // auth scope: 5 per minute

	for i := 0; i < 5; i++ {
		resp := env.do(t, http.MethodPost, "/auth/login", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 from upstream", i+1, resp.StatusCode)
		}
	}

	resp := env.do(t, http.MethodPost, "/auth/login", nil)
	var body httpx.ErrorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("6th request: status = %d, want 429", resp.StatusCode)
	}
	if body.RetryAfterMS <= 0 {
		t.Errorf("retry_after_ms = %d, want > 0", body.RetryAfterMS)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestAuthPrefixMatchesSegmentBoundary(t *testing.T) {
	env := newTestEnv(t, defaultLimits()) // auth scope: 5 per minute

	// The bare /auth path gets the same treatment as /auth/...: no
	// credential check, but the tighter auth-class budget.
	for i := 0; i < 5; i++ {
		resp := env.do(t, http.MethodPost, "/auth", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 from upstream", i+1, resp.StatusCode)
		}
	}
	resp := env.do(t, http.MethodPost, "/auth", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("6th request: status = %d, want 429", resp.StatusCode)
	}

	// /authX only shares the first five bytes, not the route: it is
	// neither public nor proxied.
	resp = env.do(t, http.MethodPost, "/authX", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("/authX without credentials: status = %d, want 401", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/authX", map[string]string{auth.HeaderAPIKey: env.key})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/authX with credentials: status = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitRunsBeforeAuth(t *testing.T) {
	limits := defaultLimits()
	limits.GlobalMax = 2
	env := newTestEnv(t, limits)

	// No credentials on purpose: the third request must be rejected by the
	// rate limiter, not the validator.
	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodGet, "/api/v1/workflows/42", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("request %d: status = %d, want 401", i+1, resp.StatusCode)
		}
	}
	resp := env.do(t, http.MethodGet, "/api/v1/workflows/42", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 before auth", resp.StatusCode)
	}
}

func TestAdminEndpointsRequireCredentials(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	for _, path := range []string{"/api/gateway/rate-limits", "/api/gateway/services", "/api/gateway/metrics"} {
		resp := env.do(t, http.MethodGet, path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestRateLimitsEndpoint(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/api/gateway/rate-limits", map[string]string{"X-API-Key": env.key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Scopes []struct {
			Name        string `json:"name"`
			MaxRequests int64  `json:"max_requests"`
			WindowMS    int64  `json:"window_ms"`
		} `json:"scopes"`
	}
	decodeBody(t, resp, &body)
	if len(body.Scopes) != 3 {
		t.Fatalf("scopes = %d, want 3", len(body.Scopes))
	}
	byName := map[string]int64{}
	for _, s := range body.Scopes {
		byName[s.Name] = s.MaxRequests
	}
	if byName["global"] != 1000 || byName["api"] != 100 || byName["auth"] != 5 {
		t.Errorf("scope budgets = %v", byName)
	}
}

func TestServicesEndpointReportsPerUpstream(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/api/gateway/services", map[string]string{"X-API-Key": env.key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string              `json:"status"`
		Services []*health.Component `json:"services"`
	}
	decodeBody(t, resp, &body)
	if len(body.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(body.Services))
	}
	for _, svc := range body.Services {
		if svc.Status != health.StatusHealthy {
			t.Errorf("service %s = %s, want healthy", svc.Name, svc.Status)
		}
	}

	// A dead upstream is reported individually, not fatal to the response.
	env.upstream.Close()
	resp = env.do(t, http.MethodGet, "/api/gateway/services", map[string]string{"X-API-Key": env.key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with per-service errors", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	for _, svc := range body.Services {
		if svc.Status != health.StatusUnhealthy {
			t.Errorf("service %s = %s, want unhealthy", svc.Name, svc.Status)
		}
		if svc.Error == "" {
			t.Errorf("service %s has no error detail", svc.Name)
		}
	}
}

func TestMetricsExposition(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	// Generate one request so the series exist.
	env.do(t, http.MethodGet, "/health", nil).Body.Close()

	resp := env.do(t, http.MethodGet, "/metrics", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "gateway_requests_total") {
		t.Error("exposition missing gateway_requests_total")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodOptions, "/api/v1/workflows/42", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	resp = env.do(t, http.MethodOptions, "/api/v1/workflows/42", map[string]string{
		"Origin": "https://evil.example.com",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed origin preflight: status = %d, want 403", resp.StatusCode)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	resp := env.do(t, http.MethodGet, "/health", nil)
	defer resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff header missing")
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("frame options header missing")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

func TestLifecycle(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	gw := env.gw

	if gw.State() != StateStopped {
		t.Fatalf("initial state = %s, want stopped", gw.State())
	}
	if err := gw.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if gw.State() != StateRunning {
		t.Fatalf("state = %s, want running", gw.State())
	}
	if err := gw.Start(); err != ErrAlreadyStarted {
		t.Errorf("second start: err = %v, want ErrAlreadyStarted", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", gw.Addr()))
	if err != nil {
		t.Fatalf("health over listener: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	ctx := context.Background()
	if err := gw.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if gw.State() != StateStopped {
		t.Errorf("state = %s, want stopped", gw.State())
	}
	if err := gw.Stop(ctx); err != ErrNotRunning {
		t.Errorf("second stop: err = %v, want ErrNotRunning", err)
	}
}
