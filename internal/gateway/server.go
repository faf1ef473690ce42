// Package gateway wires the credential validator, rate limiter, proxy, and
// metrics collector into an ordered request pipeline and owns the HTTP
// listener lifecycle.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/edge-gateway/internal/auth"
	"github.com/example/edge-gateway/internal/config"
	"github.com/example/edge-gateway/internal/metrics"
	"github.com/example/edge-gateway/internal/proxy"
	"github.com/example/edge-gateway/internal/ratelimit"
	"github.com/example/edge-gateway/internal/shared/health"
	"github.com/example/edge-gateway/internal/shared/observability"
)

// State is the listener lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

var (
	ErrAlreadyStarted = errors.New("gateway already started")
	ErrNotRunning     = errors.New("gateway not running")
)

// Options collects the constructor dependencies.
type Options struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *auth.Validator
	Limiter   *ratelimit.Limiter
	Proxy     *proxy.Proxy
	Metrics   *metrics.Collector
	Health    *health.Registry
	// Registry backs the /metrics exposition endpoint.
	Registry *prometheus.Registry
	// TLS is optional; plain HTTP when nil.
	TLS *tls.Config
}

// Gateway is the orchestrator. Pipeline order per request: security
// headers/CORS, global rate limit, route-class rate limit, credential
// validation (public routes excepted), dispatch, proxy, metrics.
type Gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	validator *auth.Validator
	limiter   *ratelimit.Limiter
	proxy     *proxy.Proxy
	metrics   *metrics.Collector
	health    *health.Registry

	globalScope ratelimit.Scope
	apiScope    ratelimit.Scope
	authScope   ratelimit.Scope

	server    *http.Server
	listener  net.Listener
	tlsConfig *tls.Config
	handler   http.Handler

	state     atomic.Int32
	startedAt time.Time
}

// New assembles the gateway. The listener is not bound until Start.
func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:       opts.Config,
		logger:    opts.Logger,
		validator: opts.Validator,
		limiter:   opts.Limiter,
		proxy:     opts.Proxy,
		metrics:   opts.Metrics,
		health:    opts.Health,
		tlsConfig: opts.TLS,
		globalScope: ratelimit.Scope{
			Name:        "global",
			MaxRequests: opts.Config.RateLimits.GlobalMax,
			Window:      opts.Config.RateLimits.GlobalWindow,
		},
		apiScope: ratelimit.Scope{
			Name:        "api",
			MaxRequests: opts.Config.RateLimits.APIMax,
			Window:      opts.Config.RateLimits.APIWindow,
		},
		authScope: ratelimit.Scope{
			Name:        "auth",
			MaxRequests: opts.Config.RateLimits.AuthMax,
			Window:      opts.Config.RateLimits.AuthWindow,
		},
	}

	promHandler := promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})

	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.handle(w, r, promHandler)
	})
	h = observability.HTTPMiddleware("edge-gateway")(h)
	h = g.withObservedRequests(h)
	h = withRequestID(h)
	h = g.withRecovery(h)
	g.handler = h

	return g
}

// Handler exposes the full middleware chain for in-process tests.
func (g *Gateway) Handler() http.Handler { return g.handler }

// State reports the current lifecycle state.
func (g *Gateway) State() State { return State(g.state.Load()) }

// Uptime is time since the listener came up.
func (g *Gateway) Uptime() time.Duration {
	if g.State() != StateRunning {
		return 0
	}
	return time.Since(g.startedAt)
}

// Addr returns the bound listener address, useful with ":0".
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Start binds the listener and begins serving. Binding failures leave the
// gateway stopped and are returned to the caller.
func (g *Gateway) Start() error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("bind %s: %w", g.cfg.ListenAddr, err)
	}
	if g.tlsConfig != nil {
		ln = tls.NewListener(ln, g.tlsConfig)
	}
	g.listener = ln
	g.server = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.startedAt = time.Now()
	g.state.Store(int32(StateRunning))
	g.logger.Info("gateway listening", "addr", ln.Addr().String(), "version", config.Version)

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("serve failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests up to the shutdown grace period, then
// closes the listener. Safe to call once per Start.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrNotRunning
	}
	defer g.state.Store(int32(StateStopped))

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownGrace)
	defer cancel()

	g.logger.Info("gateway stopping", "grace", g.cfg.ShutdownGrace.String())
	return g.server.Shutdown(ctx)
}
