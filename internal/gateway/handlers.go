package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/example/edge-gateway/internal/auth"
	"github.com/example/edge-gateway/internal/config"
	"github.com/example/edge-gateway/internal/proxy"
	"github.com/example/edge-gateway/internal/ratelimit"
	"github.com/example/edge-gateway/internal/shared/httpx"
	"github.com/example/edge-gateway/internal/shared/validate"
)

// handle runs the request pipeline. Stage order is fixed: security
// headers/CORS, global rate limit, route-class rate limit, credential
// validation, dispatch. The first failing stage writes the response.
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request, promHandler http.Handler) {
	setSecurityHeaders(w)

	if done := g.applyCORS(w, r); done {
		return
	}

	// Operator endpoints bypass rate limiting and auth.
	switch r.URL.Path {
	case "/health":
		g.handleHealth(w, r)
		return
	case "/metrics":
		promHandler.ServeHTTP(w, r)
		return
	}

	if done := g.applyRateLimits(w, r); done {
		return
	}

	var ident auth.Identity
	if !isPublic(r.URL.Path) {
		var err error
		ident, err = g.validator.Validate(r.Context(), r)
		if err != nil {
			g.writeAuthError(w, r, err)
			return
		}
	}

	if proxy.UnderPrefix(r.URL.Path, "/api/gateway") {
		g.handleAdmin(w, r)
		return
	}

	g.handleProxy(w, r, ident)
}

// isPublic marks routes that skip credential validation. The /auth
// surface is the login path; it stays behind the tighter auth-class
// rate budget instead.
func isPublic(path string) bool {
	return proxy.UnderPrefix(path, "/auth")
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
}

// applyCORS handles the allow-list and preflight. Returns true when the
// response is already written.
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	if validate.Origin(origin, g.cfg.CORSAllowOrigins) != nil {
		if r.Method == http.MethodOptions {
			httpx.WriteError(w, http.StatusForbidden, "forbidden", "Origin not allowed")
			return true
		}
		// Non-preflight requests from unknown origins proceed without
		// CORS headers; the browser enforces the block.
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

type limitStage struct {
	scope ratelimit.Scope
	key   string
}

// applyRateLimits runs the applicable scopes in order: global first, then
// the route class. The first rejection short-circuits. Store failures fail
// closed as internal errors.
func (g *Gateway) applyRateLimits(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	stages := []limitStage{{g.globalScope, ip}}
	switch {
	case proxy.UnderPrefix(r.URL.Path, "/auth"):
		stages = append(stages, limitStage{g.authScope, ip + ":auth"})
	case proxy.UnderPrefix(r.URL.Path, "/api"):
		stages = append(stages, limitStage{g.apiScope, ip + ":api"})
	}

	for _, st := range stages {
		dec, err := g.limiter.Check(r.Context(), st.scope, st.key)
		if err != nil {
			g.internalError(w, r, err)
			return true
		}
		if !dec.Allowed {
			httpx.WriteRateLimited(w, dec.RetryAfter)
			return true
		}
	}
	return false
}

func (g *Gateway) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
	case errors.Is(err, auth.ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials")
	default:
		// Store connectivity failures fail closed.
		g.internalError(w, r, err)
	}
}

func (g *Gateway) internalError(w http.ResponseWriter, r *http.Request, err error) {
	g.logger.Error("request failed",
		"path", r.URL.Path,
		"request_id", RequestID(r.Context()),
		"error", err,
	)
	httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(g.Uptime().Seconds()),
		"version":        config.Version,
	})
}

func (g *Gateway) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported")
		return
	}

	switch r.URL.Path {
	case "/api/gateway/rate-limits":
		g.handleRateLimits(w, r)
	case "/api/gateway/services":
		g.handleServices(w, r)
	case "/api/gateway/metrics":
		httpx.WriteJSON(w, http.StatusOK, g.metrics.Snapshot())
	default:
		httpx.WriteError(w, http.StatusNotFound, "not_found", "No such gateway endpoint")
	}
}

type scopeView struct {
	Name        string `json:"name"`
	MaxRequests int64  `json:"max_requests"`
	WindowMS    int64  `json:"window_ms"`
}

func (g *Gateway) handleRateLimits(w http.ResponseWriter, _ *http.Request) {
	views := make([]scopeView, 0, 3)
	for _, s := range []ratelimit.Scope{g.globalScope, g.apiScope, g.authScope} {
		views = append(views, scopeView{
			Name:        s.Name,
			MaxRequests: s.MaxRequests,
			WindowMS:    s.Window.Milliseconds(),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"scopes": views})
}

// handleServices probes every upstream health URL in parallel. Individual
// failures are reported per service, never fatal to the response.
func (g *Gateway) handleServices(w http.ResponseWriter, r *http.Request) {
	report := g.health.Check(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    report.Status,
		"services":  report.Components,
		"timestamp": report.Timestamp.Format(time.RFC3339),
	})
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	rt, ok := g.proxy.Match(r.URL.Path)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "No route for path")
		return
	}

	if ident.Subject != "" {
		// Upstreams trust the gateway's identity header, never the client's.
		r.Header.Set("X-Gateway-Subject", ident.Subject)
	} else {
		r.Header.Del("X-Gateway-Subject")
	}

	resp, err := g.proxy.Forward(r, rt)
	if err != nil {
		httpx.WriteError(w, http.StatusBadGateway, "Service temporarily unavailable", "The upstream service could not be reached")
		return
	}
	if err := proxy.WriteResponse(w, resp); err != nil {
		g.logger.Warn("response copy interrupted",
			"upstream", rt.Name,
			"request_id", RequestID(r.Context()),
			"error", err,
		)
	}
}
