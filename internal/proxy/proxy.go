// Package proxy maps inbound path prefixes to upstream services and
// forwards requests. Upstream statuses pass through unchanged; transport
// failures surface as *Error and become 502s at the orchestrator. No
// retries, no circuit breaking: each request attempts its upstream once.
package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/example/edge-gateway/internal/config"
)

// Error is a transport-level upstream failure (connection refused, timeout,
// DNS). Upstream-returned status codes are not errors.
type Error struct {
	Upstream string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Upstream, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Hop-by-hop headers are stripped in both directions.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Proxy holds the immutable route table and one HTTP client per route so
// each upstream gets its own hard deadline.
type Proxy struct {
	routes  []config.UpstreamRoute
	clients map[string]*http.Client
	logger  *slog.Logger
}

// New builds the proxy. Routes keep configuration order; the shared
// transport reuses connections across routes.
func New(routes []config.UpstreamRoute, transport http.RoundTripper, logger *slog.Logger) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	clients := make(map[string]*http.Client, len(routes))
	for _, rt := range routes {
		clients[rt.Name] = &http.Client{
			Transport: transport,
			Timeout:   rt.RequestTimeout,
			// Redirects pass through to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Proxy{routes: routes, clients: clients, logger: logger}
}

// Match resolves a path to its route: longest matching prefix wins, ties
// broken by configuration order. Prefixes match on segment boundaries, so
// "/auth" covers "/auth" and "/auth/login" but never "/authX".
func (p *Proxy) Match(path string) (*config.UpstreamRoute, bool) {
	var best *config.UpstreamRoute
	for i := range p.routes {
		rt := &p.routes[i]
		if !UnderPrefix(path, rt.PathPrefix) {
			continue
		}
		if best == nil || len(rt.PathPrefix) > len(best.PathPrefix) {
			best = rt
		}
	}
	return best, best != nil
}

// UnderPrefix reports whether path sits at or below prefix on a path
// segment boundary.
func UnderPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// Forward sends the request to the route's upstream and returns the
// upstream response with its body still open; callers stream it out via
// WriteResponse. The outbound request carries the inbound context, so a
// client disconnect cancels the in-flight upstream call.
func (p *Proxy) Forward(r *http.Request, rt *config.UpstreamRoute) (*http.Response, error) {
	target := rt.TargetBaseURL + rewritePath(r.URL.Path, rt)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, &Error{Upstream: rt.Name, Err: err}
	}
	out.ContentLength = r.ContentLength

	copyHeaders(out.Header, r.Header)
	setForwardedFor(out, r)

	resp, err := p.clients[rt.Name].Do(out)
	if err != nil {
		p.logger.Warn("upstream request failed", "upstream", rt.Name, "target", target, "error", err)
		return nil, &Error{Upstream: rt.Name, Err: err}
	}
	return resp, nil
}

// WriteResponse streams an upstream response to the client, dropping
// hop-by-hop headers, and closes the body.
func WriteResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	for name, values := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

// rewritePath substitutes the route's rewrite prefix for the matched one.
func rewritePath(path string, rt *config.UpstreamRoute) string {
	return rt.RewritePrefix + strings.TrimPrefix(path, rt.PathPrefix)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop[canonical] || canonical == "Host" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func setForwardedFor(out, in *http.Request) {
	ip := in.RemoteAddr
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		ip = host
	}
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		ip = prior + ", " + ip
	}
	out.Header.Set("X-Forwarded-For", ip)
}
