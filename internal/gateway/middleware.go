package gateway

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/edge-gateway/internal/proxy"
	"github.com/example/edge-gateway/internal/shared/httpx"
	"github.com/example/edge-gateway/internal/shared/validate"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the request id middleware put on the context.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRecovery converts panics anywhere below it into a 500 with the
// uniform body. Internal detail goes to the log, not the response.
func (g *Gateway) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("panic in request handler",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", RequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withRequestID assigns or propagates X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := validate.SanitizeHeader(r.Header.Get("X-Request-ID"), 64)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withObservedRequests logs each request and feeds the metrics collector
// once the response is written.
func (g *Gateway) withObservedRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		class := routeClass(r.URL.Path)
		g.metrics.Record(class, sw.status, elapsed)
		g.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
			"route_class", class,
			"request_id", RequestID(r.Context()),
			"remote", clientIP(r),
		)
	})
}

// routeClass groups paths into the rate-limit and metrics classes.
func routeClass(path string) string {
	switch {
	case proxy.UnderPrefix(path, "/api/gateway"):
		return "gateway"
	case proxy.UnderPrefix(path, "/api"):
		return "api"
	case proxy.UnderPrefix(path, "/auth"):
		return "auth"
	case path == "/health" || path == "/metrics":
		return "system"
	}
	return "other"
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
