// Package auth validates request credentials (API keys and bearer tokens)
// and caches verdicts to bound repeated validation cost.
package auth

import "errors"

// Method says how a request authenticated.
type Method string

const (
	MethodAPIKey Method = "API_KEY"
	MethodBearer Method = "BEARER_TOKEN"
)

// Identity is the result of successful authentication. It lives for one
// request and is never persisted.
type Identity struct {
	Subject string
	Method  Method
	Scopes  []string
}

var (
	// ErrMissingCredentials: neither API key nor bearer token present.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidCredentials covers every validation failure. Which
	// sub-check failed is audit-logged, never returned to the client.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrStoreUnavailable: the verdict cache or key store is unreachable.
	// Callers fail closed on it.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)
