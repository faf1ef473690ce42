package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/edge-gateway/internal/shared/cache"
	"github.com/example/edge-gateway/internal/shared/validate"
)

// Request headers the validator consumes.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

// KeyChecker is the authoritative API-key check behind the verdict cache.
type KeyChecker interface {
	CheckKey(ctx context.Context, key string) (bool, error)
}

// FormatChecker validates keys by format alone. It is the default when no
// credential store is configured.
type FormatChecker struct{}

func (FormatChecker) CheckKey(_ context.Context, key string) (bool, error) {
	return validate.APIKeyFormat(key) == nil, nil
}

// TokenClaims are the bearer-token claims the gateway cares about.
type TokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Config holds validator settings. Exactly one of HMACSecret / VerifyKey
// drives bearer-token verification.
type Config struct {
	HMACSecret []byte
	VerifyKey  ed25519.PublicKey
	CacheTTL   time.Duration
}

// Validator authenticates requests. API-key verdicts go through the
// cache-aside verdict cache; bearer tokens are verified on every request.
type Validator struct {
	keys  KeyChecker
	cache *cache.VerdictCache
	cfg   Config
	audit *slog.Logger
}

func NewValidator(keys KeyChecker, vc *cache.VerdictCache, cfg Config, audit *slog.Logger) *Validator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	return &Validator{keys: keys, cache: vc, cfg: cfg, audit: audit}
}

// Validate authenticates the request. It prefers the API-key header and
// falls back to a bearer token. Failures map to ErrMissingCredentials,
// ErrInvalidCredentials, or ErrStoreUnavailable.
func (v *Validator) Validate(ctx context.Context, r *http.Request) (Identity, error) {
	apiKey := r.Header.Get(HeaderAPIKey)
	authz := r.Header.Get(HeaderAuthorization)

	switch {
	case apiKey != "":
		return v.validateAPIKey(ctx, apiKey)
	case authz != "":
		return v.validateBearer(authz)
	default:
		return Identity{}, ErrMissingCredentials
	}
}

func (v *Validator) validateAPIKey(ctx context.Context, key string) (Identity, error) {
	fp := Fingerprint(key)

	verdict, found, err := v.cache.Get(ctx, fp)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !found {
		ok, err := v.keys.CheckKey(ctx, key)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		verdict = cache.Verdict{Valid: ok}
		if ok {
			verdict.Subject = SubjectForKey(key)
		}
		// Cache both outcomes; negative entries bound invalid-key probing.
		if err := v.cache.Set(ctx, fp, verdict, v.cfg.CacheTTL); err != nil {
			v.audit.Warn("verdict cache write failed", "error", err)
		}
	}

	if !verdict.Valid {
		v.audit.Info("credential rejected", "method", MethodAPIKey, "reason", "key check failed", "fingerprint", fp[:12])
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Subject: verdict.Subject, Method: MethodAPIKey, Scopes: verdict.Scopes}, nil
}

func (v *Validator) validateBearer(authz string) (Identity, error) {
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		v.audit.Info("credential rejected", "method", MethodBearer, "reason", "malformed authorization header")
		return Identity{}, ErrInvalidCredentials
	}

	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyfunc, jwt.WithValidMethods(v.validMethods()))
	if err != nil {
		// The reason stays in the audit log; the response says only "invalid".
		v.audit.Info("credential rejected", "method", MethodBearer, "reason", err.Error())
		return Identity{}, ErrInvalidCredentials
	}
	if claims.Subject == "" {
		v.audit.Info("credential rejected", "method", MethodBearer, "reason", "empty subject claim")
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Subject: claims.Subject, Method: MethodBearer, Scopes: claims.Scopes}, nil
}

func (v *Validator) keyfunc(_ *jwt.Token) (interface{}, error) {
	if v.cfg.VerifyKey != nil {
		return v.cfg.VerifyKey, nil
	}
	return v.cfg.HMACSecret, nil
}

func (v *Validator) validMethods() []string {
	if v.cfg.VerifyKey != nil {
		return []string{jwt.SigningMethodEdDSA.Alg()}
	}
	return []string{jwt.SigningMethodHS256.Alg()}
}
