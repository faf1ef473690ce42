// Package validate holds input validation for credentials and headers.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

var (
	ErrInvalidAPIKey = errors.New("invalid API key format")
	ErrInvalidOrigin = errors.New("invalid origin")
)

// API keys look like "egw_<base58 payload>"; the payload decodes to at
// least 20 random bytes. The format check is the stand-in for a credential
// store lookup when no store is configured.
const (
	APIKeyPrefix      = "egw_"
	minKeyPayloadSize = 20
)

// APIKeyFormat checks prefix, alphabet, and decoded payload length.
func APIKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return ErrInvalidAPIKey
	}
	payload := strings.TrimPrefix(key, APIKeyPrefix)
	if payload == "" {
		return ErrInvalidAPIKey
	}
	raw, err := base58.Decode(payload)
	if err != nil {
		return fmt.Errorf("%w: payload is not base58", ErrInvalidAPIKey)
	}
	if len(raw) < minKeyPayloadSize {
		return fmt.Errorf("%w: payload too short", ErrInvalidAPIKey)
	}
	return nil
}

// Origin checks a CORS Origin header value against the allow-list.
// A single "*" entry allows everything.
func Origin(origin string, allowed []string) error {
	if origin == "" {
		return ErrInvalidOrigin
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return nil
		}
	}
	return ErrInvalidOrigin
}

// SanitizeHeader strips control characters and truncates to maxLen.
// Header values flow into logs; this keeps log injection out.
func SanitizeHeader(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
