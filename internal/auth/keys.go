package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58"

	"github.com/example/edge-gateway/internal/shared/validate"
)

const keyPayloadBytes = 20

// MintKey generates a fresh API key: the "egw_" prefix plus a base58
// payload of 20 random bytes.
func MintKey() (string, error) {
	payload := make([]byte, keyPayloadBytes)
	if _, err := rand.Read(payload); err != nil {
		return "", err
	}
	return validate.APIKeyPrefix + base58.Encode(payload), nil
}

// Fingerprint returns the SHA-256 hex digest of a credential. Raw keys are
// never used as cache or database keys.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SubjectForKey derives the identity subject for an API key from its
// fingerprint, so logs and metrics never see the key itself.
func SubjectForKey(key string) string {
	return "key_" + Fingerprint(key)[:12]
}

// DecodeVerifyKey parses a base64url-encoded Ed25519 public key used for
// EdDSA bearer-token verification.
func DecodeVerifyKey(enc string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid verify key size")
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeVerifyKey is the inverse of DecodeVerifyKey.
func EncodeVerifyKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// GenerateSigningKey creates an Ed25519 keypair for token signing. Used by
// tests and provisioning tooling.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}
