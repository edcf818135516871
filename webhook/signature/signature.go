package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// SecretPrefix marks generated subscription secrets
	SecretPrefix = "whsec_"

	// Algorithm is the identifier carried in front of every signature
	Algorithm = "sha256"

	// MinSecretBytes is the minimum recommended secret size (192 bits)
	MinSecretBytes = 24

	// MaxSecretBytes is the maximum recommended secret size (512 bits)
	MaxSecretBytes = 64
)

// GenerateSecret creates a new cryptographically secure signing secret
// between MinSecretBytes and MaxSecretBytes in size.
func GenerateSecret(size int) (string, error) {
	if size < MinSecretBytes || size > MaxSecretBytes {
		return "", fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}

	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return SecretPrefix + hex.EncodeToString(bytes), nil
}

// Sign returns "sha256=<hex hmac>" of payload keyed by secret
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return Algorithm + "=" + hex.EncodeToString(mac.Sum(nil))
}

// SignJSON signs the canonical JSON encoding of v.
// encoding/json sorts map keys and emits no insignificant whitespace.
func SignJSON(v any, secret string) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return Sign(body, secret), nil
}

// Verify recomputes the signature of payload and compares it to signature
// in constant time. Both sides are hashed first so that a length mismatch
// takes the same path as a content mismatch.
func Verify(payload []byte, signature, secret string) bool {
	expected := sha256.Sum256([]byte(Sign(payload, secret)))
	presented := sha256.Sum256([]byte(strings.TrimSpace(signature)))
	return subtle.ConstantTimeCompare(expected[:], presented[:]) == 1
}

// ParseHeader splits an "algorithm=digest" header value
func ParseHeader(header string) (string, string, error) {
	algorithm, digest, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || algorithm == "" || digest == "" {
		return "", "", fmt.Errorf("invalid signature format, expected 'algorithm=digest'")
	}
	if algorithm != Algorithm {
		return "", "", fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("decoding signature digest: %w", err)
	}
	return algorithm, digest, nil
}
