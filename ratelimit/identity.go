package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// HeaderAPIKey identifies API callers
const HeaderAPIKey = "X-API-Key"

// KeyFunc extracts the caller identity of a request
type KeyFunc func(r *http.Request) string

/* IdentityFunc identifies callers by API key, then by the first
 * X-Forwarded-For hop when trustXFF is set, then by remote host.
 * API keys are hashed so raw keys never reach the counter store.
 */
func IdentityFunc(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
			return APIKeyIdentity(key)
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return "ip:" + ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return "ip:" + host
		}
		if r.RemoteAddr != "" {
			return "ip:" + r.RemoteAddr
		}
		return "ip:unknown"
	}
}

// APIKeyIdentity is the identity of an API key: a sha256 prefix
func APIKeyIdentity(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:8])
}
