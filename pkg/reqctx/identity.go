package reqctx

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ClientClass groups identifiers for rate-limit rule selection.
type ClientClass string

const (
	// ClassAuthenticated is used when the request carries a credential.
	ClassAuthenticated ClientClass = "authenticated"

	// ClassAnonymous is used when the identifier is a source address.
	ClassAnonymous ClientClass = "anonymous"
)

// HeaderAPIKey is the alternative credential header.
const HeaderAPIKey = "X-API-Key"

// Identify derives the client identifier for r. An authenticated principal
// (bearer token or API key) wins over the source address. Credentials are
// hashed so they never reach logs or store keys in clear text.
func Identify(r *http.Request, trustForwardedFor bool) (string, ClientClass) {
	if token := credential(r); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "key:" + hex.EncodeToString(sum[:8]), ClassAuthenticated
	}
	return "ip:" + clientIP(r, trustForwardedFor), ClassAnonymous
}

func credential(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderAPIKey))
}

func clientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		// first hop is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// HasPathPrefix matches whole path segments: /api matches /api and /api/x
// but not /apix. The prefix "/" matches every path.
func HasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
