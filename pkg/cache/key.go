package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

// KeyPrefix namespaces all cache entries in the store.
const KeyPrefix = "cache"

// keyPathEscaper keeps ':' out of the path segment of a store key, so the
// separator before the hash is unambiguous.
var keyPathEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Method is the request method (only GET is cached)
	Method string

	// Path is the request path, normalized by NewKey
	Path string

	// Query are the query parameters
	Query url.Values

	// Body is the request body, hashed into the key
	Body []byte
}

// NewKey builds a key with a normalized path.
func NewKey(method, p string, query url.Values, body []byte) CacheKey {
	return CacheKey{
		Method: strings.ToUpper(method),
		Path:   NormalizePath(p),
		Query:  query,
		Body:   body,
	}
}

// KeyFor builds the key for a captured request.
func KeyFor(rc *reqctx.RequestContext) CacheKey {
	return NewKey(rc.Method, rc.Path, rc.Query, rc.Body)
}

// NormalizePath cleans dot segments and duplicate or trailing slashes.
//
// Example:
//
//	/resource//42/  -> /resource/42
//	resource/./42   -> /resource/42
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Hash returns the hex SHA-256 over method, path, sorted query and body hash.
func (k CacheKey) Hash() string {
	method := k.Method
	if method == "" {
		method = http.MethodGet
	}
	bodySum := sha256.Sum256(k.Body)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(NormalizePath(k.Path)))
	h.Write([]byte{'\n'})
	// Encode sorts by key
	h.Write([]byte(k.Query.Encode()))
	h.Write([]byte{'\n'})
	h.Write([]byte(hex.EncodeToString(bodySum[:])))
	return hex.EncodeToString(h.Sum(nil))
}

// String generates the deterministic store key.
// Format: cache:<escaped normalized path>:<hash>
//
// Example:
//
//	cache:/resource/42:3f1c...e9
//	cache:/files/a%3Ab:9d0e...41
func (k CacheKey) String() string {
	return KeyPrefix + ":" + keyPath(k.Path) + ":" + k.Hash()
}

func keyPath(p string) string {
	return keyPathEscaper.Replace(NormalizePath(p))
}

// InvalidationPrefixes returns the store key prefixes covering the entries
// of p and of every path below it.
func InvalidationPrefixes(p string) []string {
	p = keyPath(p)
	if p == "/" {
		return []string{KeyPrefix + ":/"}
	}
	return []string{
		KeyPrefix + ":" + p + ":",
		KeyPrefix + ":" + p + "/",
	}
}
