package cache

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/resource/42", "/resource/42"},
		{"/resource/42/", "/resource/42"},
		{"/resource//42", "/resource/42"},
		{"resource/./42", "/resource/42"},
		{"/resource/41/../42", "/resource/42"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCacheKey_String(t *testing.T) {
	key := NewKey(http.MethodGet, "/resource/42/", nil, nil)
	s := key.String()

	if !strings.HasPrefix(s, "cache:/resource/42:") {
		t.Errorf("String() = %q, want prefix cache:/resource/42:", s)
	}
	if hash := strings.TrimPrefix(s, "cache:/resource/42:"); len(hash) != 64 {
		t.Errorf("hash %q has length %d, want 64", hash, len(hash))
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := NewKey("get", "/items", url.Values{"page": {"1"}, "order": {"asc"}}, nil)
	b := NewKey("GET", "/items/", url.Values{"order": {"asc"}, "page": {"1"}}, nil)

	if a.String() != b.String() {
		t.Errorf("equivalent requests produced different keys:\n%s\n%s", a, b)
	}
}

func TestCacheKey_Distinguishes(t *testing.T) {
	base := NewKey(http.MethodGet, "/items", url.Values{"page": {"1"}}, nil)

	tests := []struct {
		name string
		key  CacheKey
	}{
		{"method", NewKey(http.MethodHead, "/items", url.Values{"page": {"1"}}, nil)},
		{"path", NewKey(http.MethodGet, "/items/1", url.Values{"page": {"1"}}, nil)},
		{"query value", NewKey(http.MethodGet, "/items", url.Values{"page": {"2"}}, nil)},
		{"no query", NewKey(http.MethodGet, "/items", nil, nil)},
		{"body", NewKey(http.MethodGet, "/items", url.Values{"page": {"1"}}, []byte("x"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key.String() == base.String() {
				t.Errorf("key for differing %s collides with base", tt.name)
			}
		})
	}
}

func TestKeyFor(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://gw/items/?page=1", nil)
	_, rc := reqctx.Capture(r, reqctx.Options{})

	want := NewKey(http.MethodGet, "/items", url.Values{"page": {"1"}}, nil)
	if got := KeyFor(rc); got.String() != want.String() {
		t.Errorf("KeyFor() = %s, want %s", got, want)
	}
}

func TestInvalidationPrefixes(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/resource/42", []string{"cache:/resource/42:", "cache:/resource/42/"}},
		{"/resource/42/", []string{"cache:/resource/42:", "cache:/resource/42/"}},
		{"/", []string{"cache:/"}},
		{"/files/a:b", []string{"cache:/files/a%3Ab:", "cache:/files/a%3Ab/"}},
	}
	for _, tt := range tests {
		got := InvalidationPrefixes(tt.path)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("InvalidationPrefixes(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCacheKey_ColonInPath(t *testing.T) {
	colon := NewKey(http.MethodGet, "/a:b", nil, nil).String()
	if !strings.HasPrefix(colon, "cache:/a%3Ab:") {
		t.Errorf("String() = %q, want escaped path segment", colon)
	}
	for _, prefix := range InvalidationPrefixes("/a") {
		if strings.HasPrefix(colon, prefix) {
			t.Errorf("key %q for /a:b matches invalidation prefix %q of /a", colon, prefix)
		}
	}

	escaped := NewKey(http.MethodGet, "/a%3Ab", nil, nil).String()
	if escaped == colon {
		t.Errorf("literal %%3A and ':' produced the same key %q", colon)
	}
}
