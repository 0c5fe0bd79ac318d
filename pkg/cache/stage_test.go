package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/ce-gateway/internal/testutil"
	"github.com/Sternrassler/ce-gateway/pkg/config"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

type cacheFixture struct {
	handler http.Handler
	backend *testutil.Backend
	mr      *miniredis.Miniredis
	clock   *fakeClock
}

func newCacheFixture(t *testing.T, opts ...StageOption) *cacheFixture {
	t.Helper()

	s, mr := testutil.NewStore(t)
	clock := newFakeClock()
	manager := NewManager(s, WithManagerClock(clock.Now))
	backend := testutil.NewBackend()
	stage := NewStage(manager, time.Minute, zerolog.Nop(), opts...)

	return &cacheFixture{
		handler: stage.Middleware(backend),
		backend: backend,
		mr:      mr,
		clock:   clock,
	}
}

func (f *cacheFixture) do(method, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestStage_MissThenHit(t *testing.T) {
	f := newCacheFixture(t)

	first := f.do(http.MethodGet, "/resource/42")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, Miss, first.Header().Get(HeaderCache))

	f.clock.Advance(10 * time.Second)
	second := f.do(http.MethodGet, "/resource/42")

	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, Hit, second.Header().Get(HeaderCache))
	assert.Equal(t, "10", second.Header().Get(HeaderAge))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, f.backend.Calls("/resource/42"), "handler must not run on a hit")
}

func TestStage_ExpiryTurnsHitIntoMiss(t *testing.T) {
	f := newCacheFixture(t)

	f.do(http.MethodGet, "/resource/42")
	f.clock.Advance(time.Minute)

	rec := f.do(http.MethodGet, "/resource/42")
	assert.Equal(t, Miss, rec.Header().Get(HeaderCache))
	assert.Equal(t, 2, f.backend.Calls("/resource/42"))
}

func TestStage_MutationInvalidates(t *testing.T) {
	f := newCacheFixture(t)

	f.do(http.MethodGet, "/resource/42")
	f.do(http.MethodGet, "/resource/42/comments")
	f.do(http.MethodGet, "/resource/420")
	require.Equal(t, Hit, f.do(http.MethodGet, "/resource/42").Header().Get(HeaderCache))

	post := f.do(http.MethodPost, "/resource/42")
	require.Equal(t, http.StatusCreated, post.Code)
	assert.Empty(t, post.Header().Get(HeaderCache))

	assert.Equal(t, Miss, f.do(http.MethodGet, "/resource/42").Header().Get(HeaderCache))
	assert.Equal(t, Miss, f.do(http.MethodGet, "/resource/42/comments").Header().Get(HeaderCache))
	assert.Equal(t, Hit, f.do(http.MethodGet, "/resource/420").Header().Get(HeaderCache))
}

func TestStage_FailedMutationKeepsEntries(t *testing.T) {
	f := newCacheFixture(t)
	f.backend.SetHandler("/resource/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusConflict)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	f.do(http.MethodGet, "/resource/42")
	f.do(http.MethodDelete, "/resource/42")

	assert.Equal(t, Hit, f.do(http.MethodGet, "/resource/42").Header().Get(HeaderCache))
}

func TestStage_MutationWithoutBodyInvalidates(t *testing.T) {
	f := newCacheFixture(t)
	f.backend.SetHandler("/resource/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("ok"))
		}
	})

	f.do(http.MethodGet, "/resource/42")
	f.do(http.MethodPut, "/resource/42")

	assert.Equal(t, Miss, f.do(http.MethodGet, "/resource/42").Header().Get(HeaderCache))
}

func TestStage_QueryIsPartOfKey(t *testing.T) {
	f := newCacheFixture(t)

	f.do(http.MethodGet, "/items?page=1")
	assert.Equal(t, Miss, f.do(http.MethodGet, "/items?page=2").Header().Get(HeaderCache))
	assert.Equal(t, Hit, f.do(http.MethodGet, "/items?page=1").Header().Get(HeaderCache))
}

func TestStage_ErrorResponsesAreNotCached(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.BackendResponse
	}{
		{"not found", testutil.NewNotFoundResponse()},
		{"server error", testutil.NewServerErrorResponse()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCacheFixture(t)
			f.backend.SetResponse("/broken", tt.resp)

			f.do(http.MethodGet, "/broken")
			rec := f.do(http.MethodGet, "/broken")

			assert.Equal(t, tt.resp.StatusCode, rec.Code)
			assert.Equal(t, Miss, rec.Header().Get(HeaderCache))
			assert.Equal(t, 2, f.backend.Calls("/broken"))
			assert.Empty(t, f.mr.Keys())
		})
	}
}

func TestStage_NoStoreRequestBypasses(t *testing.T) {
	f := newCacheFixture(t)

	f.do(http.MethodGet, "/resource/42", "Cache-Control", "no-cache, no-store")
	assert.Empty(t, f.mr.Keys())

	f.do(http.MethodGet, "/resource/42")
	rec := f.do(http.MethodGet, "/resource/42", "Cache-Control", "no-store")
	assert.Equal(t, Miss, rec.Header().Get(HeaderCache))
	assert.Equal(t, 3, f.backend.Calls("/resource/42"))
}

func TestStage_PrivateResponsesAreNotStored(t *testing.T) {
	f := newCacheFixture(t)
	f.backend.SetResponse("/me", testutil.BackendResponse{
		StatusCode: http.StatusOK,
		Body:       `{"name":"pilot"}`,
		Headers:    map[string]string{"Cache-Control": "private, max-age=0"},
	})

	f.do(http.MethodGet, "/me")
	assert.Empty(t, f.mr.Keys())
}

func TestStage_LargeBodiesAreNotStored(t *testing.T) {
	f := newCacheFixture(t, WithMaxBodyBytes(8))
	f.backend.SetResponse("/small", testutil.NewJSONResponse(`{"a":1}`))
	f.backend.SetResponse("/large", testutil.NewJSONResponse(`{"a":"0123456789"}`))

	f.do(http.MethodGet, "/small")
	rec := f.do(http.MethodGet, "/large")

	assert.Equal(t, `{"a":"0123456789"}`, rec.Body.String(), "response is passed through unchanged")
	assert.Len(t, f.mr.Keys(), 1)
	assert.Equal(t, Hit, f.do(http.MethodGet, "/small").Header().Get(HeaderCache))
}

func TestStage_TruncatedRequestBodyBypasses(t *testing.T) {
	f := newCacheFixture(t)
	f.backend.SetHandler("/search", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	})
	// capture keeps at most 8 body bytes, as the pipeline entry would
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _ = reqctx.Capture(r, reqctx.Options{MaxBodyBytes: 8})
		f.handler.ServeHTTP(w, r)
	})
	search := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search", strings.NewReader(body)))
		return rec
	}

	first := search("AAAAAAAA-first-query")
	assert.Equal(t, Miss, first.Header().Get(HeaderCache))
	assert.Equal(t, "AAAAAAAA-first-query", first.Body.String())

	second := search("AAAAAAAA-second-query")
	assert.Equal(t, Miss, second.Header().Get(HeaderCache))
	assert.Equal(t, "AAAAAAAA-second-query", second.Body.String())
	assert.Empty(t, f.mr.Keys())

	search("short")
	assert.Equal(t, Hit, search("short").Header().Get(HeaderCache), "bodies within the limit stay cacheable")
	assert.Equal(t, 3, f.backend.Calls("/search"))
}

func TestStage_UnreplayableResponsesAreNotStored(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		stored bool
	}{
		{name: "gzip encoded", header: map[string]string{"Content-Encoding": "gzip"}},
		{name: "varies on authorization", header: map[string]string{"Vary": "Accept-Encoding, Authorization"}},
		{name: "varies on everything", header: map[string]string{"Vary": "*"}},
		{name: "identity encoding", header: map[string]string{"Content-Encoding": "identity"}, stored: true},
		{name: "varies on accept-encoding", header: map[string]string{"Vary": "Accept-Encoding"}, stored: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCacheFixture(t)
			f.backend.SetResponse("/asset", testutil.BackendResponse{
				StatusCode: http.StatusOK,
				Body:       "\x1f\x8b\x08\x00",
				Headers:    tt.header,
			})

			first := f.do(http.MethodGet, "/asset")
			for k, v := range tt.header {
				assert.Equal(t, v, first.Header().Get(k), "miss passes the response through")
			}

			second := f.do(http.MethodGet, "/asset")
			if tt.stored {
				assert.Equal(t, Hit, second.Header().Get(HeaderCache))
				assert.Len(t, f.mr.Keys(), 1)
				return
			}
			assert.Equal(t, Miss, second.Header().Get(HeaderCache))
			assert.Equal(t, tt.header["Content-Encoding"], second.Header().Get("Content-Encoding"))
			assert.Empty(t, f.mr.Keys())
			assert.Equal(t, 2, f.backend.Calls("/asset"))
		})
	}
}

func TestStage_RouteTTL(t *testing.T) {
	f := newCacheFixture(t, WithRouteTTLs(map[string]time.Duration{
		"/prices":      10 * time.Second,
		"/prices/live": 0,
	}))

	f.do(http.MethodGet, "/prices/tritanium")
	f.clock.Advance(10 * time.Second)
	assert.Equal(t, Miss, f.do(http.MethodGet, "/prices/tritanium").Header().Get(HeaderCache))

	rec := f.do(http.MethodGet, "/prices/live/jita")
	assert.Empty(t, rec.Header().Get(HeaderCache), "caching disabled below /prices/live")
	f.do(http.MethodGet, "/prices/live/jita")
	assert.Equal(t, 2, f.backend.Calls("/prices/live/jita"))
}

func TestStage_OtherMethodsPassThrough(t *testing.T) {
	f := newCacheFixture(t)

	rec := f.do(http.MethodOptions, "/resource/42")
	assert.Empty(t, rec.Header().Get(HeaderCache))
	assert.Empty(t, f.mr.Keys())
}

func TestStage_StoreUnavailableFailsOpen(t *testing.T) {
	f := newCacheFixture(t)
	f.mr.Close()

	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodGet, "/resource/42")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEqual(t, Hit, rec.Header().Get(HeaderCache))
	}
	assert.Equal(t, 3, f.backend.Calls("/resource/42"))

	rec := f.do(http.MethodPost, "/resource/42")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestStage_HandlerPanicPropagates(t *testing.T) {
	f := newCacheFixture(t)
	f.backend.SetPanic("/explode", "boom")

	assert.PanicsWithValue(t, "boom", func() {
		f.do(http.MethodGet, "/explode")
	})
	assert.Empty(t, f.mr.Keys())
}

func TestStage_SingleFlight(t *testing.T) {
	f := newCacheFixture(t, WithSingleFlight())

	release := make(chan struct{})
	f.backend.SetHandler("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("shared"))
	})

	const callers = 8
	results := make([]*httptest.ResponseRecorder, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.do(http.MethodGet, "/slow")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.backend.Calls("/slow"))
	for _, rec := range results {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "shared", rec.Body.String())
		assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	}
	assert.Equal(t, Hit, f.do(http.MethodGet, "/slow").Header().Get(HeaderCache))
}

func TestStage_SingleFlightPanicPropagates(t *testing.T) {
	f := newCacheFixture(t, WithSingleFlight())
	f.backend.SetPanic("/explode", "boom")

	assert.PanicsWithValue(t, "boom", func() {
		f.do(http.MethodGet, "/explode")
	})
}

func TestStage_TTLFor(t *testing.T) {
	stage := NewStage(nil, 0, zerolog.Nop(), WithRouteTTLs(map[string]time.Duration{
		"/prices":      30 * time.Second,
		"/prices/live": 0,
	}))

	tests := []struct {
		path string
		want time.Duration
	}{
		{"/items", DefaultTTL},
		{"/prices", 30 * time.Second},
		{"/prices/tritanium", 30 * time.Second},
		{"/prices/live", 0},
		{"/pricesx", DefaultTTL},
	}
	for _, tt := range tests {
		if got := stage.TTLFor(tt.path); got != tt.want {
			t.Errorf("TTLFor(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestNewStageFromConfig(t *testing.T) {
	stage := NewStageFromConfig(nil, config.CacheConfig{
		Enabled:           true,
		DefaultTTLSeconds: 120,
		MaxBodyBytes:      512,
		SingleFlight:      true,
		Routes:            map[string]int{"/prices": 15},
	}, zerolog.Nop())

	assert.Equal(t, 2*time.Minute, stage.TTLFor("/items"))
	assert.Equal(t, 15*time.Second, stage.TTLFor("/prices/x"))
	assert.Equal(t, 512, stage.maxBody)
	assert.NotNil(t, stage.group)
}

func TestReplayable(t *testing.T) {
	assert.True(t, replayable(http.Header{}))
	assert.True(t, replayable(http.Header{"Content-Encoding": {"Identity"}}))
	assert.False(t, replayable(http.Header{"Content-Encoding": {"br"}}))
	assert.False(t, replayable(http.Header{"Vary": {"Accept-Encoding", "Cookie"}}))
}

func TestHasDirective(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "max-age=0, No-Store")

	assert.True(t, hasDirective(h, "no-store"))
	assert.False(t, hasDirective(h, "private"))
	assert.False(t, hasDirective(http.Header{}, "no-store"))
}
