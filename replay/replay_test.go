package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/origin"
	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"
	serializer "github.com/ericselin/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	flusher  *Flusher
	provider cache.MemCache
	keyer    cachekey.CacheKeyer
	stores   *cache.Manager
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	originURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	provider := cache.NewMemCache()
	keyer := cachekey.NewCacheKeyer(srv.URL)
	stores := cache.NewManager(provider, keyer, zerolog.Nop())
	flusher := NewFlusher(Config{
		Stores:    stores,
		StoreName: "v1-offline",
		Keyer:     keyer,
		Network:   origin.NewClient(origin.Config{URL: *originURL, Logger: zerolog.Nop()}),
		Logger:    zerolog.Nop(),
	})
	return &testEnv{flusher: flusher, provider: provider, keyer: keyer, stores: stores}
}

func (env *testEnv) seed(t *testing.T, name, body string) {
	t.Helper()
	s, err := env.stores.Open("v1-offline")
	require.NoError(t, err)
	require.NoError(t, s.PutKey(QueueKey(env.keyer, name), serializer.StoredResponse{StatusCode: 200, Header: http.Header{}, Body: []byte(body)}))
}

func (env *testEnv) raw(t *testing.T, name string) ([]byte, bool) {
	t.Helper()
	b, ok, err := env.provider.Get("v1-offline", QueueKey(env.keyer, name))
	require.NoError(t, err)
	return b, ok
}

func TestFailedFlushKeepsQueue(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	env.seed(t, "favorites", `[{"id":"42"}]`)
	before, _ := env.raw(t, "favorites")

	err := env.flusher.Flush(context.Background(), "sync-favorites")
	require.ErrorIs(t, err, ErrRejected)

	after, ok := env.raw(t, "favorites")
	require.True(t, ok)
	assert.Equal(t, before, after)

	s, _ := env.stores.Open("v1-offline")
	entry, ok := s.MatchKey(QueueKey(env.keyer, "favorites"))
	require.True(t, ok)
	assert.Equal(t, `[{"id":"42"}]`, string(entry.Body))
}

func TestSuccessfulFlushClearsQueue(t *testing.T) {
	var received string
	var contentType string
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sync/view-tracking" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		b, _ := io.ReadAll(r.Body)
		received = string(b)
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	})
	env.seed(t, "view-tracking", `[{"item":1},{"item":2}]`)

	require.NoError(t, env.flusher.Flush(context.Background(), "sync-view-tracking"))
	assert.Equal(t, `[{"item":1},{"item":2}]`, received)
	assert.Equal(t, "application/json", contentType)

	_, ok := env.raw(t, "view-tracking")
	assert.False(t, ok)
}

func TestUnreachableOriginKeepsQueue(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	env.flusher.network = origin.FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	env.seed(t, "enrichment-requests", `[{"q":"tardis"}]`)
	before, _ := env.raw(t, "enrichment-requests")

	require.Error(t, env.flusher.Flush(context.Background(), "sync-enrichment-requests"))
	after, ok := env.raw(t, "enrichment-requests")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestNothingToFlush(t *testing.T) {
	calls := 0
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) { calls++ })

	require.NoError(t, env.flusher.Flush(context.Background(), "sync-favorites"))
	env.seed(t, "favorites", `[]`)
	require.NoError(t, env.flusher.Flush(context.Background(), "sync-favorites"))
	assert.Equal(t, 0, calls)
}

func TestCorruptQueueIsLeftInPlace(t *testing.T) {
	calls := 0
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) { calls++ })
	env.seed(t, "favorites", `{not json`)

	require.NoError(t, env.flusher.Flush(context.Background(), "sync-favorites"))
	assert.Equal(t, 0, calls)
	_, ok := env.raw(t, "favorites")
	assert.True(t, ok)
}

func TestUnknownTag(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.ErrorIs(t, env.flusher.Flush(context.Background(), "sync-nothing"), ErrUnknownTag)
	assert.ElementsMatch(t, []string{"sync-favorites", "sync-enrichment-requests", "sync-view-tracking"}, env.flusher.Tags())
}

func TestAppendAndPending(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	require.NoError(t, env.flusher.Append(ctx, "favorites", json.RawMessage(`{"id":"1"}`)))
	require.NoError(t, env.flusher.Append(ctx, "favorites", json.RawMessage(`{"id":"2"}`)))
	assert.ErrorIs(t, env.flusher.Append(ctx, "nope", json.RawMessage(`{}`)), ErrUnknownQueue)
	assert.Error(t, env.flusher.Append(ctx, "favorites", json.RawMessage(`{`)))

	pending, err := env.flusher.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"favorites": 2, "enrichment-requests": 0, "view-tracking": 0}, pending)

	s, _ := env.stores.Open("v1-offline")
	entry, ok := s.MatchKey(QueueKey(env.keyer, "favorites"))
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"1"},{"id":"2"}]`, string(entry.Body))
}

func TestAppendDuringFlushIsKept(t *testing.T) {
	var env *testEnv
	var posted string
	env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		posted = string(b)
		assert.NoError(t, env.flusher.Append(r.Context(), "favorites", json.RawMessage(`{"id":"43"}`)))
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()
	require.NoError(t, env.flusher.Append(ctx, "favorites", json.RawMessage(`{"id":"42"}`)))

	require.NoError(t, env.flusher.Flush(ctx, "sync-favorites"))
	assert.JSONEq(t, `[{"id":"42"}]`, posted)

	pending, err := env.flusher.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending["favorites"])
	s, _ := env.stores.Open("v1-offline")
	entry, ok := s.MatchKey(QueueKey(env.keyer, "favorites"))
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"43"}]`, string(entry.Body))
}
