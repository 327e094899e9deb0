package offlinecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/lifecycle"
	"github.com/ericselin/offline-cache/notify"
	"github.com/ericselin/offline-cache/origin"
	cachestatus "github.com/ericselin/offline-cache/pkg/cache-status"
	"github.com/ericselin/offline-cache/replay"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOrigin struct {
	offline  atomic.Bool
	syncCode atomic.Int32
	hits     atomic.Int32
	mux      *http.ServeMux
}

func newTestOrigin() *testOrigin {
	o := &testOrigin{mux: http.NewServeMux()}
	o.syncCode.Store(http.StatusOK)
	o.mux.HandleFunc("/api/library/sections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"sections":[]}`)
	})
	o.mux.HandleFunc("/api/sync/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(o.syncCode.Load()))
	})
	o.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "origin "+r.URL.Path)
	})
	return o
}

func (o *testOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	o.hits.Add(1)
	if o.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return origin.HandlerFetcher{Handler: o.mux}.Fetch(ctx, r)
}

func newTestWorker(t *testing.T, provider cache.Provider) (*Worker, *testOrigin) {
	t.Helper()
	o := newTestOrigin()
	logger := zerolog.Nop()
	originURL, _ := url.Parse("http://origin.test")
	if provider == nil {
		provider = cache.NewMemCache()
	}
	w := CreateWorker(Config{
		Provider:      provider,
		OriginURL:     *originURL,
		Network:       o,
		Version:       "v1",
		APIPrefix:     "/api/",
		Manifest:      []string{"/", "/static/app.js"},
		OfflinePage:   "/offline.html",
		FailurePage:   "/error.html",
		SkipWaiting:   true,
		Notifications: notify.DefaultDefaults(),
		Logger:        &logger,
	})
	t.Cleanup(func() { w.Shutdown(context.Background()) })
	return w, o
}

func install(t *testing.T, w *Worker) {
	t.Helper()
	require.NoError(t, w.Handle(InstallEvent{}).Wait(context.Background()))
	require.Equal(t, lifecycle.Active, w.lifecycle.State())
}

func get(t *testing.T, w *Worker, path string, header map[string]string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)
	return rr, rr.Body.String()
}

func TestPassthroughBeforeActivation(t *testing.T) {
	w, o := newTestWorker(t, nil)
	rr, body := get(t, w, "/api/library/sections", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"sections":[]}`, body)
	assert.Equal(t, "Offline-Cache; fwd=bypass", rr.Header().Get(cachestatus.HeaderName))

	o.offline.Store(true)
	rr, _ = get(t, w, "/api/library/sections", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestCacheFirstSectionsOffline(t *testing.T) {
	w, o := newTestWorker(t, nil)
	install(t, w)

	rr, body := get(t, w, "/api/library/sections", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"sections":[]}`, body)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", rr.Header().Get(cachestatus.HeaderName))

	o.offline.Store(true)
	rr, body = get(t, w, "/api/library/sections", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"sections":[]}`, body)
	assert.Equal(t, "Offline-Cache; hit", rr.Header().Get(cachestatus.HeaderName))
}

func TestNetworkFirstStatsOffline(t *testing.T) {
	w, o := newTestWorker(t, nil)
	install(t, w)
	o.offline.Store(true)

	rr, body := get(t, w, "/api/library/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &parsed))
	assert.Equal(t, "offline", parsed["error"])
	assert.NotEmpty(t, parsed["message"])
}

func TestStaticFallbackPages(t *testing.T) {
	w, o := newTestWorker(t, nil)
	install(t, w)
	o.offline.Store(true)
	var logs bytes.Buffer
	w.log = zerolog.New(&logs)

	rr, body := get(t, w, "/library", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "origin /offline.html", body)
	assert.Contains(t, logs.String(), "serving offline fallback")
	assert.Contains(t, logs.String(), `"url":"/library"`)

	_, body = get(t, w, "/static/other.js", nil)
	assert.Equal(t, "origin /error.html", body)

	// precached shell is served from the static store
	logs.Reset()
	_, body = get(t, w, "/static/app.js", nil)
	assert.Equal(t, "origin /static/app.js", body)
	assert.NotContains(t, logs.String(), "serving offline fallback")
}

func TestImagesUseImageStore(t *testing.T) {
	w, o := newTestWorker(t, nil)
	install(t, w)

	get(t, w, "/covers/42.jpg", nil)
	get(t, w, "/api/library/items/42/cover", map[string]string{"Sec-Fetch-Dest": "image"})
	before := o.hits.Load()

	_, body := get(t, w, "/covers/42.jpg", nil)
	assert.Equal(t, "origin /covers/42.jpg", body)
	assert.Equal(t, before, o.hits.Load())

	images, err := w.stores.Open("v1-images")
	require.NoError(t, err)
	keys, err := images.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestNonGetAndCrossOriginPassThrough(t *testing.T) {
	w, o := newTestWorker(t, nil)
	install(t, w)

	req := httptest.NewRequest(http.MethodPost, "/api/library/sections", nil)
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)
	assert.Equal(t, "Offline-Cache; fwd=method", rr.Header().Get(cachestatus.HeaderName))

	req = httptest.NewRequest(http.MethodGet, "http://cdn.other.test/lib.js", nil)
	rr = httptest.NewRecorder()
	w.ServeHTTP(rr, req)
	assert.Equal(t, "Offline-Cache; fwd=bypass", rr.Header().Get(cachestatus.HeaderName))

	o.offline.Store(true)
	rr = httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://cdn.other.test/lib.js", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestActivationRetainsCurrentStores(t *testing.T) {
	provider := cache.NewMemCache()
	for _, name := range []string{"v0-static", "v1-static", "v1-offline", "v1-images", "v1-api"} {
		require.NoError(t, provider.CreateStore(name))
	}
	w, _ := newTestWorker(t, provider)
	install(t, w)

	names, err := w.stores.Names()
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"v1-api", "v1-images", "v1-offline", "v1-static"}, names)
}

func TestSyncKeepsQueueOnFailure(t *testing.T) {
	w, o := newTestWorker(t, nil)
	install(t, w)
	ctx := context.Background()
	require.NoError(t, w.replay.Append(ctx, "favorites", json.RawMessage(`{"id":"42"}`)))

	o.syncCode.Store(http.StatusInternalServerError)
	err := w.Handle(SyncEvent{Tag: "sync-favorites"}).Wait(ctx)
	require.ErrorIs(t, err, replay.ErrRejected)
	status, err := w.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queues["favorites"])

	o.syncCode.Store(http.StatusOK)
	require.NoError(t, w.Handle(SyncEvent{Tag: "sync-favorites"}).Wait(ctx))
	status, err = w.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Queues["favorites"])
}

func TestPushAndClickWithoutData(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	ctx := context.Background()
	require.NoError(t, w.Handle(PushEvent{Data: []byte(`{"title":"New episode"}`)}).Wait(ctx))

	n := notify.ParsePush([]byte(`{"title":"New episode"}`), notify.DefaultDefaults())
	require.NoError(t, w.Handle(NotificationClickEvent{Action: notify.ActionView, Notification: n}).Wait(ctx))
	require.NoError(t, w.Handle(NotificationClickEvent{Action: notify.ActionDismiss, Notification: n}).Wait(ctx))
}

func TestClearCacheMessage(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	install(t, w)
	get(t, w, "/api/library/sections", nil)

	msg, err := ParseMessage([]byte(`{"type":"CLEAR_CACHE"}`))
	require.NoError(t, err)
	require.NoError(t, w.Handle(MessageEvent{Message: msg}).Wait(context.Background()))

	names, err := w.stores.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"SHARE_TARGET","payload":{"title":"Blink","url":"/items/3"}}`))
	require.NoError(t, err)
	share, ok := msg.(ShareTarget)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Blink","url":"/items/3"}`, string(share.Payload))

	_, err = ParseMessage([]byte(`{"type":"REGENERATE"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)
	_, err = ParseMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestEveryMessageTypeHasHandler(t *testing.T) {
	w, _ := newTestWorker(t, nil)
	for _, mt := range messageTypes {
		assert.NotNil(t, w.messages[mt], mt)
	}
}
