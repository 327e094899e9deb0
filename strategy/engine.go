package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/origin"
	cachestatus "github.com/ericselin/offline-cache/pkg/cache-status"
	serializer "github.com/ericselin/offline-cache/pkg/response-serializer"
	"github.com/ericselin/offline-cache/task"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNoResponse is returned when neither the network, a store nor the fallback produced a response.
var ErrNoResponse = errors.New("no response")

// Fallback produces the offline response for a request, or nil if there is none.
type Fallback interface {
	Resolve(r *http.Request) *http.Response
}

// Outcome describes how a response was produced.
type Outcome struct {
	Status cachestatus.CacheStatus
	// Set if the response is the offline fallback.
	Fallback bool
}

type EngineConfig struct {
	Network  origin.Fetcher
	Fallback Fallback
	// Background refreshes are registered here.
	Tasks *task.Supervisor
	// Bounds every network attempt. Zero means no timeout.
	Timeout time.Duration
	// Coalesce concurrent fetches for the same store entry into one.
	// Without it duplicate fetches all run and the last store write wins.
	Coalesce bool
	Logger   zerolog.Logger
}

// Engine resolves requests against a store according to a strategy.
type Engine struct {
	network  origin.Fetcher
	fallback Fallback
	tasks    *task.Supervisor
	timeout  time.Duration
	coalesce bool
	group    singleflight.Group
	log      zerolog.Logger
}

func NewEngine(config EngineConfig) *Engine {
	tasks := config.Tasks
	if tasks == nil {
		tasks = task.NewSupervisor(config.Logger)
	}
	return &Engine{
		network:  config.Network,
		fallback: config.Fallback,
		tasks:    tasks,
		timeout:  config.Timeout,
		coalesce: config.Coalesce,
		log:      config.Logger.With().Str("component", "strategy").Logger(),
	}
}

// Resolve produces the response for r using the strategy and the store.
// An error is returned only if no response at all could be produced.
// The store is not used by NetworkOnly and may be nil for it.
func (e *Engine) Resolve(ctx context.Context, s Strategy, r *http.Request, store *cache.Store) (*http.Response, Outcome, error) {
	switch s {
	case CacheFirst:
		return e.cacheFirst(ctx, r, store)
	case NetworkFirst:
		return e.networkFirst(ctx, r, store)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, r, store)
	case NetworkOnly:
		return e.networkOnly(ctx, r)
	}
	return nil, Outcome{}, fmt.Errorf("unknown strategy %d", int(s))
}

func (e *Engine) cacheFirst(ctx context.Context, r *http.Request, store *cache.Store) (*http.Response, Outcome, error) {
	out := Outcome{}
	if sRes, ok := store.Match(r); ok {
		out.Status.Hit()
		return sRes.Response(r), out, nil
	}
	out.Status.Forward(cachestatus.FwdUriMiss)
	sRes, err := e.fetch(ctx, r, store)
	if err != nil {
		return e.offline(r, out)
	}
	out.Status.Stored = e.store(r, store, sRes)
	return sRes.Response(r), out, nil
}

func (e *Engine) networkFirst(ctx context.Context, r *http.Request, store *cache.Store) (*http.Response, Outcome, error) {
	out := Outcome{}
	sRes, err := e.fetch(ctx, r, store)
	if err == nil {
		out.Status.Forward(cachestatus.FwdRequest)
		out.Status.Stored = e.store(r, store, sRes)
		return sRes.Response(r), out, nil
	}
	if cached, ok := store.Match(r); ok {
		out.Status.Hit()
		out.Status.SetDetail("offline")
		return cached.Response(r), out, nil
	}
	out.Status.Forward(cachestatus.FwdUriMiss)
	return e.offline(r, out)
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request, store *cache.Store) (*http.Response, Outcome, error) {
	out := Outcome{}
	if cached, ok := store.Match(r); ok {
		out.Status.Hit()
		e.revalidate(r, store)
		return cached.Response(r), out, nil
	}
	out.Status.Forward(cachestatus.FwdUriMiss)
	sRes, err := e.fetch(ctx, r, store)
	if err != nil {
		return e.offline(r, out)
	}
	out.Status.Stored = e.store(r, store, sRes)
	return sRes.Response(r), out, nil
}

func (e *Engine) networkOnly(ctx context.Context, r *http.Request) (*http.Response, Outcome, error) {
	out := Outcome{}
	out.Status.Forward(cachestatus.FwdBypass)
	res, err := e.roundTrip(ctx, r)
	if err != nil {
		return nil, out, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return res, out, nil
}

// revalidate refreshes the stored entry in the background.
// Failures are logged and otherwise ignored.
func (e *Engine) revalidate(r *http.Request, store *cache.Store) {
	e.tasks.Go("revalidate", func(ctx context.Context) error {
		req := r.Clone(ctx)
		sRes, err := e.fetch(ctx, req, store)
		if err != nil {
			e.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Background refresh failed")
			return nil
		}
		e.store(req, store, sRes)
		return nil
	})
}

// offline returns the fallback response for r.
func (e *Engine) offline(r *http.Request, out Outcome) (*http.Response, Outcome, error) {
	out.Fallback = true
	out.Status.SetDetail("offline")
	if e.fallback == nil {
		return nil, out, ErrNoResponse
	}
	res := e.fallback.Resolve(r)
	if res == nil {
		return nil, out, ErrNoResponse
	}
	return res, out, nil
}

// store writes successful responses to the store and reports whether it did.
func (e *Engine) store(r *http.Request, store *cache.Store, sRes serializer.StoredResponse) bool {
	if !sRes.Success() {
		e.log.Trace().Int("status", sRes.StatusCode).Str("url", r.URL.String()).Msg("Not storing unsuccessful response")
		return false
	}
	if err := store.Put(r, sRes); err != nil {
		e.log.Error().Err(err).Str("store", store.Name()).Msg("Could not write to store")
		return false
	}
	return true
}

// fetch gets the complete response from the network.
// With coalescing enabled, concurrent fetches for the same entry share one network request.
func (e *Engine) fetch(ctx context.Context, r *http.Request, store *cache.Store) (serializer.StoredResponse, error) {
	if !e.coalesce {
		return e.fetchComplete(ctx, r)
	}
	key := store.Name() + "\x00" + store.Key(r)
	// the shared fetch outlives whichever caller started it; each caller still stops waiting on its own ctx
	shared := context.WithoutCancel(ctx)
	ch := e.group.DoChan(key, func() (interface{}, error) {
		return e.fetchComplete(shared, r.Clone(shared))
	})
	select {
	case <-ctx.Done():
		return serializer.StoredResponse{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			e.log.Trace().Str("key", key).Msg("Shared network fetch")
		}
		if res.Err != nil {
			return serializer.StoredResponse{}, res.Err
		}
		return res.Val.(serializer.StoredResponse), nil
	}
}

func (e *Engine) fetchComplete(ctx context.Context, r *http.Request) (serializer.StoredResponse, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	res, err := e.network.Fetch(ctx, r)
	if err != nil {
		return serializer.StoredResponse{}, err
	}
	return serializer.FromResponse(res)
}

// roundTrip fetches without reading the body, so streamed responses keep streaming.
// The timeout only bounds the wait for the response headers.
func (e *Engine) roundTrip(ctx context.Context, r *http.Request) (*http.Response, error) {
	if e.timeout <= 0 {
		return e.network.Fetch(ctx, r)
	}
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(e.timeout, cancel)
	res, err := e.network.Fetch(ctx, r)
	if err != nil {
		cancel()
		return nil, err
	}
	if !timer.Stop() {
		// the timer fired while the response arrived
		res.Body.Close()
		cancel()
		return nil, context.DeadlineExceeded
	}
	res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
