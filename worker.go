package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/clients"
	"github.com/ericselin/offline-cache/connectivity"
	"github.com/ericselin/offline-cache/fallback"
	"github.com/ericselin/offline-cache/lifecycle"
	"github.com/ericselin/offline-cache/notify"
	"github.com/ericselin/offline-cache/origin"
	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"
	cachestatus "github.com/ericselin/offline-cache/pkg/cache-status"
	"github.com/ericselin/offline-cache/replay"
	"github.com/ericselin/offline-cache/strategy"
	"github.com/ericselin/offline-cache/task"

	"github.com/rs/zerolog"
)

type Config struct {
	// Storage for the stores. In-memory if nil.
	Provider cache.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Network to use instead of HTTP requests to the origin,
	// e.g. origin.HandlerFetcher when used as middleware.
	Network origin.Fetcher
	// Store generation. Stores of other versions are deleted on activation.
	Version string
	// Requests under this prefix are API requests.
	APIPrefix string
	// Strategy bindings, the default bindings if nil.
	Routes         []strategy.Binding
	Manifest       []string
	OfflinePage    string
	FailurePage    string
	OfflineMessage string
	// Replay queues, the default queues if nil.
	Queues        []replay.Queue
	Notifications notify.Defaults
	// Bounds every network attempt. Zero means no timeout.
	NetworkTimeout time.Duration
	Coalesce       bool
	// Activate right after install.
	SkipWaiting bool
	// Origin probing, disabled if the interval is zero.
	ProbePath     string
	ProbeInterval time.Duration
	// Opens pages when no view is connected.
	Opener clients.Opener
	// Logger to use. A console logger is created if nil.
	Logger *zerolog.Logger
}

// Worker intercepts requests and handles lifecycle, sync, push and message events.
type Worker struct {
	originURL url.URL
	apiPrefix string
	network   origin.Fetcher
	keyer     cachekey.CacheKeyer
	stores    *cache.Manager
	names     lifecycle.Names
	router    strategy.Router
	engine    *strategy.Engine
	lifecycle *lifecycle.Manager
	replay    *replay.Flusher
	notify    *notify.Dispatcher
	hub       *clients.Hub
	monitor   *connectivity.Monitor
	tasks     *task.Supervisor
	messages  messageHandlers
	log       zerolog.Logger
}

// CreateWorker wires up a worker. Nothing is fetched or stored until
// the install event is handled.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	provider := config.Provider
	if provider == nil {
		provider = cache.NewMemCache()
	}
	network := config.Network
	if network == nil {
		network = origin.NewClient(origin.Config{
			URL:    config.OriginURL,
			Host:   config.OriginHost,
			Logger: logger,
		})
	}
	version := config.Version
	if version == "" {
		version = "v1"
	}
	routes := config.Routes
	if routes == nil {
		routes = strategy.DefaultBindings()
	}

	w := &Worker{
		originURL: config.OriginURL,
		apiPrefix: config.APIPrefix,
		network:   network,
		keyer:     cachekey.NewCacheKeyer(config.OriginURL.String()),
		names:     lifecycle.StoreNames(version),
		router:    strategy.NewRouter(routes),
		tasks:     task.NewSupervisor(logger),
		log:       logger,
	}
	w.stores = cache.NewManager(provider, w.keyer, logger)
	w.hub = clients.NewHub(clients.Config{Opener: config.Opener, Logger: logger})
	fallbacks := fallback.NewResolver(fallback.Config{
		Stores:      w.stores,
		StoreName:   w.names.Offline,
		APIPrefix:   config.APIPrefix,
		OfflinePage: config.OfflinePage,
		FailurePage: config.FailurePage,
		Message:     config.OfflineMessage,
		Logger:      logger,
	})
	w.engine = strategy.NewEngine(strategy.EngineConfig{
		Network:  network,
		Fallback: fallbacks,
		Tasks:    w.tasks,
		Timeout:  config.NetworkTimeout,
		Coalesce: config.Coalesce,
		Logger:   logger,
	})
	w.lifecycle = lifecycle.NewManager(lifecycle.Config{
		Version:     version,
		Stores:      w.stores,
		Network:     network,
		Manifest:    config.Manifest,
		OfflinePage: config.OfflinePage,
		FailurePage: config.FailurePage,
		SkipWaiting: config.SkipWaiting,
		Claimer:     w.hub,
		Logger:      logger,
	})
	w.replay = replay.NewFlusher(replay.Config{
		Stores:    w.stores,
		StoreName: w.names.Offline,
		Keyer:     w.keyer,
		Network:   network,
		Queues:    config.Queues,
		Logger:    logger,
	})
	w.notify = notify.NewDispatcher(notify.Config{
		Displayer: notify.DisplayFunc(w.displayNotification),
		Views:     w.hub,
		Defaults:  config.Notifications,
		Logger:    logger,
	})
	if config.ProbeInterval > 0 {
		w.monitor = connectivity.NewMonitor(connectivity.Config{
			Network:   network,
			ProbePath: config.ProbePath,
			Interval:  config.ProbeInterval,
			Tags:      w.replay.Tags(),
			Trigger: func(ctx context.Context, tag string) error {
				return w.Handle(SyncEvent{Tag: tag}).Wait(ctx)
			},
			Logger: logger,
		})
	}
	w.messages = w.messageHandlers()
	return w
}

// Run runs the background processes until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w.monitor == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.monitor.Run(ctx)
}

// Shutdown waits for all registered work to settle and closes the stores.
// Work still running when ctx is done is cancelled.
func (w *Worker) Shutdown(ctx context.Context) error {
	err := w.tasks.Shutdown(ctx)
	w.lifecycle.Terminate()
	return errors.Join(err, w.stores.Close())
}

// Hub returns the registry of connected views.
func (w *Worker) Hub() *clients.Hub {
	return w.hub
}

// Replay returns the replay queue flusher.
func (w *Worker) Replay() *replay.Flusher {
	return w.replay
}

// Stores returns the store manager.
func (w *Worker) Stores() *cache.Manager {
	return w.stores
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	res, status, err := w.Dispatch(r)
	if err != nil {
		w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("No response for request")
		rw.Header().Set(cachestatus.HeaderName, status.String())
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		return
	}
	w.send(rw, r, res, status)
}

// recover recovers from panics and sends the request to the escape hatch if needed.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in request handler")
		w.escapeHatch(rw, r)
	}
}

// escapeHatch just sends the request to the network.
func (w *Worker) escapeHatch(rw http.ResponseWriter, r *http.Request) {
	res, err := w.network.Fetch(r.Context(), r)
	if err != nil {
		w.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdBypass)
	w.send(rw, r, res, cs)
}

// Dispatch classifies the request and resolves it with the matching store and strategy.
// Requests are not intercepted before activation, and neither are non-GET and
// cross-origin requests.
func (w *Worker) Dispatch(r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	ctx := r.Context()
	if w.lifecycle.State() != lifecycle.Active {
		return w.passthrough(ctx, r, cachestatus.FwdBypass)
	}
	if r.Method != http.MethodGet {
		return w.passthrough(ctx, r, cachestatus.FwdMethod)
	}
	if w.crossOrigin(r) {
		return w.passthrough(ctx, r, cachestatus.FwdBypass)
	}

	storeName, strat := w.classify(r)
	store, err := w.stores.Open(storeName)
	if err != nil {
		w.log.Error().Err(err).Str("store", storeName).Msg("Could not open store")
		return w.passthrough(ctx, r, cachestatus.FwdBypass)
	}
	w.log.Trace().Str("url", r.URL.String()).Str("store", storeName).Stringer("strategy", strat).Msg("Dispatching")
	res, out, err := w.engine.Resolve(ctx, strat, r, store)
	if out.Fallback {
		w.log.Info().Str("url", r.URL.String()).Stringer("strategy", strat).Bool("served", res != nil).Msg("Origin unreachable, serving offline fallback")
	}
	return res, out.Status, err
}

func (w *Worker) passthrough(ctx context.Context, r *http.Request, reason cachestatus.FwdReason) (*http.Response, cachestatus.CacheStatus, error) {
	res, out, err := w.engine.Resolve(ctx, strategy.NetworkOnly, r, nil)
	out.Status.Forward(reason)
	return res, out.Status, err
}

// classify returns the store and the strategy for a same-origin GET request.
func (w *Worker) classify(r *http.Request) (string, strategy.Strategy) {
	if isImage(r) {
		return w.names.Images, strategy.CacheFirst
	}
	if w.apiPrefix != "" && strings.HasPrefix(r.URL.Path, w.apiPrefix) {
		return w.names.API, w.router.Resolve(r.URL.Path)
	}
	if s, ok := w.router.Lookup(r.URL.Path); ok {
		return w.names.Static, s
	}
	return w.names.Static, strategy.NetworkFirst
}

func (w *Worker) crossOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return false
	}
	return r.URL.Scheme != w.originURL.Scheme || r.URL.Host != w.originURL.Host
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".avif": true,
	".svg":  true,
	".ico":  true,
	".bmp":  true,
}

func isImage(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.HasPrefix(r.Header.Get("Accept"), "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(r.URL.Path))]
}

// send writes the response to the client.
// Event streams are flushed as they arrive.
func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res *http.Response, status cachestatus.CacheStatus) {
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("code", res.StatusCode).
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored).
		Str("detail", status.Detail).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Set(cachestatus.HeaderName, status.String())
	rw.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	var err error
	if strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		err = copyFlushing(rw, res.Body)
	} else {
		_, err = io.Copy(rw, res.Body)
	}
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func copyFlushing(rw http.ResponseWriter, body io.Reader) error {
	flusher, _ := rw.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := rw.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (w *Worker) displayNotification(ctx context.Context, n notify.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return w.hub.Broadcast(ctx, clients.Message{Type: clients.TypeNotification, Payload: payload})
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// Status is a snapshot of the worker state.
type Status struct {
	Version string          `json:"version"`
	State   lifecycle.State `json:"state"`
	Stores  []string        `json:"stores"`
	Queues  map[string]int  `json:"queues"`
	// Result of the last origin probe, nil without probing.
	Online *bool `json:"online,omitempty"`
	Views  int   `json:"views"`
	Tasks  int   `json:"tasks"`
}

func (w *Worker) Status(ctx context.Context) (Status, error) {
	s := Status{
		Version: w.lifecycle.Version(),
		State:   w.lifecycle.State(),
		Views:   len(w.hub.ViewIDs()),
		Tasks:   w.tasks.Running(),
	}
	names, err := w.stores.Names()
	if err != nil {
		return s, err
	}
	s.Stores = names
	if s.Queues, err = w.replay.Pending(ctx); err != nil {
		return s, err
	}
	if w.monitor != nil {
		online := w.monitor.Online()
		s.Online = &online
	}
	return s, nil
}
