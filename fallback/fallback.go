// Package fallback builds the responses served when neither the network nor a store can answer.
package fallback

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ericselin/offline-cache/cache"

	"github.com/rs/zerolog"
)

const DefaultMessage = "You are offline and this content is not available in the cache."

type Config struct {
	Stores *cache.Manager
	// Name of the store holding the fallback pages.
	StoreName string
	// Requests under this path prefix get the JSON error.
	APIPrefix string
	// Path of the page served for every request outside the API prefix.
	OfflinePage string
	// Path of a page tried before the offline page for requests that are not navigations.
	FailurePage string
	// Message in the JSON error, DefaultMessage if empty.
	Message string
	Logger  zerolog.Logger
}

// Resolver picks the offline response for a request.
type Resolver struct {
	stores      *cache.Manager
	storeName   string
	apiPrefix   string
	offlinePage string
	failurePage string
	body        []byte
	log         zerolog.Logger
}

type offlineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewResolver(config Config) *Resolver {
	message := config.Message
	if message == "" {
		message = DefaultMessage
	}
	body, _ := json.Marshal(offlineError{Error: "offline", Message: message})
	return &Resolver{
		stores:      config.Stores,
		storeName:   config.StoreName,
		apiPrefix:   config.APIPrefix,
		offlinePage: config.OfflinePage,
		failurePage: config.FailurePage,
		body:        body,
		log:         config.Logger.With().Str("component", "fallback").Logger(),
	}
}

// Resolve returns the offline response for r.
// API requests always get a 503 JSON error.
// Other requests get the offline page, or nil if it is not available.
// Requests that are not navigations get the failure page instead when it is stored.
func (f *Resolver) Resolve(r *http.Request) *http.Response {
	if f.apiPrefix != "" && strings.HasPrefix(r.URL.Path, f.apiPrefix) {
		return f.apiError(r)
	}
	if !IsNavigation(r) {
		if res := f.page(r, f.failurePage); res != nil {
			return res
		}
	}
	res := f.page(r, f.offlinePage)
	if res == nil {
		f.log.Warn().Str("page", f.offlinePage).Str("url", r.URL.String()).Msg("Offline page not in store")
	}
	return res
}

func (f *Resolver) apiError(r *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(f.body)),
		ContentLength: int64(len(f.body)),
		Request:       r,
	}
}

func (f *Resolver) page(r *http.Request, path string) *http.Response {
	if path == "" {
		return nil
	}
	store, err := f.stores.Open(f.storeName)
	if err != nil {
		f.log.Error().Err(err).Msg("Could not open fallback store")
		return nil
	}
	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		f.log.Error().Err(err).Str("page", path).Msg("Invalid fallback page")
		return nil
	}
	sRes, ok := store.Match(req)
	if !ok {
		f.log.Debug().Str("page", path).Msg("Fallback page not in store")
		return nil
	}
	return sRes.Response(r)
}

// IsNavigation reports whether the request loads a page.
func IsNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
