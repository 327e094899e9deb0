// Package origin fetches responses from the network behind the cache.
package origin

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	tee "github.com/ericselin/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Fetcher performs a network request.
// An error means no response was received at all; any HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type Config struct {
	// URL of the origin server.
	URL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	Host string
	// Transport to use, http.DefaultTransport if nil.
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// Client fetches from the origin server over HTTP.
// Relative request URLs are resolved against the origin,
// absolute (cross-origin) URLs are fetched as they are.
type Client struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
	log        zerolog.Logger
}

func NewClient(config Config) *Client {
	c := &Client{
		originURL:  config.URL,
		originHost: config.Host,
		log:        config.Logger.With().Str("component", "origin").Logger(),
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: config.Transport,
		},
	}
	// use provided hostname for origin if configured
	if c.originHost != "" && c.httpClient.Transport == nil {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: c.originHost,
			},
		}
	}
	return c
}

// URL returns the origin URL.
func (c *Client) URL() url.URL {
	return c.originURL
}

// Fetch the resource specified in the incoming request.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := r.URL.String()
	if !r.URL.IsAbs() {
		uri = c.originURL.String() + r.URL.RequestURI()
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		c.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	if !r.URL.IsAbs() && c.originHost != "" {
		req.Host = c.originHost
	}
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	c.log.Trace().Str("method", req.Method).Str("uri", uri).Msg("Fetching")

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("uri", uri).Dur("took", time.Since(start)).Msg("Fetch failed")
		return nil, err
	}
	c.log.Trace().Str("uri", uri).Int("status", res.StatusCode).Dur("took", time.Since(start)).Msg("Fetched")
	return res, nil
}

// HandlerFetcher uses an in-process http.Handler as the network.
// This is used when the cache runs as middleware in front of the application.
type HandlerFetcher struct {
	Handler http.Handler
}

func (h HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := r.Clone(ctx)
	rw := tee.NewResponseSaver(nil)
	h.Handler.ServeHTTP(rw, req)
	return rw.Response(req), nil
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
