// Package connectivity watches the origin and fires sync triggers when it comes back.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ericselin/offline-cache/origin"

	"github.com/rs/zerolog"
)

// Trigger fires a sync tag. An error means the tag should be fired again later.
type Trigger func(ctx context.Context, tag string) error

type Config struct {
	Network origin.Fetcher
	// Path probed with a HEAD request.
	ProbePath string
	Interval  time.Duration
	// Timeout of a single probe, defaults to the interval.
	ProbeTimeout time.Duration
	Tags         []string
	Trigger      Trigger
	Logger       zerolog.Logger
}

// Monitor probes the origin periodically.
// When the origin becomes reachable every tag is fired. Tags whose trigger failed are
// fired again on every later successful probe until they succeed.
type Monitor struct {
	network      origin.Fetcher
	probePath    string
	interval     time.Duration
	probeTimeout time.Duration
	tags         []string
	trigger      Trigger
	log          zerolog.Logger

	mu      sync.Mutex
	online  bool
	pending map[string]struct{}
}

func NewMonitor(config Config) *Monitor {
	m := &Monitor{
		network:      config.Network,
		probePath:    config.ProbePath,
		interval:     config.Interval,
		probeTimeout: config.ProbeTimeout,
		tags:         append([]string(nil), config.Tags...),
		trigger:      config.Trigger,
		log:          config.Logger.With().Str("component", "connectivity").Logger(),
		pending:      make(map[string]struct{}),
	}
	if m.probePath == "" {
		m.probePath = "/"
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = m.interval
	}
	return m
}

// Online reports the result of the last probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Check(ctx)
		}
	}
}

// Check probes the origin once and fires the tags that are due.
func (m *Monitor) Check(ctx context.Context) {
	online := m.probe(ctx)

	m.mu.Lock()
	restored := online && !m.online
	if online != m.online {
		m.log.Info().Bool("online", online).Msg("Connectivity changed")
	}
	m.online = online
	if restored {
		for _, tag := range m.tags {
			m.pending[tag] = struct{}{}
		}
	}
	due := make([]string, 0, len(m.pending))
	if online {
		// fire in configured order
		for _, tag := range m.tags {
			if _, ok := m.pending[tag]; ok {
				due = append(due, tag)
			}
		}
	}
	m.mu.Unlock()

	for _, tag := range due {
		err := m.trigger(ctx, tag)
		m.mu.Lock()
		if err != nil {
			m.log.Debug().Err(err).Str("tag", tag).Msg("Sync failed, will retry")
		} else {
			delete(m.pending, tag)
		}
		m.mu.Unlock()
	}
}

// Retry marks a tag to be fired again on the next successful probe.
func (m *Monitor) Retry(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[tag] = struct{}{}
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probePath, nil)
	if err != nil {
		m.log.Error().Err(err).Msg("Invalid probe request")
		return false
	}
	res, err := m.network.Fetch(ctx, req)
	if err != nil {
		m.log.Trace().Err(err).Msg("Origin unreachable")
		return false
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return true
}
