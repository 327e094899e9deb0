// Package lifecycle installs and activates a version of the worker.
//
// Installing fills the stores of the new version. Activating removes the stores of
// every other version and takes control of the open views.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/origin"
	serializer "github.com/ericselin/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrInstallFailed     = errors.New("install failed")
)

type State int

const (
	Parsed State = iota
	Installing
	// Installed and waiting to be activated.
	Installed
	Activating
	Active
	// Failed to install or superseded by a newer version.
	Redundant
	Terminated
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Names are the versioned store names of one version.
type Names struct {
	Static  string `json:"static"`
	Offline string `json:"offline"`
	Images  string `json:"images"`
	API     string `json:"api"`
}

func StoreNames(version string) Names {
	return Names{
		Static:  version + "-static",
		Offline: version + "-offline",
		Images:  version + "-images",
		API:     version + "-api",
	}
}

func (n Names) All() []string {
	return []string{n.Static, n.Offline, n.Images, n.API}
}

// Claimer takes control of the open views.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

type Config struct {
	Version string
	Stores  *cache.Manager
	Network origin.Fetcher
	// Paths precached into the static store.
	Manifest []string
	// Pages precached into the offline store.
	OfflinePage string
	FailurePage string
	// Activate right after a successful install.
	SkipWaiting bool
	Claimer     Claimer
	Logger      zerolog.Logger
}

type Manager struct {
	version     string
	names       Names
	stores      *cache.Manager
	network     origin.Fetcher
	manifest    []string
	pages       []string
	skipWaiting bool
	claimer     Claimer
	log         zerolog.Logger

	mu            sync.Mutex
	state         State
	installFailed bool
}

func NewManager(config Config) *Manager {
	pages := make([]string, 0, 2)
	for _, p := range []string{config.OfflinePage, config.FailurePage} {
		if p != "" {
			pages = append(pages, p)
		}
	}
	return &Manager{
		version:     config.Version,
		names:       StoreNames(config.Version),
		stores:      config.Stores,
		network:     config.Network,
		manifest:    append([]string(nil), config.Manifest...),
		pages:       pages,
		skipWaiting: config.SkipWaiting,
		claimer:     config.Claimer,
		log:         config.Logger.With().Str("component", "lifecycle").Str("version", config.Version).Logger(),
	}
}

func (m *Manager) Version() string {
	return m.version
}

func (m *Manager) Names() Names {
	return m.names
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves from one of the allowed states to the next state.
func (m *Manager) transition(next State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			m.log.Debug().Stringer("from", m.state).Stringer("to", next).Msg("Lifecycle transition")
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.state, next)
}

// Install precaches the static manifest and the fallback pages.
// Nothing is written unless every resource was fetched successfully; on failure the
// version becomes redundant and install may be tried again.
// With skip waiting the version is activated right away.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	retry := m.state == Redundant && m.installFailed
	m.mu.Unlock()
	from := []State{Parsed}
	if retry {
		from = append(from, Redundant)
	}
	if err := m.transition(Installing, from...); err != nil {
		return err
	}

	var static, pages map[string]serializer.StoredResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		static, err = m.fetchAll(gctx, m.manifest)
		return err
	})
	g.Go(func() (err error) {
		pages, err = m.fetchAll(gctx, m.pages)
		return err
	})
	err := g.Wait()
	if err == nil {
		err = m.write(m.names.Static, static)
	}
	if err == nil {
		err = m.write(m.names.Offline, pages)
	}
	if err != nil {
		m.mu.Lock()
		m.state = Redundant
		m.installFailed = true
		m.mu.Unlock()
		m.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.mu.Lock()
	m.state = Installed
	m.installFailed = false
	m.mu.Unlock()
	m.log.Info().Int("static", len(static)).Int("pages", len(pages)).Msg("Installed")

	if m.skipWaiting {
		return m.Activate(ctx)
	}
	return nil
}

// fetchAll fetches every path concurrently and fails if any of them is not a success.
func (m *Manager) fetchAll(ctx context.Context, paths []string) (map[string]serializer.StoredResponse, error) {
	var mu sync.Mutex
	fetched := make(map[string]serializer.StoredResponse, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			res, err := m.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			sRes, err := serializer.FromResponse(res)
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			if !sRes.Success() {
				return fmt.Errorf("precache %s: status %d", path, sRes.StatusCode)
			}
			mu.Lock()
			fetched[path] = sRes
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fetched, nil
}

func (m *Manager) write(storeName string, responses map[string]serializer.StoredResponse) error {
	store, err := m.stores.Open(storeName)
	if err != nil {
		return err
	}
	for path, sRes := range responses {
		req, err := http.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if err := store.Put(req, sRes); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
	}
	return nil
}

// Activate deletes the stores of all other versions and claims the open views.
// Failed store deletions are logged and do not stop activation.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.transition(Activating, Installed); err != nil {
		return err
	}
	if err := m.stores.RetainOnly(ctx, m.names.All()); err != nil {
		m.log.Error().Err(err).Msg("Could not delete all old stores")
	}
	if m.claimer != nil {
		if err := m.claimer.Claim(ctx, m.version); err != nil {
			m.log.Warn().Err(err).Msg("Could not claim all views")
		}
	}
	if err := m.transition(Active, Activating); err != nil {
		return err
	}
	m.log.Info().Msg("Activated")
	return nil
}

// Terminate stops the version for good.
func (m *Manager) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Terminated
}
