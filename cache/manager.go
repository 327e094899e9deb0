package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager owns the named stores of a provider.
// It hands out one shared handle per store name.
type Manager struct {
	provider Provider
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Store
}

func NewManager(provider Provider, keyer cachekey.CacheKeyer, logger zerolog.Logger) *Manager {
	return &Manager{
		provider: provider,
		keyer:    keyer,
		log:      logger.With().Str("component", "stores").Logger(),
		handles:  make(map[string]*Store),
	}
}

// Open returns the handle for the named store, creating the store if needed.
// It is idempotent.
func (m *Manager) Open(name string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.handles[name]; ok {
		return s, nil
	}
	if err := m.provider.CreateStore(name); err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	s := &Store{
		name:     name,
		provider: m.provider,
		keyer:    m.keyer,
		log:      m.log.With().Str("store", name).Logger(),
	}
	m.handles[name] = s
	m.log.Trace().Str("store", name).Msg("Opened store")
	return s, nil
}

// Names returns the names of all existing stores.
func (m *Manager) Names() ([]string, error) {
	return m.provider.Stores()
}

// Delete removes the named store and everything in it.
func (m *Manager) Delete(name string) (bool, error) {
	m.mu.Lock()
	// the handle is dropped first so the next Open recreates the store
	delete(m.handles, name)
	m.mu.Unlock()
	return m.provider.DeleteStore(name)
}

// RetainOnly deletes every store whose name is not in names.
// Deletions run concurrently and independently, a failed deletion does not stop the others.
// The returned error joins all deletion errors.
func (m *Manager) RetainOnly(ctx context.Context, names []string) error {
	keep := make(map[string]struct{}, len(names))
	for _, name := range names {
		keep[name] = struct{}{}
	}
	return m.deleteWhere(ctx, func(name string) bool {
		_, ok := keep[name]
		return !ok
	})
}

// DeleteAll deletes every store unconditionally.
func (m *Manager) DeleteAll(ctx context.Context) error {
	return m.deleteWhere(ctx, func(string) bool { return true })
}

func (m *Manager) deleteWhere(ctx context.Context, match func(string) bool) error {
	existing, err := m.provider.Stores()
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	for _, name := range existing {
		if !match(name) {
			continue
		}
		name := name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := m.Delete(name); err != nil {
				m.log.Error().Err(err).Str("store", name).Msg("Could not delete store")
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("delete store %s: %w", name, err))
				errsMu.Unlock()
				return nil
			}
			m.log.Info().Str("store", name).Msg("Deleted store")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close closes the underlying provider.
func (m *Manager) Close() error {
	return m.provider.Close()
}
