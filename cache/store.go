package cache

import (
	"errors"
	"net/http"
	"time"

	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"
	serializer "github.com/ericselin/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Store is a handle for a single named store.
// Handles are created by the Manager and shared by everyone using the store.
// Individual reads and writes are atomic, sequences of them are not.
type Store struct {
	name     string
	provider Provider
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
}

func (s *Store) Name() string {
	return s.name
}

// Key returns the key under which the response to r is stored.
func (s *Store) Key(r *http.Request) string {
	return s.keyer.Key(r)
}

// Match returns the stored response for the request.
// Read failures are logged and reported as a miss.
func (s *Store) Match(r *http.Request) (serializer.StoredResponse, bool) {
	return s.MatchKey(s.keyer.Key(r))
}

// MatchKey returns the stored response for the key.
// Read failures are logged and reported as a miss.
func (s *Store) MatchKey(key string) (serializer.StoredResponse, bool) {
	b, ok, err := s.provider.Get(s.name, key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not read from store")
		return serializer.StoredResponse{}, false
	}
	if !ok {
		return serializer.StoredResponse{}, false
	}
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Corrupt store entry")
		return serializer.StoredResponse{}, false
	}
	return sRes, true
}

// Put writes the response for the request, replacing any previous entry.
func (s *Store) Put(r *http.Request, sRes serializer.StoredResponse) error {
	return s.PutKey(s.keyer.Key(r), sRes)
}

// PutKey writes the response under the key, replacing any previous entry.
// The insertion time is set to the current time.
func (s *Store) PutKey(key string, sRes serializer.StoredResponse) error {
	sRes.StoredAt = time.Now()
	b, err := serializer.StoredResponseToBytes(sRes)
	if err != nil {
		return err
	}
	err = s.provider.Put(s.name, key, b)
	if errors.Is(err, ErrStoreNotFound) {
		// the store was deleted after this handle was handed out
		if err = s.provider.CreateStore(s.name); err == nil {
			err = s.provider.Put(s.name, key, b)
		}
	}
	if err != nil {
		return err
	}
	s.log.Trace().Str("key", key).Int("status", sRes.StatusCode).Msg("Store write")
	return nil
}

// Delete removes the entry stored under the key.
func (s *Store) Delete(key string) error {
	return s.provider.Purge(s.name, key)
}

// Keys returns all keys in the store.
func (s *Store) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := s.provider.Keys(s.name, func(key string) {
		keys = append(keys, key)
	})
	return keys, err
}
