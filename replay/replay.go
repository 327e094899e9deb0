// Package replay sends queued offline writes to the origin once the network is back.
//
// Each queue is a JSON array kept as a single entry in the fallback store. A flush posts
// the whole array in one request and clears the queue only if the origin accepts it.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/origin"
	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"
	serializer "github.com/ericselin/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownTag   = errors.New("unknown sync tag")
	ErrUnknownQueue = errors.New("unknown queue")
	ErrRejected     = errors.New("replay rejected")
)

// TagPrefix is prepended to a queue name to get its sync tag.
const TagPrefix = "sync-"

type Queue struct {
	Name string `yaml:"name" toml:"name"`
	// Path the queue contents are posted to.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

func (q Queue) Tag() string {
	return TagPrefix + q.Name
}

func DefaultQueues() []Queue {
	return []Queue{
		{Name: "favorites", Endpoint: "/api/sync/favorites"},
		{Name: "enrichment-requests", Endpoint: "/api/sync/enrichment-requests"},
		{Name: "view-tracking", Endpoint: "/api/sync/view-tracking"},
	}
}

// QueuePath is the path under which the named queue is kept in the store.
func QueuePath(name string) string {
	return "/.offline/queues/" + name
}

// QueueKey returns the store key of the named queue.
func QueueKey(keyer cachekey.CacheKeyer, name string) string {
	return keyer.KeyFor(http.MethodGet, QueuePath(name))
}

type Config struct {
	Stores    *cache.Manager
	StoreName string
	Keyer     cachekey.CacheKeyer
	Network   origin.Fetcher
	Queues    []Queue
	Logger    zerolog.Logger
}

// Flusher replays queues on sync triggers.
type Flusher struct {
	stores    *cache.Manager
	storeName string
	keyer     cachekey.CacheKeyer
	network   origin.Fetcher
	queues    []Queue
	log       zerolog.Logger
	// serializes read-modify-write of queue entries within this process
	mu sync.Mutex
}

func NewFlusher(config Config) *Flusher {
	queues := config.Queues
	if len(queues) == 0 {
		queues = DefaultQueues()
	}
	return &Flusher{
		stores:    config.Stores,
		storeName: config.StoreName,
		keyer:     config.Keyer,
		network:   config.Network,
		queues:    append([]Queue(nil), queues...),
		log:       config.Logger.With().Str("component", "replay").Logger(),
	}
}

// Tags returns the sync tags of all queues.
func (f *Flusher) Tags() []string {
	tags := make([]string, 0, len(f.queues))
	for _, q := range f.queues {
		tags = append(tags, q.Tag())
	}
	return tags
}

func (f *Flusher) queueByTag(tag string) (Queue, bool) {
	for _, q := range f.queues {
		if q.Tag() == tag {
			return q, true
		}
	}
	return Queue{}, false
}

func (f *Flusher) queueByName(name string) (Queue, bool) {
	for _, q := range f.queues {
		if q.Name == name {
			return q, true
		}
	}
	return Queue{}, false
}

// Flush posts the contents of the queue identified by the sync tag.
// The queue is cleared only after the origin answers with a success status.
// On any failure the queue is left as it was and an error is returned, so the trigger can be fired again.
// Missing, empty and unreadable queues are not an error.
func (f *Flusher) Flush(ctx context.Context, tag string) error {
	q, ok := f.queueByTag(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	log := f.log.With().Str("queue", q.Name).Logger()
	store, err := f.stores.Open(f.storeName)
	if err != nil {
		return err
	}
	key := QueueKey(f.keyer, q.Name)
	entry, ok := store.MatchKey(key)
	if !ok {
		log.Trace().Msg("Nothing to replay")
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(entry.Body, &items); err != nil {
		log.Error().Err(err).Msg("Corrupt replay queue, leaving it in place")
		return nil
	}
	if len(items) == 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.Endpoint, bytes.NewReader(entry.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := f.network.Fetch(ctx, req)
	if err != nil {
		log.Warn().Err(err).Int("items", len(items)).Msg("Replay failed")
		return fmt.Errorf("replay %s: %w", q.Name, err)
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		log.Warn().Int("status", res.StatusCode).Int("items", len(items)).Msg("Replay rejected")
		return fmt.Errorf("replay %s: %w with status %d", q.Name, ErrRejected, res.StatusCode)
	}

	if err := f.clear(store, key, entry.Body, len(items)); err != nil {
		log.Error().Err(err).Msg("Could not clear replayed queue")
		return err
	}
	log.Info().Int("items", len(items)).Msg("Replayed queue")
	return nil
}

// clear removes the posted items from the queue.
// Items appended while the POST was in flight stay queued.
func (f *Flusher) clear(store *cache.Store, key string, posted []byte, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := store.MatchKey(key)
	if !ok {
		return nil
	}
	if bytes.Equal(current.Body, posted) {
		return store.Delete(key)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(current.Body, &items); err != nil {
		return fmt.Errorf("queue changed during replay: %w", err)
	}
	if len(items) <= count {
		return store.Delete(key)
	}
	body, err := json.Marshal(items[count:])
	if err != nil {
		return err
	}
	return store.PutKey(key, queueEntry(body))
}

// Append adds a payload to the end of the named queue.
func (f *Flusher) Append(ctx context.Context, name string, payload json.RawMessage) error {
	if _, ok := f.queueByName(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("invalid payload for queue %s", name)
	}
	store, err := f.stores.Open(f.storeName)
	if err != nil {
		return err
	}
	key := QueueKey(f.keyer, name)

	f.mu.Lock()
	defer f.mu.Unlock()
	items := []json.RawMessage{}
	if entry, ok := store.MatchKey(key); ok {
		if err := json.Unmarshal(entry.Body, &items); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}
	items = append(items, payload)
	body, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return store.PutKey(key, queueEntry(body))
}

func queueEntry(body []byte) serializer.StoredResponse {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return serializer.StoredResponse{StatusCode: http.StatusOK, Header: header, Body: body}
}

// Pending returns the number of queued payloads per queue name.
// Unreadable queues are reported as empty.
func (f *Flusher) Pending(ctx context.Context) (map[string]int, error) {
	store, err := f.stores.Open(f.storeName)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]int, len(f.queues))
	for _, q := range f.queues {
		pending[q.Name] = 0
		entry, ok := store.MatchKey(QueueKey(f.keyer, q.Name))
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(entry.Body, &items); err == nil {
			pending[q.Name] = len(items)
		}
	}
	return pending, nil
}
