// Package clients keeps track of the application views connected to the worker.
//
// A view connects with a websocket and receives JSON messages telling it to focus,
// navigate, open a page or display a notification.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var ErrNoView = errors.New("no such view")

// Message types sent to views.
const (
	TypeClaim        = "claim"
	TypeFocus        = "focus"
	TypeNavigate     = "navigate"
	TypeOpen         = "open"
	TypeNotification = "notification"
	TypeShareTarget  = "share-target"
	TypeCacheCleared = "cache-cleared"
)

// Message is sent to views as JSON.
type Message struct {
	Type    string          `json:"type"`
	URL     string          `json:"url,omitempty"`
	Version string          `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// View describes a connected application view.
type View struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ConnectedAt time.Time `json:"connectedAt"`
	Controlled  bool      `json:"controlled"`
}

type view struct {
	View
	conn *websocket.Conn
}

// Opener opens a new view when there is none to reuse.
type Opener func(ctx context.Context, url string) error

type Config struct {
	// Called by OpenWindow when no view is connected. Only logs if nil.
	Opener       Opener
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Hub is the registry of connected views, in connection order.
type Hub struct {
	opener       Opener
	writeTimeout time.Duration
	log          zerolog.Logger

	mu    sync.Mutex
	views []*view
}

func NewHub(config Config) *Hub {
	h := &Hub{
		opener:       config.Opener,
		writeTimeout: config.WriteTimeout,
		log:          config.Logger.With().Str("component", "clients").Logger(),
	}
	if h.writeTimeout == 0 {
		h.writeTimeout = 5 * time.Second
	}
	if h.opener == nil {
		h.opener = func(ctx context.Context, url string) error {
			h.log.Info().Str("url", url).Msg("No view to open page in")
			return nil
		}
	}
	return h
}

// ServeHTTP accepts a view connection and keeps it registered until it closes.
// The view reports its current location in the url query parameter and later
// with {"type":"location","url":...} messages.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Could not accept view connection")
		return
	}
	v := &view{
		View: View{
			ID:          uuid.NewString(),
			URL:         r.URL.Query().Get("url"),
			ConnectedAt: time.Now(),
		},
		conn: conn,
	}
	h.add(v)
	defer h.remove(v.ID)
	h.log.Debug().Str("view", v.ID).Str("url", v.URL).Msg("View connected")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				h.log.Debug().Err(err).Str("view", v.ID).Msg("View connection lost")
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug().Err(err).Str("view", v.ID).Msg("Invalid message from view")
			continue
		}
		if msg.Type == "location" {
			h.setURL(v.ID, msg.URL)
		}
	}
}

func (h *Hub) add(v *view) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views = append(h.views, v)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range h.views {
		if v.ID == id {
			h.views = append(h.views[:i], h.views[i+1:]...)
			return
		}
	}
}

func (h *Hub) setURL(id, url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.views {
		if v.ID == id {
			v.URL = url
		}
	}
}

func (h *Hub) find(id string) *view {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.views {
		if v.ID == id {
			return v
		}
	}
	return nil
}

func (h *Hub) snapshot() []*view {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*view(nil), h.views...)
}

// MatchAll returns all connected views in connection order.
func (h *Hub) MatchAll() []View {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]View, 0, len(h.views))
	for _, v := range h.views {
		out = append(out, v.View)
	}
	return out
}

// ViewIDs returns the ids of all connected views in connection order.
func (h *Hub) ViewIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.views))
	for _, v := range h.views {
		ids = append(ids, v.ID)
	}
	return ids
}

// Focus brings the view to the foreground.
func (h *Hub) Focus(ctx context.Context, id string) error {
	return h.Send(ctx, id, Message{Type: TypeFocus})
}

// Navigate sends the view to url.
func (h *Hub) Navigate(ctx context.Context, id, url string) error {
	return h.Send(ctx, id, Message{Type: TypeNavigate, URL: url})
}

// OpenWindow opens url. The first connected view opens it,
// without connected views the opener is used.
func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	views := h.snapshot()
	if len(views) == 0 {
		return h.opener(ctx, url)
	}
	return h.write(ctx, views[0], Message{Type: TypeOpen, URL: url})
}

// Claim marks every connected view as controlled by the given version and tells them so.
func (h *Hub) Claim(ctx context.Context, version string) error {
	h.mu.Lock()
	for _, v := range h.views {
		v.Controlled = true
	}
	h.mu.Unlock()
	return h.Broadcast(ctx, Message{Type: TypeClaim, Version: version})
}

// Send writes msg to a single view.
func (h *Hub) Send(ctx context.Context, id string, msg Message) error {
	v := h.find(id)
	if v == nil {
		return fmt.Errorf("%w: %s", ErrNoView, id)
	}
	return h.write(ctx, v, msg)
}

// Broadcast writes msg to every connected view.
// A failed write does not stop the others.
func (h *Hub) Broadcast(ctx context.Context, msg Message) error {
	var errs []error
	for _, v := range h.snapshot() {
		if err := h.write(ctx, v, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) write(ctx context.Context, v *view, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := v.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.log.Debug().Err(err).Str("view", v.ID).Str("type", msg.Type).Msg("Could not write to view")
		return fmt.Errorf("view %s: %w", v.ID, err)
	}
	h.log.Trace().Str("view", v.ID).Str("type", msg.Type).Msg("Sent message to view")
	return nil
}
