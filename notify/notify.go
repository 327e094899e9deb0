// Package notify turns push payloads into notifications and routes clicks on them to views.
package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

const DefaultTitle = "New notification"

// Click actions with special meaning. Any other action focuses a view.
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is displayed once per push and not kept afterwards.
type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon,omitempty"`
	Badge   string `json:"badge,omitempty"`
	Vibrate []int  `json:"vibrate,omitempty"`
	// Opaque application data. The view action reads the url field.
	Data               json.RawMessage `json:"data,omitempty"`
	Actions            []Action        `json:"actions,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	RequireInteraction bool            `json:"requireInteraction,omitempty"`
}

// URL returns the navigation target carried in the data payload, if any.
func (n Notification) URL() string {
	if len(n.Data) == 0 {
		return ""
	}
	var data struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(n.Data, &data); err != nil {
		return ""
	}
	return data.URL
}

// Defaults fill in what a push payload leaves out.
type Defaults struct {
	Icon    string `yaml:"icon" toml:"icon"`
	Badge   string `yaml:"badge" toml:"badge"`
	Vibrate []int  `yaml:"vibrate" toml:"vibrate"`
}

func DefaultDefaults() Defaults {
	return Defaults{
		Icon:    "/static/icons/icon-192x192.png",
		Badge:   "/static/icons/badge-72x72.png",
		Vibrate: []int{100, 50, 100},
	}
}

// ParsePush creates the notification for a push payload.
// A payload that is not JSON becomes the body of a notification with the default title.
func ParsePush(data []byte, defaults Defaults) Notification {
	n := Notification{}
	text := strings.TrimSpace(string(data))
	if text != "" {
		if err := json.Unmarshal(data, &n); err != nil {
			n = Notification{Body: text}
		}
	}
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if n.Icon == "" {
		n.Icon = defaults.Icon
	}
	if n.Badge == "" {
		n.Badge = defaults.Badge
	}
	if len(n.Vibrate) == 0 && len(defaults.Vibrate) > 0 {
		n.Vibrate = append([]int(nil), defaults.Vibrate...)
	}
	return n
}

// Displayer shows a notification to the user.
type Displayer interface {
	Display(ctx context.Context, n Notification) error
}

type DisplayFunc func(ctx context.Context, n Notification) error

func (f DisplayFunc) Display(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Views are the open application views, in a stable order.
type Views interface {
	ViewIDs() []string
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) error
}

type Config struct {
	Displayer Displayer
	Views     Views
	Defaults  Defaults
	Logger    zerolog.Logger
}

type Dispatcher struct {
	displayer Displayer
	views     Views
	defaults  Defaults
	log       zerolog.Logger
}

func NewDispatcher(config Config) *Dispatcher {
	return &Dispatcher{
		displayer: config.Displayer,
		views:     config.Views,
		defaults:  config.Defaults,
		log:       config.Logger.With().Str("component", "notify").Logger(),
	}
}

// Push parses the payload and displays the notification.
func (d *Dispatcher) Push(ctx context.Context, data []byte) (Notification, error) {
	n := ParsePush(data, d.defaults)
	return n, d.Show(ctx, n)
}

func (d *Dispatcher) Show(ctx context.Context, n Notification) error {
	d.log.Debug().Str("title", n.Title).Str("tag", n.Tag).Msg("Showing notification")
	return d.displayer.Display(ctx, n)
}

// Click handles the user interacting with a notification.
//
// The view action opens the url in the notification data and does nothing without one.
// Dismiss does nothing. Anything else, including a click on the body, focuses the
// first open view, or opens the root page if there is none.
func (d *Dispatcher) Click(ctx context.Context, action string, n Notification) error {
	log := d.log.With().Str("action", action).Logger()
	switch action {
	case ActionView:
		url := n.URL()
		if url == "" {
			log.Debug().Msg("View action without url, ignoring")
			return nil
		}
		log.Debug().Str("url", url).Msg("Opening notification target")
		return d.views.OpenWindow(ctx, url)
	case ActionDismiss:
		return nil
	}
	// the first view is not necessarily the most recently used one
	if ids := d.views.ViewIDs(); len(ids) > 0 {
		log.Debug().Str("view", ids[0]).Msg("Focusing view")
		return d.views.Focus(ctx, ids[0])
	}
	log.Debug().Msg("No open view, opening root")
	return d.views.OpenWindow(ctx, "/")
}
