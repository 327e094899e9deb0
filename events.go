package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ericselin/offline-cache/clients"
	"github.com/ericselin/offline-cache/notify"
	"github.com/ericselin/offline-cache/replay"
	"github.com/ericselin/offline-cache/task"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrUnknownEvent   = errors.New("unknown event")
)

// Event is one of the events a worker handles besides intercepted requests.
type Event interface {
	eventName() string
}

type InstallEvent struct{}

type ActivateEvent struct{}

// SyncEvent is fired when connectivity is restored.
type SyncEvent struct {
	Tag string
}

type PushEvent struct {
	Data []byte
}

type NotificationClickEvent struct {
	Action       string
	Notification notify.Notification
}

type MessageEvent struct {
	Message Message
}

func (InstallEvent) eventName() string           { return "install" }
func (ActivateEvent) eventName() string          { return "activate" }
func (SyncEvent) eventName() string              { return "sync" }
func (PushEvent) eventName() string              { return "push" }
func (NotificationClickEvent) eventName() string { return "notificationclick" }
func (MessageEvent) eventName() string           { return "message" }

type MessageType string

const (
	MessageClearCache  MessageType = "CLEAR_CACHE"
	MessageShareTarget MessageType = "SHARE_TARGET"
)

// messageTypes lists every message type. Each one must have a handler.
var messageTypes = []MessageType{MessageClearCache, MessageShareTarget}

// Message is a control message sent by the application.
type Message interface {
	Type() MessageType
	isMessage()
}

// ClearCache deletes every store.
type ClearCache struct{}

// ShareTarget carries content shared to the application. It is handed to the views as is.
type ShareTarget struct {
	Payload json.RawMessage
}

func (ClearCache) Type() MessageType  { return MessageClearCache }
func (ShareTarget) Type() MessageType { return MessageShareTarget }

func (ClearCache) isMessage()  {}
func (ShareTarget) isMessage() {}

// ParseMessage parses a {"type": ..., "payload": ...} message.
func ParseMessage(data []byte) (Message, error) {
	var raw struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	switch raw.Type {
	case MessageClearCache:
		return ClearCache{}, nil
	case MessageShareTarget:
		return ShareTarget{Payload: raw.Payload}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, raw.Type)
}

type messageHandlers map[MessageType]func(ctx context.Context, m Message) error

func (w *Worker) messageHandlers() messageHandlers {
	handlers := messageHandlers{
		MessageClearCache: func(ctx context.Context, m Message) error {
			if err := w.stores.DeleteAll(ctx); err != nil {
				return err
			}
			w.log.Info().Msg("Cleared all stores")
			return w.hub.Broadcast(ctx, clients.Message{Type: clients.TypeCacheCleared})
		},
		MessageShareTarget: func(ctx context.Context, m Message) error {
			return w.hub.Broadcast(ctx, clients.Message{Type: clients.TypeShareTarget, Payload: m.(ShareTarget).Payload})
		},
	}
	for _, t := range messageTypes {
		if _, ok := handlers[t]; !ok {
			panic(fmt.Sprintf("no handler for message type %s", t))
		}
	}
	return handlers
}

// Handle registers the handling of the event as a task and returns its token.
// The work continues after the caller stops waiting for it.
func (w *Worker) Handle(e Event) *task.Token {
	return w.tasks.Go(e.eventName(), func(ctx context.Context) error {
		return w.handle(ctx, e)
	})
}

func (w *Worker) handle(ctx context.Context, e Event) error {
	switch e := e.(type) {
	case InstallEvent:
		return w.lifecycle.Install(ctx)
	case ActivateEvent:
		return w.lifecycle.Activate(ctx)
	case SyncEvent:
		err := w.replay.Flush(ctx, e.Tag)
		if err != nil && !errors.Is(err, replay.ErrUnknownTag) && w.monitor != nil {
			w.monitor.Retry(e.Tag)
		}
		return err
	case PushEvent:
		_, err := w.notify.Push(ctx, e.Data)
		return err
	case NotificationClickEvent:
		return w.notify.Click(ctx, e.Action, e.Notification)
	case MessageEvent:
		if e.Message == nil {
			return ErrUnknownMessage
		}
		return w.messages[e.Message.Type()](ctx, e.Message)
	}
	return fmt.Errorf("%w: %T", ErrUnknownEvent, e)
}
