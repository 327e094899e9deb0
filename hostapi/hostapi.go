// Package hostapi exposes the worker over HTTP.
//
// Requests under /.offline/ fire worker events. Every other request is handed
// to the worker and intercepted like a page request.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	offlinecache "github.com/ericselin/offline-cache"
	"github.com/ericselin/offline-cache/lifecycle"
	"github.com/ericselin/offline-cache/notify"
	"github.com/ericselin/offline-cache/replay"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Prefix of the control routes.
const Prefix = "/.offline"

const maxBodySize = 1 << 20

type Options struct {
	Worker *offlinecache.Worker
	Logger zerolog.Logger
	// Upper bound for waiting on an event. Zero waits as long as the client does.
	EventTimeout time.Duration
}

type Server struct {
	Router       *chi.Mux
	worker       *offlinecache.Worker
	eventTimeout time.Duration
	log          zerolog.Logger
}

func New(opts Options) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:       r,
		worker:       opts.Worker,
		eventTimeout: opts.EventTimeout,
		log:          opts.Logger,
	}

	r.Route(Prefix, func(cr chi.Router) {
		cr.Post("/install", s.handleInstall)
		cr.Post("/activate", s.handleActivate)
		cr.Post("/sync/{tag}", s.handleSync)
		cr.Post("/push", s.handlePush)
		cr.Post("/notificationclick", s.handleNotificationClick)
		cr.Post("/message", s.handleMessage)
		cr.Post("/queues/{name}", s.handleEnqueue)
		cr.Get("/status", s.handleStatus)
		cr.Handle("/clients", s.worker.Hub())
	})

	// everything else is intercepted
	r.NotFound(s.worker.ServeHTTP)
	r.MethodNotAllowed(s.worker.ServeHTTP)
	return s
}

// Handler returns the router wrapped with request logging.
func (s *Server) Handler() http.Handler {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("req_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	})
	return hlog.NewHandler(s.log)(access(s.Router))
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := s.wait(r, offlinecache.InstallEvent{}); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.wait(r, offlinecache.ActivateEvent{}); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := s.wait(r, offlinecache.SyncEvent{Tag: tag}); err != nil {
		// anything but an unknown tag is the origin failing
		s.fail(w, r, err, http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if err := s.wait(r, offlinecache.PushEvent{Data: data}); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clickRequest struct {
	Action       string              `json:"action"`
	Notification notify.Notification `json:"notification"`
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var click clickRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&click); err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	event := offlinecache.NotificationClickEvent{Action: click.Action, Notification: click.Notification}
	if err := s.wait(r, event); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	msg, err := offlinecache.ParseMessage(data)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if err := s.wait(r, offlinecache.MessageEvent{Message: msg}); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if !json.Valid(data) {
		s.fail(w, r, errors.New("payload is not valid JSON"), http.StatusBadRequest)
		return
	}
	if err := s.worker.Replay().Append(r.Context(), name, data); err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	hlog.FromRequest(r).Debug().Str("queue", name).Msg("Queued payload for replay")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.worker.Status(r.Context())
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// wait fires the event and waits for it to settle.
// The event keeps running if the client goes away.
func (s *Server) wait(r *http.Request, e offlinecache.Event) error {
	ctx := r.Context()
	if s.eventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.eventTimeout)
		defer cancel()
	}
	return s.worker.Handle(e).Wait(ctx)
}

// fail answers with the status code for err, or fallback if err has no specific code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	code := statusCode(err, fallback)
	hlog.FromRequest(r).Warn().Err(err).Int("code", code).Msg("Control request failed")
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusCode(err error, fallback int) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInstallFailed):
		return http.StatusBadGateway
	case errors.Is(err, replay.ErrUnknownTag), errors.Is(err, replay.ErrUnknownQueue):
		return http.StatusNotFound
	case errors.Is(err, replay.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, offlinecache.ErrUnknownMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return fallback
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
