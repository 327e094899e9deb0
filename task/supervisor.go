// Package task keeps background work alive until it settles.
//
// Every asynchronous side effect of an event (fetches, store writes, queue flushes,
// notification display) is registered with a Supervisor. The process must not be torn
// down before Supervisor.Wait returns, but may be as soon as it does.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Func is a unit of registered work.
type Func func(ctx context.Context) error

// ErrClosed is the result of a task registered after shutdown began.
var ErrClosed = errors.New("task supervisor is shutting down")

// Token is the completion handle of a registered task.
type Token struct {
	ID   string
	Name string
	done chan struct{}
	err  error
}

// Wait blocks until the task settles or ctx is done.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervisor tracks registered tasks.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu      sync.Mutex
	running map[string]*Token
	// closed when running drops to zero, replaced when it leaves zero
	idle    chan struct{}
	closing bool
}

// NewSupervisor creates a supervisor. Tasks receive a context that is independent of
// any request and is cancelled only by Stop.
func NewSupervisor(logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.With().Str("component", "tasks").Logger(),
		running: make(map[string]*Token),
		idle:    idle,
	}
}

// Go registers fn and runs it in its own goroutine.
// Errors and panics are logged, never propagated to the process.
// Once Shutdown or Stop has begun, fn is not run and the token settles with ErrClosed.
func (s *Supervisor) Go(name string, fn Func) *Token {
	tok := &Token{
		ID:   uuid.NewString(),
		Name: name,
		done: make(chan struct{}),
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.log.Debug().Str("task", name).Msg("Task rejected during shutdown")
		tok.err = ErrClosed
		close(tok.done)
		return tok
	}
	if len(s.running) == 0 {
		s.idle = make(chan struct{})
	}
	s.running[tok.ID] = tok
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, tok.ID)
			if len(s.running) == 0 {
				close(s.idle)
			}
			s.mu.Unlock()
			close(tok.done)
		}()
		tok.err = s.run(tok, fn)
	}()
	return tok
}

func (s *Supervisor) run(tok *Token, fn Func) (err error) {
	log := s.log.With().Str("task", tok.Name).Str("task_id", tok.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.WithLevel(zerolog.PanicLevel).Interface("error", r).Msg("Panic in task")
			err = fmt.Errorf("task %s panicked: %v", tok.Name, r)
		}
	}()
	log.Trace().Msg("Task started")
	err = fn(s.ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Task failed")
	} else {
		log.Trace().Msg("Task settled")
	}
	return err
}

// Running returns the number of tasks that have not settled yet.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until no registered task is left running or ctx is done.
// Tasks registered while waiting are waited for too.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for the registered ones to settle.
// Tasks still running when ctx is done are cancelled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.close()
	err := s.Wait(ctx)
	if err != nil {
		s.log.Warn().Err(err).Int("running", s.Running()).Msg("Cancelling unsettled tasks")
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}
	return err
}

// Stop stops accepting tasks, cancels the context of the running ones and waits for them to settle.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.close()
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}
