package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitBlocksUntilAllTasksSettle(t *testing.T) {
	s := NewSupervisor(zerolog.Nop())
	var finished atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		s.Go("work", func(ctx context.Context) error {
			<-release
			finished.Add(1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, 3, s.Running())

	close(release)
	require.NoError(t, s.Wait(context.Background()))
	assert.EqualValues(t, 3, finished.Load())
	assert.Equal(t, 0, s.Running())
}

func TestTokenReportsError(t *testing.T) {
	s := NewSupervisor(zerolog.Nop())
	boom := errors.New("boom")
	tok := s.Go("failing", func(ctx context.Context) error { return boom })
	require.ErrorIs(t, tok.Wait(context.Background()), boom)
	assert.NotEmpty(t, tok.ID)
}

func TestPanicIsRecovered(t *testing.T) {
	s := NewSupervisor(zerolog.Nop())
	tok := s.Go("panicking", func(ctx context.Context) error { panic("oops") })
	err := tok.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestStopCancelsTasks(t *testing.T) {
	s := NewSupervisor(zerolog.Nop())
	tok := s.Go("long", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, tok.Wait(context.Background()), context.Canceled)
}

func TestShutdownRejectsNewTasks(t *testing.T) {
	s := NewSupervisor(zerolog.Nop())
	release := make(chan struct{})
	s.Go("draining", func(ctx context.Context) error {
		<-release
		return nil
	})

	shutdown := make(chan error, 1)
	go func() { shutdown <- s.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closing
	}, time.Second, time.Millisecond)

	var ran atomic.Bool
	late := s.Go("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.ErrorIs(t, late.Wait(context.Background()), ErrClosed)

	close(release)
	require.NoError(t, <-shutdown)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, s.Running())
}

func TestShutdownCancelsUnsettledTasks(t *testing.T) {
	s := NewSupervisor(zerolog.Nop())
	tok := s.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, tok.Wait(context.Background()), context.Canceled)
}

func TestWaitCoversTasksRegisteredWhileWaiting(t *testing.T) {
	s := NewSupervisor(zerolog.Nop())
	require.NoError(t, s.Wait(context.Background()))

	first := make(chan struct{})
	second := make(chan struct{})
	s.Go("first", func(ctx context.Context) error {
		<-first
		return nil
	})
	waited := make(chan error, 1)
	go func() { waited <- s.Wait(context.Background()) }()
	s.Go("second", func(ctx context.Context) error {
		<-second
		return nil
	})

	close(first)
	select {
	case <-waited:
		t.Fatal("Wait returned while a task was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(second)
	require.NoError(t, <-waited)
}
