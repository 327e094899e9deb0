package connectivity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ericselin/offline-cache/origin"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	fired   []string
	failing map[string]bool
}

func (r *recorder) trigger(ctx context.Context, tag string) error {
	r.fired = append(r.fired, tag)
	if r.failing[tag] {
		return errors.New("rejected")
	}
	return nil
}

func newMonitor(online *atomic.Bool, rec *recorder) *Monitor {
	network := origin.FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodHead {
			return nil, errors.New("unexpected method")
		}
		if !online.Load() {
			return nil, errors.New("unreachable")
		}
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	})
	return NewMonitor(Config{
		Network:  network,
		Interval: time.Hour,
		Tags:     []string{"sync-favorites", "sync-view-tracking"},
		Trigger:  rec.trigger,
		Logger:   zerolog.Nop(),
	})
}

func TestFiresTagsWhenOriginReturns(t *testing.T) {
	online := &atomic.Bool{}
	rec := &recorder{failing: map[string]bool{"sync-view-tracking": true}}
	m := newMonitor(online, rec)
	ctx := context.Background()

	m.Check(ctx)
	assert.False(t, m.Online())
	assert.Empty(t, rec.fired)

	online.Store(true)
	m.Check(ctx)
	assert.True(t, m.Online())
	assert.Equal(t, []string{"sync-favorites", "sync-view-tracking"}, rec.fired)

	// only the failed tag is fired again
	rec.fired = nil
	m.Check(ctx)
	assert.Equal(t, []string{"sync-view-tracking"}, rec.fired)

	rec.failing = nil
	rec.fired = nil
	m.Check(ctx)
	assert.Equal(t, []string{"sync-view-tracking"}, rec.fired)

	rec.fired = nil
	m.Check(ctx)
	assert.Empty(t, rec.fired)
}

func TestRetryMarksTag(t *testing.T) {
	online := &atomic.Bool{}
	online.Store(true)
	rec := &recorder{}
	m := newMonitor(online, rec)
	ctx := context.Background()

	m.Check(ctx)
	rec.fired = nil
	m.Retry("sync-favorites")
	m.Check(ctx)
	assert.Equal(t, []string{"sync-favorites"}, rec.fired)
}

func TestRunStopsWithContext(t *testing.T) {
	online := &atomic.Bool{}
	m := newMonitor(online, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
