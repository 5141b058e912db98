package evloop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtsched/alsasource/internal/evloop"
)

func TestWatchFiresOnReadiness(t *testing.T) {
	b := evloop.New()
	defer b.Close()

	ready := make(chan struct{}, 1)

	var mu sync.Mutex
	var gotEvents evloop.Events

	poll := func(ctx context.Context, interest evloop.Events) (evloop.Events, error) {
		select {
		case <-ready:
			return evloop.EventInput, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	done := make(chan struct{})
	w := b.WatchNew(context.Background(), evloop.EventInput, func(_ *evloop.Watch, events evloop.Events) {
		mu.Lock()
		gotEvents = events
		mu.Unlock()
		close(done)
	}, poll)
	defer w.WatchFree()

	ready <- struct{}{}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch callback never fired")
	}

	mu.Lock()
	assert.True(t, gotEvents.Has(evloop.EventInput))
	mu.Unlock()
}

func TestWatchUpdateAndGetEvents(t *testing.T) {
	b := evloop.New()
	defer b.Close()

	poll := func(ctx context.Context, interest evloop.Events) (evloop.Events, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	w := b.WatchNew(context.Background(), evloop.EventInput, nil, poll)
	defer w.WatchFree()

	assert.Equal(t, evloop.EventInput, w.WatchGetEvents())

	w.WatchUpdate(evloop.EventInput | evloop.EventOutput)
	assert.True(t, w.WatchGetEvents().Has(evloop.EventOutput))
}

func TestTimeoutFiresAndCanBeFreedIdempotently(t *testing.T) {
	b := evloop.New()
	defer b.Close()

	fired := make(chan struct{})

	to := b.TimeoutNew(time.Now().Add(10*time.Millisecond), func(_ *evloop.Timeout) {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	to.TimeoutFree()
	to.TimeoutFree() // idempotent
}

func TestTimeoutUpdateRearms(t *testing.T) {
	b := evloop.New()
	defer b.Close()

	fired := make(chan time.Time, 1)

	to := b.TimeoutNew(time.Now().Add(time.Hour), func(_ *evloop.Timeout) {
		fired <- time.Now()
	})
	defer to.TimeoutFree()

	to.TimeoutUpdate(time.Now().Add(10 * time.Millisecond))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("rearmed timeout never fired")
	}
}

func TestBridgeCloseFreesEverything(t *testing.T) {
	b := evloop.New()

	poll := func(ctx context.Context, interest evloop.Events) (evloop.Events, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	w := b.WatchNew(context.Background(), evloop.EventInput, nil, poll)
	to := b.TimeoutNew(time.Now().Add(time.Hour), nil)

	b.Close()

	// Both should already be detached; freeing again must not panic.
	require.NotPanics(t, func() {
		w.WatchFree()
		to.TimeoutFree()
	})
}
