package rtpoll_test

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	alsa "github.com/avtsched/alsasource"
	"github.com/avtsched/alsasource/internal/rtpoll"
)

// pipeFds returns a pair of connected fds suitable as an alsa.PollFd: writing
// to w makes r ready for POLLIN.
func pipeFds(t *testing.T) (r, w int) {
	t.Helper()

	var fds [2]int
	err := unix.Pipe(fds[:])
	require.NoError(t, err)

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

func TestRunReturnsOnMessage(t *testing.T) {
	core := rtpoll.New()

	msgCh := make(chan any, 1)
	msgCh <- "hello"

	ev, err := core.Run(nil, 0, msgCh)
	require.NoError(t, err)
	assert.Equal(t, rtpoll.ReasonMessage, ev.Reason)
	assert.Equal(t, "hello", ev.Message)
}

func TestRunReturnsOnShutdown(t *testing.T) {
	core := rtpoll.New()

	msgCh := make(chan any)
	close(msgCh)

	ev, err := core.Run(nil, 0, msgCh)
	require.NoError(t, err)
	assert.Equal(t, rtpoll.ReasonShutdown, ev.Reason)
}

func TestRunReturnsOnTimeout(t *testing.T) {
	core := rtpoll.New()

	msgCh := make(chan any)

	ev, err := core.Run(nil, 5*time.Millisecond, msgCh)
	require.NoError(t, err)
	assert.Equal(t, rtpoll.ReasonTimeout, ev.Reason)
}

func TestRunReturnsOnPollReady(t *testing.T) {
	core := rtpoll.New()

	r, w := pipeFds(t)
	fds := []alsa.PollFd{{Fd: int32(r), Events: int16(unix.POLLIN)}}

	go func() {
		time.Sleep(5 * time.Millisecond)
		unix.Write(w, []byte{1})
	}()

	msgCh := make(chan any)

	ev, err := core.Run(fds, 0, msgCh)
	require.NoError(t, err)
	require.Equal(t, rtpoll.ReasonPollReady, ev.Reason)
	require.Len(t, ev.Fds, 1)
	assert.NotZero(t, ev.Fds[0].Revents)
}

// TestRunDoesNotAccumulateGoroutinesAcrossMessages exercises the tsched-off
// path (timeout == 0): a burst of messages arriving on msgCh, each winning
// the select before the watched fd is ever readable, must not spawn a fresh
// blocked poll(2) goroutine per call. Reusing the same in-flight poll keeps
// the goroutine count bounded regardless of how many messages arrive while
// the fd stays quiet.
func TestRunDoesNotAccumulateGoroutinesAcrossMessages(t *testing.T) {
	core := rtpoll.New()

	r, _ := pipeFds(t)
	fds := []alsa.PollFd{{Fd: int32(r), Events: int16(unix.POLLIN)}}

	msgCh := make(chan any, 1)

	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		msgCh <- i

		ev, err := core.Run(fds, 0, msgCh)
		require.NoError(t, err)
		require.Equal(t, rtpoll.ReasonMessage, ev.Reason)
	}

	// At most one poll goroutine should ever be outstanding, regardless of
	// how many messages were drained above it.
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+1)
}
