package reserve_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtsched/alsasource/internal/reserve"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.lock")

	w := reserve.New(path)

	require.NoError(t, w.Acquire())
	require.NoError(t, w.Acquire(), "Acquire should be idempotent while already held")

	w.Release()
	w.Release() // idempotent

	require.NoError(t, w.Acquire(), "should be reacquirable after release")
	w.Release()
}

func TestAcquireFailsWhenAnotherHolderHasTheLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.lock")

	holder := reserve.New(path)
	require.NoError(t, holder.Acquire())
	defer holder.Release()

	contender := reserve.New(path)
	err := contender.Acquire()

	require.Error(t, err)
	assert.True(t, errors.Is(err, reserve.ErrReserved))
}

func TestAvailabilityNotificationOnRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.lock")

	holder := reserve.New(path)
	require.NoError(t, holder.Acquire())

	watcher := reserve.New(path, reserve.WithDebounce(10*time.Millisecond))

	notified := make(chan bool, 1)
	watcher.OnAvailabilityChange(func(available bool) {
		notified <- available
	})

	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	holder.Release()

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("never observed a release notification")
	}
}
