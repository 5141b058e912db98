package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOnlyAddsCounterDeltas(t *testing.T) {
	r := NewReporter("test-source-observe")
	defer r.Forget()

	prev := Snapshot{}
	curr := Snapshot{ReadCount: 1000, PostsCount: 10, OverrunCount: 2, WatermarkBumps: 1}

	r.Observe(prev, curr, 15*time.Millisecond, 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(overrunCount.WithLabelValues(r.source)))
	assert.Equal(t, float64(1000), testutil.ToFloat64(readCount.WithLabelValues(r.source)))

	prev = curr
	curr = Snapshot{ReadCount: 2000, PostsCount: 20, OverrunCount: 2, WatermarkBumps: 1}

	// Second call must not double-count the already-applied deltas.
	r.Observe(prev, curr, 16*time.Millisecond, 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(overrunCount.WithLabelValues(r.source)))
	assert.Equal(t, float64(2000), testutil.ToFloat64(readCount.WithLabelValues(r.source)))
}

func TestForgetRemovesSeries(t *testing.T) {
	r := NewReporter("test-source-forget")

	r.Observe(Snapshot{}, Snapshot{ReadCount: 5}, time.Millisecond, 1)
	assert.Equal(t, float64(5), testutil.ToFloat64(readCount.WithLabelValues(r.source)))

	r.Forget()
	assert.Equal(t, float64(0), testutil.ToFloat64(readCount.WithLabelValues(r.source)))

	r.Forget() // idempotent
}
