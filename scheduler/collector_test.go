package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_EmptyOnLivenessTimeout(t *testing.T) {
	q := newRequestQueue()
	c := newBatchCollector(q, 4, 100*time.Millisecond, 30*time.Millisecond)

	start := time.Now()
	batch := c.Collect()
	assert.Nil(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCollector_FullBatchDispatchedEarly(t *testing.T) {
	q := newRequestQueue()
	c := newBatchCollector(q, 2, 500*time.Millisecond, time.Second)

	require.NoError(t, q.Enqueue(makePending("r1")))
	require.NoError(t, q.Enqueue(makePending("r2")))
	require.NoError(t, q.Enqueue(makePending("r3")))

	// Size cap reached well before the window elapses.
	start := time.Now()
	batch := c.Collect()
	require.Len(t, batch, 2)
	assert.Equal(t, "r1", batch[0].id)
	assert.Equal(t, "r2", batch[1].id)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// The leftover request seeds the next batch.
	batch = c.Collect()
	require.Len(t, batch, 1)
	assert.Equal(t, "r3", batch[0].id)
}

func TestCollector_SingleRequestWaitsFullWindow(t *testing.T) {
	q := newRequestQueue()
	c := newBatchCollector(q, 4, 60*time.Millisecond, time.Second)

	require.NoError(t, q.Enqueue(makePending("lonely")))

	start := time.Now()
	batch := c.Collect()
	elapsed := time.Since(start)

	require.Len(t, batch, 1)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestCollector_WindowOpensAtFirstRequest(t *testing.T) {
	q := newRequestQueue()
	c := newBatchCollector(q, 4, 80*time.Millisecond, 5*time.Second)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Enqueue(makePending("first"))
		time.Sleep(30 * time.Millisecond)
		_ = q.Enqueue(makePending("second"))
	}()

	batch := c.Collect()
	require.Len(t, batch, 2)
	assert.Equal(t, "first", batch[0].id)
	assert.Equal(t, "second", batch[1].id)
}

func TestCollector_LateArrivalMissesWindow(t *testing.T) {
	q := newRequestQueue()
	c := newBatchCollector(q, 4, 40*time.Millisecond, 5*time.Second)

	require.NoError(t, q.Enqueue(makePending("in-window")))
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = q.Enqueue(makePending("next-batch"))
	}()

	batch := c.Collect()
	require.Len(t, batch, 1)
	assert.Equal(t, "in-window", batch[0].id)

	batch = c.Collect()
	require.Len(t, batch, 1)
	assert.Equal(t, "next-batch", batch[0].id)
}

func TestCollector_PartialBatchOnClose(t *testing.T) {
	q := newRequestQueue()
	c := newBatchCollector(q, 8, 10*time.Second, time.Second)

	require.NoError(t, q.Enqueue(makePending("survivor")))
	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Close()
	}()

	// The window is far from elapsed, but close must hand back the
	// partial batch so the queued request is not lost.
	start := time.Now()
	batch := c.Collect()
	require.Len(t, batch, 1)
	assert.Equal(t, "survivor", batch[0].id)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCollector_NeverExceedsMaxBatchSize(t *testing.T) {
	q := newRequestQueue()
	c := newBatchCollector(q, 3, 50*time.Millisecond, time.Second)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(makePending(string(rune('a'+i)))))
	}

	total := 0
	for total < 10 {
		batch := c.Collect()
		require.NotEmpty(t, batch)
		assert.LessOrEqual(t, len(batch), 3)
		total += len(batch)
	}
	assert.Equal(t, 10, total)
}
