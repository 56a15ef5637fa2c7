package scheduler

import "time"

// BatchCollector decides batch membership: it drains the queue into
// discrete batches under the size and window policy. Membership is strictly
// arrival order; there is no priority or similarity grouping.
type BatchCollector struct {
	queue           *RequestQueue
	maxBatchSize    int
	batchTimeout    time.Duration
	livenessTimeout time.Duration
}

func newBatchCollector(queue *RequestQueue, maxBatchSize int, batchTimeout, livenessTimeout time.Duration) *BatchCollector {
	return &BatchCollector{
		queue:           queue,
		maxBatchSize:    maxBatchSize,
		batchTimeout:    batchTimeout,
		livenessTimeout: livenessTimeout,
	}
}

// Collect blocks up to the liveness timeout for the first request; a nil
// batch means nothing arrived and the caller should retry (or notice
// shutdown). The batch-formation window opens when the first request is
// obtained: further requests join with a shrinking remaining-time budget
// until the window elapses or the batch is full. The first request in a
// batch therefore waits at most batchTimeout before dispatch.
func (c *BatchCollector) Collect() []*pendingRequest {
	first, ok := c.queue.Dequeue(c.livenessTimeout)
	if !ok {
		return nil
	}

	batch := make([]*pendingRequest, 0, c.maxBatchSize)
	batch = append(batch, first)
	windowStart := time.Now()

	for len(batch) < c.maxBatchSize {
		remaining := c.batchTimeout - time.Since(windowStart)
		if remaining <= 0 {
			break
		}
		req, ok := c.queue.Dequeue(remaining)
		if !ok {
			// Window elapsed, or the queue closed mid-collection. Either
			// way the partial batch is dispatched so nothing is lost.
			break
		}
		batch = append(batch, req)
	}

	return batch
}
