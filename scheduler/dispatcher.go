package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pbateman/ggufserve/engine"
	"github.com/pbateman/ggufserve/types"
)

// BatchDispatcher executes one batch against the backend and demultiplexes
// results back to each request's promise.
type BatchDispatcher struct {
	backend engine.Backend
	logger  *zap.Logger
}

func newBatchDispatcher(backend engine.Backend, logger *zap.Logger) *BatchDispatcher {
	return &BatchDispatcher{
		backend: backend,
		logger:  logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch runs the backend call for a batch and delivers results
// positionally. Failures delivering to one promise never affect its
// batch-mates and never abort the worker loop.
func (d *BatchDispatcher) Dispatch(ctx context.Context, batch []*pendingRequest) {
	if len(batch) == 0 {
		return
	}

	payloads := make([]*types.GenerationParams, len(batch))
	for i, req := range batch {
		payloads[i] = req.params
	}

	// The head waited longest; its enqueue time bounds the batch's queue wait.
	d.logger.Debug("dispatching batch",
		zap.Int("size", len(batch)),
		zap.Duration("queue_wait", time.Since(batch[0].enqueuedAt)),
	)

	results, err := d.generate(ctx, payloads)
	if err != nil {
		failure := d.batchFailure(ctx, err)
		for _, req := range batch {
			d.fail(req, failure)
		}
		return
	}

	if len(results) > len(batch) {
		d.logger.Warn("backend returned more results than payloads",
			zap.Int("payloads", len(batch)),
			zap.Int("results", len(results)),
		)
	}

	for i, req := range batch {
		if i < len(results) {
			d.complete(req, results[i])
		} else {
			d.fail(req, types.NewError(types.ErrMissingResult,
				fmt.Sprintf("backend returned %d results for %d payloads", len(results), len(batch))))
		}
	}
}

// generate shields the worker from a panicking backend: the batch fails,
// the loop continues.
func (d *BatchDispatcher) generate(ctx context.Context, payloads []*types.GenerationParams) (results []*types.GenerationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("backend panicked", zap.Any("panic", r))
			results = nil
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return d.backend.Generate(ctx, payloads)
}

func (d *BatchDispatcher) batchFailure(ctx context.Context, err error) *types.Error {
	if ctx.Err() != nil {
		return types.NewError(types.ErrShuttingDown, "dispatch cancelled during shutdown").WithCause(err)
	}
	return types.NewError(types.ErrBackendFailure, "backend batch call failed").
		WithCause(err).
		WithRetryable(true)
}

func (d *BatchDispatcher) complete(req *pendingRequest, result *types.GenerationResult) {
	if err := req.promise.Complete(result); err != nil {
		d.logger.Error("failed to deliver result",
			zap.String("request_id", req.id),
			zap.Error(err),
		)
	}
}

func (d *BatchDispatcher) fail(req *pendingRequest, failure *types.Error) {
	if err := req.promise.Fail(failure); err != nil {
		d.logger.Error("failed to deliver failure",
			zap.String("request_id", req.id),
			zap.Error(err),
		)
	}
}
