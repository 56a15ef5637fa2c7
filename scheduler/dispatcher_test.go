package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pbateman/ggufserve/testutil"
	"github.com/pbateman/ggufserve/types"
)

// mockBackend is a scriptable engine.Backend for scheduler tests.
type mockBackend struct {
	mu         sync.Mutex
	loaded     atomic.Bool
	loadErr    error
	generateFn func(ctx context.Context, payloads []*types.GenerationParams) ([]*types.GenerationResult, error)
	streamFn   func(ctx context.Context, params *types.GenerationParams) (<-chan types.StreamChunk, error)
	batchSizes []int
}

func newMockBackend() *mockBackend {
	return &mockBackend{}
}

func (m *mockBackend) Load(ctx context.Context) error {
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loaded.Store(true)
	return nil
}

func (m *mockBackend) Shutdown(ctx context.Context) error {
	m.loaded.Store(false)
	return nil
}

func (m *mockBackend) Generate(ctx context.Context, payloads []*types.GenerationParams) ([]*types.GenerationResult, error) {
	m.mu.Lock()
	m.batchSizes = append(m.batchSizes, len(payloads))
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.generateFn != nil {
		return m.generateFn(ctx, payloads)
	}
	// Default: echo each prompt back in order.
	results := make([]*types.GenerationResult, len(payloads))
	for i, p := range payloads {
		results[i] = &types.GenerationResult{
			ID:      fmt.Sprintf("gen-%d", i),
			Object:  "text_completion",
			Choices: []types.GenerationChoice{{Text: "echo:" + p.Prompt, FinishReason: "stop", Index: i}},
		}
	}
	return results, nil
}

func (m *mockBackend) Stream(ctx context.Context, params *types.GenerationParams) (<-chan types.StreamChunk, error) {
	if m.streamFn != nil {
		return m.streamFn(ctx, params)
	}
	ch := make(chan types.StreamChunk, 2)
	ch <- types.StreamChunk{Text: "echo:" + params.Prompt}
	ch <- types.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (m *mockBackend) Loaded() bool { return m.loaded.Load() }

func (m *mockBackend) Info() types.ModelInfo {
	return types.ModelInfo{Name: "mock-model", Loaded: m.loaded.Load()}
}

func (m *mockBackend) recordedBatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batchSizes...)
}

func makeBatch(ids ...string) []*pendingRequest {
	batch := make([]*pendingRequest, len(ids))
	for i, id := range ids {
		batch[i] = makePending(id)
	}
	return batch
}

func TestDispatcher_PositionalFanOut(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	d := newBatchDispatcher(backend, zaptest.NewLogger(t))

	batch := makeBatch("r1", "r2", "r3")
	d.Dispatch(ctx, batch)

	for i, req := range batch {
		res, err := req.promise.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, "echo:prompt "+req.id, res.Text())
		assert.Equal(t, i, res.Choices[0].Index)
	}
}

func TestDispatcher_WholeBatchFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	backend.generateFn = func(context.Context, []*types.GenerationParams) ([]*types.GenerationResult, error) {
		return nil, errors.New("model exploded")
	}
	d := newBatchDispatcher(backend, zaptest.NewLogger(t))

	batch := makeBatch("r1", "r2")
	d.Dispatch(ctx, batch)

	for _, req := range batch {
		_, err := req.promise.Await(ctx)
		require.Error(t, err)
		assert.Equal(t, types.ErrBackendFailure, types.GetErrorCode(err))
		assert.True(t, types.IsRetryable(err))
	}
}

func TestDispatcher_ShortResultList(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	backend.generateFn = func(_ context.Context, payloads []*types.GenerationParams) ([]*types.GenerationResult, error) {
		// Contract violation: one result for three payloads.
		return []*types.GenerationResult{
			{ID: "only", Choices: []types.GenerationChoice{{Text: "one"}}},
		}, nil
	}
	d := newBatchDispatcher(backend, zaptest.NewLogger(t))

	batch := makeBatch("r1", "r2", "r3")
	d.Dispatch(ctx, batch)

	res, err := batch[0].promise.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", res.Text())

	for _, req := range batch[1:] {
		_, err := req.promise.Await(ctx)
		require.Error(t, err)
		assert.Equal(t, types.ErrMissingResult, types.GetErrorCode(err))
	}
}

func TestDispatcher_BackendPanicBecomesBatchFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	backend.generateFn = func(context.Context, []*types.GenerationParams) ([]*types.GenerationResult, error) {
		panic("kernel crashed")
	}
	d := newBatchDispatcher(backend, zaptest.NewLogger(t))

	batch := makeBatch("r1", "r2")
	require.NotPanics(t, func() { d.Dispatch(ctx, batch) })

	for _, req := range batch {
		_, err := req.promise.Await(ctx)
		assert.Equal(t, types.ErrBackendFailure, types.GetErrorCode(err))
	}
}

func TestDispatcher_ResolvedPromiseDoesNotAffectBatchMates(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	d := newBatchDispatcher(backend, zaptest.NewLogger(t))

	batch := makeBatch("r1", "r2", "r3")
	// r2's promise was already resolved elsewhere; delivery to it fails,
	// but r1 and r3 must still receive their results.
	require.NoError(t, batch[1].promise.Fail(errors.New("pre-resolved")))

	require.NotPanics(t, func() { d.Dispatch(ctx, batch) })

	res, err := batch[0].promise.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:prompt r1", res.Text())

	res, err = batch[2].promise.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:prompt r3", res.Text())
}

func TestDispatcher_CancelledContextMapsToShuttingDown(t *testing.T) {
	backend := newMockBackend()
	d := newBatchDispatcher(backend, zaptest.NewLogger(t))

	batch := makeBatch("r1")
	d.Dispatch(testutil.CancelledContext(), batch)

	awaitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := batch[0].promise.Await(awaitCtx)
	require.Error(t, err)
	assert.Equal(t, types.ErrShuttingDown, types.GetErrorCode(err))
}

func TestDispatcher_EmptyBatchIsNoOp(t *testing.T) {
	backend := newMockBackend()
	d := newBatchDispatcher(backend, zaptest.NewLogger(t))

	d.Dispatch(context.Background(), nil)
	assert.Empty(t, backend.recordedBatchSizes())
}

func TestDispatcher_LogsQueueWait(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := newBatchDispatcher(newMockBackend(), zap.New(core))

	req := makePending("r1")
	d.Dispatch(context.Background(), []*pendingRequest{req})

	entries := logs.FilterMessage("dispatching batch").All()
	require.Len(t, entries, 1)
	wait, ok := entries[0].ContextMap()["queue_wait"].(time.Duration)
	require.True(t, ok)
	assert.GreaterOrEqual(t, wait, time.Duration(0))
}
