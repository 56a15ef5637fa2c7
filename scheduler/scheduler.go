package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pbateman/ggufserve/engine"
	"github.com/pbateman/ggufserve/types"
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the batching policy.
type Config struct {
	// MaxBatchSize caps how many requests share one backend call.
	MaxBatchSize int
	// BatchTimeout is the batch-formation window, measured from the first
	// request in the batch.
	BatchTimeout time.Duration
	// LivenessTimeout bounds the idle wait so the worker can notice
	// shutdown; it is not part of the batching policy.
	LivenessTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 8
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 100 * time.Millisecond
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = time.Second
	}
	return c
}

// Stats is the read-only introspection surface.
type Stats struct {
	State        string        `json:"state"`
	QueueDepth   int           `json:"queue_depth"`
	MaxBatchSize int           `json:"max_batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	Submitted    int64         `json:"submitted"`
	Completed    int64         `json:"completed"`
	Failed       int64         `json:"failed"`
	Batches      int64         `json:"batches"`
}

// Option configures optional scheduler behavior.
type Option func(*Scheduler)

// WithBatchObserver registers a callback invoked after every dispatched
// batch with its size and backend-call duration.
func WithBatchObserver(fn func(size int, duration time.Duration)) Option {
	return func(s *Scheduler) { s.onBatch = fn }
}

// Scheduler groups independent generation requests into bounded batches,
// submits each batch to the borrowed backend, and routes every result back
// to exactly the caller that submitted it.
type Scheduler struct {
	cfg     Config
	backend engine.Backend
	logger  *zap.Logger

	// mu serializes lifecycle transitions; state is read lock-free on the
	// submit path.
	mu    sync.Mutex
	state atomic.Int32

	// queue, collector, and dispatcher are allocated once in New and live
	// across restarts, so Submit and Stats can touch them without mu.
	queue      *RequestQueue
	collector  *BatchCollector
	dispatcher *BatchDispatcher

	cancel     context.CancelFunc
	workerWG   sync.WaitGroup
	dispatchWG sync.WaitGroup
	// dispatchMu serializes backend calls: the backend is a single logical
	// resource with no concurrent-call guarantee. Collection of the next
	// batch still overlaps delivery of the previous one.
	dispatchMu sync.Mutex

	onBatch func(size int, duration time.Duration)

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	batches   atomic.Int64
}

// New creates a stopped scheduler around a borrowed backend.
func New(backend engine.Backend, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		backend: backend,
		logger:  logger.With(zap.String("component", "scheduler")),
	}
	s.queue = newRequestQueue()
	s.collector = newBatchCollector(s.queue, s.cfg.MaxBatchSize, s.cfg.BatchTimeout, s.cfg.LivenessTimeout)
	s.dispatcher = newBatchDispatcher(backend, s.logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) loadState() State {
	return State(s.state.Load())
}

func (s *Scheduler) storeState(st State) {
	s.state.Store(int32(st))
}

// Start acquires the backend (the slow, blocking setup step) and begins the
// background collect/dispatch loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadState() == StateRunning {
		return nil
	}

	s.storeState(StateStarting)
	s.logger.Info("acquiring backend")

	if err := s.backend.Load(ctx); err != nil {
		s.storeState(StateStopped)
		return types.NewError(types.ErrServiceUnavailable, "failed to acquire backend").WithCause(err)
	}

	s.queue.Reopen()

	// The worker outlives the Start call; its life is bound to Stop, not
	// to the caller's context.
	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.workerWG.Add(1)
	go s.run(workerCtx)

	s.storeState(StateRunning)
	s.logger.Info("scheduler started",
		zap.Int("max_batch_size", s.cfg.MaxBatchSize),
		zap.Duration("batch_timeout", s.cfg.BatchTimeout),
	)
	return nil
}

// Stop signals the worker to exit after its current collection attempt,
// waits for in-flight dispatch, resolves everything still queued with a
// shutdown failure, and releases the backend. Stopping a stopped scheduler
// is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadState() == StateStopped {
		return nil
	}

	s.storeState(StateStopping)
	s.logger.Info("scheduler stopping")

	s.queue.Close()
	s.cancel()
	s.workerWG.Wait()
	s.dispatchWG.Wait()

	drained := s.queue.Drain()
	if len(drained) > 0 {
		s.logger.Info("resolving queued requests with shutdown failure", zap.Int("count", len(drained)))
		failure := types.NewError(types.ErrShuttingDown, "scheduler is shutting down")
		for _, req := range drained {
			if err := req.promise.Fail(failure); err != nil {
				s.logger.Error("failed to deliver shutdown failure",
					zap.String("request_id", req.id), zap.Error(err))
			}
		}
	}

	if err := s.backend.Shutdown(ctx); err != nil {
		s.logger.Warn("backend shutdown failed", zap.Error(err))
	}

	s.storeState(StateStopped)
	s.logger.Info("scheduler stopped")
	return nil
}

// run is the background worker: collect a batch, hand it to a dispatch
// goroutine, repeat. Dispatches are serialized against the backend, but the
// next collection proceeds while the previous batch delivers.
func (s *Scheduler) run(ctx context.Context) {
	defer s.workerWG.Done()
	s.logger.Info("batch worker started")

	for {
		if ctx.Err() != nil {
			s.logger.Info("batch worker exiting")
			return
		}

		batch := s.collector.Collect()
		if len(batch) == 0 {
			continue
		}

		s.batches.Add(1)
		s.dispatchWG.Add(1)
		go func(batch []*pendingRequest) {
			defer s.dispatchWG.Done()
			s.dispatchMu.Lock()
			defer s.dispatchMu.Unlock()

			start := time.Now()
			s.dispatcher.Dispatch(ctx, batch)
			if s.onBatch != nil {
				s.onBatch(len(batch), time.Since(start))
			}
		}(batch)
	}
}

// Submit enqueues one request and blocks until its promise resolves. This
// is the single entry point the transport calls per client request.
func (s *Scheduler) Submit(ctx context.Context, params *types.GenerationParams) (*types.GenerationResult, error) {
	if s.loadState() != StateRunning {
		return nil, types.NewError(types.ErrNotReady, "scheduler is not running")
	}

	req := &pendingRequest{
		id:         uuid.NewString(),
		params:     params,
		promise:    newPromise(),
		enqueuedAt: time.Now(),
	}

	if err := s.queue.Enqueue(req); err != nil {
		return nil, err
	}
	s.submitted.Add(1)

	result, err := req.promise.Await(ctx)
	if err != nil {
		s.failed.Add(1)
		return nil, err
	}
	s.completed.Add(1)
	return result, nil
}

// Stream is the non-batched bypass for incremental token delivery. It goes
// straight to the backend, never through the queue.
func (s *Scheduler) Stream(ctx context.Context, params *types.GenerationParams) (<-chan types.StreamChunk, error) {
	if s.loadState() != StateRunning {
		return nil, types.NewError(types.ErrNotReady, "scheduler is not running")
	}
	return s.backend.Stream(ctx, params)
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return s.loadState()
}

// IsReady reports whether the scheduler accepts requests.
func (s *Scheduler) IsReady() bool {
	return s.loadState() == StateRunning && s.backend.Loaded()
}

// Stats returns read-only scheduler introspection.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:        s.loadState().String(),
		QueueDepth:   s.queue.Len(),
		MaxBatchSize: s.cfg.MaxBatchSize,
		BatchTimeout: s.cfg.BatchTimeout,
		Submitted:    s.submitted.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		Batches:      s.batches.Load(),
	}
}
