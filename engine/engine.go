// Package engine defines the inference backend capability. The scheduler
// borrows a Backend; it never owns the underlying resource.
package engine

import (
	"context"

	"github.com/pbateman/ggufserve/types"
)

// Backend is the single logical inference resource behind the scheduler.
// Implementations need not be reentrant: the scheduler serializes Generate
// calls. Stream runs outside the batched path and must be safe to call
// concurrently with Generate.
type Backend interface {
	// Load acquires the backend and loads the model. It may be slow and is
	// called once, before the scheduler accepts requests.
	Load(ctx context.Context) error

	// Shutdown releases the backend resource.
	Shutdown(ctx context.Context) error

	// Generate executes one batch. On success it returns one result per
	// payload, in payload order. An error applies to the whole batch.
	Generate(ctx context.Context, payloads []*types.GenerationParams) ([]*types.GenerationResult, error)

	// Stream generates incrementally for a single payload. The returned
	// channel is closed when the generation finishes; a failed stream
	// delivers a final chunk with Err set.
	Stream(ctx context.Context, params *types.GenerationParams) (<-chan types.StreamChunk, error)

	// Loaded reports whether the model is available.
	Loaded() bool

	// Info describes the model behind this backend.
	Info() types.ModelInfo
}
