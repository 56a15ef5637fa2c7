// Package api defines the HTTP wire types for the generation server.
package api

import (
	"github.com/pbateman/ggufserve/types"
)

// GenerateRequest is the body of POST /api/v1/generate.
type GenerateRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	// Stream switches the response to SSE and bypasses batching.
	Stream bool `json:"stream,omitempty"`
}

// GenerateResponse mirrors types.GenerationResult on the wire.
type GenerateResponse = types.GenerationResult

// StreamChunk is one SSE data frame of a streamed generation.
type StreamChunk = types.StreamChunk

// ModelsResponse is the body of GET /api/v1/models.
type ModelsResponse struct {
	Object string            `json:"object"`
	Data   []types.ModelInfo `json:"data"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	State          string `json:"state"`
	QueueDepth     int    `json:"queue_depth"`
	MaxBatchSize   int    `json:"max_batch_size"`
	BatchTimeoutMS int64  `json:"batch_timeout_ms"`
	Submitted      int64  `json:"requests_submitted"`
	Completed      int64  `json:"requests_completed"`
	Failed         int64  `json:"requests_failed"`
	Batches        int64  `json:"batches_dispatched"`
	Model          string `json:"model"`
}
