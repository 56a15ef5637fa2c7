package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pbateman/ggufserve/api"
	"github.com/pbateman/ggufserve/config"
	"github.com/pbateman/ggufserve/types"
)

// maxPromptBytes bounds the accepted prompt size. llama.cpp truncates to the
// context window anyway; this guards the queue against absurd bodies.
const maxPromptBytes = 1 << 20

// Generator is the scheduler surface the generate endpoints need.
type Generator interface {
	Submit(ctx context.Context, params *types.GenerationParams) (*types.GenerationResult, error)
	Stream(ctx context.Context, params *types.GenerationParams) (<-chan types.StreamChunk, error)
}

// GenerationRecorder observes resolved generations for metrics. May be nil.
type GenerationRecorder interface {
	RecordGeneration(status string, duration time.Duration, promptTokens, completionTokens int)
}

// GenerateHandler serves the text generation endpoints.
type GenerateHandler struct {
	scheduler Generator
	defaults  config.GenerationConfig
	recorder  GenerationRecorder
	logger    *zap.Logger
}

// NewGenerateHandler creates a generate handler.
func NewGenerateHandler(scheduler Generator, defaults config.GenerationConfig, recorder GenerationRecorder, logger *zap.Logger) *GenerateHandler {
	return &GenerateHandler{
		scheduler: scheduler,
		defaults:  defaults,
		recorder:  recorder,
		logger:    logger,
	}
}

// HandleGenerate handles POST /api/v1/generate. Non-streamed requests go
// through the batching scheduler; stream=true bypasses it.
func (h *GenerateHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.GenerateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validate(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	params := h.buildParams(&req)

	if req.Stream {
		h.streamGeneration(w, r, params)
		return
	}

	start := time.Now()
	result, err := h.scheduler.Submit(r.Context(), params)
	if err != nil {
		h.record("failed", time.Since(start), 0, 0)
		WriteErrorFrom(w, err, h.logger)
		return
	}
	h.record("completed", time.Since(start), result.Usage.PromptTokens, result.Usage.CompletionTokens)

	h.logger.Info("generation completed",
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)
	WriteSuccess(w, result)
}

func (h *GenerateHandler) streamGeneration(w http.ResponseWriter, r *http.Request, params *types.GenerationParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	start := time.Now()
	stream, err := h.scheduler.Stream(r.Context(), params)
	if err != nil {
		h.record("failed", time.Since(start), 0, 0)
		WriteErrorFrom(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for chunk := range stream {
		if chunk.Err != nil {
			h.record("failed", time.Since(start), 0, 0)
			h.logger.Error("stream failed", zap.Error(chunk.Err))
			errPayload, _ := json.Marshal(map[string]string{"error": chunk.Err.Message})
			w.Write([]byte("event: error\n"))
			w.Write([]byte("data: "))
			w.Write(errPayload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		w.Write([]byte("data: "))
		if err := json.NewEncoder(w).Encode(chunk); err != nil {
			h.logger.Error("failed to write chunk", zap.Error(err))
			return
		}
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
	// Streamed chunks carry no usage; token counters stay with the batched path.
	h.record("completed", time.Since(start), 0, 0)
}

func (h *GenerateHandler) record(status string, duration time.Duration, promptTokens, completionTokens int) {
	if h.recorder != nil {
		h.recorder.RecordGeneration(status, duration, promptTokens, completionTokens)
	}
}

func (h *GenerateHandler) validate(req *api.GenerateRequest) *types.Error {
	if req.Prompt == "" {
		return types.NewError(types.ErrInvalidRequest, "prompt is required")
	}
	if len(req.Prompt) > maxPromptBytes {
		return types.NewError(types.ErrInvalidRequest, "prompt is too large")
	}
	if req.MaxTokens < 0 {
		return types.NewError(types.ErrInvalidRequest, "max_tokens must not be negative")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	if req.TopK != nil && *req.TopK < 0 {
		return types.NewError(types.ErrInvalidRequest, "top_k must not be negative")
	}
	return nil
}

// buildParams merges the request with the configured generation defaults.
func (h *GenerateHandler) buildParams(req *api.GenerateRequest) *types.GenerationParams {
	params := &types.GenerationParams{
		Prompt:        req.Prompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   h.defaults.Temperature,
		TopP:          h.defaults.TopP,
		TopK:          h.defaults.TopK,
		RepeatPenalty: h.defaults.RepeatPenalty,
		Stop:          req.Stop,
		Seed:          req.Seed,
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = h.defaults.MaxTokens
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}
	if req.TopK != nil {
		params.TopK = *req.TopK
	}
	if req.RepeatPenalty != nil {
		params.RepeatPenalty = *req.RepeatPenalty
	}
	return params
}
