// Package llamacpp talks to a llama.cpp HTTP server (llama-server) over its
// native completion API. The server owns the GGUF model; this client treats
// it as a single-capability backend: ready or not, one completion at a time.
package llamacpp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pbateman/ggufserve/types"
)

const healthPollInterval = 250 * time.Millisecond

// Config configures the llama.cpp server connection.
type Config struct {
	// BaseURL is the llama-server address, e.g. http://127.0.0.1:8081.
	BaseURL string
	// ModelPath is informational; the server decides what it loads. It is
	// reported back via Info when /props does not name the model.
	ModelPath string
	// LoadTimeout bounds how long Load polls /health before giving up.
	LoadTimeout time.Duration
	// RequestTimeout bounds a single completion call.
	RequestTimeout time.Duration
}

// Client implements engine.Backend against a llama.cpp server.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	loaded atomic.Bool
	info   atomic.Pointer[types.ModelInfo]
}

// New creates a client. The server is not contacted until Load.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8081"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 2 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger.With(zap.String("component", "llamacpp")),
	}
}

// llama.cpp wire types. Field names follow the server's JSON, not ours.

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
	CachePrompt   bool     `json:"cache_prompt,omitempty"`
}

type completionResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StoppedEOS      bool   `json:"stopped_eos"`
	StoppedWord     bool   `json:"stopped_word"`
	StoppedLimit    bool   `json:"stopped_limit"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

type propsResponse struct {
	ModelPath                 string `json:"model_path"`
	TotalSlots                int    `json:"total_slots"`
	DefaultGenerationSettings struct {
		NCtx  int    `json:"n_ctx"`
		Model string `json:"model"`
	} `json:"default_generation_settings"`
}

type serverError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (r completionResponse) finishReason() string {
	switch {
	case r.StoppedLimit:
		return "length"
	case r.StoppedEOS, r.StoppedWord:
		return "stop"
	default:
		return "stop"
	}
}

// Load waits for the server to report healthy, then records model info.
// llama-server answers /health with 503 while the model is still loading.
func (c *Client) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()

	c.logger.Info("waiting for llama.cpp server", zap.String("base_url", c.cfg.BaseURL))

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		healthy, err := c.checkHealth(ctx)
		if healthy {
			break
		}
		if err != nil {
			c.logger.Debug("server not ready yet", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return types.NewError(types.ErrModelNotLoaded, "llama.cpp server did not become healthy").
				WithCause(ctx.Err())
		case <-ticker.C:
		}
	}

	info := types.ModelInfo{
		Name:   filepath.Base(c.cfg.ModelPath),
		Path:   c.cfg.ModelPath,
		Loaded: true,
	}
	if props, err := c.fetchProps(ctx); err != nil {
		c.logger.Warn("could not read server props", zap.Error(err))
	} else {
		info.ContextSize = props.DefaultGenerationSettings.NCtx
		if props.ModelPath != "" {
			info.Path = props.ModelPath
			info.Name = filepath.Base(props.ModelPath)
		}
	}

	c.info.Store(&info)
	c.loaded.Store(true)
	c.logger.Info("backend ready",
		zap.String("model", info.Name),
		zap.Int("context_size", info.ContextSize),
	)
	return nil
}

// Shutdown detaches from the server. The server process is externally
// managed, so there is nothing to stop remotely.
func (c *Client) Shutdown(ctx context.Context) error {
	c.loaded.Store(false)
	c.logger.Info("backend released")
	return nil
}

// Loaded reports whether Load completed successfully.
func (c *Client) Loaded() bool { return c.loaded.Load() }

// Info describes the model behind the server.
func (c *Client) Info() types.ModelInfo {
	if info := c.info.Load(); info != nil {
		out := *info
		out.Loaded = c.loaded.Load()
		return out
	}
	return types.ModelInfo{
		Name:   filepath.Base(c.cfg.ModelPath),
		Path:   c.cfg.ModelPath,
		Loaded: false,
	}
}

// Generate runs the batch's prompts one after another. The server holds one
// model instance, so in-batch parallelism would buy nothing; batching still
// pays off because a single queue drain amortizes scheduling overhead.
// Any per-prompt failure fails the whole batch.
func (c *Client) Generate(ctx context.Context, payloads []*types.GenerationParams) ([]*types.GenerationResult, error) {
	if !c.loaded.Load() {
		return nil, types.NewError(types.ErrModelNotLoaded, "backend is not loaded")
	}

	results := make([]*types.GenerationResult, 0, len(payloads))
	for i, params := range payloads {
		result, err := c.complete(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("prompt %d/%d: %w", i+1, len(payloads), err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (c *Client) complete(ctx context.Context, params *types.GenerationParams) (*types.GenerationResult, error) {
	payload, _ := json.Marshal(buildCompletionRequest(params, false))
	endpoint := c.cfg.BaseURL + "/completion"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build completion request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapServerError(resp.StatusCode, readServerErrMsg(resp.Body))
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode completion response").
			WithCause(err).WithRetryable(true)
	}

	c.logger.Debug("completion finished",
		zap.Int("prompt_tokens", cr.TokensEvaluated),
		zap.Int("completion_tokens", cr.TokensPredicted),
		zap.Duration("latency", time.Since(start)),
	)

	info := c.Info()
	return &types.GenerationResult{
		ID:     "gen-" + uuid.NewString(),
		Object: "text_completion",
		Model:  info.Name,
		Choices: []types.GenerationChoice{{
			Text:         cr.Content,
			FinishReason: cr.finishReason(),
			Index:        0,
		}},
		Usage: types.GenerationUsage{
			PromptTokens:     cr.TokensEvaluated,
			CompletionTokens: cr.TokensPredicted,
			TotalTokens:      cr.TokensEvaluated + cr.TokensPredicted,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Stream requests a streamed completion and decodes the server's SSE frames
// into chunks. The returned channel closes when the generation finishes, the
// stream fails, or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, params *types.GenerationParams) (<-chan types.StreamChunk, error) {
	if !c.loaded.Load() {
		return nil, types.NewError(types.ErrModelNotLoaded, "backend is not loaded")
	}

	payload, _ := json.Marshal(buildCompletionRequest(params, true))
	endpoint := c.cfg.BaseURL + "/completion"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build stream request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapServerError(resp.StatusCode, readServerErrMsg(resp.Body))
	}

	id := "gen-" + uuid.NewString()
	model := c.Info().Name

	ch := make(chan types.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					emit(ctx, ch, types.StreamChunk{
						ID: id, Model: model,
						Err: types.NewError(types.ErrUpstreamError, "stream read failed").
							WithCause(err).WithRetryable(true),
					})
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "event:") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var cr completionResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				emit(ctx, ch, types.StreamChunk{
					ID: id, Model: model,
					Err: types.NewError(types.ErrUpstreamError, "decode stream frame").
						WithCause(err).WithRetryable(true),
				})
				return
			}

			chunk := types.StreamChunk{ID: id, Model: model, Text: cr.Content}
			if cr.Stop {
				chunk.FinishReason = cr.finishReason()
			}
			if !emit(ctx, ch, chunk) {
				return
			}
			if cr.Stop {
				return
			}
		}
	}()
	return ch, nil
}

// emit sends a chunk unless the caller has gone away.
func emit(ctx context.Context, ch chan<- types.StreamChunk, chunk types.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildCompletionRequest(params *types.GenerationParams, stream bool) completionRequest {
	return completionRequest{
		Prompt:        params.Prompt,
		NPredict:      params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		RepeatPenalty: params.RepeatPenalty,
		Seed:          params.Seed,
		Stop:          params.Stop,
		Stream:        stream,
		CachePrompt:   true,
	}
}

func (c *Client) checkHealth(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) fetchProps(ctx context.Context) (*propsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/props", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("props: status=%d", resp.StatusCode)
	}
	var props propsResponse
	if err := json.NewDecoder(resp.Body).Decode(&props); err != nil {
		return nil, err
	}
	return &props, nil
}

func readServerErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var se serverError
	if err := json.Unmarshal(data, &se); err == nil && se.Error.Message != "" {
		return se.Error.Message
	}
	return strings.TrimSpace(string(data))
}

func transportError(err error) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, "llama.cpp server timed out").
			WithCause(err).WithRetryable(true)
	}
	return types.NewError(types.ErrUpstreamError, "llama.cpp server unreachable").
		WithCause(err).WithRetryable(true)
}

func mapServerError(status int, msg string) *types.Error {
	switch status {
	case http.StatusServiceUnavailable:
		// The server answers 503 while loading or when all slots are busy.
		return types.NewError(types.ErrModelNotLoaded, msg).
			WithHTTPStatus(status).WithRetryable(true)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).
			WithHTTPStatus(status).WithRetryable(true)
	case http.StatusBadRequest:
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status)
	default:
		return types.NewError(types.ErrUpstreamError, msg).
			WithHTTPStatus(status).WithRetryable(status >= 500)
	}
}
