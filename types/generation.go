package types

import "time"

// GenerationParams carries the caller-supplied parameters for one generation.
// The scheduler treats it as an opaque payload; only the backend interprets it.
type GenerationParams struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

// GenerationUsage holds token accounting for one generation.
type GenerationUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationChoice is a single completion alternative.
type GenerationChoice struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Index        int    `json:"index"`
}

// GenerationResult is the backend's answer for one payload.
type GenerationResult struct {
	ID        string             `json:"id"`
	Object    string             `json:"object"`
	Model     string             `json:"model"`
	Choices   []GenerationChoice `json:"choices"`
	Usage     GenerationUsage    `json:"usage"`
	CreatedAt time.Time          `json:"created_at"`
}

// Text returns the first choice's text, or "" when there is none.
func (r *GenerationResult) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Text
}

// StreamChunk is one incremental piece of a streamed generation.
// The final chunk carries a FinishReason; a failed stream carries Err.
type StreamChunk struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model,omitempty"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Err          *Error `json:"error,omitempty"`
}

// ModelInfo describes the model behind the backend capability.
type ModelInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContextSize int    `json:"context_size,omitempty"`
	Loaded      bool   `json:"loaded"`
}
