// Package config loads server configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete server configuration.
type Config struct {
	// Server HTTP transport configuration
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Model backend (llama.cpp) configuration
	Model ModelConfig `yaml:"model" env:"MODEL"`

	// Batch dynamic batching configuration
	Batch BatchConfig `yaml:"batch" env:"BATCH"`

	// Generation per-request defaults
	Generation GenerationConfig `yaml:"generation" env:"GENERATION"`

	// Log logging configuration
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	// Listen address for the API server
	Addr string `yaml:"addr" env:"ADDR"`
	// Listen address for the Prometheus metrics server
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout; generous because batched requests wait in the queue
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Idle timeout
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Requests per second allowed on generate endpoints (0 disables limiting)
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// Burst size for the rate limiter
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// Origins allowed to make cross-origin requests (empty disables CORS)
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// ModelConfig configures the backend capability.
type ModelConfig struct {
	// Base URL of the llama.cpp server
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Model path, reported in /models and health responses
	Path string `yaml:"path" env:"PATH"`
	// How long Load may poll the backend before giving up
	LoadTimeout time.Duration `yaml:"load_timeout" env:"LOAD_TIMEOUT"`
	// Per-completion HTTP timeout
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// BatchConfig configures the dynamic batching scheduler.
type BatchConfig struct {
	// Maximum number of requests grouped into one backend call
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	// Batch formation window, measured from the first request in the batch
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
	// Idle wait between shutdown checks when the queue is empty
	LivenessTimeout time.Duration `yaml:"liveness_timeout" env:"LIVENESS_TIMEOUT"`
}

// GenerationConfig holds defaults applied to requests that omit a field.
type GenerationConfig struct {
	MaxTokens     int     `yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature   float32 `yaml:"temperature" env:"TEMPERATURE"`
	TopP          float32 `yaml:"top_p" env:"TOP_P"`
	TopK          int     `yaml:"top_k" env:"TOP_K"`
	RepeatPenalty float32 `yaml:"repeat_penalty" env:"REPEAT_PENALTY"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths passed to zap
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if c.Model.BaseURL == "" {
		errs = append(errs, "model.base_url must not be empty")
	}
	if c.Batch.MaxBatchSize <= 0 {
		errs = append(errs, "batch.max_batch_size must be positive")
	}
	if c.Batch.BatchTimeout <= 0 {
		errs = append(errs, "batch.batch_timeout must be positive")
	}
	if c.Batch.LivenessTimeout <= 0 {
		errs = append(errs, "batch.liveness_timeout must be positive")
	}
	if c.Generation.MaxTokens <= 0 {
		errs = append(errs, "generation.max_tokens must be positive")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, "generation.temperature must be between 0 and 2")
	}
	if c.Generation.TopP < 0 || c.Generation.TopP > 1 {
		errs = append(errs, "generation.top_p must be between 0 and 1")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "server.rate_limit_rps must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
