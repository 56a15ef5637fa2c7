package config

import "time"

// DefaultConfig returns the configuration the server runs with when no file
// or environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Model:      DefaultModelConfig(),
		Batch:      DefaultBatchConfig(),
		Generation: DefaultGenerationConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8000",
		MetricsAddr:     ":9090",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    0,
		RateLimitBurst:  50,
	}
}

// DefaultModelConfig returns the default backend configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		BaseURL:        "http://127.0.0.1:8081",
		Path:           "./models/phi-3-mini-4k-instruct-q4.gguf",
		LoadTimeout:    2 * time.Minute,
		RequestTimeout: 5 * time.Minute,
	}
}

// DefaultBatchConfig returns the default batching policy.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:    8,
		BatchTimeout:    100 * time.Millisecond,
		LivenessTimeout: time.Second,
	}
}

// DefaultGenerationConfig returns the default sampling parameters.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxTokens:     256,
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}
