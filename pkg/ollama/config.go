package ollama

import "time"

// Config holds settings for the Ollama client. Its field set mirrors
// internal/config.OllamaConfig so callers can convert directly.
type Config struct {
	// BaseURL is the HTTP endpoint for the Ollama instance, e.g. http://localhost:11434
	BaseURL string `yaml:"base_url" json:"base_url"`
	// DefaultModelNames lists models Health expects to find
	DefaultModelNames []string `yaml:"models" json:"models"`
	// Timeout is the per-attempt timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Retries int           `yaml:"retries" json:"retries"`
	// Backoff is multiplied by the attempt number between retries
	Backoff time.Duration `yaml:"backoff" json:"backoff"`
	// CircuitFailureThreshold opens the circuit after this many consecutive failures
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" json:"circuit_failure_threshold"`
	// CircuitReset is how long the circuit stays open before a half-open attempt
	CircuitReset time.Duration `yaml:"circuit_reset" json:"circuit_reset"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:                 "http://localhost:11434",
		DefaultModelNames:       []string{"llama3"},
		Timeout:                 30 * time.Second,
		Retries:                 2,
		Backoff:                 500 * time.Millisecond,
		CircuitFailureThreshold: 5,
		CircuitReset:            30 * time.Second,
	}
}
