package ollama

import "time"

// Config holds settings for the Ollama client.
type Config struct {
	// BaseURL is the HTTP endpoint for the Ollama instance, e.g. http://localhost:11434
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Timeout bounds a single generate or list call
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Temperature is sent as a model option; scoring wants it low
	Temperature float32 `yaml:"temperature" json:"temperature"`
	// NumCtx is the context window requested from the model; zero keeps the model default
	NumCtx int `yaml:"num_ctx" json:"num_ctx"`
	// KeepAlive is how long the model stays loaded after a call; zero keeps the server default
	KeepAlive time.Duration `yaml:"keep_alive" json:"keep_alive"`
	// CircuitFailureThreshold opens the circuit after this many consecutive failures; zero disables it
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" json:"circuit_failure_threshold"`
	// CircuitReset is how long the circuit stays open before a trial request
	CircuitReset time.Duration `yaml:"circuit_reset" json:"circuit_reset"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:                 "http://localhost:11434",
		Timeout:                 60 * time.Second,
		Temperature:             0.1,
		NumCtx:                  4096,
		KeepAlive:               5 * time.Minute,
		CircuitFailureThreshold: 5,
		CircuitReset:            30 * time.Second,
	}
}
