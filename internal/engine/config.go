package engine

import (
	"net/http"
	"time"

	"github.com/anatolykoptev/go-kit/llm"
)

// Config holds all engine configuration, injected from main.
type Config struct {
	LLMAPIKey            string
	LLMAPIKeyFallbacks   []string
	LLMAPIBase           string
	LLMModel             string
	LLMTemperature       float64
	LLMMaxTokens         int
	FetchTimeout         time.Duration
	CacheMaxEntries      int
	CacheCleanupInterval time.Duration
	HTTPClient           *http.Client
	BrowserClient        *BrowserClient // nil = plain net/http for LinkedIn
	LLMClient            *llm.Client    // nil = heuristic answers only

	// LinkedIn guest API circuit breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

var cfg Config

// Cfg exposes the engine configuration for sub-packages (jobs, jobserver).
// Always points to the current cfg value.
var Cfg = &cfg

// Init initializes the engine with the given configuration.
func Init(c Config) {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg = c
	Cfg = &cfg
	initBreaker(c.BreakerFailures, c.BreakerCooldown)
}

// LLMEnabled reports whether an LLM client is configured.
func LLMEnabled() bool {
	return cfg.LLMClient != nil && cfg.LLMAPIKey != ""
}
