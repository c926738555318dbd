package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters across the engine.
var metrics struct {
	SearchRequests      atomic.Int64
	DetailRequests      atomic.Int64
	FetchErrors         atomic.Int64
	LLMCalls            atomic.Int64
	LLMErrors           atomic.Int64
	JobsScraped         atomic.Int64
	JobsDuplicate       atomic.Int64
	ApplyAttempts       atomic.Int64
	ApplySucceeded      atomic.Int64
	ApplyFailed         atomic.Int64
	JobsRecovered       atomic.Int64
	MCPClientCalls      atomic.Int64
	MCPClientRetries    atomic.Int64
}

// GetMetrics returns a snapshot of all metrics including cache stats.
func GetMetrics() map[string]int64 {
	hits, misses := CacheStats()
	return map[string]int64{
		"search_requests":    metrics.SearchRequests.Load(),
		"detail_requests":    metrics.DetailRequests.Load(),
		"fetch_errors":       metrics.FetchErrors.Load(),
		"llm_calls":          metrics.LLMCalls.Load(),
		"llm_errors":         metrics.LLMErrors.Load(),
		"jobs_scraped":       metrics.JobsScraped.Load(),
		"jobs_duplicate":     metrics.JobsDuplicate.Load(),
		"apply_attempts":     metrics.ApplyAttempts.Load(),
		"apply_succeeded":    metrics.ApplySucceeded.Load(),
		"apply_failed":       metrics.ApplyFailed.Load(),
		"jobs_recovered":     metrics.JobsRecovered.Load(),
		"mcp_client_calls":   metrics.MCPClientCalls.Load(),
		"mcp_client_retries": metrics.MCPClientRetries.Load(),
		"cache_hits":         hits,
		"cache_misses":       misses,
	}
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoint.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	keys := []string{
		"search_requests", "detail_requests", "fetch_errors",
		"llm_calls", "llm_errors",
		"jobs_scraped", "jobs_duplicate",
		"apply_attempts", "apply_succeeded", "apply_failed",
		"jobs_recovered",
		"mcp_client_calls", "mcp_client_retries",
		"cache_hits", "cache_misses",
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

// Incrementors for jobs/ and mcpclient/ sub-packages.
func IncrSearchRequests()        { metrics.SearchRequests.Add(1) }
func IncrDetailRequests()        { metrics.DetailRequests.Add(1) }
func IncrFetchErrors()           { metrics.FetchErrors.Add(1) }
func AddJobsScraped(n int)       { metrics.JobsScraped.Add(int64(n)) }
func AddJobsDuplicate(n int)     { metrics.JobsDuplicate.Add(int64(n)) }
func IncrApplyAttempts()         { metrics.ApplyAttempts.Add(1) }
func IncrApplySucceeded()        { metrics.ApplySucceeded.Add(1) }
func IncrApplyFailed()           { metrics.ApplyFailed.Add(1) }
func AddJobsRecovered(n int)     { metrics.JobsRecovered.Add(int64(n)) }
func IncrMCPClientCalls()        { metrics.MCPClientCalls.Add(1) }
func IncrMCPClientRetries()      { metrics.MCPClientRetries.Add(1) }

// TrackOperation logs a warning if an operation takes longer than threshold.
func TrackOperation(ctx context.Context, name string, threshold time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if elapsed > threshold {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
