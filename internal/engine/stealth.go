package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/sony/gobreaker"
)

// Re-export stealth types and functions for engine consumers.
type BrowserClient = stealth.BrowserClient

var DefaultRetryConfig = stealth.DefaultRetryConfig

func ChromeHeaders() map[string]string { return stealth.ChromeHeaders() }

func RetryDo[T any](ctx context.Context, rc stealth.RetryConfig, fn func() (T, error)) (T, error) {
	return stealth.RetryDo(ctx, rc, fn)
}

func RetryHTTP(ctx context.Context, rc stealth.RetryConfig, fn func() (*http.Response, error)) (*http.Response, error) {
	return stealth.RetryHTTP(ctx, rc, fn)
}

// linkedInBreaker trips after consecutive LinkedIn failures so a blocked
// session stops hammering the guest API.
var linkedInBreaker *gobreaker.CircuitBreaker

func initBreaker(failures int, cooldown time.Duration) {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	linkedInBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "linkedin",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Guard runs fn through the LinkedIn circuit breaker. An open breaker
// returns a network-category error without calling fn.
func Guard[T any](fn func() (T, error)) (T, error) {
	var zero T
	if linkedInBreaker == nil {
		initBreaker(0, 0)
	}
	v, err := linkedInBreaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, E("linkedin", CategoryNetwork, err)
		}
		return zero, err
	}
	return v.(T), nil
}
