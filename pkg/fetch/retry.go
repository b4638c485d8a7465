package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	originRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_origin_retries_total",
		Help: "Total number of origin retry attempts by error class",
	}, []string{"error_class"})

	originRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediacache_origin_retry_backoff_seconds",
		Help:    "Backoff duration for origin retries by error class",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"error_class"})

	originRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_origin_retry_exhausted_total",
		Help: "Total number of times origin retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration. Media requests
// sit on a user's critical path, so backoffs stay short.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// backoff returns the jittered wait before the given retry (1-based).
// The base doubles by BackoffMultiplier per retry and is capped at MaxBackoff;
// jitter spreads it over [0.8, 1.2) of the base.
func (c RetryConfig) backoff(retry int) time.Duration {
	base := float64(c.InitialBackoff)
	for i := 1; i < retry; i++ {
		base *= c.BackoffMultiplier
		if c.MaxBackoff > 0 && base >= float64(c.MaxBackoff) {
			base = float64(c.MaxBackoff)
			break
		}
	}
	return time.Duration(base * (0.8 + rand.Float64()*0.4))
}

// retryWithBackoff calls fn until it succeeds, fails with a class that is not
// retried, or MaxAttempts is reached. Only *NetworkError values carry a class,
// so any other error ends the loop immediately.
func retryWithBackoff(ctx context.Context, config RetryConfig, logger zerolog.Logger, fn func() error) error {
	attempts := max(config.MaxAttempts, 1)

	var (
		err   error
		class ErrorClass
	)
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			if attempt > 1 {
				logger.Info().Str("error_class", string(class)).Int("attempt", attempt).
					Msg("Origin request succeeded after retry")
			}
			return nil
		}

		class = classOf(err)
		if !shouldRetry(class) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := config.backoff(attempt)
		originRetriesTotal.WithLabelValues(string(class)).Inc()
		originRetryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
		logger.Debug().Str("error_class", string(class)).Int("attempt", attempt).Dur("backoff", wait).
			Msg("Retrying origin request")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	if attempts > 1 {
		originRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
		logger.Warn().Str("error_class", string(class)).Int("max_attempts", attempts).
			Msg("Origin retry attempts exhausted")
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
}

func classOf(err error) ErrorClass {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.ErrorClass
	}
	return ""
}
