// Package fetch provides the network layer behind the media cache: an origin
// fetcher with timeouts, retry with jittered backoff, and error classification.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for origin requests.
var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_origin_requests_total",
		Help: "Total origin requests by method and status",
	}, []string{"method", "status"})

	originRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediacache_origin_request_duration_seconds",
		Help:    "Origin request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	originErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_origin_errors_total",
		Help: "Total origin errors by class",
	}, []string{"class"})
)

// Fetcher issues requests to the network.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Config holds the fetcher configuration.
type Config struct {
	// Timeout bounds a single attempt including reading the body
	Timeout time.Duration

	// UserAgent is set on outgoing requests that carry none
	UserAgent string

	// Retry controls retries of idempotent requests
	Retry RetryConfig

	// Transport overrides the underlying round tripper (tests)
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   60 * time.Second,
		UserAgent: "media-cache/0.1.0",
		Retry:     DefaultRetryConfig(),
	}
}

// HTTPFetcher fetches from the origin over HTTP. Redirects are returned to
// the caller rather than followed, so it can sit below an http.Client.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new HTTP fetcher.
func New(cfg Config) *HTTPFetcher {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &HTTPFetcher{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: cfg,
		logger: log.With().Str("component", "fetch").Logger(),
	}
}

// Fetch performs the request against the origin.
//
// Transport failures are returned as *NetworkError once retries are
// exhausted. A 5xx that persists through every attempt is returned as the
// response itself, so the caller sees the origin's status.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	startTime := time.Now()
	defer func() {
		originRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	retryCfg := f.config.Retry
	if !idempotent(req) {
		retryCfg.MaxAttempts = 1
	}

	var resp *http.Response
	err := retryWithBackoff(ctx, retryCfg, f.logger, func() error {
		if resp != nil {
			drainAndClose(resp)
			resp = nil
		}

		outReq := req.Clone(ctx)
		outReq.RequestURI = ""
		if f.config.UserAgent != "" && outReq.Header.Get("User-Agent") == "" {
			outReq.Header.Set("User-Agent", f.config.UserAgent)
		}

		r, reqErr := f.httpClient.Do(outReq)
		if reqErr != nil {
			originErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			originRequestsTotal.WithLabelValues(method, "network_error").Inc()
			f.logger.Debug().Err(reqErr).Str("url", req.URL.String()).Msg("Origin request failed")
			return &NetworkError{
				URL:        req.URL.String(),
				ErrorClass: ErrorClassNetwork,
				Err:        reqErr,
			}
		}

		resp = r
		originRequestsTotal.WithLabelValues(method, strconv.Itoa(r.StatusCode)).Inc()

		if r.StatusCode >= 500 {
			originErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
			return &NetworkError{
				URL:        req.URL.String(),
				StatusCode: r.StatusCode,
				ErrorClass: ErrorClassServer,
			}
		}
		return nil
	})

	if err != nil {
		if resp != nil && classOf(err) == ErrorClassServer {
			return resp, nil
		}
		if resp != nil {
			drainAndClose(resp)
		}
		if errors.Is(err, ErrContextCancelled) {
			return nil, &NetworkError{URL: req.URL.String(), ErrorClass: ErrorClassNetwork, Err: err}
		}
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}

	return resp, nil
}

// idempotent reports whether the request may be replayed.
func idempotent(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	default:
		return false
	}
}

func drainAndClose(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
