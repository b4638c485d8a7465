// Package warmup seeds the static partition from the application manifest and
// retires static partitions of previous versions.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/media-cache/pkg/cache"
	"github.com/Sternrassler/media-cache/pkg/fetch"
	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/rs/zerolog"
)

// Config holds seeder configuration
type Config struct {
	// Origin is the base URL manifest paths are resolved against
	Origin *url.URL

	// Version names the current static partition
	Version string

	// Manifest lists the paths of the application shell and its assets
	Manifest []string

	// IgnoreQuery must match the static tier's key setting
	IgnoreQuery bool

	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int

	// Timeout per asset fetch
	Timeout time.Duration
}

// DefaultConfig returns the default seeder configuration.
func DefaultConfig() Config {
	return Config{
		Version:        "v1",
		Manifest:       []string{"/", "/index.html", "/manifest.json", "/favicon.ico"},
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// Result summarizes a seeding pass.
type Result struct {
	Stored int
	Failed map[string]error
}

type assetResult struct {
	path string
	err  error
}

// Seeder populates the static partition of the current version.
type Seeder struct {
	fetcher   fetch.Fetcher
	backend   store.Backend
	partition *store.Partition
	config    Config
	logger    zerolog.Logger
}

// NewSeeder creates a new seeder.
func NewSeeder(backend store.Backend, fetcher fetch.Fetcher, config Config, logger zerolog.Logger) *Seeder {
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Origin == nil {
		config.Origin = &url.URL{Scheme: "http", Host: "localhost"}
	}

	return &Seeder{
		fetcher:   fetcher,
		backend:   backend,
		partition: store.NewPartition(backend, store.StaticPartition(config.Version)),
		config:    config,
		logger:    logger,
	}
}

// Partition returns the static partition being seeded.
func (s *Seeder) Partition() *store.Partition {
	return s.partition
}

// Seed fetches every manifest path in parallel and stores 200 responses.
// A failing asset does not stop the others; the returned error joins every
// failure.
func (s *Seeder) Seed(ctx context.Context) (Result, error) {
	start := time.Now()
	result := Result{Failed: make(map[string]error)}
	if len(s.config.Manifest) == 0 {
		return result, nil
	}

	queue := make(chan string, len(s.config.Manifest))
	results := make(chan assetResult, len(s.config.Manifest))

	for _, path := range s.config.Manifest {
		queue <- path
	}
	close(queue)

	workers := min(s.config.MaxConcurrency, len(s.config.Manifest))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.worker(ctx, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for r := range results {
		if r.err != nil {
			result.Failed[r.path] = r.err
			errs = append(errs, fmt.Errorf("%s: %w", r.path, r.err))
			continue
		}
		result.Stored++
	}

	s.logger.Info().
		Str("partition", s.partition.Name()).
		Int("stored", result.Stored).
		Int("failed", len(result.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Static partition seeded")

	if len(errs) > 0 {
		return result, fmt.Errorf("seed %s (%d/%d assets): %w",
			s.partition.Name(), result.Stored, len(s.config.Manifest), errors.Join(errs...))
	}
	return result, nil
}

// worker processes manifest paths from the queue
func (s *Seeder) worker(ctx context.Context, queue <-chan string, results chan<- assetResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for path := range queue {
		// Drain the queue so every path is reported
		if err := ctx.Err(); err != nil {
			results <- assetResult{path: path, err: err}
			continue
		}

		assetCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		err := s.seedOne(assetCtx, path)
		cancel()

		if err != nil {
			s.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("path", path).
				Msg("Asset fetch failed")
		}
		results <- assetResult{path: path, err: err}
		processed++
	}

	if processed > 0 {
		s.logger.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}

func (s *Seeder) seedOne(ctx context.Context, path string) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}

	key := cache.CacheKey{URL: target, IgnoreQuery: s.config.IgnoreQuery}.String()
	entry, err := cache.ResponseToEntry(key, resp)
	if err != nil {
		return err
	}
	if entry.StatusCode != http.StatusOK {
		return &fetch.NetworkError{URL: target.String(), StatusCode: entry.StatusCode, ErrorClass: fetch.ErrorClassClient}
	}

	return s.partition.Put(ctx, entry)
}

func (s *Seeder) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest path %q: %w", path, err)
	}
	return s.config.Origin.ResolveReference(ref), nil
}

// Activate drops every static partition except the current version.
func (s *Seeder) Activate(ctx context.Context) ([]string, error) {
	partitions, err := s.backend.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var dropped []string
	for _, name := range partitions {
		if !store.IsStaticPartition(name) || name == s.partition.Name() {
			continue
		}
		if err := s.backend.Drop(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop %s: %w", name, err)
		}
		dropped = append(dropped, name)
	}

	if len(dropped) > 0 {
		s.logger.Info().
			Strs("dropped", dropped).
			Str("current", s.partition.Name()).
			Msg("Retired old static partitions")
	}
	return dropped, nil
}
