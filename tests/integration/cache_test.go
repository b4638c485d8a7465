//go:build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/media-cache/internal/testutil"
	"github.com/Sternrassler/media-cache/pkg/cache"
	"github.com/Sternrassler/media-cache/pkg/classify"
	"github.com/Sternrassler/media-cache/pkg/control"
	"github.com/Sternrassler/media-cache/pkg/eviction"
	"github.com/Sternrassler/media-cache/pkg/fetch"
	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/Sternrassler/media-cache/pkg/warmup"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const mib = 1 << 20

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// stack is a fully wired cache in front of a mock origin.
type stack struct {
	backend store.Backend
	engine  *eviction.Engine
	tiered  *cache.Tiered
	client  *http.Client
}

func newStack(t *testing.T, redisClient *redis.Client, videoBudget int64) *stack {
	t.Helper()

	backend := store.NewRedisBackend(redisClient, "it")
	engine := eviction.NewEngine(zerolog.Nop(),
		eviction.NewTrimmer(store.NewPartition(backend, store.PartitionVideo), eviction.Budget{
			MaxBytes:       videoBudget,
			TargetFraction: 0.7,
			Policy:         eviction.PolicyLRU,
		}, zerolog.Nop()),
		eviction.NewTrimmer(store.NewPartition(backend, store.PartitionMedia), eviction.Budget{
			MaxBytes:       500 * mib,
			TargetFraction: 0.8,
			Policy:         eviction.PolicyInsertionDate,
		}, zerolog.Nop()),
	)

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.Retry.MaxAttempts = 1
	tiered := cache.NewTiered(backend, fetch.New(fetchCfg), engine, cache.DefaultConfig(), zerolog.Nop())
	controller := cache.NewController(classify.New(classify.DefaultRules()), tiered, zerolog.Nop())

	return &stack{
		backend: backend,
		engine:  engine,
		tiered:  tiered,
		client:  &http.Client{Transport: controller},
	}
}

func (s *stack) get(t *testing.T, target, rangeHeader string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func (s *stack) drain() {
	s.tiered.Wait()
	s.engine.Wait()
}

// TestVideoFlow covers miss, whole-blob storage and range hits on Redis.
func TestVideoFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetVideo("/api/media/1/clip.mp4", testutil.Blob(10*mib))

	s := newStack(t, redisClient, 100*mib)
	target := origin.URL() + "/api/media/1/clip.mp4"

	resp, body := s.get(t, target, "")
	if resp.StatusCode != http.StatusOK || len(body) != 10*mib {
		t.Fatalf("miss: status %d, %d bytes", resp.StatusCode, len(body))
	}

	resp, body = s.get(t, target, "bytes=0-1048575")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range: status %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 0-1048575/10485760" {
		t.Errorf("Content-Range = %q", got)
	}
	if len(body) != mib {
		t.Errorf("range body = %d bytes, want %d", len(body), mib)
	}
	if origin.GetPathCount("/api/media/1/clip.mp4") != 1 {
		t.Errorf("origin requests = %d, want 1", origin.GetPathCount("/api/media/1/clip.mp4"))
	}

	s.drain()
}

// TestVideoLRU writes five 3 MiB videos into a 10 MiB budget and checks the
// recently played one survives.
func TestVideoLRU(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	origin := testutil.NewMockOrigin()
	defer origin.Close()
	paths := []string{"/api/media/v1.mp4", "/api/media/v2.mp4", "/api/media/v3.mp4", "/api/media/v4.mp4", "/api/media/v5.mp4"}
	for _, p := range paths {
		origin.SetVideo(p, testutil.Blob(3*mib))
	}

	s := newStack(t, redisClient, 10*mib)
	ctx := context.Background()

	for i, p := range paths {
		s.get(t, origin.URL()+p, "")
		s.drain()
		// Distinct access times across writes
		time.Sleep(10 * time.Millisecond)
		if i == 2 {
			s.get(t, origin.URL()+paths[0], "bytes=0-99")
			s.drain()
			time.Sleep(10 * time.Millisecond)
		}
	}

	video := store.NewPartition(s.backend, store.PartitionVideo)
	total, err := video.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize() error = %v", err)
	}
	if total > 10*mib {
		t.Errorf("video partition = %d bytes, over budget", total)
	}

	keys, _ := video.Keys(ctx)
	present := make(map[string]bool)
	for _, k := range keys {
		present[cache.KeyPath(k)] = true
	}
	if !present["/api/media/v1.mp4"] {
		t.Error("recently played v1 was evicted")
	}
	if present["/api/media/v2.mp4"] {
		t.Error("least recently used v2 survived")
	}
	if !present["/api/media/v5.mp4"] {
		t.Error("newest v5 was evicted")
	}
}

// TestImageRevalidation serves the stale image while the origin is held.
func TestImageRevalidation(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetImage("/uploads/cover.png", []byte("v1"))

	s := newStack(t, redisClient, 100*mib)
	target := origin.URL() + "/uploads/cover.png"

	_, body := s.get(t, target, "")
	if string(body) != "v1" {
		t.Fatalf("first body = %q", body)
	}
	s.drain()

	origin.SetImage("/uploads/cover.png", []byte("v2"))
	origin.Hold("/uploads/cover.png")

	resp, body := s.get(t, target, "")
	if string(body) != "v1" || resp.Header.Get(cache.CacheStatusHeader) != "HIT" {
		t.Errorf("held origin: body %q, X-Cache %q", body, resp.Header.Get(cache.CacheStatusHeader))
	}

	origin.Release("/uploads/cover.png")
	s.drain()

	_, body = s.get(t, target, "")
	if string(body) != "v2" {
		t.Errorf("after revalidation body = %q, want v2", body)
	}
	s.drain()
}

// TestControlClearAll drops every partition and re-seeds static.
func TestControlClearAll(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetVideo("/api/media/2/clip.mp4", testutil.Blob(mib))

	s := newStack(t, redisClient, 100*mib)
	s.get(t, origin.URL()+"/api/media/2/clip.mp4", "")
	s.drain()

	originURL, err := url.Parse(origin.URL())
	if err != nil {
		t.Fatal(err)
	}
	seeder := warmup.NewSeeder(s.backend, fetch.New(fetch.DefaultConfig()), warmup.Config{
		Origin:   originURL,
		Version:  "v3",
		Manifest: []string{"/", "/index.html"},
	}, zerolog.Nop())

	handler := control.NewHandler(s.backend, s.tiered, seeder, control.NewLedger(), zerolog.Nop())
	ctx := context.Background()

	if _, err = handler.Handle(ctx, control.Message{Type: control.ClearAllCache}); err != nil {
		t.Fatalf("CLEAR_ALL_CACHE failed: %v", err)
	}

	reply, err := handler.Handle(ctx, control.Message{Type: control.GetCacheStatus})
	if err != nil {
		t.Fatalf("GET_CACHE_STATUS failed: %v", err)
	}
	if reply.Status.Counts["video"] != 0 {
		t.Errorf("video count = %d, want 0", reply.Status.Counts["video"])
	}
	if reply.Status.Counts["static"] != 2 {
		t.Errorf("static count = %d, want 2", reply.Status.Counts["static"])
	}
}
