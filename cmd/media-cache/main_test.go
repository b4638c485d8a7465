package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/media-cache/internal/testutil"
	"github.com/Sternrassler/media-cache/pkg/cache"
	"github.com/Sternrassler/media-cache/pkg/config"
	"github.com/Sternrassler/media-cache/pkg/control"
	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testConfig(originURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Origin = originURL
	cfg.Store = config.StoreMemory
	cfg.Static.Manifest = []string{"/", "/index.html"}
	cfg.Fetch.MaxAttempts = 1
	cfg.Fetch.Timeout = 5 * time.Second
	cfg.Normalize()
	return cfg
}

func newTestApp(t *testing.T, origin *testutil.MockOrigin, redisClient *redis.Client) (*app, *httptest.Server) {
	t.Helper()

	var backend store.Backend = store.NewMemoryBackend()
	if redisClient != nil {
		backend = store.NewRedisBackend(redisClient, "test")
	}

	a, err := newApp(testConfig(origin.URL()), backend, redisClient)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}

	server := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		server.Close()
		a.tiered.Wait()
		a.engine.Wait()
	})
	return a, server
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	_, server := newTestApp(t, origin, redisClient)

	resp, _ := get(t, server.URL+"/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	mr.Close()
	resp, _ = get(t, server.URL+"/ready", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 with Redis down, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	_, server := newTestApp(t, origin, nil)

	resp, body := get(t, server.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "mediacache_build_info") {
		t.Error("Expected mediacache_build_info in metrics output")
	}
}

func TestProxy_VideoRangeFromCache(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	data := testutil.Blob(3 << 20)
	origin.SetVideo("/api/media/7/clip.mp4", data)

	a, server := newTestApp(t, origin, nil)

	resp, body := get(t, server.URL+"/api/media/7/clip.mp4", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}
	if len(body) != len(data) {
		t.Fatalf("first request body = %d bytes, want %d", len(body), len(data))
	}
	if resp.Header.Get(cache.CacheStatusHeader) != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", resp.Header.Get(cache.CacheStatusHeader))
	}

	resp, body = get(t, server.URL+"/api/media/7/clip.mp4", map[string]string{"Range": "bytes=1048576-"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range request status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 1048576-2097152/3145728" {
		t.Errorf("Content-Range = %q", got)
	}
	if len(body) != 1048577 {
		t.Errorf("range body = %d bytes, want 1048577", len(body))
	}
	if origin.GetPathCount("/api/media/7/clip.mp4") != 1 {
		t.Errorf("origin requests = %d, want 1", origin.GetPathCount("/api/media/7/clip.mp4"))
	}

	a.tiered.Wait()
}

func TestProxy_ControlClearsVideo(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetVideo("/api/media/8/clip.mp4", testutil.Blob(4096))

	_, server := newTestApp(t, origin, nil)

	get(t, server.URL+"/api/media/8/clip.mp4", nil)

	status := postControl(t, server.URL, control.Message{Type: control.GetCacheStatus})
	if status.Status == nil || status.Status.Counts["video"] != 1 {
		t.Fatalf("status = %+v, want one video entry", status.Status)
	}

	reply := postControl(t, server.URL, control.Message{Type: control.InvalidateCache, CacheType: "video", Timestamp: 1700000000000})
	if !reply.Success {
		t.Fatalf("invalidate failed: %s", reply.Error)
	}

	get(t, server.URL+"/api/media/8/clip.mp4", nil)
	if origin.GetPathCount("/api/media/8/clip.mp4") != 2 {
		t.Errorf("origin requests = %d, want 2 after invalidation", origin.GetPathCount("/api/media/8/clip.mp4"))
	}

	status = postControl(t, server.URL, control.Message{Type: control.GetCacheStatus})
	if status.Status.InvalidationTimes["video"] != 1700000000000 {
		t.Errorf("invalidationTimes = %v", status.Status.InvalidationTimes)
	}
}

func TestProxy_PrefetchServesRangeHit(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetVideo("/api/media/9/clip.mp4", testutil.Blob(2<<20))

	a, server := newTestApp(t, origin, nil)

	reply := postControl(t, server.URL, control.Message{Type: control.PrefetchVideo, URL: "/api/media/9/clip.mp4"})
	if !reply.Success {
		t.Fatalf("prefetch failed: %s", reply.Error)
	}

	resp, body := get(t, server.URL+"/api/media/9/clip.mp4", map[string]string{"Range": "bytes=0-1023"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range request status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get(cache.CacheStatusHeader); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", got)
	}
	if len(body) != 1024 {
		t.Errorf("range body = %d bytes, want 1024", len(body))
	}
	if n := origin.GetPathCount("/api/media/9/clip.mp4"); n != 1 {
		t.Errorf("origin requests = %d, want 1", n)
	}

	for _, target := range []string{
		server.URL + "/api/media/9/clip.mp4",
		"http://169.254.169.254/latest/meta-data",
	} {
		reply = postControl(t, server.URL, control.Message{Type: control.PrefetchVideo, URL: target})
		if reply.Success {
			t.Errorf("prefetch of %s accepted, want rejection", target)
		}
	}

	a.tiered.Wait()
	status := postControl(t, server.URL, control.Message{Type: control.GetCacheStatus})
	if status.Status == nil || status.Status.Counts["video"] != 1 {
		t.Errorf("status = %+v, want exactly one video entry", status.Status)
	}
}

func TestProxy_OriginDown(t *testing.T) {
	origin := testutil.NewMockOrigin()
	a, server := newTestApp(t, origin, nil)
	origin.Close()

	resp, _ := get(t, server.URL+"/api/events", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	a.tiered.Wait()
}

func TestWarm_SeedsStatic(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	a, _ := newTestApp(t, origin, nil)
	a.warm(context.Background(), zerolog.Nop())

	n, err := a.seeder.Partition().Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 {
		t.Errorf("static entries = %d, want 2", n)
	}
}

func postControl(t *testing.T, baseURL string, msg control.Message) control.Reply {
	t.Helper()
	payload, _ := json.Marshal(msg)
	resp, err := http.Post(baseURL+control.Path, "application/json", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("POST control failed: %v", err)
	}
	defer resp.Body.Close()

	var reply control.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}
