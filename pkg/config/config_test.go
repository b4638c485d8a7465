package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/media-cache/pkg/eviction"
	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ByteSize(500<<20), cfg.Partitions.Media.Budget)
	assert.Equal(t, ByteSize(1024<<20), cfg.Partitions.Video.Budget)
	assert.Equal(t, ByteSize(50<<20), cfg.Partitions.API.Budget)
	assert.Equal(t, 0.8, cfg.Partitions.Media.Target)
	assert.Equal(t, 0.7, cfg.Partitions.Video.Target)
	assert.Equal(t, 5*time.Minute, cfg.MaintenanceInterval)
	assert.Equal(t, ByteSize(1<<20), cfg.RangeWindow)
	assert.NoError(t, cfg.Validate())
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"1048576", 1 << 20, false},
		{"500MiB", 500 << 20, false},
		{"1 GiB", 1 << 30, false},
		{"50MB", 50_000_000, false},
		{"lots", 0, true},
		{"-5", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestByteSize_YAML(t *testing.T) {
	var v struct {
		Size ByteSize `yaml:"size"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 2MiB"), &v))
	assert.Equal(t, ByteSize(2<<20), v.Size)

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), "2.0 MiB")

	assert.Error(t, yaml.Unmarshal([]byte("size: [1, 2]"), &v))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "media-cache.yaml")
	content := `
listen: ":9090"
origin: "https://app.example.com"
store: memory
partitions:
  video:
    budget: 2GiB
    target: 0.5
  media:
    ignore_query: true
static:
  version: v7
  manifest: ["/", "/app.js"]
maintenance_interval: 30s
range_window: 512KiB
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, ByteSize(2<<30), cfg.Partitions.Video.Budget)
	assert.Equal(t, 0.5, cfg.Partitions.Video.Target)
	assert.Equal(t, ByteSize(500<<20), cfg.Partitions.Media.Budget, "unset budget keeps default")
	assert.True(t, cfg.IgnoreQuery()[store.PartitionMedia])
	assert.Equal(t, "v7", cfg.Static.Version)
	assert.Equal(t, []string{"/", "/app.js"}, cfg.Static.Manifest)
	assert.Equal(t, 30*time.Second, cfg.MaintenanceInterval)
	assert.Equal(t, ByteSize(512<<10), cfg.RangeWindow)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("partitions: {video: {budget: huge}}"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(env(map[string]string{
		"MEDIA_CACHE_ORIGIN":               "https://origin.internal",
		"MEDIA_CACHE_STORE":                "memory",
		"MEDIA_CACHE_REDIS_DB":             "3",
		"MEDIA_CACHE_VIDEO_BUDGET":         "256MiB",
		"MEDIA_CACHE_MAINTENANCE_INTERVAL": "1m",
		"MEDIA_CACHE_STATIC_MANIFEST":      "/, /index.html ,",
		"MEDIA_CACHE_LOG_PRETTY":           "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://origin.internal", cfg.Origin)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, ByteSize(256<<20), cfg.Partitions.Video.Budget)
	assert.Equal(t, time.Minute, cfg.MaintenanceInterval)
	assert.Equal(t, []string{"/", "/index.html"}, cfg.Static.Manifest)
	assert.True(t, cfg.Log.Pretty)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(env(map[string]string{
		"MEDIA_CACHE_REDIS_DB":     "three",
		"MEDIA_CACHE_VIDEO_BUDGET": "big",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIA_CACHE_REDIS_DB")
	assert.Contains(t, err.Error(), "MEDIA_CACHE_VIDEO_BUDGET")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative origin", func(c *Config) { c.Origin = "/app" }},
		{"unknown store", func(c *Config) { c.Store = "disk" }},
		{"redis without addr", func(c *Config) { c.Redis.Addr = "" }},
		{"target above one", func(c *Config) { c.Partitions.Video.Target = 1.5 }},
		{"relative shell", func(c *Config) { c.Static.Shell = "index.html" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNormalize(t *testing.T) {
	cfg := Config{Origin: "https://h", Store: "MEMORY"}
	cfg.Normalize()

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "v1", cfg.Static.Version)
	assert.Equal(t, 2, cfg.Fetch.MaxAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Classifier.MediaPrefixes = []string{"/media/"}
	cfg.Classifier.APIPrefixes = nil

	rules := cfg.Rules()
	assert.Equal(t, []string{"/media/"}, rules.MediaPrefixes)
	assert.Equal(t, []string{"/api/"}, rules.APIPrefixes, "empty list keeps default")

	budgets := cfg.Budgets()
	assert.Equal(t, eviction.PolicyLRU, budgets[store.PartitionVideo].Policy)
	assert.Equal(t, eviction.PolicyInsertionDate, budgets[store.PartitionMedia].Policy)
	assert.Equal(t, eviction.PolicyNone, budgets[store.PartitionAPI].Policy)
	assert.Equal(t, int64(1024<<20), budgets[store.PartitionVideo].MaxBytes)

	fetchCfg := cfg.FetchConfig()
	assert.Equal(t, cfg.Fetch.Timeout, fetchCfg.Timeout)
	assert.Equal(t, cfg.Fetch.MaxAttempts, fetchCfg.Retry.MaxAttempts)

	assert.Equal(t, "info", string(cfg.LoggingConfig().Level))
	assert.Equal(t, cfg.Static.Version, cfg.LoggingConfig().Fields["static_version"])
}

func TestBudgets_MaintenanceKeepsAPIEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions.API.Budget = ByteSize(1 << 20)

	ctx := context.Background()
	backend := store.NewMemoryBackend()
	var trimmers []*eviction.Trimmer
	for name, budget := range cfg.Budgets() {
		trimmers = append(trimmers, eviction.NewTrimmer(store.NewPartition(backend, name), budget, zerolog.Nop()))
	}
	engine := eviction.NewEngine(zerolog.Nop(), trimmers...)

	api := store.NewPartition(backend, store.PartitionAPI)
	for i := 0; i < 4; i++ {
		require.NoError(t, api.Put(ctx, &store.Entry{
			Key:        "https://h/api/events/" + string(rune('a'+i)),
			Data:       make([]byte, 512<<10),
			StatusCode: 200,
			InsertedAt: time.Unix(int64(1700000000+i), 0),
		}))
	}

	engine.TrimAll(ctx)

	count, err := api.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count, "api entries are never trimmed automatically")

	total, err := api.TotalSize(ctx)
	require.NoError(t, err)
	assert.Greater(t, total, cfg.Budgets()[store.PartitionAPI].MaxBytes)
}
