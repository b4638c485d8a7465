//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisBackend_Integration_Lifecycle(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	backend := NewRedisBackend(client, "it")
	p := NewPartition(backend, PartitionVideo)
	inserted := time.Unix(1700000000, 42)

	require.NoError(t, p.Put(ctx, newEntry("https://h/a.mp4", 2048, inserted)))

	meta, err := p.Stat(ctx, "https://h/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), meta.Size)
	assert.True(t, meta.InsertedAt.Equal(inserted))

	touched := inserted.Add(time.Minute)
	require.NoError(t, p.Touch(ctx, "https://h/a.mp4", touched))
	meta, err = p.Stat(ctx, "https://h/a.mp4")
	require.NoError(t, err)
	assert.True(t, meta.LastAccessAt.Equal(touched))

	removed, err := p.DeleteIfInserted(ctx, "https://h/a.mp4", inserted.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, removed, "generation mismatch must not delete")

	removed, err = p.DeleteIfInserted(ctx, "https://h/a.mp4", inserted)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = p.Get(ctx, "https://h/a.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackend_Integration_ConcurrentWriters(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	p := NewPartition(NewRedisBackend(client, "it"), PartitionMedia)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Same key from every writer
			entry := newEntry("https://h/shared.png", 1024, time.Unix(1700000000, int64(i)))
			assert.NoError(t, p.Put(ctx, entry))
		}(i)
	}
	wg.Wait()

	count, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	total, err := p.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), total)
}
