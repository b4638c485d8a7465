package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisBackend.
const DefaultRedisPrefix = "mediacache"

// Hash fields of a stored entry.
const (
	fieldKey          = "key"
	fieldData         = "data"
	fieldContentType  = "content_type"
	fieldStatus       = "status"
	fieldHeader       = "header"
	fieldInsertedAt   = "inserted_at"
	fieldLastAccessAt = "last_access_at"
)

// touchScript rewrites last_access_at without recreating a deleted entry.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HSET', KEYS[1], 'last_access_at', ARGV[1])
end
return 0
`)

// deleteIfInsertedScript removes an entry only while inserted_at is unchanged.
var deleteIfInsertedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'inserted_at') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// dropScript deletes the listed entry hashes (KEYS[3..]) and their index
// members (ARGV[2..]). The partition ARGV[1] is unregistered only once its
// index is empty, so entries written after the listing stay reachable.
var dropScript = redis.NewScript(`
for i = 3, #KEYS do
	redis.call('DEL', KEYS[i])
end
for i = 2, #ARGV do
	redis.call('SREM', KEYS[1], ARGV[i])
end
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
end
return redis.call('SCARD', KEYS[1])
`)

// dropBatch bounds the keys handed to one dropScript call.
const dropBatch = 500

// RedisBackend stores entries as Redis hashes.
//
// Layout:
//
//	<prefix>:partitions          SET  of partition names
//	<prefix>:p:<name>:keys       SET  of cache keys in the partition
//	<prefix>:p:<name>:e:<hash>   HASH entry fields, hash = xxhash64(cache key)
type RedisBackend struct {
	redis  *redis.Client
	prefix string
}

// NewRedisBackend creates a backend on the given client. An empty prefix
// selects DefaultRedisPrefix.
func NewRedisBackend(redisClient *redis.Client, prefix string) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (r *RedisBackend) partitionsKey() string {
	return r.prefix + ":partitions"
}

func (r *RedisBackend) indexKey(partition string) string {
	return fmt.Sprintf("%s:p:%s:keys", r.prefix, partition)
}

func (r *RedisBackend) entryKey(partition, key string) string {
	return fmt.Sprintf("%s:p:%s:e:%016x", r.prefix, partition, xxhash.Sum64String(key))
}

// Get loads the full entry hash.
func (r *RedisBackend) Get(ctx context.Context, partition, key string) (*Entry, error) {
	fields, err := r.redis.HGetAll(ctx, r.entryKey(partition, key)).Result()
	if err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: redis hgetall: %w", ErrUnavailable, err)
	}
	if len(fields) == 0 || fields[fieldKey] != key {
		return nil, ErrNotFound
	}

	status, _ := strconv.Atoi(fields[fieldStatus])
	entry := &Entry{
		Key:          key,
		Data:         []byte(fields[fieldData]),
		ContentType:  fields[fieldContentType],
		StatusCode:   status,
		InsertedAt:   decodeTime(fields[fieldInsertedAt]),
		LastAccessAt: decodeTime(fields[fieldLastAccessAt]),
	}

	if raw := fields[fieldHeader]; raw != "" {
		var header http.Header
		if err := json.Unmarshal([]byte(raw), &header); err != nil {
			StoreErrors.WithLabelValues("get").Inc()
			return nil, fmt.Errorf("decode header of %q: %w", key, err)
		}
		entry.Header = header
	}

	return entry, nil
}

// Put writes the entry hash and registers it in the partition index.
func (r *RedisBackend) Put(ctx context.Context, partition string, entry *Entry) error {
	header := ""
	if len(entry.Header) > 0 {
		data, err := json.Marshal(entry.Header)
		if err != nil {
			return fmt.Errorf("encode header of %q: %w", entry.Key, err)
		}
		header = string(data)
	}

	entryKey := r.entryKey(partition, entry.Key)
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKey)
		pipe.HSet(ctx, entryKey, map[string]interface{}{
			fieldKey:          entry.Key,
			fieldData:         entry.Data,
			fieldContentType:  entry.ContentType,
			fieldStatus:       entry.StatusCode,
			fieldHeader:       header,
			fieldInsertedAt:   encodeTime(entry.InsertedAt),
			fieldLastAccessAt: encodeTime(entry.LastAccessAt),
		})
		pipe.SAdd(ctx, r.indexKey(partition), entry.Key)
		pipe.SAdd(ctx, r.partitionsKey(), partition)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("%w: redis put: %w", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the entry hash and its index membership.
func (r *RedisBackend) Delete(ctx context.Context, partition, key string) error {
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(partition, key))
		pipe.SRem(ctx, r.indexKey(partition), key)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("%w: redis delete: %w", ErrUnavailable, err)
	}
	return nil
}

// DeleteIfInserted runs the compare-and-delete script.
func (r *RedisBackend) DeleteIfInserted(ctx context.Context, partition, key string, insertedAt time.Time) (bool, error) {
	keys := []string{r.entryKey(partition, key), r.indexKey(partition)}
	n, err := deleteIfInsertedScript.Run(ctx, r.redis, keys, encodeTime(insertedAt), key).Int()
	if err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("%w: redis conditional delete: %w", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Keys lists the partition index.
func (r *RedisBackend) Keys(ctx context.Context, partition string) ([]string, error) {
	keys, err := r.redis.SMembers(ctx, r.indexKey(partition)).Result()
	if err != nil {
		StoreErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("%w: redis smembers: %w", ErrUnavailable, err)
	}
	return keys, nil
}

// Stat measures the payload with HSTRLEN and reads the timestamps.
// Index members whose hash is gone are pruned.
func (r *RedisBackend) Stat(ctx context.Context, partition, key string) (*Meta, error) {
	entryKey := r.entryKey(partition, key)

	var (
		strlen *redis.Cmd
		fields *redis.SliceCmd
	)
	_, err := r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		strlen = pipe.Do(ctx, "HSTRLEN", entryKey, fieldData)
		fields = pipe.HMGet(ctx, entryKey, fieldKey, fieldInsertedAt, fieldLastAccessAt)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("stat").Inc()
		return nil, fmt.Errorf("%w: redis stat: %w", ErrUnavailable, err)
	}

	values := fields.Val()
	storedKey, _ := values[0].(string)
	if storedKey != key {
		_ = r.redis.SRem(ctx, r.indexKey(partition), key).Err()
		return nil, ErrNotFound
	}

	size, err := strlen.Int64()
	if err != nil {
		StoreErrors.WithLabelValues("stat").Inc()
		return nil, fmt.Errorf("%w: redis hstrlen: %w", ErrUnavailable, err)
	}

	inserted, _ := values[1].(string)
	accessed, _ := values[2].(string)
	return &Meta{
		Key:          key,
		Size:         size,
		InsertedAt:   decodeTime(inserted),
		LastAccessAt: decodeTime(accessed),
	}, nil
}

// Touch rewrites last_access_at if the entry still exists.
func (r *RedisBackend) Touch(ctx context.Context, partition, key string, at time.Time) error {
	err := touchScript.Run(ctx, r.redis, []string{r.entryKey(partition, key)}, encodeTime(at)).Err()
	if err != nil && err != redis.Nil {
		StoreErrors.WithLabelValues("touch").Inc()
		return fmt.Errorf("%w: redis touch: %w", ErrUnavailable, err)
	}
	return nil
}

// Partitions lists the registered partition names.
func (r *RedisBackend) Partitions(ctx context.Context) ([]string, error) {
	names, err := r.redis.SMembers(ctx, r.partitionsKey()).Result()
	if err != nil {
		StoreErrors.WithLabelValues("partitions").Inc()
		return nil, fmt.Errorf("%w: redis smembers: %w", ErrUnavailable, err)
	}
	return names, nil
}

// Drop deletes all entry hashes of the partition, its index and its
// registration. Entries put concurrently with the drop may survive it.
func (r *RedisBackend) Drop(ctx context.Context, partition string) error {
	keys, err := r.Keys(ctx, partition)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return r.dropKeys(ctx, partition, nil)
	}

	for len(keys) > 0 {
		n := min(len(keys), dropBatch)
		if err := r.dropKeys(ctx, partition, keys[:n]); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

// dropKeys removes the given members of the partition in one script run.
func (r *RedisBackend) dropKeys(ctx context.Context, partition string, keys []string) error {
	scriptKeys := make([]string, 0, len(keys)+2)
	scriptKeys = append(scriptKeys, r.indexKey(partition), r.partitionsKey())
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, partition)
	for _, key := range keys {
		scriptKeys = append(scriptKeys, r.entryKey(partition, key))
		args = append(args, key)
	}

	if err := dropScript.Run(ctx, r.redis, scriptKeys, args...).Err(); err != nil {
		StoreErrors.WithLabelValues("drop").Inc()
		return fmt.Errorf("%w: redis drop %s: %w", ErrUnavailable, partition, err)
	}
	return nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
