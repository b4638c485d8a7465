// Package store provides the keyed blob store used by the media cache.
//
// A Backend holds entries grouped into named partitions. Callers work with
// *Partition handles, which bind a backend to one partition name:
//
//	backend := store.NewRedisBackend(redisClient)
//	video := store.NewPartition(backend, store.PartitionVideo)
//
//	entry, err := video.Get(ctx, key)
//	if errors.Is(err, store.ErrNotFound) {
//		// miss
//	}
//
// Sizes reported by Stat are always measured from the stored payload, so
// budget accounting cannot drift from what is actually held.
package store

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested key is not in the partition
	ErrNotFound = errors.New("entry not found")

	// ErrUnavailable indicates the backend could not serve the operation
	ErrUnavailable = errors.New("blob store unavailable")
)

// Well-known partition names. The static partition is versioned, see StaticPartition.
const (
	PartitionMedia = "media"
	PartitionVideo = "video"
	PartitionAPI   = "api"

	// StaticPrefix prefixes every versioned static partition name.
	StaticPrefix = "static-"
)

// StaticPartition returns the partition name for a static asset version.
func StaticPartition(version string) string {
	return StaticPrefix + version
}

// IsStaticPartition reports whether name is a versioned static partition.
func IsStaticPartition(name string) bool {
	return strings.HasPrefix(name, StaticPrefix)
}

// Entry is a stored response payload with its bookkeeping metadata.
type Entry struct {
	// Key is the request identity the entry was stored under
	Key string

	// Data is the response body
	Data []byte

	// ContentType of the cached response
	ContentType string

	// StatusCode of the cached response
	StatusCode int

	// Header holds the remaining response headers worth replaying
	Header http.Header

	// InsertedAt is when the entry was written to the store
	InsertedAt time.Time

	// LastAccessAt is when the entry was last read through an LRU-tracked path
	LastAccessAt time.Time
}

// Size returns the payload length in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Data))
}

// Meta describes an entry without its payload.
type Meta struct {
	Key          string
	Size         int64
	InsertedAt   time.Time
	LastAccessAt time.Time
}

// Backend is an opaque persistent key -> entry store grouped by partition.
// Implementations must be safe for concurrent use and atomic per key.
type Backend interface {
	// Get returns the entry or ErrNotFound.
	Get(ctx context.Context, partition, key string) (*Entry, error)

	// Put stores the entry, replacing any previous value under the same key.
	Put(ctx context.Context, partition string, entry *Entry) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, partition, key string) error

	// DeleteIfInserted removes the key only while its InsertedAt still equals
	// insertedAt. It reports whether the entry was removed.
	DeleteIfInserted(ctx context.Context, partition, key string, insertedAt time.Time) (bool, error)

	// Keys lists the keys currently stored in the partition.
	Keys(ctx context.Context, partition string) ([]string, error)

	// Stat returns the measured size and timestamps of an entry or ErrNotFound.
	Stat(ctx context.Context, partition, key string) (*Meta, error)

	// Touch rewrites LastAccessAt of an existing entry. Missing keys are ignored.
	Touch(ctx context.Context, partition, key string, at time.Time) error

	// Partitions lists every partition that currently holds or held entries.
	Partitions(ctx context.Context) ([]string, error)

	// Drop deletes every entry of the partition and forgets the partition.
	Drop(ctx context.Context, partition string) error
}

// Partition is a handle bound to one named partition of a backend.
type Partition struct {
	backend Backend
	name    string
}

// NewPartition creates a handle for the named partition.
func NewPartition(backend Backend, name string) *Partition {
	if backend == nil {
		panic("store backend cannot be nil")
	}
	return &Partition{
		backend: backend,
		name:    name,
	}
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

// Backend returns the backend the partition lives in.
func (p *Partition) Backend() Backend {
	return p.backend
}

// Get retrieves an entry by key.
func (p *Partition) Get(ctx context.Context, key string) (*Entry, error) {
	return p.backend.Get(ctx, p.name, key)
}

// Put stores an entry under entry.Key.
func (p *Partition) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("entry cannot be nil")
	}
	if entry.Key == "" {
		return errors.New("entry key cannot be empty")
	}
	return p.backend.Put(ctx, p.name, entry)
}

// Delete removes an entry by key.
func (p *Partition) Delete(ctx context.Context, key string) error {
	return p.backend.Delete(ctx, p.name, key)
}

// DeleteIfInserted removes an entry only if it was not rewritten since insertedAt.
func (p *Partition) DeleteIfInserted(ctx context.Context, key string, insertedAt time.Time) (bool, error) {
	return p.backend.DeleteIfInserted(ctx, p.name, key, insertedAt)
}

// Keys lists the keys of the partition.
func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	return p.backend.Keys(ctx, p.name)
}

// Stat returns entry metadata with the measured payload size.
func (p *Partition) Stat(ctx context.Context, key string) (*Meta, error) {
	return p.backend.Stat(ctx, p.name, key)
}

// Touch records an access at the given time.
func (p *Partition) Touch(ctx context.Context, key string, at time.Time) error {
	return p.backend.Touch(ctx, p.name, key, at)
}

// Clear removes every entry of the partition.
func (p *Partition) Clear(ctx context.Context) error {
	return p.backend.Drop(ctx, p.name)
}

// Count returns the number of entries in the partition.
func (p *Partition) Count(ctx context.Context) (int, error) {
	keys, err := p.backend.Keys(ctx, p.name)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Snapshot returns metadata for every entry currently in the partition.
// Entries deleted between listing and stat are skipped.
func (p *Partition) Snapshot(ctx context.Context) ([]Meta, error) {
	keys, err := p.backend.Keys(ctx, p.name)
	if err != nil {
		return nil, err
	}

	metas := make([]Meta, 0, len(keys))
	for _, key := range keys {
		meta, err := p.backend.Stat(ctx, p.name, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// TotalSize sums the measured sizes of all entries.
func (p *Partition) TotalSize(ctx context.Context) (int64, error) {
	metas, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range metas {
		total += m.Size
	}
	return total, nil
}
