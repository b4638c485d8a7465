package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process memory. It is used for tests and
// for deployments that do not need the cache to survive a restart.
type MemoryBackend struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		partitions: make(map[string]map[string]*Entry),
	}
}

// Get returns a copy of the stored entry.
func (m *MemoryBackend) Get(_ context.Context, partition, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.partitions[partition][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

// Put stores a copy of the entry.
func (m *MemoryBackend) Put(_ context.Context, partition string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.partitions[partition]
	if !ok {
		entries = make(map[string]*Entry)
		m.partitions[partition] = entries
	}
	entries[entry.Key] = cloneEntry(entry)
	return nil
}

// Delete removes the key.
func (m *MemoryBackend) Delete(_ context.Context, partition, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.partitions[partition], key)
	return nil
}

// DeleteIfInserted removes the key only while it still carries insertedAt.
func (m *MemoryBackend) DeleteIfInserted(_ context.Context, partition, key string, insertedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.partitions[partition][key]
	if !ok || !entry.InsertedAt.Equal(insertedAt) {
		return false, nil
	}
	delete(m.partitions[partition], key)
	return true, nil
}

// Keys lists the keys in sorted order.
func (m *MemoryBackend) Keys(_ context.Context, partition string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.partitions[partition]))
	for key := range m.partitions[partition] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stat measures the stored payload.
func (m *MemoryBackend) Stat(_ context.Context, partition, key string) (*Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.partitions[partition][key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Meta{
		Key:          key,
		Size:         int64(len(entry.Data)),
		InsertedAt:   entry.InsertedAt,
		LastAccessAt: entry.LastAccessAt,
	}, nil
}

// Touch updates LastAccessAt in place.
func (m *MemoryBackend) Touch(_ context.Context, partition, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.partitions[partition][key]; ok {
		entry.LastAccessAt = at
	}
	return nil
}

// Partitions lists partition names in sorted order.
func (m *MemoryBackend) Partitions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Drop forgets the partition and all of its entries.
func (m *MemoryBackend) Drop(_ context.Context, partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.partitions, partition)
	return nil
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	if e.Header != nil {
		c.Header = e.Header.Clone()
	}
	return &c
}
