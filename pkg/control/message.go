package control

import (
	"errors"
	"time"
)

// MessageType names a control operation.
type MessageType string

// Control message types
const (
	ClearMediaCache MessageType = "CLEAR_MEDIA_CACHE"
	ClearVideoCache MessageType = "CLEAR_VIDEO_CACHE"
	ClearAPICache   MessageType = "CLEAR_API_CACHE"
	ClearAllCache   MessageType = "CLEAR_ALL_CACHE"
	InvalidateCache MessageType = "INVALIDATE_CACHE"
	PrefetchVideo   MessageType = "PREFETCH_VIDEO"
	GetCacheStatus  MessageType = "GET_CACHE_STATUS"
)

var (
	// ErrUnknownMessage indicates a message type the handler does not know.
	ErrUnknownMessage = errors.New("unknown control message")

	// ErrUnknownPartition indicates a clear for a partition that cannot be
	// cleared by name.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrInvalidMessage indicates a message missing a required field.
	ErrInvalidMessage = errors.New("invalid control message")
)

// Message is a control request.
type Message struct {
	Type MessageType `json:"type"`

	// CacheType is the category of an INVALIDATE_CACHE message
	CacheType string `json:"cacheType,omitempty"`

	// Timestamp is the invalidation time in Unix milliseconds; zero means now
	Timestamp int64 `json:"timestamp,omitempty"`

	// URL is the resource of a PREFETCH_VIDEO message
	URL string `json:"url,omitempty"`
}

// Reply answers a control message.
type Reply struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Status  *Status     `json:"status,omitempty"`
}

// Status reports partition occupancy and the invalidation ledger.
type Status struct {
	Counts map[string]int   `json:"counts"`
	Bytes  map[string]int64 `json:"bytes"`

	// InvalidationTimes holds Unix milliseconds per category
	InvalidationTimes map[string]int64 `json:"invalidationTimes"`
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
