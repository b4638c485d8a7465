package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheRequests tracks intercepted requests by tier
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_requests_total",
			Help: "Total number of intercepted requests by tier",
		},
		[]string{"tier"}, // "static", "image", "video", "api", "passthrough"
	)

	// CacheHits tracks cache hits by tier
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_hits_total",
			Help: "Total number of cache hits by tier",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks cache misses by tier
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_misses_total",
			Help: "Total number of cache misses by tier",
		},
		[]string{"tier"},
	)

	// StaleServed tracks cached responses served because the network failed
	StaleServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_stale_served_total",
			Help: "Total number of stale responses served after a network failure",
		},
		[]string{"tier"},
	)

	// Degraded tracks requests served network-only because the store failed
	Degraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_degraded_total",
			Help: "Total number of requests degraded to network-only by store errors",
		},
		[]string{"tier"},
	)

	// RangeResponses tracks responses synthesized from the video tier by status
	RangeResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_range_responses_total",
			Help: "Total number of video responses synthesized from cache by status",
		},
		[]string{"status"}, // "200", "206"
	)

	// MalformedRanges tracks Range headers that could not be parsed
	MalformedRanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediacache_malformed_ranges_total",
			Help: "Total number of malformed Range headers served as full responses",
		},
	)
)
