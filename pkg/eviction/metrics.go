package eviction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PartitionBytes is the measured size of each partition at the last trim pass
	PartitionBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacache_partition_size_bytes",
			Help: "Measured size of a cache partition in bytes",
		},
		[]string{"partition"},
	)

	// PartitionEntries is the entry count of each partition at the last trim pass
	PartitionEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacache_partition_entries",
			Help: "Number of entries in a cache partition",
		},
		[]string{"partition"},
	)

	// Evictions counts entries removed by trims
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_evictions_total",
			Help: "Total number of entries evicted by budget trims",
		},
		[]string{"partition"},
	)

	// EvictedBytes counts bytes removed by trims
	EvictedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_evicted_bytes_total",
			Help: "Total bytes evicted by budget trims",
		},
		[]string{"partition"},
	)

	// TrimDuration observes trim passes that evicted
	TrimDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacache_trim_duration_seconds",
			Help:    "Duration of trim passes that evicted entries",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"partition"},
	)

	// TrimErrors counts failed trim passes
	TrimErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_trim_errors_total",
			Help: "Total number of failed trim passes",
		},
		[]string{"partition"},
	)
)
