package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages tracks handled control messages by type and outcome
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_control_messages_total",
			Help: "Total number of control messages handled by type and result",
		},
		[]string{"type", "result"}, // result: "success", "error"
	)

	// InvalidatedEntries tracks entries removed by invalidations
	InvalidatedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacache_invalidated_entries_total",
			Help: "Total number of entries removed by invalidation by partition",
		},
		[]string{"partition"},
	)
)
