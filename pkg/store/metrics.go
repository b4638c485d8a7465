package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreErrors tracks backend failures by operation
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mediacache_store_errors_total",
		Help: "Total number of blob store operation errors",
	},
	[]string{"operation"}, // "get", "put", "delete", "keys", "stat", "touch", "partitions", "drop"
)
