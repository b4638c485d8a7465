// Package cache implements the request-interception layer of the media cache.
//
// Every intercepted request is classified (see package classify) and handed to
// the strategy of its tier:
//
//   - static: network-first for navigations with the application shell as
//     the last fallback, cache-first for assets
//   - image: stale-while-revalidate; the network fetch always runs and
//     refreshes the media partition in the background
//   - video: whole blobs cached once, Range requests answered locally with
//     206 Partial Content slices
//   - api and passthrough: network only
//
// # Basic Usage
//
//	backend := store.NewMemoryBackend()
//	engine := eviction.NewEngine(logger, trimmers...)
//	tiered := cache.NewTiered(backend, fetch.New(fetch.DefaultConfig()), engine, cache.DefaultConfig(), logger)
//	controller := cache.NewController(classify.New(classify.DefaultRules()), tiered, logger)
//
//	proxy := httputil.NewSingleHostReverseProxy(origin)
//	proxy.Transport = controller
//
// # Range Reconstruction
//
// A request carrying "Range: bytes=<start>-<end>" against a cached video is
// answered with the slice Data[start:end+1]. Open-ended ranges are bounded by
// the range window (1 MiB by default). Malformed ranges are answered with the
// whole blob. Ranges starting past the blob go to the network.
//
// # Metrics
//
//   - mediacache_requests_total{tier}
//   - mediacache_hits_total{tier}, mediacache_misses_total{tier}
//   - mediacache_stale_served_total{tier}
//   - mediacache_degraded_total{tier}
//   - mediacache_range_responses_total{status}
//   - mediacache_malformed_ranges_total
package cache
