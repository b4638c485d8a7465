package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/media-cache/pkg/classify"
	"github.com/Sternrassler/media-cache/pkg/fetch"
	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrPrefetchTarget indicates a prefetch URL outside the configured origin.
var ErrPrefetchTarget = errors.New("prefetch target outside origin")

// Handler serves one request per cache tier.
type Handler interface {
	HandleStatic(ctx context.Context, req *http.Request) (*http.Response, error)
	HandleImage(ctx context.Context, req *http.Request) (*http.Response, error)
	HandleVideo(ctx context.Context, req *http.Request) (*http.Response, error)
	HandleAPI(ctx context.Context, req *http.Request) (*http.Response, error)
	HandlePassthrough(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Notifier is told about every write so the partition's budget can be enforced.
type Notifier interface {
	Notify(partition string)
}

// Config holds the tiered cache configuration.
type Config struct {
	// StaticVersion names the static partition (static-<version>)
	StaticVersion string

	// ShellPath is the application shell served when a navigation fails
	ShellPath string

	// RangeWindow bounds open-ended range responses
	RangeWindow int64

	// IgnoreQuery drops query strings from keys, by partition name
	IgnoreQuery map[string]bool

	// Origin resolves prefetch paths. Prefetches of other hosts are refused.
	// When nil, only absolute URLs are accepted.
	Origin *url.URL
}

// DefaultConfig returns the default tiered cache configuration.
func DefaultConfig() Config {
	return Config{
		StaticVersion: "v1",
		ShellPath:     "/index.html",
		RangeWindow:   DefaultRangeWindow,
		IgnoreQuery:   map[string]bool{},
	}
}

// Tiered implements Handler on top of the static, media and video partitions.
type Tiered struct {
	static   *store.Partition
	media    *store.Partition
	video    *store.Partition
	fetcher  fetch.Fetcher
	notifier Notifier
	config   Config
	logger   zerolog.Logger

	group singleflight.Group
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewTiered creates the tiered handler. notifier may be nil.
func NewTiered(backend store.Backend, fetcher fetch.Fetcher, notifier Notifier, cfg Config, logger zerolog.Logger) *Tiered {
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if cfg.RangeWindow <= 0 {
		cfg.RangeWindow = DefaultRangeWindow
	}

	return &Tiered{
		static:   store.NewPartition(backend, store.StaticPartition(cfg.StaticVersion)),
		media:    store.NewPartition(backend, store.PartitionMedia),
		video:    store.NewPartition(backend, store.PartitionVideo),
		fetcher:  fetcher,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Wait blocks until background revalidations, access updates and detached
// writes have finished.
func (t *Tiered) Wait() {
	t.wg.Wait()
}

// HandleStatic serves the application shell and static assets. Navigations
// are network-first; everything else is cache-first.
func (t *Tiered) HandleStatic(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := t.key(req.URL, t.static)

	if classify.IsNavigation(req) {
		return t.networkFirst(ctx, req, key)
	}

	if entry := t.lookup(ctx, t.static, key, "static"); entry != nil {
		CacheHits.WithLabelValues("static").Inc()
		return EntryToResponse(entry, req, "HIT"), nil
	}
	CacheMisses.WithLabelValues("static").Inc()

	entry, err := t.fetchEntry(ctx, req, key)
	if err != nil {
		return nil, err
	}
	if entry.StatusCode == http.StatusOK {
		t.put(ctx, t.static, entry)
	}
	return EntryToResponse(entry, req, "MISS"), nil
}

func (t *Tiered) networkFirst(ctx context.Context, req *http.Request, key string) (*http.Response, error) {
	entry, err := t.fetchEntry(ctx, req, key)
	if err == nil && entry.StatusCode < http.StatusInternalServerError {
		if entry.StatusCode == http.StatusOK {
			t.put(ctx, t.static, entry)
		}
		return EntryToResponse(entry, req, "MISS"), nil
	}
	if err == nil {
		err = &fetch.NetworkError{URL: req.URL.String(), StatusCode: entry.StatusCode, ErrorClass: fetch.ErrorClassServer}
	}

	if cached := t.lookup(ctx, t.static, key, "static"); cached != nil {
		StaleServed.WithLabelValues("static").Inc()
		t.logger.Warn().Err(err).Str("key", key).Msg("Navigation failed, serving cached document")
		return EntryToResponse(cached, req, "STALE"), nil
	}

	shellURL := *req.URL
	shellURL.Path = t.config.ShellPath
	shellURL.RawPath = ""
	shellURL.RawQuery = ""
	if shell := t.lookup(ctx, t.static, t.key(&shellURL, t.static), "static"); shell != nil {
		StaleServed.WithLabelValues("static").Inc()
		t.logger.Warn().Err(err).Str("key", key).Msg("Navigation failed, serving application shell")
		return EntryToResponse(shell, req, "STALE"), nil
	}

	if entry != nil {
		return EntryToResponse(entry, req, "MISS"), nil
	}
	return nil, err
}

// HandleImage serves images stale-while-revalidate: the network fetch always
// runs, detached from the caller, and refreshes the entry on a 200.
func (t *Tiered) HandleImage(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := t.key(req.URL, t.media)

	type fetched struct {
		entry *store.Entry
		err   error
	}
	results := make(chan fetched, 1)

	t.detached(ctx, func(bg context.Context) {
		entry, err := t.fetchEntry(bg, req, key)
		if err == nil && entry.StatusCode == http.StatusOK {
			t.put(bg, t.media, entry)
		}
		if err != nil {
			t.logger.Debug().Err(err).Str("key", key).Msg("Image revalidation failed")
		}
		results <- fetched{entry: entry, err: err}
	})

	if cached := t.lookup(ctx, t.media, key, "image"); cached != nil {
		CacheHits.WithLabelValues("image").Inc()
		return EntryToResponse(cached, req, "HIT"), nil
	}
	CacheMisses.WithLabelValues("image").Inc()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, r.err
		}
		return EntryToResponse(r.entry, req, "MISS"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleVideo serves video from whole cached blobs, slicing Range requests.
// Misses fetch the whole resource once and store it before responding.
func (t *Tiered) HandleVideo(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := t.key(req.URL, t.video)

	entry, err := t.video.Get(ctx, key)
	switch {
	case err == nil:
		return t.serveVideo(ctx, req, key, entry)
	case errors.Is(err, store.ErrNotFound):
		CacheMisses.WithLabelValues("video").Inc()
	default:
		Degraded.WithLabelValues("video").Inc()
		t.logger.Warn().Err(err).Str("key", key).Msg("Video lookup failed, degrading to network")
		return t.fetcher.Fetch(ctx, req)
	}

	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		bg := context.WithoutCancel(ctx)

		whole := req.Clone(bg)
		whole.Header.Del("Range")
		whole.Header.Del("If-Range")

		fetched, err := t.fetchEntry(bg, whole, key)
		if err != nil {
			return nil, err
		}
		if fetched.StatusCode == http.StatusOK && classify.IsVideoContentType(fetched.ContentType) {
			fetched.LastAccessAt = t.now()
			t.put(bg, t.video, fetched)
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}

	fetched := v.(*store.Entry)
	resp := EntryToResponse(fetched, req, "MISS")
	if fetched.StatusCode == http.StatusOK && classify.IsVideoContentType(fetched.ContentType) {
		resp.Header.Set("Accept-Ranges", "bytes")
	}
	return resp, nil
}

func (t *Tiered) serveVideo(ctx context.Context, req *http.Request, key string, entry *store.Entry) (*http.Response, error) {
	resp, err := Reconstruct(req, entry, t.config.RangeWindow)
	if errors.Is(err, ErrRangeNotSatisfiable) {
		// The origin may hold a longer version than the cached blob.
		netResp, netErr := t.fetcher.Fetch(ctx, req)
		if netErr != nil {
			StaleServed.WithLabelValues("video").Inc()
			t.logger.Warn().Err(netErr).Str("key", key).Msg("Range beyond cached blob and network failed, serving whole blob")
			return fullResponse(req, entry, "STALE"), nil
		}
		return netResp, nil
	}
	if err != nil {
		return nil, err
	}

	CacheHits.WithLabelValues("video").Inc()
	t.detached(ctx, func(bg context.Context) {
		if err := t.video.Touch(bg, key, t.now()); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("Failed to record video access")
		}
	})
	return resp, nil
}

// HandleAPI forwards to the network. Failures propagate: stale business data
// must never be substituted silently.
func (t *Tiered) HandleAPI(ctx context.Context, req *http.Request) (*http.Response, error) {
	return t.fetcher.Fetch(ctx, req)
}

// HandlePassthrough forwards to the network without touching any partition.
func (t *Tiered) HandlePassthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	return t.fetcher.Fetch(ctx, req)
}

// fetchEntry fetches req and buffers the whole response. Body read failures
// are reported as network failures.
func (t *Tiered) fetchEntry(ctx context.Context, req *http.Request, key string) (*store.Entry, error) {
	resp, err := t.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	entry, err := ResponseToEntry(key, resp)
	if err != nil {
		return nil, &fetch.NetworkError{
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			ErrorClass: fetch.ErrorClassNetwork,
			Err:        err,
		}
	}
	return entry, nil
}

// lookup returns the cached entry or nil. Store failures are logged and
// treated as misses so the request degrades to the network.
func (t *Tiered) lookup(ctx context.Context, p *store.Partition, key, tier string) *store.Entry {
	entry, err := p.Get(ctx, key)
	if err == nil {
		return entry
	}
	if !errors.Is(err, store.ErrNotFound) {
		Degraded.WithLabelValues(tier).Inc()
		t.logger.Warn().Err(err).Str("partition", p.Name()).Str("key", key).Msg("Cache lookup failed")
	}
	return nil
}

// put stores the entry and notifies the eviction engine. The write is not
// cancelled with the request that triggered it.
func (t *Tiered) put(ctx context.Context, p *store.Partition, entry *store.Entry) {
	if err := p.Put(context.WithoutCancel(ctx), entry); err != nil {
		t.logger.Warn().Err(err).Str("partition", p.Name()).Str("key", entry.Key).Msg("Failed to cache response")
		return
	}

	t.logger.Debug().
		Str("partition", p.Name()).
		Str("key", entry.Key).
		Int64("size", entry.Size()).
		Msg("Cached response")

	if t.notifier != nil {
		t.notifier.Notify(p.Name())
	}
}

// detached runs fn in the background on a context that survives the caller.
func (t *Tiered) detached(ctx context.Context, fn func(context.Context)) {
	bg := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(bg)
	}()
}

func (t *Tiered) key(u *url.URL, p *store.Partition) string {
	name := p.Name()
	if store.IsStaticPartition(name) {
		name = "static"
	}
	return CacheKey{URL: u, IgnoreQuery: t.config.IgnoreQuery[name]}.String()
}

// Prefetch fetches rawURL into the video partition ahead of playback.
// Relative URLs resolve against the origin, so the entry is keyed exactly
// like a proxied request for the same resource. Unsuccessful responses are
// not stored.
func (t *Tiered) Prefetch(ctx context.Context, rawURL string) (*store.Entry, error) {
	target, err := t.prefetchTarget(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	key := t.key(req.URL, t.video)

	entry, err := t.fetchEntry(ctx, req, key)
	if err != nil {
		return nil, err
	}
	if entry.StatusCode != http.StatusOK {
		return entry, &fetch.NetworkError{URL: target.String(), StatusCode: entry.StatusCode, ErrorClass: fetch.ErrorClassClient}
	}

	entry.LastAccessAt = t.now()
	t.put(ctx, t.video, entry)
	return entry, nil
}

func (t *Tiered) prefetchTarget(rawURL string) (*url.URL, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrefetchTarget, err)
	}

	origin := t.config.Origin
	if origin == nil {
		if ref.Scheme == "" || ref.Host == "" {
			return nil, fmt.Errorf("%w: %q is not absolute", ErrPrefetchTarget, rawURL)
		}
		return ref, nil
	}

	target := origin.ResolveReference(ref)
	if target.Scheme != origin.Scheme || !strings.EqualFold(target.Host, origin.Host) {
		return nil, fmt.Errorf("%w: %q", ErrPrefetchTarget, rawURL)
	}
	return target, nil
}
