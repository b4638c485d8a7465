// Package control implements the out-of-band control protocol: clearing
// partitions, category invalidation, video prefetch and status reporting.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/media-cache/pkg/cache"
	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/Sternrassler/media-cache/pkg/warmup"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prefetcher stores a resource in the video partition ahead of playback.
type Prefetcher interface {
	Prefetch(ctx context.Context, rawURL string) (*store.Entry, error)
}

// Seeder re-populates the static partition.
type Seeder interface {
	Seed(ctx context.Context) (warmup.Result, error)
	Partition() *store.Partition
}

// Handler executes control operations against the store.
type Handler struct {
	backend    store.Backend
	media      *store.Partition
	video      *store.Partition
	api        *store.Partition
	prefetcher Prefetcher
	seeder     Seeder
	ledger     *Ledger
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHandler creates a control handler. prefetcher and seeder may be nil,
// in which case PREFETCH_VIDEO fails and CLEAR_ALL_CACHE does not re-seed.
func NewHandler(backend store.Backend, prefetcher Prefetcher, seeder Seeder, ledger *Ledger, logger zerolog.Logger) *Handler {
	if backend == nil {
		panic("backend cannot be nil")
	}
	if ledger == nil {
		ledger = NewLedger()
	}

	return &Handler{
		backend:    backend,
		media:      store.NewPartition(backend, store.PartitionMedia),
		video:      store.NewPartition(backend, store.PartitionVideo),
		api:        store.NewPartition(backend, store.PartitionAPI),
		prefetcher: prefetcher,
		seeder:     seeder,
		ledger:     ledger,
		logger:     logger,
		now:        time.Now,
	}
}

// Ledger returns the invalidation ledger.
func (h *Handler) Ledger() *Ledger {
	return h.ledger
}

// Clear deletes every entry of the media, video or api partition.
func (h *Handler) Clear(ctx context.Context, partition string) error {
	var p *store.Partition
	switch partition {
	case store.PartitionMedia:
		p = h.media
	case store.PartitionVideo:
		p = h.video
	case store.PartitionAPI:
		p = h.api
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPartition, partition)
	}

	if err := p.Clear(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", partition, err)
	}

	h.logger.Info().Str("partition", partition).Msg("Partition cleared")
	return nil
}

// ClearAll drops every partition, then re-seeds the static partition.
func (h *Handler) ClearAll(ctx context.Context) error {
	partitions, err := h.backend.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	names := map[string]struct{}{
		store.PartitionMedia: {},
		store.PartitionVideo: {},
		store.PartitionAPI:   {},
	}
	for _, name := range partitions {
		names[name] = struct{}{}
	}
	if h.seeder != nil {
		names[h.seeder.Partition().Name()] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for name := range names {
		g.Go(func() error {
			if err := h.backend.Drop(gctx, name); err != nil {
				return fmt.Errorf("drop %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	h.logger.Info().Int("partitions", len(names)).Msg("All partitions cleared")

	if h.seeder == nil {
		return nil
	}
	if _, err := h.seeder.Seed(ctx); err != nil {
		return fmt.Errorf("re-seed static partition: %w", err)
	}
	return nil
}

// Invalidate records ts for category and removes the entries it maps to.
// It returns the number of removed entries.
//
// gallery maps to media, media to media and video, video to video. Any other
// category maps to api entries whose path starts with /api/<category>.
func (h *Handler) Invalidate(ctx context.Context, category string, ts time.Time) (int, error) {
	if category == "" {
		return 0, fmt.Errorf("%w: missing cacheType", ErrInvalidMessage)
	}
	h.ledger.Record(category, ts)

	var targets []*store.Partition
	switch category {
	case "gallery":
		targets = []*store.Partition{h.media}
	case "media":
		targets = []*store.Partition{h.media, h.video}
	case "video":
		targets = []*store.Partition{h.video}
	default:
		removed, err := h.invalidatePrefix(ctx, "/api/"+category)
		if err != nil {
			return removed, err
		}
		h.logInvalidation(category, ts, removed)
		return removed, nil
	}

	removed := 0
	for _, p := range targets {
		n, err := p.Count(ctx)
		if err != nil {
			return removed, fmt.Errorf("count %s: %w", p.Name(), err)
		}
		if err := p.Clear(ctx); err != nil {
			return removed, fmt.Errorf("clear %s: %w", p.Name(), err)
		}
		InvalidatedEntries.WithLabelValues(p.Name()).Add(float64(n))
		removed += n
	}

	h.logInvalidation(category, ts, removed)
	return removed, nil
}

func (h *Handler) invalidatePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := h.api.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", h.api.Name(), err)
	}

	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(cache.KeyPath(key), prefix) {
			continue
		}
		if err := h.api.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete %s: %w", key, err)
		}
		removed++
	}

	InvalidatedEntries.WithLabelValues(h.api.Name()).Add(float64(removed))
	return removed, nil
}

func (h *Handler) logInvalidation(category string, ts time.Time, removed int) {
	h.logger.Info().
		Str("category", category).
		Time("timestamp", ts).
		Int("removed", removed).
		Msg("Cache invalidated")
}

// Prefetch fetches rawURL into the video partition.
func (h *Handler) Prefetch(ctx context.Context, rawURL string) (*store.Entry, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidMessage)
	}
	if h.prefetcher == nil {
		return nil, errors.New("prefetch not configured")
	}

	entry, err := h.prefetcher.Prefetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("prefetch %s: %w", rawURL, err)
	}

	h.logger.Info().Str("url", rawURL).Int64("size", entry.Size()).Msg("Video prefetched")
	return entry, nil
}

// Status reports counts and bytes per partition and the ledger snapshot.
func (h *Handler) Status(ctx context.Context) (*Status, error) {
	partitions := map[string]*store.Partition{
		store.PartitionMedia: h.media,
		store.PartitionVideo: h.video,
		store.PartitionAPI:   h.api,
	}
	if h.seeder != nil {
		partitions["static"] = h.seeder.Partition()
	}

	status := &Status{
		Counts:            make(map[string]int, len(partitions)+1),
		Bytes:             make(map[string]int64, len(partitions)+1),
		InvalidationTimes: make(map[string]int64),
	}
	status.Counts["static"] = 0
	status.Bytes["static"] = 0

	for name, p := range partitions {
		metas, err := p.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", p.Name(), err)
		}
		var total int64
		for _, m := range metas {
			total += m.Size
		}
		status.Counts[name] = len(metas)
		status.Bytes[name] = total
	}

	for category, ts := range h.ledger.Snapshot() {
		status.InvalidationTimes[category] = ts.UnixMilli()
	}
	return status, nil
}

// Handle dispatches a control message and builds its reply. The returned
// error is also reported in the reply.
func (h *Handler) Handle(ctx context.Context, msg Message) (Reply, error) {
	reply := Reply{Type: msg.Type, Success: true}

	var err error
	switch msg.Type {
	case ClearMediaCache:
		err = h.Clear(ctx, store.PartitionMedia)
	case ClearVideoCache:
		err = h.Clear(ctx, store.PartitionVideo)
	case ClearAPICache:
		err = h.Clear(ctx, store.PartitionAPI)
	case ClearAllCache:
		err = h.ClearAll(ctx)
	case InvalidateCache:
		ts := h.now()
		if msg.Timestamp != 0 {
			ts = fromMillis(msg.Timestamp)
		}
		_, err = h.Invalidate(ctx, msg.CacheType, ts)
	case PrefetchVideo:
		_, err = h.Prefetch(ctx, msg.URL)
	case GetCacheStatus:
		reply.Status, err = h.Status(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	label := string(msg.Type)
	if errors.Is(err, ErrUnknownMessage) {
		label = "unknown"
	}

	if err != nil {
		h.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Control message failed")
		Messages.WithLabelValues(label, "error").Inc()
		reply.Success = false
		reply.Error = err.Error()
		return reply, err
	}

	Messages.WithLabelValues(label, "success").Inc()
	return reply, nil
}
