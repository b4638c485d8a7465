// Package eviction keeps cache partitions within their byte budgets.
//
// A Trimmer enforces one partition's Budget. When the measured total exceeds
// MaxBytes, entries are removed oldest first until the total is at or below
// MaxBytes * TargetFraction. Trimming below the budget leaves headroom so the
// next write does not immediately trigger another pass.
//
// Trims snapshot the partition first and delete with DeleteIfInserted, so an
// entry rewritten while the pass runs is never removed by that pass.
package eviction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/rs/zerolog"
)

// Policy selects which timestamp orders eviction.
type Policy int

const (
	// PolicyNone never trims automatically.
	PolicyNone Policy = iota

	// PolicyInsertionDate evicts the oldest inserted entries first.
	PolicyInsertionDate

	// PolicyLRU evicts the least recently accessed entries first.
	PolicyLRU
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyInsertionDate:
		return "insertion-date"
	case PolicyLRU:
		return "lru"
	default:
		return "none"
	}
}

// Budget bounds a partition.
type Budget struct {
	// MaxBytes is the size above which a trim runs (0 = unbounded)
	MaxBytes int64

	// TargetFraction of MaxBytes a trim reduces the partition to
	TargetFraction float64

	// Policy orders eviction
	Policy Policy
}

// Target returns the byte total a trim reduces the partition to.
func (b Budget) Target() int64 {
	return int64(float64(b.MaxBytes) * b.TargetFraction)
}

// Validate checks the budget for consistency.
func (b Budget) Validate() error {
	if b.Policy == PolicyNone {
		return nil
	}
	if b.MaxBytes <= 0 {
		return fmt.Errorf("max bytes must be > 0 for policy %s (got %d)", b.Policy, b.MaxBytes)
	}
	if b.TargetFraction <= 0 || b.TargetFraction > 1 {
		return fmt.Errorf("target fraction must be in (0, 1] (got %v)", b.TargetFraction)
	}
	return nil
}

// Result summarizes a trim pass.
type Result struct {
	Partition    string
	Scanned      int
	TotalBefore  int64
	TotalAfter   int64
	Evicted      int
	EvictedBytes int64
	// Skipped counts snapshot entries rewritten or deleted during the pass.
	Skipped int
}

// Trimmer enforces a Budget on one partition.
type Trimmer struct {
	partition *store.Partition
	budget    Budget
	logger    zerolog.Logger
	now       func() time.Time
}

// NewTrimmer creates a trimmer for the partition.
func NewTrimmer(partition *store.Partition, budget Budget, logger zerolog.Logger) *Trimmer {
	return &Trimmer{
		partition: partition,
		budget:    budget,
		logger:    logger.With().Str("partition", partition.Name()).Logger(),
		now:       time.Now,
	}
}

// Partition returns the partition the trimmer enforces.
func (t *Trimmer) Partition() *store.Partition {
	return t.partition
}

// Budget returns the enforced budget.
func (t *Trimmer) Budget() Budget {
	return t.budget
}

// Trim measures the partition and evicts until it is within the target.
// It is idempotent: a second pass over a partition within budget does nothing.
func (t *Trimmer) Trim(ctx context.Context) (Result, error) {
	startTime := time.Now()
	result := Result{Partition: t.partition.Name()}

	metas, err := t.partition.Snapshot(ctx)
	if err != nil {
		TrimErrors.WithLabelValues(result.Partition).Inc()
		return result, fmt.Errorf("snapshot %s: %w", result.Partition, err)
	}

	result.Scanned = len(metas)
	for _, m := range metas {
		result.TotalBefore += m.Size
	}
	result.TotalAfter = result.TotalBefore
	PartitionBytes.WithLabelValues(result.Partition).Set(float64(result.TotalBefore))
	PartitionEntries.WithLabelValues(result.Partition).Set(float64(result.Scanned))

	if t.budget.Policy == PolicyNone || t.budget.MaxBytes <= 0 || result.TotalBefore <= t.budget.MaxBytes {
		return result, nil
	}

	t.order(metas)
	target := t.budget.Target()

	for _, m := range metas {
		if result.TotalAfter <= target {
			break
		}

		deleted, err := t.partition.DeleteIfInserted(ctx, m.Key, m.InsertedAt)
		if err != nil {
			TrimErrors.WithLabelValues(result.Partition).Inc()
			return result, fmt.Errorf("evict %q from %s: %w", m.Key, result.Partition, err)
		}
		if !deleted {
			result.Skipped++
			continue
		}

		result.Evicted++
		result.EvictedBytes += m.Size
		result.TotalAfter -= m.Size

		t.logger.Debug().
			Str("key", m.Key).
			Int64("size", m.Size).
			Msg("Evicted entry")
	}

	Evictions.WithLabelValues(result.Partition).Add(float64(result.Evicted))
	EvictedBytes.WithLabelValues(result.Partition).Add(float64(result.EvictedBytes))
	PartitionBytes.WithLabelValues(result.Partition).Set(float64(result.TotalAfter))
	PartitionEntries.WithLabelValues(result.Partition).Set(float64(result.Scanned - result.Evicted - result.Skipped))
	TrimDuration.WithLabelValues(result.Partition).Observe(time.Since(startTime).Seconds())

	t.logger.Info().
		Str("policy", t.budget.Policy.String()).
		Int64("total_before", result.TotalBefore).
		Int64("total_after", result.TotalAfter).
		Int64("target", target).
		Int("evicted", result.Evicted).
		Int("skipped", result.Skipped).
		Msg("Partition trimmed")

	return result, nil
}

// order sorts metas oldest first by the policy's timestamp. Missing
// timestamps count as now, so entries of unknown age are evicted last.
func (t *Trimmer) order(metas []store.Meta) {
	now := t.now()
	stamp := func(m store.Meta) time.Time {
		ts := m.InsertedAt
		if t.budget.Policy == PolicyLRU {
			ts = m.LastAccessAt
		}
		if ts.IsZero() {
			return now
		}
		return ts
	}

	sort.SliceStable(metas, func(i, j int) bool {
		a, b := stamp(metas[i]), stamp(metas[j])
		if a.Equal(b) {
			return metas[i].Key < metas[j].Key
		}
		return a.Before(b)
	})
}
