package eviction

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultMaintenanceInterval is how often every partition is trimmed
// regardless of write activity.
const DefaultMaintenanceInterval = 5 * time.Minute

// maxReactivePasses bounds how often one Notify retries to get a pass whose
// snapshot follows its write.
const maxReactivePasses = 4

// Engine owns the trimmers of all bounded partitions. Concurrent requests to
// trim the same partition share a single pass.
type Engine struct {
	trimmers map[string]*Trimmer
	// writes counts Notify calls per partition; a pass records the count it
	// started at.
	writes map[string]*atomic.Uint64
	group  singleflight.Group
	wg     sync.WaitGroup
	logger zerolog.Logger
}

type pass struct {
	result Result
	seen   uint64
}

// NewEngine creates an engine over the given trimmers.
func NewEngine(logger zerolog.Logger, trimmers ...*Trimmer) *Engine {
	e := &Engine{
		trimmers: make(map[string]*Trimmer, len(trimmers)),
		writes:   make(map[string]*atomic.Uint64, len(trimmers)),
		logger:   logger,
	}
	for _, t := range trimmers {
		e.trimmers[t.Partition().Name()] = t
		e.writes[t.Partition().Name()] = &atomic.Uint64{}
	}
	return e
}

// Trimmer returns the trimmer of a partition.
func (e *Engine) Trimmer(partition string) (*Trimmer, bool) {
	t, ok := e.trimmers[partition]
	return t, ok
}

// Trim runs a pass on one partition. Unknown partitions are a no-op.
func (e *Engine) Trim(ctx context.Context, partition string) (Result, error) {
	if _, ok := e.trimmers[partition]; !ok {
		return Result{Partition: partition}, nil
	}
	p, err := e.pass(ctx, partition)
	return p.result, err
}

func (e *Engine) pass(ctx context.Context, partition string) (pass, error) {
	t := e.trimmers[partition]
	writes := e.writes[partition]

	v, err, _ := e.group.Do(partition, func() (interface{}, error) {
		seen := writes.Load()
		result, err := t.Trim(ctx)
		return pass{result: result, seen: seen}, err
	})
	p, _ := v.(pass)
	return p, err
}

// Notify schedules a reactive trim after a write to the partition. The pass
// runs detached from any request context and errors are only logged.
// Joining a pass whose snapshot predates the write triggers another pass.
func (e *Engine) Notify(partition string) {
	writes, ok := e.writes[partition]
	if !ok {
		return
	}
	want := writes.Add(1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for i := 0; i < maxReactivePasses; i++ {
			p, err := e.pass(context.Background(), partition)
			if err != nil {
				e.logger.Warn().Err(err).Str("partition", partition).Msg("Reactive trim failed")
				return
			}
			if p.seen >= want {
				return
			}
		}
		e.logger.Debug().Str("partition", partition).Msg("Reactive trim left to maintenance")
	}()
}

// TrimAll runs a pass on every partition in name order.
func (e *Engine) TrimAll(ctx context.Context) []Result {
	names := make([]string, 0, len(e.trimmers))
	for name := range e.trimmers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, 0, len(names))
	for _, name := range names {
		result, err := e.Trim(ctx, name)
		if err != nil {
			e.logger.Warn().Err(err).Str("partition", name).Msg("Maintenance trim failed")
			continue
		}
		results = append(results, result)
	}
	return results
}

// Run trims every partition each interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", interval).Msg("Maintenance loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Maintenance loop stopped")
			return
		case <-ticker.C:
			e.TrimAll(ctx)
		}
	}
}

// Wait blocks until all reactive trims have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
