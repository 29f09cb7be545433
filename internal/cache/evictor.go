package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

// tempGrace is how long a temp file may sit before a sweep treats it as
// abandoned by a crashed writer.
const tempGrace = 15 * time.Minute

// Policy bounds the cache. A zero or negative bound disables that pass.
type Policy struct {
	MaxAge  time.Duration
	MaxSize int64
}

// SweepStats summarizes one eviction sweep.
type SweepStats struct {
	AgeRemoved     int
	SizeRemoved    int
	Failed         int
	FreedBytes     int64
	Remaining      int
	RemainingBytes int64
	Duration       time.Duration
}

// Removed is the number of entries the sweep deleted.
func (s SweepStats) Removed() int { return s.AgeRemoved + s.SizeRemoved }

// Evictor removes entries that are too old, then the oldest entries until
// the directory fits the size bound.
type Evictor struct {
	store   *Store
	policy  Policy
	clock   clock.Clock
	logger  *slog.Logger
	observe func(SweepStats)

	mu      sync.Mutex // serializes sweeps
	running atomic.Bool
}

// EvictorOption configures an Evictor.
type EvictorOption func(*Evictor)

// WithClock replaces the wall clock. Tests use a mock to age entries.
func WithClock(c clock.Clock) EvictorOption {
	return func(e *Evictor) { e.clock = c }
}

// WithObserver registers a callback invoked after every completed sweep.
func WithObserver(fn func(SweepStats)) EvictorOption {
	return func(e *Evictor) { e.observe = fn }
}

// NewEvictor creates an Evictor for store.
func NewEvictor(store *Store, policy Policy, logger *slog.Logger, opts ...EvictorOption) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evictor{
		store:  store,
		policy: policy,
		clock:  clock.New(),
		logger: logger.With("component", "evictor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sweep runs the age pass and then the size pass. Failing to remove one entry
// is logged and skipped; only a failure to list the directory is returned.
func (e *Evictor) Sweep() (SweepStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.clock.Now()
	var stats SweepStats

	entries, err := e.store.List()
	if err != nil {
		return stats, err
	}

	now := e.clock.Now()
	e.store.removeTempBefore(now.Add(-tempGrace))

	// Age pass.
	kept := entries[:0]
	for _, entry := range entries {
		if e.policy.MaxAge > 0 && now.Sub(entry.ModTime) > e.policy.MaxAge {
			if e.remove(entry, "age") {
				stats.AgeRemoved++
				stats.FreedBytes += entry.Size
				continue
			}
			stats.Failed++
		}
		kept = append(kept, entry)
	}

	var total int64
	for _, entry := range kept {
		total += entry.Size
	}

	// Size pass, oldest first.
	if e.policy.MaxSize > 0 && total > e.policy.MaxSize {
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].ModTime.Before(kept[j].ModTime)
		})
		survivors := kept[:0]
		for i, entry := range kept {
			if total <= e.policy.MaxSize {
				survivors = append(survivors, kept[i:]...)
				break
			}
			if e.remove(entry, "size") {
				stats.SizeRemoved++
				stats.FreedBytes += entry.Size
				total -= entry.Size
				continue
			}
			stats.Failed++
			survivors = append(survivors, entry)
		}
		kept = survivors
	}

	stats.Remaining = len(kept)
	stats.RemainingBytes = total
	stats.Duration = e.clock.Since(start)

	if stats.Removed() > 0 || stats.Failed > 0 {
		e.logger.Info("cache sweep complete",
			"age_removed", stats.AgeRemoved,
			"size_removed", stats.SizeRemoved,
			"failed", stats.Failed,
			"freed", humanize.IBytes(uint64(stats.FreedBytes)),
			"remaining", stats.Remaining,
			"remaining_size", humanize.IBytes(uint64(stats.RemainingBytes)))
	} else {
		e.logger.Debug("cache sweep found nothing to evict",
			"remaining", stats.Remaining,
			"remaining_size", humanize.IBytes(uint64(stats.RemainingBytes)))
	}

	if e.observe != nil {
		e.observe(stats)
	}
	return stats, nil
}

// TrySweep sweeps unless another sweep is already in progress, in which case
// it returns immediately with ok false.
func (e *Evictor) TrySweep() (stats SweepStats, ok bool, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return SweepStats{}, false, nil
	}
	defer e.running.Store(false)

	stats, err = e.Sweep()
	return stats, true, err
}

// Run sweeps every interval until ctx is cancelled.
func (e *Evictor) Run(ctx context.Context, interval time.Duration) {
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	e.logger.Info("background cache sweeps enabled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := e.TrySweep(); err != nil {
				e.logger.Error("background cache sweep failed", "error", err)
			}
		}
	}
}

func (e *Evictor) remove(entry Entry, reason string) bool {
	if err := e.store.Remove(entry.Key); err != nil {
		e.logger.Warn("failed to evict cache entry",
			"cache_key", entry.Key, "reason", reason, "error", err)
		return false
	}
	e.logger.Debug("evicted cache entry",
		"cache_key", entry.Key, "reason", reason, "size", entry.Size, "mod_time", entry.ModTime)
	return true
}
