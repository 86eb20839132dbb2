package imagemem

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Memory budget defaults.
const (
	// DefaultMemoryBudget is the fixed total memory budget (200 MiB).
	// It governs the analyzer and tracker independently of the pool's
	// own byte cap.
	DefaultMemoryBudget = 200 * 1024 * 1024

	// DefaultCleanupThreshold is the fraction of the budget at which
	// ShouldTriggerCleanup turns true.
	DefaultCleanupThreshold = 0.8
)

// Canonical tracking categories reported by UsageInfo. Callers may
// record arbitrary names; these four are surfaced individually in the
// diagnostics snapshot.
const (
	CategoryOriginal = "original" // the loaded source image
	CategoryWorking  = "working"  // the image being edited
	CategoryHistory  = "history"  // undo/redo snapshots
	CategoryPreview  = "preview"  // effect-pipeline previews
)

// trackerShardCount must be a power of two for unbiased masking.
const trackerShardCount = 8

// MemoryUsageInfo is an immutable snapshot of tracked usage. It is
// recomputed on demand from the live tracker state, never cached.
type MemoryUsageInfo struct {
	Original int64
	Working  int64
	History  int64
	Preview  int64

	// Total is the sum over all recorded names, canonical or not.
	Total int64

	// PercentOfBudget is Total as a percentage of the memory budget.
	PercentOfBudget float64
}

type trackerShard struct {
	mu      sync.Mutex
	entries map[string]int64
}

// MemoryTracker is pure bookkeeping of named buffer sizes against a
// fixed memory budget. It has no side effects on buffers themselves:
// the caller is solely responsible for calling Record and Clear at the
// correct points in a buffer's life.
//
// MemoryTracker is safe for concurrent use.
type MemoryTracker struct {
	shards    [trackerShardCount]trackerShard
	budget    int64
	threshold float64
}

// NewMemoryTracker creates a tracker against the given budget in
// bytes. A budget <= 0 selects DefaultMemoryBudget.
func NewMemoryTracker(budgetBytes int64) *MemoryTracker {
	if budgetBytes <= 0 {
		budgetBytes = DefaultMemoryBudget
	}
	t := &MemoryTracker{budget: budgetBytes, threshold: DefaultCleanupThreshold}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]int64)
	}
	return t
}

func (t *MemoryTracker) shard(name string) *trackerShard {
	return &t.shards[xxhash.Sum64String(name)&(trackerShardCount-1)]
}

// Record sets the tracked size for name, overwriting any prior value
// (last-write-wins, not additive). Negative sizes are recorded as zero.
func (t *MemoryTracker) Record(name string, bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	s := t.shard(name)
	s.mu.Lock()
	s.entries[name] = bytes
	s.mu.Unlock()
}

// Clear removes the entry for name, if any.
func (t *MemoryTracker) Clear(name string) {
	s := t.shard(name)
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// ClearAll removes every entry.
func (t *MemoryTracker) ClearAll() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		clear(s.entries)
		s.mu.Unlock()
	}
}

// TotalUsage sums all currently recorded values.
func (t *MemoryTracker) TotalUsage() int64 {
	var total int64
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, v := range s.entries {
			total += v
		}
		s.mu.Unlock()
	}
	return total
}

// Get returns the tracked size for name and whether it is recorded.
func (t *MemoryTracker) Get(name string) (int64, bool) {
	s := t.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[name]
	return v, ok
}

// Budget returns the fixed memory budget in bytes.
func (t *MemoryTracker) Budget() int64 { return t.budget }

// UsageInfo returns a fresh snapshot of the canonical categories, the
// total over all entries, and the total as a percentage of the budget.
func (t *MemoryTracker) UsageInfo() MemoryUsageInfo {
	info := MemoryUsageInfo{}
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for name, v := range s.entries {
			info.Total += v
			switch name {
			case CategoryOriginal:
				info.Original = v
			case CategoryWorking:
				info.Working = v
			case CategoryHistory:
				info.History = v
			case CategoryPreview:
				info.Preview = v
			}
		}
		s.mu.Unlock()
	}
	info.PercentOfBudget = float64(info.Total) / float64(t.budget) * 100
	return info
}

// ShouldTriggerCleanup reports whether total usage exceeds the budget
// scaled by the cleanup threshold.
func (t *MemoryTracker) ShouldTriggerCleanup() bool {
	return float64(t.TotalUsage()) > float64(t.budget)*t.threshold
}
