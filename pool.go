package imagemem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

// Buffer pool errors.
var (
	// ErrInvalidSize is returned when a non-positive buffer size is requested.
	ErrInvalidSize = errors.New("imagemem: invalid buffer size")

	// ErrPoolDisposed is returned when operating on a disposed pool.
	ErrPoolDisposed = errors.New("imagemem: buffer pool disposed")
)

// Buffer pool defaults.
const (
	// DefaultMaxPoolSize is the default soft byte bound (150 MiB).
	DefaultMaxPoolSize = 150 * 1024 * 1024

	// DefaultMaxBufferCount is the default soft entry bound.
	DefaultMaxBufferCount = 6

	// DefaultPoolIdleTimeout is how long a free entry survives without
	// access before idle cleanup drops it (60 s).
	DefaultPoolIdleTimeout = 60 * time.Second
)

// PoolConfig holds configuration for creating a BufferPool.
// The configuration is fixed for the pool's lifetime.
type PoolConfig struct {
	// MaxPoolSize is the soft bound on total pooled bytes.
	// Defaults to DefaultMaxPoolSize if <= 0.
	MaxPoolSize int64

	// MaxBufferCount is the soft bound on pooled entries.
	// Defaults to DefaultMaxBufferCount if <= 0.
	MaxBufferCount int

	// PreferShared requests shared-capable (mmap) backing memory.
	// The capability is probed once at construction; if the probe
	// fails, the pool allocates from the heap for its whole lifetime.
	PreferShared bool

	// IdleTimeout is how long free entries are retained without
	// access. Defaults to DefaultPoolIdleTimeout if <= 0.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPoolSize:    DefaultMaxPoolSize,
		MaxBufferCount: DefaultMaxBufferCount,
		PreferShared:   true,
		IdleTimeout:    DefaultPoolIdleTimeout,
	}
}

// pooledBuffer tracks one allocated memory block retained for reuse.
// Its capacity is fixed at allocation and never resized.
type pooledBuffer struct {
	id         uuid.UUID
	data       []byte // full capacity; the exact slice returned by the allocator
	shared     bool   // mmap-backed
	inUse      bool
	lastAccess time.Time
}

// Lease is a checked-out view over a pooled buffer. Bytes has exactly
// the requested length; the underlying block may be larger. Call
// Release when done to return the buffer to the pool for reuse.
type Lease struct {
	// Bytes is the usable view, truncated to the requested size.
	Bytes []byte

	// Shared reports whether the backing memory is shared-capable.
	// Shared bytes must be cloned before crossing an ownership
	// boundary; see CloneIfNeeded.
	Shared bool

	pool     *BufferPool
	entry    *pooledBuffer
	released bool
}

// Release returns the buffer to the pool. The view is not shrunk or
// zeroed; callers must not touch Bytes after Release. Releasing twice
// is a no-op.
func (l *Lease) Release() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.release(l)
}

// BufferPool is a reusable-buffer cache with size/count-bounded
// eviction. It minimizes allocation and copy churn for large binary
// buffers under a soft byte/count budget: bounds are advisory, and an
// allocation always proceeds even when eviction cannot free enough
// room.
//
// BufferPool is safe for concurrent use, but the editor is expected to
// drive it from a single logical caller; the pool provides no
// cross-operation transactions.
type BufferPool struct {
	mu        sync.Mutex
	cfg       PoolConfig
	buffers   []*pooledBuffer
	useShared bool // probe result, fixed at construction
	idle      *IdleCleanupManager
	disposed  bool
}

// NewBufferPool creates a pool with the given configuration, applying
// defaults for non-positive fields. Shared-capable backing is probed
// here, once, and never re-probed.
func NewBufferPool(cfg PoolConfig) *BufferPool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = DefaultMaxPoolSize
	}
	if cfg.MaxBufferCount <= 0 {
		cfg.MaxBufferCount = DefaultMaxBufferCount
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultPoolIdleTimeout
	}

	p := &BufferPool{
		cfg:       cfg,
		useShared: cfg.PreferShared && probeSharedAlloc(),
		idle:      NewIdleCleanupManager(cfg.IdleTimeout),
	}
	p.idle.SetCleanupCallback(p.ReleaseIdleBuffers)

	if cfg.PreferShared && !p.useShared {
		Logger().Warn("shared memory unavailable, pool falls back to heap allocations")
	}
	return p
}

// Acquire returns a lease over a buffer of exactly minSize bytes.
//
// Free entries are scanned for the smallest capacity >= minSize
// (best-fit). On a miss the pool evicts stale free entries if the new
// allocation would exceed a soft bound, then allocates a fresh buffer
// of exactly minSize. The returned view is truncated to minSize even
// when the underlying block is larger.
func (p *BufferPool) Acquire(minSize int) (*Lease, error) {
	if minSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, minSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil, ErrPoolDisposed
	}
	defer p.idle.ResetTimer()

	if entry := p.bestFitLocked(minSize); entry != nil {
		entry.inUse = true
		entry.lastAccess = time.Now()
		Logger().Debug("buffer reused",
			"id", entry.id, "capacity", len(entry.data), "requested", minSize)
		return p.leaseLocked(entry, minSize), nil
	}

	p.evictForLocked(int64(minSize))

	entry := p.allocateLocked(minSize)
	entry.inUse = true
	p.buffers = append(p.buffers, entry)
	Logger().Debug("buffer allocated",
		"id", entry.id, "size", minSize, "shared", entry.shared)
	return p.leaseLocked(entry, minSize), nil
}

// AcquireWithData acquires a buffer of len(src) bytes and copies src
// into it. The returned view never aliases src's storage.
func (p *BufferPool) AcquireWithData(src []byte) (*Lease, error) {
	lease, err := p.Acquire(len(src))
	if err != nil {
		return nil, err
	}
	copy(lease.Bytes, src)
	return lease, nil
}

// TryGetView identity-scans the pool for an entry whose backing
// storage is src's backing storage (pointer identity, not content
// equality). On a match it returns a re-sliced view over the entry,
// len(src) long, plus the entry's shared flag. Otherwise ok is false.
//
// This lets callers avoid re-copying data that is already known to
// live in pooled memory.
func (p *BufferPool) TryGetView(src []byte) (view []byte, shared bool, ok bool) {
	if len(src) == 0 {
		return nil, false, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.buffers {
		if !sameBacking(entry.data, src) {
			continue
		}
		n := len(src)
		if n > len(entry.data) {
			n = len(entry.data)
		}
		return entry.data[:n], entry.shared, true
	}
	return nil, false, false
}

// WarmPool pre-allocates one free buffer per distinct requested size.
// Sizes are deduplicated first. Warm-up stops once either soft bound
// would be exceeded; a partial warm-up is not an error.
func (p *BufferPool) WarmPool(sizes []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return
	}

	seen := make(map[int]bool, len(sizes))
	total := p.totalSizeLocked()
	for _, size := range sizes {
		if size <= 0 || seen[size] {
			continue
		}
		seen[size] = true

		if total+int64(size) > p.cfg.MaxPoolSize || len(p.buffers)+1 > p.cfg.MaxBufferCount {
			break
		}
		entry := p.allocateLocked(size)
		p.buffers = append(p.buffers, entry)
		total += int64(size)
	}
	Logger().Debug("pool warmed", "buffers", len(p.buffers), "bytes", total)
}

// ReleaseIdleBuffers drops free entries that have not been accessed
// within the pool's idle timeout. In-use entries are always retained.
func (p *BufferPool) ReleaseIdleBuffers() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return
	}

	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	kept := p.buffers[:0]
	dropped := 0
	for _, entry := range p.buffers {
		if entry.inUse || entry.lastAccess.After(cutoff) {
			kept = append(kept, entry)
			continue
		}
		p.freeLocked(entry)
		dropped++
	}
	for i := len(kept); i < len(p.buffers); i++ {
		p.buffers[i] = nil
	}
	p.buffers = kept

	if dropped > 0 {
		Logger().Debug("idle buffers released", "dropped", dropped, "retained", len(kept))
	}
}

// Dispose cancels any pending idle-cleanup timer and empties the pool.
// The pool is not usable afterward.
func (p *BufferPool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return
	}
	p.idle.Dispose()
	for _, entry := range p.buffers {
		p.freeLocked(entry)
	}
	p.buffers = nil
	p.disposed = true
}

// BufferCount returns the number of entries currently in the pool.
func (p *BufferPool) BufferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// ActiveBufferCount returns the number of entries currently checked out.
func (p *BufferPool) ActiveBufferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, entry := range p.buffers {
		if entry.inUse {
			active++
		}
	}
	return active
}

// TotalPoolSize returns the total capacity of all pooled entries in bytes.
func (p *BufferPool) TotalPoolSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSizeLocked()
}

// UsingSharedMemory reports whether the pool allocates shared-capable
// memory. Fixed at construction.
func (p *BufferPool) UsingSharedMemory() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.useShared
}

// release returns a leased entry to the free state and refreshes its
// timestamp. The buffer is not shrunk or zeroed.
func (p *BufferPool) release(l *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l.released {
		return
	}
	l.released = true
	l.entry.inUse = false
	l.entry.lastAccess = time.Now()
}

// leaseLocked builds a lease with a view of exactly size bytes.
// Caller must hold mu.
func (p *BufferPool) leaseLocked(entry *pooledBuffer, size int) *Lease {
	return &Lease{
		Bytes:  entry.data[:size],
		Shared: entry.shared,
		pool:   p,
		entry:  entry,
	}
}

// bestFitLocked returns the free entry with the smallest capacity
// >= size, or nil. A linear scan is fine at the pool's expected
// cardinality (single digits, bounded by MaxBufferCount).
// Caller must hold mu.
func (p *BufferPool) bestFitLocked(size int) *pooledBuffer {
	var best *pooledBuffer
	for _, entry := range p.buffers {
		if entry.inUse || len(entry.data) < size {
			continue
		}
		if best == nil || len(entry.data) < len(best.data) {
			best = entry
		}
	}
	return best
}

// evictForLocked removes free entries, oldest access first, until a
// new allocation of newSize bytes would fit within both soft bounds or
// no free entries remain. In-use entries are never candidates. If
// eviction cannot free enough room the allocation proceeds anyway;
// the bounds are advisory. Caller must hold mu.
func (p *BufferPool) evictForLocked(newSize int64) {
	overBounds := func() bool {
		return p.totalSizeLocked()+newSize > p.cfg.MaxPoolSize ||
			len(p.buffers)+1 > p.cfg.MaxBufferCount
	}
	if !overBounds() {
		return
	}

	var free []*pooledBuffer
	for _, entry := range p.buffers {
		if !entry.inUse {
			free = append(free, entry)
		}
	}
	sort.Slice(free, func(i, j int) bool {
		return free[i].lastAccess.Before(free[j].lastAccess)
	})

	for _, victim := range free {
		if !overBounds() {
			return
		}
		p.removeLocked(victim)
		Logger().Debug("buffer evicted",
			"id", victim.id, "capacity", len(victim.data))
	}

	if overBounds() {
		Logger().Warn("pool soft bound exceeded",
			"size", p.totalSizeLocked(), "count", len(p.buffers),
			"max_size", p.cfg.MaxPoolSize, "max_count", p.cfg.MaxBufferCount)
	}
}

// removeLocked frees an entry and drops it from the pool slice.
// Caller must hold mu.
func (p *BufferPool) removeLocked(victim *pooledBuffer) {
	for i, entry := range p.buffers {
		if entry == victim {
			p.freeLocked(entry)
			p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
			return
		}
	}
}

// allocateLocked creates a new buffer of exactly size bytes. Shared
// backing is used when the construction-time probe succeeded; an mmap
// failure at this point downgrades this one buffer to the heap.
// Caller must hold mu.
func (p *BufferPool) allocateLocked(size int) *pooledBuffer {
	entry := &pooledBuffer{
		id:         uuid.New(),
		lastAccess: time.Now(),
	}
	if p.useShared {
		data, err := allocShared(size)
		if err == nil {
			entry.data = data[:size]
			entry.shared = true
			return entry
		}
		Logger().Warn("shared allocation failed, using heap", "size", size, "error", err)
	}
	entry.data = make([]byte, size)
	return entry
}

// freeLocked returns an entry's memory to the system. Heap buffers are
// left to the garbage collector. Caller must hold mu.
func (p *BufferPool) freeLocked(entry *pooledBuffer) {
	if entry.shared {
		if err := freeShared(entry.data[:cap(entry.data)]); err != nil {
			Logger().Warn("unmap failed", "id", entry.id, "error", err)
		}
	}
	entry.data = nil
}

// totalSizeLocked sums the capacity of all entries. Caller must hold mu.
func (p *BufferPool) totalSizeLocked() int64 {
	var total int64
	for _, entry := range p.buffers {
		total += int64(len(entry.data))
	}
	return total
}

// sameBacking reports whether view's storage lies within backing's
// storage. This is pointer identity, not content comparison: it is
// true exactly when the two slices alias the same allocation.
func sameBacking(backing, view []byte) bool {
	if cap(backing) == 0 || cap(view) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(backing)))
	end := base + uintptr(cap(backing))
	v := uintptr(unsafe.Pointer(unsafe.SliceData(view)))
	return v >= base && v < end
}
