package imagemem

import (
	"bytes"
	"errors"
	"testing"
	"time"
	"unsafe"
)

// heapPool returns a pool that never uses shared memory, so tests are
// deterministic across platforms.
func heapPool(cfg PoolConfig) *BufferPool {
	cfg.PreferShared = false
	return NewBufferPool(cfg)
}

func backingPtr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func TestNewBufferPool_Defaults(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	if p.cfg.MaxPoolSize != DefaultMaxPoolSize {
		t.Errorf("MaxPoolSize = %d, want %d", p.cfg.MaxPoolSize, int64(DefaultMaxPoolSize))
	}
	if p.cfg.MaxBufferCount != DefaultMaxBufferCount {
		t.Errorf("MaxBufferCount = %d, want %d", p.cfg.MaxBufferCount, DefaultMaxBufferCount)
	}
	if p.cfg.IdleTimeout != DefaultPoolIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", p.cfg.IdleTimeout, DefaultPoolIdleTimeout)
	}
	if p.UsingSharedMemory() {
		t.Error("UsingSharedMemory() = true for a heap pool")
	}
}

func TestAcquire_InvalidSize(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	for _, size := range []int{0, -1, -100} {
		if _, err := p.Acquire(size); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("Acquire(%d) error = %v, want ErrInvalidSize", size, err)
		}
	}
}

func TestAcquire_ExactLength(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	lease, err := p.Acquire(4096)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	if len(lease.Bytes) != 4096 {
		t.Errorf("len(Bytes) = %d, want 4096", len(lease.Bytes))
	}
	if p.ActiveBufferCount() != 1 {
		t.Errorf("ActiveBufferCount() = %d, want 1", p.ActiveBufferCount())
	}
}

func TestAcquire_ReusesSameBacking(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	l1, err := p.Acquire(1024)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ptr1 := backingPtr(l1.Bytes)
	l1.Release()

	l2, err := p.Acquire(1024)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l2.Release()

	if backingPtr(l2.Bytes) != ptr1 {
		t.Error("second equal-size Acquire did not reuse the released buffer")
	}
	if p.BufferCount() != 1 {
		t.Errorf("BufferCount() = %d, want 1", p.BufferCount())
	}
}

func TestAcquire_LargerNeverReusesSmaller(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	l1, _ := p.Acquire(100)
	ptr1 := backingPtr(l1.Bytes)
	l1.Release()

	l2, err := p.Acquire(200)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l2.Release()

	if backingPtr(l2.Bytes) == ptr1 {
		t.Error("larger request reused a smaller buffer")
	}
	if p.BufferCount() != 2 {
		t.Errorf("BufferCount() = %d, want 2", p.BufferCount())
	}
}

func TestAcquire_BestFitPicksSmallest(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	p.WarmPool([]int{4096, 256, 1024})

	lease, err := p.Acquire(200)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	p.mu.Lock()
	var capacity int
	for _, entry := range p.buffers {
		if entry.inUse {
			capacity = len(entry.data)
		}
	}
	p.mu.Unlock()

	if capacity != 256 {
		t.Errorf("best-fit chose capacity %d, want 256", capacity)
	}
}

func TestAcquire_SoftCountBound(t *testing.T) {
	p := heapPool(PoolConfig{MaxBufferCount: 2})
	defer p.Dispose()

	// All three in use: nothing is evictable, yet allocation proceeds.
	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(64)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		leases = append(leases, l)
	}

	if p.BufferCount() != 3 {
		t.Errorf("BufferCount() = %d, want 3 (soft bound overrun)", p.BufferCount())
	}

	for _, l := range leases {
		l.Release()
	}

	// The next acquisition evicts back under the bound before
	// allocating a fresh buffer.
	l, err := p.Acquire(128)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l.Release()

	if got := p.BufferCount(); got > 2 {
		t.Errorf("BufferCount() = %d after eviction, want <= 2", got)
	}
}

func TestEviction_OldestFreeFirst(t *testing.T) {
	p := heapPool(PoolConfig{MaxBufferCount: 2})
	defer p.Dispose()

	l1, _ := p.Acquire(100)
	l2, _ := p.Acquire(200)
	l1.Release()
	l2.Release()

	// Backdate the first buffer so it is the clear eviction victim.
	p.mu.Lock()
	var oldPtr uintptr
	for _, entry := range p.buffers {
		if len(entry.data) == 100 {
			entry.lastAccess = time.Now().Add(-time.Hour)
			oldPtr = backingPtr(entry.data)
		}
	}
	p.mu.Unlock()

	l3, err := p.Acquire(300)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l3.Release()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.buffers {
		if backingPtr(entry.data) == oldPtr {
			t.Error("oldest free buffer survived eviction")
		}
	}
	if len(p.buffers) != 2 {
		t.Errorf("BufferCount = %d, want 2", len(p.buffers))
	}
}

func TestEviction_NeverEvictsInUse(t *testing.T) {
	p := heapPool(PoolConfig{MaxBufferCount: 1})
	defer p.Dispose()

	l1, _ := p.Acquire(100)
	ptr1 := backingPtr(l1.Bytes)

	l2, err := p.Acquire(100)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// l1 is still valid memory.
	if backingPtr(l1.Bytes) != ptr1 {
		t.Error("in-use buffer was disturbed")
	}

	l1.Release()
	l2.Release()
}

func TestAcquireWithData_Copies(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	src := []byte{1, 2, 3, 4, 5}
	lease, err := p.AcquireWithData(src)
	if err != nil {
		t.Fatalf("AcquireWithData() error = %v", err)
	}
	defer lease.Release()

	if !bytes.Equal(lease.Bytes, src) {
		t.Errorf("Bytes = %v, want %v", lease.Bytes, src)
	}
	if backingPtr(lease.Bytes) == backingPtr(src) {
		t.Error("lease aliases the source storage")
	}

	// Mutating the source must not bleed into the pooled copy.
	src[0] = 99
	if lease.Bytes[0] != 1 {
		t.Errorf("Bytes[0] = %d after source mutation, want 1", lease.Bytes[0])
	}
}

func TestTryGetView(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	lease, _ := p.Acquire(1024)
	defer lease.Release()

	t.Run("pooled slice matches", func(t *testing.T) {
		view, _, ok := p.TryGetView(lease.Bytes)
		if !ok {
			t.Fatal("TryGetView() ok = false for pooled bytes")
		}
		if len(view) != len(lease.Bytes) {
			t.Errorf("len(view) = %d, want %d", len(view), len(lease.Bytes))
		}
		if backingPtr(view) != backingPtr(lease.Bytes) {
			t.Error("view does not share pooled backing")
		}
	})

	t.Run("sub-view matches by identity", func(t *testing.T) {
		if _, _, ok := p.TryGetView(lease.Bytes[16:64]); !ok {
			t.Error("TryGetView() ok = false for a sub-view of pooled bytes")
		}
	})

	t.Run("foreign slice misses", func(t *testing.T) {
		foreign := make([]byte, 1024)
		if _, _, ok := p.TryGetView(foreign); ok {
			t.Error("TryGetView() ok = true for foreign bytes")
		}
	})

	t.Run("equal content does not match", func(t *testing.T) {
		clone := append([]byte(nil), lease.Bytes...)
		if _, _, ok := p.TryGetView(clone); ok {
			t.Error("TryGetView() matched on content instead of identity")
		}
	})

	t.Run("empty slice misses", func(t *testing.T) {
		if _, _, ok := p.TryGetView(nil); ok {
			t.Error("TryGetView(nil) ok = true")
		}
	})
}

func TestWarmPool(t *testing.T) {
	t.Run("deduplicates sizes", func(t *testing.T) {
		p := heapPool(PoolConfig{})
		defer p.Dispose()

		p.WarmPool([]int{4096, 4096, 4096})

		if got := p.BufferCount(); got != 1 {
			t.Errorf("BufferCount() = %d, want 1", got)
		}
		if got := p.ActiveBufferCount(); got != 0 {
			t.Errorf("ActiveBufferCount() = %d, want 0", got)
		}
	})

	t.Run("stops at count bound", func(t *testing.T) {
		p := heapPool(PoolConfig{MaxBufferCount: 2})
		defer p.Dispose()

		p.WarmPool([]int{100, 200, 300, 400})

		if got := p.BufferCount(); got != 2 {
			t.Errorf("BufferCount() = %d, want 2", got)
		}
	})

	t.Run("stops at byte bound", func(t *testing.T) {
		p := heapPool(PoolConfig{MaxPoolSize: 1000})
		defer p.Dispose()

		p.WarmPool([]int{600, 600})

		if got := p.BufferCount(); got != 1 {
			t.Errorf("BufferCount() = %d, want 1", got)
		}
		if got := p.TotalPoolSize(); got != 600 {
			t.Errorf("TotalPoolSize() = %d, want 600", got)
		}
	})

	t.Run("ignores non-positive sizes", func(t *testing.T) {
		p := heapPool(PoolConfig{})
		defer p.Dispose()

		p.WarmPool([]int{0, -5, 128})

		if got := p.BufferCount(); got != 1 {
			t.Errorf("BufferCount() = %d, want 1", got)
		}
	})
}

func TestReleaseIdleBuffers(t *testing.T) {
	p := heapPool(PoolConfig{IdleTimeout: time.Minute})
	defer p.Dispose()

	active, _ := p.Acquire(100)
	idle, _ := p.Acquire(200)
	idle.Release()

	// Backdate the free entry past the idle window.
	p.mu.Lock()
	for _, entry := range p.buffers {
		if !entry.inUse {
			entry.lastAccess = time.Now().Add(-2 * time.Minute)
		}
	}
	p.mu.Unlock()

	p.ReleaseIdleBuffers()

	if got := p.BufferCount(); got != 1 {
		t.Errorf("BufferCount() = %d, want 1 (in-use retained)", got)
	}
	if got := p.ActiveBufferCount(); got != 1 {
		t.Errorf("ActiveBufferCount() = %d, want 1", got)
	}
	active.Release()
}

func TestReleaseIdleBuffers_KeepsRecent(t *testing.T) {
	p := heapPool(PoolConfig{IdleTimeout: time.Minute})
	defer p.Dispose()

	l, _ := p.Acquire(100)
	l.Release()

	p.ReleaseIdleBuffers()

	if got := p.BufferCount(); got != 1 {
		t.Errorf("BufferCount() = %d, want 1 (recently released retained)", got)
	}
}

func TestDispose(t *testing.T) {
	p := heapPool(PoolConfig{})

	l, _ := p.Acquire(100)
	l.Release()
	p.WarmPool([]int{200, 300})

	p.Dispose()

	if got := p.BufferCount(); got != 0 {
		t.Errorf("BufferCount() = %d after Dispose, want 0", got)
	}
	if got := p.TotalPoolSize(); got != 0 {
		t.Errorf("TotalPoolSize() = %d after Dispose, want 0", got)
	}
	if _, err := p.Acquire(100); !errors.Is(err, ErrPoolDisposed) {
		t.Errorf("Acquire() after Dispose error = %v, want ErrPoolDisposed", err)
	}

	// Disposing twice is a no-op.
	p.Dispose()
}

func TestRelease_Idempotent(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	l, _ := p.Acquire(100)
	l.Release()
	l.Release()

	if got := p.ActiveBufferCount(); got != 0 {
		t.Errorf("ActiveBufferCount() = %d after double release, want 0", got)
	}
}

func TestTotalPoolSize(t *testing.T) {
	p := heapPool(PoolConfig{})
	defer p.Dispose()

	p.WarmPool([]int{100, 200, 300})

	if got := p.TotalPoolSize(); got != 600 {
		t.Errorf("TotalPoolSize() = %d, want 600", got)
	}
}

func TestLeaseShared_MatchesPool(t *testing.T) {
	p := NewBufferPool(DefaultPoolConfig())
	defer p.Dispose()

	lease, err := p.Acquire(4096)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	if lease.Shared != p.UsingSharedMemory() {
		t.Errorf("lease.Shared = %v, pool UsingSharedMemory() = %v",
			lease.Shared, p.UsingSharedMemory())
	}
}
