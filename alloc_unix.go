//go:build unix

package imagemem

import (
	"os"

	"golang.org/x/sys/unix"
)

// allocShared allocates size bytes in an anonymous shared mapping.
// Memory obtained this way can be aliased across processes (or handed
// to C code) without copying, at the cost of requiring an explicit
// clone before crossing an ownership boundary; see CloneIfNeeded.
func allocShared(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANON)
}

// freeShared unmaps a buffer previously returned by allocShared.
// The slice must be the exact slice returned by allocShared.
func freeShared(b []byte) error {
	return unix.Munmap(b)
}

// probeSharedAlloc reports whether shared allocations work on this
// system. Called once per pool at construction; the result is never
// re-probed.
func probeSharedAlloc() bool {
	b, err := allocShared(os.Getpagesize())
	if err != nil {
		return false
	}
	_ = freeShared(b)
	return true
}
