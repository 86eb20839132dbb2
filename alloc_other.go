//go:build !unix

package imagemem

import "errors"

var errSharedUnsupported = errors.New("imagemem: shared allocations not supported on this platform")

// allocShared is unavailable on non-unix platforms; pools fall back to
// heap allocations.
func allocShared(int) ([]byte, error) {
	return nil, errSharedUnsupported
}

func freeShared([]byte) error { return nil }

// probeSharedAlloc reports whether shared allocations work on this
// system. Always false here.
func probeSharedAlloc() bool { return false }
