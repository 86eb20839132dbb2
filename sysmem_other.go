//go:build !linux

package imagemem

// totalSystemMemory returns 0 on platforms without a supported
// detection path; the configured or default budget is used instead.
func totalSystemMemory() uint64 { return 0 }
