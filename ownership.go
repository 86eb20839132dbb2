package imagemem

// CloneIfNeeded returns buf itself when it can safely cross an
// ownership boundary without copying, and a distinct copy with
// identical bytes otherwise.
//
// A copy is forced when forceClone is true, or when buf is backed by
// one of the pool's shared-capable allocations: shared memory can be
// aliased from other execution contexts, so handing it across an
// ownership boundary without a copy would leak mutable aliasing.
func (p *BufferPool) CloneIfNeeded(buf []byte, forceClone bool) []byte {
	if !forceClone && !p.isSharedBacked(buf) {
		return buf
	}
	return cloneBytes(buf)
}

// TransferOwnership returns storage distinct from buf's with identical
// byte content. It works for whole buffers and sub-views alike: the
// result never aliases buf, regardless of where buf points.
func TransferOwnership(buf []byte) []byte {
	return cloneBytes(buf)
}

// isSharedBacked reports whether buf's storage lies within a pooled
// shared-capable allocation.
func (p *BufferPool) isSharedBacked(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.buffers {
		if entry.shared && sameBacking(entry.data, buf) {
			return true
		}
	}
	return false
}

func cloneBytes(buf []byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}
