// Package imagemem provides the memory core of an image editor: a
// reusable buffer cache with soft byte/count bounds, a memory usage
// tracker, a debounced idle-cleanup timer, and an admission-control
// analyzer that decides whether an image load should proceed, be
// downscaled, or be rejected against a fixed memory budget.
//
// The package never touches pixel content. Callers decode, fill, and
// transform image data themselves; imagemem only decides how large
// buffers are allocated, reused, evicted, and bounded.
//
// # Typical flow
//
//	mgr, err := imagemem.NewManager(imagemem.DefaultConfig())
//	if err != nil { ... }
//	defer mgr.Close()
//
//	action := mgr.Admit(width, height, compressedSize)
//	switch action.Kind {
//	case imagemem.ActionReject:
//	    // surface action.Reason to the user and abort the load
//	case imagemem.ActionDownscale:
//	    width, height = action.TargetWidth, action.TargetHeight
//	    fallthrough
//	case imagemem.ActionProceed:
//	    lease, err := mgr.Pool().Acquire(width * height * 4)
//	    // fill lease.Bytes, then lease.Release() when done
//	}
//
// All operations are synchronous. The only asynchronous element is a
// one-shot idle timer that reclaims pool entries after a period of
// inactivity; see [IdleCleanupManager].
package imagemem
