package imagemem

import (
	"sync"
	"time"
)

// Idle cleanup defaults.
const (
	// DefaultIdleTimeout is the default delay before the cleanup
	// callback fires after the last activity (30 s).
	DefaultIdleTimeout = 30 * time.Second

	// MinIdleTimeout is the floor applied to any configured timeout
	// (5 s). Shorter timeouts would thrash the pool.
	MinIdleTimeout = 5 * time.Second
)

// IdleCleanupManager schedules a single cancellable deferred cleanup
// task. It is a two-state machine: either no timer is pending, or
// exactly one timer is pending.
//
// Every call to ResetTimer supersedes all earlier pending timers, so a
// burst of resets fires the registered callback at most once, exactly
// the idle timeout after the last reset.
//
// IdleCleanupManager is safe for concurrent use.
type IdleCleanupManager struct {
	mu      sync.Mutex
	timeout time.Duration
	cb      func()
	timer   *time.Timer
}

// NewIdleCleanupManager creates a manager with the given idle timeout.
// A timeout <= 0 selects DefaultIdleTimeout; anything below
// MinIdleTimeout is clamped up to it.
func NewIdleCleanupManager(timeout time.Duration) *IdleCleanupManager {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if timeout < MinIdleTimeout {
		timeout = MinIdleTimeout
	}
	return &IdleCleanupManager{timeout: timeout}
}

// IdleTimeout returns the effective (clamped) idle timeout.
func (m *IdleCleanupManager) IdleTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetCleanupCallback registers the action to run when the timer
// expires, replacing any previous callback. It does not by itself
// schedule a timer; call ResetTimer after registering.
func (m *IdleCleanupManager) SetCleanupCallback(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

// ResetTimer cancels any pending timer and, if a callback is
// registered, schedules a new one for the idle timeout from now.
func (m *IdleCleanupManager) ResetTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	if m.cb == nil {
		return
	}
	m.timer = time.AfterFunc(m.timeout, m.fire)
}

// CancelTimer cancels any pending timer. Cancelling an already-fired
// or never-scheduled timer is a no-op.
func (m *IdleCleanupManager) CancelTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Dispose cancels any pending timer and clears the callback.
func (m *IdleCleanupManager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.cb = nil
}

// fire runs the registered callback when the timer expires.
func (m *IdleCleanupManager) fire() {
	m.mu.Lock()
	cb := m.cb
	m.timer = nil
	m.mu.Unlock()

	// Run outside the lock so the callback may call back into the
	// manager (e.g. ResetTimer) without deadlocking.
	if cb != nil {
		cb()
	}
}

// stopLocked stops and clears the pending timer. Caller must hold mu.
func (m *IdleCleanupManager) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
