package imagemem

// Manager owns one buffer pool, one tracker, and one analyzer wired to
// the same budget, and is the single instance the editor's controller
// constructs and passes to consumers. Construct a fresh Manager per
// test instead of sharing a global.
type Manager struct {
	pool     *BufferPool
	tracker  *MemoryTracker
	analyzer *Analyzer
}

// NewManager builds a manager from the configuration. The budget
// shared by the tracker and analyzer is resolved once, here.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	budget := cfg.effectiveBudget()
	return &Manager{
		pool:    NewBufferPool(cfg.poolConfig()),
		tracker: NewMemoryTracker(budget),
		analyzer: NewAnalyzer(AnalyzerConfig{
			BudgetBytes:  budget,
			MaxDimension: cfg.Budget.MaxDimension,
		}),
	}, nil
}

// Admit runs admission control for an image of the given dimensions
// and compressed byte count against the tracker's current total usage.
func (m *Manager) Admit(width, height, compressedSize int) MemoryAction {
	action := m.analyzer.AnalyzeMemoryRequirements(width, height, compressedSize, m.tracker.TotalUsage())
	Logger().Debug("admission decision",
		"width", width, "height", height, "action", action.String())
	return action
}

// Pool returns the manager's buffer pool.
func (m *Manager) Pool() *BufferPool { return m.pool }

// Tracker returns the manager's memory tracker.
func (m *Manager) Tracker() *MemoryTracker { return m.tracker }

// Analyzer returns the manager's admission analyzer.
func (m *Manager) Analyzer() *Analyzer { return m.analyzer }

// UsageInfo returns a fresh usage snapshot for diagnostics display.
func (m *Manager) UsageInfo() MemoryUsageInfo { return m.tracker.UsageInfo() }

// Close disposes the pool and clears all tracked usage. The manager is
// not usable afterward.
func (m *Manager) Close() {
	m.pool.Dispose()
	m.tracker.ClearAll()
}
