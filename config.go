package imagemem

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Auto-detection defaults.
const (
	// DefaultBudgetFraction is the share of detected system memory
	// granted to the editor when auto-detection is enabled.
	DefaultBudgetFraction = 0.25

	// MinMemoryBudget is the floor for any effective budget (64 MiB).
	MinMemoryBudget = 64 * 1024 * 1024
)

// Config is the construction-time configuration for a Manager. All
// values are fixed for the manager's lifetime.
type Config struct {
	Pool   PoolSettings   `toml:"pool"`
	Budget BudgetSettings `toml:"budget"`
}

// PoolSettings configures the buffer pool.
type PoolSettings struct {
	// MaxPoolSize is the soft byte bound in bytes.
	MaxPoolSize int64 `toml:"max_pool_size"`

	// MaxBufferCount is the soft entry bound.
	MaxBufferCount int `toml:"max_buffer_count"`

	// PreferShared requests shared-capable backing memory.
	PreferShared bool `toml:"prefer_shared"`

	// IdleTimeoutMs is the idle retention window in milliseconds.
	IdleTimeoutMs int64 `toml:"idle_timeout_ms"`
}

// BudgetSettings configures the tracker and analyzer.
type BudgetSettings struct {
	// MemoryBudget is the total budget in bytes.
	MemoryBudget int64 `toml:"memory_budget"`

	// MaxDimension caps each image axis.
	MaxDimension int `toml:"max_dimension"`

	// AutoDetect derives the budget from system memory (cgroup-aware
	// on Linux) instead of MemoryBudget. Ignored when detection is
	// unavailable.
	AutoDetect bool `toml:"auto_detect"`

	// BudgetFraction is the share of detected memory used when
	// AutoDetect is on. Defaults to DefaultBudgetFraction.
	BudgetFraction float64 `toml:"budget_fraction"`
}

// DefaultConfig returns the default configuration: 150 MiB / 6 entry
// pool with shared memory preferred and a 60 s idle window, and a
// fixed 200 MiB budget.
func DefaultConfig() Config {
	return Config{
		Pool: PoolSettings{
			MaxPoolSize:    DefaultMaxPoolSize,
			MaxBufferCount: DefaultMaxBufferCount,
			PreferShared:   true,
			IdleTimeoutMs:  DefaultPoolIdleTimeout.Milliseconds(),
		},
		Budget: BudgetSettings{
			MemoryBudget:   DefaultMemoryBudget,
			MaxDimension:   DefaultMaxDimension,
			BudgetFraction: DefaultBudgetFraction,
		},
	}
}

// LoadConfig reads a TOML configuration file over the defaults, so a
// partial file only overrides the keys it names.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("imagemem: failed to load configuration file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot be clamped into shape.
func (c Config) Validate() error {
	if c.Pool.MaxPoolSize < 0 {
		return fmt.Errorf("imagemem: max_pool_size must not be negative, got %d", c.Pool.MaxPoolSize)
	}
	if c.Pool.MaxBufferCount < 0 {
		return fmt.Errorf("imagemem: max_buffer_count must not be negative, got %d", c.Pool.MaxBufferCount)
	}
	if c.Budget.MemoryBudget < 0 {
		return fmt.Errorf("imagemem: memory_budget must not be negative, got %d", c.Budget.MemoryBudget)
	}
	if f := c.Budget.BudgetFraction; f < 0 || f > 1 {
		return fmt.Errorf("imagemem: budget_fraction must be in [0, 1], got %g", f)
	}
	return nil
}

// poolConfig converts the file-facing settings into a PoolConfig.
func (c Config) poolConfig() PoolConfig {
	return PoolConfig{
		MaxPoolSize:    c.Pool.MaxPoolSize,
		MaxBufferCount: c.Pool.MaxBufferCount,
		PreferShared:   c.Pool.PreferShared,
		IdleTimeout:    time.Duration(c.Pool.IdleTimeoutMs) * time.Millisecond,
	}
}

// effectiveBudget resolves the budget in bytes, consulting system
// memory when auto-detection is enabled.
func (c Config) effectiveBudget() int64 {
	budget := c.Budget.MemoryBudget
	if budget <= 0 {
		budget = DefaultMemoryBudget
	}

	if c.Budget.AutoDetect {
		if total := totalSystemMemory(); total > 0 {
			fraction := c.Budget.BudgetFraction
			if fraction <= 0 || fraction > 1 {
				fraction = DefaultBudgetFraction
			}
			detected := int64(float64(total) * fraction)
			if detected < MinMemoryBudget {
				detected = MinMemoryBudget
			}
			Logger().Info("memory budget auto-detected",
				"system_bytes", total, "budget_bytes", detected)
			budget = detected
		}
	}
	return budget
}
