package converge

import (
	"fmt"
	"time"
)

// Mode selects how the engine re-derives fields.
type Mode string

const (
	// ModeAuto picks full or dirty per transaction.
	ModeAuto Mode = "auto"
	// ModeFull runs every plan step.
	ModeFull Mode = "full"
	// ModeDirty runs only steps reachable from the dirty roots.
	ModeDirty Mode = "dirty"
)

// ConfigScope names where an effective setting came from.
type ConfigScope string

const (
	ScopeBuiltin ConfigScope = "builtin"
	ScopeRuntime ConfigScope = "runtime"
	ScopeModule  ConfigScope = "module"
)

// Builtin defaults.
const (
	DefaultExecutionBudget = 200 * time.Millisecond
	DefaultMaxDirtyRoots   = 64
	DefaultCacheCapacity   = 64
	DefaultCacheMinSamples = 32
	DefaultCacheMinHitRate = 0.3
)

// Config is the effective convergence configuration.
type Config struct {
	Mode Mode

	// ExecutionBudget is the wall-clock cutoff per convergence pass. Zero
	// disables the cutoff.
	ExecutionBudget time.Duration

	// MaxDirtyRoots bounds the precise dirty set; larger sets fall back to
	// dirty-all with reason fallbackPolicy. Zero disables the fallback.
	MaxDirtyRoots int

	Cache CacheConfig
}

// DefaultConfig returns the builtin configuration.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeAuto,
		ExecutionBudget: DefaultExecutionBudget,
		MaxDirtyRoots:   DefaultMaxDirtyRoots,
		Cache: CacheConfig{
			Capacity:   DefaultCacheCapacity,
			MinSamples: DefaultCacheMinSamples,
			MinHitRate: DefaultCacheMinHitRate,
		},
	}
}

// Overrides is one scope's partial configuration, as decoded from YAML.
// Nil fields inherit from the enclosing scope.
type Overrides struct {
	Mode              Mode            `json:"mode,omitempty" yaml:"mode,omitempty"`
	ExecutionBudgetMs *int            `json:"executionBudgetMs,omitempty" yaml:"executionBudgetMs,omitempty"`
	MaxDirtyRoots     *int            `json:"maxDirtyRoots,omitempty" yaml:"maxDirtyRoots,omitempty"`
	PlanCache         *CacheOverrides `json:"planCache,omitempty" yaml:"planCache,omitempty"`
}

// CacheOverrides is the partial plan cache configuration of one scope.
type CacheOverrides struct {
	Capacity   *int     `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	MinSamples *int     `json:"minSamples,omitempty" yaml:"minSamples,omitempty"`
	MinHitRate *float64 `json:"minHitRate,omitempty" yaml:"minHitRate,omitempty"`
	Window     *int     `json:"window,omitempty" yaml:"window,omitempty"`
}

// Resolve layers runtime-wide then per-module overrides over the builtin
// defaults. The returned scope is the most specific scope that set the mode
// or the execution budget.
func Resolve(runtime, module *Overrides) (Config, ConfigScope, error) {
	cfg := DefaultConfig()
	scope := ScopeBuiltin

	for _, layer := range []struct {
		o     *Overrides
		scope ConfigScope
	}{
		{runtime, ScopeRuntime},
		{module, ScopeModule},
	} {
		if layer.o == nil {
			continue
		}
		decisive, err := apply(&cfg, layer.o)
		if err != nil {
			return Config{}, "", fmt.Errorf("%s overrides: %w", layer.scope, err)
		}
		if decisive {
			scope = layer.scope
		}
	}
	return cfg, scope, nil
}

// apply merges o into cfg. decisive reports whether mode or budget was set.
func apply(cfg *Config, o *Overrides) (decisive bool, err error) {
	if o.Mode != "" {
		switch o.Mode {
		case ModeAuto, ModeFull, ModeDirty:
		default:
			return false, fmt.Errorf("invalid mode %q, must be \"auto\", \"full\", or \"dirty\"", o.Mode)
		}
		cfg.Mode = o.Mode
		decisive = true
	}
	if o.ExecutionBudgetMs != nil {
		if *o.ExecutionBudgetMs < 0 {
			return false, fmt.Errorf("executionBudgetMs must be >= 0, got %d", *o.ExecutionBudgetMs)
		}
		cfg.ExecutionBudget = time.Duration(*o.ExecutionBudgetMs) * time.Millisecond
		decisive = true
	}
	if o.MaxDirtyRoots != nil {
		cfg.MaxDirtyRoots = *o.MaxDirtyRoots
	}
	if c := o.PlanCache; c != nil {
		if c.Capacity != nil {
			if *c.Capacity < 1 {
				return false, fmt.Errorf("planCache.capacity must be >= 1, got %d", *c.Capacity)
			}
			cfg.Cache.Capacity = *c.Capacity
		}
		if c.MinSamples != nil {
			cfg.Cache.MinSamples = *c.MinSamples
		}
		if c.MinHitRate != nil {
			if *c.MinHitRate < 0 || *c.MinHitRate > 1 {
				return false, fmt.Errorf("planCache.minHitRate must be in [0,1], got %v", *c.MinHitRate)
			}
			cfg.Cache.MinHitRate = *c.MinHitRate
		}
		if c.Window != nil {
			cfg.Cache.Window = *c.Window
		}
	}
	return decisive, nil
}
