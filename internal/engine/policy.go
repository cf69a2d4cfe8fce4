package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
)

// Builtin policy defaults.
const (
	DefaultConcurrencyLimit             = 16
	DefaultLosslessBackpressureCapacity = 256
	DefaultPressureBacklogCount         = 256
	DefaultPressureBacklogDuration      = time.Second
	DefaultMaxUrgentStreak              = 8
	DefaultNonUrgentMaxLag              = 500 * time.Millisecond
)

// Limit is a concurrency limit: a positive count or "unbounded".
// It decodes from YAML and JSON as either an integer or the string
// "unbounded".
type Limit struct {
	N         int
	Unbounded bool
}

// Unlimited is the "unbounded" limit.
var Unlimited = Limit{Unbounded: true}

// Bounded returns a limit of n.
func Bounded(n int) Limit { return Limit{N: n} }

func (l Limit) String() string {
	if l.Unbounded {
		return "unbounded"
	}
	return strconv.Itoa(l.N)
}

func (l *Limit) parse(s string) error {
	if s == "unbounded" {
		*l = Unlimited
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("concurrency limit %q: want a positive integer or \"unbounded\"", s)
	}
	*l = Bounded(n)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: concurrency limit must be a scalar", node.Line)
	}
	return l.parse(node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (l Limit) MarshalYAML() (any, error) {
	if l.Unbounded {
		return "unbounded", nil
	}
	return l.N, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return l.parse(s)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("concurrency limit: %w", err)
	}
	*l = Bounded(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.Unbounded {
		return []byte(`"unbounded"`), nil
	}
	return []byte(strconv.Itoa(l.N)), nil
}

// PressureThreshold controls when sustained backpressure is reported.
type PressureThreshold struct {
	BacklogCount    int
	BacklogDuration time.Duration
}

// ConcurrencyPolicy bounds admission and fan-out for one engine instance.
type ConcurrencyPolicy struct {
	// ConcurrencyLimit caps in-flight background work (source loads,
	// fan-out). Unbounded requires AllowUnbounded.
	ConcurrencyLimit Limit
	AllowUnbounded   bool

	// LosslessBackpressureCapacity is the number of queued transactions
	// beyond which Submit blocks.
	LosslessBackpressureCapacity int

	PressureWarningThreshold PressureThreshold

	// MaxUrgentStreak bounds urgent admissions while non-urgent work waits.
	MaxUrgentStreak int

	// NonUrgentMaxLag promotes a non-urgent transaction that waited longer.
	NonUrgentMaxLag time.Duration
}

// DefaultPolicy returns the builtin policy.
func DefaultPolicy() ConcurrencyPolicy {
	return ConcurrencyPolicy{
		ConcurrencyLimit:             Bounded(DefaultConcurrencyLimit),
		LosslessBackpressureCapacity: DefaultLosslessBackpressureCapacity,
		PressureWarningThreshold: PressureThreshold{
			BacklogCount:    DefaultPressureBacklogCount,
			BacklogDuration: DefaultPressureBacklogDuration,
		},
		MaxUrgentStreak: DefaultMaxUrgentStreak,
		NonUrgentMaxLag: DefaultNonUrgentMaxLag,
	}
}

// PolicyOverrides is a partial policy at one scope. Nil fields inherit.
type PolicyOverrides struct {
	ConcurrencyLimit             *Limit             `json:"concurrencyLimit,omitempty" yaml:"concurrencyLimit,omitempty"`
	AllowUnbounded               *bool              `json:"allowUnbounded,omitempty" yaml:"allowUnbounded,omitempty"`
	LosslessBackpressureCapacity *int               `json:"losslessBackpressureCapacity,omitempty" yaml:"losslessBackpressureCapacity,omitempty"`
	PressureWarningThreshold     *PressureOverrides `json:"pressureWarningThreshold,omitempty" yaml:"pressureWarningThreshold,omitempty"`
	MaxUrgentStreak              *int               `json:"maxUrgentStreak,omitempty" yaml:"maxUrgentStreak,omitempty"`
	NonUrgentMaxLagMs            *int               `json:"nonUrgentMaxLagMs,omitempty" yaml:"nonUrgentMaxLagMs,omitempty"`
}

// PressureOverrides is a partial PressureThreshold.
type PressureOverrides struct {
	BacklogCount      *int `json:"backlogCount,omitempty" yaml:"backlogCount,omitempty"`
	BacklogDurationMs *int `json:"backlogDurationMs,omitempty" yaml:"backlogDurationMs,omitempty"`
}

// ResolvedPolicy is the effective policy with provenance.
type ResolvedPolicy struct {
	Policy ConcurrencyPolicy

	// Scope is the most specific scope that set the concurrency limit.
	Scope converge.ConfigScope

	// Diagnostics are policy corrections to report.
	Diagnostics []diag.Diagnostic
}

// ResolvePolicy layers runtime-wide then per-module overrides over the
// builtin policy.
//
// An unbounded limit without allowUnbounded at the resolved level is clamped
// to the builtin bound and reported with
// concurrency::unbounded_requires_opt_in naming the effective limit and the
// scope that requested unbounded.
func ResolvePolicy(runtime, module *PolicyOverrides) (ResolvedPolicy, error) {
	p := DefaultPolicy()
	scope := converge.ScopeBuiltin

	layers := []struct {
		o     *PolicyOverrides
		scope converge.ConfigScope
		name  string
	}{
		{runtime, converge.ScopeRuntime, "runtime"},
		{module, converge.ScopeModule, "module"},
	}
	for _, l := range layers {
		if l.o == nil {
			continue
		}
		setLimit, err := applyPolicy(&p, l.o)
		if err != nil {
			return ResolvedPolicy{}, fmt.Errorf("%s policy overrides: %w", l.name, err)
		}
		if setLimit {
			scope = l.scope
		}
	}

	res := ResolvedPolicy{Policy: p, Scope: scope}
	if p.ConcurrencyLimit.Unbounded && !p.AllowUnbounded {
		res.Policy.ConcurrencyLimit = Bounded(DefaultConcurrencyLimit)
		res.Diagnostics = append(res.Diagnostics, diag.Diagnostic{
			Code:     diag.CodeUnboundedRequiresOptIn,
			Severity: diag.SeverityWarning,
			Message: fmt.Sprintf("unbounded concurrency requires allowUnbounded; using limit %d",
				DefaultConcurrencyLimit),
			Details: map[string]any{
				"requested":      "unbounded",
				"effectiveLimit": DefaultConcurrencyLimit,
				"configScope":    string(scope),
			},
		})
	}
	return res, nil
}

func applyPolicy(p *ConcurrencyPolicy, o *PolicyOverrides) (setLimit bool, err error) {
	if o.ConcurrencyLimit != nil {
		if !o.ConcurrencyLimit.Unbounded && o.ConcurrencyLimit.N < 1 {
			return false, fmt.Errorf("concurrencyLimit must be >= 1, got %d", o.ConcurrencyLimit.N)
		}
		p.ConcurrencyLimit = *o.ConcurrencyLimit
		setLimit = true
	}
	if o.AllowUnbounded != nil {
		p.AllowUnbounded = *o.AllowUnbounded
	}
	if o.LosslessBackpressureCapacity != nil {
		if *o.LosslessBackpressureCapacity < 1 {
			return false, fmt.Errorf("losslessBackpressureCapacity must be >= 1, got %d", *o.LosslessBackpressureCapacity)
		}
		p.LosslessBackpressureCapacity = *o.LosslessBackpressureCapacity
	}
	if t := o.PressureWarningThreshold; t != nil {
		if t.BacklogCount != nil {
			p.PressureWarningThreshold.BacklogCount = *t.BacklogCount
		}
		if t.BacklogDurationMs != nil {
			p.PressureWarningThreshold.BacklogDuration = time.Duration(*t.BacklogDurationMs) * time.Millisecond
		}
	}
	if o.MaxUrgentStreak != nil {
		if *o.MaxUrgentStreak < 1 {
			return false, fmt.Errorf("maxUrgentStreak must be >= 1, got %d", *o.MaxUrgentStreak)
		}
		p.MaxUrgentStreak = *o.MaxUrgentStreak
	}
	if o.NonUrgentMaxLagMs != nil {
		p.NonUrgentMaxLag = time.Duration(*o.NonUrgentMaxLagMs) * time.Millisecond
	}
	return setLimit, nil
}

func (p ConcurrencyPolicy) laneConfig() laneConfig {
	return laneConfig{
		capacity:        p.LosslessBackpressureCapacity,
		maxUrgentStreak: p.MaxUrgentStreak,
		maxLag:          p.NonUrgentMaxLag,
		pressureCount:   p.PressureWarningThreshold.BacklogCount,
		pressureAfter:   p.PressureWarningThreshold.BacklogDuration,
	}
}
