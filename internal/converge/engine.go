package converge

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/state"
)

// SourceRefresh is a source-refresh intent produced by a source step. The
// caller loads Resource for Key and writes the result to Target in a later
// transaction.
type SourceRefresh struct {
	StepID   int    `json:"stepId"`
	Target   string `json:"target"`
	Resource string `json:"resource"`
	Key      []any  `json:"key"`
}

// Result is the outcome of one convergence pass.
type Result struct {
	Evidence Evidence

	// TriggeredChecks lists compiled check IDs whose inputs may have
	// changed, in plan order.
	TriggeredChecks []int

	SourceRefreshes []SourceRefresh

	// Changed lists the targets whose value the pass changed.
	Changed []fieldpath.Path
}

// Engine runs convergence passes for one module instance.
//
// Thread-safety: NOT safe for concurrent Run calls. The owning transaction
// executor serializes access. The compiled program is shared read-only.
type Engine struct {
	program *compiler.Program
	cfg     Config
	scope   ConfigScope
	cache   *PlanCache
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow sets the wall clock used for the execution budget.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine bound to program.
func New(program *compiler.Program, cfg Config, scope ConfigScope, opts ...Option) *Engine {
	e := &Engine{
		program: program,
		cfg:     cfg,
		scope:   scope,
		cache:   NewPlanCache(cfg.Cache),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache.Reset(program.StaticIR.Digest)
	return e
}

// Program returns the bound program.
func (e *Engine) Program() *compiler.Program { return e.program }

// Config returns the effective configuration and its scope.
func (e *Engine) Config() (Config, ConfigScope) { return e.cfg, e.scope }

// Cache returns the plan cache.
func (e *Engine) Cache() *PlanCache { return e.cache }

// Rebind switches to a recompiled program. A changed static IR digest starts
// a new cache generation. Returns true when the generation changed.
func (e *Engine) Rebind(program *compiler.Program) bool {
	e.program = program
	changed := e.cache.EnsureGeneration(program.StaticIR.Digest)
	if changed {
		e.logger.Info("plan cache generation reset",
			"module", program.Spec.ID,
			"static_ir", program.StaticIR.Digest,
		)
	}
	return changed
}

// Run converges draft after a raw patch described by dirty.
//
// Steps are applied one at a time to the draft. Each step either fully
// writes its target or leaves it untouched, so stopping between steps never
// leaves a field half-updated.
func (e *Engine) Run(ctx context.Context, txnSeq int64, draft *state.Draft, dirty DirtySet) Result {
	start := e.now()
	plan := e.program.Plan

	ev := Evidence{
		TxnSeq:         txnSeq,
		Module:         e.program.Spec.ID,
		RequestedMode:  e.cfg.Mode,
		ConfigScope:    e.scope,
		StaticIRDigest: e.program.StaticIR.Digest,
		Dirty:          dirtyEvidence(dirty, e.program.Registry),
		StepStats:      StepStats{TotalSteps: plan.Len()},
	}

	steps, mode, reasons, hit := e.selectSteps(dirty)
	ev.ExecutedMode = mode
	ev.Reasons = reasons

	res := Result{}
	degraded := make(map[string]int)

	var deadline time.Time
	if e.cfg.ExecutionBudget > 0 {
		deadline = start.Add(e.cfg.ExecutionBudget)
	}

	for i, idx := range steps {
		if ctx.Err() != nil || (!deadline.IsZero() && e.now().After(deadline)) {
			degraded[DegradedBudgetExceeded]++
			ev.Reasons = append(ev.Reasons, ReasonBudgetCutoff)
			ev.StepStats.SkippedSteps += len(steps) - i
			e.logger.Warn("convergence budget cutoff",
				"module", ev.Module,
				"txn_seq", txnSeq,
				"executed", i,
				"remaining", len(steps)-i,
				"budget", e.cfg.ExecutionBudget,
			)
			break
		}

		step := plan.Steps[idx]
		changed, err := e.execStep(draft, step, &res)
		if err != nil {
			degraded[DegradedRuntimeError]++
			ev.StepStats.SkippedSteps++
			e.logger.Warn("convergence step failed",
				"module", ev.Module,
				"txn_seq", txnSeq,
				"step", step.ID,
				"kind", step.Kind,
				"target", step.Target.String(),
				"error", err,
			)
			continue
		}
		ev.StepStats.ExecutedSteps++
		if changed {
			ev.StepStats.ChangedSteps++
			res.Changed = append(res.Changed, step.Target)
		}
	}
	// Steps outside the selected subset are skipped too.
	ev.StepStats.SkippedSteps += plan.Len() - len(steps)

	if degraded[DegradedRuntimeError] > 0 {
		ev.Reasons = append(ev.Reasons, ReasonStepError)
	}
	ev.Outcome = OutcomeConverged
	if len(degraded) > 0 {
		ev.Outcome = OutcomeDegraded
		ev.DegradedReasons = degraded
	}
	ev.Cache = cacheEvidence(e.cache.Stats(), hit)
	ev.DurationMicros = e.now().Sub(start).Microseconds()
	res.Evidence = ev

	e.logger.Debug("convergence pass",
		"module", ev.Module,
		"txn_seq", txnSeq,
		"requested_mode", ev.RequestedMode,
		"executed_mode", ev.ExecutedMode,
		"outcome", ev.Outcome,
		"executed", ev.StepStats.ExecutedSteps,
		"changed", ev.StepStats.ChangedSteps,
	)
	return res
}

// selectSteps applies the mode decision table.
func (e *Engine) selectSteps(dirty DirtySet) (steps []int, mode Mode, reasons []Reason, hit bool) {
	plan := e.program.Plan
	all := func() []int {
		out := make([]int, plan.Len())
		for i := range out {
			out[i] = i
		}
		return out
	}

	switch {
	case e.cfg.Mode == ModeFull:
		return all(), ModeFull, []Reason{ReasonModeFull}, false
	case dirty.All:
		return all(), ModeFull, []Reason{ReasonDirtyAll}, false
	case dirty.Empty():
		return nil, ModeDirty, []Reason{ReasonDirtyEmpty}, false
	}

	if disabled, _ := e.cache.Disabled(); disabled {
		if e.cfg.Mode == ModeAuto {
			return all(), ModeFull, []Reason{ReasonCacheDisabled}, false
		}
		return plan.Reachable(dirty.Roots), ModeDirty, []Reason{ReasonCacheDisabled}, false
	}

	steps, hit = e.cache.Resolve(dirty.Signature(), func() []int {
		return plan.Reachable(dirty.Roots)
	})
	if hit {
		return steps, ModeDirty, []Reason{ReasonCacheHit}, true
	}
	reasons = []Reason{ReasonCacheMiss}
	if disabled, _ := e.cache.Disabled(); disabled {
		// This lookup tripped the breaker; later passes run full.
		reasons = append(reasons, ReasonCacheDisabled)
	}
	return steps, ModeDirty, reasons, false
}

// execStep runs one step. Panics inside user functions are recovered and
// reported as errors.
func (e *Engine) execStep(draft *state.Draft, step compiler.Step, res *Result) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			changed = false
			err = fmt.Errorf("panic in %s step %d: %v", step.Kind, step.ID, r)
		}
	}()

	switch step.Kind {
	case compiler.StepComputedUpdate:
		v, err := step.Derive(ReadAll(draft, step.Sources))
		if err != nil {
			return false, fmt.Errorf("derive %s: %w", step.Target, err)
		}
		return writeIfChanged(draft, step.Target, v)

	case compiler.StepLinkPropagate:
		v, _ := read(draft, step.Sources[0])
		return writeIfChanged(draft, step.Target, state.Clone(v))

	case compiler.StepSourceRefresh:
		res.SourceRefreshes = append(res.SourceRefreshes, SourceRefresh{
			StepID:   step.ID,
			Target:   step.Target.String(),
			Resource: step.Resource,
			Key:      ReadAll(draft, step.Sources),
		})
		return false, nil

	case compiler.StepCheck:
		res.TriggeredChecks = append(res.TriggeredChecks, step.CheckID)
		return false, nil

	default:
		return false, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func writeIfChanged(draft *state.Draft, target fieldpath.Path, v any) (bool, error) {
	cur, _ := draft.Get(target)
	if reflect.DeepEqual(cur, v) {
		return false, nil
	}
	if err := draft.Set(target, v); err != nil {
		return false, err
	}
	return true, nil
}

// read returns the value at p. Paths with list markers collect the value of
// every row into a slice.
func read(r state.Reader, p fieldpath.Path) (any, bool) {
	if p.IsConcrete() {
		return r.Get(p)
	}
	paths := state.Expand(r, p)
	out := make([]any, 0, len(paths))
	for _, c := range paths {
		v, _ := r.Get(c)
		out = append(out, v)
	}
	return out, true
}

// ReadAll reads each path the way a step reads its sources.
func ReadAll(r state.Reader, paths []fieldpath.Path) []any {
	out := make([]any, len(paths))
	for i, p := range paths {
		out[i], _ = read(r, p)
	}
	return out
}
