package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/engine"
	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/scheduler"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/store"
	"github.com/roach88/statekernel/internal/testutil"
	"github.com/roach88/statekernel/internal/validate"
)

// DefaultTimeout bounds one scenario run.
const DefaultTimeout = 30 * time.Second

// maxHostSteps bounds the scheduler callbacks run after one step.
const maxHostSteps = 10_000

type runOptions struct {
	store   *store.Store
	funcs   *compiler.Funcs
	logger  *slog.Logger
	timeout time.Duration
}

// RunOption configures Run.
type RunOption func(*runOptions)

// WithStore journals the run to st instead of a private in-memory store.
// Numbering resumes after the module's last journaled txnSeq.
func WithStore(st *store.Store) RunOption {
	return func(o *runOptions) { o.store = st }
}

// WithFuncs resolves function names in CUE declarations through funcs.
// Default: compiler.Builtins().
func WithFuncs(funcs *compiler.Funcs) RunOption {
	return func(o *runOptions) { o.funcs = funcs }
}

// WithLogger sets the engine logger. Default: logs are discarded.
func WithLogger(l *slog.Logger) RunOption {
	return func(o *runOptions) { o.logger = l }
}

// WithTimeout bounds the run. Default: DefaultTimeout.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// Harness drives one engine instance through a scenario.
//
// Determinism: the scheduler host is stepped by the harness, the wall clock
// is manual, row ids are sequential and background source refreshes settle
// before the next step. Traces are identical across runs as long as a step
// triggers at most one source load.
type Harness struct {
	scenario *Scenario
	engine   *engine.Engine
	host     *scheduler.ManualHost
	store    *store.Store
	funcs    *compiler.Funcs
	diags    *diag.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	commits []engine.Commit
}

// Run executes a test scenario and returns the result.
//
// A non-nil error means the scenario could not run (bad module, bad
// config, journal failure). Failed expectations and assertions are reported
// in Result.Errors with Pass false.
//
// Execution flow:
//  1. Compile the module from CUE
//  2. Start an engine on the initial state with the scenario overrides
//  3. Run each step, settle background work, deliver commits
//  4. Evaluate assertions against the trace and the final state
func Run(scenario *Scenario, opts ...RunOption) (*Result, error) {
	o := runOptions{
		funcs:   compiler.Builtins(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	prog, err := loadProgram(scenario.Module, scenario.Inline, scenario.ModuleID, o.funcs)
	if err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}

	st := o.store
	if st == nil {
		// Fresh in-memory SQLite database per scenario
		st, err = store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		defer st.Close()
	}
	startSeq, err := st.LastSeq(ctx, prog.Spec.ID)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		host:     scheduler.NewManualHost(),
		store:    st,
		funcs:    o.funcs,
		diags:    &diag.Recorder{},
		logger:   o.logger,
	}

	clock := testutil.NewManualClock()
	eng, err := engine.New(prog, scenario.Initial,
		engine.WithInstanceID("scenario:"+scenario.Name),
		engine.WithConvergeOverrides(scenario.Config.Runtime.Converge, scenario.Config.Module.Converge),
		engine.WithPolicyOverrides(scenario.Config.Runtime.Policy, scenario.Config.Module.Policy),
		engine.WithHost(h.host),
		engine.WithDiagnostics(diag.Multi(diag.LogSink{Logger: o.logger}, h.diags)),
		engine.WithJournal(st),
		engine.WithSourceLoader(cannedLoader(scenario.Sources)),
		engine.WithLogger(o.logger),
		engine.WithNow(clock.Now),
		engine.WithRowIDGenerator(testutil.NewSequentialRowIDs("row-")),
		engine.WithStartSeq(startSeq),
	)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	h.engine = eng
	eng.Subscribe(h.record)

	runCtx, stop := context.WithCancel(ctx)
	go func() { _ = eng.Run(runCtx) }()
	defer func() {
		stop()
		<-eng.Done()
	}()

	result := NewResult()
	if err := h.settle(ctx); err != nil {
		return nil, err
	}
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	h.collect(result)
	sum, err := st.Summarize(ctx, prog.Spec.ID)
	if err != nil {
		return nil, err
	}
	result.Summary = sum

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// record is the commit subscriber. It runs on the goroutine stepping the
// host.
func (h *Harness) record(c engine.Commit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, c)
}

// settle waits for background work and delivers pending commits.
func (h *Harness) settle(ctx context.Context) error {
	if err := h.engine.Settle(ctx); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	h.host.RunUntilIdle(maxHostSteps)
	return nil
}

// executeStep runs one step and checks its expect clause. Expectation
// mismatches are added to result; only infrastructure failures are
// returned.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	var (
		c   engine.Commit
		err error
	)
	switch {
	case step.Writeback != nil:
		c, err = h.engine.Writeback(ctx, step.Writeback.Path, step.Writeback.Value)
	case step.Reload != "":
		prog, lerr := loadProgram(step.Reload, "", h.engine.Program().Spec.ID, h.funcs)
		if lerr != nil {
			return fmt.Errorf("reload: %w", lerr)
		}
		c, err = h.engine.Reload(ctx, prog)
	default:
		c, err = h.engine.Do(ctx, h.txn(i, step))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	name := stepName(i, step)
	h.logger.Info("scenario step finished",
		"step", i,
		"label", name,
		"txn_seq", c.TxnSeq,
		"error", err)

	if settleErr := h.settle(ctx); settleErr != nil {
		return settleErr
	}
	checkExpect(name, step.Expect, c, err, result)
	return nil
}

func (h *Harness) txn(i int, step Step) engine.Txn {
	txn := engine.Txn{
		Lane:  step.Lane,
		Label: stepName(i, step),
		Patch: step.Patch,
	}
	for _, v := range step.Validate {
		mode := v.Mode
		if mode == "" {
			mode = validate.ModeManual
		}
		req := validate.Request{Target: v.Target, Mode: mode}
		if v.Target != validate.TargetRoot {
			req.Path = fieldpath.Parse(v.Path)
		}
		txn.Validate = append(txn.Validate, req)
	}
	if step.Fail != "" {
		msg := step.Fail
		txn.Body = func(*state.Draft) error { return errors.New(msg) }
	}
	return txn
}

func stepName(i int, step Step) string {
	switch {
	case step.Label != "":
		return step.Label
	case step.Writeback != nil:
		return "writeback:" + step.Writeback.Path
	default:
		return fmt.Sprintf("step-%d", i)
	}
}

// checkExpect compares one step's outcome with its expect clause. A step
// without a clause must commit.
func checkExpect(name string, want *ExpectClause, c engine.Commit, err error, result *Result) {
	if want == nil || want.Error == "" {
		if err != nil {
			result.AddError(fmt.Sprintf("step %s: unexpected error: %v", name, err))
			return
		}
	} else {
		var te *engine.TxnError
		switch {
		case err == nil:
			result.AddError(fmt.Sprintf("step %s: expected error %s, committed txn %d", name, want.Error, c.TxnSeq))
		case !errors.As(err, &te):
			result.AddError(fmt.Sprintf("step %s: expected error %s, got %v", name, want.Error, err))
		case string(te.Code) != want.Error:
			result.AddError(fmt.Sprintf("step %s: expected error %s, got %s", name, want.Error, te.Code))
		}
		return
	}
	if want == nil {
		return
	}

	ev := c.Evidence
	if want.Outcome != "" && ev.Outcome != want.Outcome {
		result.AddError(fmt.Sprintf("step %s: outcome = %s, want %s", name, ev.Outcome, want.Outcome))
	}
	if want.Mode != "" && ev.ExecutedMode != want.Mode {
		result.AddError(fmt.Sprintf("step %s: mode = %s, want %s", name, ev.ExecutedMode, want.Mode))
	}
	for _, r := range want.Reasons {
		if !slices.Contains(ev.Reasons, r) {
			result.AddError(fmt.Sprintf("step %s: reason %s missing from %v", name, r, ev.Reasons))
		}
	}
	for _, path := range sortedKeys(want.State) {
		got, _ := c.Snapshot.Get(fieldpath.Parse(path))
		if !valuesEqual(got, want.State[path]) {
			result.AddError(fmt.Sprintf("step %s: %s = %v (%T), want %v", name, path, got, got, want.State[path]))
		}
	}
}

// collect copies the delivered commits, the final state and the
// diagnostics into result.
func (h *Harness) collect(result *Result) {
	h.mu.Lock()
	commits := slices.Clone(h.commits)
	h.mu.Unlock()

	slices.SortFunc(commits, func(a, b engine.Commit) int {
		return int(a.TxnSeq - b.TxnSeq)
	})
	for _, c := range commits {
		result.AddCommit(c)
	}

	result.State = h.engine.Snapshot().Root()
	result.Invalid = h.engine.Errors().Flatten()
	for _, d := range h.diags.All() {
		result.Diagnostics = append(result.Diagnostics, DiagnosticEvent{
			Code:   string(d.Code),
			TxnSeq: d.TxnSeq,
		})
	}
}

// loadProgram compiles the module declared in the CUE file at path, or in
// inline when path is empty. id selects a module when several are declared.
func loadProgram(path, inline, id string, funcs *compiler.Funcs) (*compiler.Program, error) {
	src, filename := []byte(inline), "inline.cue"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		src, filename = data, path
	}

	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	specs, err := compiler.CompileModules(v, funcs)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, spec := range specs {
		if spec.ID == id || (id == "" && len(specs) == 1) {
			return compiler.Compile(spec)
		}
		ids = append(ids, spec.ID)
	}
	if id == "" {
		return nil, fmt.Errorf("%s declares modules %s; set module_id", filename, strings.Join(ids, ", "))
	}
	return nil, fmt.Errorf("module %q not declared in %s (have %s)", id, filename, strings.Join(ids, ", "))
}

// cannedLoader serves source loads from the scenario's sources table.
func cannedLoader(sources map[string]map[string]any) engine.SourceLoader {
	return engine.SourceLoaderFunc(func(_ context.Context, resource string, key []any) (any, error) {
		k := sourceKey(key)
		v, ok := sources[resource][k]
		if !ok {
			return nil, fmt.Errorf("no canned %s value for key %q", resource, k)
		}
		return v, nil
	})
}

func sourceKey(key []any) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = fmt.Sprint(k)
	}
	return strings.Join(parts, "|")
}

// valuesEqual compares state values. Integers compare by value across Go
// integer types; everything else uses reflect.DeepEqual.
func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}
	if a, ok := toInt64(actual); ok {
		e, ok := toInt64(expected)
		return ok && a == e
	}
	switch e := expected.(type) {
	case []any:
		a, ok := actual.([]any)
		if !ok || len(a) != len(e) {
			return false
		}
		for i := range e {
			if !valuesEqual(a[i], e[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		a, ok := actual.(map[string]any)
		if !ok || len(a) != len(e) {
			return false
		}
		for k, ev := range e {
			if av, ok := a[k]; !ok || !valuesEqual(av, ev) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(actual, expected)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
