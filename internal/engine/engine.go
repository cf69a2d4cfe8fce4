package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/scheduler"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/validate"
)

// DefaultRecentDiagnostics is the capacity of the engine-owned ring of
// recent diagnostics.
const DefaultRecentDiagnostics = 128

// Journal records observability events. Implemented by store.Store.
// Write failures are logged and never fail a transaction.
type Journal interface {
	WriteEvidence(ctx context.Context, ev converge.Evidence) error
	WriteDiagnostic(ctx context.Context, d diag.Diagnostic) error
	WriteTick(ctx context.Context, module string, ev scheduler.TickEvidence) error
}

// Engine is the single-writer runtime of one module instance.
//
// Transactions are admitted by Submit into two lanes and executed one at a
// time by the Run loop: patch, body, convergence, validation, commit. Commits
// are delivered to subscribers through the tick scheduler in txnSeq order.
//
// Thread-safety model:
//   - Submit, Do, Reload, Writeback, Stop: safe from any goroutine
//   - Snapshot, Errors, Program: safe from any goroutine (atomic loads)
//   - Run: must be called from exactly one goroutine
//
// INVARIANTS:
//   - the program, draft, converge engine and validator are only touched by
//     the Run loop
//   - txnSeq is consumed only by transactions that commit
//   - every admitted transaction receives exactly one TxnResult
type Engine struct {
	id string

	prog      atomic.Pointer[compiler.Program]
	conv      *converge.Engine
	validator *validate.Validator
	queue     *txnQueue
	clock     *Clock
	exec      *Executor
	policy    ResolvedPolicy

	sched    *scheduler.Scheduler
	loopHost *scheduler.LoopHost // owned host, nil when one was injected

	sink    diag.Sink
	recent  *diag.Ring[diag.Diagnostic]
	journal Journal
	loader  SourceLoader
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	snap atomic.Pointer[state.Snapshot]
	errs atomic.Pointer[validate.ErrorTree]

	// Run loop only.
	runCtx           context.Context
	cacheDisabled    bool
	pendingRefreshes []converge.SourceRefresh
	sourceKeys       map[string][]any // target -> last dispatched key

	subMu     sync.Mutex
	subs      []*subscription
	nextSubID int
	selLimit  int
	selWindow time.Duration

	started atomic.Bool
	done    chan struct{}
}

type options struct {
	instanceID    string
	convRuntime   *converge.Overrides
	convModule    *converge.Overrides
	policyRuntime *PolicyOverrides
	policyModule  *PolicyOverrides
	schedCfg      scheduler.Config
	host          scheduler.Host
	sink          diag.Sink
	recent        *diag.Ring[diag.Diagnostic]
	journal       Journal
	loader        SourceLoader
	registry      prometheus.Registerer
	metrics       *Metrics
	logger        *slog.Logger
	now           func() time.Time
	rowIDs        validate.RowIDGenerator
	startSeq      int64
	selLimit      int
	selWindow     time.Duration
}

// Option configures an Engine.
type Option func(*options)

// WithInstanceID sets the instance id used in logs. Default: a UUIDv7.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithConvergeOverrides layers runtime-wide and per-module convergence
// overrides over the builtin config. Either may be nil.
func WithConvergeOverrides(runtime, module *converge.Overrides) Option {
	return func(o *options) { o.convRuntime, o.convModule = runtime, module }
}

// WithPolicyOverrides layers runtime-wide and per-module concurrency policy
// overrides over the builtin policy. Either may be nil.
func WithPolicyOverrides(runtime, module *PolicyOverrides) Option {
	return func(o *options) { o.policyRuntime, o.policyModule = runtime, module }
}

// WithSchedulerConfig sets the tick scheduler budgets.
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(o *options) { o.schedCfg = cfg }
}

// WithHost delivers commits through host instead of an engine-owned
// LoopHost. The caller drives the host.
func WithHost(h scheduler.Host) Option {
	return func(o *options) { o.host = h }
}

// WithDiagnostics sets the diagnostics sink. Default: diag.LogSink.
func WithDiagnostics(s diag.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithRecentDiagnostics keeps the most recent diagnostics in r, in
// addition to the sink. Default: an engine-owned ring of
// DefaultRecentDiagnostics entries.
func WithRecentDiagnostics(r *diag.Ring[diag.Diagnostic]) Option {
	return func(o *options) { o.recent = r }
}

// WithJournal records evidence, diagnostics and ticks to j.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithSourceLoader sets the loader for source-refresh steps. Without one,
// refresh intents are only reported in commits.
func WithSourceLoader(l SourceLoader) Option {
	return func(o *options) { o.loader = l }
}

// WithRegistry registers the engine's metrics on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithMetrics shares m between engine instances. Takes precedence over
// WithRegistry.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNow sets the wall clock used for budgets, queue lag and diagnostics.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRowIDGenerator sets the generator for durable row ids.
func WithRowIDGenerator(g validate.RowIDGenerator) Option {
	return func(o *options) { o.rowIDs = g }
}

// WithStartSeq resumes txnSeq numbering after seq.
func WithStartSeq(seq int64) Option {
	return func(o *options) { o.startSeq = seq }
}

// WithSelectorFrequency sets when process::selector_high_frequency fires:
// more than limit selector changes within window.
//
// Default: 30 changes per second.
func WithSelectorFrequency(limit int, window time.Duration) Option {
	return func(o *options) { o.selLimit, o.selWindow = limit, window }
}

// New creates an engine for program with the given initial state.
//
// The initial state is converged once in full mode before New returns, so
// the first snapshot (version 0) is already consistent. Invalid overrides
// fail New.
func New(program *compiler.Program, initial map[string]any, opts ...Option) (*Engine, error) {
	if program == nil {
		return nil, errors.New("engine: nil program")
	}
	o := options{
		schedCfg:  scheduler.DefaultConfig(),
		now:       time.Now,
		selLimit:  30,
		selWindow: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.instanceID == "" {
		o.instanceID = uuid.Must(uuid.NewV7()).String()
	}
	if o.sink == nil {
		o.sink = diag.LogSink{Logger: o.logger}
	}
	if o.recent == nil {
		o.recent = diag.NewRing[diag.Diagnostic](DefaultRecentDiagnostics)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(o.registry)
	}

	cfg, scope, err := converge.Resolve(o.convRuntime, o.convModule)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", program.Spec.ID, err)
	}
	policy, err := ResolvePolicy(o.policyRuntime, o.policyModule)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", program.Spec.ID, err)
	}

	e := &Engine{
		id:        o.instanceID,
		clock:     NewClockAt(o.startSeq),
		exec:      NewExecutor(policy.Policy.ConcurrencyLimit),
		policy:    policy,
		sink:      diag.Multi(o.sink, diag.RingSink{Ring: o.recent}),
		recent:    o.recent,
		journal:   o.journal,
		loader:    o.loader,
		metrics:   o.metrics,
		logger:    o.logger.With("module", program.Spec.ID, "instance", o.instanceID),
		now:       o.now,
		selLimit:  o.selLimit,
		selWindow: o.selWindow,
		done:      make(chan struct{}),

		sourceKeys: make(map[string][]any),
	}
	e.prog.Store(program)
	e.conv = converge.New(program, cfg, scope,
		converge.WithNow(o.now),
		converge.WithLogger(e.logger),
	)
	e.validator = validate.New(program,
		validate.WithRowIDGenerator(o.rowIDs),
		validate.WithLogger(e.logger),
	)
	e.queue = newTxnQueue(policy.Policy.laneConfig(), o.now, e.onPressure)

	host := o.host
	if host == nil {
		e.loopHost = scheduler.NewLoopHost()
		host = e.loopHost
	}
	e.sched = scheduler.New(host, o.schedCfg,
		scheduler.WithModule(program.Spec.ID),
		scheduler.WithDiagnostics(diag.SinkFunc(e.emit)),
		scheduler.WithTickEvidence(e.onTick),
		scheduler.WithLogger(e.logger),
		scheduler.WithNow(o.now),
	)

	for _, d := range policy.Diagnostics {
		e.emit(d)
	}

	root, _ := state.Normalize(initial).(map[string]any)
	d := state.NewDraft(state.NewSnapshot(root))
	res := e.conv.Run(context.Background(), 0, d, converge.DirtyAll(converge.DirtyUnknownWrite))
	e.snap.Store(d.Commit(0))
	e.pendingRefreshes = res.SourceRefreshes
	e.logger.Debug("initial state converged",
		"outcome", res.Evidence.Outcome,
		"executed_steps", res.Evidence.StepStats.ExecutedSteps)

	return e, nil
}

// ID returns the instance id.
func (e *Engine) ID() string { return e.id }

// Program returns the current program.
func (e *Engine) Program() *compiler.Program { return e.prog.Load() }

// Snapshot returns the latest committed state.
func (e *Engine) Snapshot() *state.Snapshot { return e.snap.Load() }

// Errors returns the latest committed error tree (nil when no check has
// failed yet).
func (e *Engine) Errors() *validate.ErrorTree { return e.errs.Load() }

// Policy returns the resolved concurrency policy.
func (e *Engine) Policy() ResolvedPolicy { return e.policy }

// ConvergeConfig returns the resolved convergence config and its scope.
func (e *Engine) ConvergeConfig() (converge.Config, converge.ConfigScope) { return e.conv.Config() }

// RecentDiagnostics returns the retained diagnostics, oldest first. Older
// entries are overwritten once the ring is full.
func (e *Engine) RecentDiagnostics() []diag.Diagnostic { return e.recent.Snapshot() }

// Executor returns the instance's bounded executor.
func (e *Engine) Executor() *Executor { return e.exec }

// Seq returns the last committed txnSeq.
func (e *Engine) Seq() int64 { return e.clock.Current() }

// QueueLen returns the number of admitted transactions not yet started.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run starts the single-writer transaction loop.
// Blocks until ctx is cancelled or Stop is called and the queue drained.
//
// A failing transaction is reported to its submitter and the loop
// continues. On exit, transactions still queued fail with ENGINE_STOPPED and
// background source loads are awaited.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: Run called twice")
	}
	defer close(e.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.runCtx = runCtx

	if e.loopHost != nil {
		hostDone := make(chan error, 1)
		go func() { hostDone <- e.loopHost.Run(context.Background()) }()
		defer func() {
			e.loopHost.Close()
			<-hostDone
		}()
	}

	e.logger.Info("engine starting",
		"concurrency_limit", e.policy.Policy.ConcurrencyLimit.String(),
		"policy_scope", e.policy.Scope)
	e.dispatchSources(e.pendingRefreshes)
	e.pendingRefreshes = nil

	for {
		if it, ok := e.queue.TryDequeue(); ok {
			e.observeQueue()
			e.process(runCtx, it)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.shutdown(cancel)
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal closes with the queue. A buffered signal for work
			// already dequeued loops back to TryDequeue.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				e.shutdown(cancel)
				return nil
			}
		}
	}
}

// Stop closes admission. Run finishes the queued transactions and returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) shutdown(cancel context.CancelFunc) {
	e.queue.Close()
	for _, it := range e.queue.Drain() {
		it.result <- TxnResult{Err: &TxnError{
			Code:    ErrCodeEngineStopped,
			Message: "engine stopped before the transaction ran",
			Label:   it.txn.Label,
		}}
	}
	e.observeQueue()
	cancel()
	if err := e.exec.Wait(); err != nil {
		e.logger.Warn("background work failed", "error", err)
	}
}

// Submit admits txn and returns a channel that receives its result.
//
// Submit blocks while the queue is at its lossless capacity, until space
// frees or ctx ends. It returns a QUEUE_CLOSED TxnError after Stop.
func (e *Engine) Submit(ctx context.Context, txn Txn) (<-chan TxnResult, error) {
	if txn.Lane == "" {
		txn.Lane = LaneNonUrgent
	}
	if txn.Origin == "" {
		txn.Origin = OriginUser
	}
	it := newQueued(txn)
	if err := e.queue.Enqueue(ctx, it); err != nil {
		return nil, err
	}
	e.observeQueue()
	return it.result, nil
}

// Do submits txn and waits for its commit.
func (e *Engine) Do(ctx context.Context, txn Txn) (Commit, error) {
	ch, err := e.Submit(ctx, txn)
	if err != nil {
		return Commit{}, err
	}
	return await(ctx, ch)
}

// Reload swaps the program between transactions.
//
// The reload commits like a transaction: the current state is converged in
// full under the new program and validated from scratch. A changed static
// digest starts a new plan cache generation.
func (e *Engine) Reload(ctx context.Context, program *compiler.Program) (Commit, error) {
	if program == nil {
		return Commit{}, errors.New("engine: nil program")
	}
	it := newQueued(Txn{Lane: LaneUrgent, Origin: OriginReload, Label: "reload:" + program.Spec.ID})
	it.reload = program
	if err := e.queue.Enqueue(ctx, it); err != nil {
		return Commit{}, err
	}
	e.observeQueue()
	return await(ctx, it.result)
}

// Writeback commits a value written by an external store. path must carry
// an externalStore trait.
func (e *Engine) Writeback(ctx context.Context, path string, value any) (Commit, error) {
	label := "writeback:" + path
	if !e.externalStore(path) {
		return Commit{}, &TxnError{
			Code:    ErrCodeInvalidWriteback,
			Message: fmt.Sprintf("%s has no externalStore trait", path),
			Label:   label,
		}
	}
	return e.Do(ctx, Txn{
		Lane:     LaneNonUrgent,
		Origin:   OriginExternalWriteback,
		Label:    label,
		Patch:    []state.Op{{Op: state.OpSet, Path: path, Value: value}},
		Validate: []validate.Request{validate.Field(path, validate.ModeValueChange)},
	})
}

// Settle blocks until the queue is empty and no source load is pending.
// Source refreshes dispatched by earlier commits have committed when it
// returns. Submitters running concurrently can keep it waiting.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		it := newQueued(Txn{Lane: LaneNonUrgent, Label: "settle"})
		it.barrier = true
		if err := e.queue.Enqueue(ctx, it); err != nil {
			return err
		}
		if _, err := await(ctx, it.result); err != nil {
			return err
		}
		if e.exec.Pending() == 0 && e.queue.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (e *Engine) externalStore(path string) bool {
	want := fieldpath.Parse(path).Key()
	for _, f := range e.prog.Load().Spec.Fields {
		if f.ExternalStore != nil && fieldpath.Parse(f.Path).Key() == want {
			return true
		}
	}
	return false
}

func await(ctx context.Context, ch <-chan TxnResult) (Commit, error) {
	select {
	case <-ctx.Done():
		return Commit{}, ctx.Err()
	case res := <-ch:
		return res.Commit, res.Err
	}
}

// process runs one transaction and sends its result.
func (e *Engine) process(ctx context.Context, it *queued) {
	if it.barrier {
		it.result <- TxnResult{}
		return
	}
	var (
		c   Commit
		err error
	)
	if it.reload != nil {
		c, err = e.reload(ctx, it)
	} else {
		c, err = e.execute(ctx, it.txn)
	}

	module := e.prog.Load().Spec.ID
	if err != nil {
		e.metrics.Transactions.WithLabelValues(module, string(it.txn.Lane), "failed").Inc()
		e.logger.Warn("transaction failed",
			"label", it.txn.Label,
			"lane", it.txn.Lane,
			"origin", it.txn.Origin,
			"error", err)
	} else {
		e.metrics.Transactions.WithLabelValues(module, string(c.Lane), string(c.Evidence.Outcome)).Inc()
	}
	it.result <- TxnResult{Commit: c, Err: err}
}

func (e *Engine) execute(ctx context.Context, txn Txn) (Commit, error) {
	d := state.NewDraft(e.snap.Load())
	if err := state.Apply(d, txn.Patch); err != nil {
		return Commit{}, &TxnError{Code: ErrCodePatchFailed, Message: "apply patch", Label: txn.Label, Err: err}
	}
	if txn.Body != nil {
		if err := runBody(txn.Body, d); err != nil {
			return Commit{}, &TxnError{Code: ErrCodeBodyFailed, Message: "transaction body", Label: txn.Label, Err: err}
		}
	}
	dirty := converge.DirtyFromDraft(d, e.prog.Load().Registry, e.maxDirtyRoots())
	return e.commit(ctx, txn, d, dirty, false), nil
}

func (e *Engine) maxDirtyRoots() int {
	cfg, _ := e.conv.Config()
	return cfg.MaxDirtyRoots
}

func runBody(body func(*state.Draft) error, d *state.Draft) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return body(d)
}

func (e *Engine) reload(ctx context.Context, it *queued) (Commit, error) {
	program := it.reload
	changed := e.conv.Rebind(program)
	e.validator.Rebind(program)
	e.prog.Store(program)
	if changed {
		e.cacheDisabled = false
		clear(e.sourceKeys)
	}

	d := state.NewDraft(e.snap.Load())
	c := e.commit(ctx, it.txn, d, converge.DirtyAll(converge.DirtyFallbackPolicy), true)
	e.logger.Info("module reloaded",
		"txn_seq", c.TxnSeq,
		"static_ir", program.StaticIR.Digest,
		"generation_changed", changed)
	return c, nil
}

// commit converges and validates d, then publishes it under the next txnSeq.
// fresh discards the previous error tree and validates every check.
func (e *Engine) commit(ctx context.Context, txn Txn, d *state.Draft, dirty converge.DirtySet, fresh bool) Commit {
	seq := e.clock.Next()
	res := e.conv.Run(ctx, seq, d, dirty)

	w := e.validator.Begin()
	for _, req := range txn.Validate {
		w.Add(req)
	}
	w.AddChecks(res.TriggeredChecks...)
	prev := e.errs.Load()
	if fresh {
		prev = nil
		w.Add(validate.Root(validate.ModeManual))
	}
	errs := w.Flush(d, prev)

	snap := d.Commit(seq)
	e.snap.Store(snap)
	e.errs.Store(errs)

	c := Commit{
		TxnSeq:          seq,
		Lane:            txn.Lane,
		Origin:          txn.Origin,
		Label:           txn.Label,
		Snapshot:        snap,
		Errors:          errs,
		Evidence:        res.Evidence,
		SourceRefreshes: res.SourceRefreshes,
	}
	e.observeCommit(ctx, c)
	e.dispatchSources(res.SourceRefreshes)
	e.sched.Schedule(scheduler.Job{
		Seq:    seq,
		Urgent: txn.Lane == LaneUrgent,
		Run:    func() { e.notify(c) },
	})

	e.logger.Debug("transaction committed",
		"txn_seq", seq,
		"label", txn.Label,
		"lane", txn.Lane,
		"origin", txn.Origin,
		"mode", res.Evidence.ExecutedMode,
		"outcome", res.Evidence.Outcome)
	return c
}

// observeCommit records metrics, diagnostics and the evidence journal entry.
func (e *Engine) observeCommit(ctx context.Context, c Commit) {
	ev := c.Evidence
	module := ev.Module

	e.metrics.Steps.WithLabelValues(module, "executed").Add(float64(ev.StepStats.ExecutedSteps))
	e.metrics.Steps.WithLabelValues(module, "skipped").Add(float64(ev.StepStats.SkippedSteps))
	e.metrics.Steps.WithLabelValues(module, "changed").Add(float64(ev.StepStats.ChangedSteps))
	e.metrics.ConvergeDuration.WithLabelValues(module, string(ev.ExecutedMode)).
		Observe(float64(ev.DurationMicros) / 1e6)
	for _, r := range ev.Reasons {
		switch r {
		case converge.ReasonCacheHit:
			e.metrics.PlanCache.WithLabelValues(module, "hit").Inc()
		case converge.ReasonCacheMiss:
			e.metrics.PlanCache.WithLabelValues(module, "miss").Inc()
		case converge.ReasonCacheDisabled:
			e.metrics.PlanCache.WithLabelValues(module, "disabled").Inc()
		}
	}

	if ev.Outcome == converge.OutcomeDegraded {
		e.emit(diag.Diagnostic{
			Code:     diag.CodeConvergeDegraded,
			Severity: diag.SeverityWarning,
			Message:  "convergence degraded",
			TxnSeq:   c.TxnSeq,
			Details: map[string]any{
				"degradedReasons": ev.DegradedReasons,
				"executedSteps":   ev.StepStats.ExecutedSteps,
				"skippedSteps":    ev.StepStats.SkippedSteps,
			},
		})
	}
	if ev.Cache.Disabled && !e.cacheDisabled {
		e.cacheDisabled = true
		e.emit(diag.Diagnostic{
			Code:     diag.CodePlanCacheDisabled,
			Severity: diag.SeverityInfo,
			Message:  "plan cache disabled by low hit rate",
			TxnSeq:   c.TxnSeq,
			Details: map[string]any{
				"disableReason":   ev.Cache.DisableReason,
				"hitRatePermille": ev.Cache.HitRatePermille,
			},
		})
	}

	if e.journal != nil {
		if err := e.journal.WriteEvidence(ctx, ev); err != nil {
			e.logger.Warn("journal evidence failed", "txn_seq", c.TxnSeq, "error", err)
		}
	}
}

func (e *Engine) observeQueue() {
	module := e.prog.Load().Spec.ID
	e.metrics.QueueDepth.WithLabelValues(module, string(LaneUrgent)).Set(float64(e.queue.LaneLen(LaneUrgent)))
	e.metrics.QueueDepth.WithLabelValues(module, string(LaneNonUrgent)).Set(float64(e.queue.LaneLen(LaneNonUrgent)))
}

// emit stamps and fans out a diagnostic. Safe from any goroutine.
func (e *Engine) emit(d diag.Diagnostic) {
	module := e.prog.Load().Spec.ID
	if d.Module == "" {
		d.Module = module
	}
	if d.At.IsZero() {
		d.At = e.now()
	}
	e.sink.Emit(d)
	e.metrics.Diagnostics.WithLabelValues(module, string(d.Code)).Inc()
	if e.journal != nil {
		if err := e.journal.WriteDiagnostic(context.Background(), d); err != nil {
			e.logger.Warn("journal diagnostic failed", "code", d.Code, "error", err)
		}
	}
}

func (e *Engine) onPressure(ev pressureEvent) {
	e.emit(diag.Diagnostic{
		Code:     diag.CodeConcurrencyPressure,
		Severity: diag.SeverityWarning,
		Message:  fmt.Sprintf("transaction backlog under pressure (%s)", ev.Reason),
		Details: map[string]any{
			"reason":    ev.Reason,
			"queued":    ev.Queued,
			"waiting":   ev.Waiting,
			"capacity":  ev.Capacity,
			"blockedMs": ev.Blocked.Milliseconds(),
		},
	})
}

func (e *Engine) onTick(ev scheduler.TickEvidence) {
	module := e.prog.Load().Spec.ID
	e.metrics.Ticks.WithLabelValues(module, string(ev.ScheduledVia), fmt.Sprint(ev.ForcedMacrotask)).Inc()
	if e.journal != nil {
		if err := e.journal.WriteTick(context.Background(), module, ev); err != nil {
			e.logger.Warn("journal tick failed", "tick_seq", ev.TickSeq, "error", err)
		}
	}
}
