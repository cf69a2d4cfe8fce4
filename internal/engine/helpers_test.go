package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/ir"
	"github.com/roach88/statekernel/internal/scheduler"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/testutil"
)

func builtin(name string) ir.DeriveFunc {
	fn, _ := compiler.Builtins().Derive(name)
	return fn
}

func check(name string) ir.CheckFunc {
	fn, _ := compiler.Builtins().Check(name)
	return fn
}

// cartSpec:
//
//	subtotal = sum(items[].price)
//	total    = sum(subtotal, tax)
//	display  <- total
//	name     required
//	quote    source(quotes, sku)
//	balance  externalStore(ledger)
func cartSpec() *ir.ModuleSpec {
	return &ir.ModuleSpec{
		ID: "cart",
		Fields: []ir.FieldTraits{
			{Path: "subtotal", Computed: &ir.ComputedSpec{Deps: []string{"items[].price"}, Fn: "sum", Get: builtin("sum")}},
			{Path: "total", Computed: &ir.ComputedSpec{Deps: []string{"subtotal", "tax"}, Fn: "sum", Get: builtin("sum")}},
			{Path: "display", Link: &ir.LinkSpec{From: "total"}},
			{Path: "name", Validate: []ir.CheckSpec{{Name: "required", Fn: "required", Check: check("required")}}},
			{Path: "quote", Source: &ir.SourceSpec{Resource: "quotes", Deps: []string{"sku"}}},
			{Path: "balance", ExternalStore: &ir.ExternalStoreSpec{Store: "ledger"}},
		},
	}
}

func cartState() map[string]any {
	return map[string]any{
		"items": []any{
			map[string]any{"price": 10},
			map[string]any{"price": 5},
		},
		"tax":  2,
		"name": "ada",
		"sku":  "A-1",
	}
}

func compile(t *testing.T, spec *ir.ModuleSpec) *compiler.Program {
	t.Helper()
	prog, err := compiler.Compile(spec)
	require.NoError(t, err)
	return prog
}

// newEngine builds a cart engine with a recorder sink and a manual clock.
func newEngine(t *testing.T, opts ...Option) (*Engine, *diag.Recorder) {
	t.Helper()
	rec := &diag.Recorder{}
	clock := testutil.NewManualClock()
	base := []Option{
		WithDiagnostics(rec),
		WithNow(clock.Now),
		WithRowIDGenerator(testutil.NewSequentialRowIDs("")),
		WithInstanceID("test-instance"),
	}
	e, err := New(compile(t, cartSpec()), cartState(), append(base, opts...)...)
	require.NoError(t, err)
	return e, rec
}

// start runs e until the test ends.
func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
}

func set(path string, v any) state.Op {
	return state.Op{Op: state.OpSet, Path: path, Value: v}
}

func get(t *testing.T, s *state.Snapshot, path string) any {
	t.Helper()
	v, ok := s.Get(fieldpath.Parse(path))
	require.True(t, ok, "missing %s", path)
	return v
}

// fakeJournal records what the engine journals.
type fakeJournal struct {
	mu       sync.Mutex
	evidence []converge.Evidence
	diags    []diag.Diagnostic
	ticks    []scheduler.TickEvidence
	fail     bool
}

func (j *fakeJournal) WriteEvidence(_ context.Context, ev converge.Evidence) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	j.evidence = append(j.evidence, ev)
	return nil
}

func (j *fakeJournal) WriteDiagnostic(_ context.Context, d diag.Diagnostic) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.diags = append(j.diags, d)
	return nil
}

func (j *fakeJournal) WriteTick(_ context.Context, _ string, ev scheduler.TickEvidence) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ticks = append(j.ticks, ev)
	return nil
}

func (j *fakeJournal) evidenceSeqs() []int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]int64, len(j.evidence))
	for i, ev := range j.evidence {
		out[i] = ev.TxnSeq
	}
	return out
}

func (j *fakeJournal) tickCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ticks)
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond

func parseP(s string) fieldpath.Path { return fieldpath.Parse(s) }
