package converge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/ir"
	"github.com/roach88/statekernel/internal/state"
)

func p(s string) fieldpath.Path { return fieldpath.Parse(s) }

func sum(deps []any) (any, error) {
	fn, _ := compiler.Builtins().Derive("sum")
	return fn(deps)
}

func required(v any, _ []any, _ map[string]any) any {
	if v == nil || v == "" {
		return "required"
	}
	return nil
}

// cartSpec:
//
//	subtotal = sum(items[].price)
//	total    = subtotal + tax
//	display  <- total
//	name     required
//	price    source(prices, sku)
func cartSpec() *ir.ModuleSpec {
	return &ir.ModuleSpec{
		ID: "cart",
		Fields: []ir.FieldTraits{
			{Path: "subtotal", Computed: &ir.ComputedSpec{Deps: []string{"items[].price"}, Fn: "sum", Get: sum}},
			{Path: "total", Computed: &ir.ComputedSpec{Deps: []string{"subtotal", "tax"}, Fn: "sum", Get: sum}},
			{Path: "display", Link: &ir.LinkSpec{From: "total"}},
			{Path: "name", Validate: []ir.CheckSpec{{Name: "required", Check: required}}},
			{Path: "quote", Source: &ir.SourceSpec{Resource: "quotes", Deps: []string{"sku"}}},
		},
	}
}

// nestedSpec:
//
//	a   = {v: x, n: 0}
//	a.n = y
func nestedSpec() *ir.ModuleSpec {
	object := func(deps []any) (any, error) {
		return map[string]any{"v": deps[0], "n": 0}, nil
	}
	identity := func(deps []any) (any, error) { return deps[0], nil }
	return &ir.ModuleSpec{
		ID: "nested",
		Fields: []ir.FieldTraits{
			{Path: "a", Computed: &ir.ComputedSpec{Deps: []string{"x"}, Fn: "object", Get: object}},
			{Path: "a.n", Computed: &ir.ComputedSpec{Deps: []string{"y"}, Fn: "identity", Get: identity}},
		},
	}
}

func nestedState() *state.Snapshot {
	return state.NewSnapshot(map[string]any{
		"x": 1,
		"y": 7,
		"a": map[string]any{"v": 1, "n": 7},
	})
}

func compile(t *testing.T, spec *ir.ModuleSpec) *compiler.Program {
	t.Helper()
	prog, err := compiler.Compile(spec)
	require.NoError(t, err)
	return prog
}

func cartState() *state.Snapshot {
	return state.NewSnapshot(map[string]any{
		"items": []any{
			map[string]any{"price": 10},
			map[string]any{"price": 5},
		},
		"tax":      2,
		"subtotal": 15,
		"total":    17,
		"display":  17,
		"name":     "ada",
		"sku":      "A-1",
	})
}

// patched returns a draft of base with ops applied and write tracking intact.
func patched(t *testing.T, base *state.Snapshot, ops ...state.Op) *state.Draft {
	t.Helper()
	d := state.NewDraft(base)
	require.NoError(t, state.Apply(d, ops))
	return d
}
