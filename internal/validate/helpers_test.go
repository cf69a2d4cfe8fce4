package validate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/ir"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/testutil"
)

const (
	keyUnique   = "items#uniqueWarehouse"
	keySKU      = "items[].sku#required"
	keyName     = "name#required"
	keyTotalMin = "total#min"
)

// inventorySpec declares:
//
//	items      list tracked by id, warehouseId unique across rows
//	items[].sku required per row
//	name       required
//	total      >= 1, re-checked when qty changes
func inventorySpec(t *testing.T) *compiler.Program {
	t.Helper()
	fns := compiler.Builtins()
	required, _ := fns.Check("required")
	minCheck, _ := fns.Check("min")
	unique, _ := fns.RowCheck("uniqueBy")

	prog, err := compiler.Compile(&ir.ModuleSpec{
		ID: "inventory",
		Fields: []ir.FieldTraits{
			{Path: "items", List: &ir.ListSpec{
				TrackBy: "id",
				Checks: []ir.CheckSpec{{
					Name:     "uniqueWarehouse",
					Fn:       "uniqueBy",
					Params:   map[string]any{"field": "warehouseId"},
					RowCheck: unique,
				}},
			}},
			{Path: "items[].sku", Validate: []ir.CheckSpec{{Name: "required", Fn: "required", Check: required}}},
			{Path: "name", Validate: []ir.CheckSpec{{Name: "required", Fn: "required", Check: required}}},
			{Path: "total", Validate: []ir.CheckSpec{{
				Name:   "min",
				Fn:     "min",
				Deps:   []string{"qty"},
				Params: map[string]any{"value": 1},
				Check:  minCheck,
			}}},
		},
	})
	require.NoError(t, err)
	return prog
}

func newValidator(prog *compiler.Program) *Validator {
	return New(prog, WithRowIDGenerator(testutil.NewSequentialRowIDs("row")))
}

// warehouseRows builds n valid rows; dups lists indexes sharing one
// warehouseId.
func warehouseRows(n int, dups ...int) []any {
	rows := make([]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"id":          fmt.Sprintf("r%d", i),
			"sku":         fmt.Sprintf("sku-%d", i),
			"warehouseId": fmt.Sprintf("w%d", i),
		}
	}
	for _, i := range dups {
		rows[i].(map[string]any)["warehouseId"] = "dup"
	}
	return rows
}

func snapshot(items []any, extra map[string]any) *state.Snapshot {
	root := map[string]any{"items": items, "name": "depot", "total": 5, "qty": 1}
	for k, v := range extra {
		root[k] = v
	}
	return state.NewSnapshot(root)
}

func validateList(v *Validator, s *state.Snapshot, prev *ErrorTree) *ErrorTree {
	w := v.Begin()
	w.Add(List("items", ModeValueChange))
	return w.Flush(s, prev)
}
