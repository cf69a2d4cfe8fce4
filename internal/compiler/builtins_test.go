package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveBuiltins(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		deps []any
		want any
	}{
		{"sum scalars", "sum", []any{1, 2, 3}, 6},
		{"sum flattens lists", "sum", []any{[]any{1, 2}, 3}, 6},
		{"sum skips nil", "sum", []any{nil, 4}, 4},
		{"sum accepts whole floats", "sum", []any{float64(2), 1}, 3},
		{"product", "product", []any{2, 3, 4}, 24},
		{"concat", "concat", []any{"a", 1, nil, "b"}, "a1b"},
		{"identity", "identity", []any{"x", "y"}, "x"},
		{"count", "count", []any{[]any{1, 2, 3}}, 3},
		{"count nil", "count", []any{nil}, 0},
	}

	funcs := Builtins()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, ok := funcs.Derive(tt.fn)
			require.True(t, ok)
			got, err := fn(tt.deps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveSumRejectsNonIntegers(t *testing.T) {
	_, err := deriveSum([]any{1, "two"})
	assert.Error(t, err)
	_, err = deriveSum([]any{1.5})
	assert.Error(t, err)
}

func TestCheckBuiltins(t *testing.T) {
	assert.Equal(t, "required", checkRequired("", nil, nil))
	assert.Equal(t, "required", checkRequired(nil, nil, nil))
	assert.Nil(t, checkRequired("x", nil, nil))

	params := map[string]any{"value": 18}
	assert.Nil(t, checkMin(18, nil, params))
	assert.Equal(t, "must be at least 18", checkMin(17, nil, params))
	assert.Equal(t, "must be at least 18", checkMin("old", nil, params))

	assert.Nil(t, checkMaxLength("abc", nil, map[string]any{"value": 3}))
	assert.Equal(t, "must be at most 2 characters", checkMaxLength("abc", nil, map[string]any{"value": 2}))
}

func TestRowUniqueBy(t *testing.T) {
	rows := make([]any, 100)
	for i := range rows {
		rows[i] = map[string]any{"id": i, "warehouseId": i}
	}
	for _, i := range []int{10, 20, 30} {
		rows[i] = map[string]any{"id": i, "warehouseId": "dup"}
	}

	errs := rowUniqueBy(rows, map[string]any{"field": "warehouseId"})
	assert.Len(t, errs, 3)
	for _, i := range []int{10, 20, 30} {
		assert.Equal(t, "duplicate warehouseId", errs[i])
	}

	assert.Nil(t, rowUniqueBy(rows[:5], map[string]any{"field": "warehouseId"}))
	assert.Nil(t, rowUniqueBy(rows, nil))
}

func TestRowUniqueByDistinguishesTypes(t *testing.T) {
	rows := []any{
		map[string]any{"v": 1},
		map[string]any{"v": "1"},
	}
	assert.Nil(t, rowUniqueBy(rows, map[string]any{"field": "v"}))
}

func TestRowRequiredField(t *testing.T) {
	rows := []any{
		map[string]any{"sku": "a"},
		map[string]any{"sku": ""},
		map[string]any{},
	}
	errs := rowRequiredField(rows, map[string]any{"field": "sku"})
	assert.Equal(t, map[int]any{1: "sku is required", 2: "sku is required"}, errs)
}
