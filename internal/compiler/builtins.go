package compiler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/statekernel/internal/ir"
)

// Funcs resolves function names used by declarative (CUE) modules to Go
// implementations.
//
// Thread-safety: safe for concurrent use.
type Funcs struct {
	mu     sync.RWMutex
	derive map[string]ir.DeriveFunc
	check  map[string]ir.CheckFunc
	row    map[string]ir.RowCheckFunc
}

// NewFuncs returns an empty function table.
func NewFuncs() *Funcs {
	return &Funcs{
		derive: make(map[string]ir.DeriveFunc),
		check:  make(map[string]ir.CheckFunc),
		row:    make(map[string]ir.RowCheckFunc),
	}
}

// Builtins returns a table preloaded with the builtin library:
//
//	derive: sum, product, concat, identity, count
//	check:  required, min, maxLength
//	row:    uniqueBy, requiredField
func Builtins() *Funcs {
	f := NewFuncs()
	f.RegisterDerive("sum", deriveSum)
	f.RegisterDerive("product", deriveProduct)
	f.RegisterDerive("concat", deriveConcat)
	f.RegisterDerive("identity", deriveIdentity)
	f.RegisterDerive("count", deriveCount)
	f.RegisterCheck("required", checkRequired)
	f.RegisterCheck("min", checkMin)
	f.RegisterCheck("maxLength", checkMaxLength)
	f.RegisterRowCheck("uniqueBy", rowUniqueBy)
	f.RegisterRowCheck("requiredField", rowRequiredField)
	return f
}

func (f *Funcs) RegisterDerive(name string, fn ir.DeriveFunc) {
	f.mu.Lock()
	f.derive[name] = fn
	f.mu.Unlock()
}

func (f *Funcs) RegisterCheck(name string, fn ir.CheckFunc) {
	f.mu.Lock()
	f.check[name] = fn
	f.mu.Unlock()
}

func (f *Funcs) RegisterRowCheck(name string, fn ir.RowCheckFunc) {
	f.mu.Lock()
	f.row[name] = fn
	f.mu.Unlock()
}

func (f *Funcs) Derive(name string) (ir.DeriveFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.derive[name]
	return fn, ok
}

func (f *Funcs) Check(name string) (ir.CheckFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.check[name]
	return fn, ok
}

func (f *Funcs) RowCheck(name string) (ir.RowCheckFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.row[name]
	return fn, ok
}

// flatten spreads list-valued deps (from "items[].qty" style paths) into a
// single value list.
func flatten(deps []any) []any {
	var out []any
	for _, d := range deps {
		if list, ok := d.([]any); ok {
			out = append(out, list...)
			continue
		}
		out = append(out, d)
	}
	return out
}

// toInt converts decoded numbers to int. Whole float64 values are accepted
// because JSON decoding produces them.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func deriveSum(deps []any) (any, error) {
	total := 0
	for _, v := range flatten(deps) {
		if v == nil {
			continue
		}
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("sum: non-integer operand %v (%T)", v, v)
		}
		total += n
	}
	return total, nil
}

func deriveProduct(deps []any) (any, error) {
	total := 1
	for _, v := range flatten(deps) {
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("product: non-integer operand %v (%T)", v, v)
		}
		total *= n
	}
	return total, nil
}

func deriveConcat(deps []any) (any, error) {
	var b strings.Builder
	for _, v := range flatten(deps) {
		if v == nil {
			continue
		}
		fmt.Fprint(&b, v)
	}
	return b.String(), nil
}

func deriveIdentity(deps []any) (any, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	return deps[0], nil
}

func deriveCount(deps []any) (any, error) {
	if len(deps) == 0 || deps[0] == nil {
		return 0, nil
	}
	list, ok := deps[0].([]any)
	if !ok {
		return nil, fmt.Errorf("count: want list, got %T", deps[0])
	}
	return len(list), nil
}

func checkRequired(value any, _ []any, _ map[string]any) any {
	if value == nil || value == "" {
		return "required"
	}
	return nil
}

func checkMin(value any, _ []any, params map[string]any) any {
	bound, ok := toInt(params["value"])
	if !ok {
		return nil
	}
	n, ok := toInt(value)
	if !ok || n < bound {
		return fmt.Sprintf("must be at least %d", bound)
	}
	return nil
}

func checkMaxLength(value any, _ []any, params map[string]any) any {
	bound, ok := toInt(params["value"])
	if !ok {
		return nil
	}
	s, _ := value.(string)
	if len([]rune(s)) > bound {
		return fmt.Sprintf("must be at most %d characters", bound)
	}
	return nil
}

// rowUniqueBy flags every row whose params.field value is shared with
// another row. Rows with a missing or empty value are ignored.
func rowUniqueBy(rows []any, params map[string]any) map[int]any {
	field, _ := params["field"].(string)
	if field == "" {
		return nil
	}

	seen := make(map[string][]int)
	var order []string
	for i, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		v, ok := m[field]
		if !ok || v == nil || v == "" {
			continue
		}
		key := fmt.Sprintf("%T:%v", v, v)
		if _, exists := seen[key]; !exists {
			order = append(order, key)
		}
		seen[key] = append(seen[key], i)
	}

	var out map[int]any
	for _, key := range order {
		idxs := seen[key]
		if len(idxs) < 2 {
			continue
		}
		if out == nil {
			out = make(map[int]any)
		}
		for _, i := range idxs {
			out[i] = fmt.Sprintf("duplicate %s", field)
		}
	}
	return out
}

func rowRequiredField(rows []any, params map[string]any) map[int]any {
	field, _ := params["field"].(string)
	if field == "" {
		return nil
	}
	var out map[int]any
	for i, row := range rows {
		m, _ := row.(map[string]any)
		if v, ok := m[field]; ok && v != nil && v != "" {
			continue
		}
		if out == nil {
			out = make(map[int]any)
		}
		out[i] = fmt.Sprintf("%s is required", field)
	}
	return out
}
