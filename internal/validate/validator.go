package validate

import (
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/state"
)

// Validator runs compiled checks for one module instance.
type Validator struct {
	program *compiler.Program
	rowIDs  *RowIDStore
	logger  *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithRowIDGenerator sets the generator for new $rowIds.
func WithRowIDGenerator(g RowIDGenerator) Option {
	return func(v *Validator) { v.rowIDs = NewRowIDStore(g) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a validator bound to program.
func New(program *compiler.Program, opts ...Option) *Validator {
	v := &Validator{
		program: program,
		rowIDs:  NewRowIDStore(nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Rebind switches to a recompiled program. Row identities are kept.
func (v *Validator) Rebind(program *compiler.Program) { v.program = program }

// RowIDs returns the instance's row identity store.
func (v *Validator) RowIDs() *RowIDStore { return v.rowIDs }

// Begin opens a request window for one transaction.
func (v *Validator) Begin() *Window {
	return &Window{
		v:      v,
		seen:   make(map[string]bool),
		checks: make(map[int]bool),
	}
}

// Window collects the validation requests of one transaction.
type Window struct {
	v      *Validator
	reqs   []Request
	seen   map[string]bool
	checks map[int]bool
}

// Add records a request. A field request inside a declared list is
// normalized to the list. Returns false if an identical request was already
// recorded in this window.
func (w *Window) Add(req Request) bool {
	req = w.normalize(req)
	key := req.Key()
	if w.seen[key] {
		return false
	}
	w.seen[key] = true
	w.reqs = append(w.reqs, req)
	for _, id := range w.selectFor(req) {
		w.checks[id] = true
	}
	return true
}

// AddChecks records checks triggered directly by convergence.
func (w *Window) AddChecks(ids ...int) {
	for _, id := range ids {
		if id >= 0 && id < len(w.v.program.Checks) {
			w.checks[id] = true
		}
	}
}

// Requests returns the distinct requests in arrival order.
func (w *Window) Requests() []Request { return slices.Clone(w.reqs) }

// Selected returns the IDs of the checks the window will run, ascending.
func (w *Window) Selected() []int {
	ids := make([]int, 0, len(w.checks))
	for id := range w.checks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Empty reports whether no check is selected.
func (w *Window) Empty() bool { return len(w.checks) == 0 }

func (w *Window) normalize(req Request) Request {
	if req.Target == TargetRoot {
		req.Path = nil
		return req
	}
	req.Path = req.Path.Canonical()
	if req.Target == TargetField {
		if scope, ok := w.v.program.ListScopeOf(req.Path); ok {
			req.Target = TargetList
			req.Path = scope
		}
	}
	return req
}

func (w *Window) selectFor(req Request) []int {
	var ids []int
	for _, c := range w.v.program.Checks {
		if matches(c, req) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func matches(c compiler.Check, req Request) bool {
	switch req.Target {
	case TargetRoot:
		return true
	case TargetList:
		if c.ListScoped && c.Scope.Key() == req.Path.Key() {
			return true
		}
	case TargetField:
		if c.Path.Key() == req.Path.Key() {
			return true
		}
	}
	if req.Mode != ModeValueChange {
		return false
	}
	for _, d := range c.Deps {
		if fieldpath.Overlaps(d, req.Path) {
			return true
		}
	}
	return false
}

// Flush runs the selected checks against r and returns the new error tree.
// Results of checks that did not run carry over from prev. Nodes whose
// content did not change are reused from prev by pointer. Returns prev
// unchanged when nothing is selected.
func (w *Window) Flush(r state.Reader, prev *ErrorTree) *ErrorTree {
	if w.Empty() {
		return prev
	}
	if prev == nil {
		prev = &ErrorTree{}
	}

	program := w.v.program
	fieldChecks := make(map[string][]compiler.Check)
	listChecks := make(map[string][]compiler.Check)
	var fieldOrder, listOrder []string
	for _, id := range w.Selected() {
		c := program.Checks[id]
		if c.ListScoped {
			k := c.Scope.Key()
			if _, ok := listChecks[k]; !ok {
				listOrder = append(listOrder, k)
			}
			listChecks[k] = append(listChecks[k], c)
			continue
		}
		k := c.Path.Key()
		if _, ok := fieldChecks[k]; !ok {
			fieldOrder = append(fieldOrder, k)
		}
		fieldChecks[k] = append(fieldChecks[k], c)
	}

	next := &ErrorTree{
		Fields: cloneMap(prev.Fields),
		Lists:  cloneMap(prev.Lists),
	}
	for _, k := range fieldOrder {
		w.flushField(r, prev, next, k, fieldChecks[k])
	}
	for _, k := range listOrder {
		w.flushList(r, prev, next, k, listChecks[k])
	}

	if len(next.Fields) == 0 {
		next.Fields = nil
	}
	if len(next.Lists) == 0 {
		next.Lists = nil
	}

	w.v.logger.Debug("validation window flushed",
		"module", program.Spec.ID,
		"requests", len(w.reqs),
		"checks", len(w.checks),
		"errors", next.Count(),
	)
	return next
}

func (w *Window) flushField(r state.Reader, prev, next *ErrorTree, key string, checks []compiler.Check) {
	ran := make(map[string]bool, len(checks))
	results := make(map[string]any)
	for _, c := range checks {
		ran[c.Key] = true
		value, _ := r.Get(c.Path)
		if res := runCheck(c, value, readDeps(r, c.Deps, nil, 0)); res != nil {
			results[c.Key] = res
		}
	}

	old := prev.Fields[key]
	var prevErrs map[string]any
	if old != nil {
		prevErrs = old.Errors
	}
	errs := mergeErrors(prevErrs, ran, results)
	switch {
	case len(errs) == 0:
		delete(next.Fields, key)
	case old != nil && sameErrors(old.Errors, errs):
		next.Fields[key] = old
	default:
		next.Fields[key] = &FieldErrors{Errors: errs}
	}
}

func (w *Window) flushList(r state.Reader, prev, next *ErrorTree, key string, checks []compiler.Check) {
	listPath := fieldpath.Parse(key)
	raw, _ := r.Get(listPath)
	rows, _ := raw.([]any)

	trackBy := ""
	if spec, ok := w.v.program.List(listPath); ok {
		trackBy = spec.TrackBy
	}
	ids := w.v.rowIDs.Resolve(key, rows, trackBy)

	ran := make(map[string]bool, len(checks))
	results := make([]map[string]any, len(rows))
	put := func(i int, k string, v any) {
		if v == nil || i < 0 || i >= len(rows) {
			return
		}
		if results[i] == nil {
			results[i] = make(map[string]any)
		}
		results[i][k] = v
	}

	for _, c := range checks {
		ran[c.Key] = true
		if c.RowLevel {
			for i, v := range runRowCheck(c, rows) {
				put(i, c.Key, v)
			}
			continue
		}
		for i := range rows {
			value, _ := r.Get(bindRow(c.Path, i))
			put(i, c.Key, runCheck(c, value, readDeps(r, c.Deps, c.Scope, i)))
		}
	}

	old := prev.Lists[key]
	prevByID := make(map[string]*RowError)
	if old != nil {
		for _, re := range old.Rows {
			prevByID[re.RowID] = re
		}
	}

	var rowsOut map[int]*RowError
	unchanged := old != nil
	for i := range rows {
		p := prevByID[ids[i]]
		var prevErrs map[string]any
		if p != nil {
			prevErrs = p.Errors
		}
		errs := mergeErrors(prevErrs, ran, results[i])
		if len(errs) == 0 {
			continue
		}
		if rowsOut == nil {
			rowsOut = make(map[int]*RowError)
		}
		if p != nil && sameErrors(p.Errors, errs) {
			rowsOut[i] = p
		} else {
			rowsOut[i] = &RowError{RowID: ids[i], Errors: errs}
		}
		if unchanged && old.Rows[i] != rowsOut[i] {
			unchanged = false
		}
	}
	if unchanged && len(old.Rows) != len(rowsOut) {
		unchanged = false
	}

	switch {
	case len(rowsOut) == 0:
		delete(next.Lists, key)
	case unchanged:
		next.Lists[key] = old
	default:
		next.Lists[key] = &ListErrors{Rows: rowsOut}
	}
}

// runCheck calls a field check, converting a panic into an error payload.
func runCheck(c compiler.Check, value any, deps []any) (res any) {
	if c.Fn == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			res = map[string]any{"panic": p}
		}
	}()
	return c.Fn(value, deps, c.Params)
}

// runRowCheck calls a list check. A panic marks every row with the payload,
// so earlier row errors of the check are replaced rather than cleared.
func runRowCheck(c compiler.Check, rows []any) (res map[int]any) {
	if c.RowFn == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			res = make(map[int]any, len(rows))
			for i := range rows {
				res[i] = map[string]any{"panic": p}
			}
		}
	}()
	return c.RowFn(rows, c.Params)
}

// bindRow replaces the first list marker of p with the row index i.
func bindRow(p fieldpath.Path, i int) fieldpath.Path {
	out := slices.Clone(p)
	for j, seg := range out {
		if seg == fieldpath.ListMarker {
			out[j] = strconv.Itoa(i)
			break
		}
	}
	return out
}

// readDeps reads dependency values. Wildcard deps inside list are bound to
// row; other wildcard deps collect every row's value.
func readDeps(r state.Reader, deps []fieldpath.Path, list fieldpath.Path, row int) []any {
	if len(deps) == 0 {
		return nil
	}
	out := make([]any, len(deps))
	for i, d := range deps {
		if scope, ok := d.ListScope(); ok && list != nil && scope.Key() == list.Key() {
			d = bindRow(d, row)
		}
		if d.IsConcrete() {
			out[i], _ = r.Get(d)
			continue
		}
		var vals []any
		for _, c := range state.Expand(r, d) {
			v, _ := r.Get(c)
			vals = append(vals, v)
		}
		out[i] = vals
	}
	return out
}

// cloneMap is maps.Clone that never returns nil.
func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	maps.Copy(out, m)
	return out
}
