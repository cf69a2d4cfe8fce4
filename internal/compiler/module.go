package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/statekernel/internal/ir"
)

// CompileModule parses a CUE value into a ModuleSpec, resolving function
// names through funcs. Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the module struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`module: checkout: { fields: [...] }`)
//	spec, err := CompileModule(v.LookupPath(cue.ParsePath("module.checkout")), Builtins())
//
// Field declarations:
//
//	{
//	    path: "total"
//	    computed: { deps: ["subtotal", "tax"], fn: "sum" }
//	    link: { from: "other" }
//	    validate: [{ name: "positive", fn: "min", params: { value: 0 } }]
//	    list: { trackBy: "id", checks: [{ name: "unique", fn: "uniqueBy", params: { field: "sku" } }] }
//	    source: { resource: "prices", deps: ["sku"] }
//	    externalStore: { store: "session" }
//	}
func CompileModule(v cue.Value, funcs *Funcs) (*ir.ModuleSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if funcs == nil {
		funcs = Builtins()
	}

	spec := &ir.ModuleSpec{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.ID = labels[len(labels)-1].String()
	}
	if idVal := v.LookupPath(cue.ParsePath("id")); idVal.Exists() {
		id, err := idVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		spec.ID = id
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   "fields",
			Message: "fields are required",
			Pos:     v.Pos(),
		}
	}
	iter, err := fieldsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		f, err := parseField(iter.Value(), funcs, fmt.Sprintf("fields[%d]", i))
		if err != nil {
			return nil, err
		}
		spec.Fields = append(spec.Fields, f)
	}

	return spec, nil
}

// CompileModules compiles every module declared under the top-level
// "module" struct of root, in declaration order.
func CompileModules(root cue.Value, funcs *Funcs) ([]*ir.ModuleSpec, error) {
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	modules := root.LookupPath(cue.ParsePath("module"))
	if !modules.Exists() {
		return nil, &CompileError{
			Field:   "module",
			Message: "no module declarations",
			Pos:     root.Pos(),
		}
	}
	iter, err := modules.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var specs []*ir.ModuleSpec
	for iter.Next() {
		spec, err := CompileModule(iter.Value(), funcs)
		if err != nil {
			return nil, fmt.Errorf("module.%s: %w", iter.Label(), err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseField(v cue.Value, funcs *Funcs, at string) (ir.FieldTraits, error) {
	var f ir.FieldTraits

	path, err := requireString(v, "path", at)
	if err != nil {
		return f, err
	}
	f.Path = path

	if cv := v.LookupPath(cue.ParsePath("computed")); cv.Exists() {
		deps, err := stringList(cv, "deps")
		if err != nil {
			return f, err
		}
		name, err := requireString(cv, "fn", at+".computed")
		if err != nil {
			return f, err
		}
		fn, ok := funcs.Derive(name)
		if !ok {
			return f, &CompileError{
				Field:   at + ".computed.fn",
				Message: fmt.Sprintf("unknown derive function %q", name),
				Pos:     cv.Pos(),
			}
		}
		f.Computed = &ir.ComputedSpec{Deps: deps, Fn: name, Get: fn}
	}

	if lv := v.LookupPath(cue.ParsePath("link")); lv.Exists() {
		from, err := requireString(lv, "from", at+".link")
		if err != nil {
			return f, err
		}
		f.Link = &ir.LinkSpec{From: from}
	}

	if vv := v.LookupPath(cue.ParsePath("validate")); vv.Exists() {
		f.Validate, err = parseChecks(vv, funcs, at+".validate", false)
		if err != nil {
			return f, err
		}
	}

	if lv := v.LookupPath(cue.ParsePath("list")); lv.Exists() {
		list := &ir.ListSpec{}
		if tb := lv.LookupPath(cue.ParsePath("trackBy")); tb.Exists() {
			if list.TrackBy, err = tb.String(); err != nil {
				return f, formatCUEError(err)
			}
		}
		if cv := lv.LookupPath(cue.ParsePath("checks")); cv.Exists() {
			list.Checks, err = parseChecks(cv, funcs, at+".list.checks", true)
			if err != nil {
				return f, err
			}
		}
		f.List = list
	}

	if sv := v.LookupPath(cue.ParsePath("source")); sv.Exists() {
		resource, err := requireString(sv, "resource", at+".source")
		if err != nil {
			return f, err
		}
		deps, err := stringList(sv, "deps")
		if err != nil {
			return f, err
		}
		f.Source = &ir.SourceSpec{Resource: resource, Deps: deps}
	}

	if ev := v.LookupPath(cue.ParsePath("externalStore")); ev.Exists() {
		store, err := requireString(ev, "store", at+".externalStore")
		if err != nil {
			return f, err
		}
		f.ExternalStore = &ir.ExternalStoreSpec{Store: store}
	}

	return f, nil
}

func parseChecks(v cue.Value, funcs *Funcs, at string, row bool) ([]ir.CheckSpec, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var checks []ir.CheckSpec
	for i := 0; iter.Next(); i++ {
		cv := iter.Value()
		field := fmt.Sprintf("%s[%d]", at, i)

		name, err := requireString(cv, "name", field)
		if err != nil {
			return nil, err
		}
		fnName, err := requireString(cv, "fn", field)
		if err != nil {
			return nil, err
		}
		deps, err := stringList(cv, "deps")
		if err != nil {
			return nil, err
		}
		params, err := parseParams(cv.LookupPath(cue.ParsePath("params")), field+".params")
		if err != nil {
			return nil, err
		}

		c := ir.CheckSpec{Name: name, Fn: fnName, Deps: deps, Params: params}
		var ok bool
		if row {
			c.RowCheck, ok = funcs.RowCheck(fnName)
		} else {
			c.Check, ok = funcs.Check(fnName)
		}
		if !ok {
			return nil, &CompileError{
				Field:   field + ".fn",
				Message: fmt.Sprintf("unknown check function %q", fnName),
				Pos:     cv.Pos(),
			}
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// parseParams decodes a params struct of strings, ints and bools.
// Floats are forbidden: digests and row-error comparisons stay exact.
func parseParams(v cue.Value, at string) (map[string]any, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	params := make(map[string]any)
	for iter.Next() {
		name := iter.Label()
		pv := iter.Value()
		switch pv.IncompleteKind() {
		case cue.StringKind:
			s, err := pv.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			params[name] = s
		case cue.IntKind:
			n, err := pv.Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			params[name] = int(n)
		case cue.BoolKind:
			b, err := pv.Bool()
			if err != nil {
				return nil, formatCUEError(err)
			}
			params[name] = b
		case cue.FloatKind, cue.NumberKind:
			return nil, &CompileError{
				Field:   at + "." + name,
				Message: "float params are forbidden, use int instead",
				Pos:     pv.Pos(),
			}
		default:
			return nil, &CompileError{
				Field:   at + "." + name,
				Message: fmt.Sprintf("unsupported param kind: %v", pv.IncompleteKind()),
				Pos:     pv.Pos(),
			}
		}
	}
	return params, nil
}

func requireString(v cue.Value, name, at string) (string, error) {
	sv := v.LookupPath(cue.ParsePath(name))
	if !sv.Exists() {
		return "", &CompileError{
			Field:   at + "." + name,
			Message: name + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := sv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value, name string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(name))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
