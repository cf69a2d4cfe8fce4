package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/ir"
)

// Validation error codes (E200-E299)
const (
	// Module errors (E200-E201)
	ErrModuleIDEmpty  = "E200" // module id is required
	ErrFieldPathEmpty = "E201" // field path is required

	// Writer errors (E202-E209)
	ErrWriterTargetNotConcrete = "E202" // writers must target a field outside any list
	ErrComputedNoGetter        = "E203" // computed needs a getter
	ErrComputedNoDeps          = "E204" // computed needs at least one dep
	ErrLinkFromEmpty           = "E205" // link.from is required
	ErrLinkToSelf              = "E206" // link cannot mirror its own field
	ErrSourceResourceEmpty     = "E207" // source.resource is required
	ErrExternalStoreEmpty      = "E208" // externalStore.store is required
	ErrDepPathEmpty            = "E209" // dep paths must be non-empty

	// Check errors (E210-E219)
	ErrCheckNameEmpty     = "E210" // check name is required
	ErrCheckNoFunc        = "E211" // field check needs a check function
	ErrRowCheckNoFunc     = "E212" // list check needs a row check function
	ErrDuplicateCheckName = "E213" // check names are unique per field
	ErrListNotDeclared    = "E214" // check inside a list needs the list declared
	ErrListPathInvalid    = "E215" // list must be declared on a concrete path
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a module declaration against schema rules.
// Returns all errors found (does not fail-fast).
//
// Structural conflicts that need the whole graph (multiple writers, cycles)
// are reported by BuildGraph and BuildPlan instead.
func Validate(spec *ir.ModuleSpec) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(spec.ID) == "" {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: "module id is required",
			Code:    ErrModuleIDEmpty,
		})
	}

	lists := make(map[string]bool)
	for _, f := range spec.Fields {
		if f.List != nil {
			lists[fieldpath.Parse(f.Path).Key()] = true
		}
	}

	checkNames := make(map[string]bool)
	for i, f := range spec.Fields {
		prefix := fmt.Sprintf("fields[%d]", i)
		if strings.TrimSpace(f.Path) == "" {
			errs = append(errs, ValidationError{
				Field:   prefix + ".path",
				Message: "field path is required",
				Code:    ErrFieldPathEmpty,
			})
			continue
		}
		path := fieldpath.Parse(f.Path)

		errs = append(errs, validateWriters(prefix, path, &f)...)

		for j, c := range f.Validate {
			field := fmt.Sprintf("%s.validate[%d]", prefix, j)
			errs = append(errs, validateCheck(field, path, c, false, checkNames)...)
		}
		if scope, ok := path.ListScope(); ok && len(f.Validate) > 0 && !lists[scope.Key()] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".validate",
				Message: fmt.Sprintf("checks on %q need a list trait declared on %q", f.Path, scope),
				Code:    ErrListNotDeclared,
			})
		}

		if f.List != nil {
			if _, crosses := path.ListScope(); crosses || !path.IsConcrete() {
				errs = append(errs, ValidationError{
					Field:   prefix + ".list",
					Message: fmt.Sprintf("list %q must not be nested in another list", f.Path),
					Code:    ErrListPathInvalid,
				})
			}
			for j, c := range f.List.Checks {
				field := fmt.Sprintf("%s.list.checks[%d]", prefix, j)
				errs = append(errs, validateCheck(field, path, c, true, checkNames)...)
			}
		}
	}

	return errs
}

// validateWriters validates the primary-writer traits of one field.
func validateWriters(prefix string, path fieldpath.Path, f *ir.FieldTraits) []ValidationError {
	var errs []ValidationError

	if len(f.Writers()) > 0 {
		if _, crosses := path.ListScope(); crosses {
			errs = append(errs, ValidationError{
				Field:   prefix + ".path",
				Message: fmt.Sprintf("written field %q must not be inside a list", f.Path),
				Code:    ErrWriterTargetNotConcrete,
			})
		}
	}

	if c := f.Computed; c != nil {
		if c.Get == nil {
			errs = append(errs, ValidationError{
				Field:   prefix + ".computed.get",
				Message: "computed field needs a getter",
				Code:    ErrComputedNoGetter,
			})
		}
		if len(c.Deps) == 0 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".computed.deps",
				Message: "computed field needs at least one dep",
				Code:    ErrComputedNoDeps,
			})
		}
		errs = append(errs, validateDeps(prefix+".computed.deps", c.Deps)...)
	}

	if l := f.Link; l != nil {
		switch {
		case strings.TrimSpace(l.From) == "":
			errs = append(errs, ValidationError{
				Field:   prefix + ".link.from",
				Message: "link.from is required",
				Code:    ErrLinkFromEmpty,
			})
		case fieldpath.Parse(l.From).Key() == path.Key():
			errs = append(errs, ValidationError{
				Field:   prefix + ".link.from",
				Message: fmt.Sprintf("field %q cannot link to itself", f.Path),
				Code:    ErrLinkToSelf,
			})
		}
	}

	if s := f.Source; s != nil {
		if strings.TrimSpace(s.Resource) == "" {
			errs = append(errs, ValidationError{
				Field:   prefix + ".source.resource",
				Message: "source.resource is required",
				Code:    ErrSourceResourceEmpty,
			})
		}
		errs = append(errs, validateDeps(prefix+".source.deps", s.Deps)...)
	}

	if e := f.ExternalStore; e != nil && strings.TrimSpace(e.Store) == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".externalStore.store",
			Message: "externalStore.store is required",
			Code:    ErrExternalStoreEmpty,
		})
	}

	return errs
}

func validateCheck(field string, path fieldpath.Path, c ir.CheckSpec, row bool, seen map[string]bool) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   field + ".name",
			Message: "check name is required",
			Code:    ErrCheckNameEmpty,
		})
	} else {
		key := checkKey(path, c.Name)
		if seen[key] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate check %q on %q", c.Name, path),
				Code:    ErrDuplicateCheckName,
			})
		}
		seen[key] = true
	}

	switch {
	case row && c.RowCheck == nil:
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("list check %q needs a row check function", c.Name),
			Code:    ErrRowCheckNoFunc,
		})
	case !row && c.Check == nil:
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("check %q needs a check function", c.Name),
			Code:    ErrCheckNoFunc,
		})
	}

	errs = append(errs, validateDeps(field+".deps", c.Deps)...)
	return errs
}

func validateDeps(field string, deps []string) []ValidationError {
	var errs []ValidationError
	for i, d := range deps {
		if strings.TrimSpace(d) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: "dep path must be non-empty",
				Code:    ErrDepPathEmpty,
			})
		}
	}
	return errs
}

// checkKey identifies a check by canonical path and name.
func checkKey(path fieldpath.Path, name string) string {
	return path.Key() + "#" + name
}
