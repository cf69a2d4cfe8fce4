package compiler

import (
	"github.com/roach88/statekernel/internal/ir"
)

func sumOf(deps []any) (any, error) { return deriveSum(deps) }

func computed(path string, deps ...string) ir.FieldTraits {
	return ir.FieldTraits{
		Path:     path,
		Computed: &ir.ComputedSpec{Deps: deps, Fn: "sum", Get: sumOf},
	}
}

func link(path, from string) ir.FieldTraits {
	return ir.FieldTraits{Path: path, Link: &ir.LinkSpec{From: from}}
}

func required(path string) ir.FieldTraits {
	return ir.FieldTraits{
		Path:     path,
		Validate: []ir.CheckSpec{{Name: "required", Fn: "required", Check: checkRequired}},
	}
}

func uniqueList(path, trackBy, field string) ir.FieldTraits {
	return ir.FieldTraits{
		Path: path,
		List: &ir.ListSpec{
			TrackBy: trackBy,
			Checks: []ir.CheckSpec{{
				Name:     "unique",
				Fn:       "uniqueBy",
				Params:   map[string]any{"field": field},
				RowCheck: rowUniqueBy,
			}},
		},
	}
}

func module(fields ...ir.FieldTraits) *ir.ModuleSpec {
	return &ir.ModuleSpec{ID: "test", Fields: fields}
}
