package validate

import (
	"fmt"

	"github.com/roach88/statekernel/internal/fieldpath"
)

// Target is the scope of a validation request.
type Target string

const (
	TargetRoot  Target = "root"
	TargetField Target = "field"
	TargetList  Target = "list"
)

// Mode says why validation was requested.
type Mode string

const (
	// ModeManual runs only the checks declared at the target.
	ModeManual Mode = "manual"
	// ModeValueChange also runs checks that depend on the target.
	ModeValueChange Mode = "valueChange"
)

// Request asks for validation of one scope.
type Request struct {
	Target Target
	Path   fieldpath.Path
	Mode   Mode
}

// Root requests validation of the whole module.
func Root(mode Mode) Request { return Request{Target: TargetRoot, Mode: mode} }

// Field requests validation of one field path.
func Field(path string, mode Mode) Request {
	return Request{Target: TargetField, Path: fieldpath.Parse(path), Mode: mode}
}

// List requests validation of one list.
func List(path string, mode Mode) Request {
	return Request{Target: TargetList, Path: fieldpath.Parse(path), Mode: mode}
}

// Key identifies a request for deduplication: same target, mode and
// canonical path.
func (r Request) Key() string {
	return fmt.Sprintf("%s|%s|%s", r.Target, r.Mode, r.Path.Key())
}

func (r Request) String() string {
	if r.Target == TargetRoot {
		return fmt.Sprintf("root(%s)", r.Mode)
	}
	return fmt.Sprintf("%s(%s, %s)", r.Target, r.Path, r.Mode)
}
