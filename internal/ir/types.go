package ir

// TraitKind names a kind of trait declaration.
type TraitKind string

const (
	TraitComputed      TraitKind = "computed"
	TraitLink          TraitKind = "link"
	TraitValidate      TraitKind = "validate"
	TraitList          TraitKind = "list"
	TraitSource        TraitKind = "source"
	TraitExternalStore TraitKind = "externalStore"
)

// DeriveFunc computes a field value from its declared dependencies.
// deps are passed in declaration order. Returning an error skips the step.
type DeriveFunc func(deps []any) (any, error)

// CheckFunc validates a single field. A nil return means valid; any other
// value is the error payload stored in the error tree.
type CheckFunc func(value any, deps []any, params map[string]any) any

// RowCheckFunc validates a whole list at once (cross-row checks such as
// uniqueness). It returns the error payload per row index; rows without an
// entry are valid.
type RowCheckFunc func(rows []any, params map[string]any) map[int]any

// ModuleSpec is the complete trait declaration for one module.
// Fields are kept in declaration order.
type ModuleSpec struct {
	ID     string        `json:"id"`
	Fields []FieldTraits `json:"fields"`
}

// FieldTraits holds every trait declared on one field path.
// A field may carry several traits but at most one primary writer
// (computed, link, source or externalStore).
type FieldTraits struct {
	Path          string             `json:"path"`
	Computed      *ComputedSpec      `json:"computed,omitempty"`
	Link          *LinkSpec          `json:"link,omitempty"`
	Validate      []CheckSpec        `json:"validate,omitempty"`
	List          *ListSpec          `json:"list,omitempty"`
	Source        *SourceSpec        `json:"source,omitempty"`
	ExternalStore *ExternalStoreSpec `json:"externalStore,omitempty"`
}

// ComputedSpec derives the field from Deps using Get.
// Fn is the registry name the function was resolved from (empty when Get was
// supplied directly from Go); it participates in the static digest.
type ComputedSpec struct {
	Deps []string   `json:"deps"`
	Fn   string     `json:"fn,omitempty"`
	Get  DeriveFunc `json:"-"`
}

// LinkSpec mirrors the value of another field.
type LinkSpec struct {
	From string `json:"from"`
}

// CheckSpec declares one named validation rule.
//
// Field-level rules set Check; list-level (cross-row) rules set RowCheck.
type CheckSpec struct {
	Name     string         `json:"name"`
	Deps     []string       `json:"deps,omitempty"`
	Fn       string         `json:"fn,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Check    CheckFunc      `json:"-"`
	RowCheck RowCheckFunc   `json:"-"`
}

// ListSpec declares list-scoped behaviour: row identity and cross-row checks.
type ListSpec struct {
	TrackBy string      `json:"trackBy,omitempty"`
	Checks  []CheckSpec `json:"checks,omitempty"`
}

// SourceSpec binds a field to an external resource keyed by Deps.
type SourceSpec struct {
	Resource string   `json:"resource"`
	Deps     []string `json:"deps,omitempty"`
}

// ExternalStoreSpec marks a field as written back by an external store.
type ExternalStoreSpec struct {
	Store string `json:"store"`
}

// Writers returns the primary writer kinds declared on the field, in a fixed
// order. More than one entry means the declaration is conflicting.
func (f *FieldTraits) Writers() []TraitKind {
	var kinds []TraitKind
	if f.Computed != nil {
		kinds = append(kinds, TraitComputed)
	}
	if f.Link != nil {
		kinds = append(kinds, TraitLink)
	}
	if f.Source != nil {
		kinds = append(kinds, TraitSource)
	}
	if f.ExternalStore != nil {
		kinds = append(kinds, TraitExternalStore)
	}
	return kinds
}
