package state

// Clone deep-copies maps and slices of a decoded state value. Scalars are
// returned as is.
func Clone(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// Normalize converts decoder output into state values: YAML maps with
// non-string keys become map[string]any, typed slices become []any.
func Normalize(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			if s, ok := k.(string); ok {
				out[s] = Normalize(e)
			}
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = Normalize(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}
