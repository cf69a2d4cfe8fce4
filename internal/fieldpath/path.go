package fieldpath

import (
	"strconv"
	"strings"
)

// ListMarker is the canonical segment standing for "any row of a list".
const ListMarker = "[]"

// Path is a sequence of segments. Numeric segments are list indices.
type Path []string

// Parse reads a dotted path. It accepts list markers and bracketed indices:
//
//	"profile.name"       -> [profile name]
//	"items[].sku"        -> [items [] sku]
//	"items.3.sku"        -> [items 3 sku]
//	"items[3].sku"       -> [items 3 sku]
//
// Empty segments are dropped, so "" parses to the root path.
func Parse(s string) Path {
	if s == "" {
		return Path{}
	}
	var p Path
	for _, part := range strings.Split(s, ".") {
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				p = append(p, part)
				break
			}
			if open > 0 {
				p = append(p, part[:open])
			}
			closeIdx := strings.IndexByte(part[open:], ']')
			if closeIdx < 0 {
				p = append(p, part[open:])
				break
			}
			inner := part[open+1 : open+closeIdx]
			if inner == "" {
				p = append(p, ListMarker)
			} else {
				p = append(p, inner)
			}
			part = part[open+closeIdx+1:]
		}
	}
	return p
}

// String renders the path. List markers attach to the previous segment
// ("items[].sku"); index segments render dotted ("items.3.sku").
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		if seg == ListMarker {
			b.WriteString(ListMarker)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

// IsIndex reports whether seg is a list index.
func IsIndex(seg string) bool {
	if seg == "" {
		return false
	}
	_, err := strconv.Atoi(seg)
	return err == nil
}

// Canonical folds index segments into the list marker.
func (p Path) Canonical() Path {
	out := make(Path, len(p))
	for i, seg := range p {
		if IsIndex(seg) {
			out[i] = ListMarker
		} else {
			out[i] = seg
		}
	}
	return out
}

// IsConcrete reports whether the path names exactly one location (no list
// markers).
func (p Path) IsConcrete() bool {
	for _, seg := range p {
		if seg == ListMarker {
			return false
		}
	}
	return true
}

// ListScope returns the path of the list owning the first list segment, e.g.
// "items.3.sku" and "items[].sku" both resolve to "items". ok is false when
// the path does not cross a list.
func (p Path) ListScope() (Path, bool) {
	for i, seg := range p {
		if seg == ListMarker || IsIndex(seg) {
			if i == 0 {
				return nil, false
			}
			return append(Path{}, p[:i]...), true
		}
	}
	return nil, false
}

// Equal reports segment-wise equality.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether q is a prefix of p. A list marker on either side
// matches any index.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if !segmentMatch(p[i], q[i]) {
			return false
		}
	}
	return true
}

// Overlaps reports whether a write to one path can change the value read at
// the other: one is a prefix of the other.
func Overlaps(a, b Path) bool {
	return a.HasPrefix(b) || b.HasPrefix(a)
}

func segmentMatch(a, b string) bool {
	if a == b {
		return true
	}
	if a == ListMarker {
		return IsIndex(b)
	}
	if b == ListMarker {
		return IsIndex(a)
	}
	return false
}

// Key returns the canonical string form used as a map key.
func (p Path) Key() string {
	return p.Canonical().String()
}
