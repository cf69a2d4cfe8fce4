package validate

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// RowIDGenerator mints new durable row ids.
type RowIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 row ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// rowTrack is what the store remembers about one list between passes.
type rowTrack struct {
	ids  []string
	keys []string // trackBy key per row, "" when the row has none
	rows []any
}

// RowIDStore resolves list rows to durable $rowIds.
//
// Resolution order per row:
//  1. the trackBy key, when the list declares one and the row carries it;
//  2. a previous row with deep-equal content that no other row claimed;
//  3. the previous id at the same position, if still unclaimed;
//  4. a newly generated id.
//
// Thread-safety: guarded by a mutex, though in practice only the owning
// transaction executor touches it.
type RowIDStore struct {
	mu    sync.Mutex
	gen   RowIDGenerator
	lists map[string]*rowTrack
}

// NewRowIDStore creates an empty store. A nil gen means UUIDv7Generator.
func NewRowIDStore(gen RowIDGenerator) *RowIDStore {
	if gen == nil {
		gen = UUIDv7Generator{}
	}
	return &RowIDStore{gen: gen, lists: make(map[string]*rowTrack)}
}

// Resolve returns one $rowId per row of the list at key and remembers the
// assignment for the next call.
func (s *RowIDStore) Resolve(list string, rows []any, trackBy string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lists[list]
	if prev == nil {
		prev = &rowTrack{}
	}

	ids := make([]string, len(rows))
	keys := make([]string, len(rows))
	claimed := make(map[string]bool, len(rows))

	byKey := make(map[string]string, len(prev.keys))
	for i, k := range prev.keys {
		if k != "" {
			byKey[k] = prev.ids[i]
		}
	}

	// Pass 1: trackBy keys.
	for i, row := range rows {
		keys[i] = trackKey(row, trackBy)
		if keys[i] == "" {
			continue
		}
		if id, ok := byKey[keys[i]]; ok && !claimed[id] {
			ids[i] = id
			claimed[id] = true
		}
	}

	// Pass 2: unchanged content.
	for i, row := range rows {
		if ids[i] != "" || keys[i] != "" {
			continue
		}
		for j, old := range prev.rows {
			if !claimed[prev.ids[j]] && prev.keys[j] == "" && reflect.DeepEqual(old, row) {
				ids[i] = prev.ids[j]
				claimed[ids[i]] = true
				break
			}
		}
	}

	// Pass 3: position, then fresh ids.
	for i := range rows {
		if ids[i] != "" {
			continue
		}
		if keys[i] == "" && i < len(prev.ids) && prev.keys[i] == "" && !claimed[prev.ids[i]] {
			ids[i] = prev.ids[i]
		} else {
			ids[i] = s.gen.Generate()
		}
		claimed[ids[i]] = true
	}

	s.lists[list] = &rowTrack{ids: ids, keys: keys, rows: rows}
	return append([]string(nil), ids...)
}

// Forget drops everything remembered about a list.
func (s *RowIDStore) Forget(list string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, list)
}

// Reset drops all lists.
func (s *RowIDStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = make(map[string]*rowTrack)
}

func trackKey(row any, trackBy string) string {
	if trackBy == "" {
		return ""
	}
	m, ok := row.(map[string]any)
	if !ok {
		return ""
	}
	v, ok := m[trackBy]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%T:%v", v, v)
}
