package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekernel/internal/fieldpath"
)

func p(s string) fieldpath.Path { return fieldpath.Parse(s) }

func baseSnapshot() *Snapshot {
	return NewSnapshot(map[string]any{
		"profile": map[string]any{"name": "ada", "age": 36},
		"items": []any{
			map[string]any{"sku": "a", "qty": 1},
			map[string]any{"sku": "b", "qty": 2},
		},
		"untouched": map[string]any{"x": 1},
	})
}

func TestDraft_SetDoesNotMutateBase(t *testing.T) {
	base := baseSnapshot()
	d := NewDraft(base)

	require.NoError(t, d.Set(p("profile.name"), "grace"))
	require.NoError(t, d.Set(p("items.1.qty"), 5))

	got, _ := d.Get(p("profile.name"))
	assert.Equal(t, "grace", got)
	got, _ = d.Get(p("items.1.qty"))
	assert.Equal(t, 5, got)

	old, _ := base.Get(p("profile.name"))
	assert.Equal(t, "ada", old)
	old, _ = base.Get(p("items.1.qty"))
	assert.Equal(t, 2, old)
}

func TestDraft_SharesUntouchedSubtrees(t *testing.T) {
	base := baseSnapshot()
	d := NewDraft(base)
	require.NoError(t, d.Set(p("profile.name"), "grace"))

	next := d.Commit(1)
	assert.Equal(t, int64(1), next.Version())

	// Untouched containers are the same map instance.
	baseUntouched := base.Root()["untouched"].(map[string]any)
	nextUntouched := next.Root()["untouched"].(map[string]any)
	baseUntouched["probe"] = true
	assert.Equal(t, true, nextUntouched["probe"])
}

func TestDraft_CreatesIntermediateMaps(t *testing.T) {
	d := NewDraft(NewSnapshot(nil))
	require.NoError(t, d.Set(p("a.b.c"), 1))

	got, ok := d.Get(p("a.b.c"))
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestDraft_AppendAndOutOfRange(t *testing.T) {
	d := NewDraft(baseSnapshot())

	require.NoError(t, d.Set(p("items.2"), map[string]any{"sku": "c"}))
	rows, _ := d.Get(p("items"))
	assert.Len(t, rows, 3)

	err := d.Set(p("items.9.sku"), "z")
	assert.Error(t, err)
}

func TestDraft_WritesAreRecordedOnce(t *testing.T) {
	d := NewDraft(baseSnapshot())
	require.NoError(t, d.Set(p("profile.name"), "x"))
	require.NoError(t, d.Set(p("profile.name"), "y"))
	require.NoError(t, d.Set(p("items.0.qty"), 3))

	var keys []string
	for _, w := range d.Writes() {
		keys = append(keys, w.String())
	}
	assert.Equal(t, []string{"profile.name", "items.0.qty"}, keys)
	assert.False(t, d.Unknown())
	assert.False(t, d.NonTrackable())
}

func TestDraft_DeleteRowRecordsList(t *testing.T) {
	base := baseSnapshot()
	d := NewDraft(base)
	require.NoError(t, d.Delete(p("items.0")))

	rows, _ := d.Get(p("items"))
	require.Len(t, rows, 1)
	sku, _ := d.Get(p("items.0.sku"))
	assert.Equal(t, "b", sku)
	require.Len(t, d.Writes(), 1)
	assert.Equal(t, "items", d.Writes()[0].String())

	baseRows, _ := base.Get(p("items"))
	assert.Len(t, baseRows, 2)
}

func TestDraft_DeleteMissingIsNoop(t *testing.T) {
	d := NewDraft(baseSnapshot())
	require.NoError(t, d.Delete(p("nope.deeper")))
	assert.False(t, d.Dirty())
}

func TestDraft_ReplaceIsUnknownWrite(t *testing.T) {
	d := NewDraft(baseSnapshot())
	d.Replace(map[string]any{"fresh": true})

	assert.True(t, d.Unknown())
	assert.True(t, d.Dirty())
	_, ok := d.Get(p("profile"))
	assert.False(t, ok)
}

func TestDraft_ResetWritesKeepsValues(t *testing.T) {
	d := NewDraft(baseSnapshot())
	require.NoError(t, d.Set(p("profile.age"), 40))
	d.ResetWrites()

	assert.Empty(t, d.Writes())
	got, _ := d.Get(p("profile.age"))
	assert.Equal(t, 40, got)
}

func TestClone_IsDeep(t *testing.T) {
	orig := map[string]any{"a": []any{map[string]any{"b": 1}}}
	c := Clone(orig).(map[string]any)
	c["a"].([]any)[0].(map[string]any)["b"] = 2

	assert.Equal(t, 1, orig["a"].([]any)[0].(map[string]any)["b"])
}

func TestNormalize(t *testing.T) {
	in := map[string]any{"m": map[any]any{"k": 1, 2: "dropped"}, "rows": []map[string]any{{"x": 1}}}
	got := Normalize(in).(map[string]any)
	assert.Equal(t, map[string]any{"k": 1}, got["m"])
	assert.Equal(t, []any{map[string]any{"x": 1}}, got["rows"])
}
