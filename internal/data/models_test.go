package data

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_MarshalKeepsColumnOrder(t *testing.T) {
	r := NewRecord([]string{"Notes", "Longitude", "Latitude"}, []any{"x", -71.1, 42.3})

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"Notes":"x","Longitude":-71.1,"Latitude":42.3}`, string(b))
}

func TestRecord_UnmarshalObjectKeepsOrder(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"b":1,"a":"two","c":null}`), &r))

	assert.Equal(t, []string{"b", "a", "c"}, r.Columns)
	assert.Equal(t, []any{1.0, "two", nil}, r.Values)
}

func TestRecord_ColumnlessIsArray(t *testing.T) {
	r := NewRecord(nil, []any{"a", 1.5})

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `["a",1.5]`, string(b))

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Nil(t, back.Columns)
	assert.True(t, back.Equal(r))
}

func TestRecord_Equal(t *testing.T) {
	a := NewRecord([]string{"x", "y"}, []any{1.0, "s"})
	reordered := NewRecord([]string{"y", "x"}, []any{"s", 1.0})
	changed := NewRecord([]string{"x", "y"}, []any{2.0, "s"})
	extra := NewRecord([]string{"x", "y", "z"}, []any{1.0, "s", ""})

	assert.True(t, a.Equal(reordered))
	assert.False(t, a.Equal(changed))
	assert.False(t, a.Equal(extra))
	assert.False(t, extra.Equal(a))
}

func TestRecord_Get(t *testing.T) {
	r := NewRecord([]string{"Longitude", "Latitude"}, []any{-71.0, 42.0})

	v, ok := r.Get("Latitude")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = r.Get("Notes")
	assert.False(t, ok)
}

func TestChangeSet_IsEmpty(t *testing.T) {
	cs := NewChangeSet()
	assert.True(t, cs.IsEmpty())

	cs.RemovedIndices = append(cs.RemovedIndices, -1)
	assert.False(t, cs.IsEmpty())
}
