package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Record is one row of the external dataset. Columns and Values are parallel;
// a record built from a bare list of field values has no Columns.
type Record struct {
	Columns []string
	Values  []any
}

// NewRecord copies columns and values into a new Record.
func NewRecord(columns []string, values []any) Record {
	r := Record{Values: append([]any(nil), values...)}
	if columns != nil {
		r.Columns = append([]string(nil), columns...)
	}
	return r
}

// Get returns the value stored under col.
func (r Record) Get(col string) (any, bool) {
	for i, c := range r.Columns {
		if c == col && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Map returns the record as a column -> value mapping.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		if i < len(r.Values) {
			m[c] = r.Values[i]
		}
	}
	return m
}

// Equal compares two records column by column. A column present in one record
// and missing from the other makes them unequal.
func (r Record) Equal(other Record) bool {
	if r.Columns == nil && other.Columns == nil {
		return cmp.Equal(r.Values, other.Values)
	}
	return cmp.Equal(r.Map(), other.Map())
}

// MarshalJSON writes the record as a JSON object with keys in column order,
// or as an array when the record has no columns.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Columns == nil {
		if r.Values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.Values)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var v any
		if i < len(r.Values) {
			v = r.Values[i]
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts either an object (column order preserved) or an array.
func (r *Record) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var values []any
		if err := json.Unmarshal(b, &values); err != nil {
			return err
		}
		r.Columns = nil
		r.Values = values
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record must be a JSON object or array")
	}

	r.Columns = []string{}
	r.Values = []any{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)

		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("column %q: %w", key, err)
		}
		r.Columns = append(r.Columns, key)
		r.Values = append(r.Values, v)
	}
	_, err = dec.Token()
	return err
}

// Snapshot is the full dataset at one point in time. A Snapshot is never
// mutated after it has been handed to the Store.
type Snapshot struct {
	Columns []string
	Rows    []Record
	Updated time.Time
}

// Len returns the number of rows. A nil snapshot has no rows.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// ChangeSet is the row-level difference between two snapshots.
// RemovedIndices holds negative offsets from the end of the previous snapshot,
// e.g. -1 is the last row before the dataset shrank.
type ChangeSet struct {
	AddedOrModified map[int]Record `json:"added_or_modified"`
	RemovedIndices  []int          `json:"removed_indices"`
}

// NewChangeSet returns an empty ChangeSet.
func NewChangeSet() ChangeSet {
	return ChangeSet{
		AddedOrModified: make(map[int]Record),
		RemovedIndices:  []int{},
	}
}

// IsEmpty reports whether the ChangeSet carries no changes.
func (c ChangeSet) IsEmpty() bool {
	return len(c.AddedOrModified) == 0 && len(c.RemovedIndices) == 0
}
