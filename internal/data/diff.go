package data

// Differ computes the changes between two snapshots. Row identity is decided
// by the implementation.
type Differ interface {
	Diff(prev, cur *Snapshot) ChangeSet
}

// PositionalDiffer identifies rows by index. The external source has no
// primary key, so an insertion in the middle of the dataset shows up as a
// modification of every row after it.
type PositionalDiffer struct{}

// Compile-time interface verification
var _ Differ = PositionalDiffer{}

// Diff compares prev and cur row by row.
func (PositionalDiffer) Diff(prev, cur *Snapshot) ChangeSet {
	cs := NewChangeSet()
	prevLen, curLen := prev.Len(), cur.Len()

	// Dataset shrank: drop the trailing rows of prev
	for off := -(prevLen - curLen); off < 0; off++ {
		cs.RemovedIndices = append(cs.RemovedIndices, off)
	}

	shared := min(prevLen, curLen)
	for i := 0; i < shared; i++ {
		if !prev.Rows[i].Equal(cur.Rows[i]) {
			cs.AddedOrModified[i] = cur.Rows[i]
		}
	}

	// Dataset grew: new trailing rows are added regardless of content
	for i := prevLen; i < curLen; i++ {
		cs.AddedOrModified[i] = cur.Rows[i]
	}

	return cs
}
