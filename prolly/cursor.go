package prolly

import "bytes"
import "fmt"
import "sort"

// BoundKind discriminates the three ways a Cursor's starting point can be
// expressed.
type BoundKind int

const (
	// Unbounded imposes no constraint.
	Unbounded BoundKind = iota
	// Included bounds inclusive of Key.
	Included
	// Excluded bounds exclusive of Key.
	Excluded
)

// Bound is one endpoint of a LowerBound/UpperBound query.
type Bound struct {
	Kind BoundKind
	Key  []byte
}

// UnboundedBound imposes no constraint.
func UnboundedBound() Bound { return Bound{Kind: Unbounded} }

// IncludedBound bounds inclusive of key.
func IncludedBound(key []byte) Bound { return Bound{Kind: Included, Key: key} }

// ExcludedBound bounds exclusive of key.
func ExcludedBound(key []byte) Bound { return Bound{Kind: Excluded, Key: key} }

// ErrCursorInvalidated is returned by a Cursor operation once the tree it
// was created from has since been mutated.
var ErrCursorInvalidated = fmt.Errorf("prolly: cursor invalidated by a tree mutation")

// Cursor names a gap between two adjacent entries of a tree snapshot taken
// at the moment the cursor was created. Any subsequent Insert, Remove, or
// Discard on the originating Tree invalidates it.
type Cursor struct {
	tree       *Tree
	generation uint64
	entries    []leafEntry
	gap        int
}

func (t *Tree) newCursor(entries []leafEntry, gap int) *Cursor {
	return &Cursor{tree: t, generation: t.generation, entries: entries, gap: gap}
}

// LowerBound positions a cursor on the gap immediately before the smallest
// key satisfying bound.
func (t *Tree) LowerBound(bound Bound) (*Cursor, error) {
	entries, err := t.collectAll()
	if err != nil {
		return nil, err
	}

	var gap int
	switch bound.Kind {
	case Unbounded:
		gap = 0
	case Included:
		gap = sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].key, bound.Key) >= 0
		})
	case Excluded:
		gap = sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].key, bound.Key) > 0
		})
	}

	return t.newCursor(entries, gap), nil
}

// UpperBound positions a cursor on the gap immediately after the greatest
// key satisfying bound.
func (t *Tree) UpperBound(bound Bound) (*Cursor, error) {
	entries, err := t.collectAll()
	if err != nil {
		return nil, err
	}

	var gap int
	switch bound.Kind {
	case Unbounded:
		gap = len(entries)
	case Included:
		gap = sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].key, bound.Key) > 0
		})
	case Excluded:
		gap = sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].key, bound.Key) >= 0
		})
	}

	return t.newCursor(entries, gap), nil
}

func (c *Cursor) checkGeneration() error {
	if c.generation != c.tree.generation {
		return ErrCursorInvalidated
	}
	return nil
}

// Next advances one gap to the right, returning the entry moved over. ok is
// false, with no movement, once the cursor is already after the last entry.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if err := c.checkGeneration(); err != nil {
		return nil, nil, false, err
	}

	if c.gap >= len(c.entries) {
		return nil, nil, false, nil
	}

	e := c.entries[c.gap]
	c.gap++
	return e.key, e.value, true, nil
}

// Prev advances one gap to the left, returning the entry moved over. ok is
// false, with no movement, once the cursor is already before the first
// entry.
func (c *Cursor) Prev() (key, value []byte, ok bool, err error) {
	if err := c.checkGeneration(); err != nil {
		return nil, nil, false, err
	}

	if c.gap <= 0 {
		return nil, nil, false, nil
	}

	c.gap--
	e := c.entries[c.gap]
	return e.key, e.value, true, nil
}

// PeekNext returns the entry Next would move over, without moving.
func (c *Cursor) PeekNext() (key, value []byte, ok bool, err error) {
	if err := c.checkGeneration(); err != nil {
		return nil, nil, false, err
	}

	if c.gap >= len(c.entries) {
		return nil, nil, false, nil
	}

	e := c.entries[c.gap]
	return e.key, e.value, true, nil
}

// PeekPrev returns the entry Prev would move over, without moving.
func (c *Cursor) PeekPrev() (key, value []byte, ok bool, err error) {
	if err := c.checkGeneration(); err != nil {
		return nil, nil, false, err
	}

	if c.gap <= 0 {
		return nil, nil, false, nil
	}

	e := c.entries[c.gap-1]
	return e.key, e.value, true, nil
}
