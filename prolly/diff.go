package prolly

import "bytes"

import "github.com/sirgallo/prollytree/pagestore"

// DiffEntry describes one key whose value differs (or is present on only
// one side) between two trees being compared. Left or Right is nil when the
// key is absent on that side.
type DiffEntry struct {
	Key   []byte
	Left  []byte
	Right []byte
}

// Diff walks a and b in lockstep, pruning any pair of subtrees that share a
// content hash, and returns every key where the two trees disagree. a and b
// must share the same Policy for the comparison to be meaningful.
func Diff(a, b *Tree) ([]DiffEntry, error) {
	var out []DiffEntry
	err := diffSubtree(a, a.root, a.rootHash, b, b.root, b.rootHash, &out)
	return out, err
}

func diffSubtree(ta *Tree, idA pagestore.PageID, hashA ContentHash, tb *Tree, idB pagestore.PageID, hashB ContentHash, out *[]DiffEntry) error {
	if hashA == hashB {
		return nil
	}

	if idA == pagestore.NullPageID {
		return emitAll(tb, idB, false, out)
	}
	if idB == pagestore.NullPageID {
		return emitAll(ta, idA, true, out)
	}

	nodeA, err := ta.loadNode(idA)
	if err != nil {
		return err
	}
	nodeB, err := tb.loadNode(idB)
	if err != nil {
		return err
	}

	if nodeA.isLeaf() && nodeB.isLeaf() {
		mergeLeafDiff(nodeA.leafEntries, nodeB.leafEntries, out)
		return nil
	}

	if nodeA.isLeaf() != nodeB.isLeaf() {
		return flattenAndMergeDiff(ta, idA, tb, idB, out)
	}

	return mergeChildrenDiff(ta, nodeA.internalEntries, tb, nodeB.internalEntries, out)
}

// mergeChildrenDiff merge-joins two internal nodes' child lists by key,
// recursing (with hash-pruning) into children present on both sides, and
// emitting whole subtrees present on only one.
func mergeChildrenDiff(ta *Tree, a []childRef, tb *Tree, b []childRef, out *[]DiffEntry) error {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && bytes.Compare(a[i].key, b[j].key) < 0):
			if err := emitAll(ta, a[i].id, true, out); err != nil {
				return err
			}
			i++
		case i >= len(a) || bytes.Compare(b[j].key, a[i].key) < 0:
			if err := emitAll(tb, b[j].id, false, out); err != nil {
				return err
			}
			j++
		default:
			if err := diffSubtree(ta, a[i].id, a[i].hash, tb, b[j].id, b[j].hash, out); err != nil {
				return err
			}
			i++
			j++
		}
	}

	return nil
}

// mergeLeafDiff merge-joins two leaves' entries by key, emitting a
// DiffEntry for every key that is absent on one side or has a differing
// value on both.
func mergeLeafDiff(a, b []leafEntry, out *[]DiffEntry) {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && bytes.Compare(a[i].key, b[j].key) < 0):
			*out = append(*out, DiffEntry{Key: a[i].key, Left: a[i].value})
			i++
		case i >= len(a) || bytes.Compare(b[j].key, a[i].key) < 0:
			*out = append(*out, DiffEntry{Key: b[j].key, Right: b[j].value})
			j++
		default:
			if !bytes.Equal(a[i].value, b[j].value) {
				*out = append(*out, DiffEntry{Key: a[i].key, Left: a[i].value, Right: b[j].value})
			}
			i++
			j++
		}
	}
}

// flattenAndMergeDiff handles the rare case of two subtrees at the same
// logical position having diverged in height (e.g. one side grew an extra
// level of internal nodes): fall back to comparing their fully flattened
// entry lists rather than trying to align mismatched structure directly.
func flattenAndMergeDiff(ta *Tree, idA pagestore.PageID, tb *Tree, idB pagestore.PageID, out *[]DiffEntry) error {
	var a, b []leafEntry
	if err := ta.collectInto(idA, &a); err != nil {
		return err
	}
	if err := tb.collectInto(idB, &b); err != nil {
		return err
	}

	mergeLeafDiff(a, b, out)
	return nil
}

// emitAll walks an entire subtree, emitting every entry as left-only (side
// true) or right-only (side false).
func emitAll(t *Tree, id pagestore.PageID, side bool, out *[]DiffEntry) error {
	var entries []leafEntry
	if err := t.collectInto(id, &entries); err != nil {
		return err
	}

	for _, e := range entries {
		if side {
			*out = append(*out, DiffEntry{Key: e.key, Left: e.value})
		} else {
			*out = append(*out, DiffEntry{Key: e.key, Right: e.value})
		}
	}

	return nil
}
