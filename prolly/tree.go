package prolly

import "bytes"
import "sort"

import "github.com/sirgallo/prollytree/pagestore"

// Tree is an ordered bytes-to-bytes map whose structure is a deterministic
// function of its key set and Policy (unicity): any two trees built from
// the same keys under the same Policy are structurally identical, down to
// the root content hash.
//
// Every Insert and Remove rebuilds the tree from its full, current,
// in-order key set rather than patching in place. This trades the O(d)
// amortized cost a convergence-based incremental rebuild would give for a
// construction that is unicity-correct by definition — see DESIGN.md.
type Tree struct {
	store      *pagestore.Store
	policy     Policy
	root       pagestore.PageID
	rootHash   ContentHash
	generation uint64
}

// Open attaches a Tree to store's current root, as recorded in its
// superblock.
func Open(store *pagestore.Store, policy Policy) (*Tree, error) {
	root, hash := store.Root()
	return &Tree{store: store, policy: policy, root: root, rootHash: ContentHash(hash)}, nil
}

// RootHash returns the tree's current root content hash.
func (t *Tree) RootHash() ContentHash {
	return t.rootHash
}

// Generation returns a counter incremented on every structural mutation,
// used to invalidate outstanding Cursors.
func (t *Tree) Generation() uint64 {
	return t.generation
}

func (t *Tree) loadNode(id pagestore.PageID) (*node, error) {
	p, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	defer p.Release()

	return decodeNode(p.Bytes)
}

// Get descends from the root, choosing at each internal node the rightmost
// child whose first key is <= key, then binary-searches the leaf.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if t.root == pagestore.NullPageID {
		return nil, false, nil
	}

	id := t.root
	for {
		n, err := t.loadNode(id)
		if err != nil {
			return nil, false, err
		}

		if n.isLeaf() {
			i := sort.Search(len(n.leafEntries), func(i int) bool {
				return bytes.Compare(n.leafEntries[i].key, key) >= 0
			})
			if i < len(n.leafEntries) && bytes.Equal(n.leafEntries[i].key, key) {
				return n.leafEntries[i].value, true, nil
			}
			return nil, false, nil
		}

		idx := 0
		for i, e := range n.internalEntries {
			if bytes.Compare(e.key, key) <= 0 {
				idx = i
			} else {
				break
			}
		}
		id = n.internalEntries[idx].id
	}
}

// collectAll flattens the entire persisted tree into its in-order leaf
// entries.
func (t *Tree) collectAll() ([]leafEntry, error) {
	if t.root == pagestore.NullPageID {
		return nil, nil
	}

	var out []leafEntry
	if err := t.collectInto(t.root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) collectInto(id pagestore.PageID, out *[]leafEntry) error {
	n, err := t.loadNode(id)
	if err != nil {
		return err
	}

	if n.isLeaf() {
		*out = append(*out, n.leafEntries...)
		return nil
	}

	for _, e := range n.internalEntries {
		if err := t.collectInto(e.id, out); err != nil {
			return err
		}
	}
	return nil
}

// Insert locates key's position in the tree's full key set, splices in
// value, and rebuilds the tree from the resulting entries. It returns
// whether key was already present.
func (t *Tree) Insert(key, value []byte) (bool, error) {
	entries, err := t.collectAll()
	if err != nil {
		return false, err
	}

	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) >= 0
	})

	existed := i < len(entries) && bytes.Equal(entries[i].key, key)
	if existed {
		entries[i] = leafEntry{key: key, value: value}
	} else {
		entries = append(entries, leafEntry{})
		copy(entries[i+1:], entries[i:])
		entries[i] = leafEntry{key: key, value: value}
	}

	return existed, t.rebuild(entries)
}

// Remove deletes key if present and rebuilds the tree from the remaining
// entries. It returns whether key was present.
func (t *Tree) Remove(key []byte) (bool, error) {
	entries, err := t.collectAll()
	if err != nil {
		return false, err
	}

	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) >= 0
	})

	if i >= len(entries) || !bytes.Equal(entries[i].key, key) {
		return false, nil
	}

	entries = append(entries[:i], entries[i+1:]...)
	return true, t.rebuild(entries)
}

// rebuild replaces the tree's entire persisted structure with one built
// fresh from entries, then frees every page the old structure occupied.
func (t *Tree) rebuild(entries []leafEntry) error {
	oldRoot := t.root

	newRoot, newHash, err := t.buildFromEntries(entries)
	if err != nil {
		return err
	}

	if oldRoot != pagestore.NullPageID {
		if err := t.freeSubtree(oldRoot); err != nil {
			return err
		}
	}

	t.root, t.rootHash = newRoot, newHash
	t.generation++
	return nil
}

// buildFromEntries constructs a brand new tree bottom-up from a sorted,
// deduplicated entry list: first partitioning leaves, then repeatedly
// partitioning the level above until exactly one node remains.
func (t *Tree) buildFromEntries(entries []leafEntry) (pagestore.PageID, ContentHash, error) {
	if len(entries) == 0 {
		return pagestore.NullPageID, EmptyHash, nil
	}

	refs, err := t.buildLeafLevel(entries)
	if err != nil {
		return pagestore.NullPageID, EmptyHash, err
	}

	height := 1
	for len(refs) > 1 {
		refs, err = t.buildInternalLevel(refs, height)
		if err != nil {
			return pagestore.NullPageID, EmptyHash, err
		}
		height++
	}

	return refs[0].id, refs[0].hash, nil
}

func (t *Tree) buildLeafLevel(entries []leafEntry) ([]childRef, error) {
	var refs []childRef

	start := 0
	for i := range entries {
		size := i - start + 1
		if t.policy.BoundaryDecision(0, entries[i].key, size) || i == len(entries)-1 {
			segment := entries[start : i+1]
			ref, err := t.persistLeaf(segment)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
			start = i + 1
		}
	}

	return refs, nil
}

func (t *Tree) buildInternalLevel(children []childRef, height int) ([]childRef, error) {
	var refs []childRef

	start := 0
	for i := range children {
		size := i - start + 1
		if t.policy.BoundaryDecision(height, children[i].key, size) || i == len(children)-1 {
			segment := children[start : i+1]
			ref, err := t.persistInternal(segment, height)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
			start = i + 1
		}
	}

	return refs, nil
}

func (t *Tree) persistLeaf(entries []leafEntry) (childRef, error) {
	n := &node{height: 0, leafEntries: entries}
	return t.persistNode(n, entries[0].key)
}

func (t *Tree) persistInternal(children []childRef, height int) (childRef, error) {
	n := &node{height: height, internalEntries: children}
	return t.persistNode(n, children[0].key)
}

func (t *Tree) persistNode(n *node, key []byte) (childRef, error) {
	data, _, err := encodeNode(n, t.store.PageSize())
	if err != nil {
		return childRef{}, err
	}

	hash := t.policy.ContentHash(hashableBytes(n))

	id, err := t.store.Allocate()
	if err != nil {
		return childRef{}, err
	}

	w, err := t.store.GetMut(id)
	if err != nil {
		return childRef{}, err
	}
	copy(w.Bytes, data)
	w.Release()

	return childRef{key: key, id: id, hash: hash}, nil
}

// freeSubtree returns every page of a persisted subtree to the store's
// freelist, children before parents. Every page is located before any is
// freed, so a failed read frees nothing.
func (t *Tree) freeSubtree(id pagestore.PageID) error {
	pages, err := t.reachablePostOrder(id)
	if err != nil {
		return err
	}

	for _, p := range pages {
		if err := t.store.Deallocate(p); err != nil {
			return err
		}
	}
	return nil
}

// Vacuum compacts the underlying store to just the pages this tree's
// current root still reaches, rewriting every internal node's child page
// references to match, and returns the number of pages reclaimed. It must
// be called with no outstanding Cursors and immediately followed by a
// Commit. Unlike other uncommitted mutations, Vacuum is not reverted by
// Discard: pagestore.Store.Vacuum writes the compacted pages into the file
// and truncates it before any Commit.
func (t *Tree) Vacuum() (int, error) {
	if t.root == pagestore.NullPageID {
		return 0, nil
	}

	order, err := t.reachablePostOrder(t.root)
	if err != nil {
		return 0, err
	}

	rewrite := func(old pagestore.PageID, data []byte, lookup func(pagestore.PageID) pagestore.PageID) ([]byte, error) {
		n, err := decodeNode(data)
		if err != nil {
			return nil, err
		}

		if n.isLeaf() {
			return data, nil
		}

		remapped := make([]childRef, len(n.internalEntries))
		for i, e := range n.internalEntries {
			remapped[i] = childRef{key: e.key, id: lookup(e.id), hash: e.hash}
		}

		rewritten, _, err := encodeNode(&node{height: n.height, internalEntries: remapped}, t.store.PageSize())
		if err != nil {
			return nil, err
		}
		return rewritten, nil
	}

	newRoot, reclaimed, err := t.store.Vacuum(order, rewrite)
	if err != nil {
		return 0, err
	}

	t.root = newRoot
	t.generation++
	return reclaimed, nil
}

// reachablePostOrder returns every page reachable from root exactly once,
// with every child preceding its parent — the order pagestore.Store.Vacuum
// requires so that, by the time a parent is rewritten, every child it
// references already has an assigned new page ID.
func (t *Tree) reachablePostOrder(root pagestore.PageID) ([]pagestore.PageID, error) {
	var order []pagestore.PageID
	seen := make(map[pagestore.PageID]bool)

	var walk func(id pagestore.PageID) error
	walk = func(id pagestore.PageID) error {
		if seen[id] {
			return nil
		}
		seen[id] = true

		n, err := t.loadNode(id)
		if err != nil {
			return err
		}

		if !n.isLeaf() {
			for _, e := range n.internalEntries {
				if err := walk(e.id); err != nil {
					return err
				}
			}
		}

		order = append(order, id)
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return order, nil
}

// Commit publishes the tree's current root to the store's superblock and
// durably commits it.
func (t *Tree) Commit() error {
	t.store.SetRoot(t.root, [32]byte(t.rootHash))
	return t.store.Commit()
}

// Discard reverts the store to its last committed state and reloads the
// tree's root from it.
func (t *Tree) Discard() error {
	if err := t.store.Discard(); err != nil {
		return err
	}

	root, hash := t.store.Root()
	t.root, t.rootHash = root, ContentHash(hash)
	t.generation++
	return nil
}
