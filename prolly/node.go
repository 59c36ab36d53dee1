// Package prolly implements the content-addressed, policy-driven ordered
// map described by the storage engine: an N-ary search tree whose node
// boundaries are a deterministic function of the key set and a Policy,
// persisted over a pagestore.Store.
package prolly

import "github.com/sirgallo/prollytree/pagestore"

// ContentHash is the collision-resistant fingerprint a Policy produces for
// one node's serialized content.
type ContentHash [32]byte

// EmptyHash is the distinguished content hash of a tree with no entries. It
// is never produced by a Policy's ContentHash — Policy implementations hash
// non-empty serialized content, and the empty tree is represented directly
// by this sentinel plus pagestore.NullPageID, never by an allocated page.
var EmptyHash ContentHash

// leafEntry is one (key, value) pair held directly by a leaf node.
type leafEntry struct {
	key   []byte
	value []byte
}

// childRef is one (key, child) pair held by an internal node, or the
// intermediate result of building one level of the tree: key is always the
// referenced child's own first key, per invariant 2.
type childRef struct {
	key  []byte
	id   pagestore.PageID
	hash ContentHash
}

// node is the in-memory decoded form of one tree page. height == 0 marks a
// leaf; leafEntries is populated for leaves, internalEntries for internal
// nodes, never both.
type node struct {
	height          int
	leafEntries     []leafEntry
	internalEntries []childRef
}

func (n *node) isLeaf() bool {
	return n.height == 0
}

// firstKey returns the key that should appear as this node's entry in its
// parent, per invariant 2 (a node's identity-as-a-child is its leftmost
// entry's key).
func (n *node) firstKey() []byte {
	if n.isLeaf() {
		return n.leafEntries[0].key
	}

	return n.internalEntries[0].key
}

func (n *node) entryCount() int {
	if n.isLeaf() {
		return len(n.leafEntries)
	}

	return len(n.internalEntries)
}
