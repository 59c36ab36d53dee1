package prolly

import "encoding/binary"
import "math"

import "github.com/cespare/xxhash/v2"
import "github.com/zeebo/blake3"

// Policy supplies the two decisions that make a tree's structure a pure
// function of its key set: where node boundaries fall, and how a node's
// content is fingerprinted.
type Policy interface {
	// BoundaryDecision reports whether a node at height, currently holding
	// size entries ending in key, should terminate here. Must be seeded
	// deterministically by (height, key), never by size alone — size only
	// selects a monotonically non-decreasing threshold against that seed.
	BoundaryDecision(height int, key []byte, size int) bool

	// ContentHash fingerprints a node's serialized content.
	ContentHash(data []byte) ContentHash
}

// HashPolicy is the default Policy: boundary decisions are driven by a
// keyed hash of (height, key) compared against a threshold that ramps
// linearly from 0 at MinFanout entries to the maximum possible seed value
// at MaxFanout entries. At or below MinFanout a boundary never fires; at or
// above MaxFanout it always does. Every node therefore holds at most
// MaxFanout entries, and every node except the last one at its level holds
// more than MinFanout (the last one ends where the level's entries run out).
type HashPolicy struct {
	// MinFanout is the fewest entries a non-root node holds before a
	// boundary can fire.
	MinFanout int
	// MaxFanout is the most entries a node holds before a boundary is
	// forced regardless of the hash.
	MaxFanout int
}

// NewHashPolicy constructs a HashPolicy with the given fanout bounds.
func NewHashPolicy(minFanout, maxFanout int) *HashPolicy {
	return &HashPolicy{MinFanout: minFanout, MaxFanout: maxFanout}
}

// DefaultHashPolicy returns a HashPolicy with fanout bounds suited to a
// typical page size, chosen so a handful of entries nearly always fit one
// page (average ~1/(p) node size for a uniform-threshold scheme sits near
// the geometric mean of the two bounds).
func DefaultHashPolicy() *HashPolicy {
	return NewHashPolicy(4, 64)
}

// seed hashes (height, key) with xxhash64, independent of the node's
// current size — this is what makes the boundary a function of content,
// not of insertion history.
func (p *HashPolicy) seed(height int, key []byte) uint64 {
	d := xxhash.New()

	var heightBytes [8]byte
	binary.LittleEndian.PutUint64(heightBytes[:], uint64(height))
	d.Write(heightBytes[:])
	d.Write(key)

	return d.Sum64()
}

// threshold ramps linearly from 0 (size <= MinFanout) to MaxUint64 (size >=
// MaxFanout), so the per-call boundary probability is monotonically
// non-decreasing in size as the contract requires.
func (p *HashPolicy) threshold(size int) uint64 {
	if size <= p.MinFanout {
		return 0
	}

	if size >= p.MaxFanout {
		return math.MaxUint64
	}

	span := float64(p.MaxFanout - p.MinFanout)
	pos := float64(size - p.MinFanout)
	return uint64((pos / span) * float64(math.MaxUint64))
}

// BoundaryDecision implements Policy.
func (p *HashPolicy) BoundaryDecision(height int, key []byte, size int) bool {
	return p.seed(height, key) < p.threshold(size)
}

// ContentHash implements Policy using blake3, a collision-resistant hash
// fast enough to run on every node produced by a rebuild.
func (p *HashPolicy) ContentHash(data []byte) ContentHash {
	return ContentHash(blake3.Sum256(data))
}
