package pagestore

import "sync"

import lru "github.com/hashicorp/golang-lru/v2"

// frame is one cached page's in-memory state: its bytes, whether they
// diverge from what's on disk, and how many outstanding handles reference it.
type frame struct {
	id    PageID
	data  []byte
	dirty bool
	pins  int
}

// loader fetches a page's bytes from durable storage on a cache miss.
type loader func(id PageID) ([]byte, error)

// writeThrough persists one dirty frame's bytes to durable storage. Called
// by the pool when an unpinned dirty frame is evicted under pressure.
type writeThrough func(id PageID, data []byte) error

// bufferPool is the store's page cache. Pinned frames are held in a plain
// map, entirely outside the LRU's eviction domain — this is what guarantees
// "a pinned frame is never evicted" without fighting the LRU's own
// replacement policy. Once a frame's pin count drops to zero it moves into
// the LRU-managed set and becomes a normal eviction candidate again.
type bufferPool struct {
	mu         sync.Mutex
	pinned     map[PageID]*frame
	cache      *lru.Cache[PageID, *frame]
	load       loader
	flush      writeThrough
	discarding bool
}

// newBufferPool constructs a pool holding up to capacity unpinned frames
// before eviction kicks in. Pinned frames are unbounded in count — a tree
// walk pins at most its own height's worth of pages at a time.
func newBufferPool(capacity int, load loader, flush writeThrough) *bufferPool {
	pool := &bufferPool{
		pinned: make(map[PageID]*frame),
		load:   load,
		flush:  flush,
	}

	onEvict := func(id PageID, f *frame) {
		if pool.discarding {
			return
		}

		if f.dirty {
			// Eviction itself has no error channel: a frame whose
			// write-through fails is kept in the pool (outside the LRU,
			// still dirty), so the next Commit re-flushes it and reports
			// the error. The pool's lock is held by whoever triggered this.
			if err := pool.flush(id, f.data); err != nil {
				pool.pinned[id] = f
			}
		}
	}

	cache, err := lru.NewWithEvict[PageID, *frame](maxInt(capacity, 1), onEvict)
	if err != nil {
		// Only invalid (non-positive) sizes cause NewWithEvict to fail, and
		// maxInt above already excludes those.
		panic(err)
	}

	pool.cache = cache
	return pool
}

// acquire pins id, loading it via the pool's loader on a miss, and returns
// its frame. Callers must call release exactly once per acquire.
func (p *bufferPool) acquire(id PageID) (*frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.pinned[id]; ok {
		f.pins++
		return f, nil
	}

	if f, ok := p.cache.Peek(id); ok {
		// Moving a frame into the pinned set is not an eviction: keep the
		// removal from triggering a write-through.
		p.discarding = true
		p.cache.Remove(id)
		p.discarding = false
		f.pins = 1
		p.pinned[id] = f
		return f, nil
	}

	data, err := p.load(id)
	if err != nil {
		return nil, err
	}

	f := &frame{id: id, data: data, pins: 1}
	p.pinned[id] = f
	return f, nil
}

// release unpins id. Once its pin count reaches zero the frame rejoins the
// LRU-managed set and becomes eligible for eviction again.
func (p *bufferPool) release(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.pinned[id]
	if !ok {
		return
	}

	f.pins--
	if f.pins <= 0 {
		delete(p.pinned, id)
		p.cache.Add(id, f)
	}
}

// markDirty flags a pinned frame as diverging from durable storage. Only
// valid while id is pinned, i.e. between acquire and release.
func (p *bufferPool) markDirty(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.pinned[id]; ok {
		f.dirty = true
	}
}

// drop forcibly evicts id from the cache without writing it through,
// regardless of dirty state. Used by Deallocate to prevent a freed page's
// stale content from resurfacing on a later Get.
func (p *bufferPool) drop(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.pinned, id)
	p.discarding = true
	p.cache.Remove(id)
	p.discarding = false
}

// dirtyFrames returns every currently dirty frame, pinned or not, for a
// Commit to flush.
func (p *bufferPool) dirtyFrames() []*frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*frame
	for _, f := range p.pinned {
		if f.dirty {
			out = append(out, f)
		}
	}

	for _, id := range p.cache.Keys() {
		if f, ok := p.cache.Peek(id); ok && f.dirty {
			out = append(out, f)
		}
	}

	return out
}

// clearDirty marks every currently dirty frame clean. Called after a
// successful Commit has flushed them all.
func (p *bufferPool) clearDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.pinned {
		f.dirty = false
	}

	for _, id := range p.cache.Keys() {
		if f, ok := p.cache.Peek(id); ok {
			f.dirty = false
		}
	}
}

// discardAll drops every frame, pinned or not, without writing any of them
// through — the buffer pool's half of Discard.
func (p *bufferPool) discardAll() {
	p.mu.Lock()
	p.discarding = true
	p.pinned = make(map[PageID]*frame)
	p.cache.Purge()
	p.discarding = false
	p.mu.Unlock()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}
