package pagestore

import "encoding/binary"
import "errors"
import "hash/crc32"
import "sync"

import "github.com/sirgallo/prollytree/vfs"

var superblockMagic = [8]byte{'P', 'R', 'L', 'Y', 'T', 'R', 'E', '1'}

const superblockVersion uint32 = 1

// superblockSize is the fixed on-disk size of one superblock slot:
// magic[8] | version:u32 | page_size:u32 | freelist_root:u64 | tree_root:u64
// | generation:u64 | content_hash[32] | checksum:u32
const superblockSize = 8 + 4 + 4 + 8 + 8 + 8 + 32 + 4

const contentHashSize = 32

type superblock struct {
	pageSize     uint32
	freelistRoot PageID
	treeRoot     PageID
	generation   uint64
	contentHash  [contentHashSize]byte
}

func (sb *superblock) encode() []byte {
	buf := make([]byte, superblockSize)
	copy(buf[0:8], superblockMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], superblockVersion)
	binary.LittleEndian.PutUint32(buf[12:16], sb.pageSize)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(sb.freelistRoot))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(sb.treeRoot))
	binary.LittleEndian.PutUint64(buf[32:40], sb.generation)
	copy(buf[40:72], sb.contentHash[:])
	checksum := crc32.ChecksumIEEE(buf[:72])
	binary.LittleEndian.PutUint32(buf[72:76], checksum)
	return buf
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	if len(buf) < superblockSize {
		return nil, newError(CorruptFormat, "superblock slot truncated", nil)
	}

	if string(buf[0:8]) != string(superblockMagic[:]) {
		return nil, newError(CorruptFormat, "bad superblock magic", nil)
	}

	if binary.LittleEndian.Uint32(buf[8:12]) != superblockVersion {
		return nil, newError(CorruptFormat, "unsupported superblock version", nil)
	}

	checksum := crc32.ChecksumIEEE(buf[:72])
	if binary.LittleEndian.Uint32(buf[72:76]) != checksum {
		return nil, newError(CorruptFormat, "superblock checksum mismatch", nil)
	}

	sb := &superblock{
		pageSize:     binary.LittleEndian.Uint32(buf[12:16]),
		freelistRoot: PageID(binary.LittleEndian.Uint64(buf[16:24])),
		treeRoot:     PageID(binary.LittleEndian.Uint64(buf[24:32])),
		generation:   binary.LittleEndian.Uint64(buf[32:40]),
	}
	copy(sb.contentHash[:], buf[40:72])
	return sb, nil
}

// committed is a point-in-time snapshot of everything Discard must be able
// to restore: the state as of the last successful Commit (or Open).
type committed struct {
	freePages    []PageID
	freelistRoot PageID
	freelistSize int
	nextPageID   PageID
	treeRoot     PageID
	contentHash  [contentHashSize]byte
	generation   uint64
}

func (c committed) clone() committed {
	out := c
	out.freePages = append([]PageID(nil), c.freePages...)
	return out
}

// Options configures a Store at Open time.
type Options struct {
	// PageSize is the fixed size of every page, including the two
	// superblock slots. Must be at least superblockSize.
	PageSize int
	// CacheCapacity bounds how many unpinned frames the buffer pool holds
	// before evicting. Pinned frames are never bounded by this.
	CacheCapacity int
}

const defaultCacheCapacity = 256

// Store is a page-oriented, crash-safe, append-mostly file: two alternating
// superblock slots at pages 0 and 1, a freelist chain tracking reclaimed
// pages, and everything else addressed by PageID and cached through a
// pinned-aware buffer pool. Commit is the only durability boundary: only
// Commit writes a superblock. Page bytes can reach the underlying file before
// it, though: dirty frames evicted under cache pressure are written through,
// and Vacuum writes its compacted pages directly.
type Store struct {
	mu sync.Mutex

	file     vfs.File
	pageSize int
	pool     *bufferPool

	activeSlot int // which of the two superblock slots is currently valid

	freePages    []PageID
	freelistRoot PageID // head of the on-disk chain as of the last commit
	nextPageID   PageID

	treeRoot    PageID
	contentHash [contentHashSize]byte
	generation  uint64

	writeLocked map[PageID]bool

	last committed

	closed bool
}

// Open opens or creates a page store at path on fs.
func Open(fs vfs.FileSystem, path string, opts Options) (*Store, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 4096
	}

	if opts.PageSize < superblockSize {
		return nil, newError(InvariantViolation, "page size smaller than superblock", nil)
	}

	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = defaultCacheCapacity
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, translateVFSErr(err)
	}

	if err := f.Lock(); err != nil {
		return nil, translateVFSErr(err)
	}

	size, err := f.Size()
	if err != nil {
		return nil, translateVFSErr(err)
	}

	s := &Store{
		file:        f,
		pageSize:    opts.PageSize,
		writeLocked: make(map[PageID]bool),
	}
	s.pool = newBufferPool(opts.CacheCapacity, s.loadPage, s.flushPage)

	if size == 0 {
		if err := s.initFresh(); err != nil {
			return nil, err
		}
	} else {
		if err := s.loadExisting(size); err != nil {
			return nil, err
		}
	}

	s.last = committed{
		freePages:    append([]PageID(nil), s.freePages...),
		freelistRoot: s.freelistRoot,
		nextPageID:   s.nextPageID,
		treeRoot:     s.treeRoot,
		contentHash:  s.contentHash,
		generation:   s.generation,
	}

	return s, nil
}

func (s *Store) initFresh() error {
	s.nextPageID = superblockSlots
	s.treeRoot = NullPageID
	s.freelistRoot = NullPageID
	s.generation = 0

	sb := &superblock{pageSize: uint32(s.pageSize)}
	if err := s.file.WriteAt(0, sb.encode()); err != nil {
		return translateVFSErr(err)
	}

	empty := make([]byte, s.pageSize)
	if err := s.file.WriteAt(int64(s.pageSize), empty); err != nil {
		return translateVFSErr(err)
	}

	if err := s.file.Sync(); err != nil {
		return translateVFSErr(err)
	}

	s.activeSlot = 0
	return nil
}

func (s *Store) loadExisting(size int64) error {
	slot0 := make([]byte, s.pageSize)
	slot1 := make([]byte, s.pageSize)

	err0 := s.file.ReadAt(0, slot0)
	err1 := s.file.ReadAt(int64(s.pageSize), slot1)

	var sb0, sb1 *superblock
	if err0 == nil {
		sb0, _ = decodeSuperblock(slot0)
	}
	if err1 == nil {
		sb1, _ = decodeSuperblock(slot1)
	}

	var chosen *superblock
	switch {
	case sb0 != nil && sb1 != nil:
		if sb1.generation > sb0.generation {
			chosen, s.activeSlot = sb1, 1
		} else {
			chosen, s.activeSlot = sb0, 0
		}
	case sb0 != nil:
		chosen, s.activeSlot = sb0, 0
	case sb1 != nil:
		chosen, s.activeSlot = sb1, 1
	default:
		return newError(CorruptFormat, "no valid superblock slot", nil)
	}

	if int(chosen.pageSize) != s.pageSize {
		return newError(CorruptFormat, "page size does not match store file", nil)
	}

	s.treeRoot = chosen.treeRoot
	s.freelistRoot = chosen.freelistRoot
	s.generation = chosen.generation
	s.contentHash = chosen.contentHash
	s.nextPageID = PageID(size / int64(s.pageSize))

	freePages, err := s.walkFreelistChain(chosen.freelistRoot)
	if err != nil {
		return err
	}
	s.freePages = freePages

	return nil
}

func (s *Store) walkFreelistChain(head PageID) ([]PageID, error) {
	var ids []PageID
	for cur := head; cur != NullPageID; {
		buf := make([]byte, s.pageSize)
		if err := s.file.ReadAt(int64(cur)*int64(s.pageSize), buf); err != nil {
			return nil, translateVFSErr(err)
		}

		fp, err := decodeFreelistPage(buf)
		if err != nil {
			return nil, err
		}

		ids = append(ids, fp.ids...)
		cur = fp.next
	}

	return ids, nil
}

// loadPage satisfies the bufferPool's loader contract: read one page's raw
// bytes straight from the file, with no interpretation of its contents.
func (s *Store) loadPage(id PageID) ([]byte, error) {
	offset := int64(id) * int64(s.pageSize)

	size, err := s.file.Size()
	if err != nil {
		return nil, translateVFSErr(err)
	}

	if offset+int64(s.pageSize) > size {
		// Allocated but never written in this session — undefined contents,
		// represented as zero rather than surfacing a spurious I/O error.
		return make([]byte, s.pageSize), nil
	}

	buf := make([]byte, s.pageSize)
	if err := s.file.ReadAt(offset, buf); err != nil {
		return nil, translateVFSErr(err)
	}

	return buf, nil
}

// flushPage writes one frame's bytes straight to the file, used both by
// Commit and by the buffer pool's eviction write-through.
func (s *Store) flushPage(id PageID, data []byte) error {
	return translateVFSErr(s.file.WriteAt(int64(id)*int64(s.pageSize), data))
}

// Page is a pinned, read-only handle onto a page's bytes. The caller must
// call Release when done.
type Page struct {
	ID    PageID
	Bytes []byte
	store *Store
}

// Release unpins the page, allowing it to be evicted again.
func (p *Page) Release() {
	p.store.pool.release(p.ID)
}

// PageMut is a pinned, exclusive, writable handle onto a page's bytes.
// Writes are visible immediately to other in-process readers of this page
// ID; the page is only durable once Commit flushes it. The caller must call
// Release when done, which marks the page dirty.
type PageMut struct {
	ID    PageID
	Bytes []byte
	store *Store
}

// Release marks the page dirty and unpins it.
func (p *PageMut) Release() {
	p.store.mu.Lock()
	delete(p.store.writeLocked, p.ID)
	p.store.mu.Unlock()

	p.store.pool.markDirty(p.ID)
	p.store.pool.release(p.ID)
}

// Get acquires a read-only pinned handle onto id's current bytes.
func (s *Store) Get(id PageID) (*Page, error) {
	if id == NullPageID {
		return nil, newError(InvariantViolation, "get of null page id", nil)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, newError(InvariantViolation, "store is closed", errClosed)
	}

	f, err := s.pool.acquire(id)
	if err != nil {
		return nil, err
	}

	return &Page{ID: id, Bytes: f.data, store: s}, nil
}

// GetMut acquires an exclusive, writable pinned handle onto id. The store
// rejects a second concurrent GetMut of the same page.
func (s *Store) GetMut(id PageID) (*PageMut, error) {
	if id == NullPageID {
		return nil, newError(InvariantViolation, "get_mut of null page id", nil)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, newError(InvariantViolation, "store is closed", errClosed)
	}

	if s.writeLocked[id] {
		s.mu.Unlock()
		return nil, newError(InvariantViolation, "page already has an outstanding writable handle", nil)
	}
	s.writeLocked[id] = true
	s.mu.Unlock()

	f, err := s.pool.acquire(id)
	if err != nil {
		s.mu.Lock()
		delete(s.writeLocked, id)
		s.mu.Unlock()
		return nil, err
	}

	return &PageMut{ID: id, Bytes: f.data, store: s}, nil
}

// Allocate reserves a fresh page ID, preferring a reclaimed one from the
// freelist over extending the file. The returned page's contents are
// undefined until fully overwritten through GetMut.
func (s *Store) Allocate() (PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.freePages); n > 0 {
		id := s.freePages[n-1]
		s.freePages = s.freePages[:n-1]
		return id, nil
	}

	id := s.nextPageID
	s.nextPageID++
	return id, nil
}

// Deallocate returns id to the freelist. Any outstanding handle onto id is
// invalidated: its cached frame is dropped so a later Allocate of the same
// ID never observes stale content through a lingering reference.
func (s *Store) Deallocate(id PageID) error {
	if id == NullPageID {
		return newError(InvariantViolation, "deallocate of null page id", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.freePages = append(s.freePages, id)
	s.pool.drop(id)
	return nil
}

// SetRoot records the tree's current root page and content hash, to be
// persisted by the next Commit.
func (s *Store) SetRoot(id PageID, contentHash [contentHashSize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.treeRoot = id
	s.contentHash = contentHash
}

// Root returns the tree's current root page and content hash.
func (s *Store) Root() (PageID, [contentHashSize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.treeRoot, s.contentHash
}

// PageSize returns the fixed page size this store was opened with.
func (s *Store) PageSize() int {
	return s.pageSize
}

// Commit flushes every dirty frame to the underlying file, rebuilds the
// on-disk freelist chain, and writes a new superblock to the alternate slot
// before syncing. Once Commit returns, the new state survives a crash.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newError(InvariantViolation, "store is closed", errClosed)
	}

	for _, f := range s.pool.dirtyFrames() {
		if err := s.flushPage(f.id, f.data); err != nil {
			return err
		}
	}
	s.pool.clearDirty()

	// The chain pages backing the *previous* commit's freelist are no
	// longer referenced once this commit's superblock lands, so they
	// become reclaimable — but only starting next commit, never this one,
	// which sidesteps the bootstrapping problem of a freelist needing
	// pages drawn from itself to describe itself.
	reclaimed := s.walkChainPageIDs(s.freelistRoot)

	newRoot, newChainPages, err := s.writeFreelistChain(s.freePages)
	if err != nil {
		return err
	}

	sb := &superblock{
		pageSize:     uint32(s.pageSize),
		freelistRoot: newRoot,
		treeRoot:     s.treeRoot,
		generation:   s.generation + 1,
		contentHash:  s.contentHash,
	}

	targetSlot := 1 - s.activeSlot
	if err := s.file.WriteAt(int64(targetSlot)*int64(s.pageSize), sb.encode()); err != nil {
		return translateVFSErr(err)
	}

	if err := s.file.Sync(); err != nil {
		return translateVFSErr(err)
	}

	s.activeSlot = targetSlot
	s.generation++
	s.freelistRoot = newRoot
	s.freePages = append(s.freePages, reclaimed...)
	_ = newChainPages

	s.last = committed{
		freePages:    append([]PageID(nil), s.freePages...),
		freelistRoot: s.freelistRoot,
		nextPageID:   s.nextPageID,
		treeRoot:     s.treeRoot,
		contentHash:  s.contentHash,
		generation:   s.generation,
	}

	return nil
}

// walkChainPageIDs returns the page IDs making up a freelist chain, without
// decoding their payload ID lists (only the chain skeleton is needed).
func (s *Store) walkChainPageIDs(head PageID) []PageID {
	var ids []PageID
	for cur := head; cur != NullPageID; {
		ids = append(ids, cur)

		buf := make([]byte, s.pageSize)
		if err := s.file.ReadAt(int64(cur)*int64(s.pageSize), buf); err != nil {
			break
		}

		fp, err := decodeFreelistPage(buf)
		if err != nil {
			break
		}

		cur = fp.next
	}

	return ids
}

// writeFreelistChain serializes ids into a chain of fresh freelist pages
// (allocated by extending the file directly, never drawing from ids itself)
// and writes them out, returning the new chain's head.
func (s *Store) writeFreelistChain(ids []PageID) (PageID, []PageID, error) {
	if len(ids) == 0 {
		return NullPageID, nil, nil
	}

	perPage := maxFreelistIDs(s.pageSize)
	if perPage == 0 {
		return NullPageID, nil, newError(InvariantViolation, "page size too small for any freelist entries", nil)
	}

	var chunks [][]PageID
	for start := 0; start < len(ids); start += perPage {
		end := start + perPage
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	pageIDs := make([]PageID, len(chunks))
	for i := range chunks {
		pageIDs[i] = s.nextPageID
		s.nextPageID++
	}

	var next PageID = NullPageID
	for i := len(chunks) - 1; i >= 0; i-- {
		fp := &freelistPage{next: next, ids: chunks[i]}
		buf := fp.encode(s.pageSize)
		if err := s.flushPage(pageIDs[i], buf); err != nil {
			return NullPageID, nil, err
		}
		next = pageIDs[i]
	}

	return pageIDs[0], pageIDs, nil
}

// Discard drops every frame the buffer pool holds, pinned or not, without
// writing any of it through, and rewinds in-memory bookkeeping to the state
// as of the last successful Commit (or Open).
func (s *Store) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newError(InvariantViolation, "store is closed", errClosed)
	}

	s.pool.discardAll()
	s.writeLocked = make(map[PageID]bool)

	snap := s.last.clone()
	s.freePages = snap.freePages
	s.freelistRoot = snap.freelistRoot
	s.nextPageID = snap.nextPageID
	s.treeRoot = snap.treeRoot
	s.contentHash = snap.contentHash
	s.generation = snap.generation

	return nil
}

// Vacuum rewrites every live page in postOrder compactly from page 2
// onward, dropping the old freelist chain entirely, and returns the new
// root's page ID plus the number of pages reclaimed. postOrder must list
// every reachable page exactly once with every child preceding its parent
// (the caller, which alone understands page content, is responsible for
// producing this order — pagestore only knows raw bytes and IDs).
//
// rewrite is invoked once per page, in postOrder, with that page's current
// bytes (honoring any not-yet-committed dirty content the buffer pool is
// holding for it, not just what's durable on disk) and a lookup from an old
// ID to its new one. Because postOrder guarantees children are processed
// first, lookup already holds a mapping for every child a given page can
// reference by the time rewrite is called for that page, so rewrite can
// patch any embedded child page references before returning the bytes that
// are actually persisted. A leaf page with no embedded page references can
// simply return data unchanged.
//
// All of postOrder's pages are read before any are written, so a page ID
// that ends up reused as a new, compacted location is never read after
// being overwritten. Every cached frame, for both the old and the newly
// assigned IDs, is dropped once Vacuum finishes, so a subsequent Get sees
// only what was just written, never a stale pre-vacuum frame.
//
// It must be called with no outstanding pinned handles and immediately
// followed by Commit.
func (s *Store) Vacuum(postOrder []PageID, rewrite func(old PageID, data []byte, lookup func(PageID) PageID) ([]byte, error)) (PageID, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(postOrder) == 0 {
		return NullPageID, 0, nil
	}

	raw := make(map[PageID][]byte, len(postOrder))
	for _, old := range postOrder {
		f, err := s.pool.acquire(old)
		if err != nil {
			return NullPageID, 0, err
		}
		buf := make([]byte, s.pageSize)
		copy(buf, f.data)
		s.pool.release(old)
		raw[old] = buf
	}

	remap := make(map[PageID]PageID, len(postOrder))
	lookup := func(id PageID) PageID {
		if id == NullPageID {
			return NullPageID
		}
		return remap[id]
	}

	next := PageID(superblockSlots)
	for _, old := range postOrder {
		rewritten, err := rewrite(old, raw[old], lookup)
		if err != nil {
			return NullPageID, 0, err
		}
		if len(rewritten) != s.pageSize {
			return NullPageID, 0, newError(InvariantViolation, "vacuum rewrite produced wrong page size", nil)
		}

		newID := next
		next++

		if err := s.flushPage(newID, rewritten); err != nil {
			return NullPageID, 0, err
		}

		remap[old] = newID
	}

	reclaimed := int(s.nextPageID) - int(next)
	if reclaimed < 0 {
		reclaimed = 0
	}

	if err := s.file.Truncate(int64(next) * int64(s.pageSize)); err != nil {
		return NullPageID, 0, translateVFSErr(err)
	}

	s.pool.discardAll()

	s.nextPageID = next
	s.freePages = nil
	s.freelistRoot = NullPageID

	newRoot := remap[postOrder[len(postOrder)-1]]
	s.treeRoot = newRoot

	return newRoot, reclaimed, nil
}

// Close releases the advisory lock and closes the underlying file handle.
// The store must not be used afterward.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Unlock(); err != nil {
		return translateVFSErr(err)
	}

	return translateVFSErr(s.file.Close())
}

func translateVFSErr(err error) error {
	if err == nil {
		return nil
	}

	if ve, ok := err.(*Error); ok {
		return ve
	}

	switch {
	case errors.Is(err, vfs.ErrNotFound):
		return newError(NotFound, "vfs", err)
	case errors.Is(err, vfs.ErrLockConflict):
		return newError(LockConflict, "vfs", err)
	default:
		return newError(IoFailure, "vfs", err)
	}
}
