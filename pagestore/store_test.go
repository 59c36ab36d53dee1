package pagestore_test

import "testing"

import "github.com/stretchr/testify/require"

import "github.com/sirgallo/prollytree/pagestore"
import "github.com/sirgallo/prollytree/vfs"

func openStore(t *testing.T, fs vfs.FileSystem, path string) *pagestore.Store {
	t.Helper()

	s, err := pagestore.Open(fs, path, pagestore.Options{PageSize: 256, CacheCapacity: 4})
	require.NoError(t, err)
	return s
}

func TestAllocateGetMutCommitRoundTrip(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")
	defer s.Close()

	id, err := s.Allocate()
	require.NoError(t, err)

	w, err := s.GetMut(id)
	require.NoError(t, err)
	copy(w.Bytes, []byte("hello, page"))
	w.Release()

	require.NoError(t, s.Commit())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, "hello, page", string(p.Bytes[:11]))
	p.Release()
}

func TestDiscardRestoresPreCommitState(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")
	defer s.Close()

	id, err := s.Allocate()
	require.NoError(t, err)
	w, err := s.GetMut(id)
	require.NoError(t, err)
	copy(w.Bytes, []byte("committed"))
	w.Release()
	require.NoError(t, s.Commit())

	w2, err := s.GetMut(id)
	require.NoError(t, err)
	copy(w2.Bytes, []byte("uncommitted-overwrite"))
	w2.Release()

	require.NoError(t, s.Discard())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, "committed", string(p.Bytes[:9]))
	p.Release()
}

func TestDiscardRollsBackAllocationsAndFrees(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")
	defer s.Close()

	first, err := s.Allocate()
	require.NoError(t, err)
	w, err := s.GetMut(first)
	require.NoError(t, err)
	copy(w.Bytes, []byte("first"))
	w.Release()
	require.NoError(t, s.Commit())

	require.NoError(t, s.Deallocate(first))
	_, err = s.Allocate()
	require.NoError(t, err)

	require.NoError(t, s.Discard())

	reallocated, err := s.Allocate()
	require.NoError(t, err)
	require.Equal(t, first+1, reallocated, "discard should undo both the free and the reuse, leaving first in use")
}

func TestReopenObservesCommittedRootAndFreelist(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")

	id, err := s.Allocate()
	require.NoError(t, err)
	w, err := s.GetMut(id)
	require.NoError(t, err)
	copy(w.Bytes, []byte("payload"))
	w.Release()

	var hash [32]byte
	hash[0] = 0xAB
	s.SetRoot(id, hash)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	reopened, err := pagestore.Open(fs, "db", pagestore.Options{PageSize: 256, CacheCapacity: 4})
	require.NoError(t, err)
	defer reopened.Close()

	root, gotHash := reopened.Root()
	require.Equal(t, id, root)
	require.Equal(t, hash, gotHash)

	p, err := reopened.Get(id)
	require.NoError(t, err)
	require.Equal(t, "payload", string(p.Bytes[:7]))
	p.Release()
}

func TestFreelistSurvivesReopenAcrossManyPages(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")

	var allocated []pagestore.PageID
	for i := 0; i < 50; i++ {
		id, err := s.Allocate()
		require.NoError(t, err)
		w, err := s.GetMut(id)
		require.NoError(t, err)
		w.Bytes[0] = byte(i)
		w.Release()
		allocated = append(allocated, id)
	}
	require.NoError(t, s.Commit())

	for _, id := range allocated[:25] {
		require.NoError(t, s.Deallocate(id))
	}
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	reopened, err := pagestore.Open(fs, "db", pagestore.Options{PageSize: 256, CacheCapacity: 4})
	require.NoError(t, err)
	defer reopened.Close()

	seen := make(map[pagestore.PageID]bool)
	for i := 0; i < 25; i++ {
		id, err := reopened.Allocate()
		require.NoError(t, err)
		require.False(t, seen[id], "freelist must not hand out the same reclaimed page twice")
		seen[id] = true
	}
}

func TestGetMutRejectsConcurrentWritableHandle(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")
	defer s.Close()

	id, err := s.Allocate()
	require.NoError(t, err)

	w, err := s.GetMut(id)
	require.NoError(t, err)

	_, err = s.GetMut(id)
	require.Error(t, err)

	w.Release()

	w2, err := s.GetMut(id)
	require.NoError(t, err)
	w2.Release()
}

func TestGetOfNullPageIDFails(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")
	defer s.Close()

	_, err := s.Get(pagestore.NullPageID)
	require.Error(t, err)
}

func TestEvictionUnderPressureWritesDirtyFramesThrough(t *testing.T) {
	fs := vfs.NewMemoryFileSystem()
	s := openStore(t, fs, "db")
	defer s.Close()

	// CacheCapacity is 4; allocate and write far more than that without
	// pinning, forcing eviction to write dirty frames through on its own.
	var ids []pagestore.PageID
	for i := 0; i < 20; i++ {
		id, err := s.Allocate()
		require.NoError(t, err)
		w, err := s.GetMut(id)
		require.NoError(t, err)
		w.Bytes[0] = byte(i + 1)
		w.Release()
		ids = append(ids, id)
	}

	for i, id := range ids {
		p, err := s.Get(id)
		require.NoError(t, err)
		require.Equal(t, byte(i+1), p.Bytes[0])
		p.Release()
	}
}
