package vfs

import "sync"

// fillByte is used to poison newly exposed bytes on extend, in truncate and
// in write-past-end gaps, making uninitialized reads easy to spot in tests.
const fillByte = 0xCC

// fileState is the shared, reference-counted state behind every open handle
// to the same path. Multiple MemoryFile handles to one path observe the same
// bytes and the same lock — this is what lets the lock-conflict tests work
// against a single process.
type fileState struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// MemoryFileSystem is an in-memory FileSystem, used for tests and as an
// ephemeral backend. Each path maps to one reference-counted fileState.
type MemoryFileSystem struct {
	mu    sync.Mutex
	files map[string]*fileState
}

// NewMemoryFileSystem constructs an empty in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{files: make(map[string]*fileState)}
}

// Open implements FileSystem.
func (fs *MemoryFileSystem) Open(path string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, ok := fs.files[path]
	if !ok {
		state = &fileState{}
		fs.files[path] = state
	}

	return &MemoryFile{state: state}, nil
}

// Delete implements FileSystem.
func (fs *MemoryFileSystem) Delete(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.files[path]; !ok {
		return ErrNotFound
	}

	delete(fs.files, path)
	return nil
}

// MemoryFile is a handle onto a fileState shared by every open handle to the
// same path.
type MemoryFile struct {
	state  *fileState
	holder bool
}

// Size implements File.
func (f *MemoryFile) Size() (int64, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	return int64(len(f.state.data)), nil
}

// Truncate implements File.
func (f *MemoryFile) Truncate(n int64) error {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	switch {
	case n < int64(len(f.state.data)):
		f.state.data = f.state.data[:n]
	case n > int64(len(f.state.data)):
		grown := make([]byte, n)
		copy(grown, f.state.data)
		fillRange(grown, len(f.state.data), int(n))
		f.state.data = grown
	}

	return nil
}

// ReadAt implements File.
func (f *MemoryFile) ReadAt(offset int64, buf []byte) error {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	end := offset + int64(len(buf))
	if offset < 0 || end > int64(len(f.state.data)) {
		return ErrNotFound
	}

	copy(buf, f.state.data[offset:end])
	return nil
}

// WriteAt implements File.
func (f *MemoryFile) WriteAt(offset int64, buf []byte) error {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	end := offset + int64(len(buf))
	if end > int64(len(f.state.data)) {
		grown := make([]byte, end)
		copy(grown, f.state.data)
		fillRange(grown, len(f.state.data), int(offset))
		f.state.data = grown
	}

	copy(f.state.data[offset:end], buf)
	return nil
}

// Sync implements File. The in-memory backend has no durability boundary, so
// this is a no-op.
func (f *MemoryFile) Sync() error {
	return nil
}

// Lock implements File. The in-memory backend never blocks: if the lock is
// already held, Lock fails immediately just like TryLock.
func (f *MemoryFile) Lock() error {
	return f.TryLock()
}

// TryLock implements File.
func (f *MemoryFile) TryLock() error {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	if f.state.locked {
		return ErrLockConflict
	}

	f.state.locked = true
	f.holder = true
	return nil
}

// Unlock implements File.
func (f *MemoryFile) Unlock() error {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	if !f.holder {
		return ErrLockConflict
	}

	f.state.locked = false
	f.holder = false
	return nil
}

// Close implements File. The in-memory backend holds no OS resources.
func (f *MemoryFile) Close() error {
	return nil
}

// fillRange poisons data[start:end] with fillByte. Used whenever a gap is
// newly exposed by Truncate or WriteAt past the previous end of file.
func fillRange(data []byte, start, end int) {
	for i := start; i < end; i++ {
		data[i] = fillByte
	}
}
