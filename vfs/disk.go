package vfs

import "fmt"
import "io"
import "os"

import "github.com/gofrs/flock"

// DiskFileSystem is the host-backed FileSystem, a thin wrapper around the
// operating system's file primitives.
type DiskFileSystem struct{}

// NewDiskFileSystem constructs a host-backed filesystem.
func NewDiskFileSystem() *DiskFileSystem {
	return &DiskFileSystem{}
}

// Open implements FileSystem. It creates the file if absent and never
// truncates an existing one. Every call opens an independent descriptor, so
// multiple handles to the same path observe the OS's native advisory-lock
// semantics rather than sharing in-process state.
func (fs *DiskFileSystem) Open(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return &DiskFile{file: f, lock: flock.New(path)}, nil
}

// Delete implements FileSystem.
func (fs *DiskFileSystem) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}

		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// DiskFile is a handle onto a real OS file, with an independent flock-backed
// advisory lock per handle.
type DiskFile struct {
	file *os.File
	lock *flock.Flock
}

// Size implements File.
func (f *DiskFile) Size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return info.Size(), nil
}

// Truncate implements File.
func (f *DiskFile) Truncate(n int64) error {
	if err := f.file.Truncate(n); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// ReadAt implements File.
func (f *DiskFile) ReadAt(offset int64, buf []byte) error {
	size, sizeErr := f.Size()
	if sizeErr != nil {
		return sizeErr
	}

	if offset < 0 || offset+int64(len(buf)) > size {
		return ErrNotFound
	}

	if _, err := f.file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// WriteAt implements File. Gaps opened up by writing past the current end of
// file are filled with the host OS's native sparse-file zero fill.
func (f *DiskFile) WriteAt(offset int64, buf []byte) error {
	if _, err := f.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// Sync implements File.
func (f *DiskFile) Sync() error {
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// Lock implements File, blocking until the exclusive advisory lock is
// acquired.
func (f *DiskFile) Lock() error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockConflict, err)
	}

	return nil
}

// TryLock implements File, never blocking.
func (f *DiskFile) TryLock() error {
	ok, err := f.lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockConflict, err)
	}

	if !ok {
		return ErrLockConflict
	}

	return nil
}

// Unlock implements File.
func (f *DiskFile) Unlock() error {
	if !f.lock.Locked() {
		return ErrLockConflict
	}

	if err := f.lock.Unlock(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockConflict, err)
	}

	return nil
}

// Close implements File.
func (f *DiskFile) Close() error {
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}
