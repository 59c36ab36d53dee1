// Package vfs provides the byte-addressable file abstraction that the page
// store is built on. Two backends are provided: a host-backed filesystem
// using real OS files, and an in-memory filesystem used for tests and as an
// ephemeral backend. Both satisfy identical semantics.
package vfs

import "errors"

// Sentinel errors returned by FileSystem and File implementations. Callers
// that need to distinguish error categories should use errors.Is.
var (
	// ErrNotFound is returned when a path or offset range does not exist.
	ErrNotFound = errors.New("vfs: not found")

	// ErrLockConflict is returned when an exclusive lock is unavailable, or
	// when unlock is attempted on a handle that does not hold the lock.
	ErrLockConflict = errors.New("vfs: lock conflict")

	// ErrIO wraps an underlying I/O failure from a host backend.
	ErrIO = errors.New("vfs: io failure")
)

// FileSystem is the main interface the page store uses to interact with
// durable or ephemeral storage. Implementations are a capability set, not an
// inheritance hierarchy: they supply exactly this vocabulary and are
// otherwise opaque.
type FileSystem interface {
	// Open opens the file at path, creating it if it does not exist. Open
	// never truncates an existing file. Multiple concurrent handles to the
	// same path are allowed within a process.
	Open(path string) (File, error)

	// Delete removes the named file. It fails if the file does not exist.
	Delete(path string) error
}

// File is the per-handle interface the page store uses to read, write, and
// lock a single file.
type File interface {
	// Size returns the current length of the file in bytes.
	Size() (int64, error)

	// Truncate sets the file's length to exactly n bytes. When extending,
	// newly exposed bytes read as an implementation-defined fill byte.
	Truncate(n int64) error

	// ReadAt reads len(buf) bytes starting at offset. It fails if the
	// requested range exceeds the current size.
	ReadAt(offset int64, buf []byte) error

	// WriteAt writes buf at offset, extending the file as needed. Any gap
	// between the previous end of file and offset is filled with the same
	// fill byte as Truncate.
	WriteAt(offset int64, buf []byte) error

	// Sync durably flushes any buffered writes.
	Sync() error

	// Lock acquires an advisory exclusive lock, blocking (or failing,
	// depending on the backend) if the lock is already held.
	Lock() error

	// TryLock acquires an advisory exclusive lock without blocking.
	TryLock() error

	// Unlock releases a previously acquired advisory lock. It fails if the
	// handle does not currently hold the lock.
	Unlock() error

	// Close releases any OS resources held by the handle. It does not
	// release the advisory lock — callers must Unlock explicitly.
	Close() error
}
