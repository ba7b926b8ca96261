package storage

import (
	"errors"
	"syscall"

	"github.com/hupe1980/docindex/internal/resource"
)

var (
	// ErrNotFound is returned when a document, index or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIndexExists is returned when adding an index whose name is taken.
	ErrIndexExists = errors.New("index already exists")

	// ErrInvalidKey is returned for document keys or index names that are empty
	// or contain a NUL byte.
	ErrInvalidKey = errors.New("invalid key")

	// ErrClosed is returned when the storage is used after Close.
	ErrClosed = errors.New("storage closed")

	// ErrOutOfMemory is the storage engine's out-of-memory condition.
	ErrOutOfMemory = errors.New("storage out of memory")
)

// IsOutOfMemory reports whether err, or any error it wraps or joins, signals
// memory exhaustion: the storage engine code, an exceeded memory budget, or
// ENOMEM from the operating system.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrOutOfMemory) ||
		errors.Is(err, resource.ErrMemoryLimitExceeded) ||
		errors.Is(err, syscall.ENOMEM)
}
