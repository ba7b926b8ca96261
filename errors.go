package docindex

import (
	"errors"
	"fmt"

	"github.com/hupe1980/docindex/storage"
)

var (
	// ErrNotFound is returned when a document, index or result does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIndexExists is returned when creating an index whose name is taken.
	ErrIndexExists = errors.New("index already exists")

	// ErrInvalidKey is returned for empty keys or keys containing a NUL byte.
	ErrInvalidKey = errors.New("invalid key")

	// ErrClosed is returned when the database is used after Close.
	ErrClosed = errors.New("database closed")

	// ErrOutOfMemory is returned when a memory limit was exceeded.
	ErrOutOfMemory = errors.New("out of memory")
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrIndexExists):
		return fmt.Errorf("%w: %w", ErrIndexExists, err)
	case errors.Is(err, storage.ErrInvalidKey):
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	case errors.Is(err, storage.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case storage.IsOutOfMemory(err):
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	return err
}
