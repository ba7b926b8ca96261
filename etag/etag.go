// Package etag implements the synchronization clock used by storage and indexing.
//
// An Etag is a 16-byte stamp made of two big-endian halves: the number of times
// the storage has been opened (restarts) and a per-open mutation counter
// (changes). Every document, task and scheduled reduction mutation receives a new
// Etag. Because both halves are big-endian, comparing two etags byte by byte is
// the same as comparing them numerically, which lets the storage layer keep
// etags as sortable keys.
package etag

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the encoded length of an Etag in bytes.
const Size = 16

// ErrInvalid is returned when an etag cannot be decoded.
var ErrInvalid = errors.New("invalid etag")

// Etag is a totally ordered, monotonically assigned mutation stamp.
type Etag [Size]byte

// Empty is the zero etag. It sorts before any assigned etag.
var Empty Etag

// New builds an etag from its two halves.
func New(restarts, changes uint64) Etag {
	var e Etag
	binary.BigEndian.PutUint64(e[:8], restarts)
	binary.BigEndian.PutUint64(e[8:], changes)
	return e
}

// FromBytes decodes an etag from its 16-byte representation.
func FromBytes(b []byte) (Etag, error) {
	if len(b) != Size {
		return Empty, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalid, Size, len(b))
	}
	var e Etag
	copy(e[:], b)
	return e, nil
}

// Parse decodes the string form produced by String.
func Parse(s string) (Etag, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil {
		return Empty, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return FromBytes(raw)
}

// Restarts returns the high half of the etag.
func (e Etag) Restarts() uint64 { return binary.BigEndian.Uint64(e[:8]) }

// Changes returns the low half of the etag.
func (e Etag) Changes() uint64 { return binary.BigEndian.Uint64(e[8:]) }

// Bytes returns a copy of the encoded etag.
func (e Etag) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, e[:])
	return b
}

// IsEmpty reports whether e is the zero etag.
func (e Etag) IsEmpty() bool { return e == Empty }

// Compare compares two etags byte-wise. It returns -1, 0 or +1.
func (e Etag) Compare(other Etag) int { return bytes.Compare(e[:], other[:]) }

// Less reports whether e sorts before other.
func (e Etag) Less(other Etag) bool { return e.Compare(other) < 0 }

// Increment returns e advanced by delta changes. Negative deltas borrow from the
// restarts half. The result saturates at Empty instead of wrapping below zero.
func (e Etag) Increment(delta int64) Etag {
	restarts, changes := e.Restarts(), e.Changes()
	if delta >= 0 {
		d := uint64(delta)
		if changes+d < changes {
			restarts++
		}
		return New(restarts, changes+d)
	}

	d := uint64(-delta)
	if changes >= d {
		return New(restarts, changes-d)
	}
	if restarts == 0 {
		return Empty
	}
	return New(restarts-1, changes-d)
}

// String renders the etag in a GUID-like hex layout.
func (e Etag) String() string {
	h := strings.ToUpper(hex.EncodeToString(e[:]))
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// MarshalText implements encoding.TextMarshaler.
func (e Etag) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Etag) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Min returns the smallest of the given etags, or Empty when none are given.
func Min(etags ...Etag) Etag {
	if len(etags) == 0 {
		return Empty
	}
	m := etags[0]
	for _, e := range etags[1:] {
		if e.Less(m) {
			m = e
		}
	}
	return m
}

// Max returns the largest of the given etags, or Empty when none are given.
func Max(etags ...Etag) Etag {
	var m Etag
	for _, e := range etags {
		if m.Less(e) {
			m = e
		}
	}
	return m
}
