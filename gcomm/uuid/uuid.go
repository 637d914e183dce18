// Package uuid implements the 128-bit member identifier used throughout
// gcomm: view ids, node table keys, and state-message identities (spec §3).
package uuid

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Size is the wire size of a UUID: 16 bytes.
const Size = 16

// UUID is a 128-bit identifier, compared lexicographically byte-by-byte.
type UUID [Size]byte

// Nil is the distinguished zero value.
var Nil UUID

// New generates a fresh random UUID via the real google/uuid generator —
// the teacher hand-rolls its DaemonID as a random hex string; this module
// reaches for the ecosystem's UUID library instead, same role.
func New() UUID {
	g := uuid.New()
	var u UUID
	copy(u[:], g[:])
	return u
}

// Compare returns -1, 0, 1 lexicographically, matching spec §3's
// "compared lexicographically" rule used by the representative election
// (lowest UUID wins) and by ViewId ordering.
func (u UUID) Compare(o UUID) int {
	for i := 0; i < Size; i++ {
		if u[i] != o[i] {
			if u[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (u UUID) Less(o UUID) bool { return u.Compare(o) < 0 }
func (u UUID) Equal(o UUID) bool { return u == o }
func (u UUID) IsNil() bool       { return u == Nil }

// Short prints the first 4 bytes, hex-encoded (spec §3 "short printing").
func (u UUID) Short() string {
	return fmt.Sprintf("%02x%02x%02x%02x", u[0], u[1], u[2], u[3])
}

// String prints the full 16 bytes, hex-encoded (spec §3 "full printing").
func (u UUID) String() string {
	return fmt.Sprintf("%x", [Size]byte(u))
}

// IncrementIncarnation bumps bytes 8-9 as a big-endian counter, used when a
// node rejoins with the same identity but a new process instance (spec §3).
func (u UUID) IncrementIncarnation() UUID {
	out := u
	incarnation := binary.BigEndian.Uint16(out[8:10])
	incarnation++
	binary.BigEndian.PutUint16(out[8:10], incarnation)
	return out
}

// Bytes returns a copy of the underlying 16 bytes.
func (u UUID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, u[:])
	return b
}

// FromBytes parses a 16-byte slice into a UUID.
func FromBytes(b []byte) (UUID, error) {
	var u UUID
	if len(b) != Size {
		return u, fmt.Errorf("uuid: expected %d bytes, got %d", Size, len(b))
	}
	copy(u[:], b)
	return u, nil
}

// MarshalText renders the full hex form, letting UUID serialize as a
// plain JSON string (and as a map key, via encoding/json's
// TextMarshaler support) instead of a byte array.
func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses the full hex form written by MarshalText.
func (u *UUID) UnmarshalText(text []byte) error {
	if len(text) != Size*2 {
		return fmt.Errorf("uuid: expected %d hex chars, got %d", Size*2, len(text))
	}
	var b [Size]byte
	for i := 0; i < Size; i++ {
		hi, err1 := hexNibble(text[i*2])
		lo, err2 := hexNibble(text[i*2+1])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("uuid: invalid hex at byte %d", i)
		}
		b[i] = hi<<4 | lo
	}
	*u = UUID(b)
	return nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
