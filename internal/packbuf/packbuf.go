// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package packbuf implements the seekable byte buffer used to serialize
// controller state and info responses. Integers are big endian; strings
// carry a 32-bit length prefix. Unpack is strict: a short buffer returns
// ErrUnpack rather than partial data.
package packbuf

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrUnpack is returned when the buffer does not hold the expected data.
var ErrUnpack = errors.New("packbuf: unpack error")

// maxStrLen bounds unpacked string lengths to catch corrupt buffers
// before allocation.
const maxStrLen = 1 << 24

// Buffer is a growable byte buffer with an explicit read/write offset.
type Buffer struct {
	data []byte
	off  int
}

// New returns an empty buffer positioned at offset zero.
func New() *Buffer { return &Buffer{} }

// FromBytes returns a buffer reading from b, positioned at offset zero.
func FromBytes(b []byte) *Buffer { return &Buffer{data: b} }

// Bytes returns the full contents regardless of offset.
func (b *Buffer) Bytes() []byte { return b.data }

// Offset returns the current offset.
func (b *Buffer) Offset() int { return b.off }

// SetOffset repositions the buffer; used to backpatch record counts.
func (b *Buffer) SetOffset(off int) { b.off = off }

func (b *Buffer) write(p []byte) {
	if need := b.off + len(p); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.off:], p)
	b.off += len(p)
}

func (b *Buffer) read(n int) ([]byte, error) {
	if b.off+n > len(b.data) {
		return nil, ErrUnpack
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p, nil
}

// Pack16 appends a uint16.
func (b *Buffer) Pack16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.write(tmp[:])
}

// Pack32 appends a uint32.
func (b *Buffer) Pack32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.write(tmp[:])
}

// Pack64 appends a uint64.
func (b *Buffer) Pack64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.write(tmp[:])
}

// PackBool appends a bool as a uint16, matching the state file layout.
func (b *Buffer) PackBool(v bool) {
	if v {
		b.Pack16(1)
	} else {
		b.Pack16(0)
	}
}

// PackTime appends a timestamp as Unix seconds.
func (b *Buffer) PackTime(t time.Time) {
	if t.IsZero() {
		b.Pack64(0)
		return
	}
	b.Pack64(uint64(t.Unix()))
}

// PackDuration appends a duration as whole seconds.
func (b *Buffer) PackDuration(d time.Duration) {
	b.Pack64(uint64(d / time.Second))
}

// PackStr appends a length-prefixed string.
func (b *Buffer) PackStr(s string) {
	b.Pack32(uint32(len(s)))
	b.write([]byte(s))
}

// PackBytes appends a length-prefixed byte slice.
func (b *Buffer) PackBytes(p []byte) {
	b.Pack32(uint32(len(p)))
	b.write(p)
}

// Unpack16 reads a uint16.
func (b *Buffer) Unpack16() (uint16, error) {
	p, err := b.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// Unpack32 reads a uint32.
func (b *Buffer) Unpack32() (uint32, error) {
	p, err := b.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// Unpack64 reads a uint64.
func (b *Buffer) Unpack64() (uint64, error) {
	p, err := b.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// UnpackBool reads a uint16-encoded bool.
func (b *Buffer) UnpackBool() (bool, error) {
	v, err := b.Unpack16()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// UnpackTime reads a Unix-seconds timestamp.
func (b *Buffer) UnpackTime() (time.Time, error) {
	v, err := b.Unpack64()
	if err != nil {
		return time.Time{}, err
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(v), 0).UTC(), nil
}

// UnpackDuration reads a whole-seconds duration.
func (b *Buffer) UnpackDuration() (time.Duration, error) {
	v, err := b.Unpack64()
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

// UnpackBytes reads a length-prefixed byte slice.
func (b *Buffer) UnpackBytes() ([]byte, error) {
	n, err := b.Unpack32()
	if err != nil {
		return nil, err
	}
	if n > maxStrLen {
		return nil, ErrUnpack
	}
	p, err := b.read(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

// UnpackStr reads a length-prefixed string.
func (b *Buffer) UnpackStr() (string, error) {
	n, err := b.Unpack32()
	if err != nil {
		return "", err
	}
	if n > maxStrLen {
		return "", ErrUnpack
	}
	p, err := b.read(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}
