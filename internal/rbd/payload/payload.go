// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package payload describes the memory carrying data of image and object
// requests. A payload is one of None, *BioList and *PageList. The set is
// closed, other packages cannot add variants.
//
// Slices of a payload are views sharing memory with it. Releasing a view
// never releases the memory of the payload it was cut from.
package payload

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a slice does not fit into the payload.
var ErrOutOfRange = errors.New("payload range out of bounds")

type Payload interface {
	// Number of bytes the payload carries.
	Len() uint64

	// Returns a view of [off, off+length).
	Slice(off, length uint64) (Payload, error)

	// Copies payload bytes starting at off into dst. Returns number of
	// bytes copied.
	CopyTo(dst []byte, off uint64) int

	// Copies src into the payload starting at off. Returns number of
	// bytes copied.
	CopyFrom(src []byte, off uint64) int

	// Zeroes [off, off+length), clipped to the payload.
	Zero(off, length uint64)

	// Releases the memory owned by the payload. The payload must not be
	// used afterwards.
	Release()

	String() string

	// Calls fn for every contiguous segment of [off, off+length), in
	// order. Unexported, so the set of variants stays closed.
	segments(off, length uint64, fn func(seg []byte))
}

func clip(p Payload, off, length uint64) uint64 {
	if off >= p.Len() {
		return 0
	}

	if length > p.Len()-off {
		length = p.Len() - off
	}

	return length
}

func copyTo(p Payload, dst []byte, off uint64) int {
	n := 0
	p.segments(off, clip(p, off, uint64(len(dst))), func(seg []byte) {
		n += copy(dst[n:], seg)
	})

	return n
}

func copyFrom(p Payload, src []byte, off uint64) int {
	n := 0
	p.segments(off, clip(p, off, uint64(len(src))), func(seg []byte) {
		n += copy(seg, src[n:])
	})

	return n
}

func zero(p Payload, off, length uint64) {
	p.segments(off, clip(p, off, length), func(seg []byte) {
		for i := range seg {
			seg[i] = 0
		}
	})
}

func checkRange(p Payload, off, length uint64) error {
	if off > p.Len() || length > p.Len()-off {
		return fmt.Errorf("%d~%d of %v: %w", off, length, p, ErrOutOfRange)
	}

	return nil
}

// Contiguous returns the content of the payload when it is a single
// segment. The slice is shared with the payload.
func Contiguous(p Payload) ([]byte, bool) {
	var segs [][]byte
	p.segments(0, p.Len(), func(seg []byte) {
		segs = append(segs, seg)
	})

	if len(segs) != 1 {
		return nil, false
	}

	return segs[0], true
}

// Bytes returns content of the payload as one slice. The slice is shared
// with the payload when it is contiguous, otherwise it is a copy.
func Bytes(p Payload) []byte {
	if p.Len() == 0 {
		return nil
	}

	if seg, ok := Contiguous(p); ok {
		return seg
	}

	buf := make([]byte, p.Len())
	p.CopyTo(buf, 0)

	return buf
}

// None carries no data. It is used by requests like stat.
type None struct{}

func (None) Len() uint64 { return 0 }

func (n None) Slice(off, length uint64) (Payload, error) {
	if err := checkRange(n, off, length); err != nil {
		return nil, err
	}

	return n, nil
}

func (None) CopyTo(dst []byte, off uint64) int   { return 0 }
func (None) CopyFrom(src []byte, off uint64) int { return 0 }
func (None) Zero(off, length uint64)             {}
func (None) Release()                            {}
func (None) String() string                      { return "none" }

func (None) segments(off, length uint64, fn func(seg []byte)) {}
