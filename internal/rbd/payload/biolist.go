// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package payload

import "fmt"

// Bio is one segment of caller memory.
type Bio struct {
	Data []byte
	Next *Bio
}

// BioList is a chain of bios referencing memory of the caller. Slicing
// clones the covered part of the chain, the clone points to the same memory.
type BioList struct {
	head   *Bio
	length uint64
}

// NewBioList chains the buffers in order.
func NewBioList(bufs ...[]byte) *BioList {
	l := &BioList{}

	var tail *Bio
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}

		bio := &Bio{Data: b}
		if tail == nil {
			l.head = bio
		} else {
			tail.Next = bio
		}
		tail = bio
		l.length += uint64(len(b))
	}

	return l
}

func (l *BioList) Len() uint64 {
	return l.length
}

func (l *BioList) Head() *Bio {
	return l.head
}

func (l *BioList) segments(off, length uint64, fn func(seg []byte)) {
	for bio := l.head; bio != nil && length > 0; bio = bio.Next {
		n := uint64(len(bio.Data))
		if off >= n {
			off -= n
			continue
		}

		seg := bio.Data[off:]
		if uint64(len(seg)) > length {
			seg = seg[:length]
		}
		fn(seg)

		length -= uint64(len(seg))
		off = 0
	}
}

func (l *BioList) Slice(off, length uint64) (Payload, error) {
	if err := checkRange(l, off, length); err != nil {
		return nil, err
	}

	var bufs [][]byte
	l.segments(off, length, func(seg []byte) {
		bufs = append(bufs, seg)
	})

	return NewBioList(bufs...), nil
}

func (l *BioList) CopyTo(dst []byte, off uint64) int {
	return copyTo(l, dst, off)
}

func (l *BioList) CopyFrom(src []byte, off uint64) int {
	return copyFrom(l, src, off)
}

func (l *BioList) Zero(off, length uint64) {
	zero(l, off, length)
}

// Unlinks the chain bio by bio. The memory belongs to the caller and stays
// untouched.
func (l *BioList) Release() {
	for bio := l.head; bio != nil; {
		next := bio.Next
		bio.Next = nil
		bio.Data = nil
		bio = next
	}
	l.head = nil
	l.length = 0
}

func (l *BioList) String() string {
	n := 0
	for bio := l.head; bio != nil; bio = bio.Next {
		n++
	}

	return fmt.Sprintf("bios %d/%d", n, l.length)
}
