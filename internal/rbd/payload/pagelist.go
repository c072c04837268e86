// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package payload

import (
	"fmt"
	"sync"
)

const PageSize = 4096

var pages = sync.Pool{
	New: func() interface{} {
		return new([PageSize]byte)
	},
}

// PageList is a vector of pages owned by the engine. It is used for data
// which has no caller memory behind it, like parent data fetched for a
// copy-up.
type PageList struct {
	pages  []*[PageSize]byte
	off    uint64
	length uint64
	owner  bool
}

// NewPageList allocates zeroed pages covering length bytes.
func NewPageList(length uint64) *PageList {
	n := (length + PageSize - 1) / PageSize
	l := &PageList{
		pages:  make([]*[PageSize]byte, n),
		length: length,
		owner:  true,
	}

	for i := range l.pages {
		p := pages.Get().(*[PageSize]byte)
		*p = [PageSize]byte{}
		l.pages[i] = p
	}

	return l
}

func (l *PageList) Len() uint64 {
	return l.length
}

// Number of pages the list spans.
func (l *PageList) Pages() int {
	return len(l.pages)
}

func (l *PageList) segments(off, length uint64, fn func(seg []byte)) {
	off += l.off
	for i := off / PageSize; length > 0 && i < uint64(len(l.pages)); i++ {
		seg := l.pages[i][off%PageSize:]
		if uint64(len(seg)) > length {
			seg = seg[:length]
		}
		fn(seg)

		length -= uint64(len(seg))
		off += uint64(len(seg))
	}
}

// Returns a view of the range. The view does not own the pages.
func (l *PageList) Slice(off, length uint64) (Payload, error) {
	if err := checkRange(l, off, length); err != nil {
		return nil, err
	}

	start := (l.off + off) / PageSize
	end := (l.off + off + length + PageSize - 1) / PageSize

	return &PageList{
		pages:  l.pages[start:end],
		off:    (l.off + off) % PageSize,
		length: length,
	}, nil
}

func (l *PageList) CopyTo(dst []byte, off uint64) int {
	return copyTo(l, dst, off)
}

func (l *PageList) CopyFrom(src []byte, off uint64) int {
	return copyFrom(l, src, off)
}

func (l *PageList) Zero(off, length uint64) {
	zero(l, off, length)
}

// Returns the pages to the pool, if the list owns them.
func (l *PageList) Release() {
	if l.owner {
		for _, p := range l.pages {
			pages.Put(p)
		}
	}
	l.pages = nil
	l.length = 0
}

func (l *PageList) String() string {
	return fmt.Sprintf("pages %d/%d+%d", len(l.pages), l.off, l.length)
}
