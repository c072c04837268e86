// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/cls"
	"github.com/asch/rbdio/internal/rbd/payload"
)

type opKind int

const (
	opStat opKind = iota
	opRead
	opWrite
	opWriteFull
	opCall
	opRemove
)

func (k opKind) String() string {
	switch k {
	case opStat:
		return "stat"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opWriteFull:
		return "writefull"
	case opCall:
		return "call"
	case opRemove:
		return "remove"
	}

	return fmt.Sprintf("op(%d)", int(k))
}

// Object request flags. They are only ever set, never cleared.
const (
	flagImgData uint32 = 1 << iota
	flagDone
	flagExistenceKnown
	flagExists
)

// Value of which for requests not linked to an image request.
const whichNone = -1

// ObjectRequest is one operation on exactly one object. It is either
// standalone, a helper of another object request (objRequest is set) or a
// part of an image request (imgRequest is set and which is its position in
// the image request list).
type ObjectRequest struct {
	name    string
	offset  uint64
	length  uint64
	op      opKind
	payload payload.Payload

	// Read buffer. Shared with the payload when the payload is
	// contiguous, otherwise the data is copied into the payload on
	// completion.
	buf    []byte
	shared bool

	// Class method call.
	class  string
	method string
	in     []byte
	out    []byte

	pool  int64
	snap  objstore.SnapID
	snapc objstore.SnapContext

	// Use the priority lane of the client.
	sync bool

	flags atomic.Uint32

	which      int
	imgRequest *ImageRequest
	imgOffset  uint64
	index      uint64

	objRequest *ObjectRequest

	result  error
	xferred uint64
	version uint64
	stat    objstore.ObjectStat

	// Called on completion. Without callback the completion channel is
	// closed instead.
	callback   func(*ObjectRequest)
	completion chan struct{}

	// Parent data attached for the copy-up write.
	copyup *payload.PageList

	refs  atomic.Int32
	stats *stats
}

// Returns a new standalone request holding one reference.
func newObjectRequest(st *stats, name string, offset, length uint64, op opKind, p payload.Payload) *ObjectRequest {
	o := &ObjectRequest{
		name:    name,
		offset:  offset,
		length:  length,
		op:      op,
		payload: p,
		snap:    objstore.NoSnap,
		which:   whichNone,
		stats:   st,
	}
	o.refs.Store(1)

	if st != nil {
		st.objectRequests.Add(1)
	}
	liveObjectRequests.Inc()

	return o
}

func (o *ObjectRequest) String() string {
	return fmt.Sprintf("%s %s %d~%d", o.op, o.name, o.offset, o.length)
}

func (o *ObjectRequest) get() {
	refs := o.refs.Add(1)
	assertf(refs > 1, "get of destroyed object request %v", o)
}

func (o *ObjectRequest) put() {
	refs := o.refs.Add(-1)
	assertf(refs >= 0, "object request %v put too many times", o)

	if refs == 0 {
		o.destroy()
	}
}

func (o *ObjectRequest) destroy() {
	assertf(o.imgRequest == nil, "destroying object request %v linked to an image request", o)
	assertf(o.which == whichNone, "destroying object request %v with index %d", o, o.which)

	o.payload.Release()
	if o.copyup != nil {
		o.copyup.Release()
		o.copyup = nil
	}

	if o.stats != nil {
		o.stats.objectRequests.Add(-1)
	}
	liveObjectRequests.Dec()
}

// Sets flags f and returns the flags as they were before.
func (o *ObjectRequest) setFlags(f uint32) uint32 {
	for {
		old := o.flags.Load()
		if old&f == f {
			return old
		}

		if o.flags.CompareAndSwap(old, old|f) {
			return old
		}
	}
}

func (o *ObjectRequest) testFlag(f uint32) bool {
	return o.flags.Load()&f != 0
}

func (o *ObjectRequest) setImgData() { o.setFlags(flagImgData) }
func (o *ObjectRequest) isImgData() bool { return o.testFlag(flagImgData) }
func (o *ObjectRequest) isDone() bool { return o.testFlag(flagDone) }
func (o *ObjectRequest) existenceKnown() bool { return o.testFlag(flagExistenceKnown) }
func (o *ObjectRequest) exists() bool { return o.testFlag(flagExists) }

func (o *ObjectRequest) markDone() {
	old := o.setFlags(flagDone)
	assertf(old&flagDone == 0, "object request %v completed twice", o)
}

// Existence is monotonic. Not found after exists comes from a stale reply
// and is ignored. Both flags are set at once, so whoever sees the existence
// known also sees the right exists flag.
func (o *ObjectRequest) markExistence(exists bool) {
	f := flagExistenceKnown
	if exists {
		f |= flagExists
	}
	o.setFlags(f)
}

// Builds the object store request.
func (o *ObjectRequest) request() *objstore.Request {
	r := objstore.NewRequest(o.pool, o.name)
	r.Snap = o.snap
	r.SnapContext = o.snapc

	switch o.op {
	case opStat:
		r.Ops = []*objstore.Op{objstore.StatOp()}
	case opRead:
		o.buf, o.shared = payload.Contiguous(o.payload)
		if !o.shared {
			o.buf = make([]byte, o.length)
		}
		r.Ops = []*objstore.Op{objstore.ReadOp(o.offset, o.buf[:o.length])}
	case opWrite:
		if o.copyup != nil {
			r.Ops = append(r.Ops, objstore.CallOp(cls.Class, "copyup", payload.Bytes(o.copyup)))
		}
		r.Ops = append(r.Ops, objstore.WriteOp(o.offset, payload.Bytes(o.payload)))
	case opWriteFull:
		r.Ops = []*objstore.Op{objstore.WriteFullOp(payload.Bytes(o.payload))}
	case opCall:
		r.Ops = []*objstore.Op{objstore.CallOp(o.class, o.method, o.in)}
	case opRemove:
		r.Ops = []*objstore.Op{objstore.RemoveOp()}
	}

	return r
}

// Hands the request over to the client. The error is returned only when the
// client did not accept the request, the completion is not called then.
func (o *ObjectRequest) submit(c *objstore.Client) error {
	r := o.request()
	r.Callback = o.storeCallback

	o.get()

	submit := c.Submit
	if o.sync {
		submit = c.SubmitPrio
	}

	if err := submit(r); err != nil {
		o.put()
		return fmt.Errorf("submitting %v: %w", o, err)
	}

	label := o.op.String()
	if o.copyup != nil {
		label = "copyup"
	}
	objectRequestsTotal.WithLabelValues(label).Inc()

	return nil
}

// Completion of the object store request. Drops the reference taken by
// submit().
func (o *ObjectRequest) storeCallback(r *objstore.Request) {
	o.result = r.Result
	o.version = r.Version

	switch o.op {
	case opRead:
		o.readCallback(uint64(r.Ops[0].BytesRead))
	case opWrite, opWriteFull:
		o.writeCallback()
	case opStat:
		o.stat = r.Ops[0].Stat
		o.finish()
	case opCall:
		o.out = r.Ops[0].Out
		o.finish()
	default:
		o.finish()
	}

	o.put()
}

func (o *ObjectRequest) readCallback(n uint64) {
	if o.result == nil && !o.shared {
		o.payload.CopyFrom(o.buf[:n], 0)
	}
	o.buf = nil

	if errors.Is(o.result, objstore.ErrNotFound) && o.isImgData() {
		img := o.imgRequest
		if img != nil && img.layered {
			if overlap := img.dev.overlap(); o.imgOffset < overlap {
				img.dev.parentRead(o, overlap)
				return
			}
		}
	}

	o.readDone(n)
	o.finish()
}

// Holes and short reads of image data are zero filled and reported as fully
// transferred.
func (o *ObjectRequest) readDone(n uint64) {
	if !o.isImgData() {
		o.xferred = n
		return
	}

	if errors.Is(o.result, objstore.ErrNotFound) {
		o.result = nil
		n = 0
	}

	if o.result != nil {
		o.xferred = n
		return
	}

	if n < o.length {
		o.payload.Zero(n, o.length-n)
	}
	o.xferred = o.length
}

// There is no such thing as a successful short write.
func (o *ObjectRequest) writeCallback() {
	o.xferred = o.length

	if o.copyup != nil {
		o.copyup.Release()
		o.copyup = nil
	}

	if o.result == nil && o.isImgData() && o.imgRequest != nil {
		o.imgRequest.dev.objectExists(o.index)
	}

	o.finish()
}

// Completes the request with err without talking to the store.
func (o *ObjectRequest) fail(err error) {
	log.Debug().Str("request", o.String()).Err(err).Msg("Object request failed.")

	o.result = err
	o.xferred = 0
	o.finish()
}

// Marks the request done and notifies whoever waits for it. The image
// request is pinned across the callback, so it is not destroyed while the
// aggregation still looks at it.
func (o *ObjectRequest) finish() {
	if img := o.imgRequest; img != nil {
		img.get()
		defer img.put()
	}

	o.markDone()

	if o.callback != nil {
		o.callback(o)
	} else if o.completion != nil {
		close(o.completion)
	}
}

// Blocks until the standalone request completes. It must never be called
// from a completion path.
func (o *ObjectRequest) wait(ctx context.Context) error {
	select {
	case <-o.completion:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
