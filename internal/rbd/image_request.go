// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/rbd/payload"
)

// Consumer receives completions of top level requests piece by piece in
// image offset order, the way a block layer is signaled request by request.
// EndIO is called on a client worker and must not block.
type Consumer interface {
	EndIO(offset, length uint64, errno int)
}

// ImageRequest is one I/O on a contiguous range of the image. It owns the
// list of object requests partitioning the range and aggregates their
// completions in list order.
type ImageRequest struct {
	dev     *Device
	offset  uint64
	length  uint64
	write   bool
	child   bool
	layered bool

	// Pinned at creation, reads use snap and writes use snapc.
	snap   objstore.SnapID
	snapc  objstore.SnapContext
	prefix string
	order  uint8

	objRequests []*ObjectRequest

	// Guards nextCompletion only.
	completionLock sync.Mutex
	nextCompletion int

	// Written by the aggregation, read after the last object request
	// completed.
	result  error
	xferred uint64

	consumer Consumer
	callback func(*ImageRequest)

	// Child requests of the layering engine, the object request waiting
	// for the child and the memory the child reads into.
	objRequest *ObjectRequest
	data       payload.Payload

	refs atomic.Int32
}

// Returns a new image request holding one reference which is dropped when
// the request completes. Metadata needed for splitting is pinned here.
func newImageRequest(d *Device, offset, length uint64, write, child bool) *ImageRequest {
	img := &ImageRequest{
		dev:     d,
		offset:  offset,
		length:  length,
		write:   write,
		child:   child,
		layered: d.parent != nil,
	}

	d.headerLock.RLock()
	img.prefix = d.header.ObjectPrefix
	img.order = d.header.Order
	if write {
		img.snap = objstore.NoSnap
		img.snapc = d.header.SnapContext.Clone()
	} else {
		img.snap = d.snapID
	}
	d.headerLock.RUnlock()

	img.refs.Store(1)
	d.stats.imageRequests.Add(1)
	liveImageRequests.Inc()

	direction, origin := "read", "top"
	if write {
		direction = "write"
	}
	if child {
		origin = "child"
	}
	imageRequestsTotal.WithLabelValues(direction, origin).Inc()

	log.Trace().Str("request", img.String()).Msg("Image request created.")

	return img
}

func (img *ImageRequest) String() string {
	direction := "read"
	if img.write {
		direction = "write"
	}

	return fmt.Sprintf("%s %s %d~%d", img.dev, direction, img.offset, img.length)
}

func (img *ImageRequest) get() {
	refs := img.refs.Add(1)
	assertf(refs > 1, "get of destroyed image request %v", img)
}

func (img *ImageRequest) put() {
	refs := img.refs.Add(-1)
	assertf(refs >= 0, "image request %v put too many times", img)

	if refs == 0 {
		img.destroy()
	}
}

func (img *ImageRequest) destroy() {
	for i := len(img.objRequests) - 1; i >= 0; i-- {
		img.delObjRequest(img.objRequests[i])
	}

	if img.data != nil {
		img.data.Release()
		img.data = nil
	}

	img.dev.stats.imageRequests.Add(-1)
	liveImageRequests.Dec()
}

func (img *ImageRequest) addObjRequest(o *ObjectRequest) {
	assertf(o.which == whichNone && o.imgRequest == nil, "object request %v already linked", o)

	o.which = len(img.objRequests)
	o.imgRequest = img
	img.objRequests = append(img.objRequests, o)
}

// Requests are removed from the tail only, indexes are never reused.
func (img *ImageRequest) delObjRequest(o *ObjectRequest) {
	last := len(img.objRequests) - 1
	assertf(o.which == last && img.objRequests[last] == o,
		"delinking object request %v at %d from %v with %d requests", o, o.which, img, last+1)

	img.objRequests[last] = nil
	img.objRequests = img.objRequests[:last]
	o.which = whichNone
	o.imgRequest = nil
	o.put()
}

func (img *ImageRequest) objectSize() uint64 {
	return uint64(1) << img.order
}

// Splits the request into object requests covering exactly the request range.
// The payload is sliced accordingly. On failure all object requests created
// so far are released.
func (img *ImageRequest) fill(p payload.Payload) error {
	op := opRead
	if img.write {
		op = opWrite
	}

	objectSize := img.objectSize()
	offset := img.offset
	resid := img.length
	var pos uint64

	for resid > 0 {
		index := offset >> img.order
		objOffset := offset & (objectSize - 1)
		length := min(objectSize-objOffset, resid)

		slice, err := p.Slice(pos, length)
		if err != nil {
			img.unwind()
			return fmt.Errorf("splitting %v: %w", img, err)
		}

		o := newObjectRequest(&img.dev.stats, objectName(img.prefix, index), objOffset, length, op, slice)
		o.pool = img.dev.pool
		o.snap = img.snap
		o.snapc = img.snapc
		o.index = index
		o.imgOffset = offset
		o.callback = imgObjCallback
		o.setImgData()
		img.addObjRequest(o)

		offset += length
		pos += length
		resid -= length
	}

	return nil
}

func (img *ImageRequest) unwind() {
	for i := len(img.objRequests) - 1; i >= 0; i-- {
		img.delObjRequest(img.objRequests[i])
	}
}

// Submits all object requests in order. When the client refuses a request,
// it and all requests after it are completed with the error, the ones
// already submitted complete normally. Either way the completion is
// delivered through the callback.
func (img *ImageRequest) submit() {
	img.get()
	defer img.put()

	for i, o := range img.objRequests {
		if err := img.dev.submitObject(o); err != nil {
			log.Debug().Str("request", img.String()).Err(err).Msg("Submission failed.")

			for _, rest := range img.objRequests[i:] {
				rest.fail(err)
			}
			return
		}
	}
}

// Completion of one object request of the image request. Aggregation
// advances only over a contiguous run of done requests, a request done out
// of order waits for its predecessors.
func imgObjCallback(o *ObjectRequest) {
	img := o.imgRequest
	assertf(img != nil, "image callback of unlinked object request %v", o)

	which := o.which
	assertf(which >= 0 && which < len(img.objRequests) && img.objRequests[which] == o,
		"object request %v has bad index %d in %v", o, which, img)
	assertf(o.isDone(), "image callback of pending object request %v", o)

	img.completionLock.Lock()
	if which != img.nextCompletion {
		img.completionLock.Unlock()
		return
	}

	for ; which < len(img.objRequests); which++ {
		or := img.objRequests[which]
		if !or.isDone() {
			break
		}
		img.endObjRequest(or)
	}
	img.nextCompletion = which
	finished := which == len(img.objRequests)
	img.completionLock.Unlock()

	if finished {
		img.complete()
	}
}

// Folds one completed object request into the image request. Called in list
// order under the completion lock.
func (img *ImageRequest) endObjRequest(o *ObjectRequest) {
	if o.result != nil && img.result == nil {
		img.result = o.result
	}

	if img.consumer != nil && !img.child {
		img.consumer.EndIO(o.imgOffset, o.xferred, Errno(o.result))
	}
}

func (img *ImageRequest) complete() {
	if img.result == nil {
		var xferred uint64
		for _, o := range img.objRequests {
			xferred += o.xferred
		}
		img.xferred = xferred
	}

	log.Trace().Str("request", img.String()).Uint64("xferred", img.xferred).Err(img.result).Msg("Image request completed.")

	if img.callback != nil {
		img.callback(img)
	}

	img.put()
}
