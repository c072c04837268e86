// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/rbd/objectmap"
	"github.com/asch/rbdio/internal/rbd/payload"
)

// Decides how an object request of an image request reaches the store.
// Writes to a clone whose object may still live only in the parent go
// through the existence probe and copy-up. The error is returned only when
// the request was not submitted and not completed.
func (d *Device) submitObject(o *ObjectRequest) error {
	img := o.imgRequest
	assertf(img != nil, "submitting unlinked object request %v as image data", o)

	if !img.write || !img.layered || o.exists() {
		return o.submit(d.client)
	}

	overlap := d.overlap()
	if o.imgOffset-o.offset >= overlap {
		return o.submit(d.client)
	}

	if d.objectMap != nil && d.objectMap.Lookup(o.index) == objectmap.Exists {
		o.markExistence(true)
		return o.submit(d.client)
	}

	if o.existenceKnown() {
		d.parentReadFull(o, overlap)
		return nil
	}

	d.existenceProbe(o)
	return nil
}

// Stats the object of o. The stat request is linked to o, not to the image
// request.
func (d *Device) existenceProbe(o *ObjectRequest) {
	stat := newObjectRequest(&d.stats, o.name, 0, 0, opStat, payload.None{})
	stat.pool = o.pool
	stat.objRequest = o
	stat.callback = d.existenceCallback
	o.get()

	d.stats.existenceProbes.Add(1)
	existenceProbesTotal.Inc()

	err := stat.submit(d.client)
	if err != nil {
		stat.objRequest = nil
	}
	stat.put()

	if err != nil {
		o.fail(err)
		o.put()
	}
}

func (d *Device) existenceCallback(stat *ObjectRequest) {
	o := stat.objRequest
	stat.objRequest = nil

	switch {
	case stat.result == nil:
		o.markExistence(true)
		d.objectExists(o.index)
	case errors.Is(stat.result, objstore.ErrNotFound):
		o.markExistence(false)
	default:
		o.fail(stat.result)
		o.put()
		return
	}

	if err := d.submitObject(o); err != nil {
		o.fail(err)
	}
	o.put()
}

// Reads the whole parent range backing the object of o, clipped to the
// overlap, and then submits o together with the copy-up of that data.
func (d *Device) parentReadFull(o *ObjectRequest, overlap uint64) {
	objStart := o.imgOffset - o.offset
	assertf(objStart < overlap, "full parent read of %v at %d beyond overlap %d", o, objStart, overlap)

	length := min(o.imgRequest.objectSize(), overlap-objStart)
	pages := payload.NewPageList(length)

	child := newImageRequest(d.parent, objStart, length, false, true)
	child.data = pages
	if err := child.fill(pages); err != nil {
		child.put()
		o.fail(err)
		return
	}

	child.objRequest = o
	child.callback = d.parentReadFullCallback
	o.get()

	d.stats.fullParentReads.Add(1)
	fullParentReadsTotal.Inc()

	log.Debug().Str("request", o.String()).Uint64("offset", objStart).Uint64("length", length).Msg("Reading parent for copy-up.")

	child.submit()
}

func (d *Device) parentReadFullCallback(child *ImageRequest) {
	o := child.objRequest
	child.objRequest = nil
	defer o.put()

	if child.result != nil {
		o.fail(child.result)
		return
	}

	// The pages now belong to o and are released with it.
	o.copyup = child.data.(*payload.PageList)
	child.data = nil

	d.stats.copyups.Add(1)
	copyupsTotal.Inc()

	if err := o.submit(d.client); err != nil {
		o.fail(err)
	}
}

// Reads the range of o missing in the clone from the parent. The part beyond
// the overlap is not backed by the parent and stays zero.
func (d *Device) parentRead(o *ObjectRequest, overlap uint64) {
	length := min(o.length, overlap-o.imgOffset)

	view, err := o.payload.Slice(0, length)
	if err != nil {
		o.fail(err)
		return
	}

	child := newImageRequest(d.parent, o.imgOffset, length, false, true)
	child.data = view
	if err := child.fill(view); err != nil {
		child.put()
		o.fail(err)
		return
	}

	child.objRequest = o
	child.callback = d.parentReadCallback
	o.get()

	d.stats.parentReads.Add(1)
	parentReadsTotal.Inc()

	log.Debug().Str("request", o.String()).Uint64("length", length).Msg("Reading parent.")

	child.submit()
}

func (d *Device) parentReadCallback(child *ImageRequest) {
	o := child.objRequest
	child.objRequest = nil
	defer o.put()

	if child.result != nil {
		o.fail(child.result)
		return
	}

	o.result = nil
	o.readDone(min(child.xferred, child.length))
	o.finish()
}

// Records an object known to exist at head.
func (d *Device) objectExists(index uint64) {
	if d.objectMap != nil {
		d.objectMap.Update(index, objectmap.Exists)
	}
}
