// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/cls"
	"github.com/asch/rbdio/internal/rbd/objectmap"
	"github.com/asch/rbdio/internal/rbd/payload"
)

// Device is a mapped image, either its head or one of its snapshots. Parents
// of clones are devices as well, they are owned by their child and never
// registered.
type Device struct {
	id      int
	cluster objstore.Cluster
	client  *objstore.Client
	md      metadata

	pool      int64
	poolName  string
	imageID   string
	imageName string
	snapName  string

	// Guards header and mapSize. Refresh takes it for writing, the I/O
	// path for reading.
	headerLock sync.RWMutex
	header     Header
	mapSize    uint64

	snapID   objstore.SnapID
	readOnly bool

	// Cleared when the mapped snapshot disappears.
	exists atomic.Bool

	parent        *Device
	parentSpec    cls.Parent
	parentOverlap atomic.Uint64

	// Only for head mappings.
	objectMap *objectmap.Proxy

	// Set once the watch is registered, notifications can come earlier.
	watchLock     sync.Mutex
	watchCookie   string
	notifyTimeout time.Duration
	closed        atomic.Bool
	refreshGroup  singleflight.Group

	stats stats
}

// BlockIO is one image level read or write. Done is called exactly once
// unless Submit returns an error. Consumer, when set, receives per object
// completions in offset order before Done is called.
type BlockIO struct {
	Write    bool
	Offset   uint64
	Length   uint64
	Payload  payload.Payload
	Consumer Consumer
	Done     func(xferred uint64, err error)
}

func (d *Device) String() string {
	name := d.imageName
	if name == "" {
		name = d.imageID
	}

	if d.snapName != "" {
		return fmt.Sprintf("%s/%s@%s", d.poolName, name, d.snapName)
	}

	return fmt.Sprintf("%s/%s", d.poolName, name)
}

// Submit starts the I/O. Errors detected before anything was sent to the
// store are returned, everything after that is reported through Done.
func (d *Device) Submit(bio BlockIO) error {
	if bio.Write && d.readOnly {
		return ErrReadOnly
	}

	if !d.exists.Load() {
		return ErrImageGone
	}

	size := d.Size()
	if bio.Offset > size || bio.Length > size-bio.Offset {
		return fmt.Errorf("%d~%d on %v of size %d: %w", bio.Offset, bio.Length, d, size, ErrOutOfRange)
	}

	if bio.Length == 0 {
		if bio.Done != nil {
			bio.Done(0, nil)
		}
		return nil
	}

	if bio.Payload == nil {
		return fmt.Errorf("%d~%d on %v without payload: %w", bio.Offset, bio.Length, d, objstore.ErrInvalidArgument)
	}

	img := newImageRequest(d, bio.Offset, bio.Length, bio.Write, false)
	img.consumer = bio.Consumer
	if done := bio.Done; done != nil {
		img.callback = func(img *ImageRequest) {
			done(img.xferred, img.result)
		}
	}

	if err := img.fill(bio.Payload); err != nil {
		img.put()
		return err
	}

	img.submit()

	return nil
}

func (d *Device) do(write bool, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("offset %d: %w", off, ErrOutOfRange)
	}

	done := make(chan struct{})
	var n uint64
	var err error

	bio := BlockIO{
		Write:   write,
		Offset:  uint64(off),
		Length:  uint64(len(p)),
		Payload: payload.NewBioList(p),
		Done: func(xferred uint64, e error) {
			n, err = xferred, e
			close(done)
		},
	}

	if err := d.Submit(bio); err != nil {
		return 0, err
	}
	<-done

	return int(n), err
}

// ReadAt implements io.ReaderAt. Holes read as zeroes.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.do(false, p, off)
}

// WriteAt implements io.WriterAt.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.do(true, p, off)
}

// ID is the registry id of the device, parents have none.
func (d *Device) ID() int { return d.id }

func (d *Device) ImageID() string   { return d.imageID }
func (d *Device) ImageName() string { return d.imageName }
func (d *Device) SnapName() string  { return d.snapName }
func (d *Device) ReadOnly() bool    { return d.readOnly }
func (d *Device) Exists() bool      { return d.exists.Load() }
func (d *Device) Parent() *Device   { return d.parent }
func (d *Device) Stats() Stats      { return d.stats.snapshot() }

// Size of the mapped image or snapshot.
func (d *Device) Size() uint64 {
	d.headerLock.RLock()
	defer d.headerLock.RUnlock()

	return d.mapSize
}

// Header returns a copy of the current header.
func (d *Device) Header() Header {
	d.headerLock.RLock()
	defer d.headerLock.RUnlock()

	return d.header.clone()
}

// ParentSpec describes the parent of a clone, Pool is negative otherwise.
func (d *Device) ParentSpec() cls.Parent {
	p := d.parentSpec
	p.Overlap = d.overlap()

	return p
}

func (d *Device) overlap() uint64 {
	return d.parentOverlap.Load()
}

func (d *Device) headerOid() string {
	return cls.HeaderName(d.imageID)
}

// Refresh rereads the header. Concurrent calls share one refresh.
func (d *Device) Refresh(ctx context.Context) error {
	_, err, _ := d.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, d.refresh(ctx)
	})

	return err
}

func (d *Device) refresh(ctx context.Context) error {
	d.stats.refreshes.Add(1)

	err := d.doRefresh(ctx)
	if err != nil {
		headerRefreshesTotal.WithLabelValues("failure").Inc()
		log.Error().Str("device", d.String()).Err(err).Msg("Header refresh failed.")
		return err
	}

	headerRefreshesTotal.WithLabelValues("success").Inc()

	return nil
}

func (d *Device) doRefresh(ctx context.Context) error {
	oid := d.headerOid()

	size, err := d.md.size(ctx, oid, objstore.NoSnap)
	if err != nil {
		return err
	}

	features, err := d.md.features(ctx, oid, objstore.NoSnap)
	if err != nil {
		return err
	}

	var overlap uint64
	if d.parent != nil {
		p, err := d.md.parent(ctx, oid, d.snapID)
		if err != nil {
			return err
		}
		if p.Exists() {
			overlap = p.Overlap
		}
	}

	sc, err := d.md.snapContext(ctx, oid)
	if err != nil {
		return err
	}

	snaps, fetchErr := d.md.snapshots(ctx, oid, sc.Snaps)

	d.headerLock.Lock()
	if fetchErr != nil {
		d.header.Snapshots = nil
		d.headerLock.Unlock()
		return fetchErr
	}

	oldSize := d.header.Size
	d.header.Size = size.Size
	d.header.Features = features.Features
	if d.snapID == objstore.NoSnap {
		d.mapSize = size.Size
	}
	err = d.applySnapContext(sc, snaps)
	objects := d.header.Objects(size.Size)
	d.headerLock.Unlock()

	if err != nil {
		return err
	}

	d.parentOverlap.Store(overlap)

	// Objects past a shrink are removed and can come back as holes, the
	// map cannot tell which entries are still valid.
	if d.objectMap != nil && size.Size != oldSize {
		if size.Size < oldSize {
			d.objectMap.Invalidate()
		}
		d.objectMap.Resize(objects)
	}

	log.Info().Str("device", d.String()).Uint64("size", size.Size).Uint64("overlap", overlap).
		Int("snapshots", len(sc.Snaps)).Msg("Header refreshed.")

	return nil
}

// Notification on the header object. The image changed, refresh and
// acknowledge.
func (d *Device) handleNotify(notifyID uint64, _ []byte) {
	if d.closed.Load() {
		return
	}

	ctx := context.Background()
	if d.notifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.notifyTimeout)
		defer cancel()
	}

	log.Debug().Str("device", d.String()).Uint64("notify", notifyID).Msg("Header changed.")

	d.Refresh(ctx)

	d.watchLock.Lock()
	cookie := d.watchCookie
	d.watchLock.Unlock()

	if cookie != "" {
		d.client.NotifyAck(notifyID, cookie)
	}
}

// Registers the header watch. Only registered devices watch their header.
func (d *Device) watch(ctx context.Context) error {
	d.watchLock.Lock()
	defer d.watchLock.Unlock()

	cookie, err := d.client.Watch(ctx, d.pool, d.headerOid(), d.handleNotify)
	if err != nil {
		return err
	}
	d.watchCookie = cookie

	return nil
}

// Releases everything the device holds. The object map is checkpointed one
// last time.
func (d *Device) close(ctx context.Context) {
	d.closed.Store(true)

	d.watchLock.Lock()
	if d.watchCookie != "" {
		if err := d.client.Unwatch(d.watchCookie); err != nil {
			log.Warn().Str("device", d.String()).Err(err).Msg("Unwatch failed.")
		}
		d.watchCookie = ""
	}
	d.watchLock.Unlock()

	if d.objectMap != nil {
		if err := d.checkpointObjectMap(ctx); err != nil {
			log.Warn().Str("device", d.String()).Err(err).Msg("Final object map checkpoint failed.")
		}
		d.objectMap.Close()
	}

	if d.parent != nil {
		d.parent.close(ctx)
	}
}
