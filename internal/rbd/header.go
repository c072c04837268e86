// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/cls"
	"github.com/asch/rbdio/internal/rbd/payload"
)

// Number of snapshot descriptions fetched concurrently.
const snapshotFetchers = 8

// Header is the in-memory copy of the image metadata. Fields below Features
// are refreshed from the header object, the rest never changes.
type Header struct {
	ObjectPrefix string
	Order        uint8
	StripeUnit   uint64
	StripeCount  uint64
	Features     uint64

	Size        uint64
	SnapContext objstore.SnapContext

	// Ordered by descending id, like SnapContext.Snaps.
	Snapshots []Snapshot
}

type Snapshot struct {
	ID       objstore.SnapID
	Name     string
	Size     uint64
	Features uint64
}

func (h *Header) ObjectSize() uint64 {
	return uint64(1) << h.Order
}

// Number of objects backing size bytes.
func (h *Header) Objects(size uint64) uint64 {
	return (size + h.ObjectSize() - 1) >> h.Order
}

func (h *Header) snapshotByName(name string) (Snapshot, bool) {
	for _, s := range h.Snapshots {
		if s.Name == name {
			return s, true
		}
	}

	return Snapshot{}, false
}

func (h *Header) snapshotByID(id objstore.SnapID) (Snapshot, bool) {
	for _, s := range h.Snapshots {
		if s.ID == id {
			return s, true
		}
	}

	return Snapshot{}, false
}

// Returns a copy not sharing slices with the original.
func (h *Header) clone() Header {
	c := *h
	c.SnapContext = h.SnapContext.Clone()
	c.Snapshots = append([]Snapshot(nil), h.Snapshots...)

	return c
}

func objectName(prefix string, index uint64) string {
	return fmt.Sprintf("%s.%016x", prefix, index)
}

// metadata issues standalone object requests on one pool and waits for them.
// It is used for setup and refresh, never on the I/O completion path.
type metadata struct {
	client *objstore.Client
	pool   int64
	stats  *stats
}

func (m metadata) newRequest(oid string, op opKind, p payload.Payload) *ObjectRequest {
	o := newObjectRequest(m.stats, oid, 0, p.Len(), op, p)
	o.pool = m.pool
	o.sync = true
	o.completion = make(chan struct{})

	return o
}

// Submits o, waits for it and returns its result. The caller keeps its
// reference.
func (m metadata) run(ctx context.Context, o *ObjectRequest) error {
	if err := o.submit(m.client); err != nil {
		return err
	}

	if err := o.wait(ctx); err != nil {
		return err
	}

	if o.result != nil {
		return fmt.Errorf("%v: %w", o, o.result)
	}

	return nil
}

// Calls class method of the rbd class on object oid.
func (m metadata) call(ctx context.Context, oid, method string, in []byte) ([]byte, error) {
	o := m.newRequest(oid, opCall, payload.None{})
	o.class = cls.Class
	o.method = method
	o.in = in
	defer o.put()

	if err := m.run(ctx, o); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", cls.Class, method, err)
	}

	return o.out, nil
}

// Reads the whole object.
func (m metadata) read(ctx context.Context, oid string) ([]byte, error) {
	st, err := m.stat(ctx, oid)
	if err != nil {
		return nil, err
	}

	if st.Size == 0 {
		return nil, nil
	}

	pages := payload.NewPageList(st.Size)
	o := m.newRequest(oid, opRead, pages)
	defer o.put()

	if err := m.run(ctx, o); err != nil {
		return nil, err
	}

	buf := make([]byte, o.xferred)
	pages.CopyTo(buf, 0)

	return buf, nil
}

// Reads length bytes at offset off of a data object. A missing object reads
// as zeroes.
func (m metadata) readExtent(ctx context.Context, oid string, off, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	o := m.newRequest(oid, opRead, payload.NewBioList(buf))
	o.offset = off
	defer o.put()

	err := m.run(ctx, o)
	if errors.Is(err, objstore.ErrNotFound) {
		return buf, nil
	}

	return buf, err
}

func (m metadata) writeFull(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte) error {
	o := m.newRequest(oid, opWriteFull, payload.NewBioList(data))
	o.snapc = snapc
	defer o.put()

	return m.run(ctx, o)
}

func (m metadata) stat(ctx context.Context, oid string) (objstore.ObjectStat, error) {
	o := m.newRequest(oid, opStat, payload.None{})
	defer o.put()

	if err := m.run(ctx, o); err != nil {
		return objstore.ObjectStat{}, err
	}

	return o.stat, nil
}

func (m metadata) remove(ctx context.Context, oid string, snapc objstore.SnapContext) error {
	o := m.newRequest(oid, opRemove, payload.None{})
	o.snapc = snapc
	defer o.put()

	return m.run(ctx, o)
}

func (m metadata) imageID(ctx context.Context, name string) (string, error) {
	out, err := m.call(ctx, cls.IDObjectName(name), "get_id", nil)
	if errors.Is(err, objstore.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", name, ErrImageNotFound)
	}
	if err != nil {
		return "", err
	}

	return cls.DecodeString(out)
}

func (m metadata) imageName(ctx context.Context, id string) (string, error) {
	out, err := m.call(ctx, cls.Directory, "dir_get_name", cls.String(id))
	if err != nil {
		return "", err
	}

	return cls.DecodeString(out)
}

func (m metadata) objectPrefix(ctx context.Context, oid string) (string, error) {
	out, err := m.call(ctx, oid, "get_object_prefix", nil)
	if err != nil {
		return "", err
	}

	return cls.DecodeString(out)
}

func (m metadata) size(ctx context.Context, oid string, snap objstore.SnapID) (cls.Size, error) {
	var s cls.Size

	out, err := m.call(ctx, oid, "get_size", cls.Snap(snap))
	if err != nil {
		return s, err
	}

	return s, s.Decode(out)
}

func (m metadata) features(ctx context.Context, oid string, snap objstore.SnapID) (cls.Features, error) {
	var f cls.Features

	out, err := m.call(ctx, oid, "get_features", cls.Snap(snap))
	if err != nil {
		return f, err
	}

	return f, f.Decode(out)
}

func (m metadata) striping(ctx context.Context, oid string) (cls.Striping, error) {
	var s cls.Striping

	out, err := m.call(ctx, oid, "get_stripe_unit_count", nil)
	if err != nil {
		return s, err
	}

	return s, s.Decode(out)
}

func (m metadata) parent(ctx context.Context, oid string, snap objstore.SnapID) (cls.Parent, error) {
	var p cls.Parent

	out, err := m.call(ctx, oid, "get_parent", cls.Snap(snap))
	if err != nil {
		return p, err
	}

	return p, p.Decode(out)
}

func (m metadata) snapContext(ctx context.Context, oid string) (objstore.SnapContext, error) {
	out, err := m.call(ctx, oid, "get_snapcontext", nil)
	if err != nil {
		return objstore.SnapContext{}, err
	}

	return cls.DecodeSnapContext(out)
}

func (m metadata) snapshot(ctx context.Context, oid string, id objstore.SnapID) (Snapshot, error) {
	var s cls.Snapshot

	out, err := m.call(ctx, oid, "get_snapshot", cls.Snap(id))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %d: %w", id, err)
	}

	if err := s.Decode(out); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{ID: s.ID, Name: s.Name, Size: s.Size, Features: s.Features}, nil
}

// Fetches descriptions of all snapshots in ids concurrently.
func (m metadata) snapshots(ctx context.Context, oid string, ids []objstore.SnapID) (map[objstore.SnapID]Snapshot, error) {
	var mutex sync.Mutex
	snaps := make(map[objstore.SnapID]Snapshot, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotFetchers)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			s, err := m.snapshot(ctx, oid, id)
			if err != nil {
				return err
			}

			mutex.Lock()
			snaps[id] = s
			mutex.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return snaps, nil
}
