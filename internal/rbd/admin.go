// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/cls"
)

const (
	DefaultOrder    = 22
	DefaultFeatures = cls.FeatureLayering

	dataPrefix = "rbd_data."
)

// Admin changes images of one pool. Every change of an image header is
// followed by a notification, so mapped devices refresh.
type Admin struct {
	Client *objstore.Client
	Pool   int64

	// Time to wait for watchers to acknowledge a notification. Zero means
	// waiting for as long as the context allows.
	NotifyTimeout time.Duration
}

type CreateOptions struct {
	Size uint64

	// Log2 of the object size, DefaultOrder when zero.
	Order uint8

	// DefaultFeatures when zero.
	Features uint64
}

// ImageInfo describes an image head as stored in its header.
type ImageInfo struct {
	ID           string
	Name         string
	ObjectPrefix string
	Order        uint8
	Size         uint64
	Features     uint64
	Parent       cls.Parent
	Snapshots    []Snapshot
}

func (a *Admin) md() metadata {
	return metadata{client: a.Client, pool: a.Pool}
}

func (a *Admin) notify(ctx context.Context, id string) {
	if a.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.NotifyTimeout)
		defer cancel()
	}

	if err := a.Client.Notify(ctx, a.Pool, cls.HeaderName(id), nil); err != nil {
		log.Warn().Str("image", id).Err(err).Msg("Header change not acknowledged by all watchers.")
	}
}

func newImageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Create makes a new empty image and returns its id.
func (a *Admin) Create(ctx context.Context, name string, o CreateOptions) (string, error) {
	if o.Order == 0 {
		o.Order = DefaultOrder
	}
	if o.Features == 0 {
		o.Features = DefaultFeatures
	}

	md := a.md()
	id := newImageID()

	_, err := md.call(ctx, cls.Directory, "dir_add_image", cls.DirEntry{Name: name, ID: id}.Encode())
	if errors.Is(err, objstore.ErrExists) {
		return "", fmt.Errorf("%s: %w", name, ErrImageExists)
	}
	if err != nil {
		return "", err
	}

	if err := md.writeFull(ctx, cls.IDObjectName(name), objstore.SnapContext{}, []byte(id)); err != nil {
		return "", err
	}

	_, err = md.call(ctx, cls.HeaderName(id), "create", cls.Create{
		Size:         o.Size,
		Order:        o.Order,
		Features:     o.Features,
		ObjectPrefix: dataPrefix + id,
	}.Encode())
	if err != nil {
		return "", err
	}

	log.Info().Str("image", name).Str("id", id).Uint64("size", o.Size).Uint8("order", o.Order).Msg("Image created.")

	return id, nil
}

// List returns all images of the pool ordered by name.
func (a *Admin) List(ctx context.Context) ([]cls.DirEntry, error) {
	out, err := a.md().call(ctx, cls.Directory, "dir_list", nil)
	if err != nil {
		return nil, err
	}

	return cls.DecodeDirList(out)
}

func (a *Admin) Info(ctx context.Context, name string) (ImageInfo, error) {
	md := a.md()

	id, err := md.imageID(ctx, name)
	if err != nil {
		return ImageInfo{}, err
	}
	oid := cls.HeaderName(id)

	info := ImageInfo{ID: id, Name: name}

	if info.ObjectPrefix, err = md.objectPrefix(ctx, oid); err != nil {
		return info, err
	}

	size, err := md.size(ctx, oid, objstore.NoSnap)
	if err != nil {
		return info, err
	}
	info.Size = size.Size
	info.Order = size.Order

	features, err := md.features(ctx, oid, objstore.NoSnap)
	if err != nil {
		return info, err
	}
	info.Features = features.Features

	if info.Parent, err = md.parent(ctx, oid, objstore.NoSnap); err != nil {
		return info, err
	}

	sc, err := md.snapContext(ctx, oid)
	if err != nil {
		return info, err
	}

	snaps, err := md.snapshots(ctx, oid, sc.Snaps)
	if err != nil {
		return info, err
	}

	info.Snapshots, _, err = reconcileSnapshots(nil, sc, snaps)

	return info, err
}

// Resize changes the image size. Objects past the new end are removed and
// the last object is truncated, so growing the image again exposes zeroes.
func (a *Admin) Resize(ctx context.Context, name string, size uint64) error {
	info, err := a.Info(ctx, name)
	if err != nil {
		return err
	}

	md := a.md()
	oid := cls.HeaderName(info.ID)

	if _, err := md.call(ctx, oid, "set_size", new(cls.Encoder).U64(size).Bytes()); err != nil {
		return err
	}

	if size < info.Size {
		if err := a.trim(ctx, info, size); err != nil {
			return err
		}
	}

	log.Info().Str("image", name).Uint64("from", info.Size).Uint64("to", size).Msg("Image resized.")

	a.notify(ctx, info.ID)

	return nil
}

func (a *Admin) trim(ctx context.Context, info ImageInfo, size uint64) error {
	md := a.md()
	h := Header{Order: info.Order}
	objectSize := h.ObjectSize()

	sc, err := md.snapContext(ctx, cls.HeaderName(info.ID))
	if err != nil {
		return err
	}

	for index := h.Objects(size); index < h.Objects(info.Size); index++ {
		err := md.remove(ctx, objectName(info.ObjectPrefix, index), sc)
		if err != nil && !errors.Is(err, objstore.ErrNotFound) {
			return err
		}
	}

	rem := size & (objectSize - 1)
	if rem == 0 {
		return nil
	}

	last := objectName(info.ObjectPrefix, size>>info.Order)
	st, err := md.stat(ctx, last)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if st.Size <= rem {
		return nil
	}

	data, err := md.readExtent(ctx, last, 0, rem)
	if err != nil {
		return err
	}

	return md.writeFull(ctx, last, sc, data)
}

// Fails on clusters which do not preserve snapshot data.
func (a *Admin) checkSnapshots(name string) error {
	if !a.Client.SupportsSnapshots() {
		return fmt.Errorf("%s: %w", name, objstore.ErrSnapshotsUnsupported)
	}

	return nil
}

// CreateSnapshot snapshots the image head and returns the snapshot id.
func (a *Admin) CreateSnapshot(ctx context.Context, name, snap string) (objstore.SnapID, error) {
	if err := a.checkSnapshots(name); err != nil {
		return 0, err
	}

	md := a.md()

	id, err := md.imageID(ctx, name)
	if err != nil {
		return 0, err
	}

	out, err := md.call(ctx, cls.HeaderName(id), "snapshot_add", cls.String(snap))
	if err != nil {
		return 0, err
	}

	d := cls.NewDecoder(out)
	snapID := objstore.SnapID(d.U64())
	if err := d.Err(); err != nil {
		return 0, err
	}

	log.Info().Str("image", name).Str("snap", snap).Uint64("id", uint64(snapID)).Msg("Snapshot created.")

	a.notify(ctx, id)

	return snapID, nil
}

func (a *Admin) RemoveSnapshot(ctx context.Context, name, snap string) error {
	info, err := a.Info(ctx, name)
	if err != nil {
		return err
	}

	h := Header{Snapshots: info.Snapshots}
	s, ok := h.snapshotByName(snap)
	if !ok {
		return fmt.Errorf("%s@%s: %w", name, snap, ErrSnapshotNotFound)
	}

	if _, err := a.md().call(ctx, cls.HeaderName(info.ID), "snapshot_remove", cls.Snap(s.ID)); err != nil {
		return err
	}

	log.Info().Str("image", name).Str("snap", snap).Msg("Snapshot removed.")

	a.notify(ctx, info.ID)

	return nil
}

// Clone creates image child in this pool backed by snapshot snap of image
// parent in parentPool. The child has the size of the snapshot unless
// o.Size is set, the whole snapshot is visible through the overlap.
func (a *Admin) Clone(ctx context.Context, parentPool int64, parent, snap, child string, o CreateOptions) (string, error) {
	if err := a.checkSnapshots(parent); err != nil {
		return "", err
	}

	pa := &Admin{Client: a.Client, Pool: parentPool}

	info, err := pa.Info(ctx, parent)
	if err != nil {
		return "", err
	}

	h := Header{Snapshots: info.Snapshots}
	s, ok := h.snapshotByName(snap)
	if !ok {
		return "", fmt.Errorf("%s@%s: %w", parent, snap, ErrSnapshotNotFound)
	}

	if o.Size == 0 {
		o.Size = s.Size
	}
	if o.Order == 0 {
		o.Order = info.Order
	}
	o.Features |= cls.FeatureLayering

	id, err := a.Create(ctx, child, o)
	if err != nil {
		return "", err
	}

	p := cls.Parent{Pool: parentPool, ImageID: info.ID, Snap: s.ID, Overlap: s.Size}
	if _, err := a.md().call(ctx, cls.HeaderName(id), "set_parent", p.Encode()); err != nil {
		return "", err
	}

	log.Info().Str("image", child).Str("parent", p.String()).Msg("Image cloned.")

	return id, nil
}
