// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/cls"
)

// Clone chains deeper than this are refused.
const maxParentDepth = 16

// Identifies the image and revision to probe. Images are given by name or
// by id, snapshots by name or by id. Parents are always given by ids.
type imageSpec struct {
	pool      int64
	imageName string
	imageID   string
	snapName  string
	snapID    objstore.SnapID
}

// Reads the image header and builds the device, recursively with all its
// parents. The device is neither registered nor watched.
func probe(ctx context.Context, client *objstore.Client, spec imageSpec, depth int) (*Device, error) {
	if depth > maxParentDepth {
		return nil, fmt.Errorf("image %s: %w", spec.imageID, ErrParentChainTooLong)
	}

	d := &Device{
		client:    client,
		pool:      spec.pool,
		imageID:   spec.imageID,
		imageName: spec.imageName,
		snapID:    objstore.NoSnap,
	}
	d.md = metadata{client: client, pool: spec.pool, stats: &d.stats}
	d.parentSpec.Pool = -1

	poolName, err := client.PoolName(spec.pool)
	if err != nil {
		return nil, err
	}
	d.poolName = poolName

	if d.imageID == "" {
		if d.imageID, err = d.md.imageID(ctx, spec.imageName); err != nil {
			return nil, err
		}
	}

	if d.imageName == "" {
		name, err := d.md.imageName(ctx, d.imageID)
		if err != nil {
			log.Debug().Str("image", d.imageID).Err(err).Msg("Image name not resolved.")
		}
		d.imageName = name
	}

	if err := d.probeHeader(ctx); err != nil {
		return nil, fmt.Errorf("probing %v: %w", d, err)
	}

	if err := d.resolveSnapshot(spec); err != nil {
		return nil, err
	}

	if err := d.probeParent(ctx, depth); err != nil {
		return nil, err
	}

	d.exists.Store(true)

	log.Info().Str("device", d.String()).Str("id", d.imageID).Uint64("size", d.mapSize).
		Uint8("order", d.header.Order).Uint64("features", d.header.Features).Msg("Image probed.")

	return d, nil
}

func (d *Device) probeHeader(ctx context.Context) error {
	oid := d.headerOid()

	prefix, err := d.md.objectPrefix(ctx, oid)
	if errors.Is(err, objstore.ErrNotFound) {
		return fmt.Errorf("%s: %w", oid, ErrImageNotFound)
	}
	if err != nil {
		return err
	}

	size, err := d.md.size(ctx, oid, objstore.NoSnap)
	if err != nil {
		return err
	}

	features, err := d.md.features(ctx, oid, objstore.NoSnap)
	if err != nil {
		return err
	}

	if unsupported := features.Incompatible &^ cls.FeaturesAll; unsupported != 0 {
		return fmt.Errorf("features %#x: %w", unsupported, ErrUnsupportedFeatures)
	}

	h := Header{
		ObjectPrefix: prefix,
		Order:        size.Order,
		Features:     features.Features,
		Size:         size.Size,
	}
	h.StripeUnit = h.ObjectSize()
	h.StripeCount = 1

	if features.Features&cls.FeatureStriping != 0 {
		s, err := d.md.striping(ctx, oid)
		if err != nil {
			return err
		}

		if s.Unit != h.ObjectSize() || s.Count != 1 {
			return fmt.Errorf("stripe unit %d count %d: %w", s.Unit, s.Count, ErrUnsupportedStriping)
		}
	}

	sc, err := d.md.snapContext(ctx, oid)
	if err != nil {
		return err
	}

	snaps, err := d.md.snapshots(ctx, oid, sc.Snaps)
	if err != nil {
		return err
	}

	d.header = h
	d.mapSize = h.Size

	return d.applySnapContext(sc, snaps)
}

func (d *Device) resolveSnapshot(spec imageSpec) error {
	var snap Snapshot
	var ok bool

	switch {
	case spec.snapName != "":
		snap, ok = d.header.snapshotByName(spec.snapName)
	case spec.snapID != objstore.NoSnap:
		snap, ok = d.header.snapshotByID(spec.snapID)
	default:
		return nil
	}

	if !ok {
		return fmt.Errorf("%v@%s: %w", d, spec.snapName, ErrSnapshotNotFound)
	}

	d.snapID = snap.ID
	d.snapName = snap.Name
	d.mapSize = snap.Size
	d.readOnly = true

	return nil
}

func (d *Device) probeParent(ctx context.Context, depth int) error {
	if d.header.Features&cls.FeatureLayering == 0 {
		return nil
	}

	p, err := d.md.parent(ctx, d.headerOid(), d.snapID)
	if err != nil {
		return err
	}

	if !p.Exists() {
		return nil
	}

	parent, err := probe(ctx, d.client, imageSpec{
		pool:    p.Pool,
		imageID: p.ImageID,
		snapID:  p.Snap,
	}, depth+1)
	if err != nil {
		return fmt.Errorf("parent %v of %v: %w", p, d, err)
	}

	d.parent = parent
	d.parentSpec = p
	d.parentOverlap.Store(p.Overlap)

	log.Info().Str("device", d.String()).Str("parent", parent.String()).Uint64("overlap", p.Overlap).Msg("Parent attached.")

	return nil
}
