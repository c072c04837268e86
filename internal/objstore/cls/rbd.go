// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cls implements the "rbd" object class. Its methods run next to the
// header, directory and id objects of images and read or modify the image
// metadata stored in their omaps. The data objects use only the copyup
// method.
//
// The package also exports typed inputs and outputs of the methods, so
// callers never touch the encoding directly.
package cls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/asch/rbdio/internal/objstore"
)

// Keys of the header omap.
const (
	keySize         = "size"
	keyOrder        = "order"
	keyObjectPrefix = "object_prefix"
	keyFeatures     = "features"
	keySnapSeq      = "snap_seq"
	keyStripeUnit   = "stripe_unit"
	keyStripeCount  = "stripe_count"
	keyParent       = "parent"

	snapshotKeyPrefix = "snapshot_"
	snapshotKeyFmt    = snapshotKeyPrefix + "%016x"

	dirNamePrefix = "name_"
	dirIDPrefix   = "id_"
)

const (
	minOrder = 12
	maxOrder = 25
)

func init() {
	for name, m := range map[string]objstore.Method{
		"get_size":              getSize,
		"get_features":          getFeatures,
		"get_object_prefix":     getObjectPrefix,
		"get_parent":            getParent,
		"get_stripe_unit_count": getStripeUnitCount,
		"get_snapcontext":       getSnapContext,
		"get_snapshot_name":     getSnapshotName,
		"get_snapshot":          getSnapshot,
		"get_id":                getID,
		"dir_get_name":          dirGetName,
		"dir_get_id":            dirGetID,
		"dir_list":              dirList,
		"copyup":                copyup,
		"create":                create,
		"set_size":              setSize,
		"snapshot_add":          snapshotAdd,
		"snapshot_remove":       snapshotRemove,
		"set_parent":            setParent,
		"dir_add_image":         dirAddImage,
	} {
		objstore.RegisterMethod(Class, name, m)
	}
}

// header is the decoded header omap.
type header struct {
	size         uint64
	order        uint8
	objectPrefix string
	features     uint64
	seq          objstore.SnapID
	striping     Striping
	parent       Parent
	snapshots    map[objstore.SnapID]Snapshot
}

func u64(b []byte) uint64 {
	return NewDecoder(b).U64()
}

func enc64(v uint64) []byte {
	return new(Encoder).U64(v).Bytes()
}

func loadHeader(ctx context.Context, mc objstore.MethodContext) (*header, error) {
	pairs, err := mc.OmapGet(ctx)
	if err != nil {
		return nil, err
	}

	if _, ok := pairs[keyObjectPrefix]; !ok {
		return nil, fmt.Errorf("%s is not an image header: %w", mc.Oid(), objstore.ErrNotFound)
	}

	h := &header{
		size:         u64(pairs[keySize]),
		objectPrefix: NewDecoder(pairs[keyObjectPrefix]).Str(),
		features:     u64(pairs[keyFeatures]),
		seq:          objstore.SnapID(u64(pairs[keySnapSeq])),
		striping: Striping{
			Unit:  u64(pairs[keyStripeUnit]),
			Count: u64(pairs[keyStripeCount]),
		},
		parent:    Parent{Pool: -1},
		snapshots: make(map[objstore.SnapID]Snapshot),
	}

	if o, ok := pairs[keyOrder]; ok && len(o) > 0 {
		h.order = o[0]
	}

	if p, ok := pairs[keyParent]; ok {
		if err := h.parent.Decode(p); err != nil {
			return nil, err
		}
	}

	for k, v := range pairs {
		if !strings.HasPrefix(k, snapshotKeyPrefix) {
			continue
		}

		var s Snapshot
		if err := s.Decode(v); err != nil {
			return nil, err
		}
		h.snapshots[s.ID] = s
	}

	return h, nil
}

func (h *header) snapshot(snap objstore.SnapID) (Snapshot, error) {
	s, ok := h.snapshots[snap]
	if !ok {
		return s, fmt.Errorf("snapshot %d: %w", snap, objstore.ErrNotFound)
	}

	return s, nil
}

func decodeSnap(in []byte) (objstore.SnapID, error) {
	d := NewDecoder(in)
	snap := objstore.SnapID(d.U64())

	return snap, d.Err()
}

func getSize(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	snap, err := decodeSnap(in)
	if err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	size := h.size
	if snap != objstore.NoSnap {
		s, err := h.snapshot(snap)
		if err != nil {
			return nil, err
		}
		size = s.Size
	}

	return Size{Order: h.order, Size: size}.Encode(), nil
}

func getFeatures(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	snap, err := decodeSnap(in)
	if err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	features := h.features
	if snap != objstore.NoSnap {
		s, err := h.snapshot(snap)
		if err != nil {
			return nil, err
		}
		features = s.Features
	}

	return Features{
		Features:     features,
		Incompatible: features & FeaturesIncompatible,
	}.Encode(), nil
}

func getObjectPrefix(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	return String(h.objectPrefix), nil
}

// The parent linkage is shared by the head and all snapshots, the overlap is
// recorded per snapshot.
func getParent(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	snap, err := decodeSnap(in)
	if err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	p := h.parent
	if snap != objstore.NoSnap && p.Exists() {
		s, err := h.snapshot(snap)
		if err != nil {
			return nil, err
		}
		p.Overlap = s.Overlap
	}

	return p.Encode(), nil
}

func getStripeUnitCount(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	s := h.striping
	if s.Unit == 0 {
		s.Unit = 1 << h.order
	}
	if s.Count == 0 {
		s.Count = 1
	}

	return s.Encode(), nil
}

func getSnapContext(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	sc := objstore.SnapContext{Seq: h.seq}
	for id := range h.snapshots {
		sc.Snaps = append(sc.Snaps, id)
	}
	sort.Slice(sc.Snaps, func(i, j int) bool { return sc.Snaps[i] > sc.Snaps[j] })

	return EncodeSnapContext(sc), nil
}

func getSnapshotName(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	snap, err := decodeSnap(in)
	if err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	s, err := h.snapshot(snap)
	if err != nil {
		return nil, err
	}

	return String(s.Name), nil
}

func getSnapshot(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	snap, err := decodeSnap(in)
	if err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	s, err := h.snapshot(snap)
	if err != nil {
		return nil, err
	}

	return s.Encode(), nil
}

// The id object holds the image id as its data.
func getID(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	st, err := mc.Stat(ctx)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, st.Size)
	n, err := mc.Read(ctx, buf, 0)
	if err != nil {
		return nil, err
	}

	return String(string(buf[:n])), nil
}

func dirLookup(ctx context.Context, mc objstore.MethodContext, key string) ([]byte, error) {
	pairs, err := mc.OmapGet(ctx)
	if err != nil {
		return nil, err
	}

	v, ok := pairs[key]
	if !ok {
		return nil, fmt.Errorf("directory entry %s: %w", key, objstore.ErrNotFound)
	}

	return String(string(v)), nil
}

func dirGetName(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	id, err := DecodeString(in)
	if err != nil {
		return nil, err
	}

	return dirLookup(ctx, mc, dirIDPrefix+id)
}

func dirGetID(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	name, err := DecodeString(in)
	if err != nil {
		return nil, err
	}

	return dirLookup(ctx, mc, dirNamePrefix+name)
}

func dirList(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	pairs, err := mc.OmapGet(ctx)
	if errors.Is(err, objstore.ErrNotFound) {
		return EncodeDirList(nil), nil
	}
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	for k, v := range pairs {
		if strings.HasPrefix(k, dirNamePrefix) {
			entries = append(entries, DirEntry{Name: strings.TrimPrefix(k, dirNamePrefix), ID: string(v)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return EncodeDirList(entries), nil
}

// Writes the parent data into the object unless it already exists. The
// object can come into existence between the existence check of the client
// and the copyup, in that case the newer data must be kept.
func copyup(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	_, err := mc.Stat(ctx)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, objstore.ErrNotFound) {
		return nil, err
	}

	if len(in) == 0 {
		return nil, nil
	}

	return nil, mc.WriteFull(ctx, in)
}

func create(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	var c Create
	if err := c.Decode(in); err != nil {
		return nil, err
	}

	if c.Order < minOrder || c.Order > maxOrder {
		return nil, fmt.Errorf("order %d out of [%d, %d]: %w", c.Order, minOrder, maxOrder, objstore.ErrInvalidArgument)
	}

	if c.ObjectPrefix == "" {
		return nil, fmt.Errorf("empty object prefix: %w", objstore.ErrInvalidArgument)
	}

	if _, err := mc.Stat(ctx); err == nil {
		return nil, fmt.Errorf("%s: %w", mc.Oid(), objstore.ErrExists)
	} else if !errors.Is(err, objstore.ErrNotFound) {
		return nil, err
	}

	return nil, mc.OmapSet(ctx, map[string][]byte{
		keySize:         enc64(c.Size),
		keyOrder:        {c.Order},
		keyObjectPrefix: String(c.ObjectPrefix),
		keyFeatures:     enc64(c.Features),
		keySnapSeq:      enc64(0),
		keyParent:       Parent{Pool: -1}.Encode(),
	})
}

// Shrinking below the parent overlap shrinks the overlap as well, the data
// past the new end is gone for good.
func setSize(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	d := NewDecoder(in)
	size := d.U64()
	if err := d.Err(); err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	pairs := map[string][]byte{keySize: enc64(size)}
	if h.parent.Exists() && h.parent.Overlap > size {
		p := h.parent
		p.Overlap = size
		pairs[keyParent] = p.Encode()
	}

	return nil, mc.OmapSet(ctx, pairs)
}

// Allocates the next snapshot id and records the current size, features and
// parent overlap for it. Returns the new id.
func snapshotAdd(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	name, err := DecodeString(in)
	if err != nil {
		return nil, err
	}

	if name == "" {
		return nil, fmt.Errorf("empty snapshot name: %w", objstore.ErrInvalidArgument)
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	for _, s := range h.snapshots {
		if s.Name == name {
			return nil, fmt.Errorf("snapshot %s: %w", name, objstore.ErrExists)
		}
	}

	s := Snapshot{
		ID:       h.seq + 1,
		Name:     name,
		Size:     h.size,
		Features: h.features,
	}
	if h.parent.Exists() {
		s.Overlap = h.parent.Overlap
	}

	err = mc.OmapSet(ctx, map[string][]byte{
		keySnapSeq:                         enc64(uint64(s.ID)),
		fmt.Sprintf(snapshotKeyFmt, s.ID): s.Encode(),
	})
	if err != nil {
		return nil, err
	}

	return Snap(s.ID), nil
}

func snapshotRemove(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	snap, err := decodeSnap(in)
	if err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	if _, err := h.snapshot(snap); err != nil {
		return nil, err
	}

	return nil, mc.OmapRemove(ctx, []string{fmt.Sprintf(snapshotKeyFmt, snap)})
}

func setParent(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	var p Parent
	if err := p.Decode(in); err != nil {
		return nil, err
	}

	h, err := loadHeader(ctx, mc)
	if err != nil {
		return nil, err
	}

	if h.parent.Exists() {
		return nil, fmt.Errorf("parent of %s: %w", mc.Oid(), objstore.ErrExists)
	}

	if p.Overlap > h.size {
		p.Overlap = h.size
	}

	return nil, mc.OmapSet(ctx, map[string][]byte{
		keyParent:   p.Encode(),
		keyFeatures: enc64(h.features | FeatureLayering),
	})
}

func dirAddImage(ctx context.Context, mc objstore.MethodContext, in []byte) ([]byte, error) {
	var e DirEntry
	if err := e.Decode(in); err != nil {
		return nil, err
	}

	pairs, err := mc.OmapGet(ctx)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return nil, err
	}

	if _, ok := pairs[dirNamePrefix+e.Name]; ok {
		return nil, fmt.Errorf("image %s: %w", e.Name, objstore.ErrExists)
	}

	return nil, mc.OmapSet(ctx, map[string][]byte{
		dirNamePrefix + e.Name: []byte(e.ID),
		dirIDPrefix + e.ID:     []byte(e.Name),
	})
}
