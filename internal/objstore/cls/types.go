// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cls

import (
	"fmt"

	"github.com/asch/rbdio/internal/objstore"
)

// Name of the class implemented by this package.
const Class = "rbd"

// Image feature bits.
const (
	FeatureLayering uint64 = 1 << 0
	FeatureStriping uint64 = 1 << 1

	// Features a client must understand to access the image data.
	FeaturesIncompatible = FeatureLayering | FeatureStriping
	FeaturesAll          = FeatureLayering | FeatureStriping
)

// Names of the metadata objects.
const Directory = "rbd_directory"

func HeaderName(imageID string) string {
	return "rbd_header." + imageID
}

func IDObjectName(imageName string) string {
	return "rbd_id." + imageName
}

func ObjectMapName(imageID string) string {
	return "rbd_object_map." + imageID
}

// Snap encodes the input of methods taking only a snapshot id.
func Snap(snap objstore.SnapID) []byte {
	return new(Encoder).U64(uint64(snap)).Bytes()
}

func String(s string) []byte {
	return new(Encoder).Str(s).Bytes()
}

func DecodeString(b []byte) (string, error) {
	d := NewDecoder(b)
	s := d.Str()

	return s, d.Err()
}

type Size struct {
	Order uint8
	Size  uint64
}

func (s Size) Encode() []byte {
	return new(Encoder).U8(s.Order).U64(s.Size).Bytes()
}

func (s *Size) Decode(b []byte) error {
	d := NewDecoder(b)
	s.Order = d.U8()
	s.Size = d.U64()

	return d.Err()
}

type Features struct {
	Features     uint64
	Incompatible uint64
}

func (f Features) Encode() []byte {
	return new(Encoder).U64(f.Features).U64(f.Incompatible).Bytes()
}

func (f *Features) Decode(b []byte) error {
	d := NewDecoder(b)
	f.Features = d.U64()
	f.Incompatible = d.U64()

	return d.Err()
}

// Parent describes the linkage of a clone. Pool is -1 for images without a
// parent.
type Parent struct {
	Pool    int64
	ImageID string
	Snap    objstore.SnapID
	Overlap uint64
}

func (p Parent) Exists() bool {
	return p.Pool >= 0
}

func (p Parent) String() string {
	if !p.Exists() {
		return "none"
	}

	return fmt.Sprintf("%d/%s@%d overlap %d", p.Pool, p.ImageID, p.Snap, p.Overlap)
}

func (p Parent) Encode() []byte {
	return new(Encoder).I64(p.Pool).Str(p.ImageID).U64(uint64(p.Snap)).U64(p.Overlap).Bytes()
}

func (p *Parent) Decode(b []byte) error {
	d := NewDecoder(b)
	p.Pool = d.I64()
	p.ImageID = d.Str()
	p.Snap = objstore.SnapID(d.U64())
	p.Overlap = d.U64()

	return d.Err()
}

type Striping struct {
	Unit  uint64
	Count uint64
}

func (s Striping) Encode() []byte {
	return new(Encoder).U64(s.Unit).U64(s.Count).Bytes()
}

func (s *Striping) Decode(b []byte) error {
	d := NewDecoder(b)
	s.Unit = d.U64()
	s.Count = d.U64()

	return d.Err()
}

func EncodeSnapContext(sc objstore.SnapContext) []byte {
	e := new(Encoder).U64(uint64(sc.Seq)).U32(uint32(len(sc.Snaps)))
	for _, s := range sc.Snaps {
		e.U64(uint64(s))
	}

	return e.Bytes()
}

func DecodeSnapContext(b []byte) (objstore.SnapContext, error) {
	d := NewDecoder(b)
	sc := objstore.SnapContext{Seq: objstore.SnapID(d.U64())}

	n := d.U32()
	if d.Err() != nil || uint64(n)*8 > uint64(len(b)) {
		return sc, ErrMalformed
	}

	sc.Snaps = make([]objstore.SnapID, n)
	for i := range sc.Snaps {
		sc.Snaps[i] = objstore.SnapID(d.U64())
	}

	return sc, d.Err()
}

// Create is the input of the create method.
type Create struct {
	Size         uint64
	Order        uint8
	Features     uint64
	ObjectPrefix string
}

func (c Create) Encode() []byte {
	return new(Encoder).U64(c.Size).U8(c.Order).U64(c.Features).Str(c.ObjectPrefix).Bytes()
}

func (c *Create) Decode(b []byte) error {
	d := NewDecoder(b)
	c.Size = d.U64()
	c.Order = d.U8()
	c.Features = d.U64()
	c.ObjectPrefix = d.Str()

	return d.Err()
}

// Snapshot is the record stored in the header for every snapshot.
type Snapshot struct {
	ID       objstore.SnapID
	Name     string
	Size     uint64
	Features uint64
	Overlap  uint64
}

func (s Snapshot) Encode() []byte {
	return new(Encoder).U64(uint64(s.ID)).Str(s.Name).U64(s.Size).U64(s.Features).U64(s.Overlap).Bytes()
}

func (s *Snapshot) Decode(b []byte) error {
	d := NewDecoder(b)
	s.ID = objstore.SnapID(d.U64())
	s.Name = d.Str()
	s.Size = d.U64()
	s.Features = d.U64()
	s.Overlap = d.U64()

	return d.Err()
}

// DirEntry is the input of dir_add_image.
type DirEntry struct {
	Name string
	ID   string
}

func (e DirEntry) Encode() []byte {
	return new(Encoder).Str(e.Name).Str(e.ID).Bytes()
}

func (e *DirEntry) Decode(b []byte) error {
	d := NewDecoder(b)
	e.Name = d.Str()
	e.ID = d.Str()

	return d.Err()
}

func EncodeDirList(entries []DirEntry) []byte {
	e := new(Encoder).U32(uint32(len(entries)))
	for _, de := range entries {
		e.Str(de.Name).Str(de.ID)
	}

	return e.Bytes()
}

func DecodeDirList(b []byte) ([]DirEntry, error) {
	d := NewDecoder(b)
	n := d.U32()
	if d.Err() != nil || uint64(n)*8 > uint64(len(b)) {
		return nil, ErrMalformed
	}

	entries := make([]DirEntry, n)
	for i := range entries {
		entries[i].Name = d.Str()
		entries[i].ID = d.Str()
	}

	return entries, d.Err()
}
