// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objstore is the client side of the object storage. It accepts
// compound requests targeting exactly one named object, runs them against a
// pluggable backend on a pool of worker go routines and calls the request
// callback once the request is finished.
//
// The backend is anything implementing the Cluster and Backend interfaces.
// There are implementations for RADOS, S3, memory and a null backend which
// keeps metadata but discards data.
package objstore

import (
	"context"
	"math"
	"time"
)

// SnapID identifies a snapshot of an object. NoSnap addresses the head
// revision, i.e. the live data.
type SnapID uint64

const NoSnap SnapID = math.MaxUint64 - 1

// SnapContext is attached to every write. Seq is the most recent snapshot
// sequence number and Snaps are the ids of existing snapshots in descending
// order. Backends with snapshot support preserve the data for all snapshots
// in Snaps newer than the last write to the object.
type SnapContext struct {
	Seq   SnapID
	Snaps []SnapID
}

// Returns a copy which does not share the Snaps slice with the original.
func (sc SnapContext) Clone() SnapContext {
	snaps := make([]SnapID, len(sc.Snaps))
	copy(snaps, sc.Snaps)

	return SnapContext{Seq: sc.Seq, Snaps: snaps}
}

// ObjectStat describes an existing object.
type ObjectStat struct {
	Size    uint64
	ModTime time.Time
}

// Backend operates on objects of a single pool. Missing objects are reported
// as ErrNotFound. All methods must be safe for concurrent use, however the
// Client never runs two requests against the same object concurrently.
type Backend interface {
	// Reads into buf starting from offset off of the object. Returns the
	// number of bytes read which is less than len(buf) when the object is
	// shorter.
	Read(ctx context.Context, oid string, snap SnapID, buf []byte, off uint64) (int, error)

	// Writes data at offset off, creating the object when it is missing.
	Write(ctx context.Context, oid string, snapc SnapContext, data []byte, off uint64) error

	// Atomically replaces the object content with data.
	WriteFull(ctx context.Context, oid string, snapc SnapContext, data []byte) error

	Stat(ctx context.Context, oid string, snap SnapID) (ObjectStat, error)

	// Returns all key value pairs stored in the object map (omap).
	OmapGet(ctx context.Context, oid string) (map[string][]byte, error)

	// Stores pairs into the object map, creating the object when it is
	// missing.
	OmapSet(ctx context.Context, oid string, pairs map[string][]byte) error

	OmapRemove(ctx context.Context, oid string, keys []string) error

	// Removes the object. Backends with snapshot support keep its content
	// for the snapshots in snapc newer than the last write.
	Remove(ctx context.Context, oid string, snapc SnapContext) error
}

// Cluster is a set of pools addressed by numeric ids.
type Cluster interface {
	Pool(id int64) (Backend, error)
	PoolName(id int64) (string, error)
	PoolID(name string) (int64, error)
	Close() error
}

// Snapshotter is optionally implemented by clusters which preserve object
// data for the snapshots in write snapshot contexts and serve reads at those
// snapshots. Other clusters address the head revision only.
type Snapshotter interface {
	PreservesSnapshots() bool
}

// SupportsSnapshots reports whether the cluster implements Snapshotter and
// preserves snapshots.
func SupportsSnapshots(c Cluster) bool {
	s, ok := c.(Snapshotter)
	return ok && s.PreservesSnapshots()
}

// Versioner is optionally implemented by backends which keep a version
// counter per object. The version is reported back in Request.Version.
type Versioner interface {
	Version(ctx context.Context, oid string) (uint64, error)
}
