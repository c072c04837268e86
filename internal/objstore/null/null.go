// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"context"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/memstore"
)

// Cluster keeps metadata objects in memory and drops image data. Useful for
// measuring performance of the request engine without any storage behind it.
// Every data object reads as a hole, so reads return zeros and every write
// to a clone goes through the copy-up path.
type Cluster struct {
	*memstore.Cluster

	discard func(oid string) bool
}

// Returns new cluster which drops the data of objects for which discard
// returns true.
func New(discard func(oid string) bool) *Cluster {
	return &Cluster{
		Cluster: memstore.New(),
		discard: discard,
	}
}

func (c *Cluster) Pool(id int64) (objstore.Backend, error) {
	b, err := c.Cluster.Pool(id)
	if err != nil {
		return nil, err
	}

	return &null{Backend: b, discard: c.discard}, nil
}

type null struct {
	objstore.Backend

	discard func(oid string) bool
}

func (n *null) Read(ctx context.Context, oid string, snap objstore.SnapID, buf []byte, off uint64) (int, error) {
	if n.discard(oid) {
		return 0, objstore.ErrNotFound
	}

	return n.Backend.Read(ctx, oid, snap, buf, off)
}

func (n *null) Write(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte, off uint64) error {
	if n.discard(oid) {
		return nil
	}

	return n.Backend.Write(ctx, oid, snapc, data, off)
}

func (n *null) WriteFull(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte) error {
	if n.discard(oid) {
		return nil
	}

	return n.Backend.WriteFull(ctx, oid, snapc, data)
}

func (n *null) Stat(ctx context.Context, oid string, snap objstore.SnapID) (objstore.ObjectStat, error) {
	if n.discard(oid) {
		return objstore.ObjectStat{}, objstore.ErrNotFound
	}

	return n.Backend.Stat(ctx, oid, snap)
}
