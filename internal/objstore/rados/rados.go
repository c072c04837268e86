// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package rados implements objstore.Cluster on top of librados through
// go-ceph.
//
// Only the head revision of objects is addressable. Reads of snapshots fail
// with objstore.ErrSnapshotsUnsupported and snapshot contexts of writes are
// not forwarded. The cluster does not implement objstore.Snapshotter, so
// snapshots and clones cannot be created on it.
package rados

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ceph/go-ceph/rados"
	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
)

// Number of omap pairs fetched per iteration.
const omapIteratorSize = 256

// Options to use in New() function due to high number of parameters.
type Options struct {
	// Ceph configuration file. Default search path is used when empty.
	ConfigFile string

	// Cephx user without the "client." prefix.
	User string

	// Keyring file overriding the one from the configuration.
	Keyring string

	// Monitor addresses overriding the ones from the configuration.
	MonHost string
}

// Cluster is a connection to a Ceph cluster with I/O contexts opened lazily
// for every used pool.
type Cluster struct {
	conn *rados.Conn

	mutex sync.Mutex
	pools map[int64]*pool
}

type pool struct {
	ioctx *rados.IOContext
}

// Connects to the cluster.
func New(o Options) (*Cluster, error) {
	conn, err := rados.NewConnWithUser(o.User)
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}

	if o.ConfigFile != "" {
		err = conn.ReadConfigFile(o.ConfigFile)
	} else {
		err = conn.ReadDefaultConfigFile()
	}
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	if o.Keyring != "" {
		if err := conn.SetConfigOption("keyring", o.Keyring); err != nil {
			return nil, fmt.Errorf("setting keyring: %w", err)
		}
	}

	if o.MonHost != "" {
		if err := conn.SetConfigOption("mon_host", o.MonHost); err != nil {
			return nil, fmt.Errorf("setting monitors: %w", err)
		}
	}

	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}

	log.Info().Str("user", o.User).Msg("Connected to the RADOS cluster.")

	return &Cluster{
		conn:  conn,
		pools: make(map[int64]*pool),
	}, nil
}

func (c *Cluster) Pool(id int64) (objstore.Backend, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if p, ok := c.pools[id]; ok {
		return p, nil
	}

	name, err := c.PoolName(id)
	if err != nil {
		return nil, err
	}

	ioctx, err := c.conn.OpenIOContext(name)
	if err != nil {
		return nil, fmt.Errorf("opening pool %s: %w", name, translate(err))
	}

	p := &pool{ioctx: ioctx}
	c.pools[id] = p

	return p, nil
}

func (c *Cluster) PoolName(id int64) (string, error) {
	name, err := c.conn.GetPoolByID(id)
	if err != nil {
		return "", fmt.Errorf("pool %d: %w", id, translatePool(err))
	}

	return name, nil
}

func (c *Cluster) PoolID(name string) (int64, error) {
	id, err := c.conn.GetPoolByName(name)
	if err != nil {
		return 0, fmt.Errorf("pool %s: %w", name, translatePool(err))
	}

	return id, nil
}

func (c *Cluster) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id, p := range c.pools {
		p.ioctx.Destroy()
		delete(c.pools, id)
	}
	c.conn.Shutdown()

	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rados.ErrNotFound):
		return fmt.Errorf("%v: %w", err, objstore.ErrNotFound)
	case errors.Is(err, rados.ErrObjectExists):
		return fmt.Errorf("%v: %w", err, objstore.ErrExists)
	}

	return err
}

func translatePool(err error) error {
	if errors.Is(err, rados.ErrNotFound) {
		return objstore.ErrNoSuchPool
	}

	return err
}

func head(snap objstore.SnapID) error {
	if snap != objstore.NoSnap {
		return objstore.ErrSnapshotsUnsupported
	}

	return nil
}

// librados calls are blocking and do not take a context. Cancellation is
// checked before the call only.
func (p *pool) Read(ctx context.Context, oid string, snap objstore.SnapID, buf []byte, off uint64) (int, error) {
	if err := head(snap); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := p.ioctx.Read(oid, buf, off)

	return n, translate(err)
}

func (p *pool) Write(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return translate(p.ioctx.Write(oid, data, off))
}

func (p *pool) WriteFull(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return translate(p.ioctx.WriteFull(oid, data))
}

func (p *pool) Stat(ctx context.Context, oid string, snap objstore.SnapID) (objstore.ObjectStat, error) {
	if err := head(snap); err != nil {
		return objstore.ObjectStat{}, err
	}

	if err := ctx.Err(); err != nil {
		return objstore.ObjectStat{}, err
	}

	st, err := p.ioctx.Stat(oid)
	if err != nil {
		return objstore.ObjectStat{}, translate(err)
	}

	return objstore.ObjectStat{Size: st.Size, ModTime: st.ModTime}, nil
}

func (p *pool) OmapGet(ctx context.Context, oid string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// An object without omap is indistinguishable from an empty omap, the
	// stat tells them apart.
	if _, err := p.ioctx.Stat(oid); err != nil {
		return nil, translate(err)
	}

	pairs, err := p.ioctx.GetAllOmapValues(oid, "", "", omapIteratorSize)

	return pairs, translate(err)
}

func (p *pool) OmapSet(ctx context.Context, oid string, pairs map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return translate(p.ioctx.SetOmap(oid, pairs))
}

func (p *pool) OmapRemove(ctx context.Context, oid string, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return translate(p.ioctx.RmOmapKeys(oid, keys))
}

func (p *pool) Remove(ctx context.Context, oid string, _ objstore.SnapContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return translate(p.ioctx.Delete(oid))
}
