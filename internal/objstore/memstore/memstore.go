// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memstore implements objstore.Cluster in memory. Objects keep their
// head revision plus clones preserving data for snapshots, so layered images
// reading from a parent snapshot behave like on a real cluster. It is used by
// unit tests and for trying the daemon out without any storage.
//
// Tests can inject faults and delays per operation and object.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asch/rbdio/internal/objstore"
)

// Fault is consulted before every operation. A non-nil error fails the
// operation without touching the object.
type Fault func(op, oid string) error

// Delay is consulted before every operation and the operation sleeps for the
// returned duration. It is used for reordering completions in tests.
type Delay func(op, oid string) time.Duration

// clone is the object content preserved for a set of snapshots.
type clone struct {
	snaps  []objstore.SnapID
	data   []byte
	exists bool
}

type object struct {
	data    []byte
	omap    map[string][]byte
	version uint64
	seq     objstore.SnapID
	modTime time.Time
	clones  []clone
}

// Pool is a flat namespace of objects.
type Pool struct {
	id   int64
	name string

	mutex   sync.Mutex
	objects map[string]*object

	// Objects removed while snapshots still reference them.
	whiteouts map[string]*object

	fault Fault
	delay Delay
}

// Cluster is a set of pools in memory.
type Cluster struct {
	mutex  sync.Mutex
	pools  map[int64]*Pool
	nextID int64
}

func New() *Cluster {
	return &Cluster{
		pools: make(map[int64]*Pool),
	}
}

// Creates a pool and returns its id. Creating an existing pool returns the
// id of the existing one.
func (c *Cluster) CreatePool(name string) int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id, p := range c.pools {
		if p.name == name {
			return id
		}
	}

	id := c.nextID
	c.nextID++
	c.pools[id] = &Pool{
		id:        id,
		name:      name,
		objects:   make(map[string]*object),
		whiteouts: make(map[string]*object),
	}

	return id
}

// Returns the concrete pool for inspection in tests.
func (c *Cluster) MemPool(id int64) *Pool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.pools[id]
}

func (c *Cluster) Pool(id int64) (objstore.Backend, error) {
	p := c.MemPool(id)
	if p == nil {
		return nil, objstore.ErrNoSuchPool
	}

	return p, nil
}

func (c *Cluster) PoolName(id int64) (string, error) {
	p := c.MemPool(id)
	if p == nil {
		return "", objstore.ErrNoSuchPool
	}

	return p.name, nil
}

func (c *Cluster) PoolID(name string) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id, p := range c.pools {
		if p.name == name {
			return id, nil
		}
	}

	return 0, fmt.Errorf("%s: %w", name, objstore.ErrNoSuchPool)
}

// PreservesSnapshots implements objstore.Snapshotter.
func (c *Cluster) PreservesSnapshots() bool {
	return true
}

func (c *Cluster) Close() error {
	return nil
}

// SetFault installs f for all following operations. Nil removes it.
func (p *Pool) SetFault(f Fault) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.fault = f
}

// SetDelay installs d for all following operations. Nil removes it.
func (p *Pool) SetDelay(d Delay) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.delay = d
}

// Objects returns names of all existing objects, sorted.
func (p *Pool) Objects() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	names := make([]string, 0, len(p.objects))
	for name := range p.objects {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Data returns a copy of the head content of the object.
func (p *Pool) Data(oid string) ([]byte, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	o, ok := p.objects[oid]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), o.data...), true
}

// Put stores data as the head revision of oid without any snapshot handling.
func (p *Pool) Put(oid string, data []byte) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	o := p.getOrCreate(oid)
	o.data = append([]byte(nil), data...)
	o.version++
}

func (p *Pool) enter(ctx context.Context, op, oid string) error {
	p.mutex.Lock()
	fault, delay := p.fault, p.delay
	p.mutex.Unlock()

	if delay != nil {
		if d := delay(op, oid); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if fault != nil {
		return fault(op, oid)
	}

	return nil
}

func (p *Pool) getOrCreate(oid string) *object {
	o, ok := p.objects[oid]
	if !ok {
		o = &object{omap: make(map[string][]byte)}
		if w, ok := p.whiteouts[oid]; ok {
			o.clones = w.clones
			o.seq = w.seq
			delete(p.whiteouts, oid)
		}
		p.objects[oid] = o
	}

	return o
}

// Preserves the current content for all snapshots taken since the last
// write. Must be called before modifying the object under snapc.
func (p *Pool) cloneOnWrite(oid string, snapc objstore.SnapContext) *object {
	o, existed := p.objects[oid]
	if !existed {
		o = p.getOrCreate(oid)
	}

	if snapc.Seq > o.seq {
		var covered []objstore.SnapID
		for _, s := range snapc.Snaps {
			if s > o.seq {
				covered = append(covered, s)
			}
		}

		if len(covered) > 0 {
			o.clones = append(o.clones, clone{
				snaps:  covered,
				data:   append([]byte(nil), o.data...),
				exists: existed,
			})
		}
		o.seq = snapc.Seq
	}

	o.modTime = time.Now()
	o.version++

	return o
}

// Returns the content visible at snap and whether the object existed then.
func (p *Pool) revision(oid string, snap objstore.SnapID) ([]byte, bool) {
	o, ok := p.objects[oid]
	if !ok {
		o, ok = p.whiteouts[oid]
		if !ok {
			return nil, false
		}
		if snap == objstore.NoSnap {
			return nil, false
		}
	}

	if snap == objstore.NoSnap {
		return o.data, true
	}

	for _, c := range o.clones {
		for _, s := range c.snaps {
			if s == snap {
				return c.data, c.exists
			}
		}
	}

	// No clone covers snap, hence the object was not modified since the
	// snapshot was taken. Whiteouts are always covered by a clone.
	if _, live := p.objects[oid]; !live {
		return nil, false
	}

	return o.data, true
}

func (p *Pool) Read(ctx context.Context, oid string, snap objstore.SnapID, buf []byte, off uint64) (int, error) {
	if err := p.enter(ctx, "read", oid); err != nil {
		return 0, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	data, ok := p.revision(oid, snap)
	if !ok {
		return 0, objstore.ErrNotFound
	}

	if off >= uint64(len(data)) {
		return 0, nil
	}

	return copy(buf, data[off:]), nil
}

func (p *Pool) Write(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte, off uint64) error {
	if err := p.enter(ctx, "write", oid); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	o := p.cloneOnWrite(oid, snapc)

	end := off + uint64(len(data))
	if end > uint64(len(o.data)) {
		grown := make([]byte, end)
		copy(grown, o.data)
		o.data = grown
	}
	copy(o.data[off:], data)

	return nil
}

func (p *Pool) WriteFull(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte) error {
	if err := p.enter(ctx, "writefull", oid); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	o := p.cloneOnWrite(oid, snapc)
	o.data = append([]byte(nil), data...)

	return nil
}

func (p *Pool) Stat(ctx context.Context, oid string, snap objstore.SnapID) (objstore.ObjectStat, error) {
	if err := p.enter(ctx, "stat", oid); err != nil {
		return objstore.ObjectStat{}, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	data, ok := p.revision(oid, snap)
	if !ok {
		return objstore.ObjectStat{}, objstore.ErrNotFound
	}

	st := objstore.ObjectStat{Size: uint64(len(data))}
	if o, ok := p.objects[oid]; ok {
		st.ModTime = o.modTime
	}

	return st, nil
}

func (p *Pool) OmapGet(ctx context.Context, oid string) (map[string][]byte, error) {
	if err := p.enter(ctx, "omapget", oid); err != nil {
		return nil, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	o, ok := p.objects[oid]
	if !ok {
		return nil, objstore.ErrNotFound
	}

	pairs := make(map[string][]byte, len(o.omap))
	for k, v := range o.omap {
		pairs[k] = append([]byte(nil), v...)
	}

	return pairs, nil
}

func (p *Pool) OmapSet(ctx context.Context, oid string, pairs map[string][]byte) error {
	if err := p.enter(ctx, "omapset", oid); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	o := p.getOrCreate(oid)
	for k, v := range pairs {
		o.omap[k] = append([]byte(nil), v...)
	}
	o.version++

	return nil
}

func (p *Pool) OmapRemove(ctx context.Context, oid string, keys []string) error {
	if err := p.enter(ctx, "omapremove", oid); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	o, ok := p.objects[oid]
	if !ok {
		return objstore.ErrNotFound
	}

	for _, k := range keys {
		delete(o.omap, k)
	}
	o.version++

	return nil
}

func (p *Pool) Remove(ctx context.Context, oid string, snapc objstore.SnapContext) error {
	if err := p.enter(ctx, "remove", oid); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.objects[oid]; !ok {
		return objstore.ErrNotFound
	}

	o := p.cloneOnWrite(oid, snapc)
	delete(p.objects, oid)

	if len(o.clones) > 0 {
		p.whiteouts[oid] = o
	}

	return nil
}

func (p *Pool) Version(ctx context.Context, oid string) (uint64, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	o, ok := p.objects[oid]
	if !ok {
		return 0, objstore.ErrNotFound
	}

	return o.version, nil
}
