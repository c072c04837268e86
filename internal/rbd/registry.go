// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/rbd/objectmap"
)

// Spec selects the image to map.
type Spec struct {
	Pool  string
	Image string

	// Snapshot to map read-only, the head is mapped when empty.
	Snap string

	ReadOnly bool

	// Track existing objects of the head, so writes to clones skip the
	// existence probe of objects already copied up.
	ObjectMap bool
}

// Options of the Registry.
type Options struct {
	Client objstore.Options

	// Upper bound of one header refresh triggered by a notification.
	NotifyTimeout time.Duration
}

type sharedClient struct {
	client *objstore.Client
	refs   int
}

// Registry owns mapped devices and the object store clients they use. One
// client is shared by all devices of the same cluster and closed with the
// last of them.
type Registry struct {
	options Options

	mutex   sync.Mutex
	devices map[int]*Device
	nextID  int
	clients map[objstore.Cluster]*sharedClient
}

func NewRegistry(o Options) *Registry {
	return &Registry{
		options: o,
		devices: make(map[int]*Device),
		clients: make(map[objstore.Cluster]*sharedClient),
	}
}

// Client returns the shared client of the cluster. Every call must be paired
// with ReleaseClient().
func (r *Registry) Client(cluster objstore.Cluster) *objstore.Client {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sc, ok := r.clients[cluster]
	if !ok {
		sc = &sharedClient{client: objstore.New(cluster, r.options.Client)}
		r.clients[cluster] = sc
		log.Debug().Str("client", sc.client.Name()).Msg("Client created.")
	}
	sc.refs++

	return sc.client
}

func (r *Registry) ReleaseClient(cluster objstore.Cluster) {
	r.mutex.Lock()
	sc, ok := r.clients[cluster]
	if !ok {
		r.mutex.Unlock()
		return
	}

	sc.refs--
	if sc.refs > 0 {
		r.mutex.Unlock()
		return
	}
	delete(r.clients, cluster)
	r.mutex.Unlock()

	sc.client.Close()
}

// Map probes the image and registers a device for it.
func (r *Registry) Map(ctx context.Context, cluster objstore.Cluster, spec Spec) (*Device, error) {
	client := r.Client(cluster)

	d, err := r.mapDevice(ctx, client, spec)
	if err != nil {
		r.ReleaseClient(cluster)
		return nil, err
	}
	d.cluster = cluster

	r.mutex.Lock()
	d.id = r.nextID
	r.nextID++
	r.devices[d.id] = d
	r.mutex.Unlock()

	log.Info().Int("id", d.id).Str("device", d.String()).Bool("read_only", d.readOnly).Msg("Device mapped.")

	return d, nil
}

func (r *Registry) mapDevice(ctx context.Context, client *objstore.Client, spec Spec) (*Device, error) {
	pool, err := client.PoolID(spec.Pool)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", spec.Pool, err)
	}

	d, err := probe(ctx, client, imageSpec{
		pool:      pool,
		imageName: spec.Image,
		snapName:  spec.Snap,
		snapID:    objstore.NoSnap,
	}, 0)
	if err != nil {
		return nil, err
	}

	if spec.ReadOnly {
		d.readOnly = true
	}
	d.notifyTimeout = r.options.NotifyTimeout

	if spec.ObjectMap && !d.readOnly {
		h := d.Header()
		d.objectMap = objectmap.NewProxy(objectmap.New(h.Objects(h.Size)))
		if err := d.restoreObjectMap(ctx); err != nil {
			log.Warn().Str("device", d.String()).Err(err).Msg("Object map not restored.")
		}
	}

	if err := d.watch(ctx); err != nil {
		d.close(ctx)
		return nil, err
	}

	return d, nil
}

// Unmap unregisters the device and releases it. There must be no I/O in
// flight on the device.
func (r *Registry) Unmap(ctx context.Context, id int) error {
	r.mutex.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mutex.Unlock()
		return fmt.Errorf("device %d: %w", id, ErrDeviceNotFound)
	}
	delete(r.devices, id)
	r.mutex.Unlock()

	d.close(ctx)
	r.ReleaseClient(d.cluster)

	log.Info().Int("id", id).Str("device", d.String()).Msg("Device unmapped.")

	return nil
}

func (r *Registry) Device(id int) (*Device, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, ErrDeviceNotFound)
	}

	return d, nil
}

// Devices returns all mapped devices ordered by id.
func (r *Registry) Devices() []*Device {
	r.mutex.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mutex.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].id < devices[j].id })

	return devices
}

// Close unmaps all devices.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, d := range r.Devices() {
		errs = append(errs, r.Unmap(ctx, d.id))
	}

	return errors.Join(errs...)
}

// Resolves pool name and returns the admin interface on the shared client.
// The returned function releases the client.
func (r *Registry) Admin(cluster objstore.Cluster, pool string) (*Admin, func(), error) {
	client := r.Client(cluster)
	release := func() { r.ReleaseClient(cluster) }

	id, err := client.PoolID(pool)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("pool %s: %w", pool, err)
	}

	return &Admin{Client: client, Pool: id, NotifyTimeout: r.options.NotifyTimeout}, release, nil
}
