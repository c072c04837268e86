// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/asch/rbdio/internal/objstore/tid"
)

const (
	// Number of locks serializing requests on the same object. Objects are
	// hashed into this table, so unrelated objects can share a lock.
	objectLocks = 256

	defaultWorkers     = 16
	defaultSyncWorkers = 2
)

// Options to use in New() function due to high number of parameters.
type Options struct {
	// Number of go routines serving both, normal and priority requests.
	Workers int

	// Number of go routines serving priority requests only. Synchronous
	// metadata requests are always prioritized and these workers
	// guarantee progress for them even when all normal workers are busy.
	SyncWorkers int

	// Upper bound of backend operations running concurrently. Zero means
	// Workers + SyncWorkers.
	MaxInflight int64
}

// Client submits requests to the cluster. Requests coming to the priority
// channel are handled first, like this synchronous setup and metadata calls
// are not slowed down by a deep queue of data requests.
type Client struct {
	cluster Cluster
	name    string

	workers     int
	syncWorkers int
	inflight    *semaphore.Weighted

	// Internal channels.
	requests     chan *Request
	requestsPrio chan *Request

	pools     map[int64]Backend
	poolsLock sync.Mutex

	locks [objectLocks]sync.Mutex
	tids  tid.Counter

	watches *watchHub

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Returns new instance of the client which can be directly used. It
// immediately spawns go routines for the workers.
func New(cluster Cluster, o Options) *Client {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}

	if o.SyncWorkers <= 0 {
		o.SyncWorkers = defaultSyncWorkers
	}

	if o.MaxInflight <= 0 {
		o.MaxInflight = int64(o.Workers + o.SyncWorkers)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cluster:      cluster,
		name:         "client." + uuid.NewString(),
		workers:      o.Workers,
		syncWorkers:  o.SyncWorkers,
		inflight:     semaphore.NewWeighted(o.MaxInflight),
		requests:     make(chan *Request),
		requestsPrio: make(chan *Request),
		pools:        make(map[int64]Backend),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.watches = newWatchHub(c)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(c.requests)
	}

	for i := 0; i < c.syncWorkers; i++ {
		c.wg.Add(1)
		go c.worker(nil)
	}

	return c
}

// Closed reports whether Close() was called. Submissions fail then.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// SupportsSnapshots reports whether the cluster preserves snapshots.
func (c *Client) SupportsSnapshots() bool {
	return SupportsSnapshots(c.cluster)
}

// Name is the unique instance name of this client.
func (c *Client) Name() string {
	return c.name
}

func (c *Client) PoolName(id int64) (string, error) {
	return c.cluster.PoolName(id)
}

func (c *Client) PoolID(name string) (int64, error) {
	return c.cluster.PoolID(name)
}

// Submit hands the request over to the workers. The error is returned only
// when the request cannot be accepted at all, in that case the callback is
// never called. Otherwise the callback is called exactly once.
func (c *Client) Submit(r *Request) error {
	return c.submit(r, false)
}

// SubmitPrio is Submit() using the priority lane. It is meant for requests
// somebody synchronously waits for.
func (c *Client) SubmitPrio(r *Request) error {
	return c.submit(r, true)
}

// SubmitAndWait submits the request to the priority lane and blocks until it
// is finished. It must not be called from a request callback. The request
// keeps running when ctx is canceled, only the waiting is abandoned.
func (c *Client) SubmitAndWait(ctx context.Context, r *Request) error {
	cb := r.Callback
	r.done = make(chan struct{})
	r.Callback = func(r *Request) {
		if cb != nil {
			cb(r)
		}
		close(r.done)
	}

	if err := c.SubmitPrio(r); err != nil {
		return err
	}

	select {
	case <-r.done:
		return r.Result
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) submit(r *Request, prio bool) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if err := r.validate(); err != nil {
		return err
	}

	if _, err := c.pool(r.Pool); err != nil {
		return err
	}

	r.Tid = c.tids.Next()
	r.prio = prio

	queue := c.requests
	if prio {
		queue = c.requestsPrio
	}

	log.Trace().Str("client", c.name).Str("request", r.String()).Msg("Submitted.")

	// The caller can be a callback running on a worker, hence the hand
	// over must never block.
	go func() {
		select {
		case queue <- r:
		case <-c.ctx.Done():
			c.complete(r, ErrClosed)
		}
	}()

	return nil
}

func (c *Client) pool(id int64) (Backend, error) {
	c.poolsLock.Lock()
	defer c.poolsLock.Unlock()

	if b, ok := c.pools[id]; ok {
		return b, nil
	}

	b, err := c.cluster.Pool(id)
	if err != nil {
		return nil, fmt.Errorf("pool %d: %w", id, err)
	}
	c.pools[id] = b

	return b, nil
}

// Generic function for prioritization. Workers with nil normal channel serve
// only the priority channel.
func (c *Client) receiveRequest(normal chan *Request) (*Request, bool) {
	var r *Request

	select {
	case r = <-c.requestsPrio:
	case <-c.ctx.Done():
		return nil, false
	default:
		select {
		case r = <-c.requestsPrio:
		case r = <-normal:
		case <-c.ctx.Done():
			return nil, false
		}
	}

	return r, true
}

func (c *Client) worker(normal chan *Request) {
	defer c.wg.Done()

	for {
		r, ok := c.receiveRequest(normal)
		if !ok {
			return
		}
		c.execute(r)
	}
}

func (c *Client) objectLock(pool int64, oid string) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d/%s", pool, oid)

	return &c.locks[h.Sum32()%objectLocks]
}

func (c *Client) execute(r *Request) {
	if err := c.inflight.Acquire(c.ctx, 1); err != nil {
		c.complete(r, ErrClosed)
		return
	}
	defer c.inflight.Release(1)

	backend, err := c.pool(r.Pool)
	if err != nil {
		c.complete(r, err)
		return
	}

	lock := c.objectLock(r.Pool, r.Oid)
	lock.Lock()
	err = c.run(backend, r)
	if err == nil {
		if v, ok := backend.(Versioner); ok {
			r.Version, _ = v.Version(c.ctx, r.Oid)
		}
	}
	lock.Unlock()

	c.complete(r, err)
}

// Runs all ops of the request in order and stops at the first error.
func (c *Client) run(b Backend, r *Request) error {
	ctx := c.ctx

	for _, op := range r.Ops {
		var err error

		switch op.Kind {
		case OpRead:
			op.BytesRead, err = b.Read(ctx, r.Oid, r.Snap, op.Data, op.Offset)
		case OpWrite:
			err = b.Write(ctx, r.Oid, r.SnapContext, op.Data, op.Offset)
		case OpWriteFull:
			err = b.WriteFull(ctx, r.Oid, r.SnapContext, op.Data)
		case OpStat:
			op.Stat, err = b.Stat(ctx, r.Oid, r.Snap)
		case OpCall:
			var m Method
			m, err = lookupMethod(op.Class, op.Method)
			if err == nil {
				mc := &methodContext{backend: b, oid: r.Oid, snap: r.Snap, snapc: r.SnapContext}
				op.Out, err = m(ctx, mc, op.Data)
			}
		case OpRemove:
			err = b.Remove(ctx, r.Oid, r.SnapContext)
		default:
			err = fmt.Errorf("unknown op %v: %w", op.Kind, ErrInvalidArgument)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) complete(r *Request, err error) {
	r.Result = err

	log.Trace().Str("client", c.name).Str("request", r.String()).Err(err).Msg("Completed.")

	if r.Callback != nil {
		r.Callback(r)
	}
}

// Close stops all workers. Requests not picked up by a worker yet are
// completed with ErrClosed. The cluster is not closed, it is owned by the
// caller of New().
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}

	c.cancel()
	c.wg.Wait()
	c.watches.close()

	log.Debug().Str("client", c.name).Uint64("requests", c.tids.Current()).Msg("Client closed.")
}
