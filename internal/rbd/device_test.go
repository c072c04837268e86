// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/cls"
	"github.com/asch/rbdio/internal/rbd/payload"
)

func TestReadWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("img", 8*MiB, 20)
	d := f.mapImage(Spec{Image: "img"})

	assert.Equal(t, uint64(8*MiB), d.Size())
	assert.Equal(t, make([]byte, 64*KiB), f.read(d, 0, 64*KiB))

	// Crosses three object boundaries.
	data := pattern(3, 0, 3*MiB)
	f.write(d, MiB-KiB, data)

	assert.Equal(t, data, f.read(d, MiB-KiB, 3*MiB))
	assert.Equal(t, make([]byte, KiB), f.read(d, MiB-2*KiB, KiB))
	assert.Equal(t, make([]byte, 4*KiB), f.read(d, 6*MiB, 4*KiB))

	info, err := f.admin.Info(f.ctx, "img")
	require.NoError(t, err)

	for index := uint64(0); index < 8; index++ {
		_, ok := f.pool.Data(objectName(info.ObjectPrefix, index))
		assert.Equal(t, index <= 3, ok, "object %d", index)
	}

	requireNoLiveRequests(t, d)
}

func TestSubmitGates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("img", 4*MiB, 22)
	f.snapshot("img", "s1")

	head := f.mapImage(Spec{Image: "img"})
	snap := f.mapImage(Spec{Image: "img", Snap: "s1"})
	ro := f.mapImage(Spec{Image: "img", ReadOnly: true})

	assert.False(t, head.ReadOnly())
	assert.True(t, snap.ReadOnly())
	assert.True(t, ro.ReadOnly())

	buf := make([]byte, 4*KiB)

	_, err := snap.WriteAt(buf, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = ro.WriteAt(buf, 0)
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = head.ReadAt(buf, 4*MiB-2*KiB)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = head.WriteAt(buf, 5*MiB)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = head.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// The request ending exactly at the end is fine.
	f.write(head, 4*MiB-4*KiB, buf)

	var calls int
	require.NoError(t, head.Submit(BlockIO{
		Offset:  4 * MiB,
		Payload: payload.None{},
		Done: func(xferred uint64, err error) {
			calls++
			assert.Zero(t, xferred)
			assert.NoError(t, err)
		},
	}))
	assert.Equal(t, 1, calls)

	// A payload shorter than the request fails the split.
	err = head.Submit(BlockIO{
		Length:  8 * KiB,
		Payload: payload.NewBioList(buf),
		Done:    func(uint64, error) { t.Error("done called") },
	})
	assert.ErrorIs(t, err, payload.ErrOutOfRange)

	err = head.Submit(BlockIO{
		Length: 4 * KiB,
		Done:   func(uint64, error) { t.Error("done called") },
	})
	assert.ErrorIs(t, err, objstore.ErrInvalidArgument)
	assert.Equal(t, -22, Errno(err))

	require.NoError(t, f.admin.RemoveSnapshot(f.ctx, "img", "s1"))
	assert.False(t, snap.Exists())
	assert.True(t, head.Exists())

	_, err = snap.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrImageGone)
	assert.Equal(t, -6, Errno(err))

	requireNoLiveRequests(t, head, snap, ro)
}

func TestSnapshotMapping(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("img", 8*MiB, 22)
	head := f.mapImage(Spec{Image: "img"})

	f.write(head, 0, pattern(1, 0, 8*MiB))
	id := f.snapshot("img", "s1")

	// The snapshot context reached the head through the notification.
	h := head.Header()
	assert.Equal(t, id, h.SnapContext.Seq)
	require.Len(t, h.Snapshots, 1)
	assert.Equal(t, "s1", h.Snapshots[0].Name)
	assert.Equal(t, uint64(8*MiB), h.Snapshots[0].Size)

	f.write(head, 2*MiB, pattern(2, 0, 4*MiB))
	require.NoError(t, f.admin.Resize(f.ctx, "img", 12*MiB))

	snap := f.mapImage(Spec{Image: "img", Snap: "s1"})
	assert.Equal(t, uint64(8*MiB), snap.Size())
	assert.Equal(t, uint64(12*MiB), head.Size())
	assert.Equal(t, pattern(1, 0, 8*MiB), f.read(snap, 0, 8*MiB))

	expected := pattern(1, 0, 8*MiB)
	copy(expected[2*MiB:], pattern(2, 0, 4*MiB))
	assert.Equal(t, expected, f.read(head, 0, 8*MiB))

	requireNoLiveRequests(t, head, snap)
}

func TestResize(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("img", 8*MiB, 22)
	d := f.mapImage(Spec{Image: "img"})

	f.write(d, 0, pattern(1, 0, 8*MiB))
	refreshes := d.Stats().Refreshes

	require.NoError(t, f.admin.Resize(f.ctx, "img", 5*MiB))
	assert.Equal(t, uint64(5*MiB), d.Size())
	assert.Greater(t, d.Stats().Refreshes, refreshes)

	_, err := d.ReadAt(make([]byte, 4*KiB), 6*MiB)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// Growing again exposes zeroes, not the old data.
	require.NoError(t, f.admin.Resize(f.ctx, "img", 8*MiB))
	assert.Equal(t, uint64(8*MiB), d.Size())
	assert.Equal(t, pattern(1, 0, 5*MiB), f.read(d, 0, 5*MiB))
	assert.Equal(t, make([]byte, 3*MiB), f.read(d, 5*MiB, 3*MiB))

	requireNoLiveRequests(t, d)
}

func TestShrinkKeepsSnapshotData(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("img", 8*MiB, 22)
	head := f.mapImage(Spec{Image: "img"})

	f.write(head, 0, pattern(1, 0, 8*MiB))
	f.snapshot("img", "s1")

	// Object 0 is truncated, object 1 is removed.
	require.NoError(t, f.admin.Resize(f.ctx, "img", 2*MiB))
	assert.Equal(t, uint64(2*MiB), head.Size())

	info, err := f.admin.Info(f.ctx, "img")
	require.NoError(t, err)
	_, ok := f.pool.Data(objectName(info.ObjectPrefix, 1))
	assert.False(t, ok)

	snap := f.mapImage(Spec{Image: "img", Snap: "s1"})
	assert.Equal(t, uint64(8*MiB), snap.Size())
	assert.Equal(t, pattern(1, 0, 8*MiB), f.read(snap, 0, 8*MiB))

	// The head grows back with zeroes while the snapshot keeps its data.
	require.NoError(t, f.admin.Resize(f.ctx, "img", 8*MiB))
	assert.Equal(t, pattern(1, 0, 2*MiB), f.read(head, 0, 2*MiB))
	assert.Equal(t, make([]byte, 6*MiB), f.read(head, 2*MiB, 6*MiB))
	assert.Equal(t, pattern(1, 4*MiB, 4*MiB), f.read(snap, 4*MiB, 4*MiB))

	requireNoLiveRequests(t, head, snap)
}

// Hides the snapshot support of the wrapped cluster.
type headOnlyCluster struct {
	objstore.Cluster
}

func TestSnapshotsUnsupported(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("base", 4*MiB, 22)
	f.snapshot("base", "s1")

	cluster := headOnlyCluster{Cluster: f.cluster}
	admin, release, err := f.registry.Admin(cluster, "rbd")
	require.NoError(t, err)
	defer release()

	assert.False(t, admin.Client.SupportsSnapshots())
	assert.True(t, f.admin.Client.SupportsSnapshots())

	_, err = admin.Create(f.ctx, "img", CreateOptions{Size: 4 * MiB})
	require.NoError(t, err)

	_, err = admin.CreateSnapshot(f.ctx, "img", "s1")
	assert.ErrorIs(t, err, objstore.ErrSnapshotsUnsupported)
	assert.Equal(t, -95, Errno(err))

	_, err = admin.Clone(f.ctx, admin.Pool, "base", "s1", "child", CreateOptions{})
	assert.ErrorIs(t, err, objstore.ErrSnapshotsUnsupported)

	info, err := admin.Info(f.ctx, "img")
	require.NoError(t, err)
	assert.Empty(t, info.Snapshots)

	_, err = admin.Info(f.ctx, "child")
	assert.ErrorIs(t, err, ErrImageNotFound)

	// Metrics decoration keeps the capability visible.
	assert.True(t, objstore.SupportsSnapshots(objstore.NewMetricsCluster(f.cluster)))
	assert.False(t, objstore.SupportsSnapshots(objstore.NewMetricsCluster(cluster)))
}

func TestRefreshIsSharedAndCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("img", 4*MiB, 22)
	d := f.mapImage(Spec{Image: "img"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Refresh(f.ctx))
		}()
	}
	wg.Wait()

	refreshes := d.Stats().Refreshes
	assert.GreaterOrEqual(t, refreshes, uint64(1))
	assert.LessOrEqual(t, refreshes, uint64(8))

	f.registry.Refresh(f.ctx)
	assert.Equal(t, refreshes+1, d.Stats().Refreshes)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("a", 4*MiB, 22)
	f.create("b", 4*MiB, 22)

	_, err := f.admin.Create(f.ctx, "a", CreateOptions{Size: MiB})
	assert.ErrorIs(t, err, ErrImageExists)

	images, err := f.admin.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "a", images[0].Name)
	assert.Equal(t, "b", images[1].Name)

	_, err = f.registry.Map(f.ctx, f.cluster, Spec{Pool: "rbd", Image: "missing"})
	assert.ErrorIs(t, err, ErrImageNotFound)
	_, err = f.registry.Map(f.ctx, f.cluster, Spec{Pool: "rbd", Image: "a", Snap: "missing"})
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	_, err = f.registry.Map(f.ctx, f.cluster, Spec{Pool: "missing", Image: "a"})
	assert.ErrorIs(t, err, objstore.ErrNoSuchPool)

	a := f.mapImage(Spec{Image: "a"})
	b := f.mapImage(Spec{Image: "b"})
	assert.Same(t, a.client, b.client)
	assert.Same(t, f.admin.Client, a.client)
	assert.Equal(t, "rbd/a", a.String())
	assert.Equal(t, "a", a.ImageName())
	assert.NotEmpty(t, a.ImageID())

	devices := f.registry.Devices()
	require.Len(t, devices, 2)
	assert.Same(t, a, devices[0])
	assert.Same(t, b, devices[1])

	found, err := f.registry.Device(b.ID())
	require.NoError(t, err)
	assert.Same(t, b, found)

	require.NoError(t, f.registry.Unmap(f.ctx, a.ID()))
	assert.ErrorIs(t, f.registry.Unmap(f.ctx, a.ID()), ErrDeviceNotFound)
	_, err = f.registry.Device(a.ID())
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// The client stays open while anybody holds it.
	f.write(b, 0, pattern(1, 0, 4*KiB))
}

func TestUnsupportedImages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	id, err := f.admin.Create(f.ctx, "striped", CreateOptions{Size: MiB, Features: cls.FeatureLayering | cls.FeatureStriping})
	require.NoError(t, err)

	// Default striping is plain object striping and is fine.
	d := f.mapImage(Spec{Image: "striped"})
	require.NoError(t, f.registry.Unmap(f.ctx, d.ID()))

	err = f.pool.OmapSet(f.ctx, cls.HeaderName(id), map[string][]byte{
		"stripe_unit":  new(cls.Encoder).U64(64 * KiB).Bytes(),
		"stripe_count": new(cls.Encoder).U64(4).Bytes(),
	})
	require.NoError(t, err)

	_, err = f.registry.Map(f.ctx, f.cluster, Spec{Pool: "rbd", Image: "striped"})
	assert.ErrorIs(t, err, ErrUnsupportedStriping)
	assert.Equal(t, -6, Errno(err))
	assert.Empty(t, f.registry.Devices())
}

func TestObjectMapCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.layered()
	child := f.mapImage(Spec{Image: "child", ObjectMap: true})

	f.write(child, 0, pattern(7, 0, 4*KiB))
	assert.Equal(t, uint64(1), child.Stats().ExistenceProbes)

	f.registry.Checkpoint(f.ctx)
	_, ok := f.pool.Data(cls.ObjectMapName(child.ImageID()))
	require.True(t, ok)

	require.NoError(t, f.registry.Unmap(f.ctx, child.ID()))

	child = f.mapImage(Spec{Image: "child", ObjectMap: true})
	f.write(child, 4*KiB, pattern(7, 0, 4*KiB))

	s := child.Stats()
	assert.Zero(t, s.ExistenceProbes)
	assert.Zero(t, s.FullParentReads)

	// Shrinking invalidates the map.
	require.NoError(t, f.admin.Resize(f.ctx, "child", 8*MiB))
	f.write(child, 8*KiB, pattern(7, 0, 4*KiB))
	assert.Equal(t, uint64(1), child.Stats().ExistenceProbes)

	requireNoLiveRequests(t, child, child.Parent())
}

func TestConsumerSeesOffsetOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create("img", 16*MiB, 20)
	d := f.mapImage(Spec{Image: "img"})

	// The first object completes last.
	slow := objectName(dataPrefix+id, 0)
	f.pool.SetDelay(func(op, oid string) time.Duration {
		if oid == slow {
			return 50 * time.Millisecond
		}
		return 0
	})

	consumer := &recordingConsumer{}
	done := make(chan error, 1)
	length := uint64(4 * MiB)

	require.NoError(t, d.Submit(BlockIO{
		Write:    true,
		Length:   length,
		Payload:  payload.NewBioList(pattern(5, 0, length)),
		Consumer: consumer,
		Done: func(xferred uint64, err error) {
			assert.Equal(t, length, xferred)
			done <- err
		},
	}))
	require.NoError(t, <-done)

	require.Len(t, consumer.ends, 4)
	for i, e := range consumer.ends {
		assert.Equal(t, uint64(i)*MiB, e.offset)
		assert.Equal(t, uint64(MiB), e.length)
		assert.Zero(t, e.errno)
	}

	requireNoLiveRequests(t, d)
}

func TestBackendFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create("img", 16*MiB, 20)
	d := f.mapImage(Spec{Image: "img"})

	errBroken := errors.New("broken disk")
	broken := objectName(dataPrefix+id, 2)
	f.pool.SetFault(func(op, oid string) error {
		if oid == broken {
			return errBroken
		}
		return nil
	})

	consumer := &recordingConsumer{}
	done := make(chan struct{})

	require.NoError(t, d.Submit(BlockIO{
		Write:    true,
		Length:   4 * MiB,
		Payload:  payload.NewPageList(4 * MiB),
		Consumer: consumer,
		Done: func(xferred uint64, err error) {
			assert.Zero(t, xferred)
			assert.ErrorIs(t, err, errBroken)
			close(done)
		},
	}))
	<-done

	require.Len(t, consumer.ends, 4)
	assert.Equal(t, []int{0, 0, -5, 0}, []int{
		consumer.ends[0].errno, consumer.ends[1].errno, consumer.ends[2].errno, consumer.ends[3].errno,
	})

	_, err := d.ReadAt(make([]byte, 4*KiB), 2*MiB)
	assert.ErrorIs(t, err, errBroken)

	// Reads of other objects are not affected.
	assert.Equal(t, make([]byte, 4*KiB), f.read(d, 3*MiB, 4*KiB))

	requireNoLiveRequests(t, d)
}

func TestSubmitAfterClientClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create("img", 4*MiB, 22)
	d := f.mapImage(Spec{Image: "img"})

	d.client.Close()

	var result error
	done := make(chan struct{})
	require.NoError(t, d.Submit(BlockIO{
		Length:  8 * KiB,
		Payload: payload.NewPageList(8 * KiB),
		Done: func(_ uint64, err error) {
			result = err
			close(done)
		},
	}))
	<-done

	assert.ErrorIs(t, result, objstore.ErrClosed)
	assert.Equal(t, -108, Errno(result))

	requireNoLiveRequests(t, d)
}
