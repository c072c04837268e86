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
)

const (
	parentSize = 10 * MiB
	childSize  = 16 * MiB
)

// Creates image "base" filled with pattern 1, snapshot "s1" of it and clone
// "child" of the snapshot. Returns the mapped base head.
func (f *fixture) layered() *Device {
	f.create("base", parentSize, 22)
	base := f.mapImage(Spec{Image: "base"})
	f.write(base, 0, pattern(1, 0, parentSize))

	f.snapshot("base", "s1")
	f.clone("base", "s1", "child", childSize)

	return base
}

func (f *fixture) objectData(image string, index uint64) ([]byte, bool) {
	info, err := f.admin.Info(f.ctx, image)
	require.NoError(f.t, err)

	return f.pool.Data(objectName(info.ObjectPrefix, index))
}

func TestClone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.layered()

	child := f.mapImage(Spec{Image: "child"})
	require.NotNil(t, child.Parent())

	p := child.ParentSpec()
	assert.True(t, p.Exists())
	assert.Equal(t, uint64(parentSize), p.Overlap)
	assert.Equal(t, uint64(childSize), child.Size())
	assert.Equal(t, "s1", child.Parent().SnapName())
	assert.True(t, child.Parent().ReadOnly())

	// Nothing was copied, everything comes from the parent.
	assert.Equal(t, pattern(1, 0, parentSize), f.read(child, 0, parentSize))
	assert.Equal(t, make([]byte, childSize-parentSize), f.read(child, parentSize, childSize-parentSize))

	_, ok := f.objectData("child", 0)
	assert.False(t, ok)

	requireNoLiveRequests(t, child, child.Parent())
}

func TestCopyup(t *testing.T) {
	t.Parallel()

	for _, ts := range []struct {
		name      string
		objectMap bool
		probes    uint64
	}{
		{"WithoutObjectMap", false, 2},
		{"WithObjectMap", true, 1},
	} {
		ts := ts
		t.Run(ts.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.layered()
			child := f.mapImage(Spec{Image: "child", ObjectMap: ts.objectMap})

			data := pattern(7, 0, 4*KiB)
			f.write(child, MiB, data)

			s := child.Stats()
			assert.Equal(t, uint64(1), s.ExistenceProbes)
			assert.Equal(t, uint64(1), s.FullParentReads)
			assert.Equal(t, uint64(1), s.Copyups)

			expected := pattern(1, 0, 4*MiB)
			copy(expected[MiB:], data)

			obj, ok := f.objectData("child", 0)
			require.True(t, ok)
			assert.Equal(t, expected, obj)

			// The object exists now, no more parent reads.
			f.write(child, 2*MiB, data)
			copy(expected[2*MiB:], data)

			s = child.Stats()
			assert.Equal(t, ts.probes, s.ExistenceProbes)
			assert.Equal(t, uint64(1), s.FullParentReads)
			assert.Equal(t, uint64(1), s.Copyups)

			assert.Equal(t, expected, f.read(child, 0, 4*MiB))

			requireNoLiveRequests(t, child, child.Parent())
		})
	}
}

func TestCopyupClippedToOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.layered()
	child := f.mapImage(Spec{Image: "child"})

	// Object 2 covers 8MiB to 12MiB, the parent only up to 10MiB.
	data := pattern(7, 0, 4*KiB)
	f.write(child, 11*MiB, data)

	obj, ok := f.objectData("child", 2)
	require.True(t, ok)
	require.Len(t, obj, 3*MiB+4*KiB)
	assert.Equal(t, pattern(1, 8*MiB, 2*MiB), obj[:2*MiB])
	assert.Equal(t, make([]byte, MiB), obj[2*MiB:3*MiB])
	assert.Equal(t, data, obj[3*MiB:])

	// Objects beyond the overlap are written directly.
	f.write(child, 12*MiB, data)

	s := child.Stats()
	assert.Equal(t, uint64(1), s.ExistenceProbes)
	assert.Equal(t, uint64(1), s.FullParentReads)

	requireNoLiveRequests(t, child, child.Parent())
}

func TestParentReadBeyondOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.layered()
	child := f.mapImage(Spec{Image: "child"})

	assert.Equal(t, make([]byte, 4*KiB), f.read(child, 12*MiB, 4*KiB))
	assert.Zero(t, child.Stats().ParentReads)

	// Half of the range is backed by the parent.
	buf := f.read(child, parentSize-512*KiB, MiB)
	assert.Equal(t, pattern(1, parentSize-512*KiB, 512*KiB), buf[:512*KiB])
	assert.Equal(t, make([]byte, 512*KiB), buf[512*KiB:])
	assert.Equal(t, uint64(1), child.Stats().ParentReads)

	requireNoLiveRequests(t, child, child.Parent())
}

func TestParentSnapshotIsStable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := f.layered()
	child := f.mapImage(Spec{Image: "child"})

	f.write(base, 0, pattern(9, 0, 8*MiB))
	assert.Equal(t, pattern(9, 0, 8*MiB), f.read(base, 0, 8*MiB))

	assert.Equal(t, pattern(1, 0, 8*MiB), f.read(child, 0, 8*MiB))

	// Copy-up takes the snapshot data as well.
	f.write(child, 0, pattern(7, 0, 4*KiB))
	expected := pattern(1, 0, 4*MiB)
	copy(expected, pattern(7, 0, 4*KiB))

	obj, ok := f.objectData("child", 0)
	require.True(t, ok)
	assert.Equal(t, expected, obj)

	requireNoLiveRequests(t, base, child, child.Parent())
}

func TestCloneChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.layered()
	child := f.mapImage(Spec{Image: "child"})

	data := pattern(7, 0, 4*KiB)
	f.write(child, 0, data)

	f.snapshot("child", "s2")
	f.clone("child", "s2", "grandchild", 0)

	grandchild := f.mapImage(Spec{Image: "grandchild"})
	require.NotNil(t, grandchild.Parent())
	require.NotNil(t, grandchild.Parent().Parent())
	assert.Equal(t, uint64(childSize), grandchild.Size())

	// Object 0 lives in the child, object 1 in the base.
	assert.Equal(t, data, f.read(grandchild, 0, 4*KiB))
	assert.Equal(t, pattern(1, 4*KiB, 4*MiB-4*KiB), f.read(grandchild, 4*KiB, 4*MiB-4*KiB))
	assert.Equal(t, pattern(1, 4*MiB, 4*MiB), f.read(grandchild, 4*MiB, 4*MiB))
	assert.Equal(t, make([]byte, MiB), f.read(grandchild, 15*MiB, MiB))

	// Copy-up from two levels down.
	f.write(grandchild, 5*MiB, data)
	expected := pattern(1, 4*MiB, 4*MiB)
	copy(expected[MiB:], data)

	obj, ok := f.objectData("grandchild", 1)
	require.True(t, ok)
	assert.Equal(t, expected, obj)

	requireNoLiveRequests(t, grandchild, grandchild.Parent(), grandchild.Parent().Parent())
}

func TestLayeringFailures(t *testing.T) {
	t.Parallel()

	errBroken := errors.New("broken disk")

	for _, ts := range []struct {
		name  string
		write bool
		op    string
		image string

		// Closes the client instead of failing the operation.
		closeClient bool
		err         error
	}{
		{name: "ExistenceStat", write: true, op: "stat", image: "child", err: errBroken},
		{name: "FullParentRead", write: true, op: "read", image: "base", err: errBroken},
		{name: "Copyup", write: true, op: "writefull", image: "child", err: errBroken},
		{name: "CopyupNotSubmitted", write: true, op: "read", image: "base", closeClient: true, err: objstore.ErrClosed},
		{name: "ParentRead", write: false, op: "read", image: "base", err: errBroken},
	} {
		ts := ts
		t.Run(ts.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.layered()
			child := f.mapImage(Spec{Image: "child"})

			info, err := f.admin.Info(f.ctx, "child")
			require.NoError(t, err)
			childObject := objectName(info.ObjectPrefix, 0)

			info, err = f.admin.Info(f.ctx, ts.image)
			require.NoError(t, err)
			failing := objectName(info.ObjectPrefix, 0)

			client := f.admin.Client
			var once sync.Once
			f.pool.SetFault(func(op, oid string) error {
				if op != ts.op || oid != failing {
					return nil
				}
				if !ts.closeClient {
					return ts.err
				}

				// The read itself succeeds, the following submission is
				// refused.
				once.Do(func() {
					go client.Close()
					for !client.Closed() {
						time.Sleep(time.Millisecond)
					}
				})
				return nil
			})

			buf := pattern(7, 0, 4*KiB)
			var n int
			if ts.write {
				n, err = child.WriteAt(buf, MiB)
			} else {
				n, err = child.ReadAt(buf, MiB)
			}

			assert.ErrorIs(t, err, ts.err)
			assert.Zero(t, n)

			_, ok := f.pool.Data(childObject)
			assert.False(t, ok)

			requireNoLiveRequests(t, child, child.Parent())
		})
	}
}
