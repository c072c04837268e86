// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbdio/internal/objstore"
)

func newPool(t *testing.T) *Pool {
	c := New()
	p, err := c.Pool(c.CreatePool("rbd"))
	require.NoError(t, err)

	return p.(*Pool)
}

func read(t *testing.T, p *Pool, oid string, snap objstore.SnapID) (string, error) {
	buf := make([]byte, 32)
	n, err := p.Read(context.Background(), oid, snap, buf, 0)

	return string(buf[:n]), err
}

func TestPools(t *testing.T) {
	t.Parallel()

	c := New()
	id := c.CreatePool("rbd")
	assert.Equal(t, id, c.CreatePool("rbd"))

	other := c.CreatePool("other")
	assert.NotEqual(t, id, other)

	name, err := c.PoolName(other)
	require.NoError(t, err)
	assert.Equal(t, "other", name)

	got, err := c.PoolID("rbd")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = c.PoolID("missing")
	assert.ErrorIs(t, err, objstore.ErrNoSuchPool)

	_, err = c.Pool(42)
	assert.ErrorIs(t, err, objstore.ErrNoSuchPool)
}

func TestReadWrite(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	ctx := context.Background()

	_, err := read(t, p, "obj", objstore.NoSnap)
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	require.NoError(t, p.Write(ctx, "obj", objstore.SnapContext{}, []byte("world"), 6))
	require.NoError(t, p.Write(ctx, "obj", objstore.SnapContext{}, []byte("hello "), 0))

	data, err := read(t, p, "obj", objstore.NoSnap)
	require.NoError(t, err)
	assert.Equal(t, "hello world", data)

	buf := make([]byte, 4)
	n, err := p.Read(ctx, "obj", objstore.NoSnap, buf, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := p.Stat(ctx, "obj", objstore.NoSnap)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), st.Size)

	require.NoError(t, p.WriteFull(ctx, "obj", objstore.SnapContext{}, []byte("x")))
	data, _ = read(t, p, "obj", objstore.NoSnap)
	assert.Equal(t, "x", data)

	require.NoError(t, p.Remove(ctx, "obj", objstore.SnapContext{}))
	assert.ErrorIs(t, p.Remove(ctx, "obj", objstore.SnapContext{}), objstore.ErrNotFound)
}

func TestSnapshots(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	ctx := context.Background()
	snap1 := objstore.SnapContext{Seq: 1, Snaps: []objstore.SnapID{1}}
	snap2 := objstore.SnapContext{Seq: 2, Snaps: []objstore.SnapID{2, 1}}

	require.NoError(t, p.WriteFull(ctx, "obj", objstore.SnapContext{}, []byte("v0")))

	// First write after snapshot 1 preserves v0 for it.
	require.NoError(t, p.WriteFull(ctx, "obj", snap1, []byte("v1")))
	require.NoError(t, p.WriteFull(ctx, "obj", snap1, []byte("v1b")))

	// Object created after snapshot 1 does not exist in it.
	require.NoError(t, p.WriteFull(ctx, "new", snap1, []byte("n")))

	require.NoError(t, p.WriteFull(ctx, "obj", snap2, []byte("v2")))

	tests := []struct {
		oid  string
		snap objstore.SnapID
		data string
		err  error
	}{
		{"obj", objstore.NoSnap, "v2", nil},
		{"obj", 1, "v0", nil},
		{"obj", 2, "v1b", nil},
		{"new", objstore.NoSnap, "n", nil},
		{"new", 1, "", objstore.ErrNotFound},
		{"new", 2, "n", nil},
	}

	for _, tc := range tests {
		data, err := read(t, p, tc.oid, tc.snap)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, "%s@%d", tc.oid, tc.snap)
			continue
		}
		require.NoError(t, err, "%s@%d", tc.oid, tc.snap)
		assert.Equal(t, tc.data, data, "%s@%d", tc.oid, tc.snap)
	}

	// Removed object stays readable in the snapshots.
	require.NoError(t, p.Remove(ctx, "obj", snap2))
	_, err := read(t, p, "obj", objstore.NoSnap)
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	data, err := read(t, p, "obj", 1)
	require.NoError(t, err)
	assert.Equal(t, "v0", data)
}

func TestRemoveKeepsSnapshotData(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	ctx := context.Background()
	snap1 := objstore.SnapContext{Seq: 1, Snaps: []objstore.SnapID{1}}

	// Written before the snapshot, so there is no clone yet.
	require.NoError(t, p.WriteFull(ctx, "obj", objstore.SnapContext{}, []byte("v0")))
	require.NoError(t, p.Remove(ctx, "obj", snap1))

	_, err := read(t, p, "obj", objstore.NoSnap)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	assert.Empty(t, p.Objects())

	data, err := read(t, p, "obj", 1)
	require.NoError(t, err)
	assert.Equal(t, "v0", data)

	// Recreating the object keeps the snapshot content.
	require.NoError(t, p.WriteFull(ctx, "obj", snap1, []byte("v1")))
	data, err = read(t, p, "obj", 1)
	require.NoError(t, err)
	assert.Equal(t, "v0", data)

	// Without snapshots nothing is kept.
	require.NoError(t, p.WriteFull(ctx, "plain", objstore.SnapContext{}, []byte("x")))
	require.NoError(t, p.Remove(ctx, "plain", objstore.SnapContext{}))
	_, err = read(t, p, "plain", 1)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestOmap(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	ctx := context.Background()

	_, err := p.OmapGet(ctx, "obj")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	require.NoError(t, p.OmapSet(ctx, "obj", map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	require.NoError(t, p.OmapRemove(ctx, "obj", []string{"a"}))

	pairs, err := p.OmapGet(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"b": []byte("2")}, pairs)

	v1, err := p.Version(ctx, "obj")
	require.NoError(t, err)
	require.NoError(t, p.OmapSet(ctx, "obj", map[string][]byte{"c": nil}))
	v2, err := p.Version(ctx, "obj")
	require.NoError(t, err)
	assert.Greater(t, v2, v1)
}

func TestFaultAndDelay(t *testing.T) {
	t.Parallel()

	p := newPool(t)
	errInjected := errors.New("injected")

	p.SetFault(func(op, oid string) error {
		if oid == "bad" {
			return errInjected
		}
		return nil
	})

	assert.ErrorIs(t, p.WriteFull(context.Background(), "bad", objstore.SnapContext{}, nil), errInjected)
	assert.NoError(t, p.WriteFull(context.Background(), "good", objstore.SnapContext{}, nil))
	assert.Equal(t, []string{"good"}, p.Objects())

	p.SetDelay(func(op, oid string) time.Duration {
		return time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Stat(ctx, "good", objstore.NoSnap)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
