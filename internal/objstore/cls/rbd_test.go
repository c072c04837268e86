// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/memstore"
)

type fixture struct {
	t      *testing.T
	client *objstore.Client
	pool   int64
	mem    *memstore.Pool
}

func newFixture(t *testing.T) *fixture {
	cluster := memstore.New()
	pool := cluster.CreatePool("rbd")
	c := objstore.New(cluster, objstore.Options{})
	t.Cleanup(c.Close)

	return &fixture{t: t, client: c, pool: pool, mem: cluster.MemPool(pool)}
}

func (f *fixture) call(oid, method string, in []byte) ([]byte, error) {
	op := objstore.CallOp(Class, method, in)
	err := f.client.SubmitAndWait(context.Background(), objstore.NewRequest(f.pool, oid, op))

	return op.Out, err
}

func (f *fixture) mustCall(oid, method string, in []byte) []byte {
	out, err := f.call(oid, method, in)
	require.NoError(f.t, err, method)

	return out
}

func TestEncoding(t *testing.T) {
	t.Parallel()

	b := new(Encoder).U8(7).U32(1).U64(2).I64(-1).Str("abc").Bytes()

	d := NewDecoder(b)
	assert.Equal(t, uint8(7), d.U8())
	assert.Equal(t, uint32(1), d.U32())
	assert.Equal(t, uint64(2), d.U64())
	assert.Equal(t, int64(-1), d.I64())
	assert.Equal(t, "abc", d.Str())
	require.NoError(t, d.Err())

	// Truncated input fails and the failure sticks.
	d = NewDecoder(b[:3])
	d.U8()
	d.U32()
	assert.Zero(t, d.U8())
	assert.ErrorIs(t, d.Err(), ErrMalformed)

	_, err := DecodeSnapContext(new(Encoder).U64(1).U32(1 << 30).Bytes())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	hdr := HeaderName("abc")

	_, err := f.call(hdr, "get_size", Snap(objstore.NoSnap))
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	create := Create{Size: 10 << 20, Order: 22, Features: FeatureLayering, ObjectPrefix: "rbd_data.abc"}
	f.mustCall(hdr, "create", create.Encode())

	_, err = f.call(hdr, "create", create.Encode())
	assert.ErrorIs(t, err, objstore.ErrExists)

	_, err = f.call(HeaderName("bad"), "create", Create{Order: 40, ObjectPrefix: "x"}.Encode())
	assert.ErrorIs(t, err, objstore.ErrInvalidArgument)

	var size Size
	require.NoError(t, size.Decode(f.mustCall(hdr, "get_size", Snap(objstore.NoSnap))))
	assert.Equal(t, Size{Order: 22, Size: 10 << 20}, size)

	var features Features
	require.NoError(t, features.Decode(f.mustCall(hdr, "get_features", Snap(objstore.NoSnap))))
	assert.Equal(t, FeatureLayering, features.Features)
	assert.Equal(t, FeatureLayering, features.Incompatible)

	prefix, err := DecodeString(f.mustCall(hdr, "get_object_prefix", nil))
	require.NoError(t, err)
	assert.Equal(t, "rbd_data.abc", prefix)

	var striping Striping
	require.NoError(t, striping.Decode(f.mustCall(hdr, "get_stripe_unit_count", nil)))
	assert.Equal(t, Striping{Unit: 4 << 20, Count: 1}, striping)

	var parent Parent
	require.NoError(t, parent.Decode(f.mustCall(hdr, "get_parent", Snap(objstore.NoSnap))))
	assert.False(t, parent.Exists())
}

func TestSnapshots(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	hdr := HeaderName("abc")
	f.mustCall(hdr, "create", Create{Size: 1 << 20, Order: 22, ObjectPrefix: "rbd_data.abc"}.Encode())

	for _, name := range []string{"one", "two", "three"} {
		f.mustCall(hdr, "snapshot_add", String(name))
	}

	_, err := f.call(hdr, "snapshot_add", String("two"))
	assert.ErrorIs(t, err, objstore.ErrExists)

	f.mustCall(hdr, "set_size", new(Encoder).U64(2<<20).Bytes())
	f.mustCall(hdr, "snapshot_remove", Snap(2))

	_, err = f.call(hdr, "snapshot_remove", Snap(2))
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	sc, err := DecodeSnapContext(f.mustCall(hdr, "get_snapcontext", nil))
	require.NoError(t, err)
	assert.Equal(t, objstore.SnapID(3), sc.Seq)
	assert.Equal(t, []objstore.SnapID{3, 1}, sc.Snaps)

	name, err := DecodeString(f.mustCall(hdr, "get_snapshot_name", Snap(3)))
	require.NoError(t, err)
	assert.Equal(t, "three", name)

	var size Size
	require.NoError(t, size.Decode(f.mustCall(hdr, "get_size", Snap(1))))
	assert.Equal(t, uint64(1<<20), size.Size)
	require.NoError(t, size.Decode(f.mustCall(hdr, "get_size", Snap(objstore.NoSnap))))
	assert.Equal(t, uint64(2<<20), size.Size)

	var s Snapshot
	require.NoError(t, s.Decode(f.mustCall(hdr, "get_snapshot", Snap(1))))
	assert.Equal(t, "one", s.Name)
}

func TestParent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	hdr := HeaderName("child")
	f.mustCall(hdr, "create", Create{Size: 8 << 20, Order: 22, ObjectPrefix: "rbd_data.child"}.Encode())

	p := Parent{Pool: 0, ImageID: "parent", Snap: 4, Overlap: 16 << 20}
	f.mustCall(hdr, "set_parent", p.Encode())

	_, err := f.call(hdr, "set_parent", p.Encode())
	assert.ErrorIs(t, err, objstore.ErrExists)

	var got Parent
	require.NoError(t, got.Decode(f.mustCall(hdr, "get_parent", Snap(objstore.NoSnap))))
	assert.Equal(t, uint64(8<<20), got.Overlap, "overlap is clipped to the image size")

	f.mustCall(hdr, "snapshot_add", String("snap"))

	// Shrinking shrinks the head overlap, the snapshot keeps its own.
	f.mustCall(hdr, "set_size", new(Encoder).U64(1<<20).Bytes())
	require.NoError(t, got.Decode(f.mustCall(hdr, "get_parent", Snap(objstore.NoSnap))))
	assert.Equal(t, uint64(1<<20), got.Overlap)
	require.NoError(t, got.Decode(f.mustCall(hdr, "get_parent", Snap(1))))
	assert.Equal(t, uint64(8<<20), got.Overlap)

	var features Features
	require.NoError(t, features.Decode(f.mustCall(hdr, "get_features", Snap(objstore.NoSnap))))
	assert.NotZero(t, features.Features&FeatureLayering)
}

func TestDirectory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	entries, err := DecodeDirList(f.mustCall(Directory, "dir_list", nil))
	require.NoError(t, err)
	assert.Empty(t, entries)

	f.mustCall(Directory, "dir_add_image", DirEntry{Name: "vm", ID: "123"}.Encode())
	f.mustCall(Directory, "dir_add_image", DirEntry{Name: "db", ID: "456"}.Encode())

	_, err = f.call(Directory, "dir_add_image", DirEntry{Name: "vm", ID: "789"}.Encode())
	assert.ErrorIs(t, err, objstore.ErrExists)

	name, err := DecodeString(f.mustCall(Directory, "dir_get_name", String("123")))
	require.NoError(t, err)
	assert.Equal(t, "vm", name)

	id, err := DecodeString(f.mustCall(Directory, "dir_get_id", String("db")))
	require.NoError(t, err)
	assert.Equal(t, "456", id)

	entries, err = DecodeDirList(f.mustCall(Directory, "dir_list", nil))
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "db", ID: "456"}, {Name: "vm", ID: "123"}}, entries)

	f.mem.Put(IDObjectName("vm"), []byte("123"))
	id, err = DecodeString(f.mustCall(IDObjectName("vm"), "get_id", nil))
	require.NoError(t, err)
	assert.Equal(t, "123", id)
}

func TestCopyup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.mustCall("rbd_data.abc.0000000000000000", "copyup", []byte("parent"))
	data, ok := f.mem.Data("rbd_data.abc.0000000000000000")
	require.True(t, ok)
	assert.Equal(t, "parent", string(data))

	// Existing object is never overwritten.
	f.mustCall("rbd_data.abc.0000000000000000", "copyup", []byte("stale"))
	data, _ = f.mem.Data("rbd_data.abc.0000000000000000")
	assert.Equal(t, "parent", string(data))

	// Empty copyup does not create the object.
	f.mustCall("rbd_data.abc.0000000000000001", "copyup", nil)
	_, ok = f.mem.Data("rbd_data.abc.0000000000000001")
	assert.False(t, ok)
}
