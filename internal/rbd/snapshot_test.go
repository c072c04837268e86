// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbdio/internal/objstore"
)

func snaps(ids ...objstore.SnapID) []Snapshot {
	s := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		s = append(s, Snapshot{ID: id, Name: string(rune('a' + id)), Size: uint64(id) * MiB})
	}

	return s
}

func remote(s []Snapshot) map[objstore.SnapID]Snapshot {
	m := make(map[objstore.SnapID]Snapshot, len(s))
	for _, snap := range s {
		m[snap.ID] = snap
	}

	return m
}

func TestReconcileSnapshots(t *testing.T) {
	t.Parallel()

	local := snaps(5, 3, 1)
	sc := objstore.SnapContext{Seq: 5, Snaps: []objstore.SnapID{5, 2, 1}}

	result, removed, err := reconcileSnapshots(local, sc, remote(snaps(5, 2, 1)))
	require.NoError(t, err)
	assert.Equal(t, snaps(5, 2, 1), result)
	assert.Equal(t, []objstore.SnapID{3}, removed)
}

func TestReconcileSnapshotsKeepsLocalEntries(t *testing.T) {
	t.Parallel()

	local := snaps(4, 2)
	sc := objstore.SnapContext{Seq: 6, Snaps: []objstore.SnapID{6, 4, 2}}

	// Only the new snapshot was fetched.
	result, removed, err := reconcileSnapshots(local, sc, remote(snaps(6)))
	require.NoError(t, err)
	assert.Equal(t, snaps(6, 4, 2), result)
	assert.Empty(t, removed)
}

func TestReconcileSnapshotsFailures(t *testing.T) {
	t.Parallel()

	t.Run("Drift", func(t *testing.T) {
		t.Parallel()

		changed := remote(snaps(3, 1))
		s := changed[3]
		s.Size++
		changed[3] = s

		_, _, err := reconcileSnapshots(snaps(3, 1), objstore.SnapContext{Seq: 3, Snaps: []objstore.SnapID{3, 1}}, changed)
		assert.ErrorIs(t, err, ErrSnapshotDrift)
	})

	t.Run("NotDescending", func(t *testing.T) {
		t.Parallel()

		_, _, err := reconcileSnapshots(nil, objstore.SnapContext{Seq: 3, Snaps: []objstore.SnapID{1, 3}}, remote(snaps(1, 3)))
		assert.ErrorIs(t, err, objstore.ErrInvalidArgument)

		_, _, err = reconcileSnapshots(nil, objstore.SnapContext{Seq: 3, Snaps: []objstore.SnapID{3, 3}}, remote(snaps(3)))
		assert.ErrorIs(t, err, objstore.ErrInvalidArgument)
	})

	t.Run("Missing", func(t *testing.T) {
		t.Parallel()

		_, _, err := reconcileSnapshots(nil, objstore.SnapContext{Seq: 3, Snaps: []objstore.SnapID{3, 1}}, remote(snaps(3)))
		assert.ErrorIs(t, err, objstore.ErrNotFound)
	})
}

func TestApplySnapContext(t *testing.T) {
	t.Parallel()

	sc := objstore.SnapContext{Seq: 5, Snaps: []objstore.SnapID{5, 2, 1}}

	t.Run("MappedSnapshotRemoved", func(t *testing.T) {
		t.Parallel()

		d := newTestDevice(22, 8*MiB)
		d.snapID = 3
		d.header.Snapshots = snaps(5, 3, 1)

		require.NoError(t, d.applySnapContext(sc, remote(snaps(5, 2, 1))))
		assert.False(t, d.Exists())
		assert.Equal(t, snaps(5, 2, 1), d.Header().Snapshots)
		assert.Equal(t, sc, d.Header().SnapContext)

		bio := BlockIO{Length: 512, Done: func(uint64, error) { t.Error("done called") }}
		assert.ErrorIs(t, d.Submit(bio), ErrImageGone)
	})

	t.Run("MappedSnapshotKept", func(t *testing.T) {
		t.Parallel()

		d := newTestDevice(22, 8*MiB)
		d.snapID = 5
		d.header.Snapshots = snaps(5, 3, 1)

		require.NoError(t, d.applySnapContext(sc, remote(snaps(5, 2, 1))))
		assert.True(t, d.Exists())
	})

	t.Run("Head", func(t *testing.T) {
		t.Parallel()

		d := newTestDevice(22, 8*MiB)
		d.header.Snapshots = snaps(5, 3, 1)

		require.NoError(t, d.applySnapContext(sc, remote(snaps(5, 2, 1))))
		assert.True(t, d.Exists())
	})

	t.Run("DriftDiscardsList", func(t *testing.T) {
		t.Parallel()

		d := newTestDevice(22, 8*MiB)
		d.header.Snapshots = snaps(5, 2, 1)

		changed := remote(snaps(5, 2, 1))
		s := changed[2]
		s.Name = "renamed"
		changed[2] = s

		assert.ErrorIs(t, d.applySnapContext(sc, changed), ErrSnapshotDrift)
		assert.Nil(t, d.Header().Snapshots)
		assert.True(t, d.Exists())

		// The next refresh starts from scratch.
		require.NoError(t, d.applySnapContext(sc, changed))
		assert.Len(t, d.Header().Snapshots, 3)
	})
}
