// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
)

// Merges the local snapshot list with the snapshot context fetched from the
// header. Both are ordered by descending id. Snapshots missing remotely are
// dropped and returned as removed, new ones are taken from remote. Snapshots
// present on both sides must not differ.
func reconcileSnapshots(local []Snapshot, sc objstore.SnapContext, remote map[objstore.SnapID]Snapshot) ([]Snapshot, []objstore.SnapID, error) {
	ids := sc.Snaps
	for i := 1; i < len(ids); i++ {
		if ids[i] >= ids[i-1] {
			return nil, nil, fmt.Errorf("snapshot context %v not in descending order: %w", ids, objstore.ErrInvalidArgument)
		}
	}

	snaps := make([]Snapshot, 0, len(ids))
	var removed []objstore.SnapID

	i, j := 0, 0
	for i < len(local) || j < len(ids) {
		switch {
		case j == len(ids) || (i < len(local) && local[i].ID > ids[j]):
			removed = append(removed, local[i].ID)
			log.Info().Uint64("snap", uint64(local[i].ID)).Str("name", local[i].Name).Msg("Snapshot removed.")
			i++

		case i == len(local) || ids[j] > local[i].ID:
			s, ok := remote[ids[j]]
			if !ok {
				return nil, nil, fmt.Errorf("snapshot %d was not fetched: %w", ids[j], objstore.ErrNotFound)
			}
			snaps = append(snaps, s)
			log.Info().Uint64("snap", uint64(s.ID)).Str("name", s.Name).Msg("Snapshot added.")
			j++

		default:
			if s, ok := remote[ids[j]]; ok && s != local[i] {
				return nil, nil, fmt.Errorf("snapshot %d was %+v, now %+v: %w", ids[j], local[i], s, ErrSnapshotDrift)
			}
			snaps = append(snaps, local[i])
			i++
			j++
		}
	}

	return snaps, removed, nil
}

func containsSnap(ids []objstore.SnapID, id objstore.SnapID) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}

	return false
}

// Installs a fetched snapshot context. On failure the whole local list is
// dropped, the next refresh rebuilds it. Clears the exists flag when the
// mapped snapshot is gone. Called with the header lock held for writing.
func (d *Device) applySnapContext(sc objstore.SnapContext, remote map[objstore.SnapID]Snapshot) error {
	snaps, removed, err := reconcileSnapshots(d.header.Snapshots, sc, remote)
	if err != nil {
		d.header.Snapshots = nil
		return err
	}

	d.header.SnapContext = sc
	d.header.Snapshots = snaps

	if d.snapID != objstore.NoSnap && (containsSnap(removed, d.snapID) || !containsSnap(sc.Snaps, d.snapID)) {
		if d.exists.Swap(false) {
			log.Warn().Str("device", d.String()).Msg("Mapped snapshot was removed.")
		}
	}

	return nil
}
