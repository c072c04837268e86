// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import "errors"

var (
	// ErrNotFound is returned by backends for operations on objects which
	// do not exist. Readers of image data treat it as a hole.
	ErrNotFound = errors.New("object not found")

	ErrExists       = errors.New("object already exists")
	ErrClosed       = errors.New("object store client is closed")
	ErrNoSuchPool   = errors.New("pool does not exist")
	ErrNoSuchMethod = errors.New("class method does not exist")
	ErrNoSuchWatch  = errors.New("watch does not exist")

	// ErrSnapshotsUnsupported is returned for snapshot reads and snapshot
	// creation on clusters which can only address the head revision.
	ErrSnapshotsUnsupported = errors.New("backend does not support snapshots")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrTimedOut        = errors.New("timed out waiting for notify acknowledgements")
)
