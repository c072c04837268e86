// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/rbd/payload"
)

var (
	ErrImageNotFound    = errors.New("image not found")
	ErrImageExists      = errors.New("image already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrDeviceNotFound   = errors.New("device not mapped")

	// ErrReadOnly is returned for writes to a device mapping a snapshot.
	ErrReadOnly = errors.New("device is read-only")

	// ErrImageGone is returned for I/O to a device whose mapped snapshot
	// was removed.
	ErrImageGone = errors.New("mapped snapshot no longer exists")

	// ErrOutOfRange is returned for I/O crossing the end of the device.
	// Such requests are rejected as a whole, never clipped.
	ErrOutOfRange = errors.New("request beyond the end of the device")

	ErrUnsupportedFeatures = errors.New("image uses unsupported features")
	ErrUnsupportedStriping = errors.New("image uses unsupported striping")
	ErrParentChainTooLong  = errors.New("too many parents in the clone chain")

	// ErrSnapshotDrift is returned by refresh when a snapshot changed its
	// name, size or features under the same id. The local snapshot list
	// is discarded and rebuilt by the next refresh.
	ErrSnapshotDrift = errors.New("snapshot changed under the same id")
)

// Errno converts err into the negative errno reported to block consumers.
func Errno(err error) int {
	var errno unix.Errno

	switch {
	case err == nil:
		return 0
	case errors.Is(err, objstore.ErrNotFound),
		errors.Is(err, ErrImageNotFound),
		errors.Is(err, ErrSnapshotNotFound),
		errors.Is(err, ErrDeviceNotFound):
		errno = unix.ENOENT
	case errors.Is(err, ErrReadOnly):
		errno = unix.EROFS
	case errors.Is(err, ErrImageGone),
		errors.Is(err, ErrUnsupportedFeatures),
		errors.Is(err, ErrUnsupportedStriping):
		errno = unix.ENXIO
	case errors.Is(err, ErrOutOfRange),
		errors.Is(err, payload.ErrOutOfRange),
		errors.Is(err, objstore.ErrInvalidArgument):
		errno = unix.EINVAL
	case errors.Is(err, objstore.ErrExists), errors.Is(err, ErrImageExists):
		errno = unix.EEXIST
	case errors.Is(err, objstore.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		errno = unix.ETIMEDOUT
	case errors.Is(err, objstore.ErrClosed), errors.Is(err, context.Canceled):
		errno = unix.ESHUTDOWN
	case errors.Is(err, objstore.ErrSnapshotsUnsupported):
		errno = unix.EOPNOTSUPP
	default:
		errno = unix.EIO
	}

	return -int(errno)
}

// Invariant violations are fatal. Continuing would hide corruption of the
// request bookkeeping.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		log.Panic().Msgf(format, args...)
	}
}
