// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/cls"
)

// Restores the object map from the checkpoint saved on the backend, if it
// exists.
func (d *Device) restoreObjectMap(ctx context.Context) error {
	buf, err := d.md.read(ctx, cls.ObjectMapName(d.imageID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := d.objectMap.Restore(buf); err != nil {
		return err
	}

	log.Info().Str("device", d.String()).Msg("Object map restored.")

	return nil
}

// Saves the object map to the backend when it changed since the last
// checkpoint. A failed save is retried by the next checkpoint.
func (d *Device) checkpointObjectMap(ctx context.Context) error {
	buf, dirty := d.objectMap.Checkpoint()
	if !dirty {
		return nil
	}

	err := d.md.writeFull(ctx, cls.ObjectMapName(d.imageID), objstore.SnapContext{}, buf)
	if err != nil {
		d.objectMap.MarkDirty()
		return err
	}

	log.Debug().Str("device", d.String()).Int("bytes", len(buf)).Msg("Object map checkpointed.")

	return nil
}

// Checkpoints object maps of all devices.
func (r *Registry) Checkpoint(ctx context.Context) {
	for _, d := range r.Devices() {
		if d.objectMap == nil {
			continue
		}

		if err := d.checkpointObjectMap(ctx); err != nil {
			log.Warn().Str("device", d.String()).Err(err).Msg("Object map checkpoint failed.")
		}
	}
}

// Refreshes headers of all devices.
func (r *Registry) Refresh(ctx context.Context) {
	for _, d := range r.Devices() {
		d.Refresh(ctx)
	}
}

// Registers handler for SIGUSR1 signal which forces refresh of all mapped
// devices. Useful when header changes come from a process which cannot
// notify our watches.
func (r *Registry) registerSigUSR1Handler(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(c)

		for {
			select {
			case <-c:
				log.Info().Msg("SIGUSR1 received, refreshing all devices.")
				r.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Maintain runs the periodic object map checkpoint until ctx is done.
// Interval of zero disables the checkpoints, the signal handler is active
// anyway.
func (r *Registry) Maintain(ctx context.Context, interval time.Duration) {
	r.registerSigUSR1Handler(ctx)

	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Checkpoint(ctx)
		case <-ctx.Done():
			return
		}
	}
}
