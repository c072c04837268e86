// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asch/rbdio/internal/rbd"
	"github.com/asch/rbdio/internal/rbd/payload"
)

var (
	benchBlock    string
	benchCount    int
	benchDepth    int
	benchWrites   int
	benchLayered  bool
	benchImageDef = "bench"
)

var benchCmd = &cobra.Command{
	Use:   "bench [image]",
	Short: "Run random I/O against an image and report throughput",
	Long: `Run random reads and writes against the image. The image is created
when it does not exist. With --layered the I/O goes to a clone of a
snapshot of the image, so the copy-up path is exercised as well.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image := benchImageDef
		if len(args) > 0 {
			image = args[0]
		}

		size, err := parseSize(sizeFlag)
		if err != nil {
			return err
		}

		block, err := parseSize(benchBlock)
		if err != nil {
			return err
		}

		if block == 0 || block > size {
			return fmt.Errorf("block size %d does not fit image of size %d", block, size)
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			target, err := benchImage(ctx, s, image, size)
			if err != nil {
				return err
			}

			d, err := s.mapImage(ctx, target, "", false)
			if err != nil {
				return err
			}

			return bench(ctx, d, block)
		})
	},
}

// Prepares the image and returns the name of the image to run the I/O on.
func benchImage(ctx context.Context, s *session, image string, size uint64) (string, error) {
	_, err := s.admin.Create(ctx, image, rbd.CreateOptions{Size: size, Order: orderFlag})
	if err != nil && !errors.Is(err, rbd.ErrImageExists) {
		return "", err
	}

	if !benchLayered {
		return image, nil
	}

	clone := image + "-clone"
	snap := fmt.Sprintf("bench-%d", time.Now().Unix())

	if _, err := s.admin.CreateSnapshot(ctx, image, snap); err != nil {
		return "", err
	}

	if _, err := s.admin.Clone(ctx, s.admin.Pool, image, snap, clone, rbd.CreateOptions{}); err != nil {
		return "", err
	}

	return clone, nil
}

func bench(ctx context.Context, d *rbd.Device, block uint64) error {
	blocks := d.Size() / block
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(benchDepth)

	start := time.Now()
	var submitted int

	for ; submitted < benchCount && ctx.Err() == nil; submitted++ {
		offset := uint64(rnd.Int63n(int64(blocks))) * block
		write := rnd.Intn(100) < benchWrites

		g.Go(func() error {
			pages := payload.NewPageList(block)
			done := make(chan error, 1)

			err := d.Submit(rbd.BlockIO{
				Write:   write,
				Offset:  offset,
				Length:  block,
				Payload: pages,
				Done: func(_ uint64, err error) {
					done <- err
				},
			})
			if err == nil {
				err = <-done
			}
			pages.Release()

			return err
		})
	}

	err := g.Wait()
	elapsed := time.Since(start)

	stats := d.Stats()
	bytes := float64(uint64(submitted)*block) / (1 << 20)

	log.Info().
		Str("device", d.String()).
		Int("requests", submitted).
		Dur("elapsed", elapsed).
		Float64("iops", float64(submitted)/elapsed.Seconds()).
		Float64("mib_per_sec", bytes/elapsed.Seconds()).
		Uint64("existence_probes", stats.ExistenceProbes).
		Uint64("parent_reads", stats.ParentReads).
		Uint64("copyups", stats.Copyups).
		Msg("Benchmark finished.")

	return err
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().StringVarP(&sizeFlag, "size", "s", "1G", "size of the image when it is created")
	benchCmd.Flags().Uint8Var(&orderFlag, "order", rbd.DefaultOrder, "log2 of the object size when the image is created")
	benchCmd.Flags().StringVar(&benchBlock, "block", "4K", "size of one request")
	benchCmd.Flags().IntVar(&benchCount, "count", 100000, "number of requests")
	benchCmd.Flags().IntVar(&benchDepth, "depth", 64, "number of requests in flight")
	benchCmd.Flags().IntVar(&benchWrites, "writes", 50, "percentage of writes")
	benchCmd.Flags().BoolVar(&benchLayered, "layered", false, "run on a fresh clone of the image")
}
