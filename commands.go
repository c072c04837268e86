// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/rbdio/internal/config"
	"github.com/asch/rbdio/internal/rbd"
)

var (
	sizeFlag     string
	orderFlag    uint8
	offsetFlag   string
	lengthFlag   string
	readOnlyFlag bool
)

// Parses sizes like 4096, 512K, 10M or 1GiB. Suffixes are binary multiples.
func parseSize(s string) (uint64, error) {
	v, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}

	return uint64(v), nil
}

var mapCmd = &cobra.Command{
	Use:   "map [image[@snap]]",
	Short: "Map an image and keep it mapped until interrupted",
	Long: `Map an image or its snapshot. The mapping watches the image header,
checkpoints the object map periodically and refreshes on SIGUSR1.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, snap, err := parseImageSpec(strings.Join(args, ""))
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			d, err := s.mapImage(ctx, image, snap, readOnlyFlag)
			if err != nil {
				return err
			}

			log.Info().Int("id", d.ID()).Str("device", d.String()).Uint64("size", d.Size()).Msg("Device ready.")

			s.registry.Maintain(ctx, config.Cfg.CheckpointInterval)
			s.registry.Checkpoint(context.Background())

			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info image",
	Short: "Show image header, parent and snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _, err := parseImageSpec(strings.Join(args, ""))
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			info, err := s.admin.Info(ctx, image)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
			fmt.Fprintf(w, "name:\t%s\n", info.Name)
			fmt.Fprintf(w, "id:\t%s\n", info.ID)
			fmt.Fprintf(w, "size:\t%d\n", info.Size)
			fmt.Fprintf(w, "order:\t%d (%d bytes objects)\n", info.Order, uint64(1)<<info.Order)
			fmt.Fprintf(w, "object prefix:\t%s\n", info.ObjectPrefix)
			fmt.Fprintf(w, "features:\t%#x\n", info.Features)
			fmt.Fprintf(w, "parent:\t%s\n", info.Parent)
			for _, snap := range info.Snapshots {
				fmt.Fprintf(w, "snapshot:\t%d %s %d\n", snap.ID, snap.Name, snap.Size)
			}

			return w.Flush()
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List images of the pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			images, err := s.admin.List(ctx)
			if err != nil {
				return err
			}

			for _, image := range images {
				fmt.Printf("%s\t%s\n", image.Name, image.ID)
			}

			return nil
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create image",
	Short: "Create an empty image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := parseSize(sizeFlag)
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			_, err := s.admin.Create(ctx, args[0], rbd.CreateOptions{Size: size, Order: orderFlag})
			return err
		})
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize image",
	Short: "Change the image size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := parseSize(sizeFlag)
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			return s.admin.Resize(ctx, args[0], size)
		})
	},
}

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Manage image snapshots",
}

func snapArgs(args []string) (string, string, error) {
	image, snap, _ := strings.Cut(args[0], "@")
	if image == "" || snap == "" {
		return "", "", fmt.Errorf("%q is not image@snap", args[0])
	}

	return image, snap, nil
}

var snapCreateCmd = &cobra.Command{
	Use:   "create image@snap",
	Short: "Snapshot the image head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, snap, err := snapArgs(args)
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			_, err := s.admin.CreateSnapshot(ctx, image, snap)
			return err
		})
	},
}

var snapRemoveCmd = &cobra.Command{
	Use:   "rm image@snap",
	Short: "Remove a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, snap, err := snapArgs(args)
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			return s.admin.RemoveSnapshot(ctx, image, snap)
		})
	},
}

var cloneCmd = &cobra.Command{
	Use:   "clone parent@snap child",
	Short: "Create a clone backed by a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, snap, err := snapArgs(args)
		if err != nil {
			return err
		}

		var size uint64
		if sizeFlag != "" {
			if size, err = parseSize(sizeFlag); err != nil {
				return err
			}
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			_, err := s.admin.Clone(ctx, s.admin.Pool, parent, snap, args[1], rbd.CreateOptions{Size: size, Order: orderFlag})
			return err
		})
	},
}

// Returns the range given by flags, the whole device by default.
func ioRange(d *rbd.Device) (uint64, uint64, error) {
	offset, err := parseSize(offsetFlag)
	if err != nil {
		return 0, 0, err
	}

	if lengthFlag == "" {
		if offset > d.Size() {
			return offset, 0, nil
		}
		return offset, d.Size() - offset, nil
	}

	length, err := parseSize(lengthFlag)

	return offset, length, err
}

var readCmd = &cobra.Command{
	Use:   "read image[@snap]",
	Short: "Copy image data to the standard output",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, snap, err := parseImageSpec(strings.Join(args, ""))
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			d, err := s.mapImage(ctx, image, snap, true)
			if err != nil {
				return err
			}

			offset, length, err := ioRange(d)
			if err != nil {
				return err
			}

			r := io.NewSectionReader(d, int64(offset), int64(length))
			_, err = io.Copy(os.Stdout, r)

			return err
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write image",
	Short: "Copy the standard input into the image",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _, err := parseImageSpec(strings.Join(args, ""))
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			d, err := s.mapImage(ctx, image, "", false)
			if err != nil {
				return err
			}

			offset, err := parseSize(offsetFlag)
			if err != nil {
				return err
			}

			w := io.NewOffsetWriter(d, int64(offset))
			n, err := io.Copy(w, os.Stdin)
			log.Info().Str("device", d.String()).Int64("bytes", n).Msg("Written.")

			return err
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Describe configuration environment variables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		description, err := config.Description()
		if err != nil {
			return err
		}

		fmt.Println(description)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(mapCmd, infoCmd, lsCmd, createCmd, resizeCmd, snapCmd, cloneCmd, readCmd, writeCmd, configCmd)
	snapCmd.AddCommand(snapCreateCmd, snapRemoveCmd)

	mapCmd.Flags().BoolVar(&readOnlyFlag, "read-only", false, "map the head read-only")

	createCmd.Flags().StringVarP(&sizeFlag, "size", "s", "", "image size, K, M, G and T suffixes are accepted")
	createCmd.Flags().Uint8Var(&orderFlag, "order", rbd.DefaultOrder, "log2 of the object size")
	createCmd.MarkFlagRequired("size")

	resizeCmd.Flags().StringVarP(&sizeFlag, "size", "s", "", "new image size")
	resizeCmd.MarkFlagRequired("size")

	cloneCmd.Flags().StringVarP(&sizeFlag, "size", "s", "", "clone size, the snapshot size by default")
	cloneCmd.Flags().Uint8Var(&orderFlag, "order", 0, "log2 of the object size, the parent order by default")

	for _, c := range []*cobra.Command{readCmd, writeCmd} {
		c.Flags().StringVar(&offsetFlag, "offset", "0", "image offset")
	}
	readCmd.Flags().StringVar(&lengthFlag, "length", "", "number of bytes, up to the end by default")
}
