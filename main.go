// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// rbdio is a userspace client of RBD-style block images stored as objects in
// an object store. It maps images and their snapshots, serves reads and
// writes of clones through the layering engine and administers images.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/rbd contains the image I/O engine: splitting of image requests
// into object requests, completion aggregation, layering with copy-up, header
// refresh and snapshot reconciliation. See the package descriptions in the
// source code for more details.
//
// - internal/objstore contains the object store client and its backends. The
// memory and null backends keep nothing between runs and are meant for
// testing and benchmarking of the engine.
//
// - internal/config contains configuration package which is common for all
// commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/rbdio/internal/config"
	"github.com/asch/rbdio/internal/objstore"
	"github.com/asch/rbdio/internal/objstore/memstore"
	"github.com/asch/rbdio/internal/objstore/null"
	"github.com/asch/rbdio/internal/objstore/rados"
	"github.com/asch/rbdio/internal/objstore/s3"
	"github.com/asch/rbdio/internal/rbd"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rbdio",
	Short: "Userspace client of layered block images stored in an object store",
	Long: `rbdio maps block images stored as objects, reads and writes them and
administers images, snapshots and clones.

The backend, pool and client tuning come from the configuration file and
RBDIO_* environment variables, see "rbdio config".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Configure(configPath); err != nil {
			return err
		}

		loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

		if config.Cfg.Profiler {
			runProfiler(config.Cfg.ProfilerPort)
		}

		if config.Cfg.Metrics.Listen != "" {
			runMetrics(config.Cfg.Metrics.Listen)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfig, "Path to configuration file")
}

// Parse configuration from file and environment variables and run the
// command. Long running commands stop gracefully on SIGINT or SIGTERM.
func main() {
	ctx, cancel := signalContext()
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Send()
		os.Exit(1)
	}
}

// Returns context canceled when SIGINT or SIGTERM came in.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		select {
		case s := <-stopChan:
			log.Info().Str("signal", s.String()).Msg("Received interrupt, stopping!")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(stopChan)
	}()

	return ctx, cancel
}

// Connects to the configured backend. Every pool is instrumented with
// prometheus metrics.
func newCluster() (objstore.Cluster, error) {
	var cluster objstore.Cluster

	switch config.Cfg.Backend {
	case config.BackendMemory:
		c := memstore.New()
		c.CreatePool(config.Cfg.Pool)
		cluster = c
	case config.BackendNull:
		c := null.New(func(oid string) bool {
			return strings.HasPrefix(oid, "rbd_data.")
		})
		c.CreatePool(config.Cfg.Pool)
		cluster = c
	case config.BackendRados:
		c, err := rados.New(rados.Options{
			ConfigFile: config.Cfg.Rados.Conf,
			User:       config.Cfg.Rados.User,
			Keyring:    config.Cfg.Rados.Keyring,
			MonHost:    config.Cfg.Rados.MonHost,
		})
		if err != nil {
			return nil, err
		}
		cluster = c
	case config.BackendS3:
		c, err := s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
			Buckets:   config.Cfg.S3.Buckets,
		})
		if err != nil {
			return nil, err
		}
		cluster = c
	default:
		return nil, fmt.Errorf("unknown backend %q", config.Cfg.Backend)
	}

	log.Debug().Str("backend", config.Cfg.Backend).Msg("Connected to the cluster.")

	return objstore.NewMetricsCluster(cluster), nil
}

func newRegistry() *rbd.Registry {
	return rbd.NewRegistry(rbd.Options{
		Client: objstore.Options{
			Workers:     config.Cfg.Client.Workers,
			SyncWorkers: config.Cfg.Client.SyncWorkers,
			MaxInflight: config.Cfg.Client.MaxInflight,
		},
		NotifyTimeout: config.Cfg.NotifyTimeout,
	})
}

// session bundles everything a command needs. It is closed by the caller.
type session struct {
	cluster  objstore.Cluster
	registry *rbd.Registry
	admin    *rbd.Admin
	release  func()
}

func newSession() (*session, error) {
	cluster, err := newCluster()
	if err != nil {
		return nil, err
	}

	registry := newRegistry()

	admin, release, err := registry.Admin(cluster, config.Cfg.Pool)
	if err != nil {
		cluster.Close()
		return nil, err
	}

	return &session{
		cluster:  cluster,
		registry: registry,
		admin:    admin,
		release:  release,
	}, nil
}

func (s *session) mapImage(ctx context.Context, image, snap string, readOnly bool) (*rbd.Device, error) {
	return s.registry.Map(ctx, s.cluster, rbd.Spec{
		Pool:      config.Cfg.Pool,
		Image:     image,
		Snap:      snap,
		ReadOnly:  readOnly,
		ObjectMap: config.Cfg.ObjectMap.Enabled,
	})
}

func (s *session) close(ctx context.Context) {
	if err := s.registry.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Unmapping failed.")
	}
	s.release()

	if err := s.cluster.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing cluster failed.")
	}
}

// Runs fn within a new session.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := newSession()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	defer s.close(context.Background())

	return fn(ctx, s)
}

// Splits image@snap.
func parseImageSpec(spec string) (string, string, error) {
	image, snap, _ := strings.Cut(spec, "@")
	if image == "" {
		image = config.Cfg.Image
	}
	if image == "" {
		return "", "", errors.New("image name is missing")
	}
	if snap == "" {
		snap = config.Cfg.Snap
	}

	return image, snap, nil
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

// Serves prometheus metrics of the engine, the client and the backends.
func runMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info().Err(http.ListenAndServe(listen, mux)).Send()
	}()
}
