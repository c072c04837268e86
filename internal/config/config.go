// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/rbdio/config.toml"
)

// Supported object store backends.
const (
	BackendMemory = "memory"
	BackendRados  = "rados"
	BackendS3     = "s3"
	BackendNull   = "null"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Backend string `toml:"backend" env:"RBDIO_BACKEND" env-default:"memory" env-description:"Object store backend. One of memory, rados, s3 and null. Memory and null keep nothing between runs."`
	Pool    string `toml:"pool" env:"RBDIO_POOL" env-default:"rbd" env-description:"Pool holding the images. For s3 it is the bucket name."`
	Image   string `toml:"image" env:"RBDIO_IMAGE" env-default:"" env-description:"Default image for commands which need one."`
	Snap    string `toml:"snap" env:"RBDIO_SNAP" env-default:"" env-description:"Snapshot to map read-only. Head is mapped when empty."`

	Client struct {
		Workers     int   `toml:"workers" env:"RBDIO_CLIENT_WORKERS" env-default:"16" env-description:"Number of workers serving object requests."`
		SyncWorkers int   `toml:"sync_workers" env:"RBDIO_CLIENT_SYNC_WORKERS" env-default:"2" env-description:"Number of workers serving only synchronous metadata requests."`
		MaxInflight int64 `toml:"max_inflight" env:"RBDIO_CLIENT_MAX_INFLIGHT" env-default:"0" env-description:"Upper bound of concurrent backend operations. Zero means number of all workers."`
	} `toml:"client"`

	Rados struct {
		Conf    string `toml:"conf" env:"RBDIO_RADOS_CONF" env-default:"" env-description:"Ceph configuration file. Default search path when empty."`
		User    string `toml:"user" env:"RBDIO_RADOS_USER" env-default:"admin" env-description:"Cephx user without the client. prefix."`
		Keyring string `toml:"keyring" env:"RBDIO_RADOS_KEYRING" env-default:"" env-description:"Keyring overriding the one from the configuration file."`
		MonHost string `toml:"mon_host" env:"RBDIO_RADOS_MON_HOST" env-default:"" env-description:"Monitor addresses overriding the ones from the configuration file."`
	} `toml:"rados"`

	S3 struct {
		Buckets   []string `toml:"buckets" env:"RBDIO_S3_BUCKETS" env-separator:"," env-default:"rbd" env-description:"Buckets backing the pools, comma separated. Pool id is the position in the list."`
		Remote    string   `toml:"remote" env:"RBDIO_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string   `toml:"region" env:"RBDIO_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string   `toml:"access_key" env:"RBDIO_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string   `toml:"secret_key" env:"RBDIO_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	ObjectMap struct {
		Enabled            bool `toml:"enabled" env:"RBDIO_OBJECT_MAP" env-default:"true" env-description:"Track existing objects of mapped heads to skip existence probes of clones."`
		CheckpointInterval int  `toml:"checkpoint_interval" env:"RBDIO_OBJECT_MAP_CHECKPOINT_INTERVAL" env-default:"30" env-description:"Seconds between object map checkpoints. Zero disables periodic checkpoints."`
	} `toml:"object_map"`

	Notify struct {
		TimeoutMs int64 `toml:"timeout" env:"RBDIO_NOTIFY_TIMEOUT" env-default:"5000" env-description:"Header change notification timeout. In ms."`
	} `toml:"notify"`

	Log struct {
		Level  int  `toml:"level" env:"RBDIO_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"RBDIO_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Metrics struct {
		Listen string `toml:"listen" env:"RBDIO_METRICS_LISTEN" env-default:"" env-description:"Address serving prometheus metrics on /metrics. Disabled when empty."`
	} `toml:"metrics"`

	Profiler     bool `toml:"profiler" env:"RBDIO_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"RBDIO_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`

	// Postprocessed values.
	NotifyTimeout      time.Duration
	CheckpointInterval time.Duration
}

// Configure reads the configuration file at path and the environment
// variables. The configuration file has the lower priority and the
// environment variables have the highest priority. It is perfectly fine to
// use just one of these or to combine them.
func Configure(path string) error {
	Cfg.ConfigPath = path

	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if !os.IsNotExist(err) {
			return err
		}

		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	switch Cfg.Backend {
	case BackendMemory, BackendRados, BackendS3, BackendNull:
	default:
		return fmt.Errorf("unknown backend %q", Cfg.Backend)
	}

	Cfg.NotifyTimeout = time.Duration(Cfg.Notify.TimeoutMs) * time.Millisecond
	Cfg.CheckpointInterval = time.Duration(Cfg.ObjectMap.CheckpointInterval) * time.Second

	return nil
}

// Description lists all environment variables with their meaning.
func Description() (string, error) {
	header := "Environment variables (override " + DefaultConfig + "):"

	return cleanenv.GetDescription(&Cfg, &header)
}
