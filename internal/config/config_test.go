// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests share the Cfg singleton, hence no t.Parallel().

func TestDefaults(t *testing.T) {
	Cfg = Config{}
	require.NoError(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))

	assert.Equal(t, BackendMemory, Cfg.Backend)
	assert.Equal(t, "rbd", Cfg.Pool)
	assert.Equal(t, 16, Cfg.Client.Workers)
	assert.Equal(t, []string{"rbd"}, Cfg.S3.Buckets)
	assert.True(t, Cfg.ObjectMap.Enabled)
	assert.Equal(t, 5*time.Second, Cfg.NotifyTimeout)
	assert.Equal(t, 30*time.Second, Cfg.CheckpointInterval)
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	err := os.WriteFile(path, []byte(`
backend = "s3"
pool = "images"

[s3]
buckets = ["images", "backup"]
region = "eu-central-1"

[notify]
timeout = 250
`), 0o600)
	require.NoError(t, err)

	t.Setenv("RBDIO_POOL", "override")

	Cfg = Config{}
	require.NoError(t, Configure(path))

	assert.Equal(t, BackendS3, Cfg.Backend)
	assert.Equal(t, "override", Cfg.Pool)
	assert.Equal(t, []string{"images", "backup"}, Cfg.S3.Buckets)
	assert.Equal(t, "eu-central-1", Cfg.S3.Region)
	assert.Equal(t, 250*time.Millisecond, Cfg.NotifyTimeout)
}

func TestUnknownBackend(t *testing.T) {
	t.Setenv("RBDIO_BACKEND", "tape")

	Cfg = Config{}
	assert.Error(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestDescription(t *testing.T) {
	description, err := Description()
	require.NoError(t, err)
	assert.Contains(t, description, "RBDIO_BACKEND")
}
