package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/driftsync/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBackendsCommand(t *testing.T) {
	out, err := execute(t, "backends")
	require.NoError(t, err)
	for _, driver := range []string{"memory", "sqlite", "mysql", "postgres", "mongodb"} {
		assert.Contains(t, out, "- "+driver)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "driftsync v"+version)
}

func TestLoadConfig_FileThenOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replication.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: accounts
source:
  driver: sqlite
  dsn: ":memory:"
sync:
  page_size: 20
  poll_interval: 2s
`), 0o600))

	t.Setenv("DRIFTSYNC_SYNC_WORKERS", "3")
	v := config.NewViper()
	v.Set("sync.page_size", 7)

	cfg, err := loadConfig(path, v)
	require.NoError(t, err)
	assert.Equal(t, "accounts", cfg.Name)
	assert.Equal(t, "sqlite", cfg.Source.Driver)
	assert.Equal(t, 7, cfg.Sync.PageSize)
	assert.Equal(t, 3, cfg.Sync.Workers)
	assert.Equal(t, 2*time.Second, cfg.Sync.PollInterval)
}

func TestLoadConfig_Invalid(t *testing.T) {
	v := config.NewViper()
	v.Set("sync.page_size", -1)

	_, err := loadConfig("", v)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestSyncCommand_Memory(t *testing.T) {
	out, err := execute(t, "sync", "--strategy", "bulk", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "bulk sync wrote 0 records")
}

func TestSyncCommand_UnknownStrategy(t *testing.T) {
	_, err := execute(t, "sync", "--strategy", "mirror", "--log-level", "error")
	assert.ErrorContains(t, err, "unknown sync strategy")
}
