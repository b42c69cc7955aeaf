package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFilesMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "base.toml")
	second := filepath.Join(dir, "site.toml")

	require.NoError(t, os.WriteFile(first, []byte(`
[paths]
primary_root = "/wc1"

[queue]
backend = "badger"
queues = ["high", "default"]
`), 0644))
	require.NoError(t, os.WriteFile(second, []byte(`
[paths]
primary_root = "/wc2"
`), 0644))

	cfg, err := LoadFromFiles(first, second)
	require.NoError(t, err)

	assert.Equal(t, "/wc2", cfg.Paths.PrimaryRoot)
	assert.Equal(t, "badger", cfg.Queue.Backend)
	assert.Equal(t, []string{"high", "default"}, cfg.Queue.Queues)
	assert.Equal(t, "/geodata/weppcloud_runs", cfg.Paths.LegacyRoot)
}

func TestLoadFromFilesRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[queue]\nbackend = \"sqs\"\n"), 0644))

	_, err := LoadFromFiles(path)
	assert.Error(t, err)
}

func TestEnvOverridesNCPU(t *testing.T) {
	t.Setenv("WEPPPY_NCPU", "6")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Worker.ResolveNCPU())
}

func TestResolveNCPUDefaultsToAtLeastOne(t *testing.T) {
	assert.GreaterOrEqual(t, WorkerConfig{}.ResolveNCPU(), 1)
}

func TestCacheTTLIsCapped(t *testing.T) {
	assert.Equal(t, 72*time.Hour, PathsConfig{WDCacheTTL: "200h"}.CacheTTL())
	assert.Equal(t, time.Hour, PathsConfig{WDCacheTTL: "1h"}.CacheTTL())
	assert.Equal(t, 72*time.Hour, PathsConfig{WDCacheTTL: "nonsense"}.CacheTTL())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"high", "default", "low"}, SplitList(" high, default,,low "))
	assert.Nil(t, SplitList(""))
}
