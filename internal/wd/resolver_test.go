package wd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
)

func newTestResolver(t *testing.T, opts ...ResolverOption) (*Resolver, *miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: int(common.WDCacheDB)})
	t.Cleanup(func() { client.Close() })

	root := t.TempDir()
	cfg := common.PathsConfig{
		LegacyRoot:  filepath.Join(root, "geodata", "weppcloud_runs"),
		PrimaryRoot: filepath.Join(root, "wc1"),
		WDCacheTTL:  "72h",
	}
	return NewResolver(cfg, client, arbor.NewNoOpLogger(), opts...), mr, root
}

func TestPrimaryWDPartitionsByPrefix(t *testing.T) {
	r, _, root := newTestResolver(t)
	assert.Equal(t, filepath.Join(root, "wc1", "runs", "de", "demo"), r.PrimaryWD("demo"))
	assert.Equal(t, filepath.Join(root, "wc1", "runs", "x", "x"), r.PrimaryWD("x"))
}

func TestGetWDPrefersLegacyWhenPresent(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(r.LegacyWD("demo"), 0755))
	require.NoError(t, os.MkdirAll(r.PrimaryWD("demo"), 0755))

	path, err := r.GetWD(ctx, "demo", true)
	require.NoError(t, err)
	assert.Equal(t, r.LegacyWD("demo"), path)
}

func TestGetWDIsCacheConsistent(t *testing.T) {
	probes := 0
	var r *Resolver
	r, mr, _ := newTestResolver(t, WithProbe(func(path string) bool {
		probes++
		return path == r.PrimaryWD("demo")
	}))
	ctx := context.Background()

	first, err := r.GetWD(ctx, "demo", true)
	require.NoError(t, err)
	probed := probes

	second, err := r.GetWD(ctx, "demo", true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, probed, probes, "cached lookup must not probe the filesystem")

	ttl := mr.DB(int(common.WDCacheDB)).TTL("wd:demo")
	assert.True(t, ttl > 0 && ttl <= 72*time.Hour)
}

func TestGetWDMissingReturnsPrimaryUncached(t *testing.T) {
	r, mr, _ := newTestResolver(t)

	path, err := r.GetWD(context.Background(), "ghost", true)
	require.NoError(t, err)
	assert.Equal(t, r.PrimaryWD("ghost"), path)
	assert.False(t, mr.DB(int(common.WDCacheDB)).Exists("wd:ghost"))
}

func TestGetWDRejectsTraversal(t *testing.T) {
	r, _, _ := newTestResolver(t)
	_, err := r.GetWD(context.Background(), "../etc", true)
	assert.Error(t, err)
}

func TestPupPathStaysUnderPups(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, PupsDir, "omni", "scenarios", "mulch"), 0755))

	path, err := PupPath(root, "omni/scenarios/mulch")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, PupsDir, "omni", "scenarios", "mulch"), path)

	_, err = PupPath(root, "../../etc")
	assert.Error(t, err)
	_, err = PupPath(root, "omni/missing")
	assert.Error(t, err)
}

func TestMarkers(t *testing.T) {
	root := t.TempDir()
	assert.False(t, IsReadOnly(root))
	require.NoError(t, SetReadOnly(root, true))
	assert.True(t, IsReadOnly(root))
	require.NoError(t, SetReadOnly(root, false))
	require.NoError(t, SetReadOnly(root, false))
	assert.False(t, IsReadOnly(root))
}

func TestRelativizeAndResolve(t *testing.T) {
	assert.Equal(t, "dem/dem.tif", Relativize("/wc1/runs/de/demo", "/wc1/runs/de/demo/dem/dem.tif"))
	assert.Equal(t, "/elsewhere/x", Relativize("/wc1/runs/de/demo", "/elsewhere/x"))
	assert.Equal(t, "/wc1/runs/de/demo/dem/dem.tif", Resolve("/wc1/runs/de/demo", "dem/dem.tif"))
}
