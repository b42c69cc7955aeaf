package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// copyTree stands in for rsync: the last two arguments are source and
// destination.
func copyTree(_ context.Context, inv tools.Invocation) ([]string, error) {
	src := strings.TrimSuffix(inv.Args[len(inv.Args)-2], string(filepath.Separator))
	dst := strings.TrimSuffix(inv.Args[len(inv.Args)-1], string(filepath.Separator))
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		return nil, err
	}
	return []string{"sent 3 files"}, nil
}

func TestSanitizeFork(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "a.nodb"),
		[]byte(`{"wd": "/geodata/wc1/runs/de/demo/foo", "name": "demo-site"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "b.nodb"), []byte(`{"x": 1}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "a.nodb.lock"), nil, 0644))
	require.NoError(t, wd.SetReadOnly(dest, true))
	require.NoError(t, wd.SetPublic(dest, true))

	n, err := SanitizeFork(dest, "/tmp/elsewhere/demo", "demo", "demo-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(dest, "a.nodb"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"/geodata/wc1/runs/de/demo-2/foo"`)
	assert.Contains(t, string(data), `"demo-site"`)

	assert.NoFileExists(t, filepath.Join(dest, "a.nodb.lock"))
	assert.False(t, wd.IsReadOnly(dest))
	assert.False(t, wd.IsPublic(dest))
}

func TestSanitizeForkRewritesSourceWD(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "demo-2")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "ron.nodb"),
		[]byte(`{"dem_fn": "/srv/runs/de/demo/dem/dem.tif"}`), 0644))

	_, err := SanitizeFork(dest, "/srv/runs/de/demo/", "demo", "demo-2")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "ron.nodb"))
	require.NoError(t, err)
	assert.Equal(t, `{"dem_fn": "`+dest+`/dem/dem.tif"}`, string(data))
}

func TestSanitizeForkLeavesRelativePaths(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "ron.nodb"), []byte(
		`{"runid": "dem", "dem_fn": "dem/dem.tif", "src": "/geodata/runs/de/dem/dem/dem.tif", "legacy": "/geodata/weppcloud_runs/dem/dem"}`), 0644))

	_, err := SanitizeFork(dest, "/srv/elsewhere/dem", "dem", "dem-2")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "ron.nodb"))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"runid": "dem-2", "dem_fn": "dem/dem.tif", "src": "/geodata/runs/de/dem-2/dem/dem.tif", "legacy": "/geodata/weppcloud_runs/dem-2/dem"}`,
		string(data))
}

func TestForkCopiesAndSanitizes(t *testing.T) {
	f := newFixture(t)
	src := f.run(t, "demo")
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.nodb"),
		[]byte(`{"wd": "/geodata/wc1/runs/de/demo/foo"}`), 0644))
	require.NoError(t, wd.SetReadOnly(src, true))
	f.tools.Handle(tools.Rsync, copyTree)

	err := f.env.fork(context.Background(), f.exec(t, Fork, "demo", ForkPayload{NewRunID: "demo-2"}))
	require.NoError(t, err)

	dest := f.env.Resolver.PrimaryWD("demo-2")
	data, err := os.ReadFile(filepath.Join(dest, "a.nodb"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "/geodata/wc1/runs/de/demo-2/foo")
	assert.False(t, wd.IsReadOnly(dest))
	assert.True(t, wd.IsReadOnly(src))

	calls := f.tools.CallsTo(tools.Rsync)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "*"+wd.LockExt)
	assert.Contains(t, calls[0].Args, wd.PupsDir)

	msgs := f.recorder.Strings(status.Channel("demo", status.TopicFork))
	assert.Contains(t, msgs, "sent 3 files")
	assert.Contains(t, msgs, "rq:job-fork_rq TRIGGER fork FORK_COMPLETE")
}

func TestForkRejectsInvalidTargets(t *testing.T) {
	f := newFixture(t)
	f.run(t, "demo")
	f.run(t, "taken")

	for _, target := range []string{"demo", "taken", "../escape"} {
		err := f.env.fork(context.Background(), f.exec(t, Fork, "demo", ForkPayload{NewRunID: target}))
		require.Error(t, err, target)
		assert.ErrorIs(t, err, models.ErrValidation, target)
	}
	assert.Empty(t, f.tools.Calls())
}
