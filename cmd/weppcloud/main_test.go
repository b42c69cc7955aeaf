package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/tasks"
)

type cliEnv struct {
	mr     *miniredis.Miniredis
	cfg    string
	runDir string
}

// newCLIEnv points the CLI at a miniredis server and a run root holding the
// run "demo" with an empty Wepp state file.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", fmt.Sprintf("redis://%s/0", mr.Addr()))

	root := t.TempDir()
	runDir := filepath.Join(root, "runs", "de", "demo")
	require.NoError(t, os.MkdirAll(runDir, 0755))
	_, err := nodb.Create[modules.Wepp](context.Background(), nodb.NewRegistry(arbor.NewNoOpLogger()), runDir, nil)
	require.NoError(t, err)

	cfg := filepath.Join(root, "weppcloud.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`
[logging]
level = "error"

[paths]
primary_root = %q
legacy_root = %q
`, root, filepath.Join(root, "legacy"))), 0644))
	return &cliEnv{mr: mr, cfg: cfg, runDir: runDir}
}

func (e *cliEnv) run(t *testing.T, args ...string) (models.Response, error) {
	t.Helper()
	var out, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"-c", e.cfg}, args...))
	err := root.Execute()

	var resp models.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "stdout %q stderr %q", out.String(), stderr.String())
	return resp, err
}

func (e *cliEnv) client(t *testing.T, db common.RedisDB) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: e.mr.Addr(), DB: int(db)})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDSSExportCommand(t *testing.T) {
	e := newCLIEnv(t)
	ctx := context.Background()

	resp, err := e.run(t, "dss-export", "demo", "--json",
		"--payload", `{"dss_export_mode": 1, "dss_export_channel_ids": ["34", 24, 34]}`)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)

	job, err := queue.NewRedisStore(e.client(t, common.RQDB)).Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, tasks.PostDSSExport, job.Func)
	assert.Equal(t, "demo", job.RunID)

	h, err := nodb.Open[modules.Wepp](ctx, nodb.NewRegistry(arbor.NewNoOpLogger()), e.runDir)
	require.NoError(t, err)
	w, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, modules.DSSExportChannels, w.DSSExportMode)
	assert.Equal(t, []int{24, 34}, w.DSSExportChannels)
}

func TestDSSExportCommandRejectsBadPayload(t *testing.T) {
	e := newCLIEnv(t)

	resp, err := e.run(t, "dss-export", "demo", "--json", "--payload", `{"dss_export_mode": "x"}`)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.False(t, resp.Success)
	assert.Equal(t, "dss_export_mode must be numeric", resp.Error)
	assert.Empty(t, resp.StackTrace)
}

func TestArchiveCommandRecordsJob(t *testing.T) {
	e := newCLIEnv(t)
	ctx := context.Background()

	first, err := e.run(t, "archive", "demo", "--json")
	require.NoError(t, err)
	require.True(t, first.Success, first.Error)

	id, err := redisprep.New(e.client(t, common.StatusDB), "demo").ArchiveJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, id)

	second, err := e.run(t, "archive", "demo", "--restore", "demo.zip", "--json")
	assert.Error(t, err)
	assert.False(t, second.Success)

	third, err := e.run(t, "archive", "demo", "--json")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Contains(t, third.Error, first.JobID)
}
