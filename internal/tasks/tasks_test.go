package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/archive"
	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools/toolstest"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testResolver struct {
	root string
}

func (r testResolver) PrimaryWD(runid string) string {
	return filepath.Join(r.root, "runs", runid[:2], runid)
}

func (r testResolver) GetWD(_ context.Context, runid string, _ bool) (string, error) {
	return r.PrimaryWD(runid), nil
}

type fixture struct {
	env      *Env
	queue    *queue.Manager
	recorder *status.Recorder
	tools    *toolstest.Fake
	client   *redis.Client
	logger   arbor.ILogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := arbor.NewNoOpLogger()
	manager := queue.NewManager(queue.NewRedisBackend(client), queue.NewRedisStore(client),
		queue.NewLocalStopper(), queue.NewDefaultConfig(), logger)
	f := &fixture{
		queue:    manager,
		recorder: status.NewRecorder(),
		tools:    toolstest.New(),
		client:   client,
		logger:   logger,
	}
	f.env = &Env{
		Config:    common.NewDefaultConfig(),
		Queue:     manager,
		NoDb:      nodb.NewRegistry(logger),
		Resolver:  testResolver{root: t.TempDir()},
		Publisher: f.recorder,
		Status:    client,
		Tools:     f.tools,
		Logger:    logger,
		Now:       func() time.Time { return fixedNow },
	}
	return f
}

// run creates the working directory of runid.
func (f *fixture) run(t *testing.T, runid string) string {
	t.Helper()
	dir := f.env.Resolver.PrimaryWD(runid)
	require.NoError(t, os.MkdirAll(dir, 0755))
	return dir
}

func (f *fixture) exec(t *testing.T, fn, runid string, args interface{}) *worker.Execution {
	t.Helper()
	job := &models.Job{ID: "job-" + fn, Func: fn, RunID: runid}
	if args != nil {
		data, err := json.Marshal(args)
		require.NoError(t, err)
		job.Args = data
	}
	return &worker.Execution{Job: job, WD: f.env.Resolver.PrimaryWD(runid), Logger: f.logger}
}

func (f *fixture) totalQueued(t *testing.T) int {
	t.Helper()
	counts, err := f.queue.Counts(context.Background())
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func TestExecuteLogsFailure(t *testing.T) {
	f := newFixture(t)
	dir := f.run(t, "demo")
	x := f.exec(t, "boom", "demo", nil)

	err := f.env.execute(context.Background(), x, Stage{Name: "boom"}, func(context.Context, *Task) error {
		return models.NewValidationError("x", "boom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	data, readErr := os.ReadFile(wd.ExceptionsPath(dir))
	require.NoError(t, readErr)
	text := string(data)
	assert.Contains(t, text, "boom failed")
	assert.Contains(t, text, "ValidationError")
	assert.Contains(t, text, "runid=demo")

	msgs := f.recorder.Strings(status.Channel("demo", status.TopicRQ))
	assert.Contains(t, msgs, "rq:job-boom STARTED boom(demo)")
	assert.Contains(t, msgs, "rq:job-boom EXCEPTION boom(demo)")
}

func TestExecutePublishesTrigger(t *testing.T) {
	f := newFixture(t)
	f.run(t, "demo")
	x := f.exec(t, "noop", "demo", nil)

	st := Stage{Name: "noop", Topic: status.TopicClimate, Trigger: EventBuildClimate}
	require.NoError(t, f.env.execute(context.Background(), x, st, func(ctx context.Context, t *Task) error {
		t.Progress(ctx, "working")
		return nil
	}))

	assert.Equal(t, []string{
		"rq:job-noop STARTED noop(demo)",
		"working",
		"rq:job-noop COMPLETED noop(demo)",
		"rq:job-noop TRIGGER climate CLIMATE_BUILD_TASK_COMPLETED",
	}, f.recorder.Strings(status.Channel("demo", status.TopicClimate)))
}

func TestExecuteMissingWorkingDirectory(t *testing.T) {
	f := newFixture(t)
	x := f.exec(t, "noop", "demo", nil)
	x.WD = ""

	err := f.env.execute(context.Background(), x, Stage{Name: "noop"}, func(context.Context, *Task) error {
		t.Fatal("body must not run")
		return nil
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestChannelPayloadCoercesNumericStrings(t *testing.T) {
	var p ChannelPayload
	job := &models.Job{Func: BuildChannels, Args: json.RawMessage(`{"csa": "5", "mcl": 60, "wbt_blc_dist": ""}`)}
	require.NoError(t, decodePayload(job, &p))
	assert.Equal(t, Num(5), p.CSA)
	assert.Equal(t, Num(60), p.MCL)
	assert.False(t, p.WbtBlcDist.Set)
}

func TestChannelPayloadRejectsBadNumbers(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{"text", `{"csa": "abc"}`, "csa must be numeric"},
		{"negative", `{"csa": -1}`, "csa must be greater than 0"},
		{"fill or breach", `{"wbt_fill_or_breach": "carve"}`, "wbt_fill_or_breach must be one of fill breach breach_least_cost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ChannelPayload
			err := decodePayload(&models.Job{Func: BuildChannels, Args: json.RawMessage(tt.args)}, &p)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestForkPayloadRequiresNewRunID(t *testing.T) {
	var p ForkPayload
	err := decodePayload(&models.Job{Func: Fork, Args: json.RawMessage(`{}`)}, &p)
	assert.EqualError(t, err, "new_runid is required")
}

func TestParseRhemSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hill_22.sum")
	require.NoError(t, os.WriteFile(path, []byte(
		"RHEM v2.3 annual summary\n"+
			"Avg-Precipitation(mm/year) = 512.3\n"+
			"Avg-Runoff(mm/year) = 12.3\n"+
			"Avg-SY(ton/ha/year) = 0.45\n"+
			"Avg-Soil-Loss(ton/ha/year) = 0.5\n"), 0644))

	r, err := parseRhemSummary(path)
	require.NoError(t, err)
	assert.InDelta(t, 512.3, r.PrecipMM, 1e-9)
	assert.InDelta(t, 12.3, r.RunoffMM, 1e-9)
	assert.InDelta(t, 0.45, r.SedYieldTHa, 1e-9)
	assert.InDelta(t, 0.5, r.SoilLossTHa, 1e-9)

	empty := filepath.Join(t.TempDir(), "empty.sum")
	require.NoError(t, os.WriteFile(empty, []byte("no averages here\n"), 0644))
	_, err = parseRhemSummary(empty)
	assert.Error(t, err)
}

func TestParseProjectDef(t *testing.T) {
	def, err := ParseProjectDef([]byte(`
name: Demo
config: disturbed9002
mods: [rap_ts]
extent: [-116.5, 46.0, -116.4, 46.1]
outlet: {lon: -116.45, lat: 46.05}
sbs: sbs.tif
channels: {csa: 10}
climate: {station: ID106152, mode: 0}
`), "/defs")
	require.NoError(t, err)
	assert.Equal(t, "disturbed9002", def.Config)
	assert.Equal(t, "/defs/sbs.tif", def.SBS)
	assert.Equal(t, 10.0, def.Channels.CSA)
	assert.Equal(t, [4]float64{-116.5, 46.0, -116.4, 46.1}, def.extent())
	center := def.center()
	assert.InDelta(t, -116.45, center[0], 1e-9)
	assert.InDelta(t, 46.05, center[1], 1e-9)
}

func TestParseProjectDefValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing outlet", "config: c\nextent: [0, 0, 1, 1]\nclimate: {station: s}\n", "outlet is required"},
		{"short extent", "config: c\nextent: [0, 0]\noutlet: {lon: 0, lat: 0}\nclimate: {station: s}\n", "extent must have 4 values"},
		{"missing station", "config: c\nextent: [0, 0, 1, 1]\noutlet: {lon: 0, lat: 0}\n", "station is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProjectDef([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestNewProjectRejectsExistingRun(t *testing.T) {
	f := newFixture(t)
	dir := f.run(t, "demo")
	require.NoError(t, os.WriteFile(wd.NoDbPath(dir, "ron"), []byte(`{}`), 0644))

	def := ProjectDef{
		Config:  "disturbed9002",
		Extent:  []float64{0, 0, 1, 1},
		Outlet:  &OutletDef{},
		Climate: ClimateDef{Station: "ID106152"},
	}
	err := f.env.newProject(context.Background(), f.exec(t, NewProject, "demo", def))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, f.tools.Calls())
}

func TestArchiveTask(t *testing.T) {
	f := newFixture(t)
	dir := f.run(t, "demo")
	require.NoError(t, os.WriteFile(wd.NoDbPath(dir, "ron"), []byte(`{"runid": "demo"}`), 0644))

	require.NoError(t, f.env.archive(context.Background(), f.exec(t, Archive, "demo", nil)))

	assert.FileExists(t, filepath.Join(wd.ArchivesPath(dir), archive.Name("demo", fixedNow)))
	assert.Contains(t, f.recorder.Strings(status.Channel("demo", status.TopicArchive)),
		"rq:job-archive_rq TRIGGER archive ARCHIVE_COMPLETE")
}

func TestSubmitArchiveRecordsSingleJob(t *testing.T) {
	f := newFixture(t)
	f.run(t, "demo")
	ctx := context.Background()
	prep := redisprep.New(f.client, "demo")

	job, err := SubmitArchive(ctx, f.env, "demo")
	require.NoError(t, err)
	assert.Equal(t, Archive, job.Func)
	id, err := prep.ArchiveJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)

	_, err = SubmitArchive(ctx, f.env, "demo")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 1, f.totalQueued(t))

	_, err = f.queue.Store().Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusFinished
		return nil
	})
	require.NoError(t, err)
	next, err := SubmitArchive(ctx, f.env, "demo")
	require.NoError(t, err)
	id, err = prep.ArchiveJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.ID, id)
}

func TestSubmitRestoreRequiresArchive(t *testing.T) {
	f := newFixture(t)
	dir := f.run(t, "demo")
	ctx := context.Background()

	_, err := SubmitRestore(ctx, f.env, "demo", "missing.zip")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = SubmitArchive(ctx, f.env, "nowhere")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, os.MkdirAll(wd.ArchivesPath(dir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wd.ArchivesPath(dir), "demo.zip"), []byte("zip"), 0644))
	job, err := SubmitRestore(ctx, f.env, "demo", "demo.zip")
	require.NoError(t, err)
	assert.Equal(t, RestoreArchive, job.Func)
	assert.JSONEq(t, `{"archive_name":"demo.zip"}`, string(job.Args))
}

func TestMigrationsTaskOnCurrentRun(t *testing.T) {
	f := newFixture(t)
	f.run(t, "demo")

	require.NoError(t, f.env.migrations(context.Background(), f.exec(t, Migrations, "demo", MigrationsPayload{})))

	msgs := f.recorder.Strings(status.Channel("demo", status.TopicMigrations))
	assert.Contains(t, msgs, "migrations: 0 applied, 8 skipped, 0 failed")
	assert.Contains(t, msgs, "rq:job-migrations_rq TRIGGER migrations MIGRATIONS_COMPLETE")
}
