package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/wd"
)

type dirResolver struct {
	root string
}

func (r dirResolver) GetWD(_ context.Context, runid string, _ bool) (string, error) {
	return filepath.Join(r.root, runid), nil
}

type fixture struct {
	manager  *queue.Manager
	worker   *Worker
	recorder *status.Recorder
	registry *Registry
	client   *redis.Client
	root     string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := arbor.NewNoOpLogger()
	local := queue.NewLocalStopper()
	manager := queue.NewManager(queue.NewRedisBackend(client), queue.NewRedisStore(client), local, queue.NewDefaultConfig(), logger)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "demo"), 0755))

	f := &fixture{
		manager:  manager,
		recorder: status.NewRecorder(),
		registry: NewRegistry(),
		client:   client,
		root:     root,
	}
	config := Config{Name: "test-worker", Concurrency: 1, ShutdownTimeout: 2 * time.Second, HeartbeatInterval: 50 * time.Millisecond}
	opts = append([]Option{WithLocalStopper(local)}, opts...)
	f.worker = New(config, manager, f.registry, dirResolver{root: root}, f.recorder, logger, opts...)
	return f
}

func (f *fixture) rqMessages(runid string) []string {
	return f.recorder.Strings(status.Channel(runid, status.TopicRQ))
}

func TestProcessNextSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var gotWD string
	f.registry.Register("build_channels_rq", func(ctx context.Context, exec *Execution) error {
		gotWD = exec.WD
		exec.Log.Printf("building channels")
		return nil
	})

	job, err := f.manager.Enqueue(ctx, "build_channels_rq", "demo", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	processed, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	stored, err := f.manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, stored.Status)
	assert.Equal(t, "test-worker", stored.Meta[models.MetaWorker])
	assert.NotEmpty(t, stored.Meta[models.MetaPID])
	assert.Equal(t, filepath.Join(f.root, "demo"), gotWD)

	msgs := f.rqMessages("demo")
	require.Len(t, msgs, 2)
	assert.Equal(t, fmt.Sprintf("rq:%s STARTED build_channels_rq(demo)", job.ID), msgs[0])
	assert.Equal(t, fmt.Sprintf("rq:%s COMPLETED build_channels_rq(demo)", job.ID), msgs[1])

	data, err := os.ReadFile(wd.RunLogPath(gotWD))
	require.NoError(t, err)
	assert.Contains(t, string(data), "building channels")
	assert.Contains(t, string(data), "COMPLETED")
}

func TestProcessNextEmptyQueue(t *testing.T) {
	f := newFixture(t)
	processed, err := f.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextFailureRecordsException(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("run_wepp_rq", func(ctx context.Context, exec *Execution) error {
		return &models.ExternalToolError{Tool: "wepp", ExitCode: 3, Err: errors.New("exit status 3")}
	})

	job, err := f.manager.Enqueue(ctx, "run_wepp_rq", "demo", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	dependent, err := f.manager.Enqueue(ctx, "interchange_rq", "demo", nil, queue.EnqueueOptions{DependsOn: []string{job.ID}})
	require.NoError(t, err)

	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := f.manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Meta[models.MetaExcString], "wepp")

	dep, err := f.manager.Get(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, dep.Status)

	msgs := f.rqMessages("demo")
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1], "EXCEPTION run_wepp_rq(demo)")
}

func TestProcessNextRecoversPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("explode_rq", func(ctx context.Context, exec *Execution) error {
		panic("boom")
	})
	job, err := f.manager.Enqueue(ctx, "explode_rq", "demo", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := f.manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Meta[models.MetaExcString], "task panicked: boom")
}

func TestProcessNextUnknownFunc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.manager.Enqueue(ctx, "nope_rq", "demo", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := f.manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Meta[models.MetaExcString], "no task registered")
}

func TestProcessNextTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("slow_rq", func(ctx context.Context, exec *Execution) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	job, err := f.manager.Enqueue(ctx, "slow_rq", "demo", nil, queue.EnqueueOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := f.manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Meta[models.MetaExcString], models.ErrJobTimeout.Error())
}

func TestCancelStopsRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := make(chan struct{})
	f.registry.Register("block_rq", func(ctx context.Context, exec *Execution) error {
		close(running)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	job, err := f.manager.Enqueue(ctx, "block_rq", "demo", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, f.worker.Start())
	defer f.worker.Stop()

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	result, err := f.manager.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, result.Stopping, job.ID)

	require.Eventually(t, func() bool {
		stored, err := f.manager.Get(ctx, job.ID)
		return err == nil && stored.Status == models.JobStatusStopped
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCancelRunningStopsAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := make(chan struct{})
	f.registry.Register("block_rq", func(ctx context.Context, exec *Execution) error {
		close(running)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	job, err := f.manager.Enqueue(ctx, "block_rq", "demo", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, f.worker.Start())
	defer f.worker.Stop()
	<-running

	assert.Equal(t, 1, f.worker.CancelRunning())
	require.Eventually(t, func() bool {
		stored, err := f.manager.Get(ctx, job.ID)
		return err == nil && stored.Status == models.JobStatusStopped
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHeartbeatLifecycle(t *testing.T) {
	f := newFixture(t)
	f.worker = New(f.worker.config, f.manager, f.registry, dirResolver{root: f.root}, f.recorder, arbor.NewNoOpLogger(), WithRedis(f.client))
	ctx := context.Background()

	require.NoError(t, f.worker.Start())
	require.Eventually(t, func() bool {
		live, err := LiveWorkers(ctx, f.client)
		return err == nil && len(live) == 1 && live[0] == "test-worker"
	}, 2*time.Second, 20*time.Millisecond)

	fields, err := f.client.HGetAll(ctx, HeartbeatKey("test-worker")).Result()
	require.NoError(t, err)
	assert.Equal(t, "idle", fields["state"])
	assert.Equal(t, "high,default,low", fields["queues"])

	f.worker.Stop()
	live, err := LiveWorkers(ctx, f.client)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestExcString(t *testing.T) {
	assert.Empty(t, ExcString(nil))

	err := fmt.Errorf("stage failed: %w", models.ErrJobTimeout)
	assert.Contains(t, ExcString(err), "stage failed")

	panicked := ExcString(&PanicError{Value: "boom", Stack: "goroutine 1"})
	assert.Contains(t, panicked, "*worker.PanicError: task panicked: boom")
	assert.Contains(t, panicked, "goroutine 1")
}
