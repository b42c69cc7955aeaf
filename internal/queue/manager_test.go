package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/storage/badger"
)

type recordingStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (r *recordingStopper) StopJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
	return nil
}

type managerFactory func(t *testing.T, stopper StopSignaler) *Manager

func redisManager(t *testing.T, stopper StopSignaler) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(NewRedisBackend(client), NewRedisStore(client), stopper, NewDefaultConfig(), arbor.NewNoOpLogger())
}

func badgerManager(t *testing.T, stopper StopSignaler) *Manager {
	t.Helper()
	logger := arbor.NewNoOpLogger()
	store, err := badgerhold.Open(badger.Options(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend, err := NewBadgerBackend(store.Badger(), 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return NewManager(backend, badger.NewJobStorage(badger.Wrap(store, logger), logger), stopper, NewDefaultConfig(), logger)
}

var factories = map[string]managerFactory{
	"redis":  redisManager,
	"badger": badgerManager,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, newManager managerFactory)) {
	for name, factory := range factories {
		factory := factory
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

func TestDequeueHonoursPriority(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		m := newManager(t, nil)
		ctx := context.Background()

		low, err := m.Enqueue(ctx, "archive_rq", "demo", nil, EnqueueOptions{Queue: models.QueueLow})
		require.NoError(t, err)
		high, err := m.Enqueue(ctx, "fetch_dem_rq", "demo", nil, EnqueueOptions{Queue: models.QueueHigh})
		require.NoError(t, err)
		def, err := m.Enqueue(ctx, "build_channels_rq", "demo", nil, EnqueueOptions{})
		require.NoError(t, err)

		var order []string
		for i := 0; i < 3; i++ {
			job, err := m.Dequeue(ctx, 0)
			require.NoError(t, err)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{high.ID, def.ID, low.ID}, order)

		_, err = m.Dequeue(ctx, 0)
		assert.ErrorIs(t, err, ErrNoMessage)
	})
}

func TestEnqueueRecordsDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		m := newManager(t, nil)
		job, err := m.Enqueue(context.Background(), "run_wepp_rq", "demo", map[string]interface{}{"runid": "demo"}, EnqueueOptions{})
		require.NoError(t, err)

		assert.Equal(t, models.QueueDefault, job.Queue)
		assert.Equal(t, models.DefaultTimeout, job.Timeout)
		assert.Equal(t, models.DefaultResultTTL, job.ResultTTL)
		assert.Equal(t, "demo", job.Meta[models.MetaRunID])
		assert.JSONEq(t, `{"runid":"demo"}`, string(job.Args))
	})
}

func TestDependentWaitsForFinish(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		m := newManager(t, nil)
		ctx := context.Background()

		first, err := m.Enqueue(ctx, "fetch_dem_rq", "demo", nil, EnqueueOptions{})
		require.NoError(t, err)
		second, err := m.Enqueue(ctx, "build_channels_rq", "demo", nil, EnqueueOptions{DependsOn: []string{first.ID}})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusDeferred, second.Status)

		job, err := m.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, first.ID, job.ID)
		_, err = m.Dequeue(ctx, 0)
		assert.ErrorIs(t, err, ErrNoMessage)

		_, err = m.Start(ctx, first.ID, "w1", 42)
		require.NoError(t, err)
		require.NoError(t, m.Finish(ctx, first.ID))

		job, err = m.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, second.ID, job.ID)
		assert.Equal(t, models.JobStatusQueued, job.Status)
	})
}

func TestEnqueueAfterDependencyFinished(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		m := newManager(t, nil)
		ctx := context.Background()

		first, err := m.Enqueue(ctx, "fetch_dem_rq", "demo", nil, EnqueueOptions{})
		require.NoError(t, err)
		_, err = m.Dequeue(ctx, 0)
		require.NoError(t, err)
		_, err = m.Start(ctx, first.ID, "w1", 1)
		require.NoError(t, err)
		require.NoError(t, m.Finish(ctx, first.ID))

		second, err := m.Enqueue(ctx, "build_channels_rq", "demo", nil, EnqueueOptions{DependsOn: []string{first.ID}})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, second.Status)
	})
}

func TestFailureCancelsDependents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		m := newManager(t, nil)
		ctx := context.Background()

		first, err := m.Enqueue(ctx, "build_subcatchments_rq", "demo", nil, EnqueueOptions{})
		require.NoError(t, err)
		second, err := m.Enqueue(ctx, "abstract_watershed_rq", "demo", nil, EnqueueOptions{DependsOn: []string{first.ID}})
		require.NoError(t, err)

		_, err = m.Dequeue(ctx, 0)
		require.NoError(t, err)
		_, err = m.Start(ctx, first.ID, "w1", 1)
		require.NoError(t, err)
		require.NoError(t, m.Fail(ctx, first.ID, "ValueError: boom"))

		failed, err := m.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, failed.Status)
		assert.Equal(t, "ValueError: boom", failed.Meta[models.MetaExcString])

		dependent, err := m.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, dependent.Status)
	})
}

func TestCancelWalksChildren(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		stopper := &recordingStopper{}
		m := newManager(t, stopper)
		ctx := context.Background()

		parent, err := m.Enqueue(ctx, "fetch_dem_and_build_channels_rq", "demo", nil, EnqueueOptions{Queue: models.QueueHigh})
		require.NoError(t, err)
		_, err = m.Dequeue(ctx, 0)
		require.NoError(t, err)
		_, err = m.Start(ctx, parent.ID, "w1", 1)
		require.NoError(t, err)

		running, err := m.Enqueue(ctx, "fetch_dem_rq", "demo", nil, EnqueueOptions{})
		require.NoError(t, err)
		pending, err := m.Enqueue(ctx, "build_channels_rq", "demo", nil, EnqueueOptions{DependsOn: []string{running.ID}})
		require.NoError(t, err)
		require.NoError(t, m.AddChild(ctx, parent.ID, running.ID, "fetch_dem_rq"))
		require.NoError(t, m.AddChild(ctx, parent.ID, pending.ID, "build_channels_rq"))

		_, err = m.Dequeue(ctx, 0)
		require.NoError(t, err)
		_, err = m.Start(ctx, running.ID, "w2", 2)
		require.NoError(t, err)

		result, err := m.Cancel(ctx, parent.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{parent.ID, running.ID}, result.Stopping)
		assert.Equal(t, []string{pending.ID}, result.Canceled)
		assert.ElementsMatch(t, []string{parent.ID, running.ID}, stopper.stopped)

		got, err := m.Get(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, got.Status)

		// finished jobs are left alone on a second pass
		require.NoError(t, m.Finish(ctx, running.ID))
		result, err = m.Cancel(ctx, running.ID)
		require.NoError(t, err)
		assert.Contains(t, result.Skipped, running.ID)
	})
}

func TestDequeueSkipsCanceled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		m := newManager(t, nil)
		ctx := context.Background()

		doomed, err := m.Enqueue(ctx, "run_rhem_rq", "demo", nil, EnqueueOptions{})
		require.NoError(t, err)
		kept, err := m.Enqueue(ctx, "run_ash_rq", "demo", nil, EnqueueOptions{})
		require.NoError(t, err)

		// record canceled while its id is still waiting, as when a cancel races a pop
		_, err = m.store.Update(ctx, doomed.ID, func(job *models.Job) error {
			job.Status = models.JobStatusCanceled
			return nil
		})
		require.NoError(t, err)

		counts, err := m.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.QueueDefault])

		job, err := m.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, kept.ID, job.ID)
	})
}

func TestPurgeRemovesExpiredRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newManager managerFactory) {
		m := newManager(t, nil)
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return base }

		job, err := m.Enqueue(ctx, "archive_rq", "demo", nil, EnqueueOptions{ResultTTL: time.Hour})
		require.NoError(t, err)
		_, err = m.Dequeue(ctx, 0)
		require.NoError(t, err)
		_, err = m.Start(ctx, job.ID, "w1", 1)
		require.NoError(t, err)
		require.NoError(t, m.Finish(ctx, job.ID))

		n, err := m.Purge(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		m.now = func() time.Time { return base.Add(2 * time.Hour) }
		n, err = m.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = m.Get(ctx, job.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestRedisStoreExpiresTerminalJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &models.Job{ID: "a", Status: models.JobStatusQueued, ResultTTL: time.Hour}))
	assert.Equal(t, time.Duration(0), mr.TTL(JobKey("a")))

	_, err := store.Update(ctx, "a", func(job *models.Job) error {
		job.Status = models.JobStatusFinished
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(JobKey("a")))

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBadgerBackendRemoveAndLen(t *testing.T) {
	store, err := badgerhold.Open(badger.Options(t.TempDir()))
	require.NoError(t, err)
	defer store.Close()
	b, err := NewBadgerBackend(store.Badger(), time.Millisecond)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Push(ctx, "default", id))
	}
	require.NoError(t, b.Remove(ctx, "default", "b"))
	require.NoError(t, b.Remove(ctx, "default", "missing"))

	n, err := b.Len(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, id, err := b.Pop(ctx, []string{"high", "default"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	_, id, err = b.Pop(ctx, []string{"high", "default"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "c", id)

	start := time.Now()
	_, _, err = b.Pop(ctx, []string{"default"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoMessage)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
