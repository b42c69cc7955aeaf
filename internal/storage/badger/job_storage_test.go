package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/weppcloud/weppcloud/internal/models"
)

func newTestStorage(t *testing.T) *JobStorage {
	t.Helper()
	store, err := badgerhold.Open(Options(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := arbor.NewNoOpLogger()
	return NewJobStorage(Wrap(store, logger), logger)
}

func TestJobStatusPersistence(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	parent := &models.Job{ID: "parent-1", Func: "fetch_dem_and_build_channels_rq", RunID: "demo", Status: models.JobStatusStarted, EnqueuedAt: time.Now()}
	require.NoError(t, s.Save(ctx, parent))

	for _, id := range []string{"child-1", "child-2"} {
		require.NoError(t, s.Save(ctx, &models.Job{ID: id, Func: "fetch_dem_rq", RunID: "demo", Status: models.JobStatusQueued}))
	}

	updated, err := s.Update(ctx, "parent-1", func(job *models.Job) error {
		job.AddChild("child-1", "fetch_dem_rq")
		job.AddChild("child-2", "build_channels_rq")
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, updated.Children, 2)

	got, err := s.Get(ctx, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarted, got.Status)
	assert.Equal(t, "child-2", got.Meta["jobs:1,func:build_channels_rq"])

	queued, err := s.List(ctx, models.JobStatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetMissingJobIsNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.Update(context.Background(), "nope", func(*models.Job) error { return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteJob(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &models.Job{ID: "gone", Status: models.JobStatusFinished}))
	require.NoError(t, s.Delete(ctx, "gone"))
	require.NoError(t, s.Delete(ctx, "gone"))

	_, err := s.Get(ctx, "gone")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
