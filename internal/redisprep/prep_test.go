package redisprep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrep(t *testing.T) (*Prep, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "demo"), mr
}

func TestTimestampStrictlyIncreases(t *testing.T) {
	prep, _ := newTestPrep(t)
	fixed := time.Unix(1700000000, 0)
	prep.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := prep.Timestamp(ctx, TaskBuildLanduse)
	require.NoError(t, err)
	second, err := prep.Timestamp(ctx, TaskBuildLanduse)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	got, ok, err := prep.GetTimestamp(ctx, TaskBuildLanduse)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, second, got, 1e-6)
}

func TestTimestampConcurrentCallsStayDistinct(t *testing.T) {
	prep, mr := newTestPrep(t)
	fixed := time.Unix(1700000000, 0)
	prep.now = func() time.Time { return fixed }
	ctx := context.Background()

	const n = 16
	got := make([]float64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := prep.Timestamp(ctx, TaskRunWeppWatershed)
			assert.NoError(t, err)
			got[i] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	latest := 0.0
	for _, v := range got {
		s := FormatTimestamp(v)
		assert.False(t, seen[s], "duplicate timestamp %s", s)
		seen[s] = true
		if v > latest {
			latest = v
		}
	}
	assert.Equal(t, FormatTimestamp(latest), mr.HGet("demo", PrefixTimestamps+string(TaskRunWeppWatershed)))
}

func TestTimestampIgnoresMalformedPrevious(t *testing.T) {
	prep, mr := newTestPrep(t)
	prep.now = func() time.Time { return time.Unix(1700000000, 500000000) }
	mr.HSet("demo", PrefixTimestamps+string(TaskFetchDEM), "garbage")

	v, err := prep.Timestamp(context.Background(), TaskFetchDEM)
	require.NoError(t, err)
	assert.Equal(t, "1700000000.500000", FormatTimestamp(v))
}

func TestRemoveTimestamp(t *testing.T) {
	prep, mr := newTestPrep(t)
	ctx := context.Background()

	_, err := prep.Timestamp(ctx, TaskFetchDEM)
	require.NoError(t, err)
	require.NoError(t, prep.RemoveTimestamp(ctx, TaskFetchDEM))

	assert.Equal(t, "", mr.HGet("demo", "timestamps:fetch_dem"))
	_, ok, err := prep.GetTimestamp(ctx, TaskFetchDEM)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFieldsAndAttrs(t *testing.T) {
	prep, mr := newTestPrep(t)
	ctx := context.Background()

	require.NoError(t, prep.SetJobID(ctx, "run_wepp_rq", "job-1"))
	require.NoError(t, prep.SetArchiveJobID(ctx, "job-2"))
	require.NoError(t, prep.SetHasSBS(ctx, true))
	require.NoError(t, prep.SetLocked(ctx, "landuse", true))

	assert.Equal(t, "job-1", mr.HGet("demo", "jobs:run_wepp_rq"))
	assert.Equal(t, "true", mr.HGet("demo", "attrs:has_sbs"))
	assert.Equal(t, "true", mr.HGet("demo", "locked:landuse"))

	id, err := prep.ArchiveJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)
	require.NoError(t, prep.ClearArchiveJobID(ctx))
	id, err = prep.ArchiveJobID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	jobs, err := prep.JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"run_wepp_rq": "job-1"}, jobs)
}

func TestLockRecorderUsesWDBaseName(t *testing.T) {
	_, mr := newTestPrep(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rec := NewLockRecorder(client)
	require.NoError(t, rec.ModuleLocked(context.Background(), "/wc1/runs/de/demo", "soils", false))
	assert.Equal(t, "false", mr.HGet("demo", "locked:soils"))
}

func TestParseTimestamp(t *testing.T) {
	v, ok := ParseTimestamp("1700000000")
	assert.True(t, ok)
	assert.Equal(t, 1700000000.0, v)

	for _, bad := range []string{"", "soon", "NaN", "inf"} {
		_, ok := ParseTimestamp(bad)
		assert.False(t, ok, bad)
	}
}
