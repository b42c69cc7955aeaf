package nodb

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/wd"
)

type counter struct {
	Count int      `json:"count"`
	Label string   `json:"label"`
	Items []string `json:"items,omitempty"`
}

func (counter) Kind() Kind {
	return Kind{
		Module:  "counter",
		Tag:     "wepppy.nodb.mods.counter.Counter",
		Legacy:  []string{"wepppy.nodb.counter.Counter"},
		Version: 2,
	}
}

// Upgrade renames the v1 "name" field to "label".
func (c *counter) Upgrade(from int, fields map[string]json.RawMessage) error {
	if from < 2 {
		if name, ok := fields["name"]; ok {
			fields["label"] = name
			delete(fields, "name")
		}
	}
	return nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []bool
}

func (o *recordingObserver) ModuleLocked(_ context.Context, _, _ string, locked bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, locked)
	return nil
}

func newRegistry(opts ...RegistryOption) *Registry {
	return NewRegistry(arbor.NewNoOpLogger(), opts...)
}

func TestOpenMissingIsNotFound(t *testing.T) {
	_, err := Open[counter](context.Background(), newRegistry(), t.TempDir())
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCreateThenLockedPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	obs := &recordingObserver{}
	reg := newRegistry(WithLockObserver(obs))

	h, err := Create[counter](ctx, reg, dir, func(c *counter) { c.Label = "new" })
	require.NoError(t, err)

	require.NoError(t, h.Locked(ctx, func(ctx context.Context, c *counter) error {
		c.Count = 7
		return nil
	}))

	// A second registry stands in for another worker.
	other, err := Open[counter](ctx, newRegistry(), dir)
	require.NoError(t, err)
	got, err := other.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Count)
	assert.Equal(t, "new", got.Label)
	assert.Equal(t, []bool{true, false}, obs.events)

	raw, err := os.ReadFile(filepath.Join(dir, "counter.nodb"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"py/object": "wepppy.nodb.mods.counter.Counter"`)
}

func TestCreateKeepsExistingState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := newRegistry()

	_, err := Create[counter](ctx, reg, dir, func(c *counter) { c.Count = 1 })
	require.NoError(t, err)
	h, err := Create[counter](ctx, newRegistry(), dir, func(c *counter) { c.Count = 99 })
	require.NoError(t, err)

	got, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
}

func TestNestedLockedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, err := Create[counter](ctx, newRegistry(), t.TempDir(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- h.Locked(ctx, func(ctx context.Context, c *counter) error {
			c.Count++
			return h.Locked(ctx, func(ctx context.Context, inner *counter) error {
				assert.Same(t, c, inner)
				inner.Count++
				return nil
			})
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("nested Locked deadlocked")
	}
	got, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
}

func TestFailedMutationIsNotWritten(t *testing.T) {
	ctx := context.Background()
	h, err := Create[counter](ctx, newRegistry(), t.TempDir(), nil)
	require.NoError(t, err)

	err = h.Locked(ctx, func(ctx context.Context, c *counter) error {
		c.Count = 100
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Count)
}

func TestReadOnlyMarkerBlocksMutation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h, err := Create[counter](ctx, newRegistry(), dir, nil)
	require.NoError(t, err)
	require.NoError(t, wd.SetReadOnly(dir, true))

	called := false
	err = h.Locked(ctx, func(ctx context.Context, c *counter) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, models.ErrReadOnly))
	assert.False(t, called)
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, err := Create[counter](ctx, newRegistry(), dir, nil)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate registries hold separate file descriptors, like separate workers.
			h, err := Open[counter](ctx, newRegistry(), dir)
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, h.Locked(ctx, func(ctx context.Context, c *counter) error {
					c.Count++
					return nil
				}))
			}
		}()
	}
	wg.Wait()

	h, err := Open[counter](ctx, newRegistry(), dir)
	require.NoError(t, err)
	got, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, got.Count)
}

func TestLegacyTagAndUpgrade(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"py/object": "wepppy.nodb.counter.Counter", "py/state": {"count": 3, "name": "old"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.nodb"), []byte(legacy), 0644))

	h, err := Open[counter](context.Background(), newRegistry(), dir)
	require.NoError(t, err)
	got, err := h.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, got.Count)
	assert.Equal(t, "old", got.Label)
}

func TestUnknownTagAndBadJSONAreCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counter.nodb")

	require.NoError(t, os.WriteFile(path, []byte(`{"py/object": "wepppy.nodb.Other"}`), 0644))
	_, err := Open[counter](context.Background(), newRegistry(), dir)
	assert.True(t, errors.Is(err, models.ErrCorrupt))
	assert.True(t, errors.Is(err, models.ErrUnknownModule))

	require.NoError(t, os.WriteFile(path, []byte(`{"py/object": `), 0644))
	_, err = Open[counter](context.Background(), newRegistry(), dir)
	assert.True(t, errors.Is(err, models.ErrCorrupt))
}

func TestStubOmitsHeader(t *testing.T) {
	ctx := context.Background()
	h, err := Create[counter](ctx, newRegistry(), t.TempDir(), func(c *counter) { c.Label = "x" })
	require.NoError(t, err)

	stub, err := h.Stub(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", stub["label"])
	_, hasTag := stub[TagKey]
	assert.False(t, hasTag)
}

func TestRedisCacheRefreshAndInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 13})
	defer client.Close()
	ctx := context.Background()
	cache := NewRedisCache(client, time.Hour)
	dir := t.TempDir()

	h, err := Create[counter](ctx, newRegistry(WithCache(cache)), dir, func(c *counter) { c.Count = 4 })
	require.NoError(t, err)

	data, ok, err := cache.Get(ctx, h.Path())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(data), `"count": 4`)

	n, err := cache.InvalidateWD(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, err = cache.Get(ctx, h.Path())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModulesListsStateFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ron.nodb", "landuse.nodb", "landuse.nodb.lock", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}
	modules, err := Modules(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"landuse", "ron"}, modules)
}
