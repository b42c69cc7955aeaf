package nodb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// LockObserver is told about lock transitions (the run prep hash records them).
type LockObserver interface {
	ModuleLocked(ctx context.Context, wd, module string, locked bool) error
}

type handleKey struct {
	wd     string
	module string
}

// Registry owns one handle per (wd, module). It replaces per-class singletons.
type Registry struct {
	mu       sync.Mutex
	handles  map[handleKey]interface{}
	cache    Cache
	observer LockObserver
	logger   arbor.ILogger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithCache enables the shared serialized-state cache.
func WithCache(c Cache) RegistryOption {
	return func(r *Registry) { r.cache = c }
}

// WithLockObserver reports lock transitions to o.
func WithLockObserver(o LockObserver) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger arbor.ILogger, opts ...RegistryOption) *Registry {
	r := &Registry{
		handles: make(map[handleKey]interface{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Forget drops every handle for dir. Used after a WD is replaced on disk
// (restore, fork target cleanup).
func (r *Registry) Forget(dir string) {
	dir = filepath.Clean(dir)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.handles {
		if key.wd == dir {
			delete(r.handles, key)
		}
	}
}

// Modules lists the module stems that have a .nodb file in dir.
func Modules(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+wd.NoDbExt))
	if err != nil {
		return nil, err
	}
	modules := make([]string, 0, len(matches))
	for _, m := range matches {
		modules = append(modules, strings.TrimSuffix(filepath.Base(m), wd.NoDbExt))
	}
	sort.Strings(modules)
	return modules, nil
}

// Handle is the shared, lock-guarded instance of one module in one WD.
type Handle[T any, P StatePtr[T]] struct {
	reg    *Registry
	dir    string
	module string
	path   string
	lock   string

	mu      sync.RWMutex
	state   P
	modTime time.Time
	size    int64
}

func handleFor[T any, P StatePtr[T]](r *Registry, dir string) *Handle[T, P] {
	dir = filepath.Clean(dir)
	module := P(new(T)).Kind().Module
	key := handleKey{wd: dir, module: module}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handles[key]; ok {
		if h, ok := existing.(*Handle[T, P]); ok {
			return h
		}
	}
	h := &Handle[T, P]{
		reg:    r,
		dir:    dir,
		module: module,
		path:   wd.NoDbPath(dir, module),
		lock:   wd.LockPath(dir, module),
	}
	r.handles[key] = h
	return h
}

// Open returns the handle for dir, loading <module>.nodb on first use.
// It fails with NotFound when the file does not exist and Corrupt when it
// cannot be decoded.
func Open[T any, P StatePtr[T]](ctx context.Context, r *Registry, dir string) (*Handle[T, P], error) {
	h := handleFor[T, P](r, dir)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.refresh(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Create returns the handle for dir, writing a new file built by init when
// none exists yet. An existing file is loaded and init is not called.
func Create[T any, P StatePtr[T]](ctx context.Context, r *Registry, dir string, init func(P)) (*Handle[T, P], error) {
	h := handleFor[T, P](r, dir)
	if wd.IsReadOnly(h.dir) {
		return nil, fmt.Errorf("create %s: %w", h.module, models.ErrReadOnly)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	lock, err := acquireFileLock(ctx, h.lock)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	err = h.refresh(ctx)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	state := P(new(T))
	if init != nil {
		init(state)
	}
	if err := h.save(ctx, state); err != nil {
		return nil, err
	}
	return h, nil
}

// WD returns the working directory the handle belongs to.
func (h *Handle[T, P]) WD() string { return h.dir }

// Module returns the module stem.
func (h *Handle[T, P]) Module() string { return h.module }

// Path returns the .nodb file path.
func (h *Handle[T, P]) Path() string { return h.path }

// refresh reloads from disk when the file changed since the last load.
// Caller holds h.mu for writing.
func (h *Handle[T, P]) refresh(ctx context.Context) error {
	info, err := os.Stat(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return &models.NotFoundError{Kind: "nodb", Name: h.path}
	}
	if err != nil {
		return &models.CorruptError{Path: h.path, Err: err}
	}
	if h.state != nil && info.ModTime().Equal(h.modTime) && info.Size() == h.size {
		return nil
	}
	return h.load(ctx, info, h.state == nil)
}

// load decodes the file, or the cached copy when useCache is set and present.
func (h *Handle[T, P]) load(ctx context.Context, info os.FileInfo, useCache bool) error {
	var data []byte
	if useCache && h.reg.cache != nil {
		if cached, ok, err := h.reg.cache.Get(ctx, h.path); err == nil && ok {
			data = cached
		}
	}
	if data == nil {
		var err error
		if data, err = os.ReadFile(h.path); err != nil {
			return &models.CorruptError{Path: h.path, Err: err}
		}
	}

	state, err := Decode[T, P](data, h.path)
	if err != nil {
		return err
	}
	h.state = state
	h.modTime = info.ModTime()
	h.size = info.Size()
	return nil
}

// save writes state atomically (temp file + rename) and refreshes the cache.
func (h *Handle[T, P]) save(ctx context.Context, state P) error {
	data, err := Encode(state)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", h.module, err)
	}
	if err := writeFileAtomic(h.path, data); err != nil {
		return err
	}
	info, err := os.Stat(h.path)
	if err != nil {
		return err
	}
	h.state = state
	h.modTime = info.ModTime()
	h.size = info.Size()

	if h.reg.cache != nil {
		if err := h.reg.cache.Set(ctx, h.path, data); err != nil {
			h.reg.logger.Warn().Err(err).Str("path", h.path).Msg("Failed to refresh NoDb cache")
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Get returns a deep copy of the current state, reloading first when another
// writer changed the file.
func (h *Handle[T, P]) Get(ctx context.Context) (P, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.refresh(ctx); err != nil {
		return nil, err
	}
	return clone[T, P](h.state, h.path)
}

// Stub returns a plain map projection for templates and README rendering.
func (h *Handle[T, P]) Stub(ctx context.Context) (map[string]interface{}, error) {
	state, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return Stub(state)
}

func clone[T any, P StatePtr[T]](state P, path string) (P, error) {
	data, err := Encode(state)
	if err != nil {
		return nil, err
	}
	return Decode[T, P](data, path)
}

type heldKey struct{}

func heldLocks(ctx context.Context) map[handleKey]bool {
	held, _ := ctx.Value(heldKey{}).(map[handleKey]bool)
	return held
}

func withHeld(ctx context.Context, key handleKey) context.Context {
	prev := heldLocks(ctx)
	next := make(map[handleKey]bool, len(prev)+1)
	for k := range prev {
		next[k] = true
	}
	next[key] = true
	return context.WithValue(ctx, heldKey{}, next)
}

// Locked runs fn with exclusive access: it takes the in-process lock and the
// advisory file lock, re-reads the file, applies fn and writes the result back
// atomically. When fn fails nothing is written and the in-memory state is
// reloaded from disk. Nested calls with the ctx passed to fn reuse the held
// lock and the same state. A READONLY marker makes entry fail with ErrReadOnly.
func (h *Handle[T, P]) Locked(ctx context.Context, fn func(ctx context.Context, s P) error) error {
	if wd.IsReadOnly(h.dir) {
		return fmt.Errorf("%s: %w", h.module, models.ErrReadOnly)
	}

	key := handleKey{wd: h.dir, module: h.module}
	if heldLocks(ctx)[key] {
		return fn(ctx, h.state)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	lock, err := acquireFileLock(ctx, h.lock)
	if err != nil {
		return err
	}
	h.notify(ctx, true)
	defer func() {
		if err := lock.release(); err != nil {
			h.reg.logger.Warn().Err(err).Str("lock", h.lock).Msg("Failed to release NoDb lock")
		}
		h.notify(context.WithoutCancel(ctx), false)
	}()

	info, err := os.Stat(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return &models.NotFoundError{Kind: "nodb", Name: h.path}
	}
	if err != nil {
		return &models.CorruptError{Path: h.path, Err: err}
	}
	// Always re-read the file: another process may have written within the same mtime tick.
	if err := h.load(ctx, info, false); err != nil {
		return err
	}

	if err := fn(withHeld(ctx, key), h.state); err != nil {
		h.modTime = time.Time{}
		if info, statErr := os.Stat(h.path); statErr == nil {
			if loadErr := h.load(ctx, info, false); loadErr != nil {
				h.reg.logger.Warn().Err(loadErr).Str("path", h.path).Msg("Failed to reload NoDb after aborted mutation")
			}
		}
		return err
	}
	return h.save(ctx, h.state)
}

func (h *Handle[T, P]) notify(ctx context.Context, locked bool) {
	if h.reg.observer == nil {
		return
	}
	if err := h.reg.observer.ModuleLocked(ctx, h.dir, h.module, locked); err != nil {
		h.reg.logger.Warn().Err(err).Str("module", h.module).Bool("locked", locked).Msg("Failed to record lock status")
	}
}
