// Package migrations brings legacy working directories up to the current
// on-disk layout. Every step is idempotent: applying the runner twice leaves
// nothing to do the second time.
package migrations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/nodb"
)

// Step names, in application order.
const (
	StepObservedNoDb   = "observed_nodb"
	StepRunPaths       = "run_paths"
	StepWatersheds     = "watersheds"
	StepWBTGeoJSON     = "wbt_geojson"
	StepLanduseParquet = "landuse_parquet"
	StepSoilsParquet   = "soils_parquet"
	StepInterchange    = "interchange"
	StepRedisCache     = "redis_cache"
)

// Outcome is what one step reports.
type Outcome struct {
	Applied bool
	Message string
}

func applied(format string, args ...interface{}) (Outcome, error) {
	return Outcome{Applied: true, Message: fmt.Sprintf(format, args...)}, nil
}

func skipped(format string, args ...interface{}) (Outcome, error) {
	return Outcome{Message: fmt.Sprintf(format, args...)}, nil
}

// Target is the working directory being migrated.
type Target struct {
	RunID string
	WD    string
	Force bool // regenerate interchange even when current
}

type step struct {
	name  string
	apply func(ctx context.Context, r *Runner, t Target) (Outcome, error)
}

var steps = []step{
	{StepObservedNoDb, migrateObservedNoDb},
	{StepRunPaths, migrateRunPaths},
	{StepWatersheds, migrateWatersheds},
	{StepWBTGeoJSON, migrateWBTGeoJSON},
	{StepLanduseParquet, migrateLanduseParquet},
	{StepSoilsParquet, migrateSoilsParquet},
	{StepInterchange, migrateInterchange},
	{StepRedisCache, migrateRedisCache},
}

// Steps returns the step names in application order.
func Steps() []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result aggregates a migration run.
type Result struct {
	RunID   string            `json:"runid"`
	Steps   []StepResult      `json:"steps"`
	Applied []string          `json:"applied"`
	Skipped []string          `json:"skipped"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// OK reports whether every step succeeded.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

// Err summarizes failed steps, or nil.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	names := make([]string, 0, len(r.Errors))
	for name := range r.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + r.Errors[name]
	}
	return fmt.Errorf("migration failed: %s", strings.Join(parts, "; "))
}

// Config tunes the runner.
type Config struct {
	InterchangeVersion int
	NCPU               int
	Now                func() time.Time
}

// Invalidator drops cached NoDb state of a directory.
type Invalidator interface {
	InvalidateWD(ctx context.Context, dir string) (int, error)
}

// Runner applies the ordered steps to one working directory at a time.
type Runner struct {
	registry *nodb.Registry
	cache    Invalidator
	cfg      Config
	logger   arbor.ILogger
}

// NewRunner creates a runner. cache may be nil.
func NewRunner(registry *nodb.Registry, cache Invalidator, cfg Config, logger arbor.ILogger) *Runner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{registry: registry, cache: cache, cfg: cfg, logger: logger}
}

// Run applies every step to t.WD. A failing step is recorded and the
// remaining steps still run. progress, when set, receives one line per step.
func (r *Runner) Run(ctx context.Context, t Target, progress func(StepResult)) (*Result, error) {
	if _, err := os.Stat(t.WD); err != nil {
		return nil, fmt.Errorf("working directory %s: %w", t.WD, err)
	}
	t.WD = filepath.Clean(t.WD)
	res := &Result{RunID: t.RunID, Applied: []string{}, Skipped: []string{}}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := s.apply(ctx, r, t)
		sr := StepResult{Name: s.name, Applied: out.Applied, Message: out.Message}
		switch {
		case err != nil:
			sr.Error = err.Error()
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[s.name] = sr.Error
			r.logger.Warn().Err(err).Str("runid", t.RunID).Str("step", s.name).Msg("Migration step failed")
		case out.Applied:
			res.Applied = append(res.Applied, s.name)
			r.logger.Info().Str("runid", t.RunID).Str("step", s.name).Str("message", out.Message).Msg("Migration applied")
		default:
			res.Skipped = append(res.Skipped, s.name)
			r.logger.Debug().Str("runid", t.RunID).Str("step", s.name).Str("message", out.Message).Msg("Migration skipped")
		}
		res.Steps = append(res.Steps, sr)
		if progress != nil {
			progress(sr)
		}
	}
	if len(res.Applied) > 0 && r.registry != nil {
		r.registry.Forget(t.WD)
	}
	return res, nil
}

// writeAtomic replaces path with data, keeping the file mode.
func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
