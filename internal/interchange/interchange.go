// Package interchange converts WEPP text reports into the canonical Parquet
// datasets under <output>/interchange/, adds the totalwatsed3 daily budget
// and documents the result.
package interchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// Version is the current interchange layout. Older directories are regenerated.
const Version = 3

// VersionFile is the sentinel written last by Run.
const VersionFile = "interchange_version.json"

// VersionInfo is the content of the sentinel.
type VersionInfo struct {
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ReadVersion loads the sentinel of an interchange directory.
func ReadVersion(dir string) (VersionInfo, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if errors.Is(err, os.ErrNotExist) {
		return VersionInfo{}, false, nil
	}
	if err != nil {
		return VersionInfo{}, false, err
	}
	var v VersionInfo
	if err := json.Unmarshal(data, &v); err != nil {
		return VersionInfo{}, false, &models.CorruptError{Path: filepath.Join(dir, VersionFile), Err: err}
	}
	return v, true, nil
}

// NeedsUpdate reports whether dir is missing, older than version, or force is set.
func NeedsUpdate(dir string, version int, force bool) bool {
	if force {
		return true
	}
	v, ok, err := ReadVersion(dir)
	return err != nil || !ok || v.Version < version
}

// OutputDir resolves the WEPP output directory of a run. subpath selects a
// nested output such as wepp/ag_field/output; it must stay inside the run
// and end in "output".
func OutputDir(runDir, subpath string) (string, error) {
	if subpath == "" {
		return wd.WeppOutputDir(runDir), nil
	}
	clean := filepath.Clean(subpath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") || filepath.Base(clean) != "output" {
		return "", models.NewValidationError("wepp_output_subpath", "invalid output subpath %q", subpath)
	}
	dir := filepath.Join(runDir, clean)
	if !wd.IsWithin(runDir, dir) {
		return "", models.NewValidationError("wepp_output_subpath", "invalid output subpath %q", subpath)
	}
	return dir, nil
}

// Options control one interchange build.
type Options struct {
	OutputDir   string
	SingleStorm bool
	Baseflow    modules.BaseflowOpts
	Version     int
	NCPU        int
	Now         func() time.Time
}

// Result lists what a build produced.
type Result struct {
	Dir       string
	Datasets  []string
	Watershed bool
	Version   int
}

// Run builds the interchange directory for opts.OutputDir. The version
// sentinel is written only after every dataset succeeded.
func Run(ctx context.Context, opts Options, logger arbor.ILogger) (*Result, error) {
	if opts.Version <= 0 {
		opts.Version = Version
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if _, err := os.Stat(opts.OutputDir); err != nil {
		return nil, &models.NotFoundError{Kind: "wepp output", Name: opts.OutputDir}
	}

	dest := filepath.Join(opts.OutputDir, "interchange")
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, err
	}
	// A partial rebuild must not look current.
	if err := os.Remove(filepath.Join(dest, VersionFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	started := time.Now()
	res := &Result{Dir: dest, Version: opts.Version}

	hill, err := buildHillslopes(ctx, opts.OutputDir, dest, opts.SingleStorm, opts.NCPU)
	if err != nil {
		return nil, fmt.Errorf("hillslope interchange: %w", err)
	}
	res.Datasets = append(res.Datasets, hill...)

	if HasWatershedRun(opts.OutputDir) {
		ws, err := buildWatershed(opts.OutputDir, dest, opts.SingleStorm)
		if err != nil {
			return nil, fmt.Errorf("watershed interchange: %w", err)
		}
		res.Datasets = append(res.Datasets, ws...)
		res.Watershed = true
	}

	if !opts.SingleStorm {
		if err := BuildTotalWatSed(dest, opts.Baseflow); err != nil {
			return nil, fmt.Errorf("totalwatsed3: %w", err)
		}
		res.Datasets = append(res.Datasets, TotalWatSed3)
	}

	now := opts.Now()
	if err := WriteDocs(dest, opts.Version, res.Datasets, now); err != nil {
		return nil, err
	}
	data, err := json.Marshal(VersionInfo{Version: opts.Version, GeneratedAt: now.UTC()})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dest, VersionFile), data, 0644); err != nil {
		return nil, err
	}

	logger.Info().
		Str("dir", dest).
		Int("datasets", len(res.Datasets)).
		Bool("single_storm", opts.SingleStorm).
		Dur("duration", time.Since(started)).
		Msg("Interchange generated")
	return res, nil
}
