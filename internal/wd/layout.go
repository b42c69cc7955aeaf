// Package wd describes the per-run working directory: layout, marker files,
// pup sub-projects and runid to path resolution.
package wd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/weppcloud/weppcloud/internal/models"
)

// Marker and log file names at the WD root.
const (
	ReadOnlyMarker = "READONLY"
	PublicMarker   = "PUBLIC"
	ExceptionsLog  = "exceptions.log"
	RunLog         = "rq.log"
	ArchivesDir    = "archives"
	PupsDir        = "_pups"
	NoDbExt        = ".nodb"
	LockExt        = ".nodb.lock"
)

var runIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ValidateRunID rejects empty ids and anything that could escape a directory.
func ValidateRunID(runid string) error {
	if !runIDPattern.MatchString(runid) || strings.Contains(runid, "..") {
		return models.NewValidationError("runid", "invalid runid %q", runid)
	}
	return nil
}

// Subdirectories of a run.
func DEMDir(wd string) string { return filepath.Join(wd, "dem") }
func TopazDir(wd string) string { return filepath.Join(wd, "dem", "topaz") }
func WBTDir(wd string) string { return filepath.Join(wd, "dem", "wbt") }
func WatershedDir(wd string) string { return filepath.Join(wd, "watershed") }
func LanduseDir(wd string) string { return filepath.Join(wd, "landuse") }
func SoilsDir(wd string) string { return filepath.Join(wd, "soils") }
func ClimateDir(wd string) string { return filepath.Join(wd, "climate") }
func DisturbedDir(wd string) string { return filepath.Join(wd, "disturbed") }
func WeppRunsDir(wd string) string { return filepath.Join(wd, "wepp", "runs") }
func WeppOutputDir(wd string) string { return filepath.Join(wd, "wepp", "output") }
func InterchangeDir(wd string) string { return filepath.Join(wd, "wepp", "output", "interchange") }
func ArchivesPath(wd string) string { return filepath.Join(wd, ArchivesDir) }
func ExportDir(wd string) string { return filepath.Join(wd, "export") }
func ExceptionsPath(wd string) string { return filepath.Join(wd, ExceptionsLog) }
func RunLogPath(wd string) string { return filepath.Join(wd, RunLog) }
func DEMPath(wd string) string { return filepath.Join(wd, "dem", "dem.tif") }
func SubwtaArcPath(wd string) string { return filepath.Join(wd, "dem", "topaz", "SUBWTA.ARC") }
func NoDbPath(wd, module string) string { return filepath.Join(wd, module+NoDbExt) }
func LockPath(wd, module string) string { return filepath.Join(wd, module+LockExt) }

func markerExists(wd, name string) bool {
	_, err := os.Stat(filepath.Join(wd, name))
	return err == nil
}

func setMarker(wd, name string, on bool) error {
	path := filepath.Join(wd, name)
	if !on {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return os.WriteFile(path, nil, 0644)
}

// IsReadOnly reports whether the READONLY marker is present.
func IsReadOnly(wd string) bool { return markerExists(wd, ReadOnlyMarker) }

// IsPublic reports whether the PUBLIC marker is present.
func IsPublic(wd string) bool { return markerExists(wd, PublicMarker) }

// SetReadOnly creates or removes the READONLY marker.
func SetReadOnly(wd string, on bool) error { return setMarker(wd, ReadOnlyMarker, on) }

// SetPublic creates or removes the PUBLIC marker.
func SetPublic(wd string, on bool) error { return setMarker(wd, PublicMarker, on) }

// PupPath resolves a pup sub-project below <wd>/_pups. The candidate must stay
// inside _pups and must exist.
func PupPath(wd, rel string) (string, error) {
	if rel == "" {
		return "", models.NewValidationError("pup", "pup path is required")
	}
	root := filepath.Join(wd, PupsDir)
	candidate := filepath.Clean(filepath.Join(root, rel))
	if !IsWithin(root, candidate) || candidate == root {
		return "", models.NewValidationError("pup", "invalid pup path %q", rel)
	}
	info, err := os.Stat(candidate)
	if err != nil || !info.IsDir() {
		return "", &models.NotFoundError{Kind: "pup project", Name: rel}
	}
	return candidate, nil
}

// IsWithin reports whether path is root or lies below it, lexically.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Relativize returns path relative to wd when it lies inside wd, else path.
func Relativize(wd, path string) string {
	if !filepath.IsAbs(path) || !IsWithin(wd, path) {
		return path
	}
	rel, err := filepath.Rel(wd, path)
	if err != nil {
		return path
	}
	return rel
}

// Resolve returns the absolute form of a persisted path: relative paths are
// joined to wd, absolute paths are returned unchanged.
func Resolve(wd, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(wd, path)
}

// EnsureDir creates dir and parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
