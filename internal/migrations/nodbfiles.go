package migrations

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// migrateObservedNoDb rewrites legacy py/object tags in observed.nodb to the
// current module path.
func migrateObservedNoDb(_ context.Context, _ *Runner, t Target) (Outcome, error) {
	path := wd.NoDbPath(t.WD, "observed")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return skipped("no observed.nodb")
	}
	if err != nil {
		return Outcome{}, err
	}

	kind := modules.Observed{}.Kind()
	current, _ := json.Marshal(kind.Tag)
	out := data
	for _, legacy := range kind.Legacy {
		old, _ := json.Marshal(legacy)
		out = bytes.ReplaceAll(out, old, current)
	}
	if bytes.Equal(out, data) {
		return skipped("observed.nodb tag is current")
	}
	if err := writeAtomic(path, out); err != nil {
		return Outcome{}, err
	}
	return applied("rewrote observed.nodb tag to %s", kind.Tag)
}

// runPathPattern matches a quoted absolute path whose components include
// runid, up to and including the runid component.
func runPathPattern(runid string) *regexp.Regexp {
	return regexp.MustCompile(`"(?:/[\w.\-]+)*?/` + regexp.QuoteMeta(runid) + `([/"])`)
}

// RewriteRunPaths replaces every absolute path prefix ending in the runid
// component with dir. Paths already under dir are left as they are.
func RewriteRunPaths(text, runid, dir string) string {
	repl := `"` + strings.ReplaceAll(dir, "$", "$$") + "${1}"
	return runPathPattern(runid).ReplaceAllString(text, repl)
}

// migrateRunPaths points every runid-bearing path in *.nodb at the current WD.
func migrateRunPaths(_ context.Context, _ *Runner, t Target) (Outcome, error) {
	if t.RunID == "" {
		return skipped("runid unknown")
	}
	files, err := filepath.Glob(filepath.Join(t.WD, "*"+wd.NoDbExt))
	if err != nil {
		return Outcome{}, err
	}
	sort.Strings(files)

	var changed []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return Outcome{}, err
		}
		out := RewriteRunPaths(string(data), t.RunID, t.WD)
		if out == string(data) {
			continue
		}
		if err := writeAtomic(path, []byte(out)); err != nil {
			return Outcome{}, err
		}
		changed = append(changed, filepath.Base(path))
	}
	if len(changed) == 0 {
		return skipped("nodb paths are current")
	}
	return applied("rewrote paths in %s", strings.Join(changed, ", "))
}

// migrateRedisCache drops cached NoDb state for the WD.
func migrateRedisCache(ctx context.Context, r *Runner, t Target) (Outcome, error) {
	if r.cache == nil {
		return skipped("no NoDb cache configured")
	}
	n, err := r.cache.InvalidateWD(ctx, t.WD)
	if err != nil {
		return Outcome{}, err
	}
	if n == 0 {
		return skipped("no cached entries")
	}
	return applied("invalidated %d cached entries", n)
}
