package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

var forkStage = Stage{Name: Fork, Topic: status.TopicFork}

// ForkPayload names the new run.
type ForkPayload struct {
	NewRunID     string `json:"new_runid" validate:"required"`
	Undisturbify bool   `json:"undisturbify,omitempty"`
}

// FinishForkPayload names the run whose fork channel gets FORK_COMPLETE.
type FinishForkPayload struct {
	SourceRunID string `json:"source_runid" validate:"required"`
}

func (e *Env) fork(ctx context.Context, x *worker.Execution) error {
	var p ForkPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, forkStage, func(ctx context.Context, t *Task) error {
		return t.fork(ctx, p)
	})
}

func (t *Task) fork(ctx context.Context, p ForkPayload) error {
	if err := wd.ValidateRunID(p.NewRunID); err != nil {
		return err
	}
	if p.NewRunID == t.RunID {
		return models.NewValidationError("new_runid", "new runid must differ from %s", t.RunID)
	}
	dest := t.env.Resolver.PrimaryWD(p.NewRunID)
	if _, err := os.Stat(dest); err == nil {
		return models.NewValidationError("new_runid", "run %s already exists", p.NewRunID)
	}
	if err := wd.EnsureDir(dest); err != nil {
		return err
	}

	args := []string{"-av", "--progress",
		"--exclude", wd.PupsDir,
		"--exclude", "*" + wd.LockExt,
	}
	if p.Undisturbify {
		args = append(args, "--exclude", "wepp/runs", "--exclude", "wepp/output")
	}
	args = append(args, t.WD+string(filepath.Separator), dest+string(filepath.Separator))
	t.Progress(ctx, "copying %s to %s", t.RunID, p.NewRunID)
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.Rsync, Args: args, Dir: t.WD}); err != nil {
		return err
	}

	n, err := SanitizeFork(dest, t.WD, t.RunID, p.NewRunID)
	if err != nil {
		return err
	}
	t.Progress(ctx, "rewrote %d nodb files", n)
	t.env.NoDb.Forget(dest)
	if t.env.Cache != nil {
		if _, err := t.env.Cache.InvalidateWD(ctx, dest); err != nil {
			t.Logger.Warn().Err(err).Str("dir", dest).Msg("Failed to invalidate fork cache")
		}
	}

	if !p.Undisturbify {
		t.publish(ctx, status.Trigger{JobID: t.Job.ID, Topic: status.TopicFork, Event: EventForkComplete})
		return nil
	}

	f := t.forked(p.NewRunID, dest)
	if err := mutateOrCreate(ctx, f, func(ctx context.Context, d *modules.Disturbed) error {
		d.Clear()
		return nil
	}); err != nil {
		return err
	}
	if f.Prep != nil {
		if err := f.Prep.SetHasSBS(ctx, false); err != nil {
			f.Logger.Warn().Err(err).Msg("Failed to clear has_sbs")
		}
	}
	if err := f.buildLanduse(ctx, LandusePayload{}); err != nil {
		return err
	}
	if err := f.buildSoils(ctx, SoilsPayload{}); err != nil {
		return err
	}
	wepp, err := f.enqueue(ctx, RunWepp, nil)
	if err != nil {
		return err
	}
	_, err = f.enqueue(ctx, FinishFork, FinishForkPayload{SourceRunID: t.RunID}, wepp.ID)
	return err
}

// forked returns a task operating on the new run of a fork. Rasters are
// reused from the copy.
func (t *Task) forked(runid, dir string) *Task {
	f := *t
	f.RunID = runid
	f.WD = dir
	f.Prep = t.env.prep(runid)
	f.reuse = true
	return &f
}

func (e *Env) finishFork(ctx context.Context, x *worker.Execution) error {
	var p FinishForkPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	t := e.newTask(x)
	t.RunID = p.SourceRunID
	t.topic = status.TopicFork
	t.publish(ctx, status.Trigger{JobID: x.Job.ID, Topic: status.TopicFork, Event: EventForkComplete})
	t.Logger.Info().Str("runid", x.Job.RunID).Str("source", p.SourceRunID).Msg("Fork complete")
	return nil
}

// SanitizeFork rewrites a copied run so it no longer refers to the source:
// the old WD path, the run directory of absolute paths and string values
// equal to the runid in every *.nodb file are replaced, lock files are
// removed, and READONLY/PUBLIC markers are dropped.
// It returns the number of rewritten files.
func SanitizeFork(dest, oldWD, oldRunID, newRunID string) (int, error) {
	newWD := dest
	id := regexp.QuoteMeta(oldRunID)
	shard := oldRunID
	if len(shard) > 2 {
		shard = shard[:2]
	}
	// The run directory is the first runid component of an absolute path,
	// after the optional runs/<shard>/ level. Later components and relative
	// paths are directories inside the WD.
	component := regexp.MustCompile(`(["']/(?:[^"'\s]*?/)?(?:` + regexp.QuoteMeta(shard) + `/)?)` + id + `(/|["'])`)
	value := regexp.MustCompile(`(["'])` + id + `(["'])`)
	repl := "${1}" + newRunID + "${2}"

	entries, err := os.ReadDir(dest)
	if err != nil {
		return 0, err
	}
	rewritten := 0
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dest, name)
		switch {
		case e.IsDir():
			continue
		case strings.HasSuffix(name, wd.LockExt):
			if err := os.Remove(path); err != nil {
				return rewritten, err
			}
		case strings.HasSuffix(name, wd.NoDbExt):
			data, err := os.ReadFile(path)
			if err != nil {
				return rewritten, err
			}
			s := strings.ReplaceAll(string(data), filepath.Clean(oldWD), newWD)
			s = component.ReplaceAllString(value.ReplaceAllString(s, repl), repl)
			if s == string(data) {
				continue
			}
			if err := os.WriteFile(path, []byte(s), 0644); err != nil {
				return rewritten, fmt.Errorf("rewrite %s: %w", name, err)
			}
			rewritten++
		}
	}
	if err := wd.SetReadOnly(dest, false); err != nil {
		return rewritten, err
	}
	return rewritten, wd.SetPublic(dest, false)
}
