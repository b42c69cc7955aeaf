package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weppcloud/weppcloud/internal/archive"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

var (
	archiveStage = Stage{Name: Archive, Topic: status.TopicArchive, Trigger: EventArchiveComplete}
	restoreStage = Stage{Name: RestoreArchive, Topic: status.TopicArchive, Trigger: EventRestoreComplete}
)

// RestorePayload names the archive to restore.
type RestorePayload struct {
	ArchiveName string `json:"archive_name" validate:"required"`
}

func (e *Env) archive(ctx context.Context, x *worker.Execution) error {
	err := e.execute(ctx, x, archiveStage, func(ctx context.Context, t *Task) error {
		_, err := t.archive(ctx)
		return err
	})
	e.clearArchiveJob(ctx, x)
	return err
}

// archive snapshots the run and mirrors the archive when a mirror is set.
func (t *Task) archive(ctx context.Context) (string, error) {
	t.Progress(ctx, "archiving %s", t.RunID)
	count := 0
	path, err := archive.Create(ctx, t.WD, t.RunID, t.env.now(), func(string) { count++ })
	if err != nil {
		return "", err
	}
	t.Progress(ctx, "wrote %s (%d files)", filepath.Base(path), count)
	if t.env.Mirror != nil {
		url, err := t.env.Mirror.Upload(ctx, t.RunID, path)
		if err != nil {
			return "", err
		}
		t.Progress(ctx, "mirrored to %s", url)
	}
	return path, nil
}

// clearArchiveJob drops the archive job id once the completion events are
// published.
func (e *Env) clearArchiveJob(ctx context.Context, x *worker.Execution) {
	prep := e.prep(x.Job.RunID)
	if prep == nil {
		return
	}
	if err := prep.ClearArchiveJobID(ctx); err != nil {
		e.Logger.Warn().Err(err).Str("runid", x.Job.RunID).Msg("Failed to clear archive job id")
	}
}

func (e *Env) restoreArchive(ctx context.Context, x *worker.Execution) error {
	var p RestorePayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	err := e.execute(ctx, x, restoreStage, func(ctx context.Context, t *Task) error {
		n, err := archive.Restore(ctx, t.WD, p.ArchiveName, nil)
		if err != nil {
			return err
		}
		t.env.NoDb.Forget(t.WD)
		if t.env.Cache != nil {
			if _, err := t.env.Cache.InvalidateWD(ctx, t.WD); err != nil {
				t.Logger.Warn().Err(err).Msg("Failed to invalidate NoDb cache")
			}
		}
		t.Progress(ctx, "restored %d files from %s", n, p.ArchiveName)
		return nil
	})
	e.clearArchiveJob(ctx, x)
	return err
}

// SubmitArchive enqueues archive_rq for runid and records the job id on the
// run's prep hash. Only one archive or restore job may be in flight per run.
func SubmitArchive(ctx context.Context, env *Env, runid string) (*models.Job, error) {
	return submitArchiveJob(ctx, env, runid, Archive, nil, nil)
}

// SubmitRestore enqueues restore_archive_rq for an archive under
// <wd>/archives/. It shares the archive job slot with SubmitArchive.
func SubmitRestore(ctx context.Context, env *Env, runid, name string) (*models.Job, error) {
	p := RestorePayload{ArchiveName: filepath.Base(name)}
	if err := checkPayload(&p); err != nil {
		return nil, err
	}
	return submitArchiveJob(ctx, env, runid, RestoreArchive, p, func(dir string) error {
		if _, err := os.Stat(filepath.Join(wd.ArchivesPath(dir), p.ArchiveName)); err != nil {
			return &models.NotFoundError{Kind: "archive", Name: p.ArchiveName}
		}
		return nil
	})
}

func submitArchiveJob(ctx context.Context, env *Env, runid, fn string, args interface{}, check func(dir string) error) (*models.Job, error) {
	dir, err := env.Resolver.GetWD(ctx, runid, true)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, &models.NotFoundError{Kind: "run", Name: runid}
	}
	if check != nil {
		if err := check(dir); err != nil {
			return nil, err
		}
	}

	prep := env.prep(runid)
	if prep != nil {
		id, err := prep.ArchiveJobID(ctx)
		if err != nil {
			return nil, err
		}
		if id != "" {
			job, err := env.Queue.Store().Get(ctx, id)
			switch {
			case err == nil && !job.Status.IsTerminal():
				return nil, models.NewValidationError("runid", "archive job %s is still %s for %s", id, job.Status, runid)
			case err != nil && !errors.Is(err, models.ErrNotFound):
				return nil, err
			}
		}
	}

	job, err := env.Queue.Enqueue(ctx, fn, runid, args, queue.EnqueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", fn, err)
	}
	if prep != nil {
		if err := prep.SetArchiveJobID(ctx, job.ID); err != nil {
			return job, err
		}
	}
	return job, nil
}
