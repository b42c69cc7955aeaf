package tasks

import (
	"context"

	"github.com/weppcloud/weppcloud/internal/migrations"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/worker"
)

var migrationsStage = Stage{Name: Migrations, Topic: status.TopicMigrations, Trigger: EventMigrationsComplete}

// MigrationsPayload selects the optional parts of a migration.
type MigrationsPayload struct {
	ArchiveFirst bool `json:"archive_before,omitempty"`
	Force        bool `json:"force,omitempty"`
}

// Migrator returns the migration runner bound to the environment.
func (e *Env) Migrator() *migrations.Runner {
	var cache migrations.Invalidator
	if e.Cache != nil {
		cache = e.Cache
	}
	return migrations.NewRunner(e.NoDb, cache, migrations.Config{
		InterchangeVersion: e.Config.Interchange.Version,
		NCPU:               e.ncpu(),
		Now:                e.now,
	}, e.Logger)
}

func (e *Env) migrations(ctx context.Context, x *worker.Execution) error {
	var p MigrationsPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, migrationsStage, func(ctx context.Context, t *Task) error {
		_, err := t.migrate(ctx, p)
		return err
	})
}

func (t *Task) migrate(ctx context.Context, p MigrationsPayload) (*migrations.Result, error) {
	if p.ArchiveFirst {
		if _, err := t.archive(ctx); err != nil {
			return nil, err
		}
	}
	res, err := t.env.Migrator().Run(ctx, migrations.Target{RunID: t.RunID, WD: t.WD, Force: p.Force}, func(s migrations.StepResult) {
		switch {
		case s.Error != "":
			t.Progress(ctx, "%s failed: %s", s.Name, s.Error)
		case s.Applied:
			t.Progress(ctx, "%s applied: %s", s.Name, s.Message)
		default:
			t.Progress(ctx, "%s skipped: %s", s.Name, s.Message)
		}
	})
	if err != nil {
		return nil, err
	}
	t.Progress(ctx, "migrations: %d applied, %d skipped, %d failed", len(res.Applied), len(res.Skipped), len(res.Errors))
	return res, res.Err()
}
