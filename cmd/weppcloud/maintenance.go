package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weppcloud/weppcloud/internal/app"
	"github.com/weppcloud/weppcloud/internal/archive"
	"github.com/weppcloud/weppcloud/internal/migrations"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/tasks"
)

func newMigrateCmd() *cobra.Command {
	var (
		archiveFirst bool
		force        bool
		enqueue      bool
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "migrate <runid>...",
		Short: "Bring runs up to the current on-disk layout",
		Long: `Apply the ordered, idempotent migrations to each run.

By default migrations run in this process. With --enqueue a migrations_rq job
is queued per run instead and progress appears on <runid>:migrations.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, config, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, runid := range args {
				if enqueue {
					job, err := a.Queue.Manager.Enqueue(ctx, tasks.Migrations, runid,
						tasks.MigrationsPayload{ArchiveFirst: archiveFirst, Force: force}, queue.EnqueueOptions{})
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s\t%s\n", runid, job.ID)
					continue
				}

				dir, err := a.Resolver.GetWD(ctx, runid, true)
				if err != nil {
					return err
				}
				if archiveFirst {
					path, err := archive.Create(ctx, dir, runid, time.Now(), nil)
					if err != nil {
						return fmt.Errorf("archive %s: %w", runid, err)
					}
					logger.Info().Str("runid", runid).Str("archive", path).Msg("Archived before migrating")
				}
				res, err := a.Env.Migrator().Run(ctx, migrations.Target{RunID: runid, WD: dir, Force: force}, func(s migrations.StepResult) {
					if asJSON {
						return
					}
					state := "skipped"
					switch {
					case s.Error != "":
						state = "FAILED"
					case s.Applied:
						state = "applied"
					}
					fmt.Fprintf(out, "%s\t%-16s %-8s %s%s\n", runid, s.Name, state, s.Message, s.Error)
				})
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(res); err != nil {
						return err
					}
				}
				if !res.OK() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs had failed migrations", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&archiveFirst, "archive", false, "snapshot each run before migrating")
	cmd.Flags().BoolVar(&force, "force", false, "regenerate interchange even when current")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue migrations_rq jobs instead of running inline")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func newProjectCmd() *cobra.Command {
	var (
		defFile string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "new-project <runid> -f <definition.yaml>",
		Short: "Queue a run built from a project definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := submitProject(cmd, args[0], defFile)
			return printSubmission(cmd, asJSON, job, err)
		},
	}
	cmd.Flags().StringVarP(&defFile, "file", "f", "", "project definition (YAML or JSON)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the submission response as JSON")
	cmd.MarkFlagRequired("file")
	return cmd
}

func submitProject(cmd *cobra.Command, runid, defFile string) (*models.Job, error) {
	data, err := os.ReadFile(defFile)
	if err != nil {
		return nil, err
	}
	def, err := tasks.ParseProjectDef(data, filepath.Dir(defFile))
	if err != nil {
		return nil, err
	}

	a, err := app.New(cmd.Context(), config, logger)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	return tasks.SubmitNewProject(cmd.Context(), a.Queue.Manager, runid, def)
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel jobs and their children",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), config, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, id := range args {
				res, err := a.Queue.Manager.Cancel(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
				fmt.Fprintf(out, "%s\tcanceled=%s stopping=%s skipped=%s\n", id,
					strings.Join(res.Canceled, ","), strings.Join(res.Stopping, ","), strings.Join(res.Skipped, ","))
			}
			return nil
		},
	}
}
