package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weppcloud/weppcloud/internal/app"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/tasks"
)

// printSubmission writes the job id, or the submission response with --json.
// The submission error is returned either way.
func printSubmission(cmd *cobra.Command, asJSON bool, job *models.Job, err error) error {
	if asJSON {
		var resp models.Response
		if err != nil {
			resp = models.ErrorResponse(err, "")
		} else {
			resp = models.OK(job.ID)
		}
		if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(resp); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	return nil
}

func newDSSExportCmd() *cobra.Command {
	var (
		payload     string
		payloadFile string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "dss-export <runid>",
		Short: "Store a DSS export selection and queue post_dss_export_rq",
		Long: `Store a DSS export selection on the run and queue one post_dss_export_rq job.

The payload is the export form as JSON, for example
  {"dss_export_mode": 2, "dss_export_exclude_orders": [1, 2]}
Mode 0 exports every channel, 1 the listed dss_export_channel_ids and 2 every
channel whose Strahler order is not excluded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(payload)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				body = data
			}
			p, err := tasks.ParseDSSExportPayload(body)
			if err != nil {
				return printSubmission(cmd, asJSON, nil, err)
			}

			a, err := app.New(cmd.Context(), config, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := tasks.SubmitDSSExport(cmd.Context(), a.Env, args[0], p)
			return printSubmission(cmd, asJSON, job, err)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "export form as inline JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the export form from a file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the submission response as JSON")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	var (
		restore string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "archive <runid>",
		Short: "Queue a run snapshot, or a restore with --restore",
		Long: `Queue archive_rq for the run, or restore_archive_rq with --restore <name>.

The job id is recorded on the run so a second archive or restore is refused
while the first is still queued or running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), config, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var job *models.Job
			if restore != "" {
				job, err = tasks.SubmitRestore(cmd.Context(), a.Env, args[0], restore)
			} else {
				job, err = tasks.SubmitArchive(cmd.Context(), a.Env, args[0])
			}
			return printSubmission(cmd, asJSON, job, err)
		},
	}
	cmd.Flags().StringVar(&restore, "restore", "", "archive file name under <wd>/archives to restore")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the submission response as JSON")
	return cmd
}
