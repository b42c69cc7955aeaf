// Command deploy-readiness gates worker restarts during a deploy. It exits 0
// (GO) when no job is running or queued, 1 (NO-GO) when work is in flight and
// 2 (UNKNOWN) when the state could not be determined.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/readiness"
	"github.com/weppcloud/weppcloud/internal/redisdb"
	"github.com/weppcloud/weppcloud/internal/worker"
)

type flags struct {
	configFiles      []string
	queues           string
	allowQueued      bool
	skipPreflight    bool
	requirePreflight bool
	asJSON           bool
	timeout          time.Duration
}

func main() {
	var f flags
	code := int(readiness.Unknown)

	cmd := &cobra.Command{
		Use:           "deploy-readiness",
		Short:         "Report whether workers may be restarted",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := run(cmd.Context(), f)
			if err != nil {
				return err
			}
			code = report.ExitCode
			return printReport(cmd, f, report)
		},
	}
	cmd.Flags().StringSliceVarP(&f.configFiles, "config", "c", nil, "configuration file (repeatable)")
	cmd.Flags().StringVar(&f.queues, "queues", "high,default,low", "comma separated queues to inspect")
	cmd.Flags().BoolVar(&f.allowQueued, "allow-queued", false, "do not block on queued jobs")
	cmd.Flags().BoolVar(&f.skipPreflight, "skip-preflight", false, "do not probe the preflight bridge")
	cmd.Flags().BoolVar(&f.requirePreflight, "require-preflight", false, "answer UNKNOWN when the preflight bridge is unhealthy")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "overall probe timeout")
	cmd.MarkFlagsMutuallyExclusive("skip-preflight", "require-preflight")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(int(readiness.Unknown))
	}
	os.Exit(code)
}

func run(ctx context.Context, f flags) (*readiness.Report, error) {
	config, err := common.LoadFromFiles(f.configFiles...)
	if err != nil {
		return nil, err
	}
	// --json output must stay parseable.
	var logger arbor.ILogger = arbor.NewNoOpLogger()
	if !f.asJSON {
		logger = common.InitLogger(config)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	opts := readiness.Options{
		Queues:       common.SplitList(f.queues),
		AllowQueued:  f.allowQueued,
		PreflightURL: config.Services.PreflightURL,
	}
	switch {
	case f.skipPreflight:
		opts.Preflight = readiness.PreflightSkip
	case f.requirePreflight:
		opts.Preflight = readiness.PreflightRequire
	}

	clients := redisdb.NewClients(config.Redis)
	defer clients.Close()
	if err := clients.Ping(ctx, common.RQDB); err != nil {
		logger.Warn().Err(err).Msg("Redis unreachable")
		return &readiness.Report{
			Verdict:  readiness.Unknown.String(),
			ExitCode: int(readiness.Unknown),
			Checks: []readiness.Check{{
				Name:   "redis",
				Status: readiness.Unknown.String(),
				Detail: err.Error(),
			}},
			CheckedAt: time.Now().UTC(),
		}, nil
	}

	client := clients.MustGet(common.RQDB)
	checker := readiness.NewChecker(queue.NewRedisBackend(client), func(ctx context.Context) ([]worker.Heartbeat, error) {
		return worker.Heartbeats(ctx, client)
	}, nil, logger)
	return checker.Evaluate(ctx, opts), nil
}

func printReport(cmd *cobra.Command, f flags, r *readiness.Report) error {
	out := cmd.OutOrStdout()
	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(out, "%s\n", r.Verdict)
	for _, ch := range r.Checks {
		mark := ""
		if ch.Warning {
			mark = " (warning)"
		}
		fmt.Fprintf(out, "  %-10s %-8s %s%s\n", ch.Name, ch.Status, ch.Detail, mark)
	}
	return nil
}
