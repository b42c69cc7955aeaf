package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
)

var (
	// Global flags
	configFiles []string
	logLevel    string
	queues      string

	// Resolved in PersistentPreRunE
	config *common.Config
	logger arbor.ILogger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "weppcloud",
		Short:         "WEPPcloud run execution: workers, status bridge and maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Startup order: config (defaults -> files -> env), flag overrides, logger.
			if len(configFiles) == 0 {
				if _, err := os.Stat("weppcloud.toml"); err == nil {
					configFiles = append(configFiles, "weppcloud.toml")
				}
			}
			var err error
			config, err = common.LoadFromFiles(configFiles...)
			if err != nil {
				return err
			}
			common.ApplyFlagOverrides(config, queues, logLevel)
			logger = common.InitLogger(config)
			logger.Debug().
				Strs("config_files", configFiles).
				Str("queue_backend", config.Queue.Backend).
				Strs("queues", config.Queue.Queues).
				Msg("Resolved configuration")
			return nil
		},
	}

	root.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil, "configuration file (repeatable, later files override earlier ones)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&queues, "queues", "", "comma separated queues, highest priority first")

	root.AddCommand(
		newWorkerCmd(),
		newBridgeCmd(),
		newMigrateCmd(),
		newProjectCmd(),
		newCancelCmd(),
		newDSSExportCmd(),
		newArchiveCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "weppcloud %s\n", common.GetFullVersion())
		},
	}
}
