package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/studysync/internal/config"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
)

var cfg = config.Load()

var (
	dataDir  string
	provider string
	logLevel string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "studysync",
	Short: "Sync study databases across devices",
	Long: `studysync keeps bookmarks, reading plans and workspaces in sync
across devices through a shared folder on a storage provider.

Settings are read from the environment and an optional .env file
(STUDYSYNC_DATA_DIR, STUDYSYNC_PROVIDER, STUDYSYNC_SYNC_DIR, ...).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir = dataDir
		}
		if cmd.Flags().Changed("provider") {
			cfg.SyncProvider = provider
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
		return cfg.Validate()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.ErrorWithCode("command failed", string(errors.CodeOf(err)), err, nil)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", cfg.DataDir, "directory holding the store files")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", cfg.SyncProvider, "sync provider: none, localfs, s3, aws, r2, minio")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")
}
