package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/pkg/config"
	"github.com/user/portal-ingest/pkg/logger"
)

var (
	configFile string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Acquire and import open-data files published on the parliamentary portal",
	Long: `ingest discovers data files on the portal's listing pages, downloads them into a
content-addressed store and imports them into the database in category dependency order.
Every file's progress is tracked in the status store, so each stage can be run on its own,
re-run after a failure, or left to the long-running serve mode.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		log, err = logger.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./ingest.yaml or ./configs/ingest.yaml)")

	registerPipelineCommands()
	registerAdminCommands()
	registerServeCommand()
}
