package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"fetchd/internal/config"
	"fetchd/internal/daemon"
	"fetchd/internal/logging"
	"fetchd/internal/schedule"
)

func newRunCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the download daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, _, _, err := config.Load(*configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := schedule.Open(filepath.Join(cfg.Paths.LogDir, "schedule.db"))
			if err != nil {
				return fmt.Errorf("open schedule store: %w", err)
			}
			defer store.Close()

			d, err := daemon.New(cfg, store, logger)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Start(ctx); err != nil {
				d.KillAllSync()
				return fmt.Errorf("start daemon: %w", err)
			}

			<-ctx.Done()
			logger.Info("fetchd shutting down")
			return d.Close()
		},
	}
}
