package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"aegis/internal/app"
	"aegis/internal/logging"
)

func serveCmd(debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*debug)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			logger.Info("starting aegis", "addr", cfg.Addr, "upstream", cfg.UpstreamURL, "stream", cfg.StreamURL, "db", cfg.DBPath)

			a, err := app.New(cfg, logger)
			if err != nil {
				logger.Error("init failed", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := a.Run(ctx); err != nil {
				logger.Error("shutdown with error", "err", err)
				return err
			}
			return nil
		},
	}
}
