package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aegis/internal/config"
	"aegis/internal/logging"
)

func main() {
	var debug bool

	root := &cobra.Command{
		Use:           "aegis",
		Short:         "Live status sync and remediation scheduling for a Docker vulnerability dashboard",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(serveCmd(&debug))
	root.AddCommand(watchCmd(&debug))
	root.AddCommand(estimateCmd())
	root.AddCommand(strategiesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration, forcing debug logging when asked.
func loadConfig(debug bool) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if debug {
		cfg.LogLevel = logging.LevelDebug
	}
	return cfg, nil
}
