// Command possync runs the offline sync engine of a point-of-sale terminal.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tiendapos/possync/internal/config"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/ui"
)

var (
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "Offline sync engine for point-of-sale terminals",
	Long: `possync keeps a point-of-sale terminal working without a network.

Sales, sessions, closures and stock or price changes are recorded in a local
SQLite store and queued. When the server is reachable the queue is drained in
dependency order, conflicts are resolved, and catalog data is refreshed.

Configuration is read from possync.toml or possync.yaml in the current
directory or ~/.config/possync, and from POSSYNC_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			ui.Configure(true)
		}
		loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./possync.toml or ~/.config/possync/possync.toml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable coloured output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "queue", Title: "Queue:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	logger, err = logging.New(cfg.LoggingConfig())
	if err != nil {
		fatalf("failed to set up logging: %v", err)
	}
	if cfg.File != "" {
		logger.WithField("file", cfg.File).Debug("config loaded")
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
