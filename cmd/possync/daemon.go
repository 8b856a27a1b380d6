package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tiendapos/possync/internal/config"
	"github.com/tiendapos/possync/internal/offline/daemon"
	"github.com/tiendapos/possync/internal/offline/dashboard"
	"github.com/tiendapos/possync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run sync passes in the foreground",
	Long: `Run the sync engine until interrupted.

A pass runs at startup, every sync.interval, whenever new mutations are
recorded, and when the connectivity monitor sees the server come back.
Changes to sync.interval and log.level in the config file are applied
without a restart.

Example usage:
  possync daemon                 # sync in the foreground
  possync daemon --dashboard     # also serve the dashboard on dashboard.port`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port := -1
		if withDashboard {
			port = cfg.Dashboard.Port
		}
		runDaemon(cmd.Context(), port)
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the dashboard while the daemon runs")
	rootCmd.AddCommand(daemonCmd)
}

// runDaemon blocks until SIGINT or SIGTERM. A negative dashboardPort
// disables the dashboard.
func runDaemon(parent context.Context, dashboardPort int) {
	t := mustOpenTerminal()
	defer t.Close()

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if dashboardPort >= 0 {
		server := dashboard.NewServer(&dashboard.Config{
			Port:     dashboardPort,
			Gatherer: t.metrics.Registry(),
			Logger:   logger,
		}, t.engine)
		detach := dashboard.NewHandler(server).Attach(t.notifier)
		defer detach()

		if err := server.Start(); err != nil {
			t.Close()
			fatalf("failed to start dashboard: %v", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
			}
		}()

		addr := server.GetAddr()
		if _, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort("localhost", port)
		}
		fmt.Printf("Dashboard server started on http://%s\n", addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Metrics: http://%s/metrics\n", addr)
	}

	d, err := daemon.NewWithConfig(t.engine, t.monitor, &daemon.Config{
		Interval:   cfg.Sync.Interval,
		ConfigPath: cfg.File,
		Reload:     reloadSettings,
		Logger:     logger,
	})
	if err != nil {
		t.Close()
		fatalf("failed to create daemon: %v", err)
	}

	fmt.Printf("%s Starting sync daemon (every %v, server %s)...\n", ui.RenderAccent("🚀"), cfg.Sync.Interval, cfg.Remote.BaseURL)
	if cfg.File != "" {
		fmt.Printf("Watching %s for changes\n", cfg.File)
	}
	fmt.Println("Press Ctrl+C to stop...")

	if err := d.Start(ctx); err != nil {
		t.Close()
		fatalf("daemon failed: %v", err)
	}
	fmt.Printf("\n%s Sync daemon stopped after %d pass(es)\n", ui.RenderPass("✓"), d.Runs())
}

// reloadSettings re-reads the config file for the daemon's hot reload.
func reloadSettings(path string) (daemon.Settings, error) {
	c, err := config.Load(path)
	if err != nil {
		return daemon.Settings{}, err
	}
	return daemon.Settings{Interval: c.Sync.Interval, LogLevel: c.Log.Level}, nil
}
