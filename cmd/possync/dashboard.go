package main

import (
	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the real-time WebSocket dashboard",
	Long: `Run the sync daemon and serve a dashboard for monitoring it in real time.

The dashboard server broadcasts engine events to connected clients.

WebSocket messages include:
- status: Full status snapshot, sent first to every new client
- online, offline: Connectivity changes
- sync_start, sync_complete, sync_error, sync_skipped: Pass lifecycle
- auth_required: The server rejected the terminal's credentials
- stats: Running event counters and last session summary

HTTP endpoints:
- /status: Status read model as JSON
- /health: 200 when healthy, 503 with the report otherwise
- /metrics: Prometheus metrics

Example usage:
  possync dashboard                   # Start on dashboard.port (default 8080)
  possync dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		runDaemon(cmd.Context(), port)
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on (overrides dashboard.port)")
	rootCmd.AddCommand(dashboardCmd)
}
