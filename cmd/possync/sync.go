package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/metrics"
	offsync "github.com/tiendapos/possync/internal/offline/sync"
	"github.com/tiendapos/possync/internal/ui"
	"gopkg.in/yaml.v3"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass against the server",
	Long: `Push every queued mutation to the server in dependency order, then refresh
products, categories and users.

A pass is skipped when the server does not answer its health check; the
queue is left untouched and the command exits with status 2.`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		t := mustOpenTerminal()
		defer t.Close()

		if !jsonOutput {
			fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.Remote.BaseURL)
		}
		session, err := t.engine.Run(cmd.Context())
		switch {
		case errors.Is(err, offsync.ErrSkipped):
			fmt.Fprintf(os.Stderr, "%s Server unreachable, mutations stay queued: %v\n", ui.RenderWarn("⚠"), err)
			t.Close()
			os.Exit(2)
		case session == nil && err == nil:
			fmt.Printf("%s Another sync pass is already running\n", ui.RenderWarn("⚠"))
			return
		}

		if session != nil {
			if jsonOutput {
				writeJSONOutput(os.Stdout, session)
			} else {
				printSession(os.Stdout, session)
			}
		}
		if err != nil {
			t.Close()
			fatalf("sync failed: %v", err)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, backlog and last sync",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			fatalf("%v", err)
		}

		t := mustOpenTerminal()
		defer t.Close()

		t.monitor.Check(cmd.Context())
		status := t.engine.Status(cmd.Context())

		switch format {
		case "json":
			writeJSONOutput(os.Stdout, status)
		case "yaml":
			writeYAMLOutput(os.Stdout, status)
		default:
			printStatus(os.Stdout, status)
		}
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	GroupID: "sync",
	Short:   "Check the local store and backlog",
	Long: `Verify that every required collection exists, estimate storage usage and
count pending and dead mutations. Exits with status 1 when issues are found.`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		t := mustOpenTerminal()
		report := t.metrics.HealthCheck(cmd.Context())
		t.Close()

		if jsonOutput {
			writeJSONOutput(os.Stdout, report)
		} else {
			printHealth(os.Stdout, report)
		}
		if !report.Healthy() {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("json", false, "Output the session as JSON")
	statusCmd.Flags().String("format", "text", "Output format: text, json or yaml")
	healthCmd.Flags().Bool("json", false, "Output the report as JSON")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

func checkFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
}

func writeJSONOutput(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode JSON: %v", err)
	}
}

func writeYAMLOutput(w io.Writer, v any) {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode YAML: %v", err)
	}
	_ = enc.Close()
}

func printSession(w io.Writer, s *offline.SyncSession) {
	totals := s.Totals()
	icon := ui.RenderPass("✓")
	if !s.Success {
		icon = ui.RenderFail("✗")
	}
	fmt.Fprintf(w, "%s Session %s finished in %v\n", icon, s.ID, time.Duration(s.DurationMs)*time.Millisecond)
	if s.Error != "" {
		fmt.Fprintf(w, "  %s\n", ui.RenderFail(s.Error))
	}

	rows := [][]string{{"ENTITY", "TOTAL", "OK", "FAILED", "CONFLICTS", "DEFERRED"}}
	for _, entity := range offline.SyncOrder {
		r, ok := s.PerEntityResult[entity]
		if !ok || r.Total == 0 {
			continue
		}
		rows = append(rows, resultRow(string(entity), r))
	}
	rows = append(rows, resultRow("total", totals))
	fmt.Fprintln(w)
	fmt.Fprint(w, ui.Table(rows))
}

func resultRow(name string, r offline.SyncResult) []string {
	return []string{
		name,
		strconv.Itoa(r.Total),
		strconv.Itoa(r.Succeeded),
		strconv.Itoa(r.Failed),
		strconv.Itoa(r.Conflicts),
		strconv.Itoa(r.Deferred),
	}
}

func printStatus(w io.Writer, s metrics.Status) {
	fmt.Fprintf(w, "\n%s Sync Status\n\n", ui.RenderAccent("📊"))

	online := ui.RenderFail("offline")
	if s.IsOnline {
		online = ui.RenderPass("online")
	}
	fmt.Fprintf(w, "  Server:       %s (%s)\n", cfg.Remote.BaseURL, online)
	fmt.Fprintf(w, "  Syncing:      %s\n", yesNo(s.IsSyncing))
	if s.ReadOnly {
		fmt.Fprintf(w, "  Read-only:    %s\n", ui.RenderWarn("yes"))
	}
	fmt.Fprintf(w, "  Success rate: %.0f%%\n", s.SuccessRate*100)

	if s.LastSync != nil {
		result := ui.RenderPass("ok")
		if !s.LastSync.Success {
			result = ui.RenderFail("failed")
		}
		fmt.Fprintf(w, "  Last sync:    %s (%s, %s)\n",
			s.LastSync.StartedAt.Local().Format("2006-01-02 15:04:05"),
			time.Duration(s.LastSync.DurationMs)*time.Millisecond, result)
	} else {
		fmt.Fprintf(w, "  Last sync:    %s\n", ui.RenderMuted("never"))
	}

	rows := [][]string{{"ENTITY", "PENDING"}}
	total := 0
	for _, entity := range offline.SyncOrder {
		n := s.PendingCounts[entity]
		total += n
		rows = append(rows, []string{string(entity), strconv.Itoa(n)})
	}
	fmt.Fprintf(w, "\n%s\n", ui.RenderHeader(fmt.Sprintf("Backlog (%d)", total)))
	fmt.Fprint(w, ui.Table(rows))

	fmt.Fprintln(w)
	printHealth(w, s.Health)
}

func printHealth(w io.Writer, h metrics.HealthReport) {
	if h.Healthy() {
		fmt.Fprintf(w, "%s Healthy (storage %.1f%% used, %d pending)\n", ui.RenderPass("✓"), h.StorageUsagePercent, h.PendingCount)
		return
	}
	fmt.Fprintf(w, "%s %d issue(s) found\n", ui.RenderWarn("⚠"), len(h.Issues))
	for _, issue := range h.Issues {
		fmt.Fprintf(w, "  - %s\n", issue)
	}
	if len(h.MissingStores) > 0 {
		fmt.Fprintf(w, "  Missing collections: %v\n", h.MissingStores)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
