package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tiendapos/possync/internal/offline/loadtest"
	"github.com/tiendapos/possync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure how fast an offline backlog drains",
	Long: `Build an offline backlog in a scratch store, then bring an in-memory server
online and drain it, reporting throughput.

The scratch store lives in a temporary directory; the configured store is
never touched.

Examples:
  # 4 sessions of 50 sales each, drained directly
  possync loadtest

  # Larger backlog drained through the HTTP adapter with 5ms server latency
  possync loadtest --sessions 20 --sales 200 --http --latency 5ms

  # Also measure recording latency with 8 concurrent cashiers
  possync loadtest --cashiers 8 --per-cashier 100

  # Output the report as JSON
  possync loadtest --json
`,
	Run:     runLoadtest,
	GroupID: "maint",
}

func init() {
	loadtestCmd.Flags().Int("sessions", 4, "Sessions opened while offline")
	loadtestCmd.Flags().Int("sales", 50, "Sales per session")
	loadtestCmd.Flags().Int("price-changes", 10, "Price changes made while offline")
	loadtestCmd.Flags().Duration("latency", 0, "Latency added to every server call")
	loadtestCmd.Flags().Int("concurrency", 0, "Drain concurrency (default: sync.concurrency)")
	loadtestCmd.Flags().Bool("http", false, "Drain through the HTTP adapter")
	loadtestCmd.Flags().Int("cashiers", 0, "Concurrent cashiers recording before the drain")
	loadtestCmd.Flags().Int("per-cashier", 50, "Sales recorded by each cashier")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	sessions, _ := cmd.Flags().GetInt("sessions")
	sales, _ := cmd.Flags().GetInt("sales")
	priceChanges, _ := cmd.Flags().GetInt("price-changes")
	latency, _ := cmd.Flags().GetDuration("latency")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	overHTTP, _ := cmd.Flags().GetBool("http")
	cashiers, _ := cmd.Flags().GetInt("cashiers")
	perCashier, _ := cmd.Flags().GetInt("per-cashier")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if sessions <= 0 || sales <= 0 {
		fatalf("--sessions and --sales must be positive")
	}
	if priceChanges < 0 || cashiers < 0 {
		fatalf("--price-changes and --cashiers cannot be negative")
	}
	if concurrency <= 0 {
		concurrency = cfg.Sync.Concurrency
	}

	dir, err := os.MkdirTemp("", "possync-loadtest-")
	if err != nil {
		fatalf("failed to create scratch directory: %v", err)
	}
	defer os.RemoveAll(dir)

	scenario := loadtest.Scenario{
		Sessions:        sessions,
		SalesPerSession: sales,
		PriceChanges:    priceChanges,
		Latency:         latency,
		Concurrency:     concurrency,
		OverHTTP:        overHTTP,
	}
	if !jsonOutput {
		fmt.Printf("%s Recording %d sessions x %d sales and %d price changes offline...\n",
			ui.RenderAccent("🔄"), sessions, sales, priceChanges)
	}

	tt, err := loadtest.CreateTestTerminal(filepath.Join(dir, "loadtest.db"), scenario, logger)
	if err != nil {
		fatalf("%v", err)
	}
	defer tt.Close()

	var recording *loadtest.LatencyStats
	if cashiers > 0 {
		recording, err = tt.RecordConcurrently(cashiers, perCashier)
		if err != nil {
			tt.Close()
			fatalf("%v", err)
		}
		if !jsonOutput {
			fmt.Printf("\nRecording latency (%d cashiers x %d sales)\n", cashiers, perCashier)
			recording.PrintStats(os.Stdout)
		}
	}

	report, err := tt.Drain(cmd.Context(), 0)
	if err != nil {
		tt.Close()
		fatalf("%v", err)
	}

	if jsonOutput {
		writeJSONOutput(os.Stdout, loadtestJSON(scenario, recording, report))
	} else {
		fmt.Println()
		report.PrintReport(os.Stdout)
	}

	if report.Remaining > 0 || report.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%s %d mutation(s) left in the queue, %d failed\n", ui.RenderWarn("⚠"), report.Remaining, report.Failed)
		tt.Close()
		os.Exit(1)
	}
}

func loadtestJSON(s loadtest.Scenario, recording *loadtest.LatencyStats, r *loadtest.DrainReport) map[string]any {
	output := map[string]any{
		"scenario": map[string]any{
			"sessions":          s.Sessions,
			"sales_per_session": s.SalesPerSession,
			"price_changes":     s.PriceChanges,
			"latency_ms":        s.Latency.Milliseconds(),
			"concurrency":       s.Concurrency,
			"over_http":         s.OverHTTP,
		},
		"drain": map[string]any{
			"mutations":       r.Mutations,
			"synced":          r.Synced,
			"failed":          r.Failed,
			"remaining":       r.Remaining,
			"passes":          r.Passes,
			"pushes":          r.Pushes,
			"duration_ms":     r.Duration.Milliseconds(),
			"mutations_per_s": r.Throughput,
		},
	}
	if recording != nil {
		output["recording"] = map[string]any{
			"calls":   recording.TotalCalls,
			"errors":  recording.Errors,
			"min_us":  micros(recording.Min),
			"p50_us":  micros(recording.P50),
			"mean_us": micros(recording.Mean),
			"p95_us":  micros(recording.P95),
			"p99_us":  micros(recording.P99),
			"max_us":  micros(recording.Max),
		}
	}
	return output
}

func micros(d time.Duration) int64 { return d.Microseconds() }
