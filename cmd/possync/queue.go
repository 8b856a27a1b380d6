package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/transfer"
	"github.com/tiendapos/possync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and repair the mutation queues",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Long: `List queued mutations, oldest first within each entity.

Examples:
  possync queue list                       # everything not yet synced
  possync queue list --status dead         # mutations that need an operator
  possync queue list --entity sales --all  # include confirmed sales`,
	Run: func(cmd *cobra.Command, args []string) {
		entities, status := queueFilters(cmd)
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		t := mustOpenTerminal()
		defer t.Close()

		var listed []*queue.PendingMutation
		for _, entity := range entities {
			ms, err := t.queues.For(entity).List(cmd.Context(), status)
			if err != nil {
				t.Close()
				fatalf("failed to list %s mutations: %v", entity, err)
			}
			for _, m := range ms {
				if status == "" && !all && m.Status == queue.StatusSynced {
					continue
				}
				listed = append(listed, m)
			}
		}
		if limit > 0 && len(listed) > limit {
			listed = listed[:limit]
		}

		if jsonOutput {
			writeJSONOutput(os.Stdout, listed)
			return
		}
		if len(listed) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}
		fmt.Print(ui.Table(mutationRows(listed)))
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <mutation-id>...",
	Short: "Move failed or dead mutations back to pending",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t := mustOpenTerminal()
		defer t.Close()

		failed := 0
		for _, id := range args {
			rec, _, err := t.queues.Find(cmd.Context(), id)
			if err == nil {
				err = rec.Retry(cmd.Context(), id)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, err)
				failed++
				continue
			}
			fmt.Printf("%s %s requeued\n", ui.RenderPass("✓"), id)
		}
		if failed > 0 {
			t.Close()
			os.Exit(1)
		}
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <mutation-id>...",
	Short: "Give up on pending mutations",
	Long: `Mark pending mutations dead so sync passes stop sending them. The local
record is kept; use 'queue retry' to bring a discarded mutation back.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !confirm(cmd, fmt.Sprintf("Discard %d mutation(s)?", len(args))) {
			fmt.Println("Aborted")
			return
		}

		t := mustOpenTerminal()
		defer t.Close()

		failed := 0
		for _, id := range args {
			rec, _, err := t.queues.Find(cmd.Context(), id)
			if err == nil {
				err = rec.Discard(cmd.Context(), id)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, err)
				failed++
				continue
			}
			fmt.Printf("%s %s discarded\n", ui.RenderWarn("⚠"), id)
		}
		if failed > 0 {
			t.Close()
			os.Exit(1)
		}
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced mutations confirmed before a date",
	Long: `Delete synced mutations confirmed before a cutoff. Unsynced mutations are
never deleted. The cutoff accepts dates and natural language.

Examples:
  possync queue prune                         # older than store.retention
  possync queue prune --before "3 days ago"
  possync queue prune --before 2026-01-31`,
	Run: func(cmd *cobra.Command, args []string) {
		before, _ := cmd.Flags().GetString("before")

		now := time.Now()
		cutoff := now.Add(-cfg.Store.Retention)
		if before != "" {
			var err error
			cutoff, err = parseBefore(before, now)
			if err != nil {
				fatalf("%v", err)
			}
		}
		if !confirm(cmd, fmt.Sprintf("Delete synced mutations confirmed before %s?", cutoff.Format("2006-01-02 15:04"))) {
			fmt.Println("Aborted")
			return
		}

		t := mustOpenTerminal()
		defer t.Close()

		total := 0
		for _, rec := range t.queues.All() {
			n, err := rec.Cleanup(cmd.Context(), cutoff.UTC())
			if err != nil {
				t.Close()
				fatalf("%v", err)
			}
			total += n
		}
		fmt.Printf("%s Pruned %d synced mutation(s)\n", ui.RenderPass("✓"), total)
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export queued mutations as JSONL",
	Long: `Write queued mutations as JSONL, one mutation per line. Use "-" for stdout.
The file can be imported on another terminal with 'queue import'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		entities, status := queueFilters(cmd)
		all, _ := cmd.Flags().GetBool("all")
		opts := transfer.ExportOptions{Entities: entities, Status: status, IncludeSynced: all}

		t := mustOpenTerminal()
		defer t.Close()

		var (
			result *transfer.ExportResult
			err    error
		)
		if args[0] == "-" {
			result, err = transfer.Export(cmd.Context(), t.queues, os.Stdout, opts)
		} else {
			result, err = transfer.ExportFile(cmd.Context(), t.queues, args[0], opts)
		}
		if err != nil {
			t.Close()
			fatalf("export failed: %v", err)
		}
		if args[0] != "-" {
			fmt.Printf("%s Exported %d mutation(s) to %s\n", ui.RenderPass("✓"), result.Exported, args[0])
		}
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import mutations exported by 'queue export'",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		t := mustOpenTerminal()
		defer t.Close()

		result, err := transfer.ImportFile(cmd.Context(), t.queues, args[0], transfer.ImportOptions{DryRun: dryRun, Backup: backup})
		if err != nil {
			t.Close()
			fatalf("import failed: %v", err)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d of %d mutation(s), %d already present\n",
			ui.RenderPass("✓"), verb, result.Imported, result.Read, result.Duplicates)
		if result.BackupCreated != "" {
			fmt.Printf("  Backup: %s\n", result.BackupCreated)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), msg)
		}
		if len(result.Errors) > 0 {
			t.Close()
			os.Exit(1)
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{queueListCmd, queueExportCmd} {
		c.Flags().StringSlice("entity", nil, "Only these entity types (repeatable)")
		c.Flags().String("status", "", "Only this status: pending, in_flight, failed, dead or synced")
		c.Flags().Bool("all", false, "Include synced mutations")
	}
	queueListCmd.Flags().Int("limit", 0, "Show at most this many mutations")
	queueListCmd.Flags().Bool("json", false, "Output as JSON")

	queueDiscardCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	queuePruneCmd.Flags().String("before", "", `Cutoff, e.g. "3 days ago" or 2026-01-31 (default: now minus store.retention)`)
	queuePruneCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	queueImportCmd.Flags().Bool("dry-run", false, "Validate without writing")
	queueImportCmd.Flags().Bool("backup", false, "Copy the input file before importing")

	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDiscardCmd, queuePruneCmd, queueExportCmd, queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}

func queueFilters(cmd *cobra.Command) ([]offline.EntityType, queue.Status) {
	names, _ := cmd.Flags().GetStringSlice("entity")
	statusName, _ := cmd.Flags().GetString("status")

	entities := offline.SyncOrder
	if len(names) > 0 {
		entities = make([]offline.EntityType, 0, len(names))
		for _, name := range names {
			entity, err := offline.ParseEntityType(name)
			if err != nil {
				fatalf("%v", err)
			}
			entities = append(entities, entity)
		}
	}

	var status queue.Status
	if statusName != "" {
		var err error
		if status, err = queue.ParseStatus(statusName); err != nil {
			fatalf("%v", err)
		}
	}
	return entities, status
}

func mutationRows(ms []*queue.PendingMutation) [][]string {
	rows := [][]string{{"ID", "ENTITY", "OP", "RECORD", "STATUS", "RETRIES", "CREATED", "LAST ERROR"}}
	for _, m := range ms {
		rows = append(rows, []string{
			m.ID,
			string(m.EntityType),
			string(m.Op),
			m.RecordKey,
			renderStatus(m.Status),
			strconv.Itoa(m.RetryCount),
			m.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(m.LastError, 48),
		})
	}
	return rows
}

func renderStatus(s queue.Status) string {
	switch s {
	case queue.StatusSynced:
		return ui.RenderPass(string(s))
	case queue.StatusFailed:
		return ui.RenderWarn(string(s))
	case queue.StatusDead:
		return ui.RenderFail(string(s))
	case queue.StatusInFlight:
		return ui.RenderAccent(string(s))
	default:
		return string(s)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseBefore accepts RFC 3339, a plain date, or natural language such as
// "3 days ago" relative to now.
func parseBefore(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, nil
	}

	r, err := dateParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, errors.New("unrecognized date " + strconv.Quote(text))
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("date %q is in the future", text)
	}
	return r.Time, nil
}

// confirm asks before a destructive change. Without a terminal on stdin, or
// with --yes, it proceeds.
func confirm(cmd *cobra.Command, title string) bool {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return true
	}
	if !ui.IsTerminal(os.Stdin.Fd()) {
		return true
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false
	}
	return ok
}
