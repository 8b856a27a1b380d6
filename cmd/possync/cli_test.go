package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiendapos/possync/internal/config"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/metrics"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/ui"
)

func init() {
	ui.Configure(true)
}

func TestParseBefore(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2026-03-01T08:30:00Z", time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)},
		{"3 days ago", now.Add(-72 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseBefore(tt.input, now)
			if err != nil {
				t.Fatalf("parseBefore(%q) failed: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseBefore(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	for _, bad := range []string{"whenever", "in 3 days"} {
		if _, err := parseBefore(bad, now); err == nil {
			t.Errorf("parseBefore(%q) should fail", bad)
		}
	}
}

func TestCheckFormat(t *testing.T) {
	for _, f := range []string{"text", "json", "yaml"} {
		if err := checkFormat(f); err != nil {
			t.Errorf("checkFormat(%q) = %v", f, err)
		}
	}
	if err := checkFormat("xml"); err == nil {
		t.Error("checkFormat(xml) should fail")
	}
}

func TestPrintSession(t *testing.T) {
	session := &offline.SyncSession{
		ID:         "ses-42",
		DurationMs: 1500,
		Success:    false,
		Error:      "auth required",
		PerEntityResult: map[offline.EntityType]offline.SyncResult{
			offline.EntitySessions: {Total: 1, Succeeded: 1},
			offline.EntitySales:    {Total: 3, Succeeded: 2, Failed: 1},
			offline.EntityClosures: {},
		},
	}

	var buf bytes.Buffer
	printSession(&buf, session)
	out := buf.String()

	for _, want := range []string{"✗ Session ses-42 finished in 1.5s", "auth required", "sales", "total"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, string(offline.EntityClosures)) {
		t.Errorf("entities without mutations should be omitted:\n%s", out)
	}
}

func TestPrintStatus(t *testing.T) {
	cfg = &config.Config{Remote: config.RemoteConfig{BaseURL: "https://pos.example.com"}}

	var buf bytes.Buffer
	printStatus(&buf, metrics.Status{
		IsOnline:      true,
		PendingCounts: map[offline.EntityType]int{offline.EntitySales: 4, offline.EntityPriceChanges: 1},
		Health:        metrics.HealthReport{Issues: []string{"2 dead mutations need manual resolution"}},
		SuccessRate:   0.75,
	})
	out := buf.String()

	for _, want := range []string{"https://pos.example.com (online)", "Success rate: 75%", "Backlog (5)", "Last sync:    never", "1 issue(s) found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMutationRows(t *testing.T) {
	rows := mutationRows([]*queue.PendingMutation{{
		ID:         "m1",
		EntityType: offline.EntitySales,
		Op:         offline.OpCreate,
		RecordKey:  "sale-1",
		Status:     queue.StatusFailed,
		RetryCount: 2,
		LastError:  strings.Repeat("timeout ", 20),
	}})
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(rows))
	}
	row := rows[1]
	if row[4] != "failed" || row[5] != "2" {
		t.Errorf("unexpected row %v", row)
	}
	if n := len([]rune(row[7])); n != 48 {
		t.Errorf("last error has %d runes, want 48", n)
	}
}

func TestReloadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "possync.toml")
	if err := os.WriteFile(path, []byte("[sync]\ninterval = \"45s\"\n[log]\nlevel = \"debug\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	settings, err := reloadSettings(path)
	if err != nil {
		t.Fatalf("reloadSettings() failed: %v", err)
	}
	if settings.Interval != 45*time.Second || settings.LogLevel != "debug" {
		t.Errorf("settings = %+v", settings)
	}

	if err := os.WriteFile(path, []byte("[sync]\ninterval = \"-1s\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := reloadSettings(path); err == nil {
		t.Error("reloadSettings() accepted a negative interval")
	}
}

func TestOpenTerminalKeepsMissingCollection(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	loaded, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() failed: %v", err)
	}
	loaded.Store.Path = filepath.Join(t.TempDir(), "possync.db")
	loaded.Remote.BaseURL = "http://127.0.0.1:1"
	cfg = loaded
	logger = logging.Discard()
	ctx := context.Background()

	term, err := openTerminal()
	if err != nil {
		t.Fatalf("openTerminal() failed: %v", err)
	}
	dropped := offline.EntityStockChanges.QueueCollection()
	if err := term.store.DropCollection(ctx, dropped); err != nil {
		t.Fatalf("DropCollection() failed: %v", err)
	}
	term.Close()

	term, err = openTerminal()
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer term.Close()

	report := term.metrics.HealthCheck(ctx)
	if report.Healthy() || len(report.MissingStores) != 1 || report.MissingStores[0] != dropped {
		t.Errorf("health report = %+v, want %s missing", report, dropped)
	}

	_, err = term.engine.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "critical collection missing") {
		t.Errorf("Run() error = %v, want a critical collection abort", err)
	}
	if !term.engine.ReadOnly() {
		t.Error("engine should be read-only after the storage check fails")
	}
}
