package ui

import (
	"strings"
	"testing"
)

func TestPlainRendering(t *testing.T) {
	Configure(true)

	if got := RenderPass("✓"); got != "✓" {
		t.Errorf("RenderPass() = %q, want plain text", got)
	}
	if got := RenderFail("x"); got != "x" {
		t.Errorf("RenderFail() = %q, want plain text", got)
	}
}

func TestTable(t *testing.T) {
	Configure(true)

	out := Table([][]string{
		{"ENTITY", "PENDING"},
		{"sales", "12"},
		{"price_changes", "3"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], "sales          12") {
		t.Errorf("row not aligned: %q", lines[1])
	}
	if Table(nil) != "" {
		t.Error("Table(nil) should be empty")
	}
}
