package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tiendapos/possync/internal/offline"
)

// Diagnostics summarizes what is on disk.
type Diagnostics struct {
	Path         string   `json:"path" yaml:"path"`
	Initialized  bool     `json:"initialized" yaml:"initialized"`
	Collections  []string `json:"collections" yaml:"collections"`
	SizeBytes    int64    `json:"sizeBytes" yaml:"sizeBytes"`
	QuotaBytes   int64    `json:"quotaBytes" yaml:"quotaBytes"`
	UsagePercent float64  `json:"usagePercent" yaml:"usagePercent"`
}

// Diagnostics returns collection names and a storage usage estimate. When
// quotaBytes is zero the quota is the database size plus the free space left
// on its filesystem.
func (s *Store) Diagnostics(ctx context.Context, quotaBytes int64) (Diagnostics, error) {
	d := Diagnostics{Path: s.path, Initialized: s.Initialized()}

	names, err := s.Collections(ctx)
	if err != nil {
		return d, err
	}
	d.Collections = names

	var pageCount, pageSize int64
	if err := s.conn.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return d, offline.Storage("diagnostics", fmt.Errorf("failed to read page count: %w", err))
	}
	if err := s.conn.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return d, offline.Storage("diagnostics", fmt.Errorf("failed to read page size: %w", err))
	}
	d.SizeBytes = pageCount * pageSize
	if fi, err := os.Stat(s.path + "-wal"); err == nil {
		d.SizeBytes += fi.Size()
	}

	d.QuotaBytes = quotaBytes
	if d.QuotaBytes <= 0 {
		free, err := freeDiskBytes(filepath.Dir(s.path))
		if err == nil {
			d.QuotaBytes = d.SizeBytes + free
		}
	}
	if d.QuotaBytes > 0 {
		d.UsagePercent = float64(d.SizeBytes) / float64(d.QuotaBytes) * 100
	}
	return d, nil
}
