// Package transfer moves queued mutations in and out of a terminal as JSONL,
// one PendingMutation per line. It is used for backups and for handing a
// backlog over to another terminal.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/queue"
)

// ExportOptions narrows an export.
type ExportOptions struct {
	// Entities to export. Empty means every entity.
	Entities []offline.EntityType
	// Status to export. Empty means every unsynced status.
	Status queue.Status
	// IncludeSynced also exports confirmed mutations when Status is empty.
	IncludeSynced bool
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Exported  int
	PerEntity map[offline.EntityType]int
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	DryRun bool // Parse and validate without writing
	Backup bool // Copy the input next to itself first (ImportFile only)
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read          int
	Imported      int
	Duplicates    int
	BackupCreated string
	Errors        []string
}

// Export writes the selected mutations to w, entity by entity in sync
// order, oldest first within an entity.
func Export(ctx context.Context, queues *queue.Set, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	entities := opts.Entities
	if len(entities) == 0 {
		entities = offline.SyncOrder
	}

	result := &ExportResult{PerEntity: make(map[offline.EntityType]int)}
	encoder := json.NewEncoder(w)
	for _, entity := range entities {
		rec := queues.For(entity)
		if rec == nil {
			return nil, fmt.Errorf("unknown entity type %q", entity)
		}
		ms, err := rec.List(ctx, opts.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s mutations: %w", entity, err)
		}
		for _, m := range ms {
			if opts.Status == "" && m.Status == queue.StatusSynced && !opts.IncludeSynced {
				continue
			}
			if err := encoder.Encode(m); err != nil {
				return nil, fmt.Errorf("failed to write mutation %s: %w", m.ID, err)
			}
			result.Exported++
			result.PerEntity[entity]++
		}
	}
	return result, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, queues *queue.Set, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, queues, file, opts)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Import restores mutations read from r. Mutations already present are
// counted as duplicates. In-flight mutations come back as pending since
// the exporting terminal's attempt can no longer be confirmed here.
// Malformed lines stop the import; per-mutation failures are collected in
// the result.
func Import(ctx context.Context, queues *queue.Set, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	decoder := json.NewDecoder(r)

	for {
		var m queue.PendingMutation
		if err := decoder.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", result.Read+1, err)
		}
		result.Read++

		if err := validate(&m); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", result.Read, err))
			continue
		}
		if m.Status == queue.StatusInFlight {
			m.Status = queue.StatusPending
		}
		if opts.DryRun {
			result.Imported++
			continue
		}

		restored, err := queues.For(m.EntityType).Restore(ctx, &m)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to restore mutation %s: %v", m.ID, err))
			continue
		}
		if !restored {
			result.Duplicates++
			continue
		}
		result.Imported++
	}
	return result, nil
}

// ImportFile imports a JSONL file, optionally backing it up first.
func ImportFile(ctx context.Context, queues *queue.Set, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	input, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSONL file: %w", err)
	}

	var backup string
	if opts.Backup && !opts.DryRun {
		backup = path + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backup, input, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	result, err := Import(ctx, queues, file, opts)
	if result != nil {
		result.BackupCreated = backup
	}
	return result, err
}

func validate(m *queue.PendingMutation) error {
	switch {
	case m.ID == "":
		return errors.New("mutation id is required")
	case !m.EntityType.Valid():
		return fmt.Errorf("unknown entity type %q", m.EntityType)
	case !m.Op.Valid():
		return fmt.Errorf("mutation %s has unknown op %q", m.ID, m.Op)
	case m.RecordKey == "":
		return fmt.Errorf("mutation %s has no record key", m.ID)
	case !m.Status.Valid():
		return fmt.Errorf("mutation %s has unknown status %q", m.ID, m.Status)
	}
	return nil
}
