// Package archive exports a tenant's recorded history to compressed files
// before a reset wipes the store. Resets are destructive by design; the
// archive is what makes them survivable.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"agorasim.ai/internal/persistence/snapshot"
	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/world"
)

const exportPageSize = 1000

// EventSource is the slice of the store the archiver reads. *eventdb.Store
// satisfies it.
type EventSource interface {
	GetTenant(ctx context.Context, id string) (world.Tenant, error)
	EventsSince(ctx context.Context, req protocol.EventBatchReq) (protocol.EventBatch, error)
}

type ResetArchiveMeta struct {
	TenantID   string `json:"tenant_id"`
	EndTick    uint64 `json:"end_tick"`
	Events     int    `json:"events"`
	EventsFile string `json:"events_file"`
	Snapshot   string `json:"snapshot,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Archiver writes reset archives under dataDir/tenants/<id>/archives/.
type Archiver struct {
	src     EventSource
	dataDir string
	logger  *log.Logger
}

func New(src EventSource, dataDir string, logger *log.Logger) *Archiver {
	if logger == nil {
		logger = log.New(os.Stdout, "[archive] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Archiver{src: src, dataDir: dataDir, logger: logger}
}

// ArchiveTenant exports the tenant's full event log and latest snapshot into
// a fresh reset_<NNN> directory and returns its path. The caller wipes the
// store only after this succeeds.
func (a *Archiver) ArchiveTenant(ctx context.Context, tenantID string) (string, error) {
	t, err := a.src.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}

	archivesDir := filepath.Join(a.dataDir, "tenants", tenantID, "archives")
	dest, err := nextResetDir(archivesDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	const eventsFile = "events.jsonl.zst"
	count, err := a.exportEvents(ctx, tenantID, filepath.Join(dest, eventsFile))
	if err != nil {
		return "", fmt.Errorf("export events: %w", err)
	}

	meta := ResetArchiveMeta{
		TenantID:   tenantID,
		EndTick:    t.CurrentTick,
		Events:     count,
		EventsFile: eventsFile,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}

	snapSrc := snapshot.PathFor(a.dataDir, tenantID)
	if _, statErr := os.Stat(snapSrc); statErr == nil {
		if err := copyFile(snapSrc, filepath.Join(dest, "world.snap")); err != nil {
			return "", fmt.Errorf("copy snapshot: %w", err)
		}
		meta.Snapshot = "world.snap"
	}

	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dest, "meta.json"), b, 0o644)
	}

	a.logger.Printf("tenant %s: archived %d events through tick %d to %s", tenantID, count, t.CurrentTick, dest)
	return dest, nil
}

// exportEvents pages the whole event log into one compressed JSONL file,
// oldest first. A truncated file is useless, so close errors are not
// swallowed.
func (a *Archiver) exportEvents(ctx context.Context, tenantID, path string) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriterSize(enc, 128*1024)

	total := 0
	var cursor uint64
	for {
		batch, err := a.src.EventsSince(ctx, protocol.EventBatchReq{
			TenantID: tenantID, SinceCursor: cursor, Limit: exportPageSize,
		})
		if err != nil {
			return total, err
		}
		for _, rec := range batch.Events {
			b, err := json.Marshal(rec)
			if err != nil {
				return total, err
			}
			if _, err := bw.Write(b); err != nil {
				return total, err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return total, err
			}
		}
		total += len(batch.Events)
		if len(batch.Events) < exportPageSize {
			break
		}
		cursor = batch.NextCursor
	}

	if err := bw.Flush(); err != nil {
		return total, err
	}
	if err := enc.Close(); err != nil {
		return total, err
	}
	return total, f.Close()
}

func nextResetDir(archivesDir string) (string, error) {
	entries, err := os.ReadDir(archivesDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	max := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "reset_%03d", &n); err == nil && n > max {
			max = n
		}
	}
	return filepath.Join(archivesDir, fmt.Sprintf("reset_%03d", max+1)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
