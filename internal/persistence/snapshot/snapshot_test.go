package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"agorasim.ai/internal/sim/world"
)

func quietLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

func sampleSnapshot(tenant string, tick uint64) world.Snapshot {
	return world.Snapshot{
		TenantID: tenant,
		Tick:     tick,
		TakenAt:  "2026-02-01T10:00:00Z",
		Alive:    1,
		Agents: []world.Agent{
			{ID: "a1", TenantID: tenant, Name: "agent-a1", X: 3, Y: -2,
				Hunger: 80, Energy: 45.5, Health: 97, Balance: 512.25,
				State: world.StateWorking, UpdatedTick: tick},
			{ID: "a2", TenantID: tenant, Name: "agent-a2",
				Hunger: 0, Energy: 0, Health: 0, Balance: 10,
				State: world.StateDead, UpdatedTick: tick - 1},
		},
		Pools: []world.ResourcePool{{Name: "food", Amount: 420, Max: 1000}},
	}
}

func TestSnapshot_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.snap")
	want := sampleSnapshot("acme", 37)

	if err := WriteSnapshot(path, FromWorld(want)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	read, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	got := read.World()

	if got.TenantID != "acme" || got.Tick != 37 || got.Alive != 1 {
		t.Fatalf("got=%+v", got)
	}
	if got.TakenAt != want.TakenAt {
		t.Fatalf("taken_at=%q want=%q", got.TakenAt, want.TakenAt)
	}
	if len(got.Agents) != 2 || len(got.Pools) != 1 {
		t.Fatalf("agents=%d pools=%d", len(got.Agents), len(got.Pools))
	}
	a, ok := got.Agent("a1")
	if !ok {
		t.Fatalf("a1 missing")
	}
	if a.Balance != 512.25 || a.State != world.StateWorking || a.Energy != 45.5 {
		t.Fatalf("a1=%+v", a)
	}
	if a.TenantID != "acme" {
		t.Fatalf("a1 tenant=%q", a.TenantID)
	}
	p, ok := got.Pool("food")
	if !ok || p.Amount != 420 || p.Max != 1000 {
		t.Fatalf("food=%+v ok=%v", p, ok)
	}
}

func TestSnapshot_HeaderLineIsInspectable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.snap")
	if err := WriteSnapshot(path, FromWorld(sampleSnapshot("acme", 9))); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read header line: %v", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		t.Fatalf("header not JSON: %v (%q)", err, line)
	}
	if h.Version != 1 || h.TenantID != "acme" || h.Tick != 9 {
		t.Fatalf("header=%+v", h)
	}
}

func TestCache_FlushPersistsAndRestoreWarms(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := NewCache(dir, quietLogger())
	c.Update(sampleSnapshot("acme", 5))
	c.Update(sampleSnapshot("acme", 6))
	c.Update(sampleSnapshot("globex", 2))
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Only the newest snapshot per tenant hits disk.
	warm := NewCache(dir, quietLogger())
	defer warm.Close()
	if err := warm.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	snap, ok := warm.Latest("acme")
	if !ok || snap.Tick != 6 {
		t.Fatalf("acme snap=%+v ok=%v", snap, ok)
	}
	if snap, ok := warm.Latest("globex"); !ok || snap.Tick != 2 {
		t.Fatalf("globex snap=%+v ok=%v", snap, ok)
	}
	if ids := warm.TenantIDs(); len(ids) != 2 || ids[0] != "acme" || ids[1] != "globex" {
		t.Fatalf("ids=%v", ids)
	}
}

func TestCache_CloseWritesDirtySnapshots(t *testing.T) {
	dir := t.TempDir()

	c := NewCache(dir, quietLogger())
	c.Update(sampleSnapshot("acme", 3))
	// No flush and no debounce wait; Close must still write.
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	read, err := ReadSnapshot(PathFor(dir, "acme"))
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if read.Header.Tick != 3 {
		t.Fatalf("tick=%d want=3", read.Header.Tick)
	}
}

func TestCache_DropForgetsTenant(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := NewCache(dir, quietLogger())
	defer c.Close()
	c.Update(sampleSnapshot("acme", 4))
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	c.Drop("acme")
	if _, ok := c.Latest("acme"); ok {
		t.Fatalf("snapshot survived Drop")
	}
	if _, err := os.Stat(PathFor(dir, "acme")); !os.IsNotExist(err) {
		t.Fatalf("file survived Drop: err=%v", err)
	}
}

func TestCache_MemoryOnlyWithoutDir(t *testing.T) {
	c := NewCache("", quietLogger())
	defer c.Close()

	c.Update(sampleSnapshot("acme", 8))
	snap, ok := c.Latest("acme")
	if !ok || snap.Tick != 8 {
		t.Fatalf("snap=%+v ok=%v", snap, ok)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush without dir: %v", err)
	}
	if err := c.Restore(); err != nil {
		t.Fatalf("Restore without dir: %v", err)
	}
}
