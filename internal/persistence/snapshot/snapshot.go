// Package snapshot persists per-tenant world snapshots and serves them from
// an in-memory cache. The sqlite store stays authoritative; snapshots exist
// so status pages, observers and reset archives read a consistent world
// without touching a scheduler's loop.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"agorasim.ai/internal/sim/world"
)

type Header struct {
	Version  int    `json:"version"`
	TenantID string `json:"tenant_id"`
	Tick     uint64 `json:"tick"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	TakenAt string `json:"taken_at"`
	Alive   int    `json:"alive"`

	Agents []AgentV1 `json:"agents"`
	Pools  []PoolV1  `json:"pools"`
}

type AgentV1 struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Hunger      float64 `json:"hunger"`
	Energy      float64 `json:"energy"`
	Health      float64 `json:"health"`
	Balance     float64 `json:"balance"`
	State       string  `json:"state"`
	UpdatedTick uint64  `json:"updated_tick"`
}

type PoolV1 struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
	Max    float64 `json:"max"`
}

// FromWorld converts an engine snapshot into the persisted form.
func FromWorld(s world.Snapshot) SnapshotV1 {
	out := SnapshotV1{
		Header:  Header{Version: 1, TenantID: s.TenantID, Tick: s.Tick},
		TakenAt: s.TakenAt,
		Alive:   s.Alive,
		Agents:  make([]AgentV1, 0, len(s.Agents)),
		Pools:   make([]PoolV1, 0, len(s.Pools)),
	}
	for _, a := range s.Agents {
		out.Agents = append(out.Agents, AgentV1{
			ID: a.ID, Name: a.Name, X: a.X, Y: a.Y,
			Hunger: a.Hunger, Energy: a.Energy, Health: a.Health, Balance: a.Balance,
			State: a.State, UpdatedTick: a.UpdatedTick,
		})
	}
	for _, p := range s.Pools {
		out.Pools = append(out.Pools, PoolV1{Name: p.Name, Amount: p.Amount, Max: p.Max})
	}
	return out
}

// World converts back for in-memory use after a restart.
func (s SnapshotV1) World() world.Snapshot {
	out := world.Snapshot{
		TenantID: s.Header.TenantID,
		Tick:     s.Header.Tick,
		TakenAt:  s.TakenAt,
		Alive:    s.Alive,
		Agents:   make([]world.Agent, 0, len(s.Agents)),
		Pools:    make([]world.ResourcePool, 0, len(s.Pools)),
	}
	for _, a := range s.Agents {
		out.Agents = append(out.Agents, world.Agent{
			ID: a.ID, TenantID: s.Header.TenantID, Name: a.Name, X: a.X, Y: a.Y,
			Hunger: a.Hunger, Energy: a.Energy, Health: a.Health, Balance: a.Balance,
			State: a.State, UpdatedTick: a.UpdatedTick,
		})
	}
	for _, p := range s.Pools {
		out.Pools = append(out.Pools, world.ResourcePool{Name: p.Name, Amount: p.Amount, Max: p.Max})
	}
	return out
}

// PathFor is the canonical snapshot location inside a data dir.
func PathFor(dataDir, tenantID string) string {
	return filepath.Join(dataDir, "tenants", tenantID, "world.snap")
}

// WriteSnapshot writes zstd-compressed: a JSON header line for quick
// inspection, then the gob body.
// WriteSnapshot writes to a sibling tmp file and renames it into place, so
// the previous snapshot stays readable if the process dies mid-write.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	werr := func() error {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		bw := bufio.NewWriterSize(enc, 64*1024)

		hb, _ := json.Marshal(snap.Header)
		if _, err := bw.Write(hb); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
			return fmt.Errorf("gob encode: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		return enc.Close()
	}()
	if werr != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return werr
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// Skip the header line; the gob body carries the header too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
