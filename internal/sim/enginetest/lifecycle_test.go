package enginetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/engine"
	"agorasim.ai/internal/sim/world"
)

func TestLedgerVersionsContiguousAcrossTicks(t *testing.T) {
	h := NewHarness(t, Config{
		Agents: 3,
		Pools:  []world.ResourcePool{{Name: "food", Amount: 500, Max: 1000}},
	})
	h.StepN(4)

	if got := h.E.CurrentTick(); got != 5 {
		t.Fatalf("tick: got %d want %d", got, 5)
	}
	recs := h.Events(0, 5)
	if len(recs) == 0 {
		t.Fatalf("ledger is empty")
	}
	for i, rec := range recs {
		if want := recs[0].Version + uint64(i); rec.Version != want {
			t.Fatalf("version gap at index %d: got %d want %d", i, rec.Version, want)
		}
		if i > 0 && rec.Tick < recs[i-1].Tick {
			t.Fatalf("tick order broken at version %d: tick %d after %d", rec.Version, rec.Tick, recs[i-1].Tick)
		}
	}

	starts := map[uint64]bool{}
	ends := map[uint64]bool{}
	for _, rec := range recs {
		switch rec.Type {
		case protocol.EventTickStart:
			starts[rec.Tick] = true
		case protocol.EventTickEnd:
			ends[rec.Tick] = true
		}
	}
	for tick := uint64(1); tick <= 5; tick++ {
		if !starts[tick] || !ends[tick] {
			t.Fatalf("tick %d not bracketed: start=%v end=%v", tick, starts[tick], ends[tick])
		}
	}
}

func TestWorldSurvivesRestart(t *testing.T) {
	h := NewHarness(t, Config{Agents: 3, AgentBalance: 40, Decider: StaticDecider{Action: "work"}})
	h.StepN(2)

	before := append([]string(nil), h.AgentIDs()...)
	sort.Strings(before)
	if len(before) != 3 {
		t.Fatalf("agents before restart: got %d want %d", len(before), 3)
	}
	balances := map[string]float64{}
	for _, id := range before {
		balances[id] = h.Agent(id).Balance
	}

	h.Restart()
	res := h.Step()
	if res.Tick != 4 {
		t.Fatalf("tick after restart: got %d want %d", res.Tick, 4)
	}

	after := append([]string(nil), h.AgentIDs()...)
	sort.Strings(after)
	if len(after) != len(before) {
		t.Fatalf("agents after restart: got %d want %d", len(after), len(before))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Fatalf("agent set changed across restart: got %v want %v", after, before)
		}
	}
	// Work keeps paying out of the reloaded balances.
	for _, id := range after {
		if got := h.Agent(id).Balance; got <= balances[id] {
			t.Fatalf("agent %s balance did not grow across restart: got %v had %v", id, got, balances[id])
		}
	}
	// The restarted engine must not bootstrap a second population.
	if got := len(h.EventsOfType(protocol.EventAgentSpawned)); got != 3 {
		t.Fatalf("spawn events after restart: got %d want %d", got, 3)
	}
}

func TestUsageCountsTicksEventsAndSkips(t *testing.T) {
	h := NewHarness(t, Config{Agents: 2})
	h.StepN(3)

	day := time.Now().UTC().Format("2006-01-02")
	u, err := h.Store.GetUsage(context.Background(), h.TenantID, day)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u.Ticks != 4 {
		t.Fatalf("usage ticks: got %d want %d", u.Ticks, 4)
	}
	wantEvents := 0
	for _, res := range h.Ticks {
		wantEvents += res.Events
	}
	if u.Events != wantEvents {
		t.Fatalf("usage events: got %d want %d", u.Events, wantEvents)
	}
	if u.Skipped != 0 {
		t.Fatalf("usage skipped: got %d want 0", u.Skipped)
	}

	h.UpdateTenant(func(tn *world.Tenant) { tn.IsPaused = true })
	res := h.Step()
	if !res.Skipped || res.Reason != engine.SkipPaused {
		t.Fatalf("paused step: skipped=%v reason=%q", res.Skipped, res.Reason)
	}
	if got := h.E.CurrentTick(); got != 4 {
		t.Fatalf("tick advanced while paused: got %d want %d", got, 4)
	}
	u2, err := h.Store.GetUsage(context.Background(), h.TenantID, day)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u2.Ticks != 4 || u2.Skipped != 1 {
		t.Fatalf("usage after pause: ticks=%d skipped=%d want 4/1", u2.Ticks, u2.Skipped)
	}

	h.UpdateTenant(func(tn *world.Tenant) { tn.IsPaused = false })
	if res := h.Step(); res.Skipped {
		t.Fatalf("step still skipped after resume: %+v", res)
	}
}

func TestDailyTickQuotaGatesTheTick(t *testing.T) {
	h := NewHarness(t, Config{Agents: 1, DailyTickQuota: 3})
	h.StepN(2)

	res := h.Step()
	if !res.Skipped || res.Reason != engine.SkipQuotaExceeded {
		t.Fatalf("over-quota step: skipped=%v reason=%q", res.Skipped, res.Reason)
	}
	if got := h.E.CurrentTick(); got != 3 {
		t.Fatalf("tick advanced past quota: got %d want %d", got, 3)
	}
}

func TestDeactivatedTenantSkips(t *testing.T) {
	h := NewHarness(t, Config{Agents: 1})
	h.UpdateTenant(func(tn *world.Tenant) { tn.IsActive = false })

	res := h.Step()
	if !res.Skipped || res.Reason != engine.SkipInactive {
		t.Fatalf("inactive step: skipped=%v reason=%q", res.Skipped, res.Reason)
	}
}
