package enginetest

import (
	"math"
	"testing"

	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/world"
)

func firstOfType(recs []protocol.EventRecord, eventType string) (protocol.EventRecord, bool) {
	for _, rec := range recs {
		if rec.Type == eventType {
			return rec, true
		}
	}
	return protocol.EventRecord{}, false
}

// Starvation walks the full arc: grace ticks under the critical threshold,
// then per-tick damage, then death. The dead agent stays dead across a
// restart.
func TestStarvationArcGraceThenDamageThenDeath(t *testing.T) {
	h := NewHarness(t, Config{Decider: StaticDecider{Action: "noop"}})
	id := h.AgentIDs()[0]
	h.SetVitals(id, 0, 100, 12)

	// Three grace ticks pass without damage.
	h.StepN(3)
	if got := h.Agent(id).Health; got != 12 {
		t.Fatalf("health during grace: got %v want 12", got)
	}
	warn, ok := firstOfType(h.Events(2, 2), protocol.EventCriticalHungerWarning)
	if !ok {
		t.Fatalf("no critical warning at tick 2")
	}
	if got := warn.Payload["grace_ticks"].(float64); got != 1 {
		t.Fatalf("grace_ticks at tick 2: got %v want 1", got)
	}

	// Damage starts on the fourth consecutive critical tick: 12 -> 7 -> 2 -> dead.
	h.StepN(2)
	if got := h.Agent(id).Health; got != 2 {
		t.Fatalf("health before death: got %v want 2", got)
	}
	warn, ok = firstOfType(h.Events(5, 5), protocol.EventCriticalHungerWarning)
	if !ok {
		t.Fatalf("no critical warning at tick 5")
	}
	if got := warn.Payload["grace_ticks"].(float64); got != 4 {
		t.Fatalf("grace_ticks at tick 5: got %v want 4", got)
	}

	res := h.Step()
	if res.Deaths != 1 {
		t.Fatalf("deaths on the final tick: got %d want 1", res.Deaths)
	}
	a := h.Agent(id)
	if a.State != world.StateDead || a.Health != 0 {
		t.Fatalf("agent not dead: state=%s health=%v", a.State, a.Health)
	}

	if got := len(h.EventsOfType(protocol.EventCriticalHungerWarning)); got != 6 {
		t.Fatalf("critical warnings: got %d want 6", got)
	}
	if got := len(h.EventsOfType(protocol.EventHealthDamaged)); got != 3 {
		t.Fatalf("health_damaged events: got %d want 3", got)
	}
	// Critical ticks never also emit the advisory low warning.
	if got := len(h.EventsOfType(protocol.EventLowHungerWarning)); got != 0 {
		t.Fatalf("low warnings during critical arc: got %d want 0", got)
	}
	died := h.EventsOfType(protocol.EventAgentDied)
	if len(died) != 1 {
		t.Fatalf("agent_died events: got %d want 1", len(died))
	}
	if got := died[0].Payload["cause"]; got != world.CauseStarvation {
		t.Fatalf("death cause: got %v want %v", got, world.CauseStarvation)
	}

	// A dead agent stays a row, not a participant.
	h.Step()
	if got := len(h.EventsOfType(protocol.EventAgentDied)); got != 1 {
		t.Fatalf("agent died twice: %d events", got)
	}

	h.Restart()
	h.Step()
	snap := h.LastSnap()
	if len(snap.Agents) != 1 || snap.Alive != 0 {
		t.Fatalf("restart snapshot: agents=%d alive=%d want 1/0", len(snap.Agents), snap.Alive)
	}
	if got := h.Agent(id).State; got != world.StateDead {
		t.Fatalf("state after restart: got %s want %s", got, world.StateDead)
	}
}

// Exhaustion has no grace window: the agent is forced asleep and takes damage
// on the same tick.
func TestExhaustionCollapseAndDeath(t *testing.T) {
	h := NewHarness(t, Config{Decider: StaticDecider{Action: "noop"}})
	id := h.AgentIDs()[0]
	h.SetVitals(id, 100, 4, 10)

	h.Step()
	a := h.Agent(id)
	if a.Health != 7 {
		t.Fatalf("health after collapse: got %v want 7", a.Health)
	}
	ce, ok := firstOfType(h.Events(2, 2), protocol.EventCriticalEnergy)
	if !ok {
		t.Fatalf("no critical_energy at tick 2")
	}
	if got := ce.Payload["forced_sleep"].(bool); !got {
		t.Fatalf("collapse did not force sleep: %v", ce.Payload)
	}

	res := h.StepN(3)
	if res.Deaths != 1 {
		t.Fatalf("deaths: got %d want 1", res.Deaths)
	}
	died := h.EventsOfType(protocol.EventAgentDied)
	if len(died) != 1 {
		t.Fatalf("agent_died events: got %d want 1", len(died))
	}
	if got := died[0].Payload["cause"]; got != world.CauseExhaustion {
		t.Fatalf("death cause: got %v want %v", got, world.CauseExhaustion)
	}
}

// A sleeping agent below the auto-consume bar eats from the shared pool
// silently; an empty pool downgrades the safety net to a warning.
func TestAutoConsumeFeedsSleepingAgent(t *testing.T) {
	h := NewHarness(t, Config{
		Decider: StaticDecider{Action: "rest"},
		Pools:   []world.ResourcePool{{Name: "food", Amount: 10, Max: 100}},
	})
	id := h.AgentIDs()[0]
	h.SetVitals(id, 15, 50, 80)

	h.Step()
	a := h.Agent(id)
	if math.Abs(a.Hunger-44) > 1e-9 {
		t.Fatalf("hunger after auto-consume: got %v want 44", a.Hunger)
	}
	if got := h.Pool("food").Amount; got != 9 {
		t.Fatalf("food after auto-consume: got %v want 9", got)
	}
	eaten := h.EventsOfType(protocol.EventAutoConsume)
	if len(eaten) != 1 {
		t.Fatalf("auto_consume events: got %d want 1", len(eaten))
	}
	if got := eaten[0].Payload["resource"]; got != "food" {
		t.Fatalf("auto_consume resource: got %v", got)
	}

	// Empty the pool: the same hunger now only warns.
	h.SetPool("food", 0)
	h.SetVitals(id, 15, 65, 80)
	h.Step()
	if got := len(h.EventsOfType(protocol.EventAutoConsume)); got != 1 {
		t.Fatalf("auto_consume from empty pool: got %d events want 1", got)
	}
	if got := len(h.EventsOfType(protocol.EventLowHungerWarning)); got != 1 {
		t.Fatalf("low warnings: got %d want 1", got)
	}
	if got := h.Agent(id).Hunger; math.Abs(got-14) > 1e-9 {
		t.Fatalf("hunger with empty pool: got %v want 14", got)
	}
}

func TestWellFedAgentRegenerates(t *testing.T) {
	h := NewHarness(t, Config{Decider: StaticDecider{Action: "noop"}})
	id := h.AgentIDs()[0]
	h.SetVitals(id, 90, 90, 50)

	h.StepN(4)
	if got := h.Agent(id).Health; got != 54 {
		t.Fatalf("health after regen: got %v want 54", got)
	}
	regen := h.EventsOfType(protocol.EventHealthRegenerated)
	if len(regen) != 4 {
		t.Fatalf("regen events: got %d want 4", len(regen))
	}
	if got := regen[0].Payload["amount"].(float64); got != 1 {
		t.Fatalf("regen amount: got %v want 1", got)
	}
}
