package engine

import (
	"testing"

	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
)

func testTune() *tuning.Tuning {
	t := tuning.Default()
	return &t
}

func TestResolver_GraceBoundary(t *testing.T) {
	tune := testTune() // grace_ticks_before_damage = 3
	r := NewResolver(tune)
	a := world.NewAgent("a1", "acme")
	a.Hunger = 9

	// Exactly three consecutive critical ticks: zero damage.
	for tick := uint64(1); tick <= 3; tick++ {
		out := r.Step(a, tick, nil)
		if !out.CriticalHunger {
			t.Fatalf("tick %d: expected critical hunger", tick)
		}
		if out.Damage != 0 || a.Health != 100 {
			t.Fatalf("tick %d: damage=%v health=%v during grace", tick, out.Damage, a.Health)
		}
	}

	// Tick four crosses the grace window.
	out := r.Step(a, 4, nil)
	if out.Damage != tune.CriticalHungerHealthDamage {
		t.Fatalf("tick 4: damage=%v want=%v", out.Damage, tune.CriticalHungerHealthDamage)
	}
	if a.Health != 95 {
		t.Fatalf("tick 4: health=%v want=95", a.Health)
	}

	// One recovered tick resets the counter to zero.
	a.Hunger = 50
	out = r.Step(a, 5, nil)
	if out.CriticalHunger {
		t.Fatalf("tick 5: still critical after recovery")
	}
	if got := r.graceCount("a1"); got != 0 {
		t.Fatalf("grace=%d after recovery, want 0", got)
	}

	// The next critical streak starts over.
	a.Hunger = 9
	for tick := uint64(6); tick <= 8; tick++ {
		out = r.Step(a, tick, nil)
		if out.Damage != 0 {
			t.Fatalf("tick %d: damage=%v inside fresh grace window", tick, out.Damage)
		}
	}
	out = r.Step(a, 9, nil)
	if out.Damage == 0 {
		t.Fatalf("tick 9: expected damage after fresh grace window")
	}
}

func TestResolver_StarvationScenario(t *testing.T) {
	tune := testTune()
	tune.AutoConsume.Enabled = false
	r := NewResolver(tune)
	a := world.NewAgent("a1", "acme")
	a.Hunger = 9

	wantHealth := []float64{100, 100, 100, 95, 90}
	for i, tick := 0, uint64(1); tick <= 5; i, tick = i+1, tick+1 {
		out := r.Step(a, tick, nil)
		if !out.CriticalHunger {
			t.Fatalf("tick %d: expected critical hunger warning", tick)
		}
		if tick <= 3 && out.Damage != 0 {
			t.Fatalf("tick %d: damage=%v want=0", tick, out.Damage)
		}
		if tick >= 4 && out.Damage != tune.CriticalHungerHealthDamage {
			t.Fatalf("tick %d: damage=%v want=%v", tick, out.Damage, tune.CriticalHungerHealthDamage)
		}
		if a.Health != wantHealth[i] {
			t.Fatalf("tick %d: health=%v want=%v", tick, a.Health, wantHealth[i])
		}
	}
}

func TestResolver_TerminalDeathIsFinal(t *testing.T) {
	tune := testTune()
	tune.GraceTicksBeforeDamage = 0
	r := NewResolver(tune)
	a := world.NewAgent("a1", "acme")
	a.Hunger = 5
	a.Health = 4

	out := r.Step(a, 1, nil)
	if !out.Died {
		t.Fatalf("expected death, outcome=%+v health=%v", out, a.Health)
	}
	if out.Cause != world.CauseStarvation {
		t.Fatalf("cause=%q want=%q", out.Cause, world.CauseStarvation)
	}
	if a.State != world.StateDead || a.Health != 0 {
		t.Fatalf("state=%s health=%v want dead/0", a.State, a.Health)
	}
	if got := r.graceCount("a1"); got != 0 {
		t.Fatalf("grace entry not purged on death: %d", got)
	}

	// Further decay calls on a dead agent are no-ops.
	snapshot := *a
	out = r.Step(a, 2, nil)
	if out.Died || out.Damage != 0 || out.CriticalHunger {
		t.Fatalf("dead agent produced outcome %+v", out)
	}
	if a.Hunger != snapshot.Hunger || a.Energy != snapshot.Energy || a.State != world.StateDead {
		t.Fatalf("dead agent mutated: %+v", a)
	}
}

func TestResolver_ExhaustionDeathCause(t *testing.T) {
	tune := testTune()
	r := NewResolver(tune)
	a := world.NewAgent("a1", "acme")
	a.Energy = 2
	a.Health = 2
	a.Hunger = 80 // well above critical: the cause must be exhaustion

	out := r.Step(a, 1, nil)
	if !out.Died || out.Cause != world.CauseExhaustion {
		t.Fatalf("outcome=%+v want death by exhaustion", out)
	}
	if !out.ForcedSleep {
		t.Fatalf("expected forced sleep before death")
	}
}

func TestResolver_CriticalEnergyForcesSleep(t *testing.T) {
	tune := testTune()
	r := NewResolver(tune)
	a := world.NewAgent("a1", "acme")
	a.State = world.StateWorking
	a.Energy = 6
	a.Hunger = 90

	out := r.Step(a, 1, nil)
	if !out.CriticalEnergy || !out.ForcedSleep {
		t.Fatalf("outcome=%+v want critical energy + forced sleep", out)
	}
	if a.State != world.StateSleeping {
		t.Fatalf("state=%s want=sleeping", a.State)
	}
	if a.Health != 100-tune.CriticalEnergyHealthDamage {
		t.Fatalf("health=%v want immediate damage without grace", a.Health)
	}

	// Already asleep: damage continues, no second forced transition.
	out = r.Step(a, 2, nil)
	if !out.CriticalEnergy || out.ForcedSleep {
		t.Fatalf("second tick outcome=%+v", out)
	}
}

func TestResolver_PassiveRegen(t *testing.T) {
	tune := testTune()
	r := NewResolver(tune)
	a := world.NewAgent("a1", "acme")
	a.Hunger = 90
	a.Energy = 90
	a.Health = 50

	out := r.Step(a, 1, nil)
	if out.Regen != tune.PassiveRegenPerTick {
		t.Fatalf("regen=%v want=%v", out.Regen, tune.PassiveRegenPerTick)
	}
	if a.Health != 51 {
		t.Fatalf("health=%v want=51", a.Health)
	}

	a.Health = tune.MaxHealth
	out = r.Step(a, 2, nil)
	if out.Regen != 0 {
		t.Fatalf("regen at max health: %v", out.Regen)
	}
}

func TestResolver_AutoConsumeWhileAsleep(t *testing.T) {
	tune := testTune()
	r := NewResolver(tune)
	a := world.NewAgent("a1", "acme")
	a.State = world.StateSleeping
	a.Hunger = 15
	pools := map[string]*world.ResourcePool{
		"food": {Name: "food", Amount: 2, Max: 100},
	}

	out := r.Step(a, 1, pools)
	if !out.AutoConsumed {
		t.Fatalf("expected auto-consume, outcome=%+v", out)
	}
	if pools["food"].Amount != 1 {
		t.Fatalf("food=%v want=1", pools["food"].Amount)
	}
	// 15 - 1 (sleeping hunger drain) + 30 restored.
	if a.Hunger != 44 {
		t.Fatalf("hunger=%v want=44", a.Hunger)
	}
	if out.LowHunger {
		t.Fatalf("restored hunger should clear the low warning")
	}

	// Pool empty: the safety net does nothing and the warning fires.
	a.Hunger = 15
	pools["food"].Amount = 0
	out = r.Step(a, 2, pools)
	if out.AutoConsumed {
		t.Fatalf("auto-consumed from an empty pool")
	}
	if !out.LowHunger {
		t.Fatalf("expected low hunger warning with empty pool")
	}
}

func TestResolver_CurrencyDecay(t *testing.T) {
	tune := testTune() // every 100 ticks, threshold 1000, fraction 0.02
	r := NewResolver(tune)

	if r.CurrencyDecayDue(100) != true || r.CurrencyDecayDue(101) != false {
		t.Fatalf("cadence: 100 must be due, 101 must not")
	}
	tune.CurrencyDecay.EveryTicks = 0
	if r.CurrencyDecayDue(100) {
		t.Fatalf("cadence disabled but still due")
	}
	tune.CurrencyDecay.EveryTicks = 100

	a := world.NewAgent("a1", "acme")

	a.Balance = 2000
	cut, ok := r.CurrencyDecay(a)
	if !ok || cut != 40 || a.Balance != 1960 {
		t.Fatalf("cut=%v ok=%v balance=%v want 40/true/1960", cut, ok, a.Balance)
	}

	// Never shrinks below the threshold.
	a.Balance = 1005
	cut, ok = r.CurrencyDecay(a)
	if !ok || cut != 5 || a.Balance != 1000 {
		t.Fatalf("cut=%v ok=%v balance=%v want 5/true/1000", cut, ok, a.Balance)
	}

	// At or under the threshold: untouched.
	a.Balance = 1000
	if _, ok = r.CurrencyDecay(a); ok {
		t.Fatalf("balance at threshold must not decay")
	}

	// Minimum cut of one unit.
	tune.CurrencyDecay.Fraction = 0.0001
	a.Balance = 1010
	cut, ok = r.CurrencyDecay(a)
	if !ok || cut != 1 || a.Balance != 1009 {
		t.Fatalf("cut=%v ok=%v balance=%v want 1/true/1009", cut, ok, a.Balance)
	}
}
