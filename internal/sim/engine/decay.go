package engine

import (
	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
)

// DecayOutcome reports what one resolver step changed for one agent. It is
// never stored; the engine turns it into events.
type DecayOutcome struct {
	AgentID string

	LowHunger      bool
	CriticalHunger bool
	CriticalEnergy bool
	ForcedSleep    bool
	AutoConsumed   bool

	Damage float64
	Regen  float64

	Died  bool
	Cause string
}

// Resolver is the per-tenant needs-decay state machine. The grace counters it
// keeps are the only mutable state: one entry per agent currently below the
// critical hunger threshold, purged on recovery and on death so the map stays
// bounded over long runs.
type Resolver struct {
	tune  *tuning.Tuning
	grace map[string]int
}

func NewResolver(tune *tuning.Tuning) *Resolver {
	return &Resolver{tune: tune, grace: map[string]int{}}
}

// Step advances one agent by one tick. Dead agents are never advanced; the
// caller skips them, and Step guards anyway so a stray call cannot mutate a
// terminal state.
func (r *Resolver) Step(a *world.Agent, tick uint64, resources map[string]*world.ResourcePool) DecayOutcome {
	out := DecayOutcome{AgentID: a.ID}
	if !a.Alive() {
		return out
	}
	t := r.tune
	mult := t.Multiplier(a.State)

	a.Hunger -= t.HungerDecayPerTick * mult.Hunger
	if a.Hunger < 0 {
		a.Hunger = 0
	}

	// Auto-consume runs before the threshold checks: a sleeping agent that
	// eats now does not accrue a critical tick now.
	ac := t.AutoConsume
	if ac.Enabled && a.State == world.StateSleeping && a.Hunger < ac.BelowHunger {
		if pool := resources[ac.Resource]; pool != nil && pool.TakeUnits(1) > 0 {
			a.Hunger += ac.RestoreHunger
			if a.Hunger > t.MaxNeed {
				a.Hunger = t.MaxNeed
			}
			out.AutoConsumed = true
		}
	}

	energyDrain := t.EnergyDecayPerTick * mult.Energy
	if a.Hunger < t.LowHungerThreshold {
		out.LowHunger = true
		energyDrain += t.LowHungerEnergyPenalty
	}
	a.Energy -= energyDrain
	if a.Energy < 0 {
		a.Energy = 0
	}

	if a.Hunger < t.CriticalHungerThreshold {
		out.CriticalHunger = true
		r.grace[a.ID]++
		if r.grace[a.ID] > t.GraceTicksBeforeDamage {
			a.Health -= t.CriticalHungerHealthDamage
			out.Damage += t.CriticalHungerHealthDamage
		}
	} else {
		delete(r.grace, a.ID)
	}

	// Energy exhaustion has no grace: the agent collapses into sleep and
	// takes damage immediately.
	if a.Energy < t.CriticalEnergyThreshold {
		out.CriticalEnergy = true
		if a.State != world.StateSleeping {
			a.State = world.StateSleeping
			out.ForcedSleep = true
		}
		a.Health -= t.CriticalEnergyHealthDamage
		out.Damage += t.CriticalEnergyHealthDamage
	}

	if a.Health > 0 && a.Health < t.MaxHealth &&
		a.Hunger > t.WellFedThreshold && a.Energy > t.WellFedThreshold {
		a.Health += t.PassiveRegenPerTick
		if a.Health > t.MaxHealth {
			a.Health = t.MaxHealth
		}
		out.Regen = t.PassiveRegenPerTick
	}

	if a.Health <= 0 {
		a.Health = 0
		a.State = world.StateDead
		a.ClearRateWindows()
		r.Forget(a.ID)
		out.Died = true
		if out.CriticalHunger {
			out.Cause = world.CauseStarvation
		} else {
			out.Cause = world.CauseExhaustion
		}
	}

	a.ClampNeeds(t.MaxNeed, t.MaxHealth)
	a.UpdatedTick = tick
	return out
}

// CurrencyDecay shrinks one balance toward the configured threshold. It
// applies only on the configured tick cadence; callers gate on Due.
func (r *Resolver) CurrencyDecay(a *world.Agent) (float64, bool) {
	cd := r.tune.CurrencyDecay
	if a.Balance <= cd.Threshold {
		return 0, false
	}
	cut := a.Balance * cd.Fraction
	if cut < 1 {
		cut = 1
	}
	if a.Balance-cut < cd.Threshold {
		cut = a.Balance - cd.Threshold
	}
	a.Balance -= cut
	return cut, true
}

// CurrencyDecayDue reports whether the cadence lands on this tick.
func (r *Resolver) CurrencyDecayDue(tick uint64) bool {
	n := r.tune.CurrencyDecay.EveryTicks
	return n > 0 && tick%uint64(n) == 0
}

// Forget drops an agent's grace counter.
func (r *Resolver) Forget(agentID string) {
	delete(r.grace, agentID)
}

// Prune drops counters for agents that no longer exist.
func (r *Resolver) Prune(agents map[string]*world.Agent) {
	for id := range r.grace {
		if _, ok := agents[id]; !ok {
			delete(r.grace, id)
		}
	}
}

func (r *Resolver) graceCount(agentID string) int {
	return r.grace[agentID]
}
