package engine

import (
	"context"
	"math/rand"

	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
)

// Decision is one agent's intent for the current tick.
type Decision struct {
	Action string
	Params map[string]any
}

var noopDecision = Decision{Action: "noop"}

// Decider produces one decision per living agent per tick. Implementations
// must honor the context deadline; the engine substitutes a noop when a
// decider errors or times out, so a slow decision layer can never stall the
// tick.
type Decider interface {
	Decide(ctx context.Context, tick uint64, a *world.Agent) (Decision, error)
}

// ScriptedDecider is the built-in decision layer: a needs-driven policy that
// keeps agents alive and the economy moving without any model calls. It is
// also the fallback when an external decider fails or the LLM quota is spent.
type ScriptedDecider struct {
	tune *tuning.Tuning
	rng  *rand.Rand
}

func NewScriptedDecider(tune *tuning.Tuning, seed int64) *ScriptedDecider {
	return &ScriptedDecider{tune: tune, rng: rand.New(rand.NewSource(seed))}
}

func (s *ScriptedDecider) Decide(ctx context.Context, tick uint64, a *world.Agent) (Decision, error) {
	t := s.tune
	switch {
	case a.Hunger < t.LowHungerThreshold+10:
		return Decision{Action: "consume"}, nil
	case a.Energy < t.CriticalEnergyThreshold+15:
		return Decision{Action: "rest"}, nil
	case a.State == world.StateSleeping && a.Energy < t.WellFedThreshold:
		// Stay down until rested enough to be worth waking.
		return Decision{Action: "rest"}, nil
	case a.Energy > t.WellFedThreshold && s.rng.Float64() < 0.6:
		return Decision{Action: "work"}, nil
	case s.rng.Float64() < 0.5:
		return Decision{Action: "move", Params: map[string]any{
			"dx": s.rng.Float64()*2 - 1,
			"dy": s.rng.Float64()*2 - 1,
		}}, nil
	default:
		return noopDecision, nil
	}
}
