package shock

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"agorasim.ai/internal/sim/world"
)

// apply dispatches one validated config to its primitive. Callers own the
// target's maps; apply must run on the goroutine that owns them (the engine
// tick loop).
func (m *Manager) apply(cfg Config, tick uint64, t *Target) Result {
	res := Result{Type: cfg.Type, Tick: tick, Intensity: cfg.Intensity}
	switch cfg.Type {
	case TypeResourceCollapse:
		m.applyResourceCollapse(cfg, tick, t, &res)
	case TypeResourceBoom:
		m.applyResourceBoom(cfg, tick, t, &res)
	case TypePlague:
		m.applyPlague(cfg, tick, t, &res)
	case TypeImmigration:
		m.applyImmigration(cfg, tick, t, &res)
	case TypeBlackout:
		m.applyBlackout(cfg, tick, &res)
	case TypeWealthRedistribution:
		m.applyWealthRedistribution(cfg, tick, t, &res)
	default:
		res.Error = fmt.Sprintf("unknown shock type %q", cfg.Type)
	}
	return res
}

func (m *Manager) selectPools(cfg Config, t *Target, res *Result) []*world.ResourcePool {
	if cfg.Resource != "" {
		p, ok := t.Resources[cfg.Resource]
		if !ok {
			res.Error = fmt.Sprintf("resource pool %q not found", cfg.Resource)
			return nil
		}
		return []*world.ResourcePool{p}
	}
	if len(t.Resources) == 0 {
		res.Error = "no resource pools"
		return nil
	}
	pools := make([]*world.ResourcePool, 0, len(t.Resources))
	for _, name := range world.SortedPoolNames(t.Resources) {
		pools = append(pools, t.Resources[name])
	}
	return pools
}

// applyResourceCollapse caps each pool at intensity x max. Amounts already at
// or below the cap are untouched; a collapse never adds units.
func (m *Manager) applyResourceCollapse(cfg Config, tick uint64, t *Target, res *Result) {
	pools := m.selectPools(cfg, t, res)
	if pools == nil {
		return
	}
	res.Pools = map[string]float64{}
	for _, p := range pools {
		limit := cfg.Intensity * p.Max
		if p.Amount > limit {
			p.Amount = limit
		}
		res.Pools[p.Name] = p.Amount
	}
	res.Success = true
}

func (m *Manager) applyResourceBoom(cfg Config, tick uint64, t *Target, res *Result) {
	pools := m.selectPools(cfg, t, res)
	if pools == nil {
		return
	}
	res.Pools = map[string]float64{}
	for _, p := range pools {
		p.Amount *= 1 + cfg.Intensity
		if p.Amount > p.Max {
			p.Amount = p.Max
		}
		res.Pools[p.Name] = p.Amount
	}
	res.Success = true
}

// applyPlague damages a random intensity-proportional subset of the living
// population. The subset is drawn from the manager's seeded rng over a sorted
// id list, so a fixed seed reproduces the same victims.
func (m *Manager) applyPlague(cfg Config, tick uint64, t *Target, res *Result) {
	alive := livingIDs(t.Agents)
	if len(alive) == 0 {
		res.Error = "no living agents"
		return
	}
	m.rng.Shuffle(len(alive), func(i, j int) {
		alive[i], alive[j] = alive[j], alive[i]
	})
	n := int(math.Round(cfg.Intensity * float64(len(alive))))
	if n > len(alive) {
		n = len(alive)
	}
	damage := m.tune.Shock.PlagueDamageScale * cfg.Intensity

	for _, id := range alive[:n] {
		a := t.Agents[id]
		a.Health -= damage
		a.UpdatedTick = tick
		res.Affected = append(res.Affected, id)
		if a.Health <= 0 {
			a.Health = 0
			a.State = world.StateDead
			a.ClearRateWindows()
			res.Deaths = append(res.Deaths, id)
		}
	}
	res.Success = true
}

func (m *Manager) applyImmigration(cfg Config, tick uint64, t *Target, res *Result) {
	count := int(float64(m.tune.Shock.ImmigrationBaseAgents) * cfg.Intensity)
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		id := uuid.New().String()
		a := world.NewAgent(id, t.TenantID)
		a.Name = "migrant-" + id[:8]
		a.X = m.rng.Float64() * 100
		a.Y = m.rng.Float64() * 100
		a.Hunger = 50 + m.rng.Float64()*50
		a.Energy = 50 + m.rng.Float64()*50
		a.Balance = math.Floor(m.rng.Float64() * 50)
		a.UpdatedTick = tick
		t.Agents[id] = a
		res.Spawned = append(res.Spawned, id)
		res.Affected = append(res.Affected, id)
	}
	res.Success = true
}

// applyBlackout records the end tick; overlapping blackouts keep the later
// end. Visibility checks consult BlackoutActive.
func (m *Manager) applyBlackout(cfg Config, tick uint64, res *Result) {
	end := tick + cfg.DurationTicks
	m.mu.Lock()
	if end > m.blackoutEnd {
		m.blackoutEnd = end
	}
	end = m.blackoutEnd
	m.mu.Unlock()
	res.EndTick = end
	res.Success = true
}

// applyWealthRedistribution moves every living agent's balance a fraction
// intensity of the way toward the population mean. Intensity 1 equalizes the
// economy outright.
func (m *Manager) applyWealthRedistribution(cfg Config, tick uint64, t *Target, res *Result) {
	alive := livingIDs(t.Agents)
	if len(alive) == 0 {
		res.Error = "no living agents"
		return
	}
	var sum float64
	for _, id := range alive {
		sum += t.Agents[id].Balance
	}
	mean := sum / float64(len(alive))
	for _, id := range alive {
		a := t.Agents[id]
		a.Balance += cfg.Intensity * (mean - a.Balance)
		a.UpdatedTick = tick
		res.Affected = append(res.Affected, id)
	}
	res.Success = true
}

func livingIDs(agents map[string]*world.Agent) []string {
	var out []string
	for _, id := range world.SortedAgentIDs(agents) {
		if agents[id].Alive() {
			out = append(out, id)
		}
	}
	return out
}
