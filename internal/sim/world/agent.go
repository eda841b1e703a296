package world

import "sort"

// Agent states. The set is extensible; unknown states decay at the idle rate.
const (
	StateIdle      = "idle"
	StateWalking   = "walking"
	StateWorking   = "working"
	StateSleeping  = "sleeping"
	StateDead      = "dead"
	StateGestating = "gestating"
)

// Death causes carried on the terminal decay effect.
const (
	CauseStarvation = "starvation"
	CauseExhaustion = "exhaustion"
	CausePlague     = "plague"
)

type Agent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	X float64 `json:"x"`
	Y float64 `json:"y"`

	// Needs are clamped to [0, max]; Balance has no fixed range.
	Hunger  float64 `json:"hunger"`
	Energy  float64 `json:"energy"`
	Health  float64 `json:"health"`
	Balance float64 `json:"balance"`

	State string `json:"state"`

	UpdatedTick uint64 `json:"updated_tick"`

	// Rate limiting windows (per event kind).
	rl map[string]*rateWindow
}

type rateWindow struct {
	StartTick uint64
	Count     int
	Window    uint64
	Max       int
}

func (a *Agent) initDefaults() {
	if a.State == "" {
		a.State = StateIdle
	}
	if a.rl == nil {
		a.rl = map[string]*rateWindow{}
	}
}

// NewAgent returns a live agent with full needs.
func NewAgent(id, tenantID string) *Agent {
	a := &Agent{
		ID:       id,
		TenantID: tenantID,
		Hunger:   100,
		Energy:   100,
		Health:   100,
	}
	a.initDefaults()
	return a
}

func (a *Agent) Alive() bool {
	return a.State != StateDead
}

// ClampNeeds keeps hunger/energy/health inside [0, max]. Balance is left
// alone.
func (a *Agent) ClampNeeds(maxNeed, maxHealth float64) {
	a.Hunger = clamp(a.Hunger, 0, maxNeed)
	a.Energy = clamp(a.Energy, 0, maxNeed)
	a.Health = clamp(a.Health, 0, maxHealth)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RateLimitAllow bounds how often an event kind may fire for this agent.
// The window resets when nowTick moves past StartTick+Window.
func (a *Agent) RateLimitAllow(kind string, nowTick uint64, window uint64, max int) (ok bool, cooldownTicks uint64) {
	if a.rl == nil {
		a.rl = map[string]*rateWindow{}
	}
	w, found := a.rl[kind]
	if !found {
		w = &rateWindow{StartTick: nowTick, Window: window, Max: max}
		a.rl[kind] = w
	}
	w.Window = window
	w.Max = max
	// Treat invalid windows as "allow" rather than diverging.
	if w.Window == 0 || w.Max <= 0 {
		return true, 0
	}
	if nowTick-w.StartTick >= w.Window {
		w.StartTick = nowTick
		w.Count = 0
	}
	w.Count++
	if w.Count <= w.Max {
		return true, 0
	}
	return false, (w.StartTick + w.Window) - nowTick
}

// ClearRateWindows drops rate-limit state, e.g. when an agent dies.
func (a *Agent) ClearRateWindows() {
	a.rl = nil
}

// Clone copies the agent's visible fields. Rate-limit windows stay behind;
// clones feed snapshots and observers, not the simulation.
func (a *Agent) Clone() Agent {
	c := *a
	c.rl = nil
	return c
}

// SortedAgentIDs gives deterministic iteration order over an agent map.
func SortedAgentIDs(agents map[string]*Agent) []string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
