// Package shock injects perturbations that no agent caused: controlled
// experiments over resource pools, health, wealth and visibility. Shocks are
// transient commands; only their effects are persisted, as events emitted by
// the engine from the results returned here.
package shock

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"

	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
)

// Shock primitives.
const (
	TypeResourceCollapse     = "resource_collapse"
	TypeResourceBoom         = "resource_boom"
	TypePlague               = "plague"
	TypeImmigration          = "immigration"
	TypeBlackout             = "communication_blackout"
	TypeWealthRedistribution = "wealth_redistribution"
)

// Composite timing modes.
const (
	ModeParallel = "parallel"
	ModeSequence = "sequence"
	ModeCascade  = "cascade"
)

var (
	ErrUnknownType     = errors.New("shock: unknown shock type")
	ErrBadIntensity    = errors.New("shock: intensity out of [0,1]")
	ErrMissingDuration = errors.New("shock: communication_blackout requires duration_ticks")
	ErrBadComposite    = errors.New("shock: invalid composite")
)

// Config describes one perturbation, immediate or scheduled.
type Config struct {
	Type          string  `json:"type"`
	ScheduledTick uint64  `json:"scheduled_tick,omitempty"`
	Intensity     float64 `json:"intensity"`
	DurationTicks uint64  `json:"duration_ticks,omitempty"`

	// Resource narrows collapse/boom to one pool. Empty means every pool.
	Resource string `json:"resource,omitempty"`
}

// Composite bundles several shocks under one timing semantic. Sub-shock
// scheduled_tick values are ignored; expansion assigns them.
type Composite struct {
	Mode           string   `json:"mode"`
	Shocks         []Config `json:"shocks"`
	StartTick      uint64   `json:"start_tick,omitempty"`
	StepDelayTicks uint64   `json:"step_delay_ticks,omitempty"`
	IntensityDecay float64  `json:"intensity_decay,omitempty"`
}

// Result reports what one applied shock changed. Failed applications carry
// Success=false and an Error string; they never abort the tick.
type Result struct {
	Type      string             `json:"type"`
	Tick      uint64             `json:"tick"`
	Intensity float64            `json:"intensity"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	Affected  []string           `json:"affected,omitempty"`
	Deaths    []string           `json:"deaths,omitempty"`
	Spawned   []string           `json:"spawned,omitempty"`
	Pools     map[string]float64 `json:"pools,omitempty"`
	EndTick   uint64             `json:"end_tick,omitempty"`
}

// CompositeResult is the union view over an applied composite.
type CompositeResult struct {
	Mode     string   `json:"mode"`
	Results  []Result `json:"results"`
	Affected []string `json:"affected,omitempty"`
	EndTick  uint64   `json:"end_tick"`
}

// Target is the slice of one tenant's world a shock may mutate. The maps are
// the engine's own state; immigration inserts new agents directly.
type Target struct {
	TenantID  string
	Agents    map[string]*world.Agent
	Resources map[string]*world.ResourcePool
}

// Manager owns one tenant's pending shocks and blackout marker. All mutable
// state lives on the instance, never in package globals, so tests and tenants
// get fresh isolated managers. Schedule and ProcessScheduled may be called
// from different goroutines (admin surface vs. engine loop).
type Manager struct {
	tune   *tuning.Tuning
	rng    *rand.Rand
	logger *log.Logger

	mu          sync.Mutex
	pending     []Config
	blackoutEnd uint64
}

func NewManager(tune *tuning.Tuning, seed int64, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[shock] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Manager{
		tune:   tune,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// Validate rejects malformed configs before they reach the pending list.
func Validate(cfg Config) error {
	switch cfg.Type {
	case TypeResourceCollapse, TypeResourceBoom, TypePlague,
		TypeImmigration, TypeBlackout, TypeWealthRedistribution:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	if !(cfg.Intensity >= 0 && cfg.Intensity <= 1) {
		return fmt.Errorf("%w: %v", ErrBadIntensity, cfg.Intensity)
	}
	if cfg.Type == TypeBlackout && cfg.DurationTicks == 0 {
		return ErrMissingDuration
	}
	return nil
}

// Schedule validates and inserts a shock into the tick-sorted pending list.
func (m *Manager) Schedule(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(cfg)
	return nil
}

// insertLocked keeps the pending list ordered by tick; same-tick shocks stay
// in insertion order.
func (m *Manager) insertLocked(cfg Config) {
	i := sort.Search(len(m.pending), func(i int) bool {
		return m.pending[i].ScheduledTick > cfg.ScheduledTick
	})
	m.pending = append(m.pending, Config{})
	copy(m.pending[i+1:], m.pending[i:])
	m.pending[i] = cfg
}

// ScheduleComposite expands a composite at its start tick (or now, when no
// start is given) and schedules every step. Returns the tick of the final
// step.
func (m *Manager) ScheduleComposite(comp Composite, now uint64) (uint64, error) {
	start := comp.StartTick
	if start == 0 {
		start = now
	}
	steps, endTick, err := m.expand(comp, start)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range steps {
		m.insertLocked(cfg)
	}
	return endTick, nil
}

// expand turns a composite into concrete per-step configs. Parallel puts all
// steps on the start tick; sequence spaces them by the step delay; cascade
// does the same while chaining intensity from the first step down by the
// decay factor.
func (m *Manager) expand(comp Composite, start uint64) ([]Config, uint64, error) {
	switch comp.Mode {
	case ModeParallel, ModeSequence, ModeCascade:
	default:
		return nil, 0, fmt.Errorf("%w: mode %q", ErrBadComposite, comp.Mode)
	}
	if len(comp.Shocks) == 0 {
		return nil, 0, fmt.Errorf("%w: empty shocks", ErrBadComposite)
	}
	if comp.Mode == ModeCascade && !(comp.IntensityDecay > 0 && comp.IntensityDecay < 1) {
		return nil, 0, fmt.Errorf("%w: cascade requires intensity_decay in (0,1), got %v", ErrBadComposite, comp.IntensityDecay)
	}

	delay := comp.StepDelayTicks
	if delay == 0 {
		delay = uint64(m.tune.Shock.DefaultStepDelayTicks)
	}

	steps := make([]Config, len(comp.Shocks))
	intensity := comp.Shocks[0].Intensity
	for i, sub := range comp.Shocks {
		c := sub
		switch comp.Mode {
		case ModeParallel:
			c.ScheduledTick = start
		case ModeSequence:
			c.ScheduledTick = start + uint64(i)*delay
		case ModeCascade:
			c.ScheduledTick = start + uint64(i)*delay
			c.Intensity = intensity
			intensity *= comp.IntensityDecay
		}
		if err := Validate(c); err != nil {
			return nil, 0, fmt.Errorf("step %d: %w", i, err)
		}
		steps[i] = c
	}

	endTick := start
	if comp.Mode != ModeParallel {
		endTick = start + uint64(len(comp.Shocks)-1)*delay
	}
	return steps, endTick, nil
}

// ProcessScheduled applies and removes every pending shock due at or before
// the given tick. A failing shock yields a failed Result and does not stop
// the remaining shocks of that tick.
func (m *Manager) ProcessScheduled(tick uint64, t *Target) []Result {
	m.mu.Lock()
	var due []Config
	for len(m.pending) > 0 && m.pending[0].ScheduledTick <= tick {
		due = append(due, m.pending[0])
		m.pending = m.pending[1:]
	}
	m.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	results := make([]Result, 0, len(due))
	for _, cfg := range due {
		res := m.apply(cfg, tick, t)
		if !res.Success {
			m.logger.Printf("shock %s failed (tenant=%s tick=%d): %s", cfg.Type, t.TenantID, tick, res.Error)
		}
		results = append(results, res)
	}
	return results
}

// Apply validates and applies one shock immediately.
func (m *Manager) Apply(cfg Config, tick uint64, t *Target) (Result, error) {
	if err := Validate(cfg); err != nil {
		return Result{}, err
	}
	return m.apply(cfg, tick, t), nil
}

// ApplyComposite applies every step of a composite immediately, in expansion
// order, and reports the union of affected agents. The end tick tells callers
// when the same composite would finish if it had been scheduled instead.
func (m *Manager) ApplyComposite(comp Composite, tick uint64, t *Target) (CompositeResult, error) {
	steps, endTick, err := m.expand(comp, tick)
	if err != nil {
		return CompositeResult{}, err
	}
	out := CompositeResult{Mode: comp.Mode, EndTick: endTick}
	union := map[string]struct{}{}
	for _, cfg := range steps {
		res := m.apply(cfg, tick, t)
		if !res.Success {
			m.logger.Printf("composite step %s failed (tenant=%s tick=%d): %s", cfg.Type, t.TenantID, tick, res.Error)
		}
		for _, id := range res.Affected {
			union[id] = struct{}{}
		}
		out.Results = append(out.Results, res)
	}
	out.Affected = sortedSet(union)
	return out, nil
}

// PendingCount reports how many shocks wait in the schedule.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Pending returns a copy of the schedule, soonest first.
func (m *Manager) Pending() []Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Config, len(m.pending))
	copy(out, m.pending)
	return out
}

// ClearPending drops every scheduled shock and reports how many were dropped.
func (m *Manager) ClearPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	m.pending = nil
	return n
}

// BlackoutActive reports whether a communication blackout covers the tick.
// The marker self-clears once the tick passes its end.
func (m *Manager) BlackoutActive(tick uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blackoutEnd == 0 {
		return false
	}
	if tick >= m.blackoutEnd {
		m.blackoutEnd = 0
		return false
	}
	return true
}

func (m *Manager) BlackoutEndTick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blackoutEnd
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
