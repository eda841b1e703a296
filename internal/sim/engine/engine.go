// Package engine runs one tenant's simulation: a timer-driven tick loop that
// collects agent intents, applies them, decays needs, injects scheduled
// shocks, and records every effect as ordered events. All world state is
// owned by the loop goroutine; nothing here is shared between tenants.
package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/catalogs"
	"agorasim.ai/internal/sim/shock"
	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
)

// Store is the persistence surface one engine consumes. *eventdb.Store
// satisfies it; tests substitute fakes.
type Store interface {
	GetTenant(ctx context.Context, id string) (world.Tenant, error)
	IncrementTenantTick(ctx context.Context, id, at string) (uint64, error)
	AppendEvent(ctx context.Context, draft world.EventDraft) (*protocol.EventRecord, world.AppendOutcome, error)
	LoadAgents(ctx context.Context, tenantID string) (map[string]*world.Agent, error)
	UpsertAgents(ctx context.Context, tenantID string, agents []*world.Agent) error
	LoadResources(ctx context.Context, tenantID string) (map[string]*world.ResourcePool, error)
	UpsertResources(ctx context.Context, tenantID string, pools []*world.ResourcePool) error
	AddUsage(ctx context.Context, tenantID, day string, d world.UsageDelta) error
	GetUsage(ctx context.Context, tenantID, day string) (world.Usage, error)
}

// Broadcaster fans applied events out to live observers.
type Broadcaster interface {
	Publish(rec protocol.EventRecord)
}

// Bootstrap seeds an empty world on first start.
type Bootstrap struct {
	Agents       int
	AgentBalance float64
	Resources    []world.ResourcePool
}

type Config struct {
	TenantID string
	Store    Store
	Tune     *tuning.Tuning
	Cats     *catalogs.Catalogs

	// Optional collaborators; New fills in defaults.
	Broadcast Broadcaster
	Decider   Decider
	Actions   *ActionRegistry
	Logger    *log.Logger

	// LLMBacked marks the decider as counting against the tenant's daily
	// LLM quota; past the quota the scripted fallback takes over.
	LLMBacked bool

	Seed      int64
	Bootstrap Bootstrap

	// OnTick observes every tick result, including skipped ones.
	OnTick func(TickResult)

	// OnSnapshot receives a value copy of the world after each completed
	// tick, for read caches and snapshot persistence.
	OnSnapshot func(world.Snapshot)
}

// TickResult is the structured outcome of one timer fire. Administrative
// callers always get one of these, never a bare error.
type TickResult struct {
	TenantID   string `json:"tenant_id"`
	Tick       uint64 `json:"tick"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Agents     int    `json:"agents"`
	Alive      int    `json:"alive"`
	Deaths     int    `json:"deaths"`
	Events     int    `json:"events"`
	Errors     int    `json:"errors"`
}

// Skip reasons.
const (
	SkipPaused        = "paused"
	SkipInactive      = "inactive"
	SkipQuotaExceeded = "quota_exceeded"
	SkipStorageError  = "storage_error"
)

// Status is the admin-facing scheduler snapshot.
type Status struct {
	TenantID       string     `json:"tenant_id"`
	IsRunning      bool       `json:"is_running"`
	IsPaused       bool       `json:"is_paused"`
	CurrentTick    uint64     `json:"current_tick"`
	TickIntervalMs int        `json:"tick_interval_ms"`
	LastTickAt     string     `json:"last_tick_at,omitempty"`
	Agents         int        `json:"agents"`
	Alive          int        `json:"alive"`
	PendingShocks  int        `json:"pending_shocks"`
	BlackoutUntil  uint64     `json:"blackout_until,omitempty"`
	LastResult     TickResult `json:"last_result"`
}

type Engine struct {
	cfg      Config
	logger   *log.Logger
	store    Store
	tune     *tuning.Tuning
	decider  Decider
	fallback Decider
	actions  *ActionRegistry
	shocks   *shock.Manager
	resolver *Resolver

	// Loop-owned world state.
	agents    map[string]*world.Agent
	resources map[string]*world.ResourcePool
	tenant    world.Tenant
	loaded    bool
	cur       *TickResult

	ops     chan func()
	stop    chan struct{}
	tick    atomic.Uint64
	running atomic.Bool

	mu     sync.Mutex
	status Status
}

func New(cfg Config) (*Engine, error) {
	if cfg.TenantID == "" {
		return nil, errors.New("engine: empty tenant id")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine: nil store")
	}
	if cfg.Tune == nil {
		return nil, errors.New("engine: nil tuning")
	}
	if cfg.Cats == nil {
		return nil, errors.New("engine: nil catalogs")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[engine "+cfg.TenantID+"] ", log.LstdFlags|log.Lmicroseconds)
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    cfg.Store,
		tune:     cfg.Tune,
		actions:  cfg.Actions,
		shocks:   shock.NewManager(cfg.Tune, cfg.Seed, logger),
		resolver: NewResolver(cfg.Tune),
		ops:      make(chan func(), 16),
		stop:     make(chan struct{}),
	}
	if e.actions == nil {
		e.actions = BuiltinActions(cfg.Cats)
	}
	e.fallback = NewScriptedDecider(cfg.Tune, cfg.Seed)
	e.decider = cfg.Decider
	if e.decider == nil {
		e.decider = e.fallback
	}
	e.status = Status{TenantID: cfg.TenantID}
	return e, nil
}

// Shocks exposes the tenant's shock manager for the admin surface. Schedule
// calls are safe from any goroutine; immediate application goes through Do.
func (e *Engine) Shocks() *shock.Manager { return e.shocks }

func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }

func (e *Engine) Running() bool { return e.running.Load() }

// Run loads world state, runs one tick immediately, then ticks at the
// tenant's configured interval until the context is canceled or Stop is
// called. Interval and pause changes are picked up from the store on every
// tick without a restart. An in-flight tick always finishes; cancellation is
// observed between ticks.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.load(ctx); err != nil {
		return err
	}
	e.running.Store(true)
	defer e.running.Store(false)

	e.runTick(context.Background())

	interval := e.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop:
			return nil
		case op := <-e.ops:
			op()
		case <-ticker.C:
			e.runTick(context.Background())
			if next := e.interval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Stop ends the loop after the current tick.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

// Do runs fn on the loop goroutine between ticks, so administrative
// operations touch world state without racing the tick.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	if !e.running.Load() {
		return errors.New("engine: not running")
	}
	done := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(done) }:
	case <-e.stop:
		return errors.New("engine: stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepOnce advances exactly one tick synchronously, loading state on first
// use. Intended for tests and replays; never call it while Run is active.
func (e *Engine) StepOnce(ctx context.Context) (TickResult, error) {
	if !e.loaded {
		if err := e.load(ctx); err != nil {
			return TickResult{}, err
		}
	}
	return e.runTick(ctx), nil
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.IsRunning = e.running.Load()
	s.PendingShocks = e.shocks.PendingCount()
	s.BlackoutUntil = e.shocks.BlackoutEndTick()
	return s
}

// Target bundles the loop-owned maps for the shock manager.
func (e *Engine) target() *shock.Target {
	return &shock.Target{TenantID: e.cfg.TenantID, Agents: e.agents, Resources: e.resources}
}

// snapshot copies the loop-owned world into plain values.
func (e *Engine) snapshot(tick uint64) world.Snapshot {
	snap := world.Snapshot{
		TenantID: e.cfg.TenantID,
		Tick:     tick,
		TakenAt:  protocol.Now(),
		Agents:   make([]world.Agent, 0, len(e.agents)),
		Pools:    make([]world.ResourcePool, 0, len(e.resources)),
	}
	for _, id := range world.SortedAgentIDs(e.agents) {
		a := e.agents[id]
		if a.Alive() {
			snap.Alive++
		}
		snap.Agents = append(snap.Agents, a.Clone())
	}
	for _, name := range world.SortedPoolNames(e.resources) {
		snap.Pools = append(snap.Pools, *e.resources[name])
	}
	return snap
}

// Debug mutators let black-box tests arrange preconditions between StepOnce
// calls. They touch loop-owned state directly; only safe while Run is not
// active.

func (e *Engine) DebugSetVitals(agentID string, hunger, energy, health float64) bool {
	a, ok := e.agents[agentID]
	if !ok {
		return false
	}
	a.Hunger, a.Energy, a.Health = hunger, energy, health
	return true
}

func (e *Engine) DebugSetBalance(agentID string, balance float64) bool {
	a, ok := e.agents[agentID]
	if !ok {
		return false
	}
	a.Balance = balance
	return true
}

func (e *Engine) DebugSetState(agentID, state string) bool {
	a, ok := e.agents[agentID]
	if !ok {
		return false
	}
	a.State = state
	return true
}

func (e *Engine) DebugSetPool(name string, amount float64) bool {
	p, ok := e.resources[name]
	if !ok {
		return false
	}
	p.Amount = amount
	p.Clamp()
	return true
}

func (e *Engine) interval() time.Duration {
	ms := e.tenant.TickIntervalMs
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// load pulls tenant config and world state, seeding an empty world from the
// Bootstrap config on first start.
func (e *Engine) load(ctx context.Context) error {
	t, err := e.store.GetTenant(ctx, e.cfg.TenantID)
	if err != nil {
		return err
	}
	e.tenant = t
	e.tick.Store(t.CurrentTick)

	agents, err := e.store.LoadAgents(ctx, e.cfg.TenantID)
	if err != nil {
		return err
	}
	resources, err := e.store.LoadResources(ctx, e.cfg.TenantID)
	if err != nil {
		return err
	}
	e.agents = agents
	e.resources = resources

	if len(e.resources) == 0 && len(e.cfg.Bootstrap.Resources) > 0 {
		for _, p := range e.cfg.Bootstrap.Resources {
			pool := p
			e.resources[pool.Name] = &pool
		}
		if err := e.store.UpsertResources(ctx, e.cfg.TenantID, poolSlice(e.resources)); err != nil {
			return err
		}
	}
	if len(e.agents) == 0 && e.cfg.Bootstrap.Agents > 0 {
		e.cur = &TickResult{TenantID: e.cfg.TenantID}
		for i := 0; i < e.cfg.Bootstrap.Agents; i++ {
			id := uuid.New().String()
			a := world.NewAgent(id, e.cfg.TenantID)
			a.Name = "agent-" + id[:8]
			a.Balance = e.cfg.Bootstrap.AgentBalance
			e.agents[id] = a
			e.emit(ctx, t.CurrentTick, id, protocol.EventAgentSpawned, map[string]any{
				"name": a.Name, "balance": a.Balance,
			})
		}
		if err := e.store.UpsertAgents(ctx, e.cfg.TenantID, agentSlice(e.agents)); err != nil {
			return err
		}
		e.cur = nil
	}
	e.loaded = true
	e.logger.Printf("loaded tenant=%s tick=%d agents=%d resources=%d",
		e.cfg.TenantID, t.CurrentTick, len(e.agents), len(e.resources))
	return nil
}

func agentSlice(m map[string]*world.Agent) []*world.Agent {
	out := make([]*world.Agent, 0, len(m))
	for _, id := range world.SortedAgentIDs(m) {
		out = append(out, m[id])
	}
	return out
}

func poolSlice(m map[string]*world.ResourcePool) []*world.ResourcePool {
	out := make([]*world.ResourcePool, 0, len(m))
	for _, name := range world.SortedPoolNames(m) {
		out = append(out, m[name])
	}
	return out
}

func day() string {
	return time.Now().UTC().Format("2006-01-02")
}
