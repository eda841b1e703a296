// Package multitenant runs one tick scheduler per tenant over a shared store
// and broadcast hub, and exposes the administrative surface for them.
// Schedulers are isolated: one tenant stalling, failing, or being reset never
// touches another's loop.
package multitenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"agorasim.ai/internal/broadcast"
	"agorasim.ai/internal/persistence/eventdb"
	"agorasim.ai/internal/sim/catalogs"
	"agorasim.ai/internal/sim/engine"
	"agorasim.ai/internal/sim/shock"
	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
)

// Administrative failures callers are expected to branch on.
var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrNotRunning    = errors.New("scheduler not running")
	ErrRunning       = errors.New("scheduler is running")
	ErrInactive      = errors.New("tenant is deactivated")
	ErrClosed        = errors.New("manager closed")
)

// Store is the persistence surface the manager and its engines share.
// *eventdb.Store satisfies it.
type Store interface {
	engine.Store
	UpsertTenant(ctx context.Context, t world.Tenant) error
	SetTenantPaused(ctx context.Context, id string, paused bool) error
	SetTenantActive(ctx context.Context, id string, active bool) error
	ResetTenant(ctx context.Context, id string) error
	ListTenants(ctx context.Context) ([]world.Tenant, error)
}

// Archiver preserves a tenant's recorded history before a reset wipes it.
type Archiver interface {
	ArchiveTenant(ctx context.Context, tenantID string) (string, error)
}

type ManagerConfig struct {
	Config Config
	Store  Store
	Tune   *tuning.Tuning
	Cats   *catalogs.Catalogs

	// Hub fans events out to live observers; nil means no live feed.
	Hub *broadcast.Hub

	// Archiver runs before Reset; a failing archive aborts the reset.
	Archiver Archiver

	// NewDecider builds the decision layer for one tenant. Nil, or a nil
	// return, leaves the engine on its scripted decider.
	NewDecider func(spec TenantSpec) engine.Decider

	// Seed is the base for per-tenant RNG seeds (base + spec seed offset).
	Seed int64

	// LogOutput defaults to stdout; tests pass io.Discard.
	LogOutput io.Writer

	// Passed through to every engine.
	OnTick     func(engine.TickResult)
	OnSnapshot func(world.Snapshot)
}

type Manager struct {
	cfg    ManagerConfig
	store  Store
	out    io.Writer
	logger *log.Logger

	mu      sync.RWMutex
	specs   map[string]TenantSpec
	running map[string]*runtime
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// runtime is one started scheduler. err is written before done closes.
type runtime struct {
	spec   TenantSpec
	eng    *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("multitenant: nil store")
	}
	if cfg.Tune == nil {
		return nil, errors.New("multitenant: nil tuning")
	}
	if cfg.Cats == nil {
		return nil, errors.New("multitenant: nil catalogs")
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	out := cfg.LogOutput
	if out == nil {
		out = os.Stdout
	}
	m := &Manager{
		cfg:     cfg,
		store:   cfg.Store,
		out:     out,
		logger:  log.New(out, "[tenants] ", log.LstdFlags|log.Lmicroseconds),
		specs:   map[string]TenantSpec{},
		running: map[string]*runtime{},
	}
	for _, spec := range cfg.Config.Tenants {
		m.specs[spec.ID] = spec
	}
	return m, nil
}

// Sync registers every configured tenant with the store. Interval and quotas
// follow the config; active/paused flags set by administrators survive a
// reload.
func (m *Manager) Sync(ctx context.Context) error {
	for _, spec := range m.cfg.Config.Manifest() {
		row := spec.tenantRow()
		cur, err := m.store.GetTenant(ctx, spec.ID)
		switch {
		case err == nil:
			row.IsActive = cur.IsActive
			row.IsPaused = cur.IsPaused
		case errors.Is(err, eventdb.ErrNotFound):
		default:
			return fmt.Errorf("sync %s: %w", spec.ID, err)
		}
		if err := m.store.UpsertTenant(ctx, row); err != nil {
			return fmt.Errorf("sync %s: %w", spec.ID, err)
		}
	}
	return nil
}

// Start brings one tenant's scheduler from stopped to running: the engine
// loads world state, runs a tick immediately, then ticks at the tenant's
// interval. Tenants in the config but not yet in the store are registered on
// the way.
func (m *Manager) Start(ctx context.Context, id string) error {
	t, err := m.store.GetTenant(ctx, id)
	if errors.Is(err, eventdb.ErrNotFound) {
		spec, ok := m.spec(id)
		if !ok {
			return fmt.Errorf("start %s: %w", id, ErrUnknownTenant)
		}
		t = spec.tenantRow()
		if err := m.store.UpsertTenant(ctx, t); err != nil {
			return fmt.Errorf("start %s: %w", id, err)
		}
	} else if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	if !t.IsActive {
		return fmt.Errorf("start %s: %w", id, ErrInactive)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.running[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, ErrRunning)
	}
	spec, ok := m.specs[id]
	if !ok {
		spec = specFromRow(t)
	}
	eng, err := m.newEngine(spec)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{spec: spec, eng: eng, cancel: cancel, done: make(chan struct{})}
	m.running[id] = rt
	m.mu.Unlock()

	go func() {
		rt.err = eng.Run(runCtx)
		m.mu.Lock()
		if cur, ok := m.running[id]; ok && cur == rt {
			delete(m.running, id)
		}
		m.mu.Unlock()
		cancel()
		if rt.err != nil {
			m.logger.Printf("tenant %s: scheduler exited: %v", id, rt.err)
		}
		close(rt.done)
	}()
	m.logger.Printf("tenant %s: scheduler started (interval %dms)", id, t.TickIntervalMs)
	return nil
}

// Stop signals the scheduler and waits for its loop to return. An in-flight
// tick finishes; nothing half-applied is left behind.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.RLock()
	rt, ok := m.running[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrNotRunning)
	}
	rt.eng.Stop()
	select {
	case <-rt.done:
		m.logger.Printf("tenant %s: scheduler stopped", id)
		return rt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause flips the store flag; a running scheduler keeps firing but skips
// every tick until Resume. Pausing a stopped tenant is allowed and takes
// effect on the next start.
func (m *Manager) Pause(ctx context.Context, id string) error {
	if err := m.store.SetTenantPaused(ctx, id, true); err != nil {
		return m.wrapStoreErr("pause", id, err)
	}
	return nil
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	if err := m.store.SetTenantPaused(ctx, id, false); err != nil {
		return m.wrapStoreErr("resume", id, err)
	}
	return nil
}

// Deactivate stops the scheduler if running, closes live feeds, and marks
// the tenant inactive. History stays in the store.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if m.cfg.Hub != nil {
		m.cfg.Hub.CloseTenant(id)
	}
	if err := m.store.SetTenantActive(ctx, id, false); err != nil {
		return m.wrapStoreErr("deactivate", id, err)
	}
	return nil
}

func (m *Manager) Activate(ctx context.Context, id string) error {
	if err := m.store.SetTenantActive(ctx, id, true); err != nil {
		return m.wrapStoreErr("activate", id, err)
	}
	return nil
}

// Reset archives and wipes a stopped tenant's world: events, agents and
// resources go, the tick counter rewinds to zero. Usage counters survive.
func (m *Manager) Reset(ctx context.Context, id string) error {
	m.mu.RLock()
	_, running := m.running[id]
	m.mu.RUnlock()
	if running {
		return fmt.Errorf("reset %s: %w", id, ErrRunning)
	}
	if _, err := m.store.GetTenant(ctx, id); err != nil {
		return m.wrapStoreErr("reset", id, err)
	}
	if m.cfg.Archiver != nil {
		path, err := m.cfg.Archiver.ArchiveTenant(ctx, id)
		if err != nil {
			return fmt.Errorf("reset %s: archive: %w", id, err)
		}
		m.logger.Printf("tenant %s: history archived to %s", id, path)
	}
	if err := m.store.ResetTenant(ctx, id); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	m.logger.Printf("tenant %s: world reset", id)
	return nil
}

// Status reports the scheduler view for one tenant, from the live engine
// when running and from the store otherwise.
func (m *Manager) Status(ctx context.Context, id string) (engine.Status, error) {
	m.mu.RLock()
	rt, ok := m.running[id]
	m.mu.RUnlock()
	if ok {
		return rt.eng.Status(), nil
	}
	t, err := m.store.GetTenant(ctx, id)
	if err != nil {
		return engine.Status{}, m.wrapStoreErr("status", id, err)
	}
	return statusFromRow(t), nil
}

// StatusAll reports every known tenant, sorted by id.
func (m *Manager) StatusAll(ctx context.Context) ([]engine.Status, error) {
	rows, err := m.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	m.mu.RLock()
	out := make([]engine.Status, 0, len(rows))
	for _, t := range rows {
		if rt, ok := m.running[t.ID]; ok {
			out = append(out, rt.eng.Status())
			continue
		}
		out = append(out, statusFromRow(t))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// ScheduleShock queues a shock on a running tenant; tick 0 means the next
// tick. Shocks apply inside the tick loop so their effects are recorded as
// events like everything else.
func (m *Manager) ScheduleShock(id string, cfg shock.Config) error {
	rt, err := m.runtime(id)
	if err != nil {
		return fmt.Errorf("shock %s: %w", id, err)
	}
	return rt.eng.Shocks().Schedule(cfg)
}

// ScheduleComposite queues a multi-step shock and returns its end tick.
func (m *Manager) ScheduleComposite(id string, comp shock.Composite) (uint64, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return 0, fmt.Errorf("shock %s: %w", id, err)
	}
	return rt.eng.Shocks().ScheduleComposite(comp, rt.eng.CurrentTick())
}

// PendingShocks lists the queue, soonest first.
func (m *Manager) PendingShocks(id string) ([]shock.Config, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return nil, fmt.Errorf("shock %s: %w", id, err)
	}
	return rt.eng.Shocks().Pending(), nil
}

// ClearShocks drops the queue and reports how many were dropped.
func (m *Manager) ClearShocks(id string) (int, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return 0, fmt.Errorf("shock %s: %w", id, err)
	}
	return rt.eng.Shocks().ClearPending(), nil
}

// Engine exposes a running tenant's engine, for admin operations that must
// run on the loop goroutine.
func (m *Manager) Engine(id string) (*engine.Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.running[id]
	if !ok {
		return nil, false
	}
	return rt.eng, true
}

func (m *Manager) RunningIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) DefaultTenantID() string { return m.cfg.Config.DefaultTenantID }

// StartAll starts every autostart tenant. Deactivated and already-running
// tenants are skipped; other failures are collected so one bad tenant never
// blocks the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, spec := range m.cfg.Config.Manifest() {
		if !spec.Autostart {
			continue
		}
		err := m.Start(ctx, spec.ID)
		switch {
		case err == nil:
		case errors.Is(err, ErrRunning), errors.Is(err, ErrInactive):
			m.logger.Printf("autostart %s: %v", spec.ID, err)
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running scheduler in parallel. A scheduler that
// already exited on its own is not an error here.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range m.RunningIDs() {
		id := id
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops everything and refuses further starts. Safe to call twice.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.closeErr = m.StopAll(context.Background())
	})
	return m.closeErr
}

func (m *Manager) newEngine(spec TenantSpec) (*engine.Engine, error) {
	var dec engine.Decider
	if m.cfg.NewDecider != nil {
		dec = m.cfg.NewDecider(spec)
	}
	var hub engine.Broadcaster
	if m.cfg.Hub != nil {
		hub = m.cfg.Hub
	}
	return engine.New(engine.Config{
		TenantID:   spec.ID,
		Store:      m.store,
		Tune:       m.cfg.Tune,
		Cats:       m.cfg.Cats,
		Broadcast:  hub,
		Decider:    dec,
		Logger:     log.New(m.out, "[engine "+spec.ID+"] ", log.LstdFlags|log.Lmicroseconds),
		LLMBacked:  spec.LLMBacked && dec != nil,
		Seed:       m.cfg.Seed + spec.SeedOffset,
		Bootstrap:  spec.engineBootstrap(),
		OnTick:     m.cfg.OnTick,
		OnSnapshot: m.cfg.OnSnapshot,
	})
}

func (m *Manager) runtime(id string) (*runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.running[id]
	if !ok {
		return nil, ErrNotRunning
	}
	return rt, nil
}

func (m *Manager) spec(id string) (TenantSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.specs[id]
	return spec, ok
}

func (m *Manager) wrapStoreErr(op, id string, err error) error {
	if errors.Is(err, eventdb.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, id, ErrUnknownTenant)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

func (s TenantSpec) tenantRow() world.Tenant {
	return world.Tenant{
		ID:              s.ID,
		IsActive:        true,
		TickIntervalMs:  s.TickIntervalMs,
		DailyTickQuota:  s.DailyTickQuota,
		DailyEventQuota: s.DailyEventQuota,
		DailyLLMQuota:   s.DailyLLMQuota,
	}
}

func (s TenantSpec) engineBootstrap() engine.Bootstrap {
	b := engine.Bootstrap{Agents: s.Bootstrap.Agents, AgentBalance: s.Bootstrap.AgentBalance}
	for _, r := range s.Bootstrap.Resources {
		b.Resources = append(b.Resources, world.ResourcePool{Name: r.Name, Amount: r.Amount, Max: r.Max})
	}
	return b
}

// specFromRow covers tenants present in the store but absent from the
// config, e.g. provisioned by an earlier deployment.
func specFromRow(t world.Tenant) TenantSpec {
	return TenantSpec{
		ID:              t.ID,
		TickIntervalMs:  t.TickIntervalMs,
		DailyTickQuota:  t.DailyTickQuota,
		DailyEventQuota: t.DailyEventQuota,
		DailyLLMQuota:   t.DailyLLMQuota,
	}
}

func statusFromRow(t world.Tenant) engine.Status {
	return engine.Status{
		TenantID:       t.ID,
		IsPaused:       t.IsPaused,
		CurrentTick:    t.CurrentTick,
		TickIntervalMs: t.TickIntervalMs,
		LastTickAt:     t.LastTickAt,
	}
}
