// Package enginetest drives one tenant's engine against the real sqlite
// store and broadcast hub, through exported APIs only. The in-package engine
// tests cover units with fakes; the scenarios here exercise the same wiring
// the server runs, so regressions in store ordering or feed routing surface
// even when every unit passes.
package enginetest

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"agorasim.ai/internal/broadcast"
	"agorasim.ai/internal/persistence/eventdb"
	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/catalogs"
	"agorasim.ai/internal/sim/engine"
	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
)

// Config describes the tenant under test. Zero values mean one agent, no
// quotas, default tuning and the scripted decider.
type Config struct {
	TenantID        string
	Seed            int64
	Agents          int
	AgentBalance    float64
	Pools           []world.ResourcePool
	DailyTickQuota  int
	DailyEventQuota int
	DailyLLMQuota   int
	LLMBacked       bool
	Decider         engine.Decider
	Tune            *tuning.Tuning
}

// Harness owns a fresh database and one engine driven synchronously via
// StepOnce, so scenarios control exactly how many ticks run and inspect the
// stored outcome after each.
type Harness struct {
	T     *testing.T
	Store *eventdb.Store
	Hub   *broadcast.Hub
	Tune  *tuning.Tuning
	Cats  *catalogs.Catalogs
	E     *engine.Engine

	TenantID string

	// Ticks and Snaps accumulate every OnTick / OnSnapshot callback across
	// engine restarts.
	Ticks []engine.TickResult
	Snaps []world.Snapshot

	cfg Config
}

// NewHarness provisions the tenant in a fresh database, builds the engine and
// runs the first tick, so the returned harness has a loaded world at tick 1.
func NewHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()
	ctx := context.Background()

	if cfg.TenantID == "" {
		cfg.TenantID = "lab"
	}
	if cfg.Agents == 0 {
		cfg.Agents = 1
	}

	cats, err := catalogs.Load("../../../catalogs")
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	tune := cfg.Tune
	if tune == nil {
		def := tuning.Default()
		tune = &def
	}

	st, err := eventdb.Open(filepath.Join(t.TempDir(), "events.db"), &cats.EventTypes, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.UpsertTenant(ctx, world.Tenant{
		ID:              cfg.TenantID,
		IsActive:        true,
		TickIntervalMs:  1000,
		DailyTickQuota:  cfg.DailyTickQuota,
		DailyEventQuota: cfg.DailyEventQuota,
		DailyLLMQuota:   cfg.DailyLLMQuota,
	}); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}

	h := &Harness{
		T:        t,
		Store:    st,
		Hub:      broadcast.NewHub(),
		Tune:     tune,
		Cats:     cats,
		TenantID: cfg.TenantID,
		cfg:      cfg,
	}
	h.E = h.newEngine()
	h.Step()
	return h
}

func (h *Harness) newEngine() *engine.Engine {
	h.T.Helper()
	pools := make([]world.ResourcePool, len(h.cfg.Pools))
	copy(pools, h.cfg.Pools)
	e, err := engine.New(engine.Config{
		TenantID:  h.TenantID,
		Store:     h.Store,
		Tune:      h.Tune,
		Cats:      h.Cats,
		Broadcast: h.Hub,
		Decider:   h.cfg.Decider,
		LLMBacked: h.cfg.LLMBacked,
		Seed:      h.cfg.Seed,
		Logger:    log.New(io.Discard, "", 0),
		Bootstrap: engine.Bootstrap{
			Agents:       h.cfg.Agents,
			AgentBalance: h.cfg.AgentBalance,
			Resources:    pools,
		},
		OnTick:     func(r engine.TickResult) { h.Ticks = append(h.Ticks, r) },
		OnSnapshot: func(s world.Snapshot) { h.Snaps = append(h.Snaps, s) },
	})
	if err != nil {
		h.T.Fatalf("engine.New: %v", err)
	}
	return e
}

// Restart replaces the engine with a fresh instance on the same store, as a
// server restart would. World state reloads from the database on the next
// Step; pending shocks and blackout markers are process state and are lost.
func (h *Harness) Restart() {
	h.T.Helper()
	h.E = h.newEngine()
}

func (h *Harness) Step() engine.TickResult {
	h.T.Helper()
	res, err := h.E.StepOnce(context.Background())
	if err != nil {
		h.T.Fatalf("step: %v", err)
	}
	return res
}

// StepN runs n ticks and returns the last result.
func (h *Harness) StepN(n int) engine.TickResult {
	h.T.Helper()
	var res engine.TickResult
	for i := 0; i < n; i++ {
		res = h.Step()
	}
	return res
}

func (h *Harness) LastSnap() world.Snapshot {
	h.T.Helper()
	if len(h.Snaps) == 0 {
		h.T.Fatalf("no snapshots captured")
	}
	return h.Snaps[len(h.Snaps)-1]
}

// AgentIDs lists the world's agents in sorted order, from the latest
// snapshot.
func (h *Harness) AgentIDs() []string {
	h.T.Helper()
	snap := h.LastSnap()
	ids := make([]string, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

func (h *Harness) Agent(id string) world.Agent {
	h.T.Helper()
	snap := h.LastSnap()
	for _, a := range snap.Agents {
		if a.ID == id {
			return a
		}
	}
	h.T.Fatalf("agent %s not in latest snapshot", id)
	return world.Agent{}
}

func (h *Harness) Pool(name string) world.ResourcePool {
	h.T.Helper()
	snap := h.LastSnap()
	for _, p := range snap.Pools {
		if p.Name == name {
			return p
		}
	}
	h.T.Fatalf("pool %s not in latest snapshot", name)
	return world.ResourcePool{}
}

// Events returns the stored records with fromTick <= tick <= toTick in
// version order.
func (h *Harness) Events(fromTick, toTick uint64) []protocol.EventRecord {
	h.T.Helper()
	recs, err := h.Store.EventsByRange(context.Background(), h.TenantID, fromTick, toTick)
	if err != nil {
		h.T.Fatalf("events by range: %v", err)
	}
	return recs
}

// EventsOfType returns stored records of one type, newest first.
func (h *Harness) EventsOfType(eventType string) []protocol.EventRecord {
	h.T.Helper()
	recs, err := h.Store.EventsByType(context.Background(), h.TenantID, eventType, 10000)
	if err != nil {
		h.T.Fatalf("events by type: %v", err)
	}
	return recs
}

func (h *Harness) SetVitals(agentID string, hunger, energy, health float64) {
	h.T.Helper()
	if !h.E.DebugSetVitals(agentID, hunger, energy, health) {
		h.T.Fatalf("set vitals: unknown agent %s", agentID)
	}
}

func (h *Harness) SetBalance(agentID string, balance float64) {
	h.T.Helper()
	if !h.E.DebugSetBalance(agentID, balance) {
		h.T.Fatalf("set balance: unknown agent %s", agentID)
	}
}

func (h *Harness) SetState(agentID, state string) {
	h.T.Helper()
	if !h.E.DebugSetState(agentID, state) {
		h.T.Fatalf("set state: unknown agent %s", agentID)
	}
}

func (h *Harness) SetPool(name string, amount float64) {
	h.T.Helper()
	if !h.E.DebugSetPool(name, amount) {
		h.T.Fatalf("set pool: unknown pool %s", name)
	}
}

// Subscribe opens a live feed on the harness hub; it is canceled with the
// test.
func (h *Harness) Subscribe(ch broadcast.Channel, agentID string) *broadcast.Subscription {
	h.T.Helper()
	sub, err := h.Hub.Subscribe(h.TenantID, ch, agentID, 1024)
	if err != nil {
		h.T.Fatalf("subscribe: %v", err)
	}
	h.T.Cleanup(sub.Cancel)
	return sub
}

// UpdateTenant applies mut to the stored tenant row. The engine picks the
// change up on its next tick.
func (h *Harness) UpdateTenant(mut func(*world.Tenant)) {
	h.T.Helper()
	ctx := context.Background()
	t, err := h.Store.GetTenant(ctx, h.TenantID)
	if err != nil {
		h.T.Fatalf("get tenant: %v", err)
	}
	mut(&t)
	if err := h.Store.UpsertTenant(ctx, t); err != nil {
		h.T.Fatalf("upsert tenant: %v", err)
	}
}

// Drain empties a subscription's buffer without blocking and returns what was
// pending.
func Drain(sub *broadcast.Subscription) []protocol.EventRecord {
	var out []protocol.EventRecord
	for {
		select {
		case rec, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, rec)
		default:
			return out
		}
	}
}

// StaticDecider always returns the same intent, so a scenario controls the
// needs curve exactly.
type StaticDecider struct {
	Action string
	Params map[string]any
}

func (d StaticDecider) Decide(ctx context.Context, tick uint64, a *world.Agent) (engine.Decision, error) {
	return engine.Decision{Action: d.Action, Params: d.Params}, nil
}
