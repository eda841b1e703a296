package eventdb

import (
	"context"
	"testing"

	"agorasim.ai/internal/sim/world"
)

func TestStore_TenantLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetTenant(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("GetTenant missing: err=%v want=%v", err, ErrNotFound)
	}

	tenant := world.Tenant{
		ID:             "acme",
		IsActive:       true,
		TickIntervalMs: 500,
		DailyTickQuota: 10000,
	}
	if err := st.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
	if err := st.UpdateTenantTick(ctx, "acme", 42, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("UpdateTenantTick: %v", err)
	}

	// Reconfiguring must not rewind the tick counter.
	tenant.TickIntervalMs = 250
	if err := st.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("UpsertTenant reconfigure: %v", err)
	}
	got, err := st.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.TickIntervalMs != 250 {
		t.Fatalf("TickIntervalMs=%d want=250", got.TickIntervalMs)
	}
	if got.CurrentTick != 42 {
		t.Fatalf("CurrentTick=%d want=42 (upsert rewound it)", got.CurrentTick)
	}

	if err := st.SetTenantPaused(ctx, "acme", true); err != nil {
		t.Fatalf("SetTenantPaused: %v", err)
	}
	if err := st.SetTenantActive(ctx, "acme", false); err != nil {
		t.Fatalf("SetTenantActive: %v", err)
	}
	got, err = st.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if !got.IsPaused || got.IsActive {
		t.Fatalf("flags: paused=%v active=%v want paused=true active=false", got.IsPaused, got.IsActive)
	}

	if err := st.SetTenantPaused(ctx, "missing", true); err != ErrNotFound {
		t.Fatalf("SetTenantPaused missing: err=%v want=%v", err, ErrNotFound)
	}

	if err := st.UpsertTenant(ctx, world.Tenant{ID: "globex", IsActive: true}); err != nil {
		t.Fatalf("UpsertTenant globex: %v", err)
	}
	list, err := st.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	if len(list) != 2 || list[0].ID != "acme" || list[1].ID != "globex" {
		t.Fatalf("ListTenants: %+v", list)
	}
}

func TestStore_IncrementTenantTick(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.IncrementTenantTick(ctx, "missing", "2026-01-01T00:00:00Z"); err != ErrNotFound {
		t.Fatalf("missing tenant: err=%v want=%v", err, ErrNotFound)
	}

	if err := st.UpsertTenant(ctx, world.Tenant{ID: "acme", IsActive: true}); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
	for want := uint64(1); want <= 3; want++ {
		got, err := st.IncrementTenantTick(ctx, "acme", "2026-01-01T00:00:00Z")
		if err != nil {
			t.Fatalf("IncrementTenantTick: %v", err)
		}
		if got != want {
			t.Fatalf("tick=%d want=%d", got, want)
		}
	}
	tenant, err := st.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if tenant.CurrentTick != 3 || tenant.LastTickAt == "" {
		t.Fatalf("tenant after increments: %+v", tenant)
	}
}

func TestStore_AgentsAndResourcesRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	agents := []*world.Agent{
		world.NewAgent("a1", "acme"),
		world.NewAgent("a2", "acme"),
	}
	agents[0].Name = "Ada"
	agents[0].Hunger = 33.5
	agents[0].State = world.StateWorking
	agents[0].UpdatedTick = 9
	agents[1].State = world.StateDead
	agents[1].Health = 0

	if err := st.UpsertAgents(ctx, "acme", agents); err != nil {
		t.Fatalf("UpsertAgents: %v", err)
	}

	loaded, err := st.LoadAgents(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadAgents len=%d want=2", len(loaded))
	}
	a1 := loaded["a1"]
	if a1 == nil || a1.Name != "Ada" || a1.Hunger != 33.5 || a1.State != world.StateWorking || a1.UpdatedTick != 9 {
		t.Fatalf("a1 mismatch: %+v", a1)
	}
	if got := loaded["a2"]; got == nil || got.State != world.StateDead || got.Health != 0 {
		t.Fatalf("a2 mismatch: %+v", got)
	}

	pools := []*world.ResourcePool{
		{Name: "food", Amount: 800, Max: 1000},
		{Name: "fuel", Amount: 120, Max: 500},
	}
	if err := st.UpsertResources(ctx, "acme", pools); err != nil {
		t.Fatalf("UpsertResources: %v", err)
	}
	gotPools, err := st.LoadResources(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	if len(gotPools) != 2 || gotPools["food"].Amount != 800 || gotPools["fuel"].Max != 500 {
		t.Fatalf("pools mismatch: %+v", gotPools)
	}
}

func TestStore_UsageAccumulates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	u, err := st.GetUsage(ctx, "acme", "2026-08-25")
	if err != nil {
		t.Fatalf("GetUsage empty: %v", err)
	}
	if u.Ticks != 0 || u.Events != 0 {
		t.Fatalf("empty usage not zero: %+v", u)
	}

	if err := st.AddUsage(ctx, "acme", "2026-08-25", world.UsageDelta{Ticks: 1, Events: 12}); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if err := st.AddUsage(ctx, "acme", "2026-08-25", world.UsageDelta{Ticks: 1, Events: 5, Skipped: 2}); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}

	u, err = st.GetUsage(ctx, "acme", "2026-08-25")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if u.Ticks != 2 || u.Events != 17 || u.Skipped != 2 {
		t.Fatalf("usage=%+v want ticks=2 events=17 skipped=2", u)
	}
}

func TestStore_ResetTenantIsolation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, tenant := range []string{"acme", "globex"} {
		if err := st.UpsertTenant(ctx, world.Tenant{ID: tenant, IsActive: true}); err != nil {
			t.Fatalf("UpsertTenant %s: %v", tenant, err)
		}
		if err := st.UpsertAgents(ctx, tenant, []*world.Agent{world.NewAgent("a1", tenant)}); err != nil {
			t.Fatalf("UpsertAgents %s: %v", tenant, err)
		}
		if err := st.UpsertResources(ctx, tenant, []*world.ResourcePool{{Name: "food", Amount: 10, Max: 10}}); err != nil {
			t.Fatalf("UpsertResources %s: %v", tenant, err)
		}
		if _, _, err := st.AppendEvent(ctx, world.EventDraft{TenantID: tenant, Tick: 1, Type: "trade_completed"}); err != nil {
			t.Fatalf("AppendEvent %s: %v", tenant, err)
		}
		if err := st.UpdateTenantTick(ctx, tenant, 5, "2026-01-01T00:00:00Z"); err != nil {
			t.Fatalf("UpdateTenantTick %s: %v", tenant, err)
		}
	}

	if err := st.ResetTenant(ctx, "acme"); err != nil {
		t.Fatalf("ResetTenant: %v", err)
	}

	events, err := st.EventsByRange(ctx, "acme", 0, 100)
	if err != nil {
		t.Fatalf("EventsByRange acme: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("acme still has %d events after reset", len(events))
	}
	agents, err := st.LoadAgents(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadAgents acme: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("acme still has %d agents after reset", len(agents))
	}
	tenant, err := st.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant acme: %v", err)
	}
	if tenant.CurrentTick != 0 {
		t.Fatalf("acme tick=%d after reset, want 0", tenant.CurrentTick)
	}

	events, err = st.EventsByRange(ctx, "globex", 0, 100)
	if err != nil {
		t.Fatalf("EventsByRange globex: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("globex events=%d after acme reset, want 1", len(events))
	}
	agents, err = st.LoadAgents(ctx, "globex")
	if err != nil {
		t.Fatalf("LoadAgents globex: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("globex agents=%d after acme reset, want 1", len(agents))
	}
	tenant, err = st.GetTenant(ctx, "globex")
	if err != nil {
		t.Fatalf("GetTenant globex: %v", err)
	}
	if tenant.CurrentTick != 5 {
		t.Fatalf("globex tick=%d after acme reset, want 5", tenant.CurrentTick)
	}
}
