package eventdb

import (
	"context"
	"database/sql"
	"fmt"

	"agorasim.ai/internal/sim/world"
)

// UpsertTenant registers or reconfigures a tenant. The current tick is
// preserved on conflict so reloading configuration never rewinds a running
// simulation.
func (s *Store) UpsertTenant(ctx context.Context, t world.Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("upsert tenant: empty id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants
		(id, is_active, is_paused, tick_interval_ms, daily_tick_quota, daily_event_quota, daily_llm_quota, current_tick, last_tick_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_active = excluded.is_active,
			is_paused = excluded.is_paused,
			tick_interval_ms = excluded.tick_interval_ms,
			daily_tick_quota = excluded.daily_tick_quota,
			daily_event_quota = excluded.daily_event_quota,
			daily_llm_quota = excluded.daily_llm_quota`,
		t.ID, boolInt(t.IsActive), boolInt(t.IsPaused), t.TickIntervalMs,
		t.DailyTickQuota, t.DailyEventQuota, t.DailyLLMQuota,
		int64(t.CurrentTick), t.LastTickAt)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

// GetTenant returns ErrNotFound for unknown ids.
func (s *Store) GetTenant(ctx context.Context, id string) (world.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, is_active, is_paused, tick_interval_ms,
		daily_tick_quota, daily_event_quota, daily_llm_quota, current_tick, last_tick_at
		FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return world.Tenant{}, ErrNotFound
	}
	if err != nil {
		return world.Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]world.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, is_active, is_paused, tick_interval_ms,
		daily_tick_quota, daily_event_quota, daily_llm_quota, current_tick, last_tick_at
		FROM tenants ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []world.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (world.Tenant, error) {
	var (
		t              world.Tenant
		active, paused int
		currentTick    int64
		lastTickAt     sql.NullString
	)
	err := row.Scan(&t.ID, &active, &paused, &t.TickIntervalMs,
		&t.DailyTickQuota, &t.DailyEventQuota, &t.DailyLLMQuota, &currentTick, &lastTickAt)
	if err != nil {
		return world.Tenant{}, err
	}
	t.IsActive = active != 0
	t.IsPaused = paused != 0
	t.CurrentTick = uint64(currentTick)
	if lastTickAt.Valid {
		t.LastTickAt = lastTickAt.String
	}
	return t, nil
}

// SetTenantPaused flips the pause flag; the scheduler keeps running and
// checks it each tick.
func (s *Store) SetTenantPaused(ctx context.Context, id string, paused bool) error {
	return s.setTenantFlag(ctx, id, "is_paused", paused)
}

// SetTenantActive flips the active flag; inactive tenants reject ticks and
// writes.
func (s *Store) SetTenantActive(ctx context.Context, id string, active bool) error {
	return s.setTenantFlag(ctx, id, "is_active", active)
}

func (s *Store) setTenantFlag(ctx context.Context, id, column string, v bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET `+column+` = ? WHERE id = ?`, boolInt(v), id)
	if err != nil {
		return fmt.Errorf("set tenant %s %s: %w", id, column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementTenantTick advances the tenant's tick counter by one in a single
// statement and returns the new value. The counter never moves by more than
// one, even if two scheduler instances were ever pointed at the same tenant.
func (s *Store) IncrementTenantTick(ctx context.Context, id, at string) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET current_tick = current_tick + 1, last_tick_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return 0, fmt.Errorf("increment tick %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var tick int64
	if err := s.db.QueryRowContext(ctx, `SELECT current_tick FROM tenants WHERE id = ?`, id).Scan(&tick); err != nil {
		return 0, fmt.Errorf("increment tick %s: %w", id, err)
	}
	return uint64(tick), nil
}

// UpdateTenantTick records the counter after a completed tick.
func (s *Store) UpdateTenantTick(ctx context.Context, id string, tick uint64, at string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET current_tick = ?, last_tick_at = ? WHERE id = ?`,
		int64(tick), at, id)
	if err != nil {
		return fmt.Errorf("update tenant tick %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) LoadAgents(ctx context.Context, tenantID string) (map[string]*world.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, x, y, hunger, energy, health, balance, state, updated_tick
		FROM agents WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]*world.Agent{}
	for rows.Next() {
		a := &world.Agent{TenantID: tenantID}
		var updated int64
		if err := rows.Scan(&a.ID, &a.Name, &a.X, &a.Y, &a.Hunger, &a.Energy, &a.Health, &a.Balance, &a.State, &updated); err != nil {
			return nil, err
		}
		a.UpdatedTick = uint64(updated)
		out[a.ID] = a
	}
	return out, rows.Err()
}

// UpsertAgents writes the given agents in one transaction.
func (s *Store) UpsertAgents(ctx context.Context, tenantID string, agents []*world.Agent) error {
	if len(agents) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO agents
		(tenant_id, id, name, x, y, hunger, energy, health, balance, state, updated_tick)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			x = excluded.x, y = excluded.y,
			hunger = excluded.hunger, energy = excluded.energy,
			health = excluded.health, balance = excluded.balance,
			state = excluded.state, updated_tick = excluded.updated_tick`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range agents {
		if _, err := stmt.ExecContext(ctx, tenantID, a.ID, a.Name, a.X, a.Y,
			a.Hunger, a.Energy, a.Health, a.Balance, a.State, int64(a.UpdatedTick)); err != nil {
			return fmt.Errorf("upsert agent %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadResources(ctx context.Context, tenantID string) (map[string]*world.ResourcePool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, amount, max_amount FROM resources WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]*world.ResourcePool{}
	for rows.Next() {
		p := &world.ResourcePool{}
		if err := rows.Scan(&p.Name, &p.Amount, &p.Max); err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, rows.Err()
}

func (s *Store) UpsertResources(ctx context.Context, tenantID string, pools []*world.ResourcePool) error {
	if len(pools) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO resources (tenant_id, name, amount, max_amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, name) DO UPDATE SET amount = excluded.amount, max_amount = excluded.max_amount`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range pools {
		if _, err := stmt.ExecContext(ctx, tenantID, p.Name, p.Amount, p.Max); err != nil {
			return fmt.Errorf("upsert resource %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

// AddUsage accumulates daily counters for one tenant.
func (s *Store) AddUsage(ctx context.Context, tenantID, day string, d world.UsageDelta) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage (tenant_id, day, ticks, events, llm_calls, skipped)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, day) DO UPDATE SET
			ticks = ticks + excluded.ticks,
			events = events + excluded.events,
			llm_calls = llm_calls + excluded.llm_calls,
			skipped = skipped + excluded.skipped`,
		tenantID, day, d.Ticks, d.Events, d.LLMCalls, d.Skipped)
	if err != nil {
		return fmt.Errorf("add usage %s/%s: %w", tenantID, day, err)
	}
	return nil
}

// GetUsage returns the day's counters, zero-valued when nothing was recorded.
func (s *Store) GetUsage(ctx context.Context, tenantID, day string) (world.Usage, error) {
	u := world.Usage{TenantID: tenantID, Day: day}
	err := s.db.QueryRowContext(ctx, `SELECT ticks, events, llm_calls, skipped
		FROM usage WHERE tenant_id = ? AND day = ?`, tenantID, day).
		Scan(&u.Ticks, &u.Events, &u.LLMCalls, &u.Skipped)
	if err == sql.ErrNoRows {
		return u, nil
	}
	if err != nil {
		return world.Usage{}, fmt.Errorf("get usage %s/%s: %w", tenantID, day, err)
	}
	return u, nil
}

// ResetTenant deletes the tenant's events, agents and resources and rewinds
// its tick counter to zero, all in one transaction. Other tenants are
// untouched. Usage counters survive a reset.
func (s *Store) ResetTenant(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE tenant_id = ?`,
		`DELETE FROM agents WHERE tenant_id = ?`,
		`DELETE FROM resources WHERE tenant_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, tenantID); err != nil {
			return fmt.Errorf("reset tenant %s: %w", tenantID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tenants SET current_tick = 0, last_tick_at = '' WHERE id = ?`, tenantID); err != nil {
		return fmt.Errorf("reset tenant %s: %w", tenantID, err)
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
