package engine

import (
	"context"
	"time"

	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/shock"
	"agorasim.ai/internal/sim/world"
)

// runTick performs one full pass: reload config, gate, increment, tick_start,
// decisions+actions, decay, shocks, persist, tick_end, usage. Steps run
// sequentially on the loop goroutine; events from this tick are never
// interleaved with the next.
func (e *Engine) runTick(ctx context.Context) TickResult {
	started := time.Now()
	res := TickResult{TenantID: e.cfg.TenantID, Tick: e.tick.Load()}
	e.cur = &res
	defer func() { e.cur = nil }()

	// Reload tenant config so pause/interval/quota changes apply without a
	// restart.
	t, err := e.store.GetTenant(ctx, e.cfg.TenantID)
	if err != nil {
		e.logger.Printf("tick: reload tenant: %v", err)
		res.Skipped, res.Reason = true, SkipStorageError
		res.Errors++
		return e.finish(started, res)
	}
	e.tenant = t

	if reason := gateReason(t); reason != "" {
		res.Skipped, res.Reason = true, reason
		e.recordSkip(ctx)
		return e.finish(started, res)
	}
	usage, err := e.store.GetUsage(ctx, e.cfg.TenantID, day())
	if err != nil {
		e.logger.Printf("tick: usage: %v", err)
		res.Skipped, res.Reason = true, SkipStorageError
		res.Errors++
		return e.finish(started, res)
	}
	if t.DailyTickQuota > 0 && usage.Ticks >= t.DailyTickQuota {
		res.Skipped, res.Reason = true, SkipQuotaExceeded
		e.recordSkip(ctx)
		return e.finish(started, res)
	}
	if t.DailyEventQuota > 0 && usage.Events >= t.DailyEventQuota {
		res.Skipped, res.Reason = true, SkipQuotaExceeded
		e.recordSkip(ctx)
		return e.finish(started, res)
	}

	now := protocol.Now()
	tick, err := e.store.IncrementTenantTick(ctx, e.cfg.TenantID, now)
	if err != nil {
		e.logger.Printf("tick: increment: %v", err)
		res.Skipped, res.Reason = true, SkipStorageError
		res.Errors++
		return e.finish(started, res)
	}
	e.tick.Store(tick)
	e.tenant.CurrentTick = tick
	e.tenant.LastTickAt = now
	res.Tick = tick

	e.emit(ctx, tick, "", protocol.EventTickStart, map[string]any{"alive": e.aliveCount()})

	llmCalls := e.stepDecisions(ctx, tick, t, usage)
	e.stepDecay(ctx, tick)
	e.stepShocks(ctx, tick)

	if err := e.store.UpsertAgents(ctx, e.cfg.TenantID, agentSlice(e.agents)); err != nil {
		e.logger.Printf("tick: persist agents: %v", err)
		res.Errors++
	}
	if err := e.store.UpsertResources(ctx, e.cfg.TenantID, poolSlice(e.resources)); err != nil {
		e.logger.Printf("tick: persist resources: %v", err)
		res.Errors++
	}

	if e.cfg.OnSnapshot != nil {
		e.cfg.OnSnapshot(e.snapshot(tick))
	}

	e.emit(ctx, tick, "", protocol.EventTickEnd, map[string]any{
		"duration_ms": time.Since(started).Milliseconds(),
		"agents":      len(e.agents),
		"alive":       e.aliveCount(),
		"deaths":      res.Deaths,
		"events":      res.Events,
		"errors":      res.Errors,
	})

	if err := e.store.AddUsage(ctx, e.cfg.TenantID, day(), world.UsageDelta{
		Ticks: 1, Events: res.Events, LLMCalls: llmCalls,
	}); err != nil {
		e.logger.Printf("tick: usage update: %v", err)
		res.Errors++
	}
	return e.finish(started, res)
}

// gateReason returns a skip reason when the tenant must not tick.
func gateReason(t world.Tenant) string {
	if !t.IsActive {
		return SkipInactive
	}
	if t.IsPaused {
		return SkipPaused
	}
	return ""
}

func (e *Engine) recordSkip(ctx context.Context) {
	if err := e.store.AddUsage(ctx, e.cfg.TenantID, day(), world.UsageDelta{Skipped: 1}); err != nil {
		e.logger.Printf("tick: record skip: %v", err)
	}
}

func (e *Engine) finish(started time.Time, res TickResult) TickResult {
	res.DurationMs = time.Since(started).Milliseconds()
	res.Agents = len(e.agents)
	res.Alive = e.aliveCount()

	e.mu.Lock()
	e.status.IsPaused = e.tenant.IsPaused
	e.status.CurrentTick = e.tick.Load()
	e.status.TickIntervalMs = e.tenant.TickIntervalMs
	e.status.LastTickAt = e.tenant.LastTickAt
	e.status.Agents = res.Agents
	e.status.Alive = res.Alive
	e.status.LastResult = res
	e.mu.Unlock()

	if e.cfg.OnTick != nil {
		e.cfg.OnTick(res)
	}
	return res
}

// stepDecisions asks the decision layer for one intent per living agent and
// applies it. A failing decision or action degrades to a logged error; the
// tick continues.
func (e *Engine) stepDecisions(ctx context.Context, tick uint64, t world.Tenant, usage world.Usage) int {
	llmBudget := -1
	if e.cfg.LLMBacked && t.DailyLLMQuota > 0 {
		llmBudget = t.DailyLLMQuota - usage.LLMCalls
		if llmBudget < 0 {
			llmBudget = 0
		}
	}
	llmCalls := 0
	timeout := time.Duration(e.tune.DecisionTimeoutMs) * time.Millisecond

	for _, id := range world.SortedAgentIDs(e.agents) {
		a := e.agents[id]
		if !a.Alive() {
			continue
		}
		d := e.decider
		if llmBudget >= 0 && llmCalls >= llmBudget {
			d = e.fallback
		} else if e.cfg.LLMBacked {
			llmCalls++
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		dec, err := d.Decide(dctx, tick, a)
		cancel()
		if err != nil {
			e.logger.Printf("decide agent=%s: %v (noop fallback)", a.ID, err)
			dec = noopDecision
		}
		if dec.Action == "" {
			dec = noopDecision
		}
		e.applyDecision(ctx, tick, a, dec)
	}
	return llmCalls
}

func (e *Engine) applyDecision(ctx context.Context, tick uint64, a *world.Agent, dec Decision) {
	h, ok := e.actions.Lookup(dec.Action)
	if !ok {
		e.logger.Printf("no handler for action %q (agent=%s)", dec.Action, a.ID)
		e.cur.Errors++
		return
	}
	ar := h.Apply(&ActionContext{
		Tick:      tick,
		Agent:     a,
		Params:    dec.Params,
		Agents:    e.agents,
		Resources: e.resources,
	})
	if !ar.Success {
		e.logger.Printf("action %s agent=%s: %s %s", dec.Action, a.ID, ar.Code, ar.Message)
		e.cur.Errors++
		return
	}
	a.ClampNeeds(e.tune.MaxNeed, e.tune.MaxHealth)
	for _, ev := range ar.Events {
		e.emitDraft(ctx, ev)
	}
}

// stepDecay runs the resolver over every living agent, then the modulo-gated
// currency decay.
func (e *Engine) stepDecay(ctx context.Context, tick uint64) {
	for _, id := range world.SortedAgentIDs(e.agents) {
		a := e.agents[id]
		if !a.Alive() {
			continue
		}
		out := e.resolver.Step(a, tick, e.resources)
		e.emitDecay(ctx, tick, a, out)
		if out.Died {
			e.cur.Deaths++
		}
	}

	if e.resolver.CurrencyDecayDue(tick) {
		for _, id := range world.SortedAgentIDs(e.agents) {
			a := e.agents[id]
			if !a.Alive() {
				continue
			}
			if cut, ok := e.resolver.CurrencyDecay(a); ok {
				e.emit(ctx, tick, a.ID, protocol.EventCurrencyDecay, map[string]any{
					"amount": cut, "balance": a.Balance,
				})
			}
		}
	}
}

func (e *Engine) emitDecay(ctx context.Context, tick uint64, a *world.Agent, out DecayOutcome) {
	if out.AutoConsumed {
		e.emit(ctx, tick, a.ID, protocol.EventAutoConsume, map[string]any{
			"resource": e.tune.AutoConsume.Resource, "hunger": a.Hunger,
		})
	}
	// Low warnings are advisory and rate-limited per agent; critical warnings
	// always land in the log.
	if out.LowHunger && !out.CriticalHunger {
		rl := e.tune.RateLimits
		if ok, _ := a.RateLimitAllow(protocol.EventLowHungerWarning, tick, uint64(rl.WarnWindowTicks), rl.WarnMax); ok {
			e.emit(ctx, tick, a.ID, protocol.EventLowHungerWarning, map[string]any{"hunger": a.Hunger})
		}
	}
	if out.CriticalHunger {
		e.emit(ctx, tick, a.ID, protocol.EventCriticalHungerWarning, map[string]any{
			"hunger": a.Hunger, "grace_ticks": e.resolver.graceCount(a.ID),
		})
	}
	if out.CriticalEnergy {
		e.emit(ctx, tick, a.ID, protocol.EventCriticalEnergy, map[string]any{
			"energy": a.Energy, "forced_sleep": out.ForcedSleep,
		})
	}
	if out.Damage > 0 {
		e.emit(ctx, tick, a.ID, protocol.EventHealthDamaged, map[string]any{
			"amount": out.Damage, "health": a.Health,
		})
	}
	if out.Regen > 0 {
		e.emit(ctx, tick, a.ID, protocol.EventHealthRegenerated, map[string]any{
			"amount": out.Regen, "health": a.Health,
		})
	}
	if out.Died {
		e.emit(ctx, tick, a.ID, protocol.EventAgentDied, map[string]any{"cause": out.Cause})
	}
}

// stepShocks applies everything the shock manager has due this tick and
// records the effects as events. Plague deaths purge grace counters exactly
// like decay deaths.
func (e *Engine) stepShocks(ctx context.Context, tick uint64) {
	results := e.shocks.ProcessScheduled(tick, e.target())
	for _, r := range results {
		if !r.Success {
			e.cur.Errors++
			e.emit(ctx, tick, "", protocol.EventShockFailed, map[string]any{
				"shock": r.Type, "intensity": r.Intensity, "error": r.Error,
			})
			continue
		}
		e.emit(ctx, tick, "", protocol.EventShockApplied, shockPayload(r))
		for _, id := range r.Deaths {
			e.resolver.Forget(id)
			e.cur.Deaths++
			e.emit(ctx, tick, id, protocol.EventAgentDied, map[string]any{"cause": world.CausePlague})
		}
		for _, id := range r.Spawned {
			e.emit(ctx, tick, id, protocol.EventAgentSpawned, map[string]any{
				"name": e.agents[id].Name, "shock": r.Type,
			})
		}
	}
}

func shockPayload(r shock.Result) map[string]any {
	p := map[string]any{"shock": r.Type, "intensity": r.Intensity}
	if len(r.Affected) > 0 {
		p["affected"] = len(r.Affected)
	}
	if len(r.Deaths) > 0 {
		p["deaths"] = len(r.Deaths)
	}
	if len(r.Spawned) > 0 {
		p["spawned"] = len(r.Spawned)
	}
	if len(r.Pools) > 0 {
		p["pools"] = r.Pools
	}
	if r.EndTick > 0 {
		p["end_tick"] = r.EndTick
	}
	return p
}

func (e *Engine) aliveCount() int {
	n := 0
	for _, a := range e.agents {
		if a.Alive() {
			n++
		}
	}
	return n
}

func (e *Engine) emit(ctx context.Context, tick uint64, agentID, eventType string, payload map[string]any) {
	e.emitDraft(ctx, world.EventDraft{
		TenantID: e.cfg.TenantID,
		Tick:     tick,
		AgentID:  agentID,
		Type:     eventType,
		Payload:  payload,
	})
}

// emitDraft persists one event and fans it out. During a communication
// blackout, agent-caused events are stored but withheld from observers;
// infrastructure and observation traffic still flows.
func (e *Engine) emitDraft(ctx context.Context, draft world.EventDraft) {
	rec, outcome, err := e.store.AppendEvent(ctx, draft)
	if err != nil {
		e.logger.Printf("append %s: %v", draft.Type, err)
		if e.cur != nil {
			e.cur.Errors++
		}
		return
	}
	if outcome == world.AppendAlreadyRecorded {
		return
	}
	if e.cur != nil {
		e.cur.Events++
	}
	if e.cfg.Broadcast == nil {
		return
	}
	if rec.Category == protocol.CategoryEmergent && e.shocks.BlackoutActive(rec.Tick) {
		return
	}
	e.cfg.Broadcast.Publish(*rec)
}
