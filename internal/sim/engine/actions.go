package engine

import (
	"fmt"
	"sort"

	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/catalogs"
	"agorasim.ai/internal/sim/world"
)

// ActionContext is everything a handler may read or mutate while applying one
// intent. Handlers run on the tick loop goroutine and own the maps for the
// duration of the call.
type ActionContext struct {
	Tick      uint64
	Agent     *world.Agent
	Params    map[string]any
	Agents    map[string]*world.Agent
	Resources map[string]*world.ResourcePool
}

// ActionResult is the uniform outcome contract: success plus optional events,
// or a coded failure. A failed action never aborts the tick; the engine logs
// it and moves on.
type ActionResult struct {
	Success bool
	Code    string
	Message string
	Events  []world.EventDraft
}

func actionFailure(code, message string) ActionResult {
	return ActionResult{Code: code, Message: message}
}

// ActionHandler applies one intent to one agent. The engine dispatches on the
// intent's action type through a lookup table and depends only on this
// interface, never on concrete action kinds.
type ActionHandler interface {
	Apply(ac *ActionContext) ActionResult
}

// ActionRegistry is the lookup table from action type to handler.
type ActionRegistry struct {
	handlers map[string]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: map[string]ActionHandler{}}
}

func (r *ActionRegistry) Register(name string, h ActionHandler) {
	r.handlers[name] = h
}

func (r *ActionRegistry) Lookup(name string) (ActionHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

func (r *ActionRegistry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BuiltinActions builds a registry from the action catalog. Each definition
// becomes one data-driven handler; richer game systems register their own
// handlers on top.
func BuiltinActions(cats *catalogs.Catalogs) *ActionRegistry {
	r := NewActionRegistry()
	for name, def := range cats.Actions.Defs {
		r.Register(name, &catalogHandler{def: def})
	}
	return r
}

// catalogHandler interprets one ActionDef: state transition, energy cost,
// balance reward, resource consumption, and the optional movement delta.
type catalogHandler struct {
	def catalogs.ActionDef
}

func (h *catalogHandler) Apply(ac *ActionContext) ActionResult {
	a := ac.Agent
	def := h.def

	if def.EnergyCost > 0 && a.Energy < def.EnergyCost {
		return actionFailure(protocol.ErrConflict, fmt.Sprintf("%s requires %.0f energy, have %.1f", def.Type, def.EnergyCost, a.Energy))
	}
	if def.Resource != "" {
		pool := ac.Resources[def.Resource]
		if pool == nil {
			return actionFailure(protocol.ErrConflict, fmt.Sprintf("no %s pool", def.Resource))
		}
		if pool.TakeUnits(1) <= 0 {
			return actionFailure(protocol.ErrConflict, fmt.Sprintf("%s exhausted", def.Resource))
		}
	}

	if def.State != "" {
		a.State = def.State
	}
	a.Energy -= def.EnergyCost
	a.Energy += def.RestoreEnergy
	a.Hunger += def.RestoreHunger
	a.Balance += def.RewardBalance

	payload := map[string]any{"action": def.Type}
	if def.Type == "move" {
		a.X += paramFloat(ac.Params, "dx")
		a.Y += paramFloat(ac.Params, "dy")
		payload["x"] = a.X
		payload["y"] = a.Y
	}
	if def.RewardBalance != 0 {
		payload["reward"] = def.RewardBalance
		payload["balance"] = a.Balance
	}
	if def.Resource != "" {
		payload["resource"] = def.Resource
	}
	a.UpdatedTick = ac.Tick

	res := ActionResult{Success: true}
	if def.Event != "" {
		res.Events = append(res.Events, world.EventDraft{
			TenantID: a.TenantID,
			Tick:     ac.Tick,
			AgentID:  a.ID,
			Type:     def.Event,
			Payload:  payload,
		})
	}
	return res
}

func paramFloat(params map[string]any, key string) float64 {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
