package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agorasim.ai/internal/persistence/eventdb"
	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/multitenant"
	"agorasim.ai/internal/sim/shock"
)

// registerAdmin mounts the loopback-only operator surface. Every handler
// re-checks the remote address; the mux gate in buildMux only controls
// whether the routes exist at all.
func registerAdmin(mux *http.ServeMux, env *serverEnv) {
	mux.HandleFunc("/admin/v1/tenants", env.handleTenantList)
	mux.HandleFunc("/admin/v1/tenants/", env.handleTenant)
}

func (env *serverEnv) handleTenantList(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sts, err := env.mgr.StatusAll(r.Context())
	if err != nil {
		env.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"tenants": sts, "default": env.mgr.DefaultTenantID()})
}

// handleTenant routes /admin/v1/tenants/{id}[/op[/sub]].
func (env *serverEnv) handleTenant(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/admin/v1/tenants/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(rw, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		env.tenantStatus(rw, r, id)
	case len(parts) == 2 && parts[1] == "shocks":
		env.tenantShocks(rw, r, id)
	case len(parts) == 3 && parts[1] == "shocks" && parts[2] == "composite":
		env.tenantCompositeShock(rw, r, id)
	case len(parts) == 2 && parts[1] == "events":
		env.tenantEvents(rw, r, id)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "summary":
		env.tenantEventSummary(rw, r, id)
	case len(parts) == 2 && parts[1] == "snapshot":
		env.tenantSnapshot(rw, r, id)
	case len(parts) == 2 && parts[1] == "usage":
		env.tenantUsage(rw, r, id)
	case len(parts) == 2:
		env.tenantLifecycle(rw, r, id, parts[1])
	default:
		http.NotFound(rw, r)
	}
}

func (env *serverEnv) tenantStatus(rw http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := env.mgr.Status(r.Context(), id)
	if err != nil {
		env.writeError(rw, err)
		return
	}
	env.rateHeaders(rw, r, id, "ticks")
	writeJSON(rw, http.StatusOK, st)
}

func (env *serverEnv) tenantLifecycle(rw http.ResponseWriter, r *http.Request, id, op string) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var err error
	switch op {
	case "start":
		err = env.mgr.Start(r.Context(), id)
	case "stop":
		err = env.mgr.Stop(r.Context(), id)
	case "pause":
		err = env.mgr.Pause(r.Context(), id)
	case "resume":
		err = env.mgr.Resume(r.Context(), id)
	case "activate":
		err = env.mgr.Activate(r.Context(), id)
	case "deactivate":
		err = env.mgr.Deactivate(r.Context(), id)
	case "reset":
		err = env.mgr.Reset(r.Context(), id)
	default:
		http.NotFound(rw, r)
		return
	}
	if err != nil {
		env.writeError(rw, err)
		return
	}
	env.logger.Printf("admin %s tenant=%s", op, id)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tenant_id": id, "op": op})
}

// tenantShocks handles POST (schedule), GET (pending) and DELETE (clear).
func (env *serverEnv) tenantShocks(rw http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		pending, err := env.mgr.PendingShocks(id)
		if err != nil {
			env.writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"tenant_id": id, "pending": pending})

	case http.MethodDelete:
		n, err := env.mgr.ClearShocks(id)
		if err != nil {
			env.writeError(rw, err)
			return
		}
		env.logger.Printf("admin clear shocks tenant=%s cleared=%d", id, n)
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tenant_id": id, "cleared": n})

	case http.MethodPost:
		var cfg shock.Config
		if err := decodeValidated(r, env.schemas.shock, &cfg); err != nil {
			env.writeBadRequest(rw, err)
			return
		}
		if err := env.mgr.ScheduleShock(id, cfg); err != nil {
			env.writeError(rw, err)
			return
		}
		env.logger.Printf("admin shock tenant=%s type=%s tick=%d intensity=%.2f", id, cfg.Type, cfg.ScheduledTick, cfg.Intensity)
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tenant_id": id, "shock": cfg})

	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (env *serverEnv) tenantCompositeShock(rw http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var comp shock.Composite
	if name := strings.TrimSpace(r.URL.Query().Get("preset")); name != "" {
		preset, ok := env.cats.Presets.ByID[name]
		if !ok {
			env.writeBadRequest(rw, fmt.Errorf("unknown preset %q", name))
			return
		}
		if err := validateRaw(preset.Composite, env.schemas.composite, &comp); err != nil {
			env.writeBadRequest(rw, fmt.Errorf("preset %s: %w", name, err))
			return
		}
	} else if err := decodeValidated(r, env.schemas.composite, &comp); err != nil {
		env.writeBadRequest(rw, err)
		return
	}

	endTick, err := env.mgr.ScheduleComposite(id, comp)
	if err != nil {
		env.writeError(rw, err)
		return
	}
	env.logger.Printf("admin composite shock tenant=%s mode=%s steps=%d end_tick=%d", id, comp.Mode, len(comp.Shocks), endTick)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tenant_id": id, "mode": comp.Mode, "steps": len(comp.Shocks), "end_tick": endTick})
}

func (env *serverEnv) tenantEvents(rw http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := protocol.EventBatchReq{
		TenantID:  id,
		Category:  protocol.Category(q.Get("category")),
		EventType: q.Get("event_type"),
		AgentID:   q.Get("agent_id"),
	}
	if v := q.Get("since_cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			env.writeBadRequest(rw, fmt.Errorf("bad since_cursor: %w", err))
			return
		}
		req.SinceCursor = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			env.writeBadRequest(rw, fmt.Errorf("bad limit: %w", err))
			return
		}
		req.Limit = n
	}

	batch, err := env.store.EventsSince(r.Context(), req)
	if err != nil {
		env.writeError(rw, err)
		return
	}
	env.rateHeaders(rw, r, id, "events")
	writeJSON(rw, http.StatusOK, batch)
}

func (env *serverEnv) tenantEventSummary(rw http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	from, to, err := tickRange(r)
	if err != nil {
		env.writeBadRequest(rw, err)
		return
	}
	counts, err := env.store.CountEventsByCategory(r.Context(), id, from, to)
	if err != nil {
		env.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"tenant_id": id, "from_tick": from, "to_tick": to, "categories": counts,
	})
}

func (env *serverEnv) tenantSnapshot(rw http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, ok := env.cache.Latest(id)
	if !ok {
		env.writeError(rw, fmt.Errorf("snapshot for %s: %w", id, eventdb.ErrNotFound))
		return
	}
	writeJSON(rw, http.StatusOK, snap)
}

func (env *serverEnv) tenantUsage(rw http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	day := strings.TrimSpace(r.URL.Query().Get("day"))
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	u, err := env.store.GetUsage(r.Context(), id, day)
	if err != nil {
		env.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, u)
}

// rateHeaders reports consumption against the tenant's daily quota for the
// given usage kind. Zero quota means unlimited; no headers then.
func (env *serverEnv) rateHeaders(rw http.ResponseWriter, r *http.Request, id, kind string) {
	t, err := env.store.GetTenant(r.Context(), id)
	if err != nil {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	u, err := env.store.GetUsage(r.Context(), id, day)
	if err != nil {
		return
	}

	var quota, used int
	switch kind {
	case "ticks":
		quota, used = t.DailyTickQuota, u.Ticks
	case "events":
		quota, used = t.DailyEventQuota, u.Events
	default:
		return
	}
	if quota <= 0 {
		return
	}
	remaining := quota - used
	if remaining < 0 {
		remaining = 0
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	rw.Header().Set("X-RateLimit-Limit", strconv.Itoa(quota))
	rw.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	rw.Header().Set("X-RateLimit-Reset", strconv.FormatInt(midnight.Unix(), 10))
}

func tickRange(r *http.Request) (from, to uint64, err error) {
	q := r.URL.Query()
	if v := q.Get("from_tick"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("bad from_tick: %w", err)
		}
	}
	to = ^uint64(0)
	if v := q.Get("to_tick"); v != "" {
		if to, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("bad to_tick: %w", err)
		}
	}
	return from, to, nil
}

// decodeValidated reads the request body once, checks it against the schema,
// then unmarshals into dst.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return validateRaw(body, schema, dst)
}

func validateRaw(body []byte, schema *jsonschema.Schema, dst any) error {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(raw); err != nil {
			return err
		}
	}
	return json.Unmarshal(body, dst)
}

func (env *serverEnv) writeBadRequest(rw http.ResponseWriter, err error) {
	writeJSON(rw, http.StatusBadRequest, map[string]any{
		"ok": false, "code": protocol.ErrProtoBadRequest, "error": err.Error(),
	})
}

func (env *serverEnv) writeError(rw http.ResponseWriter, err error) {
	code, status := classifyError(err)
	writeJSON(rw, status, map[string]any{"ok": false, "code": code, "error": err.Error()})
}

// classifyError maps internal sentinels onto protocol error codes and HTTP
// statuses, so operators and scripts never match on error strings.
func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, multitenant.ErrUnknownTenant), errors.Is(err, eventdb.ErrNotFound):
		return protocol.ErrTenantNotFound, http.StatusNotFound
	case errors.Is(err, multitenant.ErrInactive):
		return protocol.ErrTenantInactive, http.StatusConflict
	case errors.Is(err, multitenant.ErrRunning):
		return protocol.ErrAlreadyRunning, http.StatusConflict
	case errors.Is(err, multitenant.ErrNotRunning):
		return protocol.ErrNotRunning, http.StatusConflict
	case errors.Is(err, multitenant.ErrClosed):
		return protocol.ErrInternal, http.StatusServiceUnavailable
	case errors.Is(err, shock.ErrBadIntensity):
		return protocol.ErrBadIntensity, http.StatusBadRequest
	case errors.Is(err, shock.ErrMissingDuration):
		return protocol.ErrMissingDuration, http.StatusBadRequest
	case errors.Is(err, shock.ErrUnknownType):
		return protocol.ErrUnknownShock, http.StatusBadRequest
	case errors.Is(err, shock.ErrBadComposite):
		return protocol.ErrBadRequest, http.StatusBadRequest
	default:
		return protocol.ErrInternal, http.StatusInternalServerError
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
