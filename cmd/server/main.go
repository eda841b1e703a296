package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agorasim.ai/internal/broadcast"
	"agorasim.ai/internal/persistence/archive"
	"agorasim.ai/internal/persistence/eventdb"
	persistlog "agorasim.ai/internal/persistence/log"
	"agorasim.ai/internal/persistence/snapshot"
	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/catalogs"
	"agorasim.ai/internal/sim/engine"
	"agorasim.ai/internal/sim/multitenant"
	"agorasim.ai/internal/sim/tuning"
	"agorasim.ai/internal/sim/world"
	"agorasim.ai/internal/transport/observer"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		configDir   = flag.String("configs", "./configs", "config directory (tuning.yaml, tenants.yaml)")
		catalogDir  = flag.String("catalogs", "./catalogs", "catalog directory (event_types.json, actions.json, presets/)")
		schemaDir   = flag.String("schemas", "./schemas", "json schema directory")
		tenantsPath = flag.String("tenants", "", "path to tenants.yaml (default: <configs>/tenants.yaml)")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		seed        = flag.Int64("seed", 1337, "base seed for tenant schedulers (per-tenant offset added)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	tenp := strings.TrimSpace(*tenantsPath)
	if tenp == "" {
		tenp = filepath.Join(*configDir, "tenants.yaml")
	}
	tenantsCfg, err := multitenant.Load(tenp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tenants config not found (%s); using defaults", tenp)
		} else {
			logger.Fatalf("load tenants config: %v", err)
		}
	}

	cats, err := catalogs.Load(*catalogDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	schemas, err := loadSchemas(*schemaDir)
	if err != nil {
		logger.Fatalf("load schemas: %v", err)
	}

	store, err := eventdb.Open(filepath.Join(*dataDir, "db", "events.sqlite"), &cats.EventTypes, nil)
	if err != nil {
		logger.Fatalf("open event db: %v", err)
	}
	defer store.Close()
	if err := store.RecordCatalogs(cats, tune); err != nil {
		logger.Printf("record catalogs: %v", err)
	}

	eventLog := persistlog.NewEventLogger(*dataDir)
	tickLog := persistlog.NewTickLogger(*dataDir)
	defer eventLog.Close()
	defer tickLog.Close()

	snapCache := snapshot.NewCache(*dataDir, log.New(os.Stdout, "[snapshots] ", log.LstdFlags|log.Lmicroseconds))
	if err := snapCache.Restore(); err != nil {
		logger.Printf("restore snapshots: %v", err)
	}
	defer snapCache.Close()

	hub := broadcast.NewHub()
	archiver := archive.New(store, *dataDir, log.New(os.Stdout, "[archive] ", log.LstdFlags|log.Lmicroseconds))

	mgr, err := multitenant.NewManager(multitenant.ManagerConfig{
		Config:   tenantsCfg,
		Store:    journaledStore{Store: store, events: eventLog},
		Tune:     &tune,
		Cats:     cats,
		Hub:      hub,
		Archiver: archiver,
		Seed:     *seed,
		OnTick: func(res engine.TickResult) {
			if err := tickLog.WriteTick(res); err != nil {
				logger.Printf("tick log write (%s): %v", res.TenantID, err)
			}
		},
		OnSnapshot: snapCache.Update,
	})
	if err != nil {
		logger.Fatalf("tenant manager: %v", err)
	}
	defer mgr.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := mgr.Sync(ctx); err != nil {
		logger.Fatalf("sync tenants: %v", err)
	}
	if err := mgr.StartAll(ctx); err != nil {
		logger.Printf("start tenants: %v", err)
	}

	env := &serverEnv{
		mgr:     mgr,
		store:   store,
		hub:     hub,
		cache:   snapCache,
		cats:    cats,
		schemas: schemas,
		logger:  logger,
	}

	enableAdminHTTP := envBool("AGORA_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("AGORA_ENABLE_PPROF_HTTP", false)
	mux := buildMux(env, enableAdminHTTP, enablePprofHTTP)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s tenants=%v", *addr, mgr.RunningIDs())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Flush the read cache before the deferred Close tears everything down.
	ctx3, cancel3 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel3()
	if err := snapCache.Flush(ctx3); err != nil {
		logger.Printf("flush snapshots: %v", err)
	}
}

// serverEnv carries the wired components into the HTTP layer.
type serverEnv struct {
	mgr     *multitenant.Manager
	store   *eventdb.Store
	hub     *broadcast.Hub
	cache   *snapshot.Cache
	cats    *catalogs.Catalogs
	schemas adminSchemas
	logger  *log.Logger
}

type adminSchemas struct {
	shock     *jsonschema.Schema
	composite *jsonschema.Schema
	subscribe *jsonschema.Schema
}

func loadSchemas(dir string) (adminSchemas, error) {
	var s adminSchemas
	var err error
	if s.shock, err = jsonschema.Compile(filepath.Join(dir, "shock.schema.json")); err != nil {
		return s, err
	}
	if s.composite, err = jsonschema.Compile(filepath.Join(dir, "composite_shock.schema.json")); err != nil {
		return s, err
	}
	if s.subscribe, err = jsonschema.Compile(filepath.Join(dir, "subscribe.schema.json")); err != nil {
		return s, err
	}
	return s, nil
}

func buildMux(env *serverEnv, enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", env.metricsHandler)

	if enableAdmin {
		registerAdmin(mux, env)
	} else {
		env.logger.Printf("admin endpoints disabled (AGORA_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		env.logger.Printf("pprof endpoints disabled (AGORA_ENABLE_PPROF_HTTP=false)")
	}

	obsSrv := observer.NewServer(env.mgr, env.hub, env.schemas.subscribe,
		log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))
	mux.HandleFunc("/v1/observe", obsSrv.Handler())
	return mux
}

func (env *serverEnv) metricsHandler(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	sts, err := env.mgr.StatusAll(r.Context())
	if err != nil {
		env.logger.Printf("metrics: status all: %v", err)
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP agorasim_tenant_tick Current tick per tenant.\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_tick gauge\n")
	for _, st := range sts {
		fmt.Fprintf(rw, "agorasim_tenant_tick{tenant=%q} %d\n", st.TenantID, st.CurrentTick)
	}

	fmt.Fprintf(rw, "# HELP agorasim_tenant_running Whether the tenant scheduler is running.\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_running gauge\n")
	for _, st := range sts {
		fmt.Fprintf(rw, "agorasim_tenant_running{tenant=%q} %d\n", st.TenantID, boolMetric(st.IsRunning))
	}

	fmt.Fprintf(rw, "# HELP agorasim_tenant_paused Whether the tenant is paused.\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_paused gauge\n")
	for _, st := range sts {
		fmt.Fprintf(rw, "agorasim_tenant_paused{tenant=%q} %d\n", st.TenantID, boolMetric(st.IsPaused))
	}

	fmt.Fprintf(rw, "# HELP agorasim_tenant_agents Agents per tenant (total and alive).\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_agents gauge\n")
	for _, st := range sts {
		fmt.Fprintf(rw, "agorasim_tenant_agents{tenant=%q,state=%q} %d\n", st.TenantID, "total", st.Agents)
		fmt.Fprintf(rw, "agorasim_tenant_agents{tenant=%q,state=%q} %d\n", st.TenantID, "alive", st.Alive)
	}

	fmt.Fprintf(rw, "# HELP agorasim_tenant_pending_shocks Scheduled shocks not yet applied.\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_pending_shocks gauge\n")
	for _, st := range sts {
		fmt.Fprintf(rw, "agorasim_tenant_pending_shocks{tenant=%q} %d\n", st.TenantID, st.PendingShocks)
	}

	fmt.Fprintf(rw, "# HELP agorasim_tenant_observers Live feed subscriptions per tenant.\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_observers gauge\n")
	for _, st := range sts {
		fmt.Fprintf(rw, "agorasim_tenant_observers{tenant=%q} %d\n", st.TenantID, env.hub.SubscriberCount(st.TenantID))
	}

	fmt.Fprintf(rw, "# HELP agorasim_tenant_tick_ms Last tick pass duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_tick_ms gauge\n")
	for _, st := range sts {
		fmt.Fprintf(rw, "agorasim_tenant_tick_ms{tenant=%q} %d\n", st.TenantID, st.LastResult.DurationMs)
	}

	day := time.Now().UTC().Format("2006-01-02")
	fmt.Fprintf(rw, "# HELP agorasim_tenant_usage Daily usage counters per tenant.\n")
	fmt.Fprintf(rw, "# TYPE agorasim_tenant_usage counter\n")
	for _, st := range sts {
		u, err := env.store.GetUsage(r.Context(), st.TenantID, day)
		if err != nil {
			continue
		}
		fmt.Fprintf(rw, "agorasim_tenant_usage{tenant=%q,kind=%q} %d\n", st.TenantID, "ticks", u.Ticks)
		fmt.Fprintf(rw, "agorasim_tenant_usage{tenant=%q,kind=%q} %d\n", st.TenantID, "events", u.Events)
		fmt.Fprintf(rw, "agorasim_tenant_usage{tenant=%q,kind=%q} %d\n", st.TenantID, "llm_calls", u.LLMCalls)
		fmt.Fprintf(rw, "agorasim_tenant_usage{tenant=%q,kind=%q} %d\n", st.TenantID, "skipped", u.Skipped)
	}

	if v, err := env.store.MaxVersion(r.Context()); err == nil {
		fmt.Fprintf(rw, "# HELP agorasim_events_total Highest assigned event version (total stored events).\n")
		fmt.Fprintf(rw, "# TYPE agorasim_events_total counter\n")
		fmt.Fprintf(rw, "agorasim_events_total %d\n", v)
	}
}

func boolMetric(b bool) int {
	if b {
		return 1
	}
	return 0
}

// journaledStore mirrors every accepted append into the JSONL event archive,
// keeping the replayable segments complete even for events withheld from the
// live feed. The sqlite log remains the source of truth.
type journaledStore struct {
	*eventdb.Store
	events *persistlog.EventLogger
}

func (j journaledStore) AppendEvent(ctx context.Context, draft world.EventDraft) (*protocol.EventRecord, world.AppendOutcome, error) {
	rec, outcome, err := j.Store.AppendEvent(ctx, draft)
	if err == nil && outcome == world.AppendOK && j.events != nil {
		_ = j.events.WriteEvent(rec)
	}
	return rec, outcome, err
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
