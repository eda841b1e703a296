package eventdb

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"agorasim.ai/internal/sim/catalogs"
	"agorasim.ai/internal/sim/tuning"
)

// ErrNotFound is returned by point lookups for missing rows.
var ErrNotFound = errors.New("eventdb: not found")

// Store is the durable side of the engine: the append-only event log plus
// the agent/resource/tenant/usage rows each scheduler reads at start and
// writes back every tick. One process opens one Store; a single connection
// keeps every statement serialized, so the MAX(version)+1 append is atomic.
type Store struct {
	db       *sql.DB
	registry *catalogs.EventTypeCatalog
	logger   *log.Logger
}

func Open(path string, registry *catalogs.EventTypeCatalog, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[eventdb] ", log.LstdFlags|log.Lmicroseconds)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, registry: registry, logger: logger}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads; NORMAL is a decent
	// durability/perf tradeoff for a log that archives to JSONL as well.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			agent_id TEXT,
			event_type TEXT NOT NULL,
			category TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_tick ON events(tenant_id, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_agent ON events(tenant_id, agent_id, version);`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_type ON events(tenant_id, event_type, version);`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_category_tick ON events(tenant_id, category, tick);`,
		`CREATE TABLE IF NOT EXISTS agents (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			hunger REAL NOT NULL,
			energy REAL NOT NULL,
			health REAL NOT NULL,
			balance REAL NOT NULL,
			state TEXT NOT NULL,
			updated_tick INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS resources (
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			amount REAL NOT NULL,
			max_amount REAL NOT NULL,
			PRIMARY KEY (tenant_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_paused INTEGER NOT NULL DEFAULT 0,
			tick_interval_ms INTEGER NOT NULL,
			daily_tick_quota INTEGER NOT NULL DEFAULT 0,
			daily_event_quota INTEGER NOT NULL DEFAULT 0,
			daily_llm_quota INTEGER NOT NULL DEFAULT 0,
			current_tick INTEGER NOT NULL DEFAULT 0,
			last_tick_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS usage (
			tenant_id TEXT NOT NULL,
			day TEXT NOT NULL,
			ticks INTEGER NOT NULL DEFAULT 0,
			events INTEGER NOT NULL DEFAULT 0,
			llm_calls INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, day)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// isConstraintErr reports whether err is any sqlite constraint violation.
// The primary result code is checked, not the error text, so the detection
// survives driver message changes.
func isConstraintErr(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// RecordCatalogs stores the digests and canonical JSON of the loaded
// catalogs and tuning, so archived events can always be interpreted against
// the registry that classified them.
func (s *Store) RecordCatalogs(cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv

	{
		defs := make([]catalogs.EventTypeDef, 0, len(cats.EventTypes.Defs))
		for _, d := range cats.EventTypes.Defs {
			defs = append(defs, d)
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
		if b, _ := json.Marshal(defs); len(b) > 0 {
			rows = append(rows, kv{name: "event_types", digest: cats.EventTypes.Digest, json: b})
		}
	}
	{
		defs := make([]catalogs.ActionDef, 0, len(cats.Actions.Defs))
		for _, d := range cats.Actions.Defs {
			defs = append(defs, d)
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
		if b, _ := json.Marshal(defs); len(b) > 0 {
			rows = append(rows, kv{name: "actions", digest: cats.Actions.Digest, json: b})
		}
	}
	{
		ps := make([]catalogs.ShockPreset, 0, len(cats.Presets.ByID))
		for _, p := range cats.Presets.ByID {
			ps = append(ps, p)
		}
		sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
		if b, _ := json.Marshal(ps); len(b) > 0 {
			rows = append(rows, kv{name: "shock_presets", digest: cats.Presets.Digest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		rows = append(rows, kv{name: "tuning", digest: sha256Hex(b), json: b})
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
