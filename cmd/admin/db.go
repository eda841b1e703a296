package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd reads the event database directly, so tenants can be inspected while
// the server is down. The server holds the only write connection; these
// queries are read-only and safe to run alongside it.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; overrides -data)")
	tenant := fs.String("tenant", "", "tenant id (events/agents/resources/usage)")
	day := fs.String("day", "", "usage day filter (YYYY-MM-DD)")
	since := fs.Uint64("since", 0, "events: return versions after this cursor, oldest first")
	category := fs.String("category", "", "events: category filter")
	eventType := fs.String("type", "", "events: event type filter")
	agent := fs.String("agent", "", "events: agent id filter")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "tenants"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "db", "events.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "tenants":
		rows, err := db.Query(`SELECT id,is_active,is_paused,tick_interval_ms,daily_tick_quota,daily_event_quota,daily_llm_quota,current_tick,last_tick_at FROM tenants ORDER BY id`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID              string `json:"id"`
				IsActive        bool   `json:"is_active"`
				IsPaused        bool   `json:"is_paused"`
				TickIntervalMs  int64  `json:"tick_interval_ms"`
				DailyTickQuota  int64  `json:"daily_tick_quota"`
				DailyEventQuota int64  `json:"daily_event_quota"`
				DailyLLMQuota   int64  `json:"daily_llm_quota"`
				CurrentTick     uint64 `json:"current_tick"`
				LastTickAt      string `json:"last_tick_at"`
			}
			if err := rows.Scan(&r.ID, &r.IsActive, &r.IsPaused, &r.TickIntervalMs, &r.DailyTickQuota, &r.DailyEventQuota, &r.DailyLLMQuota, &r.CurrentTick, &r.LastTickAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "events":
		if strings.TrimSpace(*tenant) == "" {
			fmt.Fprintln(os.Stderr, "missing -tenant")
			os.Exit(2)
		}
		if *limit <= 0 {
			*limit = 50
		}
		conds := []string{"tenant_id=?"}
		qargs := []any{strings.TrimSpace(*tenant)}
		if strings.TrimSpace(*category) != "" {
			conds = append(conds, "category=?")
			qargs = append(qargs, strings.TrimSpace(*category))
		}
		if strings.TrimSpace(*eventType) != "" {
			conds = append(conds, "event_type=?")
			qargs = append(qargs, strings.TrimSpace(*eventType))
		}
		if strings.TrimSpace(*agent) != "" {
			conds = append(conds, "agent_id=?")
			qargs = append(qargs, strings.TrimSpace(*agent))
		}
		// Default is a newest-first tail; -since pages forward from a cursor.
		order := "ORDER BY version DESC"
		if *since > 0 {
			conds = append(conds, "version>?")
			qargs = append(qargs, int64(*since))
			order = "ORDER BY version ASC"
		}
		qargs = append(qargs, *limit)
		rows, err := db.Query(`SELECT version,id,tick,agent_id,event_type,category,payload,created_at FROM events WHERE `+strings.Join(conds, " AND ")+" "+order+" LIMIT ?", qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Version   uint64         `json:"version"`
				ID        string         `json:"id"`
				Tick      uint64         `json:"tick"`
				AgentID   sql.NullString `json:"agent_id"`
				EventType string         `json:"event_type"`
				Category  string         `json:"category"`
				Payload   string         `json:"payload"`
				CreatedAt string         `json:"created_at"`
			}
			if err := rows.Scan(&r.Version, &r.ID, &r.Tick, &r.AgentID, &r.EventType, &r.Category, &r.Payload, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "agents":
		if strings.TrimSpace(*tenant) == "" {
			fmt.Fprintln(os.Stderr, "missing -tenant")
			os.Exit(2)
		}
		rows, err := db.Query(`SELECT id,name,x,y,hunger,energy,health,balance,state,updated_tick FROM agents WHERE tenant_id=? ORDER BY id`, strings.TrimSpace(*tenant))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID          string  `json:"id"`
				Name        string  `json:"name"`
				X           float64 `json:"x"`
				Y           float64 `json:"y"`
				Hunger      float64 `json:"hunger"`
				Energy      float64 `json:"energy"`
				Health      float64 `json:"health"`
				Balance     float64 `json:"balance"`
				State       string  `json:"state"`
				UpdatedTick uint64  `json:"updated_tick"`
			}
			if err := rows.Scan(&r.ID, &r.Name, &r.X, &r.Y, &r.Hunger, &r.Energy, &r.Health, &r.Balance, &r.State, &r.UpdatedTick); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "resources":
		if strings.TrimSpace(*tenant) == "" {
			fmt.Fprintln(os.Stderr, "missing -tenant")
			os.Exit(2)
		}
		rows, err := db.Query(`SELECT name,amount,max_amount FROM resources WHERE tenant_id=? ORDER BY name`, strings.TrimSpace(*tenant))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string  `json:"name"`
				Amount    float64 `json:"amount"`
				MaxAmount float64 `json:"max_amount"`
			}
			if err := rows.Scan(&r.Name, &r.Amount, &r.MaxAmount); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "usage":
		if strings.TrimSpace(*tenant) == "" {
			fmt.Fprintln(os.Stderr, "missing -tenant")
			os.Exit(2)
		}
		if *limit <= 0 {
			*limit = 20
		}
		query := `SELECT day,ticks,events,llm_calls,skipped FROM usage WHERE tenant_id=? ORDER BY day DESC LIMIT ?`
		qargs := []any{strings.TrimSpace(*tenant), *limit}
		if strings.TrimSpace(*day) != "" {
			query = `SELECT day,ticks,events,llm_calls,skipped FROM usage WHERE tenant_id=? AND day=?`
			qargs = []any{strings.TrimSpace(*tenant), strings.TrimSpace(*day)}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Day      string `json:"day"`
				Ticks    uint64 `json:"ticks"`
				Events   uint64 `json:"events"`
				LLMCalls uint64 `json:"llm_calls"`
				Skipped  uint64 `json:"skipped"`
			}
			if err := rows.Scan(&r.Day, &r.Ticks, &r.Events, &r.LLMCalls, &r.Skipped); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "catalogs":
		rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string `json:"name"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-tenant T] tenants|events|agents|resources|usage|catalogs")
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
