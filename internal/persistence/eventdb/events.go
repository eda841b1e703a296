package eventdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/world"
)

// AppendEvent stores one event with the next global version. The version is
// computed inside the INSERT itself, so two appends from any mix of tenant
// schedulers or processes can never observe the same MAX and collide: the
// statement runs under sqlite's write lock as one indivisible operation.
//
// A duplicate draft ID (a retry after a crash) is reported as
// AppendAlreadyRecorded with a nil record; callers treat it as success.
func (s *Store) AppendEvent(ctx context.Context, draft world.EventDraft) (*protocol.EventRecord, world.AppendOutcome, error) {
	if draft.TenantID == "" {
		return nil, 0, fmt.Errorf("append: empty tenant id")
	}
	if draft.Type == "" {
		return nil, 0, fmt.Errorf("append: empty event type")
	}
	id := draft.ID
	if id == "" {
		id = uuid.New().String()
	}

	cat := protocol.CategoryEmergent
	if s.registry != nil {
		resolved, known := s.registry.Resolve(draft.Type)
		cat = resolved
		if !known {
			s.logger.Printf("append: unregistered event type %q (tenant=%s), categorizing as emergent", draft.Type, draft.TenantID)
		}
	}

	payload := draft.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("append: marshal payload: %w", err)
	}

	now := protocol.Now()
	var agentID any
	if draft.AgentID != "" {
		agentID = draft.AgentID
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO events
		(id, version, tenant_id, tick, agent_id, event_type, category, payload, created_at)
		VALUES (?, (SELECT COALESCE(MAX(version), 0) + 1 FROM events), ?, ?, ?, ?, ?, ?, ?)`,
		id, draft.TenantID, int64(draft.Tick), agentID, draft.Type, string(cat), string(rawPayload), now)
	if err != nil {
		if isConstraintErr(err) {
			// The only reachable constraint is the id primary key: the
			// version subselect cannot self-collide under the write lock.
			return nil, world.AppendAlreadyRecorded, nil
		}
		return nil, 0, fmt.Errorf("append: %w", err)
	}

	var version int64
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM events WHERE id = ?`, id).Scan(&version); err != nil {
		return nil, 0, fmt.Errorf("append: read back version: %w", err)
	}

	return &protocol.EventRecord{
		ID:        id,
		TenantID:  draft.TenantID,
		Type:      draft.Type,
		Category:  cat,
		Version:   uint64(version),
		Tick:      draft.Tick,
		Timestamp: now,
		AgentID:   draft.AgentID,
		Payload:   payload,
	}, world.AppendOK, nil
}

const eventColumns = `id, tenant_id, tick, agent_id, event_type, category, version, payload, created_at`

func scanEvents(rows *sql.Rows) ([]protocol.EventRecord, error) {
	var out []protocol.EventRecord
	for rows.Next() {
		var (
			rec     protocol.EventRecord
			tick    int64
			version int64
			agentID sql.NullString
			cat     string
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &tick, &agentID, &rec.Type, &cat, &version, &payload, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Tick = uint64(tick)
		rec.Version = uint64(version)
		rec.Category = protocol.Category(cat)
		if agentID.Valid {
			rec.AgentID = agentID.String
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("payload for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]protocol.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsByAgent returns an agent's most recent events, newest first.
func (s *Store) EventsByAgent(ctx context.Context, tenantID, agentID string, limit int) ([]protocol.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND agent_id = ? ORDER BY version DESC LIMIT ?`,
		tenantID, agentID, limit)
}

// EventsByTick returns every event of one tick in version order.
func (s *Store) EventsByTick(ctx context.Context, tenantID string, tick uint64) ([]protocol.EventRecord, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND tick = ? ORDER BY version ASC`,
		tenantID, int64(tick))
}

// EventsByRange returns events with fromTick <= tick <= toTick in version
// order.
func (s *Store) EventsByRange(ctx context.Context, tenantID string, fromTick, toTick uint64) ([]protocol.EventRecord, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND tick >= ? AND tick <= ? ORDER BY version ASC`,
		tenantID, int64(fromTick), int64(toTick))
}

// EventsByType returns the most recent events of one type, newest first.
func (s *Store) EventsByType(ctx context.Context, tenantID, eventType string, limit int) ([]protocol.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND event_type = ? ORDER BY version DESC LIMIT ?`,
		tenantID, eventType, limit)
}

// EventsByCategoryRange returns events of one category within a tick range,
// in version order.
func (s *Store) EventsByCategoryRange(ctx context.Context, tenantID string, cat protocol.Category, fromTick, toTick uint64) ([]protocol.EventRecord, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND category = ? AND tick >= ? AND tick <= ? ORDER BY version ASC`,
		tenantID, string(cat), int64(fromTick), int64(toTick))
}

// CountEventsByCategory aggregates event counts per category over a tick
// range.
func (s *Store) CountEventsByCategory(ctx context.Context, tenantID string, fromTick, toTick uint64) (map[protocol.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM events
		WHERE tenant_id = ? AND tick >= ? AND tick <= ? GROUP BY category`,
		tenantID, int64(fromTick), int64(toTick))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[protocol.Category]int{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[protocol.Category(cat)] = n
	}
	return out, rows.Err()
}

// EventsSince pages through a tenant's log by version cursor, optionally
// filtered. The returned cursor is the last version in the batch.
func (s *Store) EventsSince(ctx context.Context, req protocol.EventBatchReq) (protocol.EventBatch, error) {
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := `SELECT ` + eventColumns + ` FROM events WHERE tenant_id = ? AND version > ?`
	args := []any{req.TenantID, int64(req.SinceCursor)}
	if req.Category != "" {
		q += ` AND category = ?`
		args = append(args, string(req.Category))
	}
	if req.EventType != "" {
		q += ` AND event_type = ?`
		args = append(args, req.EventType)
	}
	if req.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, req.AgentID)
	}
	q += ` ORDER BY version ASC LIMIT ?`
	args = append(args, limit)

	events, err := s.queryEvents(ctx, q, args...)
	if err != nil {
		return protocol.EventBatch{}, err
	}
	next := req.SinceCursor
	if n := len(events); n > 0 {
		next = events[n-1].Version
	}
	return protocol.EventBatch{TenantID: req.TenantID, Events: events, NextCursor: next}, nil
}

// MaxVersion returns the highest assigned version, 0 when the log is empty.
func (s *Store) MaxVersion(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM events`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}
