package protocol

// Paged event reads for the admin API. The cursor is the last version seen;
// versions are strictly increasing, so resuming from a cursor can never skip
// or repeat a successfully stored event.

type EventBatchReq struct {
	TenantID    string   `json:"tenant_id"`
	SinceCursor uint64   `json:"since_cursor"`
	Limit       int      `json:"limit"`
	Category    Category `json:"category,omitempty"`
	EventType   string   `json:"event_type,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"`
}

type EventBatch struct {
	TenantID   string        `json:"tenant_id,omitempty"`
	Events     []EventRecord `json:"events"`
	NextCursor uint64        `json:"next_cursor"`
}
