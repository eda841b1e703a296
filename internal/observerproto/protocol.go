package observerproto

import "agorasim.ai/internal/protocol"

// Version is the observer feed protocol version (separate from the admin API).
const Version = "0.1"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeSubscribed = "SUBSCRIBED"
	TypeEvent      = "EVENT"
	TypeGap        = "GAP"
	TypeError      = "ERROR"
)

// Scopes select which slices of a tenant's stream the session receives.
// They map one-to-one onto broadcast channels.
const (
	ScopeWorld = "world"
	ScopeAgent = "agent"
	ScopeTick  = "tick"
)

// Client -> Server. First message on the feed connection; may be re-sent to
// change scopes. Validated against schemas/subscribe.schema.json.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	TenantID        string   `json:"tenant_id"`
	Scopes          []string `json:"scopes,omitempty"`
	AgentIDs        []string `json:"agent_ids,omitempty"`
}

// Server -> Client. Acknowledges a SUBSCRIBE and reports the tick the feed
// starts from. Events before this tick are only reachable through the event
// log, not the live feed.
type SubscribedMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	TenantID        string   `json:"tenant_id"`
	Scopes          []string `json:"scopes"`
	AgentIDs        []string `json:"agent_ids,omitempty"`
	Tick            uint64   `json:"tick"`
}

// Server -> Client. One stored event record.
type EventMsg struct {
	Type            string               `json:"type"`
	ProtocolVersion string               `json:"protocol_version"`
	Event           protocol.EventRecord `json:"event"`
}

// Server -> Client. The session's buffer overflowed and records were lost.
// Clients that need the gap can page the event log by version cursor.
type GapMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Dropped         uint64 `json:"dropped"`
}

// Server -> Client. Protocol-coded failure; the connection closes after.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
