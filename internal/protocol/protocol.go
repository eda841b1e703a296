package protocol

import (
	"encoding/json"
	"time"
)

const Version = "0.1"

// Categories classify every stored event for scientific analysis: the split
// that matters downstream is system-imposed (infrastructure) versus
// agent-caused (emergent).
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryEmergent       Category = "emergent"
	CategoryPuzzle         Category = "puzzle"
	CategoryObservation    Category = "observation"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategoryInfrastructure, CategoryEmergent, CategoryPuzzle, CategoryObservation:
		return true
	}
	return false
}

// Event types emitted by the engine core. Action handlers and external game
// subsystems add their own; the catalog maps each to a category.
const (
	EventTickStart = "tick_start"
	EventTickEnd   = "tick_end"

	EventLowHungerWarning      = "low_hunger_warning"
	EventCriticalHungerWarning = "critical_hunger_warning"
	EventCriticalEnergy        = "critical_energy"
	EventHealthDamaged         = "health_damaged"
	EventHealthRegenerated     = "health_regenerated"
	EventAutoConsume           = "auto_consume"
	EventAgentDied             = "agent_died"
	EventCurrencyDecay         = "currency_decay"

	EventShockApplied = "shock_applied"
	EventShockFailed  = "shock_failed"

	EventAgentMoved    = "agent_moved"
	EventAgentRested   = "agent_rested"
	EventAgentWorked   = "agent_worked"
	EventAgentConsumed = "agent_consumed"
	EventAgentSpawned  = "agent_spawned"
)

// EventRecord is the JSON shape subscribers and archives receive. Field names
// are part of the external contract and deliberately stay camelCase even
// though the wire envelopes around them use snake_case.
type EventRecord struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId,omitempty"`
	Type      string         `json:"type"`
	Category  Category       `json:"category,omitempty"`
	Version   uint64         `json:"version,omitempty"`
	Tick      uint64         `json:"tick"`
	Timestamp string         `json:"timestamp"`
	AgentID   string         `json:"agentId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Now formats a timestamp the way every record in the system carries it.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
