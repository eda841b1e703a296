package world

// EventDraft is what the engine hands to the store: everything except
// version, category, and timestamp, which the store assigns. ID doubles as
// the idempotency key; a crash-retried append reuses it and lands on
// AppendAlreadyRecorded instead of double-recording.
type EventDraft struct {
	ID       string
	TenantID string
	Tick     uint64
	AgentID  string
	Type     string
	Payload  map[string]any
}

// AppendOutcome is the explicit result variant for event appends. Duplicate
// inserts are a benign outcome, not an error.
type AppendOutcome int

const (
	AppendOK AppendOutcome = iota + 1
	AppendAlreadyRecorded
)

func (o AppendOutcome) String() string {
	switch o {
	case AppendOK:
		return "ok"
	case AppendAlreadyRecorded:
		return "already_recorded"
	default:
		return "unknown"
	}
}

// Tenant is the isolation boundary: one world, one scheduler, one quota.
type Tenant struct {
	ID       string `json:"id"`
	IsActive bool   `json:"is_active"`
	IsPaused bool   `json:"is_paused"`

	TickIntervalMs  int `json:"tick_interval_ms"`
	DailyTickQuota  int `json:"daily_tick_quota"`
	DailyEventQuota int `json:"daily_event_quota"`
	DailyLLMQuota   int `json:"daily_llm_quota"`

	CurrentTick uint64 `json:"current_tick"`
	LastTickAt  string `json:"last_tick_at,omitempty"`
}

// Usage is one tenant's counters for one UTC day.
type Usage struct {
	TenantID string `json:"tenant_id"`
	Day      string `json:"day"`
	Ticks    int    `json:"ticks"`
	Events   int    `json:"events"`
	LLMCalls int    `json:"llm_calls"`
	Skipped  int    `json:"skipped"`
}

type UsageDelta struct {
	Ticks    int
	Events   int
	LLMCalls int
	Skipped  int
}
