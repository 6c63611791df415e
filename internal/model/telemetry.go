package model

// HistoryEntry is one element of a session's action history.
type HistoryEntry struct {
	RequestID string  `json:"request_id"`
	Action    string  `json:"action"`
	Decision  string  `json:"decision"`
	TS        float64 `json:"ts"`
}

// SessionSummary is the list-view projection of an agent session.
// Vector blobs never leave the store.
type SessionSummary struct {
	AgentID         string  `json:"agent_id"`
	CallCount       int     `json:"call_count"`
	CumulativeDrift float64 `json:"cumulative_drift"`
	LastDecision    string  `json:"last_decision,omitempty"`
	CreatedAt       float64 `json:"created_at"`
	LastSeenAt      float64 `json:"last_seen_at"`
}

// SessionDetail is the single-session projection, including history.
type SessionDetail struct {
	SessionSummary
	ActionHistory []HistoryEntry `json:"action_history"`
	HasBaseline   bool           `json:"has_baseline"`
}

// CallSummary is the list-view projection of an enforce-call row.
// The enforcement result blob is only returned on the detail view.
type CallSummary struct {
	CallID   string `json:"call_id"`
	AgentID  string `json:"agent_id"`
	TSMillis int64  `json:"ts_ms"`
	Decision string `json:"decision"`
	Op       string `json:"op"`
	T        string `json:"t"`
	IsDryRun bool   `json:"is_dry_run"`
}

// CallDetail is the single-call projection with the stored payloads.
type CallDetail struct {
	CallSummary
	EnforcementResult map[string]any `json:"enforcement_result,omitempty"`
	IntentEvent       map[string]any `json:"intent_event,omitempty"`
}

// CallsDeletedResponse reports how many call rows a wipe removed.
type CallsDeletedResponse struct {
	Deleted int `json:"deleted"`
}
