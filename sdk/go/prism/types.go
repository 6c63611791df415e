package prism

import "time"

// IntentEvent describes one agent operation in four semantic slots.
// ID is filled with a random UUID by Enforce when left empty.
type IntentEvent struct {
	ID       string   `json:"id"`
	TS       float64  `json:"ts"` // unix seconds; zero means "now"
	Op       string   `json:"op"`
	T        string   `json:"t"`
	Identity Identity `json:"identity"`

	Action   ActionSlot   `json:"action"`
	Resource ResourceSlot `json:"resource"`
	Data     DataSlot     `json:"data"`
	Risk     RiskSlot     `json:"risk"`
}

// Identity carries the caller's agent binding. An empty AgentID means
// the event is enforced without session state.
type Identity struct {
	AgentID string `json:"agent_id"`
}

// ActionSlot describes what the agent is doing.
type ActionSlot struct {
	Verb      string `json:"verb"`
	ActorType string `json:"actor_type"`
	ToolName  string `json:"tool_name,omitempty"`
}

// ResourceSlot describes what the action targets.
type ResourceSlot struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Location string `json:"location,omitempty"`
}

// DataSlot describes the sensitivity of the data involved.
type DataSlot struct {
	Sensitivity []string `json:"sensitivity"`
	PII         bool     `json:"pii"`
	Volume      string   `json:"volume,omitempty"`
}

// RiskSlot describes the authentication/authorization posture.
type RiskSlot struct {
	Authn string `json:"authn,omitempty"`
	Authz string `json:"authz,omitempty"`
}

// EnforcementResponse is the outcome of one enforcement call.
type EnforcementResponse struct {
	Decision          string             `json:"decision"`
	ModifiedParams    map[string]any     `json:"modified_params"`
	DriftScore        float64            `json:"drift_score"`
	DriftTriggered    bool               `json:"drift_triggered"`
	SliceSimilarities map[string]float64 `json:"slice_similarities"`
	Evidence          map[string]any     `json:"evidence"`
}

// Decision names returned by the server.
const (
	DecisionAllow  = "ALLOW"
	DecisionDeny   = "DENY"
	DecisionModify = "MODIFY"
	DecisionStepUp = "STEP_UP"
	DecisionDefer  = "DEFER"
)

// Policy is a tenant-scoped policy boundary record.
type Policy struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Name          string          `json:"name"`
	Status        string          `json:"status,omitempty"`
	Type          string          `json:"type,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	Layer         *string         `json:"layer,omitempty"`
	Scope         PolicyScope     `json:"scope"`
	Rules         map[string]any  `json:"rules,omitempty"`
	Constraints   ConstraintGroup `json:"constraints"`
	Notes         *string         `json:"notes,omitempty"`
	CreatedAt     float64         `json:"created_at,omitempty"`
	UpdatedAt     float64         `json:"updated_at,omitempty"`
}

// PolicyScope binds a policy to its tenant and optional targets.
type PolicyScope struct {
	TenantID  string   `json:"tenantId"`
	AppliesTo []string `json:"appliesTo,omitempty"`
}

// ConstraintGroup mirrors the four intent slots.
type ConstraintGroup struct {
	Action   ActionConstraints   `json:"action"`
	Resource ResourceConstraints `json:"resource"`
	Data     DataConstraints     `json:"data"`
	Risk     RiskConstraints     `json:"risk"`
}

type ActionConstraints struct {
	Actions    []string `json:"actions,omitempty"`
	ActorTypes []string `json:"actor_types,omitempty"`
}

type ResourceConstraints struct {
	Types     []string `json:"types,omitempty"`
	Names     []string `json:"names,omitempty"`
	Locations []string `json:"locations,omitempty"`
}

type DataConstraints struct {
	Sensitivity []string `json:"sensitivity,omitempty"`
	PII         *bool    `json:"pii,omitempty"`
	Volume      string   `json:"volume,omitempty"`
}

type RiskConstraints struct {
	Authn string `json:"authn,omitempty"`
	Authz string `json:"authz,omitempty"`
}

// PolicyDeleteResult reports the outcome of a policy delete.
type PolicyDeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// PolicyClearResult reports the outcome of a tenant-wide policy clear.
type PolicyClearResult struct {
	PoliciesDeleted int    `json:"policies_deleted"`
	RulesRemoved    int    `json:"rules_removed"`
	Message         string `json:"message"`
}

// SessionSummary is the list-view projection of an agent drift session.
type SessionSummary struct {
	AgentID         string  `json:"agent_id"`
	CallCount       int     `json:"call_count"`
	CumulativeDrift float64 `json:"cumulative_drift"`
	LastDecision    string  `json:"last_decision,omitempty"`
	CreatedAt       float64 `json:"created_at"`
	LastSeenAt      float64 `json:"last_seen_at"`
}

// HistoryEntry is one element of a session's action history.
type HistoryEntry struct {
	RequestID string  `json:"request_id"`
	Action    string  `json:"action"`
	Decision  string  `json:"decision"`
	TS        float64 `json:"ts"`
}

// SessionDetail is the single-session projection, including history.
type SessionDetail struct {
	SessionSummary
	ActionHistory []HistoryEntry `json:"action_history"`
	HasBaseline   bool           `json:"has_baseline"`
}

// CallSummary is the list-view projection of an enforce-call record.
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

// Health is the server health report.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	Qdrant    string `json:"qdrant,omitempty"`
	DataPlane string `json:"data_plane,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

// Page holds pagination state returned by list endpoints.
type Page struct {
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

// envelope is the server's standard response wrapper.
type envelope struct {
	Data  any            `json:"data"`
	Error *errorDetail   `json:"error"`
	Meta  map[string]any `json:"meta"`

	Total   *int `json:"total"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// now is indirected for tests.
var now = time.Now
