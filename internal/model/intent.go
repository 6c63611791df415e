package model

import "fmt"

// IntentEvent is the unit of enforcement: one agent operation described
// by four semantic slots. Events are constructed by the transport layer
// and never mutated after encoding.
type IntentEvent struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id,omitempty"`
	TS       float64  `json:"ts"` // unix seconds
	Op       string   `json:"op"`
	T        string   `json:"t"` // free-text tool/action label
	Identity Identity `json:"identity"`

	Action   ActionSlot   `json:"action"`
	Resource ResourceSlot `json:"resource"`
	Data     DataSlot     `json:"data"`
	Risk     RiskSlot     `json:"risk"`
}

// Identity carries the caller's agent binding. AgentID may be empty,
// in which case the event is enforced without session state.
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

// Validate checks the fields the enforcement pipeline depends on. The
// event id doubles as the call-log key, so it must be present.
func (e *IntentEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("intent event: id is required")
	}
	if e.Action.Verb == "" {
		return fmt.Errorf("intent event: action.verb is required")
	}
	return nil
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

// Decision names returned by the decision service. An unrecognized
// numeric code without a name maps to DecisionDeny.
const (
	DecisionAllow  = "ALLOW"
	DecisionDeny   = "DENY"
	DecisionModify = "MODIFY"
	DecisionStepUp = "STEP_UP"
	DecisionDefer  = "DEFER"
)
