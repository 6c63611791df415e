package model

import "fmt"

// PolicyBoundary is a versioned policy record. Rows are keyed by
// (tenant_id, id); timestamps are unix seconds to match the stored
// REAL columns.
type PolicyBoundary struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Name          string          `json:"name"`
	Status        string          `json:"status"`
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schema_version"`
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

// ConstraintGroup mirrors the four intent slots. Each member lists the
// canonical tokens the policy accepts for that slot.
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

// Validate checks structural invariants of a policy write.
func (p *PolicyBoundary) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy: id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	if p.Scope.TenantID != "" && p.TenantID != "" && p.Scope.TenantID != p.TenantID {
		return fmt.Errorf("policy: scope.tenantId %q does not match tenant %q", p.Scope.TenantID, p.TenantID)
	}
	return nil
}

// LayerTokens enumerates the canonical tokens of one constraint group
// as slot-text strings, in the fixed field order the encoder relies on.
// The key/value phrasing matches the intent slot composition so policy
// anchors and intent vectors live in the same embedding distribution.
func (p *PolicyBoundary) LayerTokens(layer string) []string {
	var out []string
	switch layer {
	case SlotAction:
		for _, a := range p.Constraints.Action.Actions {
			out = append(out, "action is "+a)
		}
		for _, t := range p.Constraints.Action.ActorTypes {
			out = append(out, "actor_type is "+t)
		}
	case SlotResource:
		for _, t := range p.Constraints.Resource.Types {
			out = append(out, "resource_type is "+t)
		}
		for _, l := range p.Constraints.Resource.Locations {
			out = append(out, "resource_location is "+l)
		}
		for _, n := range p.Constraints.Resource.Names {
			out = append(out, "resource_name is "+n)
		}
	case SlotData:
		for _, s := range p.Constraints.Data.Sensitivity {
			out = append(out, "sensitivity is "+s)
		}
		if p.Constraints.Data.PII != nil {
			out = append(out, fmt.Sprintf("pii is %t", *p.Constraints.Data.PII))
		}
		if p.Constraints.Data.Volume != "" {
			out = append(out, "volume is "+p.Constraints.Data.Volume)
		}
	case SlotRisk:
		if p.Constraints.Risk.Authn != "" {
			out = append(out, "authn is "+p.Constraints.Risk.Authn)
		}
		if p.Constraints.Risk.Authz != "" {
			out = append(out, "authz is "+p.Constraints.Risk.Authz)
		}
	}
	return out
}
