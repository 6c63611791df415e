// Package dataplane is the RPC client boundary to the decision service.
//
// The wire contract is schema-light: requests and responses are
// structpb documents on fixed method names, so the client needs no
// generated stubs and tolerates additive fields from newer decision
// services.
package dataplane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fencio-dev/prism/internal/model"
)

// ErrUnavailable is returned for transport-level failures; the HTTP
// layer maps it to BAD_GATEWAY.
var ErrUnavailable = errors.New("dataplane: decision service unavailable")

// defaultTimeout is the hard per-RPC deadline when the caller's context
// carries none.
const defaultTimeout = 5 * time.Second

const (
	methodEnforce          = "/prism.v2.DataPlane/Enforce"
	methodRemovePolicy     = "/prism.v2.DataPlane/RemovePolicy"
	methodRemoveAgentRules = "/prism.v2.DataPlane/RemoveAgentRules"
	methodQuerySessions    = "/prism.v2.DataPlane/QuerySessions"
	methodGetSession       = "/prism.v2.DataPlane/GetSession"
)

// Client wraps one process-wide, lazily-connecting gRPC channel.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// New dials the decision service. Loopback targets use plaintext,
// anything else uses TLS. The underlying channel connects lazily on
// first use.
func New(target string, logger *slog.Logger, extra ...grpc.DialOption) (*Client, error) {
	opts := make([]grpc.DialOption, 0, 1+len(extra))
	if isLoopback(target) {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dataplane: dial %s: %w", target, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// isLoopback reports whether target points at the local host.
func isLoopback(target string) bool {
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// EnforceResult is the decision service's verdict for one intent event.
type EnforceResult struct {
	Decision          int
	DecisionNamed     string
	ModifiedParams    map[string]any
	DriftTriggered    bool
	SliceSimilarities map[string]float64
	Evidence          map[string]any
}

// DecisionName resolves the final decision string: the remote's named
// decision wins; otherwise code 1 maps to ALLOW and everything else to
// DENY.
func (r *EnforceResult) DecisionName() string {
	if r.DecisionNamed != "" {
		return r.DecisionNamed
	}
	if r.Decision == 1 {
		return model.DecisionAllow
	}
	return model.DecisionDeny
}

// Enforce submits an encoded intent event for a decision. The vector
// crosses the wire as a flat 128-element number list.
func (c *Client) Enforce(ctx context.Context, ev *model.IntentEvent, vec []float32, requestID string, drift float64) (*EnforceResult, error) {
	eventDoc, err := eventToStruct(ev)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{
		"request_id": requestID,
		"agent_id":   ev.Identity.AgentID,
		"tenant_id":  ev.TenantID,
		"drift":      drift,
		"vector":     floatsToAny(vec),
	})
	if err != nil {
		return nil, fmt.Errorf("dataplane: build enforce request: %w", err)
	}
	req.Fields["event"] = structpb.NewStructValue(eventDoc)

	resp, err := c.invoke(ctx, methodEnforce, req)
	if err != nil {
		return nil, err
	}
	return parseEnforceResult(resp.AsMap()), nil
}

// RemovePolicy asks the decision service to drop one installed policy.
// Returns the remote's success flag.
func (c *Client) RemovePolicy(ctx context.Context, tenantID, policyID string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{
		"tenant_id": tenantID,
		"policy_id": policyID,
	})
	if err != nil {
		return false, fmt.Errorf("dataplane: build remove-policy request: %w", err)
	}
	resp, err := c.invoke(ctx, methodRemovePolicy, req)
	if err != nil {
		return false, err
	}
	m := resp.AsMap()
	success, _ := m["success"].(bool)
	return success, nil
}

// RemoveAgentRules drops every installed rule of a tenant and reports
// how many were removed.
func (c *Client) RemoveAgentRules(ctx context.Context, tenantID string) (int, error) {
	req, err := structpb.NewStruct(map[string]any{"tenant_id": tenantID})
	if err != nil {
		return 0, fmt.Errorf("dataplane: build remove-agent-rules request: %w", err)
	}
	resp, err := c.invoke(ctx, methodRemoveAgentRules, req)
	if err != nil {
		return 0, err
	}
	m := resp.AsMap()
	if n, ok := m["rules_removed"].(float64); ok {
		return int(n), nil
	}
	return 0, nil
}

// QuerySessions is a pass-through over the decision service's session
// telemetry.
func (c *Client) QuerySessions(ctx context.Context, tenantID string, limit, offset int) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{
		"tenant_id": tenantID,
		"limit":     limit,
		"offset":    offset,
	})
	if err != nil {
		return nil, fmt.Errorf("dataplane: build query-sessions request: %w", err)
	}
	resp, err := c.invoke(ctx, methodQuerySessions, req)
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// GetSession is a pass-through over the decision service's per-agent
// session view.
func (c *Client) GetSession(ctx context.Context, agentID string) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, fmt.Errorf("dataplane: build get-session request: %w", err)
	}
	resp, err := c.invoke(ctx, methodGetSession, req)
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// Close tears down the channel.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		if st, ok := status.FromError(err); ok {
			c.logger.Warn("dataplane: rpc failed", "method", method, "code", st.Code().String(), "error", err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, method, err)
	}
	return resp, nil
}

func eventToStruct(ev *model.IntentEvent) (*structpb.Struct, error) {
	slots := SlotFields(ev)
	doc, err := structpb.NewStruct(map[string]any{
		"id":        ev.ID,
		"tenant_id": ev.TenantID,
		"ts":        ev.TS,
		"op":        ev.Op,
		"t":         ev.T,
		"agent_id":  ev.Identity.AgentID,
		"action":    slots["action"],
		"resource":  slots["resource"],
		"data":      slots["data"],
		"risk":      slots["risk"],
	})
	if err != nil {
		return nil, fmt.Errorf("dataplane: encode event: %w", err)
	}
	return doc, nil
}

// SlotFields flattens the event's four slots into plain maps for the
// wire document.
func SlotFields(ev *model.IntentEvent) map[string]map[string]any {
	return map[string]map[string]any{
		"action": {
			"verb":       ev.Action.Verb,
			"actor_type": ev.Action.ActorType,
			"tool_name":  ev.Action.ToolName,
		},
		"resource": {
			"type":     ev.Resource.Type,
			"name":     ev.Resource.Name,
			"location": ev.Resource.Location,
		},
		"data": {
			"sensitivity": stringsToAny(ev.Data.Sensitivity),
			"pii":         ev.Data.PII,
			"volume":      ev.Data.Volume,
		},
		"risk": {
			"authn": ev.Risk.Authn,
			"authz": ev.Risk.Authz,
		},
	}
}

func parseEnforceResult(m map[string]any) *EnforceResult {
	res := &EnforceResult{
		ModifiedParams:    map[string]any{},
		SliceSimilarities: map[string]float64{},
		Evidence:          map[string]any{},
	}
	if v, ok := m["decision"].(float64); ok {
		res.Decision = int(v)
	}
	if v, ok := m["decision_name"].(string); ok {
		res.DecisionNamed = v
	}
	if v, ok := m["modified_params"].(map[string]any); ok {
		res.ModifiedParams = v
	}
	if v, ok := m["drift_triggered"].(bool); ok {
		res.DriftTriggered = v
	}
	if v, ok := m["slice_similarities"].(map[string]any); ok {
		for k, raw := range v {
			if f, ok := raw.(float64); ok {
				res.SliceSimilarities[k] = f
			}
		}
	}
	if v, ok := m["evidence"].(map[string]any); ok {
		res.Evidence = v
	}
	return res
}

func floatsToAny(vals []float32) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out
}

func stringsToAny(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
