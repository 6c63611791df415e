// Package prism is a Go client for the prism enforcement API.
//
// A Client authenticates either with a tenant JWT or with an operator
// API key plus an explicit tenant:
//
//	c, err := prism.NewClient(prism.Config{
//	    BaseURL: "http://localhost:8080",
//	    Token:   os.Getenv("PRISM_TOKEN"),
//	})
package prism

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the prism server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a tenant JWT sent as a bearer token. Takes priority over
	// APIKey when both are set.
	Token string

	// APIKey is an operator key sent in X-API-Key. Requires TenantID.
	APIKey string

	// TenantID names the tenant to act on when authenticating with APIKey.
	TenantID string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the prism enforcement API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	token    string
	apiKey   string
	tenantID string
	client   *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("prism: BaseURL is required")
	}
	if cfg.Token == "" && cfg.APIKey == "" {
		return nil, fmt.Errorf("prism: either Token or APIKey is required")
	}
	if cfg.Token == "" && cfg.TenantID == "" {
		return nil, fmt.Errorf("prism: TenantID is required with APIKey auth")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		apiKey:   cfg.APIKey,
		tenantID: cfg.TenantID,
		client:   httpClient,
	}, nil
}

// EnforceOptions are optional settings for Enforce.
type EnforceOptions struct {
	// DryRun evaluates the event without counting it against drift
	// thresholds on the decision service.
	DryRun bool
}

// Enforce submits an intent event and returns the enforcement decision.
// A missing event ID is filled with a random UUID; a zero timestamp is
// filled with the current time.
func (c *Client) Enforce(ctx context.Context, ev IntentEvent, opts *EnforceOptions) (*EnforcementResponse, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.TS == 0 {
		ev.TS = float64(now().UnixNano()) / 1e9
	}

	path := "/api/v2/enforce"
	if opts != nil && opts.DryRun {
		path += "?dry_run=true"
	}

	var resp EnforcementResponse
	if err := c.do(ctx, http.MethodPost, path, ev, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreatePolicy registers a new policy boundary.
func (c *Client) CreatePolicy(ctx context.Context, p Policy) (*Policy, error) {
	var resp Policy
	if err := c.do(ctx, http.MethodPost, "/policies", p, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdatePolicy replaces an existing policy boundary.
func (c *Client) UpdatePolicy(ctx context.Context, p Policy) (*Policy, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("prism: policy ID is required")
	}
	var resp Policy
	if err := c.do(ctx, http.MethodPut, "/policies/"+url.PathEscape(p.ID), p, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPolicy retrieves one policy by ID.
func (c *Client) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var resp Policy
	if err := c.do(ctx, http.MethodGet, "/policies/"+url.PathEscape(id), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPolicies retrieves policies with pagination.
func (c *Client) ListPolicies(ctx context.Context, limit, offset int) ([]Policy, *Page, error) {
	var resp []Policy
	page, err := c.list(ctx, "/policies", limit, offset, nil, &resp)
	if err != nil {
		return nil, nil, err
	}
	return resp, page, nil
}

// DeletePolicy removes one policy by ID.
func (c *Client) DeletePolicy(ctx context.Context, id string) (*PolicyDeleteResult, error) {
	var resp PolicyDeleteResult
	if err := c.do(ctx, http.MethodDelete, "/policies/"+url.PathEscape(id), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearPolicies removes every policy and installed rule for the tenant.
func (c *Client) ClearPolicies(ctx context.Context) (*PolicyClearResult, error) {
	var resp PolicyClearResult
	if err := c.do(ctx, http.MethodDelete, "/policies", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionFilters are optional filters for ListSessions.
type SessionFilters struct {
	// Decision keeps only sessions whose last decision matches.
	Decision string
}

// ListSessions retrieves drift sessions with pagination.
func (c *Client) ListSessions(ctx context.Context, filters *SessionFilters, limit, offset int) ([]SessionSummary, *Page, error) {
	params := url.Values{}
	if filters != nil && filters.Decision != "" {
		params.Set("decision", filters.Decision)
	}
	var resp []SessionSummary
	page, err := c.list(ctx, "/telemetry/sessions", limit, offset, params, &resp)
	if err != nil {
		return nil, nil, err
	}
	return resp, page, nil
}

// GetSession retrieves one drift session with its action history.
func (c *Client) GetSession(ctx context.Context, agentID string) (*SessionDetail, error) {
	var resp SessionDetail
	if err := c.do(ctx, http.MethodGet, "/telemetry/sessions/"+url.PathEscape(agentID), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CallFilters are optional filters for ListCalls.
type CallFilters struct {
	AgentID string
}

// ListCalls retrieves enforce-call records with pagination.
func (c *Client) ListCalls(ctx context.Context, filters *CallFilters, limit, offset int) ([]CallSummary, *Page, error) {
	params := url.Values{}
	if filters != nil && filters.AgentID != "" {
		params.Set("agent_id", filters.AgentID)
	}
	var resp []CallSummary
	page, err := c.list(ctx, "/telemetry/calls", limit, offset, params, &resp)
	if err != nil {
		return nil, nil, err
	}
	return resp, page, nil
}

// GetCall retrieves one enforce-call record with its stored payloads.
func (c *Client) GetCall(ctx context.Context, callID string) (*CallDetail, error) {
	var resp CallDetail
	if err := c.do(ctx, http.MethodGet, "/telemetry/calls/"+url.PathEscape(callID), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health retrieves the server health report. Works without credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// list performs a GET against a paginated endpoint.
func (c *Client) list(ctx context.Context, path string, limit, offset int, params url.Values, out any) (*Page, error) {
	if params == nil {
		params = url.Values{}
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}

	var page Page
	if err := c.do(ctx, http.MethodGet, path, nil, out, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// do performs one request/response cycle, unwrapping the standard
// envelope and converting error responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any, page *Page) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("prism: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("prism: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("prism: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("prism: read response: %w", err)
	}

	var env envelope
	if out != nil {
		env.Data = out
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("prism: unmarshal response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if page != nil {
		if env.Total != nil {
			page.Total = *env.Total
		}
		page.HasMore = env.HasMore
		page.Limit = env.Limit
		page.Offset = env.Offset
	}
	return nil
}
