package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fencio-dev/prism/internal/ctxutil"
	"github.com/fencio-dev/prism/internal/dataplane"
	"github.com/fencio-dev/prism/internal/encoder"
	"github.com/fencio-dev/prism/internal/model"
	"github.com/fencio-dev/prism/internal/service/policies"
	"github.com/fencio-dev/prism/internal/storage"
)

// Enforcer runs the enforcement pipeline for one intent event.
type Enforcer interface {
	Enforce(ctx context.Context, ev *model.IntentEvent, dryRun bool) (*model.EnforcementResponse, error)
}

// PolicyService is the policy write/read surface.
type PolicyService interface {
	Create(ctx context.Context, p *model.PolicyBoundary) error
	Update(ctx context.Context, p *model.PolicyBoundary) error
	Get(ctx context.Context, tenantID, policyID string) (*model.PolicyBoundary, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]*model.PolicyBoundary, int, error)
	Delete(ctx context.Context, tenantID, policyID string) error
	Clear(ctx context.Context, tenantID string) (policies.ClearResult, error)
}

// RemoteTelemetry is the pass-through view over the decision service's
// own session store.
type RemoteTelemetry interface {
	QuerySessions(ctx context.Context, tenantID string, limit, offset int) (map[string]any, error)
	GetSession(ctx context.Context, agentID string) (map[string]any, error)
}

// IndexHealth reports vector-index reachability for /health.
type IndexHealth interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	enforcer            Enforcer
	policySvc           PolicyService
	remote              RemoteTelemetry
	index               IndexHealth
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Remote, Index.
type HandlersDeps struct {
	DB                  *storage.DB
	Enforcer            Enforcer
	PolicySvc           PolicyService
	Remote              RemoteTelemetry
	Index               IndexHealth
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		enforcer:            d.Enforcer,
		policySvc:           d.PolicySvc,
		remote:              d.Remote,
		index:               d.Index,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// writeServiceError maps service and store errors to the HTTP taxonomy.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "already exists")
	case errors.Is(err, encoder.ErrEncoderUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeEncoderUnavailable, "intent encoder unavailable")
	case errors.Is(err, dataplane.ErrUnavailable), errors.Is(err, policies.ErrRemoteRefused):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeBadGateway, "decision service unavailable")
	case errors.Is(err, policies.ErrUpdateIncomplete):
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeUpdateIncomplete, "policy row updated but anchors were not; retry the update")
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// handleDecodeError maps body-decoding failures to 400/413.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}

// HandleEnforce handles POST /api/v2/enforce.
func (h *Handlers) HandleEnforce(w http.ResponseWriter, r *http.Request) {
	var ev model.IntentEvent
	if err := decodeJSON(w, r, &ev, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ev.TenantID = ctxutil.TenantFromContext(r.Context())
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	resp, err := h.enforcer.Enforce(r.Context(), &ev, dryRun)
	if err != nil {
		h.logger.Error("enforce failed", "call_id", ev.ID, "error", err)
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCreatePolicy handles POST /policies.
func (h *Handlers) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p model.PolicyBoundary
	if err := decodeJSON(w, r, &p, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	p.TenantID = ctxutil.TenantFromContext(r.Context())
	if err := p.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.policySvc.Create(r.Context(), &p); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, &p)
}

// HandleListPolicies handles GET /policies.
func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	tenant := ctxutil.TenantFromContext(r.Context())

	items, total, err := h.policySvc.List(r.Context(), tenant, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*model.PolicyBoundary{}
	}
	writeList(w, r, items, total, limit, offset)
}

// HandleGetPolicy handles GET /policies/{id}.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policySvc.Get(r.Context(), ctxutil.TenantFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleUpdatePolicy handles PUT /policies/{id}.
func (h *Handlers) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p model.PolicyBoundary
	if err := decodeJSON(w, r, &p, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if id := r.PathValue("id"); p.ID != id {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("body id %q does not match path id %q", p.ID, id))
		return
	}
	p.TenantID = ctxutil.TenantFromContext(r.Context())
	if err := p.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.policySvc.Update(r.Context(), &p); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, &p)
}

// HandleDeletePolicy handles DELETE /policies/{id}.
func (h *Handlers) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.policySvc.Delete(r.Context(), ctxutil.TenantFromContext(r.Context()), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.PolicyDeleteResponse{ID: id, Deleted: true})
}

// HandleClearPolicies handles DELETE /policies (tenant-wide clear).
func (h *Handlers) HandleClearPolicies(w http.ResponseWriter, r *http.Request) {
	tenant := ctxutil.TenantFromContext(r.Context())
	res, err := h.policySvc.Clear(r.Context(), tenant)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.PolicyClearResponse{
		PoliciesDeleted: res.PoliciesDeleted,
		RulesRemoved:    res.RulesRemoved,
		Message: fmt.Sprintf("cleared tenant %s: %d policies deleted, %d rules removed",
			tenant, res.PoliciesDeleted, res.RulesRemoved),
	})
}

// HandleListSessions handles GET /telemetry/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	decision := r.URL.Query().Get("decision")

	sessions, total, err := h.db.ListSessions(r.Context(), limit, offset, decision)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.SessionSummary{}
	}
	writeList(w, r, sessions, total, limit, offset)
}

// HandleGetSession handles GET /telemetry/sessions/{agent_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.db.GetSession(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleListCalls handles GET /telemetry/calls.
func (h *Handlers) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	agentID := r.URL.Query().Get("agent_id")

	calls, total, err := h.db.ListCalls(r.Context(), agentID, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if calls == nil {
		calls = []model.CallSummary{}
	}
	writeList(w, r, calls, total, limit, offset)
}

// HandleGetCall handles GET /telemetry/calls/{id}.
func (h *Handlers) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	detail, err := h.db.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleDeleteCalls handles DELETE /telemetry/calls.
func (h *Handlers) HandleDeleteCalls(w http.ResponseWriter, r *http.Request) {
	n, err := h.db.DeleteCalls(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.CallsDeletedResponse{Deleted: n})
}

// HandleRemoteSessions handles GET /telemetry/remote/sessions, a
// pass-through over the decision service's own session view.
func (h *Handlers) HandleRemoteSessions(w http.ResponseWriter, r *http.Request) {
	if h.remote == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "remote telemetry not configured")
		return
	}
	limit, offset := pagination(r)
	data, err := h.remote.QuerySessions(r.Context(), ctxutil.TenantFromContext(r.Context()), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, data)
}

// HandleRemoteSession handles GET /telemetry/remote/sessions/{agent_id}.
func (h *Handlers) HandleRemoteSession(w http.ResponseWriter, r *http.Request) {
	if h.remote == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "remote telemetry not configured")
		return
	}
	data, err := h.remote.GetSession(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, data)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Store:   "ok",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unavailable"
	}
	if h.index != nil {
		resp.Qdrant = "ok"
		if err := h.index.Healthy(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Qdrant = "unavailable"
		}
	}
	if h.remote != nil {
		resp.DataPlane = "configured"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// pagination reads limit/offset query params with the store's caps.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 200)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
