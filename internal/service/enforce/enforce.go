// Package enforce runs the per-request enforcement pipeline: encode the
// intent, establish the session baseline, fold drift, obtain the remote
// decision and persist the audit trail.
//
// Session and call-log writes are fail-soft: a broken store degrades
// observability but never blocks a decision. Encoding and RPC failures
// reach the caller.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fencio-dev/prism/internal/dataplane"
	"github.com/fencio-dev/prism/internal/model"
	"github.com/fencio-dev/prism/internal/storage"
	"github.com/fencio-dev/prism/internal/telemetry"
)

// IntentEncoder produces the 128-dim intent vector for an event.
type IntentEncoder interface {
	EncodeIntent(ctx context.Context, ev *model.IntentEvent) ([]float32, error)
}

// SessionStore is the durable session and call-log surface the pipeline
// writes through. All methods tolerate empty agent ids.
type SessionStore interface {
	WriteCall(ctx context.Context, agentID, requestID, action, decision string) error
	InitializeSessionVector(ctx context.Context, agentID string, vec []float32) error
	ComputeAndUpdateDrift(ctx context.Context, agentID string, vec []float32) (float64, error)
	UpdateCallDecision(ctx context.Context, agentID, requestID, decision string) error
	InsertCall(ctx context.Context, call storage.EnforceCall) error
}

// Decider is the remote decision boundary.
type Decider interface {
	Enforce(ctx context.Context, ev *model.IntentEvent, vec []float32, requestID string, drift float64) (*dataplane.EnforceResult, error)
}

// Service orchestrates one enforcement call end to end.
type Service struct {
	encoder IntentEncoder
	store   SessionStore
	decider Decider
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates the enforcement service. metrics may be nil.
func New(encoder IntentEncoder, store SessionStore, decider Decider, logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		encoder: encoder,
		store:   store,
		decider: decider,
		logger:  logger,
		metrics: metrics,
	}
}

// Enforce runs the pipeline for one intent event. The step order is a
// contract: the pending history entry is written before the baseline so
// the session row exists, and the baseline before drift so an agent's
// first call scores zero drift against itself.
func (s *Service) Enforce(ctx context.Context, ev *model.IntentEvent, dryRun bool) (*model.EnforcementResponse, error) {
	requestID := uuid.New().String()
	agentID := ev.Identity.AgentID

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("prism.request_id", requestID),
		attribute.String("prism.agent_id", agentID),
		attribute.String("prism.op", ev.Op),
	)

	encodeStart := time.Now()
	vec, err := s.encoder.EncodeIntent(ctx, ev)
	if s.metrics != nil {
		s.metrics.EncodeLatency.Record(ctx, float64(time.Since(encodeStart).Microseconds())/1000.0)
	}
	if err != nil {
		return nil, fmt.Errorf("enforce: %w", err)
	}

	s.softFail("write call", agentID, requestID,
		s.store.WriteCall(ctx, agentID, requestID, ev.Op, "pending"))
	s.softFail("initialize baseline", agentID, requestID,
		s.store.InitializeSessionVector(ctx, agentID, vec))

	drift, err := s.store.ComputeAndUpdateDrift(ctx, agentID, vec)
	if err != nil {
		s.softFail("compute drift", agentID, requestID, err)
		drift = 0
	}

	result, err := s.decider.Enforce(ctx, ev, vec, requestID, drift)
	if err != nil {
		return nil, fmt.Errorf("enforce: %w", err)
	}
	decision := result.DecisionName()

	s.softFail("update call decision", agentID, requestID,
		s.store.UpdateCallDecision(ctx, agentID, requestID, decision))
	s.softFail("insert call", agentID, requestID,
		s.store.InsertCall(ctx, s.buildCall(ev, result, decision, drift, dryRun)))

	if s.metrics != nil {
		s.metrics.Enforcements.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
		s.metrics.Drift.Record(ctx, drift)
	}

	return &model.EnforcementResponse{
		Decision:          decision,
		ModifiedParams:    result.ModifiedParams,
		DriftScore:        drift,
		DriftTriggered:    result.DriftTriggered,
		SliceSimilarities: result.SliceSimilarities,
		Evidence:          result.Evidence,
	}, nil
}

// buildCall assembles the durable call-log row. The event id doubles as
// the call id, so replays of the same event converge to one row.
func (s *Service) buildCall(ev *model.IntentEvent, result *dataplane.EnforceResult, decision string, drift float64, dryRun bool) storage.EnforceCall {
	tsMillis := time.Now().UnixMilli()
	if ev.TS > 0 {
		tsMillis = int64(ev.TS * 1000)
	}

	resultJSON, err := json.Marshal(map[string]any{
		"decision":           result.Decision,
		"decision_name":      decision,
		"modified_params":    result.ModifiedParams,
		"drift_score":        drift,
		"drift_triggered":    result.DriftTriggered,
		"slice_similarities": result.SliceSimilarities,
		"evidence":           result.Evidence,
	})
	if err != nil {
		s.logger.Error("enforce: marshal enforcement result", "call_id", ev.ID, "error", err)
		resultJSON = nil
	}
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("enforce: marshal intent event", "call_id", ev.ID, "error", err)
		eventJSON = nil
	}

	return storage.EnforceCall{
		CallID:            ev.ID,
		AgentID:           ev.Identity.AgentID,
		TSMillis:          tsMillis,
		Decision:          decision,
		Op:                ev.Op,
		T:                 ev.T,
		EnforcementResult: resultJSON,
		IntentEvent:       eventJSON,
		IsDryRun:          dryRun,
	}
}

// softFail logs a store failure and swallows it.
func (s *Service) softFail(op, agentID, requestID string, err error) {
	if err == nil {
		return
	}
	s.logger.Error("enforce: store operation failed, continuing",
		"op", op, "agent_id", agentID, "request_id", requestID, "error", err)
}
