package dataplane

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fencio-dev/prism/internal/model"
	"github.com/fencio-dev/prism/internal/testutil"
)

type structHandler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func makeMethod(name string, fn structHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := &structpb.Struct{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return fn(ctx, req)
		},
	}
}

// startFakeDataPlane serves the decision-service methods over bufconn
// and returns a connected Client.
func startFakeDataPlane(t *testing.T, handlers map[string]structHandler) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	methods := make([]grpc.MethodDesc, 0, len(handlers))
	for name, fn := range handlers {
		methods = append(methods, makeMethod(name, fn))
	}
	desc := grpc.ServiceDesc{
		ServiceName: "prism.v2.DataPlane",
		HandlerType: (*any)(nil),
		Methods:     methods,
	}

	srv := grpc.NewServer()
	srv.RegisterService(&desc, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := New("localhost:0", testutil.TestLogger(),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnforceRoundTrip(t *testing.T) {
	var gotReq *structpb.Struct
	client := startFakeDataPlane(t, map[string]structHandler{
		"Enforce": func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			gotReq = req
			return structpb.NewStruct(map[string]any{
				"decision":        1,
				"drift_triggered": true,
				"slice_similarities": map[string]any{
					"action": 0.91,
				},
				"evidence": map[string]any{"matched": "pol-1"},
			})
		},
	})

	ev := &model.IntentEvent{
		ID:       "evt-1",
		TenantID: "acme",
		Op:       "tool.call",
		Identity: model.Identity{AgentID: "agent-1"},
		Action:   model.ActionSlot{Verb: "read", ActorType: "agent"},
	}
	vec := make([]float32, model.IntentDim)
	vec[0] = 1

	res, err := client.Enforce(context.Background(), ev, vec, "req-1", 0.25)
	require.NoError(t, err)

	assert.Equal(t, model.DecisionAllow, res.DecisionName())
	assert.True(t, res.DriftTriggered)
	assert.InDelta(t, 0.91, res.SliceSimilarities["action"], 1e-9)
	assert.Equal(t, "pol-1", res.Evidence["matched"])

	req := gotReq.AsMap()
	assert.Equal(t, "req-1", req["request_id"])
	assert.Equal(t, "agent-1", req["agent_id"])
	assert.InDelta(t, 0.25, req["drift"].(float64), 1e-9)
	assert.Len(t, req["vector"].([]any), model.IntentDim)
	event := req["event"].(map[string]any)
	assert.Equal(t, "evt-1", event["id"])
	assert.Equal(t, "read", event["action"].(map[string]any)["verb"])
}

func TestDecisionNameMapping(t *testing.T) {
	tests := []struct {
		name   string
		result EnforceResult
		want   string
	}{
		{"named decision wins", EnforceResult{Decision: 0, DecisionNamed: "STEP_UP"}, model.DecisionStepUp},
		{"code 1 allows", EnforceResult{Decision: 1}, model.DecisionAllow},
		{"code 0 denies", EnforceResult{Decision: 0}, model.DecisionDeny},
		{"unknown code denies", EnforceResult{Decision: 7}, model.DecisionDeny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.DecisionName())
		})
	}
}

func TestRemovePolicy(t *testing.T) {
	client := startFakeDataPlane(t, map[string]structHandler{
		"RemovePolicy": func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			m := req.AsMap()
			ok := m["policy_id"] == "pol-1"
			return structpb.NewStruct(map[string]any{"success": ok})
		},
	})

	ok, err := client.RemovePolicy(context.Background(), "acme", "pol-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.RemovePolicy(context.Background(), "acme", "pol-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveAgentRules(t *testing.T) {
	client := startFakeDataPlane(t, map[string]structHandler{
		"RemoveAgentRules": func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]any{"rules_removed": 7})
		},
	})

	n, err := client.RemoveAgentRules(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	client, err := New("localhost:1", testutil.TestLogger())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.RemovePolicy(ctx, "acme", "pol-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("localhost:50051"))
	assert.True(t, isLoopback("127.0.0.1:50051"))
	assert.True(t, isLoopback("[::1]:50051"))
	assert.False(t, isLoopback("dataplane.internal:50051"))
	assert.False(t, isLoopback("10.0.0.5:50051"))
}
