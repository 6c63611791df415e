package encoder

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencio-dev/prism/internal/model"
	"github.com/fencio-dev/prism/internal/service/embedding"
)

// hashProvider returns a deterministic pseudo-random embedding per
// text, so distinct texts produce distinct directions.
type hashProvider struct {
	dims  int
	mu    sync.Mutex
	calls int
	fail  bool
}

func (p *hashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	fail := p.fail
	p.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("backend down")
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64()))) //nolint:gosec
	vec := make([]float32, p.dims)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return vec, nil
}

func (p *hashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *hashProvider) Dimensions() int { return p.dims }

func (p *hashProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testEvent() *model.IntentEvent {
	return &model.IntentEvent{
		ID: "evt-1",
		Op: "tool.call",
		T:  "db.query",
		Action: model.ActionSlot{
			Verb:      "read",
			ActorType: "agent",
		},
		Resource: model.ResourceSlot{
			Type:     "database",
			Location: "cloud",
		},
		Data: model.DataSlot{
			Sensitivity: []string{"internal"},
			PII:         false,
			Volume:      "single",
		},
		Risk: model.RiskSlot{
			Authn: "required",
		},
	}
}

func TestProjectionProperties(t *testing.T) {
	for _, slot := range model.Slots {
		t.Run(slot, func(t *testing.T) {
			seed := model.SlotSeed(slot)
			p := newProjection(slot, model.EmbeddingDim, model.SlotDim, seed)
			require.Len(t, p.rows, model.SlotDim)
			for _, row := range p.rows {
				require.Len(t, row, model.EmbeddingDim)
			}

			zf := p.zeroFraction()
			assert.GreaterOrEqual(t, zf, 0.60, "zero fraction too low")
			assert.LessOrEqual(t, zf, 0.70, "zero fraction too high")

			// Same seed regenerates the identical matrix.
			q := newProjection(slot, model.EmbeddingDim, model.SlotDim, seed)
			assert.Equal(t, p.rows, q.rows)
		})
	}

	t.Run("slots differ", func(t *testing.T) {
		a := newProjection(model.SlotAction, model.EmbeddingDim, model.SlotDim, model.SlotSeed(model.SlotAction))
		r := newProjection(model.SlotResource, model.EmbeddingDim, model.SlotDim, model.SlotSeed(model.SlotResource))
		assert.NotEqual(t, a.rows, r.rows)
	})
}

func TestEncodeSlotUnitNorm(t *testing.T) {
	enc := New(&hashProvider{dims: model.EmbeddingDim}, testLogger())

	for _, slot := range model.Slots {
		vec, err := enc.EncodeSlot(context.Background(), "action is read | actor_type is agent", slot)
		require.NoError(t, err)
		require.Len(t, vec, model.SlotDim)

		var sum float64
		for _, v := range vec {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6, "slot %s not unit norm", slot)
	}
}

func TestEncodeSlotZeroPassthrough(t *testing.T) {
	enc := New(embedding.NewNoopProvider(model.EmbeddingDim), testLogger())

	vec, err := enc.EncodeSlot(context.Background(), "anything", model.SlotAction)
	require.NoError(t, err)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestEncodeIntentDeterminism(t *testing.T) {
	enc := New(&hashProvider{dims: model.EmbeddingDim}, testLogger())
	ev := testEvent()

	v1, err := enc.EncodeIntent(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, v1, model.IntentDim)

	v2, err := enc.EncodeIntent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	// A fresh encoder over the same provider agrees bit-for-bit.
	enc2 := New(&hashProvider{dims: model.EmbeddingDim}, testLogger())
	v3, err := enc2.EncodeIntent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, v1, v3)
}

func TestEncodeIntentDivergentActions(t *testing.T) {
	enc := New(&hashProvider{dims: model.EmbeddingDim}, testLogger())

	readEv := testEvent()
	deleteEv := testEvent()
	deleteEv.Action.Verb = "delete"

	v1, err := enc.EncodeIntent(context.Background(), readEv)
	require.NoError(t, err)
	v2, err := enc.EncodeIntent(context.Background(), deleteEv)
	require.NoError(t, err)

	// Action slot differs, the other three are identical.
	assert.NotEqual(t, v1[:model.SlotDim], v2[:model.SlotDim])
	assert.Equal(t, v1[model.SlotDim:], v2[model.SlotDim:])
}

func TestSlotText(t *testing.T) {
	tests := []struct {
		name string
		ev   *model.IntentEvent
		slot string
		want string
	}{
		{
			name: "action basic",
			ev:   testEvent(),
			slot: model.SlotAction,
			want: "action is read | actor_type is agent",
		},
		{
			name: "action with tool",
			ev: &model.IntentEvent{Action: model.ActionSlot{
				Verb: "write", ActorType: "agent", ToolName: "sql_exec",
			}},
			slot: model.SlotAction,
			want: "action is write | actor_type is agent | tool_name is sql_exec",
		},
		{
			name: "resource basic",
			ev:   testEvent(),
			slot: model.SlotResource,
			want: "resource_type is database | resource_location is cloud",
		},
		{
			name: "data basic",
			ev:   testEvent(),
			slot: model.SlotData,
			want: "sensitivity is internal | pii is false | volume is single",
		},
		{
			name: "risk with missing authz",
			ev:   testEvent(),
			slot: model.SlotRisk,
			want: "authn is required | authz is unknown",
		},
		{
			name: "empty event falls back to unknown",
			ev:   &model.IntentEvent{},
			slot: model.SlotAction,
			want: "action is unknown | actor_type is unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SlotText(tt.ev, tt.slot))
		})
	}
}

func TestEncodePolicy(t *testing.T) {
	enc := New(&hashProvider{dims: model.EmbeddingDim}, testLogger())

	pii := false
	p := &model.PolicyBoundary{
		ID:       "pol-1",
		TenantID: "acme",
		Name:     "read only",
		Constraints: model.ConstraintGroup{
			Action:   model.ActionConstraints{Actions: []string{"read", "list"}, ActorTypes: []string{"agent"}},
			Resource: model.ResourceConstraints{Types: []string{"database"}},
			Data:     model.DataConstraints{Sensitivity: []string{"internal"}, PII: &pii},
			Risk:     model.RiskConstraints{Authn: "required"},
		},
	}

	rv, err := enc.EncodePolicy(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, 3, rv.Counts[model.SlotAction])
	assert.Equal(t, 1, rv.Counts[model.SlotResource])
	assert.Equal(t, 2, rv.Counts[model.SlotData])
	assert.Equal(t, 1, rv.Counts[model.SlotRisk])

	for _, layer := range model.Slots {
		require.Len(t, rv.Layers[layer], model.MaxAnchors*model.SlotDim)

		// Real anchors are unit norm, padding rows are all zero.
		for i := range model.MaxAnchors {
			anchor := rv.Anchor(layer, i)
			var sum float64
			for _, v := range anchor {
				sum += float64(v) * float64(v)
			}
			if i < rv.Counts[layer] {
				assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
			} else {
				assert.Zero(t, sum)
			}
		}
	}
}

func TestEncodePolicyTruncatesAnchors(t *testing.T) {
	enc := New(&hashProvider{dims: model.EmbeddingDim}, testLogger())

	p := &model.PolicyBoundary{ID: "pol-wide", Name: "wide"}
	for i := range 20 {
		p.Constraints.Action.Actions = append(p.Constraints.Action.Actions, fmt.Sprintf("verb-%d", i))
	}

	rv, err := enc.EncodePolicy(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.MaxAnchors, rv.Counts[model.SlotAction])
}

func TestEmbedCache(t *testing.T) {
	t.Run("hit avoids backend", func(t *testing.T) {
		p := &hashProvider{dims: model.EmbeddingDim}
		enc := New(p, testLogger())

		_, err := enc.EncodeSlot(context.Background(), "same text", model.SlotAction)
		require.NoError(t, err)
		before := p.callCount()

		_, err = enc.EncodeSlot(context.Background(), "same text", model.SlotResource)
		require.NoError(t, err)
		assert.Equal(t, before, p.callCount(), "second slot should reuse the cached embedding")
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		p := &hashProvider{dims: model.EmbeddingDim}
		enc := New(p, testLogger(), WithCacheSize(2))

		for _, text := range []string{"a", "b", "c"} {
			_, err := enc.EncodeSlot(context.Background(), text, model.SlotAction)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, enc.CacheLen())

		// "a" was evicted; re-encoding it hits the backend again.
		before := p.callCount()
		_, err := enc.EncodeSlot(context.Background(), "a", model.SlotAction)
		require.NoError(t, err)
		assert.Equal(t, before+1, p.callCount())
	})

	t.Run("errors surface and are not cached", func(t *testing.T) {
		p := &hashProvider{dims: model.EmbeddingDim, fail: true}
		enc := New(p, testLogger())

		_, err := enc.EncodeSlot(context.Background(), "text", model.SlotAction)
		require.ErrorIs(t, err, ErrEncoderUnavailable)

		p.mu.Lock()
		p.fail = false
		p.mu.Unlock()

		vec, err := enc.EncodeSlot(context.Background(), "text", model.SlotAction)
		require.NoError(t, err)
		assert.Len(t, vec, model.SlotDim)
	})
}
