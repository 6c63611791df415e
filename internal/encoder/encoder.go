// Package encoder turns intent events and policies into fixed-dimension
// slot vectors.
//
// Free text is embedded by a pluggable provider, cached in a bounded
// LRU, projected per slot through a seeded Achlioptas sparse random
// matrix, and L2-normalized. The projection seeds and the slot text
// composition are protocol: two processes built from this package
// produce identical vectors for identical canonical inputs.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/fencio-dev/prism/internal/model"
	"github.com/fencio-dev/prism/internal/service/embedding"
)

// SemanticEncoder owns the embed cache and the four per-slot projection
// matrices. One instance is shared process-wide; all state is either
// immutable or internally synchronized.
type SemanticEncoder struct {
	cache       *embedCache
	projections map[string]*projection
	logger      *slog.Logger
}

// Option configures a SemanticEncoder.
type Option func(*options)

type options struct {
	cacheSize int
}

// WithCacheSize overrides the embed-cache capacity.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// New builds a SemanticEncoder over the given embedding provider. The
// projection matrices are generated eagerly so first-request latency
// stays flat.
func New(provider embedding.Provider, logger *slog.Logger, opts ...Option) *SemanticEncoder {
	o := options{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	dIn := provider.Dimensions()
	projections := make(map[string]*projection, len(model.Slots))
	for _, slot := range model.Slots {
		projections[slot] = newProjection(slot, dIn, model.SlotDim, model.SlotSeed(slot))
	}

	return &SemanticEncoder{
		cache:       newEmbedCache(provider, o.cacheSize),
		projections: projections,
		logger:      logger,
	}
}

// EncodeSlot embeds text, projects it through the slot's matrix and
// L2-normalizes the result. A zero-norm projection (degenerate empty
// text) passes through unchanged so downstream similarity is zero.
func (e *SemanticEncoder) EncodeSlot(ctx context.Context, text, slot string) ([]float32, error) {
	proj, ok := e.projections[slot]
	if !ok {
		return nil, fmt.Errorf("encoder: unknown slot %q", slot)
	}

	emb, err := e.cache.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	vec := proj.apply(emb)
	normalize(vec)
	return vec, nil
}

// CacheLen reports the embed-cache occupancy, exposed for health and
// test introspection.
func (e *SemanticEncoder) CacheLen() int {
	return e.cache.len()
}

// normalize scales vec to unit L2 norm in place. Zero vectors are left
// untouched.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
