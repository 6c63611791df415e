// Package search maintains the anchor-payload index: one Qdrant
// collection per tenant holding the encoded RuleVector of every
// installed policy, keyed by policy id.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/fencio-dev/prism/internal/model"
)

// Config holds configuration for connecting to Qdrant.
type Config struct {
	URL              string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey           string
	CollectionPrefix string // per-tenant collections are "<prefix>_<tenant>"
}

// pointNamespace derives stable point UUIDs from (tenant, policy) keys,
// so re-upserting a policy always lands on the same point.
var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// AnchorIndex is the vector-index leg of the policy store.
type AnchorIndex struct {
	client *qdrant.Client
	prefix string
	logger *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// New creates an AnchorIndex and connects to the Qdrant server via gRPC.
func New(cfg Config, logger *slog.Logger) (*AnchorIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "prism_anchors"
	}

	return &AnchorIndex{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// collectionName maps a tenant to its collection, sanitized to the
// character set Qdrant accepts.
func (a *AnchorIndex) collectionName(tenantID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, tenantID)
	return a.prefix + "_" + sanitized
}

func pointID(tenantID, policyID string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(pointNamespace, []byte(tenantID+"/"+policyID)).String())
}

// EnsureCollection creates the tenant's collection if it doesn't exist
// and ensures payload indexes are present. CreateFieldIndex is
// idempotent on Qdrant, so indexes added later are backfilled on the
// next call.
func (a *AnchorIndex) EnsureCollection(ctx context.Context, tenantID string) error {
	name := a.collectionName(tenantID)

	exists, err := a.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		if err := a.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(model.SlotDim),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", name, err)
		}
		a.logger.Info("qdrant: created collection", "collection", name, "dims", model.SlotDim)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"policy_id", "tenant_id", "status"} {
		if _, err := a.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := a.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      "updated_at",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("search: ensure index on %q: %w", "updated_at", err)
	}

	return nil
}

// UpsertAnchorPayload writes (or rewrites) the anchor payload of one
// policy. The point vector is the first action anchor, or the zero
// vector for policies with no action constraints, which keeps the
// collection queryable by nearest-anchor while the full RuleVector
// rides in the payload.
func (a *AnchorIndex) UpsertAnchorPayload(ctx context.Context, p *model.PolicyBoundary, rv *model.RuleVector) error {
	if err := a.EnsureCollection(ctx, p.TenantID); err != nil {
		return err
	}

	payload := map[string]any{
		"policy_id":  p.ID,
		"tenant_id":  p.TenantID,
		"name":       p.Name,
		"status":     p.Status,
		"updated_at": p.UpdatedAt,
	}
	for _, layer := range model.Slots {
		payload[layer+"_anchors"] = floatsToAny(rv.Layers[layer])
		payload[layer+"_count"] = int64(rv.Counts[layer])
	}

	vector := make([]float32, model.SlotDim)
	if rv.Counts[model.SlotAction] > 0 {
		copy(vector, rv.Anchor(model.SlotAction, 0))
	}

	_, err := a.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: a.collectionName(p.TenantID),
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(p.TenantID, p.ID),
			Vectors: qdrant.NewVectorsDense(vector),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("search: upsert anchor payload %s/%s: %w", p.TenantID, p.ID, err)
	}
	return nil
}

// GetAnchorPayload reads back one policy's stored RuleVector, or nil
// when the point is absent.
func (a *AnchorIndex) GetAnchorPayload(ctx context.Context, tenantID, policyID string) (*model.RuleVector, error) {
	points, err := a.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: a.collectionName(tenantID),
		Ids:            []*qdrant.PointId{pointID(tenantID, policyID)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: get anchor payload %s/%s: %w", tenantID, policyID, err)
	}
	if len(points) == 0 {
		return nil, nil
	}

	rv := model.NewRuleVector()
	payload := points[0].Payload
	for _, layer := range model.Slots {
		if v, ok := payload[layer+"_count"]; ok {
			rv.Counts[layer] = int(v.GetIntegerValue())
		}
		if v, ok := payload[layer+"_anchors"]; ok {
			values := v.GetListValue().GetValues()
			for i, val := range values {
				if i >= len(rv.Layers[layer]) {
					break
				}
				rv.Layers[layer][i] = float32(val.GetDoubleValue())
			}
		}
	}
	return rv, nil
}

// DeletePolicy removes one policy's anchor payload.
func (a *AnchorIndex) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	_, err := a.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: a.collectionName(tenantID),
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{pointID(tenantID, policyID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: delete anchor payload %s/%s: %w", tenantID, policyID, err)
	}
	return nil
}

// DropTenant deletes the tenant's whole collection. Used by clear-all;
// a missing collection is not an error.
func (a *AnchorIndex) DropTenant(ctx context.Context, tenantID string) error {
	name := a.collectionName(tenantID)
	exists, err := a.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if !exists {
		return nil
	}
	if err := a.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("search: drop collection %q: %w", name, err)
	}
	a.logger.Info("qdrant: dropped collection", "collection", name)
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds to avoid hammering the health endpoint. Concurrent calls
// after cache expiry are deduplicated via singleflight so only one gRPC
// call is made; all waiters share its result.
func (a *AnchorIndex) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, a.healthAt.Load())) < 5*time.Second {
		return a.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of
	// the caller's ctx because singleflight reuses the first caller's
	// context; if that caller cancels, all waiters would get a stale error.
	result, _, _ := a.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := a.client.HealthCheck(checkCtx)
		if err != nil {
			a.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			a.storeHealthErr(nil)
		}
		a.healthAt.Store(time.Now().UnixNano())
		return a.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (a *AnchorIndex) storeHealthErr(err error) {
	a.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (a *AnchorIndex) loadHealthErr() error {
	v := a.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (a *AnchorIndex) Close() error {
	return a.client.Close()
}

func floatsToAny(vals []float32) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out
}
