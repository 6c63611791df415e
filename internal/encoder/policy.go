package encoder

import (
	"context"
	"fmt"

	"github.com/fencio-dev/prism/internal/model"
)

// EncodePolicy builds the RuleVector of a canonical policy: per layer,
// each constraint token is encoded against that layer's slot and stored
// as one anchor, capped at model.MaxAnchors with zero-padding beyond
// the real count.
func (e *SemanticEncoder) EncodePolicy(ctx context.Context, p *model.PolicyBoundary) (*model.RuleVector, error) {
	rv := model.NewRuleVector()
	for _, layer := range model.Slots {
		tokens := p.LayerTokens(layer)
		if len(tokens) > model.MaxAnchors {
			e.logger.Warn("policy layer exceeds anchor cap, truncating",
				"policy_id", p.ID, "layer", layer, "tokens", len(tokens), "cap", model.MaxAnchors)
			tokens = tokens[:model.MaxAnchors]
		}
		for i, token := range tokens {
			vec, err := e.EncodeSlot(ctx, token, layer)
			if err != nil {
				return nil, fmt.Errorf("encoder: policy %s layer %s: %w", p.ID, layer, err)
			}
			copy(rv.Anchor(layer, i), vec)
		}
		rv.Counts[layer] = len(tokens)
	}
	return rv, nil
}
