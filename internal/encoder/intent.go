package encoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/fencio-dev/prism/internal/model"
)

// unknownValue stands in for missing fields so slot texts keep a fixed
// shape regardless of how sparse the event is.
const unknownValue = "unknown"

// EncodeIntent builds the 128-dim intent vector: four 32-dim unit-norm
// slot vectors concatenated in the fixed (action, resource, data, risk)
// order. Identical canonical events yield byte-identical vectors.
func (e *SemanticEncoder) EncodeIntent(ctx context.Context, ev *model.IntentEvent) ([]float32, error) {
	out := make([]float32, 0, model.IntentDim)
	for _, slot := range model.Slots {
		vec, err := e.EncodeSlot(ctx, SlotText(ev, slot), slot)
		if err != nil {
			return nil, fmt.Errorf("encoder: intent slot %s: %w", slot, err)
		}
		out = append(out, vec...)
	}
	return out, nil
}

// SlotText composes the canonical pipe-joined key/value text for one
// slot of an intent event. The field order and phrasing are part of the
// encoding protocol and must not change.
func SlotText(ev *model.IntentEvent, slot string) string {
	switch slot {
	case model.SlotAction:
		parts := []string{
			"action is " + orUnknown(ev.Action.Verb),
			"actor_type is " + orUnknown(ev.Action.ActorType),
		}
		if ev.Action.ToolName != "" {
			parts = append(parts, "tool_name is "+ev.Action.ToolName)
		}
		return strings.Join(parts, " | ")

	case model.SlotResource:
		parts := []string{
			"resource_type is " + orUnknown(ev.Resource.Type),
			"resource_location is " + orUnknown(ev.Resource.Location),
		}
		if ev.Resource.Name != "" {
			parts = append(parts, "resource_name is "+ev.Resource.Name)
		}
		return strings.Join(parts, " | ")

	case model.SlotData:
		sens := unknownValue
		if len(ev.Data.Sensitivity) > 0 {
			sens = strings.Join(ev.Data.Sensitivity, ",")
		}
		return strings.Join([]string{
			"sensitivity is " + sens,
			fmt.Sprintf("pii is %t", ev.Data.PII),
			"volume is " + orUnknown(ev.Data.Volume),
		}, " | ")

	case model.SlotRisk:
		return strings.Join([]string{
			"authn is " + orUnknown(ev.Risk.Authn),
			"authz is " + orUnknown(ev.Risk.Authz),
		}, " | ")
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return unknownValue
	}
	return s
}
