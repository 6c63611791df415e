package model

// Slot dimensions shared by the intent and policy encoders. The wire
// layout (flat 128-element arrays, 512-byte BLOBs) depends on these
// values; changing them invalidates every stored vector.
const (
	// EmbeddingDim is the dimensionality of the upstream text embedding.
	EmbeddingDim = 384
	// SlotDim is the dimensionality of one projected slot vector.
	SlotDim = 32
	// IntentDim is the full intent vector: four slots concatenated.
	IntentDim = 4 * SlotDim
	// MaxAnchors caps the number of anchors per policy layer.
	MaxAnchors = 16
)

// Slots lists the semantic slots in their canonical concatenation order.
// Projection seeds, intent-vector layout and anchor payloads all follow
// this order.
var Slots = [4]string{SlotAction, SlotResource, SlotData, SlotRisk}

const (
	SlotAction   = "action"
	SlotResource = "resource"
	SlotData     = "data"
	SlotRisk     = "risk"
)

// SlotSeed returns the fixed projection seed for a slot. Seeds are part
// of the encoding protocol: two processes with the same seed produce
// identical projection matrices.
func SlotSeed(slot string) int64 {
	switch slot {
	case SlotAction:
		return 42
	case SlotResource:
		return 43
	case SlotData:
		return 44
	case SlotRisk:
		return 45
	}
	return 0
}

// RuleVector is the encoded form of a policy: per layer, up to
// MaxAnchors unit-norm SlotDim anchors flattened row-major and
// zero-padded to a fixed MaxAnchors*SlotDim length, plus the count of
// real anchors in each layer.
type RuleVector struct {
	Layers map[string][]float32 `json:"layers"`
	Counts map[string]int       `json:"counts"`
}

// NewRuleVector returns a RuleVector with all four layers zero-filled.
func NewRuleVector() *RuleVector {
	rv := &RuleVector{
		Layers: make(map[string][]float32, len(Slots)),
		Counts: make(map[string]int, len(Slots)),
	}
	for _, slot := range Slots {
		rv.Layers[slot] = make([]float32, MaxAnchors*SlotDim)
		rv.Counts[slot] = 0
	}
	return rv
}

// Anchor returns the i-th anchor of a layer as a SlotDim slice into the
// flattened layer storage.
func (rv *RuleVector) Anchor(layer string, i int) []float32 {
	return rv.Layers[layer][i*SlotDim : (i+1)*SlotDim]
}
