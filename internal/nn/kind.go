package nn

// Kind identifies the variant of a layer node.
//
// The set of kinds is closed: matching during graph surgery is a switch over
// Kind, never a comparison of type names.
type Kind int

// Layer kinds.
const (
	KindContainer Kind = iota
	KindLinear
	KindConv2D
	KindDropout
	KindEmbedding
	KindReLU
	KindLoraLinear
	KindLoraConv2D
)

// String returns the default class name for nodes of this kind.
func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "Container"
	case KindLinear:
		return "Linear"
	case KindConv2D:
		return "Conv2D"
	case KindDropout:
		return "Dropout"
	case KindEmbedding:
		return "Embedding"
	case KindReLU:
		return "ReLU"
	case KindLoraLinear:
		return "LoraLinear"
	case KindLoraConv2D:
		return "LoraConv2D"
	default:
		return "Unknown"
	}
}

// IsLora reports whether k is one of the augmented layer variants.
func (k Kind) IsLora() bool {
	return k == KindLoraLinear || k == KindLoraConv2D
}

// In reports whether k is a member of kinds.
func (k Kind) In(kinds []Kind) bool {
	for _, other := range kinds {
		if k == other {
			return true
		}
	}
	return false
}
