package model

// ReasonKind explains why a sibling exists.
type ReasonKind string

const (
	ReasonModel        ReasonKind = "model"
	ReasonRegeneration ReasonKind = "regeneration"
	ReasonSibling      ReasonKind = "sibling"
)

// Reason is attached to a child edge. A nil *Reason means the child is the
// plain, unbranched reply.
type Reason struct {
	Kind  ReasonKind `json:"kind"`
	Model string     `json:"model,omitempty"`
}

func ModelReason(name string) *Reason { return &Reason{Kind: ReasonModel, Model: name} }

func RegenerationReason() *Reason { return &Reason{Kind: ReasonRegeneration} }

func SiblingReason() *Reason { return &Reason{Kind: ReasonSibling} }

// ChildEdge is one entry of a node's child list. Ordinals are assigned once
// and never renumbered.
type ChildEdge struct {
	ChildID string  `json:"child_id"`
	Ordinal uint8   `json:"ordinal"`
	Reason  *Reason `json:"reason,omitempty"`
}
