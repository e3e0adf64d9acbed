// models/mutation.go
package models

import (
	"encoding/json"
	"time"
)

// Kind identifies one member of the closed set of mutation kinds. Every
// client edit arrives as exactly one of these; the pipeline is exhaustive
// over them.
type Kind string

const (
	KindLayerCreate     Kind = "layer.create"
	KindLayerDelete     Kind = "layer.delete"
	KindLayerReorder    Kind = "layer.reorder"
	KindLayerVisibility Kind = "layer.visibility"

	KindTokenCreate Kind = "token.create"
	KindTokenMove   Kind = "token.move"
	KindTokenResize Kind = "token.resize"
	KindTokenRotate Kind = "token.rotate"
	KindTokenDelete Kind = "token.delete"

	KindDrawingCreate Kind = "drawing.create"
	KindDrawingDelete Kind = "drawing.delete"

	KindTextCreate Kind = "text.create"
	KindTextDelete Kind = "text.delete"

	KindSceneActivate   Kind = "scene.activate"
	KindSceneDeactivate Kind = "scene.deactivate"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLayerCreate, KindLayerDelete, KindLayerReorder, KindLayerVisibility,
		KindTokenCreate, KindTokenMove, KindTokenResize, KindTokenRotate, KindTokenDelete,
		KindDrawingCreate, KindDrawingDelete,
		KindTextCreate, KindTextDelete,
		KindSceneActivate, KindSceneDeactivate:
		return true
	}
	return false
}

// SceneLevel reports whether the kind targets the scene itself rather than a
// layer within it.
func (k Kind) SceneLevel() bool {
	switch k {
	case KindLayerCreate, KindLayerReorder, KindSceneActivate, KindSceneDeactivate:
		return true
	}
	return false
}

// Mutation is the shared envelope for every incoming edit.
type Mutation struct {
	SceneID string          `json:"sceneId"`
	LayerID string          `json:"layerId,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	ActorID string          `json:"actorId"`

	// Server-side context, never sent on the wire inside the envelope.
	ActorRole     Role   `json:"-"`
	OriginSession string `json:"-"`
	RequestID     string `json:"-"`
}

// AppliedMutation is a mutation the store accepted, stamped with its
// per-scene sequence number. Immutable once created.
type AppliedMutation struct {
	Mutation
	ServerSeq uint64    `json:"serverSeq"`
	AppliedAt time.Time `json:"appliedAt"`
}

// Reason is a machine-readable rejection code. Mutation-level rejections are
// reported only to the originating session and never applied, never assigned
// a sequence number.
type Reason string

const (
	ReasonNotSubscribed  Reason = "NotSubscribed"
	ReasonForbidden      Reason = "Forbidden"
	ReasonUnknownLayer   Reason = "UnknownLayer"
	ReasonUnknownElement Reason = "UnknownElement"
	ReasonInvalidPayload Reason = "InvalidPayload"
	ReasonStaleVersion   Reason = "StaleVersion"
	ReasonSceneNotFound  Reason = "SceneNotFound"
)

// Rejection describes why a mutation was not applied.
type Rejection struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func Reject(reason Reason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

// Payload shapes, one per mutation kind. The store validates and normalizes
// these before touching the tree; the normalized form (server-assigned ids
// filled in) is what gets broadcast and journaled.

type LayerCreatePayload struct {
	LayerID    string     `json:"layerId,omitempty"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
}

type LayerDeletePayload struct{}

type LayerReorderPayload struct {
	// Order is the complete new layer id order, bottom to top. It must be a
	// permutation of the scene's current layer ids.
	Order []string `json:"order"`
}

type LayerVisibilityPayload struct {
	Visibility Visibility `json:"visibility"`
}

type TokenCreatePayload struct {
	TokenID      string  `json:"tokenId,omitempty"`
	AssetRef     string  `json:"assetRef"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Scale        float64 `json:"scale,omitempty"`
	Rotation     float64 `json:"rotation,omitempty"`
	ZIndex       int     `json:"zIndex,omitempty"`
	ControllerID string  `json:"controllerId,omitempty"`
}

type TokenMovePayload struct {
	TokenID string  `json:"tokenId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	// LastSeq is the serverSequence the client last observed for this token.
	// Zero skips the optimistic-concurrency check.
	LastSeq uint64 `json:"lastSeq,omitempty"`
}

type TokenResizePayload struct {
	TokenID string  `json:"tokenId"`
	Scale   float64 `json:"scale"`
	LastSeq uint64  `json:"lastSeq,omitempty"`
}

type TokenRotatePayload struct {
	TokenID  string  `json:"tokenId"`
	Rotation float64 `json:"rotation"`
}

type TokenDeletePayload struct {
	TokenID string `json:"tokenId"`
}

type DrawingCreatePayload struct {
	DrawingID   string  `json:"drawingId,omitempty"`
	Shape       string  `json:"shape"`
	Points      []Point `json:"points"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

type DrawingDeletePayload struct {
	DrawingID string `json:"drawingId"`
}

type TextCreatePayload struct {
	TextID   string  `json:"textId,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Content  string  `json:"content"`
	FontSize int     `json:"fontSize,omitempty"`
	Color    string  `json:"color,omitempty"`
	Style    string  `json:"style,omitempty"`
}

type TextDeletePayload struct {
	TextID string `json:"textId"`
}
