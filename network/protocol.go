package network

import (
	"encoding/json"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

// Client -> server message types.
const (
	MsgSubscribe   = "subscribe"
	MsgMutate      = "mutate"
	MsgUnsubscribe = "unsubscribe"
)

// Server -> client message types.
const (
	MsgSnapshot         = "snapshot"
	MsgMutationApplied  = "mutationApplied"
	MsgMutationRejected = "mutationRejected"
	MsgSceneActivated   = "sceneActivated"
	MsgError            = "error"
)

// ClientMessage is the envelope for every client-originated request.
// RequestID is a client-generated correlation id echoed back in the
// corresponding ack or rejection.
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	// SceneID targets subscribe requests.
	SceneID string `json:"sceneId,omitempty"`
	// Mutation carries the edit for mutate requests.
	Mutation *MutationRequest `json:"mutation,omitempty"`
}

// MutationRequest is the wire form of a requested edit.
type MutationRequest struct {
	SceneID string          `json:"sceneId"`
	LayerID string          `json:"layerId,omitempty"`
	Kind    models.Kind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope for everything the server pushes.
type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SceneID   string `json:"sceneId,omitempty"`

	Snapshot *models.Snapshot        `json:"snapshot,omitempty"`
	Mutation *models.AppliedMutation `json:"mutation,omitempty"`

	Reason models.Reason `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
}
