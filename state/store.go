// state/store.go
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/policy"
)

// Sink receives every applied mutation, in sequence order, while the store's
// writer section is still held. Implementations must not block for long: the
// broadcast dispatcher and the persistence worker both just enqueue.
type Sink interface {
	Publish(applied models.AppliedMutation, vis models.Visibility)
}

// Store is the authoritative in-memory holder of one scene's tree. All
// mutation application is serialized under mu (single writer per scene);
// snapshots are deep copies taken under the same lock, so everything handed
// out is safe to share.
type Store struct {
	mu    sync.Mutex
	scene *models.Scene
	seq   uint64
	sinks []Sink
}

func NewStore(scene *models.Scene, seq uint64, sinks ...Sink) *Store {
	return &Store{scene: scene, seq: seq, sinks: sinks}
}

func (s *Store) SceneID() string {
	return s.scene.ID
}

// Seq returns the sequence number of the last applied mutation.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Active reports whether the scene is currently the active one.
func (s *Store) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene.Active
}

// Snapshot produces a role-filtered deep copy of the scene at the current
// sequence point. Player snapshots never contain gmOnly layers.
func (s *Store) Snapshot(role models.Role) *models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &models.Snapshot{
		SceneID: s.scene.ID,
		Name:    s.scene.Name,
		Active:  s.scene.Active,
		Seq:     s.seq,
	}
	for _, l := range s.scene.Layers {
		if role != models.RoleGM && l.Visibility == models.VisibilityGMOnly {
			continue
		}
		snap.Layers = append(snap.Layers, l.Clone())
	}
	return snap
}

// Describe resolves the policy-relevant facts about a mutation's target:
// layer visibility and element ownership. Unknown layers and elements
// surface here so the pipeline can reject before the authorization check.
// Apply revalidates under the same lock, so the result going stale between
// the two calls cannot corrupt the tree.
func (s *Store) Describe(m models.Mutation) (policy.Target, *models.Rejection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !m.Kind.Valid() {
		return policy.Target{}, models.Reject(models.ReasonInvalidPayload, fmt.Sprintf("unknown mutation kind %q", m.Kind))
	}
	if m.Kind.SceneLevel() {
		return policy.Target{}, nil
	}

	layer := s.scene.Layer(m.LayerID)
	if layer == nil {
		return policy.Target{}, models.Reject(models.ReasonUnknownLayer, m.LayerID)
	}
	if m.ActorRole == models.RolePlayer && layer.Visibility == models.VisibilityGMOnly {
		// Hidden layers do not exist from a player's point of view, so the
		// rejection must not reveal them either.
		return policy.Target{}, models.Reject(models.ReasonUnknownLayer, m.LayerID)
	}

	t := policy.Target{LayerVisibility: layer.Visibility}

	switch m.Kind {
	case models.KindTokenMove, models.KindTokenResize, models.KindTokenRotate, models.KindTokenDelete:
		var probe struct {
			TokenID string `json:"tokenId"`
		}
		if err := json.Unmarshal(m.Payload, &probe); err != nil || probe.TokenID == "" {
			return t, models.Reject(models.ReasonInvalidPayload, "missing tokenId")
		}
		token, ok := layer.Tokens[probe.TokenID]
		if !ok {
			return t, models.Reject(models.ReasonUnknownElement, probe.TokenID)
		}
		t.ElementOwner = token.ControllerID

	case models.KindDrawingDelete:
		var probe struct {
			DrawingID string `json:"drawingId"`
		}
		if err := json.Unmarshal(m.Payload, &probe); err != nil || probe.DrawingID == "" {
			return t, models.Reject(models.ReasonInvalidPayload, "missing drawingId")
		}
		drawing, ok := layer.Drawings[probe.DrawingID]
		if !ok {
			return t, models.Reject(models.ReasonUnknownElement, probe.DrawingID)
		}
		t.ElementOwner = drawing.CreatorID

	case models.KindTextDelete:
		var probe struct {
			TextID string `json:"textId"`
		}
		if err := json.Unmarshal(m.Payload, &probe); err != nil || probe.TextID == "" {
			return t, models.Reject(models.ReasonInvalidPayload, "missing textId")
		}
		text, ok := layer.Texts[probe.TextID]
		if !ok {
			return t, models.Reject(models.ReasonUnknownElement, probe.TextID)
		}
		t.ElementOwner = text.CreatorID
	}

	return t, nil
}

// Apply validates and applies one mutation. On success it assigns the next
// serverSequence, publishes the applied record to the sinks while still
// inside the writer section (this is what keeps fan-out order identical to
// sequence order), and returns it. Rejected mutations leave the tree and the
// sequence counter untouched.
func (s *Store) Apply(m models.Mutation) (models.AppliedMutation, *models.Rejection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq + 1
	normalized, vis, rej := s.applyLocked(m, next)
	if rej != nil {
		return models.AppliedMutation{}, rej
	}
	s.seq = next

	applied := models.AppliedMutation{
		Mutation:  m,
		ServerSeq: next,
		AppliedAt: time.Now(),
	}
	applied.Payload = normalized

	for _, sink := range s.sinks {
		sink.Publish(applied, vis)
	}
	return applied, nil
}

// Replay applies a journaled mutation without assigning a new sequence and
// without publishing. Used when rebuilding a store from checkpoint+journal.
func (s *Store) Replay(applied models.AppliedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, rej := s.applyLocked(applied.Mutation, applied.ServerSeq); rej != nil {
		return fmt.Errorf("replay scene %s seq %d: %s (%s)",
			applied.SceneID, applied.ServerSeq, rej.Reason, rej.Detail)
	}
	s.seq = applied.ServerSeq
	return nil
}
