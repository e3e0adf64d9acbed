// pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Marcinkowski-D/dma-vtt/broadcast"
	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/monitor"
	"github.com/Marcinkowski-D/dma-vtt/network"
	"github.com/Marcinkowski-D/dma-vtt/persistence"
	"github.com/Marcinkowski-D/dma-vtt/policy"
	"github.com/Marcinkowski-D/dma-vtt/session"
	"github.com/Marcinkowski-D/dma-vtt/state"
)

const loadTimeout = 10 * time.Second

// Pipeline routes client requests through authorization and into the scene
// stores. One instance serves every session.
type Pipeline struct {
	scenes     *state.Manager
	dispatcher *broadcast.Dispatcher
	writer     persistence.Writer
	mon        *monitor.Monitor
}

func New(scenes *state.Manager, dispatcher *broadcast.Dispatcher, writer persistence.Writer, mon *monitor.Monitor) *Pipeline {
	return &Pipeline{
		scenes:     scenes,
		dispatcher: dispatcher,
		writer:     writer,
		mon:        mon,
	}
}

// Handle processes one decoded client message.
func (p *Pipeline) Handle(sess *session.Session, msg *network.ClientMessage) {
	switch msg.Type {
	case network.MsgSubscribe:
		p.handleSubscribe(sess, msg)
	case network.MsgUnsubscribe:
		p.handleUnsubscribe(sess)
	case network.MsgMutate:
		p.handleMutate(sess, msg)
	default:
		sess.Enqueue(&network.ServerMessage{
			Type:      network.MsgError,
			RequestID: msg.RequestID,
			Detail:    "unknown message type: " + msg.Type,
		})
	}
}

// Disconnect releases everything the session holds. Called once when the
// read loop ends.
func (p *Pipeline) Disconnect(sess *session.Session) {
	p.handleUnsubscribe(sess)
	sess.Close()
}

func (p *Pipeline) handleSubscribe(sess *session.Session, msg *network.ClientMessage) {
	sceneID := msg.SceneID
	if sceneID == "" {
		p.sendError(sess, msg.RequestID, models.ReasonInvalidPayload, "subscribe requires sceneId")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	store, err := p.scenes.Load(ctx, sceneID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			p.sendError(sess, msg.RequestID, models.ReasonSceneNotFound, "no such scene: "+sceneID)
		} else {
			logger.Log.Errorw("scene load failed", "scene", sceneID, "error", err)
			p.sendError(sess, msg.RequestID, models.ReasonSceneNotFound, "scene unavailable")
		}
		return
	}

	if !policy.CanSubscribe(sess.Role, store.Active()) {
		p.sendError(sess, msg.RequestID, models.ReasonForbidden, "players may only subscribe to the active scene")
		return
	}

	// A session holds exactly one residency reference, on its current
	// scene. Resubscribing to the same scene (for a fresh snapshot after
	// sceneActivated) keeps the reference it already has.
	prev := sess.SceneID()
	if prev != "" && prev != sceneID {
		p.dispatcher.Unsubscribe(sess, prev)
		p.scenes.Release(prev)
	}
	if prev != sceneID {
		p.scenes.Retain(sceneID)
	}
	sess.SetSceneID(sceneID)
	p.dispatcher.Subscribe(sess, store, msg.RequestID)
	logger.Log.Infow("session subscribed", "session", sess.ID, "user", sess.UserID, "scene", sceneID)
}

func (p *Pipeline) handleUnsubscribe(sess *session.Session) {
	prev := sess.SceneID()
	if prev == "" {
		return
	}
	sess.SetSceneID("")
	p.dispatcher.Unsubscribe(sess, prev)
	p.scenes.Release(prev)
}

func (p *Pipeline) handleMutate(sess *session.Session, msg *network.ClientMessage) {
	req := msg.Mutation
	if req == nil {
		p.reject(sess, msg.RequestID, "", models.Reject(models.ReasonInvalidPayload, "mutate requires a mutation body"))
		return
	}

	m := models.Mutation{
		SceneID:       req.SceneID,
		LayerID:       req.LayerID,
		Kind:          req.Kind,
		Payload:       req.Payload,
		ActorID:       sess.UserID,
		ActorRole:     sess.Role,
		OriginSession: sess.ID,
		RequestID:     msg.RequestID,
	}

	if !m.Kind.Valid() {
		p.reject(sess, msg.RequestID, m.SceneID, models.Reject(models.ReasonInvalidPayload, "unknown mutation kind: "+string(m.Kind)))
		return
	}

	if m.Kind == models.KindSceneActivate || m.Kind == models.KindSceneDeactivate {
		p.handleActivation(sess, m)
		return
	}

	// Mutating a scene requires an established subscription to it.
	if sess.SceneID() != m.SceneID || m.SceneID == "" {
		p.reject(sess, msg.RequestID, m.SceneID, models.Reject(models.ReasonNotSubscribed, "not subscribed to scene"))
		return
	}

	store, ok := p.scenes.Get(m.SceneID)
	if !ok {
		p.reject(sess, msg.RequestID, m.SceneID, models.Reject(models.ReasonSceneNotFound, "scene not resident"))
		return
	}

	target, rej := store.Describe(m)
	if rej != nil {
		p.reject(sess, msg.RequestID, m.SceneID, rej)
		return
	}

	if d := policy.Authorize(sess.Role, sess.UserID, m.Kind, target); !d.Allowed {
		p.reject(sess, msg.RequestID, m.SceneID, models.Reject(models.ReasonForbidden, d.Rule))
		return
	}

	start := time.Now()
	applied, rej := store.Apply(m)
	if rej != nil {
		p.reject(sess, msg.RequestID, m.SceneID, rej)
		return
	}
	p.mon.ObserveApplyLatency(time.Since(start))
	p.mon.IncApplied()
	logger.Log.Debugw("mutation applied",
		"scene", m.SceneID, "kind", m.Kind, "actor", m.ActorID, "seq", applied.ServerSeq)
}

// handleActivation swaps which scene is live. Activation deltas flow
// through the scene stores like any other mutation, so subscribers and the
// persistence journal see them in order; the campaign-wide announcement
// goes to every connected session.
func (p *Pipeline) handleActivation(sess *session.Session, m models.Mutation) {
	if d := policy.Authorize(sess.Role, sess.UserID, m.Kind, policy.Target{}); !d.Allowed {
		p.reject(sess, m.RequestID, m.SceneID, models.Reject(models.ReasonForbidden, d.Rule))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	store, err := p.scenes.Load(ctx, m.SceneID)
	if err != nil {
		p.reject(sess, m.RequestID, m.SceneID, models.Reject(models.ReasonSceneNotFound, "no such scene: "+m.SceneID))
		return
	}

	if _, rej := store.Apply(m); rej != nil {
		p.reject(sess, m.RequestID, m.SceneID, rej)
		return
	}
	p.mon.IncApplied()

	activeID := ""
	if m.Kind == models.KindSceneActivate {
		activeID = m.SceneID
	}
	prev := p.scenes.SetActive(activeID)

	// Flip the previously active scene off inside its own store so its
	// subscribers and journal record the change.
	if m.Kind == models.KindSceneActivate && prev != "" && prev != m.SceneID {
		if prevStore, ok := p.scenes.Get(prev); ok {
			deact := models.Mutation{
				SceneID: prev,
				Kind:    models.KindSceneDeactivate,
				ActorID: m.ActorID,
			}
			if _, rej := prevStore.Apply(deact); rej != nil {
				logger.Log.Warnw("deactivating previous scene failed", "scene", prev, "reason", rej.Reason)
			}
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.writer.SetActiveScene(ctx, activeID); err != nil {
			logger.Log.Errorw("persisting active scene failed", "scene", activeID, "error", err)
		}
	}()

	p.dispatcher.SceneActivated(activeID)
	logger.Log.Infow("active scene changed", "scene", activeID, "previous", prev, "actor", m.ActorID)
}

func (p *Pipeline) reject(sess *session.Session, requestID, sceneID string, rej *models.Rejection) {
	p.mon.IncRejected(rej.Reason)
	sess.Enqueue(&network.ServerMessage{
		Type:      network.MsgMutationRejected,
		RequestID: requestID,
		SceneID:   sceneID,
		Reason:    rej.Reason,
		Detail:    rej.Detail,
	})
}

func (p *Pipeline) sendError(sess *session.Session, requestID string, reason models.Reason, detail string) {
	sess.Enqueue(&network.ServerMessage{
		Type:      network.MsgError,
		RequestID: requestID,
		Reason:    reason,
		Detail:    detail,
	})
}
