// broadcast/broadcast.go
package broadcast

import (
	"sync"

	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/monitor"
	"github.com/Marcinkowski-D/dma-vtt/network"
	"github.com/Marcinkowski-D/dma-vtt/session"
	"github.com/Marcinkowski-D/dma-vtt/state"
)

// job is one unit of work for a scene's fan-out goroutine. Exactly one of
// the fields is set.
type job struct {
	applied   *models.AppliedMutation
	vis       models.Visibility
	join      *session.Session
	requestID string
	leave     *session.Session
}

// sceneQueue owns the recipient set for one resident scene. Jobs land on an
// unbounded list so enqueuing never blocks; the store publishes while holding
// its writer lock and the fan-out goroutine takes that same lock for join
// snapshots, so any bounded handoff between the two could deadlock.
// Backpressure lives at the per-session outbox instead: a client that cannot
// keep up is disconnected there, which caps how much the list can grow.
type sceneQueue struct {
	store *state.Store

	mu     sync.Mutex
	jobs   []job
	closed bool
	wake   chan struct{}

	// recipients is touched only by the fan-out goroutine.
	recipients map[string]*session.Session
}

func newSceneQueue(store *state.Store) *sceneQueue {
	return &sceneQueue{
		store:      store,
		wake:       make(chan struct{}, 1),
		recipients: make(map[string]*session.Session),
	}
}

func (q *sceneQueue) enqueue(j job) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sceneQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain takes the pending batch. The signal comes after the append in
// enqueue, so an empty batch with closed false means it is safe to sleep.
func (q *sceneQueue) drain() (batch []job, closed bool) {
	q.mu.Lock()
	batch, q.jobs = q.jobs, nil
	closed = q.closed
	q.mu.Unlock()
	return batch, closed
}

// Dispatcher fans applied mutations out to subscribed sessions. It is a
// state.Sink: the store publishes every accepted mutation exactly once,
// in sequence order, and each scene's queue preserves that order.
type Dispatcher struct {
	mutex    sync.Mutex
	queues   map[string]*sceneQueue
	registry *session.Registry
	mon      *monitor.Monitor
}

func NewDispatcher(registry *session.Registry, mon *monitor.Monitor) *Dispatcher {
	return &Dispatcher{
		queues:   make(map[string]*sceneQueue),
		registry: registry,
		mon:      mon,
	}
}

// queueFor resolves the scene's queue under the dispatcher lock. Enqueuing
// happens after the lock is released so no caller ever holds d.mutex while
// another goroutine needs it to make progress.
func (d *Dispatcher) queueFor(sceneID string) (*sceneQueue, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	q, ok := d.queues[sceneID]
	return q, ok
}

// Publish implements state.Sink. Called under the store's writer lock, so
// enqueue order matches sequence order. The enqueue never blocks, which
// keeps the writer section free of any dependency on fan-out progress.
func (d *Dispatcher) Publish(applied models.AppliedMutation, vis models.Visibility) {
	q, ok := d.queueFor(applied.SceneID)
	if !ok {
		return
	}
	q.enqueue(job{applied: &applied, vis: vis})
}

// Subscribe attaches sess to the scene served by store. The snapshot is
// produced by the fan-out goroutine itself, so the client receives the
// snapshot strictly before any delta with a higher sequence number.
func (d *Dispatcher) Subscribe(sess *session.Session, store *state.Store, requestID string) {
	sceneID := store.SceneID()
	d.mutex.Lock()
	q, ok := d.queues[sceneID]
	if !ok {
		q = newSceneQueue(store)
		d.queues[sceneID] = q
		go d.run(sceneID, q)
	}
	d.mutex.Unlock()
	q.enqueue(job{join: sess, requestID: requestID})
}

// Unsubscribe detaches sess from sceneID. Safe to call when the scene is
// no longer resident.
func (d *Dispatcher) Unsubscribe(sess *session.Session, sceneID string) {
	q, ok := d.queueFor(sceneID)
	if !ok {
		return
	}
	q.enqueue(job{leave: sess})
}

// SceneActivated tells every connected session which scene is now live,
// regardless of subscription. Players use it to resubscribe.
func (d *Dispatcher) SceneActivated(sceneID string) {
	msg := &network.ServerMessage{Type: network.MsgSceneActivated, SceneID: sceneID}
	for _, sess := range d.registry.All() {
		if !sess.Enqueue(msg) {
			d.mon.IncBroadcastDrop()
		}
	}
}

// DropScene tears down the fan-out goroutine for an evicted scene. Wired
// as the scene manager's evict hook.
func (d *Dispatcher) DropScene(sceneID string) {
	d.mutex.Lock()
	q, ok := d.queues[sceneID]
	if ok {
		delete(d.queues, sceneID)
	}
	d.mutex.Unlock()
	if ok {
		q.close()
	}
}

func (d *Dispatcher) run(sceneID string, q *sceneQueue) {
	for {
		batch, closed := q.drain()
		for i := range batch {
			j := &batch[i]
			switch {
			case j.join != nil:
				q.recipients[j.join.ID] = j.join
				snap := q.store.Snapshot(j.join.Role)
				msg := &network.ServerMessage{
					Type:      network.MsgSnapshot,
					RequestID: j.requestID,
					SceneID:   sceneID,
					Snapshot:  snap,
				}
				if !j.join.Enqueue(msg) {
					d.mon.IncBroadcastDrop()
					delete(q.recipients, j.join.ID)
				}
			case j.leave != nil:
				delete(q.recipients, j.leave.ID)
			case j.applied != nil:
				d.deliver(sceneID, q, j.applied, j.vis)
			}
		}
		if closed {
			logger.Log.Debugw("scene fan-out stopped", "scene", sceneID)
			return
		}
		if len(batch) == 0 {
			<-q.wake
		}
	}
}

// deliver sends one applied mutation to every recipient allowed to see it.
// Structural scene-level changes (layer order, visibility flips) expose
// layer ids that players may not know about, so players get a fresh
// filtered snapshot instead of the raw delta.
func (d *Dispatcher) deliver(sceneID string, q *sceneQueue, applied *models.AppliedMutation, vis models.Visibility) {
	resync := applied.Kind == models.KindLayerReorder || applied.Kind == models.KindLayerVisibility

	var playerSnap *models.Snapshot
	for id, sess := range q.recipients {
		var msg *network.ServerMessage
		switch {
		case sess.Role == models.RolePlayer && vis == models.VisibilityGMOnly && !resync:
			continue
		case sess.Role == models.RolePlayer && resync:
			if playerSnap == nil {
				playerSnap = q.store.Snapshot(models.RolePlayer)
			}
			msg = &network.ServerMessage{
				Type:     network.MsgSnapshot,
				SceneID:  sceneID,
				Snapshot: playerSnap,
			}
		default:
			msg = &network.ServerMessage{
				Type:     network.MsgMutationApplied,
				SceneID:  sceneID,
				Mutation: applied,
			}
			if applied.OriginSession == id {
				// Echo the correlation id only to the originator.
				echo := *msg
				echo.RequestID = applied.RequestID
				msg = &echo
			}
		}
		if !sess.Enqueue(msg) {
			d.mon.IncBroadcastDrop()
			delete(q.recipients, id)
		}
	}
}
