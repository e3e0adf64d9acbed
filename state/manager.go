// state/manager.go
package state

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/monitor"
	"github.com/Marcinkowski-D/dma-vtt/persistence"
	"github.com/Marcinkowski-D/dma-vtt/timer"
)

// Manager owns the set of resident scene stores. A store stays resident
// while at least one session holds a reference or the scene is the active
// one; afterwards it is checkpointed and evicted once the idle TTL passes.
type Manager struct {
	reader  persistence.Reader
	writer  persistence.Writer
	timers  *timer.Manager
	mon     *monitor.Monitor
	idleTTL time.Duration
	sinks   []Sink
	group   singleflight.Group

	mu       sync.Mutex
	entries  map[string]*entry
	activeID string
	onEvict  func(sceneID string)
}

func NewManager(reader persistence.Reader, writer persistence.Writer, timers *timer.Manager, mon *monitor.Monitor, idleTTL time.Duration, sinks ...Sink) *Manager {
	return &Manager{
		reader:  reader,
		writer:  writer,
		timers:  timers,
		mon:     mon,
		idleTTL: idleTTL,
		sinks:   sinks,
		entries: make(map[string]*entry),
	}
}

type entry struct {
	store     *Store
	refs      int
	evictTask int64
}

// SetEvictHook registers a callback fired after a scene is evicted, used to
// tear down the scene's broadcast queue.
func (m *Manager) SetEvictHook(fn func(sceneID string)) {
	m.onEvict = fn
}

// Load returns the resident store for the scene, fetching checkpoint and
// journal from the persistence store if needed. Concurrent loads for the
// same scene collapse into a single fetch.
func (m *Manager) Load(ctx context.Context, sceneID string) (*Store, error) {
	if store, ok := m.Get(sceneID); ok {
		return store, nil
	}

	v, err, _ := m.group.Do(sceneID, func() (interface{}, error) {
		// Re-check residency: another caller may have finished the load
		// between our Get and joining the flight.
		if store, ok := m.Get(sceneID); ok {
			return store, nil
		}

		snap, err := m.reader.ReadScene(ctx, sceneID)
		if err != nil {
			return nil, err
		}

		store := NewStore(models.SceneFromSnapshot(snap), snap.Seq, m.sinks...)

		journal, err := m.reader.ReadJournal(ctx, sceneID, snap.Seq)
		if err != nil {
			return nil, err
		}
		for _, applied := range journal {
			if replayErr := store.Replay(applied); replayErr != nil {
				// A bad journal entry is skipped, not fatal: the checkpoint
				// plus the remaining entries is still the best state we have.
				logger.Log.Warnf("skipping journal entry: %v", replayErr)
			}
		}

		m.mu.Lock()
		e := &entry{store: store}
		m.entries[sceneID] = e
		if store.Active() && m.activeID == "" {
			m.activeID = sceneID
		}
		// Arm the idle TTL right away: a load whose subscription is then
		// denied would otherwise leave the store resident with no reference
		// and no eviction scheduled. Retain cancels the timer.
		m.scheduleEvictLocked(sceneID, e)
		resident := len(m.entries)
		m.mu.Unlock()
		m.mon.SetScenesResident(resident)

		logger.Log.Infof("scene %s loaded at seq %d (%d journal entries replayed)",
			sceneID, store.Seq(), len(journal))
		return store, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// Get returns the resident store without loading.
func (m *Manager) Get(sceneID string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sceneID]
	if !ok {
		return nil, false
	}
	return e.store, true
}

// Retain marks the scene as referenced by a subscription, cancelling any
// pending eviction.
func (m *Manager) Retain(sceneID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sceneID]
	if !ok {
		return
	}
	e.refs++
	if e.evictTask != 0 {
		m.timers.Cancel(e.evictTask)
		e.evictTask = 0
	}
}

// Release drops one subscription reference. An unreferenced, inactive scene
// is scheduled for eviction after the idle TTL.
func (m *Manager) Release(sceneID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sceneID]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	m.scheduleEvictLocked(sceneID, e)
}

func (m *Manager) scheduleEvictLocked(sceneID string, e *entry) {
	if e.refs > 0 || sceneID == m.activeID || e.evictTask != 0 {
		return
	}
	e.evictTask = m.timers.Schedule(m.idleTTL, 0, func() {
		m.evict(sceneID)
	})
}

func (m *Manager) evict(sceneID string) {
	m.mu.Lock()
	e, ok := m.entries[sceneID]
	if !ok || e.refs > 0 || sceneID == m.activeID {
		if ok {
			e.evictTask = 0
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Checkpoint the full (GM view) tree so the next load starts from here.
	// The store stays resident until the write succeeds; dropping it on a
	// failed checkpoint would discard state the journal may not hold either.
	snap := e.store.Snapshot(models.RoleGM)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.writer.CheckpointScene(ctx, snap); err != nil {
		logger.Log.Errorf("checkpoint on eviction of scene %s failed, retrying in %s: %v", sceneID, m.idleTTL, err)
		m.mu.Lock()
		if e.refs > 0 || sceneID == m.activeID {
			e.evictTask = 0
		} else {
			e.evictTask = m.timers.Schedule(m.idleTTL, 0, func() {
				m.evict(sceneID)
			})
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	// A Retain may have landed while the checkpoint was in flight.
	if e.refs > 0 || sceneID == m.activeID {
		e.evictTask = 0
		m.mu.Unlock()
		return
	}
	delete(m.entries, sceneID)
	resident := len(m.entries)
	m.mu.Unlock()
	m.mon.SetScenesResident(resident)
	logger.Log.Infof("scene %s evicted at seq %d", sceneID, snap.Seq)

	if m.onEvict != nil {
		m.onEvict(sceneID)
	}
}

// SetActive records the new active scene and returns the previous one. The
// previously active scene becomes evictable if nobody is subscribed.
func (m *Manager) SetActive(sceneID string) (prev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev = m.activeID
	m.activeID = sceneID
	if prev != "" && prev != sceneID {
		if e, ok := m.entries[prev]; ok {
			m.scheduleEvictLocked(prev, e)
		}
	}
	return prev
}

// ActiveScene returns the id of the currently active scene, or "".
func (m *Manager) ActiveScene() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// SnapshotGM returns the unfiltered snapshot of a resident scene, or nil.
// Wired into the persistence worker as its checkpoint source.
func (m *Manager) SnapshotGM(sceneID string) *models.Snapshot {
	store, ok := m.Get(sceneID)
	if !ok {
		return nil
	}
	return store.Snapshot(models.RoleGM)
}
