// persistence/syncworker.go
package persistence

import (
	"context"
	"time"

	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/monitor"
	"github.com/Marcinkowski-D/dma-vtt/timer"
)

const (
	writeTimeout   = 5 * time.Second
	maxRetries     = 5
	baseRetryDelay = 500 * time.Millisecond
)

// SyncWorker is the asynchronous write-through of applied mutations. Live
// synchronization never waits on it: enqueueing is non-blocking and a full
// queue drops the entry with a log line rather than stalling the scene.
type SyncWorker struct {
	writer Writer
	timers *timer.Manager
	mon    *monitor.Monitor

	queue chan models.AppliedMutation
	stop  chan struct{}

	// checkpointEvery triggers a scene checkpoint after that many journaled
	// mutations for one scene. snapshotFn sources the checkpoint data; nil
	// disables periodic checkpoints.
	checkpointEvery int
	snapshotFn      func(sceneID string) *models.Snapshot
	written         map[string]int
}

func NewSyncWorker(writer Writer, timers *timer.Manager, mon *monitor.Monitor, queueSize, checkpointEvery int) *SyncWorker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	w := &SyncWorker{
		writer:          writer,
		timers:          timers,
		mon:             mon,
		queue:           make(chan models.AppliedMutation, queueSize),
		stop:            make(chan struct{}),
		checkpointEvery: checkpointEvery,
		written:         make(map[string]int),
	}
	go w.run()
	return w
}

// SetSnapshotFunc wires the source for periodic checkpoints, typically the
// scene manager's role-unfiltered snapshot.
func (w *SyncWorker) SetSnapshotFunc(fn func(sceneID string) *models.Snapshot) {
	w.snapshotFn = fn
}

// Publish implements the store's applied-mutation sink.
func (w *SyncWorker) Publish(applied models.AppliedMutation, _ models.Visibility) {
	select {
	case w.queue <- applied:
	default:
		w.mon.IncPersistenceDrop()
		logger.Log.Errorf("persistence queue full, dropping mutation scene=%s seq=%d",
			applied.SceneID, applied.ServerSeq)
	}
}

// Close stops the worker. Queued entries are abandoned; the journal is
// best-effort by design.
func (w *SyncWorker) Close() {
	close(w.stop)
}

func (w *SyncWorker) run() {
	for {
		select {
		case <-w.stop:
			return
		case applied := <-w.queue:
			w.write(applied, 0)
			w.maybeCheckpoint(applied.SceneID)
		}
	}
}

func (w *SyncWorker) write(applied models.AppliedMutation, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err := w.writer.WriteMutation(ctx, applied)
	cancel()
	if err == nil {
		return
	}

	if attempt+1 >= maxRetries {
		w.mon.IncPersistenceDrop()
		logger.Log.Errorf("giving up on mutation scene=%s seq=%d after %d attempts: %v",
			applied.SceneID, applied.ServerSeq, attempt+1, err)
		return
	}

	w.mon.IncPersistenceRetry()
	delay := baseRetryDelay << uint(attempt)
	logger.Log.Warnf("persisting mutation scene=%s seq=%d failed (attempt %d), retrying in %v: %v",
		applied.SceneID, applied.ServerSeq, attempt+1, delay, err)

	next := attempt + 1
	w.timers.Schedule(delay, 0, func() {
		select {
		case <-w.stop:
		default:
			w.write(applied, next)
		}
	})
}

func (w *SyncWorker) maybeCheckpoint(sceneID string) {
	if w.checkpointEvery <= 0 || w.snapshotFn == nil {
		return
	}
	w.written[sceneID]++
	if w.written[sceneID] < w.checkpointEvery {
		return
	}
	w.written[sceneID] = 0

	snap := w.snapshotFn(sceneID)
	if snap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.writer.CheckpointScene(ctx, snap); err != nil {
		logger.Log.Warnf("checkpointing scene %s at seq %d failed: %v", sceneID, snap.Seq, err)
	}
}
