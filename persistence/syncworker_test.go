package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/timer"
)

// flakyWriter fails the first failures calls to WriteMutation, then succeeds.
type flakyWriter struct {
	mu          sync.Mutex
	failures    int
	writes      []models.AppliedMutation
	checkpoints int32
	attempts    int32
}

func (f *flakyWriter) WriteMutation(ctx context.Context, applied models.AppliedMutation) error {
	atomic.AddInt32(&f.attempts, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return context.DeadlineExceeded
	}
	f.writes = append(f.writes, applied)
	return nil
}

func (f *flakyWriter) CheckpointScene(ctx context.Context, snap *models.Snapshot) error {
	atomic.AddInt32(&f.checkpoints, 1)
	return nil
}

func (f *flakyWriter) SetActiveScene(ctx context.Context, sceneID string) error { return nil }

func (f *flakyWriter) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func applied(sceneID string, seq uint64) models.AppliedMutation {
	return models.AppliedMutation{
		Mutation: models.Mutation{
			SceneID: sceneID,
			LayerID: "l1",
			Kind:    models.KindTokenMove,
			Payload: []byte(`{"tokenId":"tok1","x":1}`),
		},
		ServerSeq: seq,
		AppliedAt: time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSyncWorkerWritesMutations(t *testing.T) {
	writer := &flakyWriter{}
	timers := timer.NewManager()
	defer timers.Stop()

	w := NewSyncWorker(writer, timers, nil, 16, 0)
	defer w.Close()

	for i := 1; i <= 3; i++ {
		w.Publish(applied("s1", uint64(i)), models.VisibilityShared)
	}

	waitFor(t, 2*time.Second, func() bool { return writer.writeCount() == 3 })
	writer.mu.Lock()
	defer writer.mu.Unlock()
	for i, entry := range writer.writes {
		if entry.ServerSeq != uint64(i+1) {
			t.Fatalf("journal order broken at %d: seq %d", i, entry.ServerSeq)
		}
	}
}

func TestSyncWorkerRetriesFailedWrites(t *testing.T) {
	writer := &flakyWriter{failures: 2}
	timers := timer.NewManager()
	defer timers.Stop()

	w := NewSyncWorker(writer, timers, nil, 16, 0)
	defer w.Close()

	w.Publish(applied("s1", 1), models.VisibilityShared)

	// Backoff is 500ms then 1s before the third attempt lands.
	waitFor(t, 5*time.Second, func() bool { return writer.writeCount() == 1 })
	if got := atomic.LoadInt32(&writer.attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSyncWorkerCheckpointsPeriodically(t *testing.T) {
	writer := &flakyWriter{}
	timers := timer.NewManager()
	defer timers.Stop()

	w := NewSyncWorker(writer, timers, nil, 16, 2)
	w.SetSnapshotFunc(func(sceneID string) *models.Snapshot {
		return &models.Snapshot{SceneID: sceneID, Seq: 99}
	})
	defer w.Close()

	for i := 1; i <= 4; i++ {
		w.Publish(applied("s1", uint64(i)), models.VisibilityShared)
	}

	// Two checkpoints: after the 2nd and the 4th mutation.
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&writer.checkpoints) == 2 })
}

func TestSyncWorkerDropsWhenQueueFull(t *testing.T) {
	writer := &flakyWriter{}
	timers := timer.NewManager()
	defer timers.Stop()

	w := NewSyncWorker(writer, timers, nil, 1, 0)
	w.Close() // run loop stops; the queue no longer drains

	// Fill the 1-slot queue plus overflow; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			w.Publish(applied("s1", uint64(i)), models.VisibilityShared)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}
