// persistence/interface.go
package persistence

import (
	"context"
	"errors"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Reader supplies scene state on load: the latest checkpoint plus the
// mutation journal past it.
type Reader interface {
	// ReadScene returns the latest checkpointed snapshot for the scene.
	ReadScene(ctx context.Context, sceneID string) (*models.Snapshot, error)
	// ReadJournal returns applied mutations with serverSeq > afterSeq, in
	// sequence order.
	ReadJournal(ctx context.Context, sceneID string, afterSeq uint64) ([]models.AppliedMutation, error)
}

// Writer is the asynchronous write-through target. Failures here are logged
// and retried; they never block live synchronization.
type Writer interface {
	WriteMutation(ctx context.Context, applied models.AppliedMutation) error
	CheckpointScene(ctx context.Context, snap *models.Snapshot) error
	// SetActiveScene marks the given scene active and every other scene
	// inactive. An empty id deactivates all scenes.
	SetActiveScene(ctx context.Context, sceneID string) error
}

// Catalog is the scene CRUD surface used by the admin services.
type Catalog interface {
	CreateScene(ctx context.Context, scene *models.Scene) error
	ListScenes(ctx context.Context, activeOnly bool) ([]models.SceneInfo, error)
	DeleteScene(ctx context.Context, sceneID string) error
}

// Database is the full persistence surface backed by PostgreSQL.
type Database interface {
	Reader
	Writer
	Catalog
	Close() error
}
