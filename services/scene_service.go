// services/scene_service.go
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/persistence"
	"github.com/Marcinkowski-D/dma-vtt/state"
)

// SceneService is the campaign-management surface: creating, listing and
// deleting scenes. Live editing goes through the mutation pipeline instead.
type SceneService struct {
	db     persistence.Database
	scenes *state.Manager
}

func NewSceneService(db persistence.Database, scenes *state.Manager) *SceneService {
	return &SceneService{db: db, scenes: scenes}
}

// CreateScene persists a new inactive scene with the standard layer set:
// a GM-only background, a shared player layer and a GM-only foreground.
func (s *SceneService) CreateScene(ctx context.Context, name string) (*models.Scene, error) {
	if name == "" {
		return nil, fmt.Errorf("scene name must not be empty")
	}

	scene := &models.Scene{
		ID:   uuid.New().String(),
		Name: name,
		Layers: []*models.Layer{
			models.NewLayer(uuid.New().String(), "Background", models.VisibilityGMOnly),
			models.NewLayer(uuid.New().String(), "Player", models.VisibilityShared),
			models.NewLayer(uuid.New().String(), "Foreground", models.VisibilityGMOnly),
		},
	}

	if err := s.db.CreateScene(ctx, scene); err != nil {
		return nil, fmt.Errorf("create scene: %w", err)
	}
	return scene, nil
}

// ListScenes returns the scene catalog. Players only see active scenes;
// the GM sees everything.
func (s *SceneService) ListScenes(ctx context.Context, role models.Role) ([]models.SceneInfo, error) {
	return s.db.ListScenes(ctx, role != models.RoleGM)
}

// DeleteScene removes a scene and its journal. The active scene and any
// scene with live subscribers cannot be deleted.
func (s *SceneService) DeleteScene(ctx context.Context, sceneID string) error {
	if s.scenes.ActiveScene() == sceneID {
		return fmt.Errorf("scene %s is active and cannot be deleted", sceneID)
	}
	if _, resident := s.scenes.Get(sceneID); resident {
		return fmt.Errorf("scene %s is in use and cannot be deleted", sceneID)
	}
	return s.db.DeleteScene(ctx, sceneID)
}
