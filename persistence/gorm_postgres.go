// persistence/gorm_postgres.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

// GormPostgres implements Database on top of GORM.
type GormPostgres struct {
	db *gorm.DB
}

func NewGormPostgres(host string, port int, user, password, dbname string) (*GormPostgres, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	gl := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold: time.Second,
			LogLevel:      gormlogger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gl,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, err
	}

	return &GormPostgres{db: db}, nil
}

// SceneRecord holds the latest checkpointed snapshot per scene.
type SceneRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SceneID   string `gorm:"uniqueIndex;not null"`
	Name      string `gorm:"not null"`
	Active    bool   `gorm:"default:false"`
	Seq       uint64 `gorm:"not null;default:0"`
	Data      []byte `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MutationRecord is one journal entry. The (scene_id, seq) pair is unique;
// journal order is restored by seq on read, so retried writes landing out of
// order are harmless.
type MutationRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SceneID   string `gorm:"not null;uniqueIndex:idx_scene_seq"`
	Seq       uint64 `gorm:"not null;uniqueIndex:idx_scene_seq"`
	LayerID   string
	Kind      string `gorm:"not null"`
	ActorID   string
	Payload   []byte `gorm:"type:jsonb"`
	AppliedAt time.Time
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SceneRecord{},
		&MutationRecord{},
	)
}

func (p *GormPostgres) ReadScene(ctx context.Context, sceneID string) (*models.Snapshot, error) {
	var rec SceneRecord
	err := p.db.WithContext(ctx).Where("scene_id = ?", sceneID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap models.Snapshot
	if err := json.Unmarshal(rec.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode scene %s checkpoint: %w", sceneID, err)
	}
	snap.SceneID = rec.SceneID
	snap.Name = rec.Name
	snap.Active = rec.Active
	snap.Seq = rec.Seq
	return &snap, nil
}

func (p *GormPostgres) ReadJournal(ctx context.Context, sceneID string, afterSeq uint64) ([]models.AppliedMutation, error) {
	var recs []MutationRecord
	err := p.db.WithContext(ctx).
		Where("scene_id = ? AND seq > ?", sceneID, afterSeq).
		Order("seq asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	var out []models.AppliedMutation
	for _, rec := range recs {
		out = append(out, models.AppliedMutation{
			Mutation: models.Mutation{
				SceneID: rec.SceneID,
				LayerID: rec.LayerID,
				Kind:    models.Kind(rec.Kind),
				Payload: rec.Payload,
				ActorID: rec.ActorID,
			},
			ServerSeq: rec.Seq,
			AppliedAt: rec.AppliedAt,
		})
	}
	return out, nil
}

func (p *GormPostgres) WriteMutation(ctx context.Context, applied models.AppliedMutation) error {
	rec := MutationRecord{
		SceneID:   applied.SceneID,
		Seq:       applied.ServerSeq,
		LayerID:   applied.LayerID,
		Kind:      string(applied.Kind),
		ActorID:   applied.ActorID,
		Payload:   applied.Payload,
		AppliedAt: applied.AppliedAt,
	}
	return p.db.WithContext(ctx).Create(&rec).Error
}

func (p *GormPostgres) CheckpointScene(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	var rec SceneRecord
	result := p.db.WithContext(ctx).Where("scene_id = ?", snap.SceneID).First(&rec)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		rec = SceneRecord{
			SceneID: snap.SceneID,
			Name:    snap.Name,
			Active:  snap.Active,
			Seq:     snap.Seq,
			Data:    data,
		}
		return p.db.WithContext(ctx).Create(&rec).Error
	} else if result.Error != nil {
		return result.Error
	}

	rec.Name = snap.Name
	rec.Active = snap.Active
	rec.Seq = snap.Seq
	rec.Data = data
	rec.UpdatedAt = time.Now()
	return p.db.WithContext(ctx).Save(&rec).Error
}

func (p *GormPostgres) SetActiveScene(ctx context.Context, sceneID string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SceneRecord{}).Where("active").Update("active", false).Error; err != nil {
			return err
		}
		if sceneID == "" {
			return nil
		}
		return tx.Model(&SceneRecord{}).Where("scene_id = ?", sceneID).Update("active", true).Error
	})
}

func (p *GormPostgres) CreateScene(ctx context.Context, scene *models.Scene) error {
	snap := &models.Snapshot{
		SceneID: scene.ID,
		Name:    scene.Name,
		Active:  scene.Active,
		Seq:     0,
		Layers:  scene.Layers,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	rec := SceneRecord{
		SceneID: scene.ID,
		Name:    scene.Name,
		Active:  scene.Active,
		Data:    data,
	}
	return p.db.WithContext(ctx).Create(&rec).Error
}

func (p *GormPostgres) ListScenes(ctx context.Context, activeOnly bool) ([]models.SceneInfo, error) {
	q := p.db.WithContext(ctx).Model(&SceneRecord{}).Order("created_at asc")
	if activeOnly {
		q = q.Where("active")
	}

	var recs []SceneRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	var out []models.SceneInfo
	for _, rec := range recs {
		out = append(out, models.SceneInfo{ID: rec.SceneID, Name: rec.Name, Active: rec.Active})
	}
	return out, nil
}

func (p *GormPostgres) DeleteScene(ctx context.Context, sceneID string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scene_id = ?", sceneID).Delete(&MutationRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("scene_id = ?", sceneID).Delete(&SceneRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (p *GormPostgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
