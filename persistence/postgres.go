// persistence/postgres.go
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// PostgreSQL driver
	_ "github.com/lib/pq"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

// Postgres implements Database with plain database/sql. Functionally
// equivalent to GormPostgres; selected via the database.driver config key.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(host string, port int, user, password, dbname string) (*Postgres, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	p := &Postgres{db: db}
	if err := p.initSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scene_records (
			id SERIAL PRIMARY KEY,
			scene_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			seq BIGINT NOT NULL DEFAULT 0,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS mutation_records (
			id SERIAL PRIMARY KEY,
			scene_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			layer_id TEXT,
			kind TEXT NOT NULL,
			actor_id TEXT,
			payload JSONB,
			applied_at TIMESTAMPTZ NOT NULL,
			UNIQUE (scene_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) ReadScene(ctx context.Context, sceneID string) (*models.Snapshot, error) {
	var (
		name   string
		active bool
		seq    uint64
		data   []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT name, active, seq, data FROM scene_records WHERE scene_id = $1`,
		sceneID,
	).Scan(&name, &active, &seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode scene %s checkpoint: %w", sceneID, err)
	}
	snap.SceneID = sceneID
	snap.Name = name
	snap.Active = active
	snap.Seq = seq
	return &snap, nil
}

func (p *Postgres) ReadJournal(ctx context.Context, sceneID string, afterSeq uint64) ([]models.AppliedMutation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT seq, layer_id, kind, actor_id, payload, applied_at
		 FROM mutation_records WHERE scene_id = $1 AND seq > $2 ORDER BY seq ASC`,
		sceneID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AppliedMutation
	for rows.Next() {
		var (
			seq       uint64
			layerID   sql.NullString
			kind      string
			actorID   sql.NullString
			payload   []byte
			appliedAt time.Time
		)
		if err := rows.Scan(&seq, &layerID, &kind, &actorID, &payload, &appliedAt); err != nil {
			return nil, err
		}
		out = append(out, models.AppliedMutation{
			Mutation: models.Mutation{
				SceneID: sceneID,
				LayerID: layerID.String,
				Kind:    models.Kind(kind),
				Payload: payload,
				ActorID: actorID.String,
			},
			ServerSeq: seq,
			AppliedAt: appliedAt,
		})
	}
	return out, rows.Err()
}

func (p *Postgres) WriteMutation(ctx context.Context, applied models.AppliedMutation) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO mutation_records (scene_id, seq, layer_id, kind, actor_id, payload, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		applied.SceneID, applied.ServerSeq, applied.LayerID, string(applied.Kind),
		applied.ActorID, []byte(applied.Payload), applied.AppliedAt,
	)
	return err
}

func (p *Postgres) CheckpointScene(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO scene_records (scene_id, name, active, seq, data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scene_id) DO UPDATE
		 SET name = EXCLUDED.name, active = EXCLUDED.active,
		     seq = EXCLUDED.seq, data = EXCLUDED.data, updated_at = NOW()`,
		snap.SceneID, snap.Name, snap.Active, snap.Seq, data,
	)
	return err
}

func (p *Postgres) SetActiveScene(ctx context.Context, sceneID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE scene_records SET active = FALSE WHERE active`); err != nil {
		return err
	}
	if sceneID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE scene_records SET active = TRUE, updated_at = NOW() WHERE scene_id = $1`,
			sceneID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) CreateScene(ctx context.Context, scene *models.Scene) error {
	snap := &models.Snapshot{
		SceneID: scene.ID,
		Name:    scene.Name,
		Active:  scene.Active,
		Layers:  scene.Layers,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO scene_records (scene_id, name, active, data) VALUES ($1, $2, $3, $4)`,
		scene.ID, scene.Name, scene.Active, data,
	)
	return err
}

func (p *Postgres) ListScenes(ctx context.Context, activeOnly bool) ([]models.SceneInfo, error) {
	query := `SELECT scene_id, name, active FROM scene_records`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SceneInfo
	for rows.Next() {
		var info models.SceneInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.Active); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteScene(ctx context.Context, sceneID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutation_records WHERE scene_id = $1`, sceneID); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM scene_records WHERE scene_id = $1`, sceneID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
