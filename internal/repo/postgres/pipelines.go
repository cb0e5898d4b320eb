package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/repo"
)

const (
	insertPipelineQuery = `INSERT INTO pipelines (
		pipeline_uuid,
		title,
		version,
		config,
		metadata,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	RETURNING id`

	selectPipelineQuery = `SELECT id, pipeline_uuid, title, version, config, metadata, created_at, updated_at
	 FROM pipelines
	 WHERE pipeline_uuid = $1`

	deletePipelineQuery = `DELETE FROM pipelines WHERE pipeline_uuid = $1`

	lockPipelineMetadataQuery = `SELECT metadata FROM pipelines WHERE id = $1 FOR NO KEY UPDATE`

	listPipelineStatusesQuery = `SELECT status FROM nodes WHERE pipeline_id = $1`

	updatePipelineMetadataQuery = `UPDATE pipelines SET metadata = $2, updated_at = $3 WHERE id = $1`
)

// Store persists pipelines and nodes in postgres. Node transitions run in a
// transaction holding the node row lock, refresh the owning pipeline's
// progress counters, and append an audit event before committing.
type Store struct {
	db  DB
	now func() time.Time
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, now: time.Now}
}

var _ repo.Store = (*Store)(nil)

func (s *Store) CreatePipeline(ctx context.Context, p domain.Pipeline) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	if strings.TrimSpace(p.UUID) == "" {
		p.UUID = uuid.NewString()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if err := p.Validate(); err != nil {
		return domain.Pipeline{}, err
	}
	configJSON, err := toJSONB(p.Config)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("encode config: %w", err)
	}
	p.Metadata = domain.PipelineMetadata{TotalCost: p.Metadata.TotalCost}
	metadataJSON, err := toJSONB(p.Metadata)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("encode metadata: %w", err)
	}
	now := utcOrNow(s.now())
	p.CreatedAt, p.UpdatedAt = now, now

	err = s.db.QueryRowContext(
		ctx,
		insertPipelineQuery,
		strings.TrimSpace(p.UUID),
		strings.TrimSpace(p.Title),
		p.Version,
		configJSON,
		metadataJSON,
		p.CreatedAt,
		p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Pipeline{}, repo.ErrConflict
		}
		return domain.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}
	return p, nil
}

func (s *Store) GetPipeline(ctx context.Context, pipelineUUID string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	pipelineUUID = strings.TrimSpace(pipelineUUID)
	if pipelineUUID == "" {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return scanPipeline(s.db.QueryRowContext(ctx, selectPipelineQuery, pipelineUUID))
}

func (s *Store) DeletePipeline(ctx context.Context, pipelineUUID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deletePipelineQuery, strings.TrimSpace(pipelineUUID))
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanPipeline(row scanner) (domain.Pipeline, error) {
	var p domain.Pipeline
	var configJSON, metadataJSON []byte
	if err := row.Scan(&p.ID, &p.UUID, &p.Title, &p.Version, &configJSON, &metadataJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Pipeline{}, noRows(err)
	}
	if err := fromJSONB(configJSON, &p.Config); err != nil {
		return domain.Pipeline{}, fmt.Errorf("decode pipeline config: %w", err)
	}
	if err := fromJSONB(metadataJSON, &p.Metadata); err != nil {
		return domain.Pipeline{}, fmt.Errorf("decode pipeline metadata: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// refreshProgress recomputes the counters of pipelineID and adds cost to its
// total. It must run inside the transaction that changed a node status.
func refreshProgress(ctx context.Context, tx *sql.Tx, pipelineID int64, cost float64, now time.Time) error {
	var metadataJSON []byte
	if err := tx.QueryRowContext(ctx, lockPipelineMetadataQuery, pipelineID).Scan(&metadataJSON); err != nil {
		return fmt.Errorf("lock pipeline: %w", noRows(err))
	}
	var meta domain.PipelineMetadata
	if err := fromJSONB(metadataJSON, &meta); err != nil {
		return fmt.Errorf("decode pipeline metadata: %w", err)
	}

	rows, err := tx.QueryContext(ctx, listPipelineStatusesQuery, pipelineID)
	if err != nil {
		return fmt.Errorf("list node statuses: %w", err)
	}
	defer rows.Close()
	statuses := make([]domain.Status, 0)
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("scan node status: %w", err)
		}
		statuses = append(statuses, domain.NormalizeStatus(status))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list node statuses: %w", err)
	}

	meta = meta.Progress(statuses)
	meta.TotalCost += cost
	updated, err := toJSONB(meta)
	if err != nil {
		return fmt.Errorf("encode pipeline metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updatePipelineMetadataQuery, pipelineID, updated, now.UTC()); err != nil {
		return fmt.Errorf("update pipeline metadata: %w", err)
	}
	return nil
}
