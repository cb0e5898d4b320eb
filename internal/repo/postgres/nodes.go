package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/platform/auditlog"
	"github.com/animus-labs/reelforge/internal/platform/requestid"
	"github.com/animus-labs/reelforge/internal/repo"
)

const auditActor = "reelforge-orchestrator"

const nodeColumns = `n.id, n.node_uuid, n.pipeline_id, p.pipeline_uuid, n.node_type, n.status, n.title, n.inputs, n.config, n.output, n.metadata, n.created_at, n.updated_at`

const (
	insertNodeQuery = `INSERT INTO nodes (
		node_uuid,
		pipeline_id,
		node_type,
		status,
		title,
		inputs,
		config,
		output,
		metadata,
		execution_token,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	RETURNING id`

	lockPipelineForNodeQuery = `SELECT id, pipeline_uuid FROM pipelines WHERE pipeline_uuid = $1 OR id = $2 FOR NO KEY UPDATE`

	countSiblingsQuery = `SELECT count(*) FROM nodes WHERE pipeline_id = $1 AND node_uuid = ANY($2)`

	selectNodeQuery = `SELECT ` + nodeColumns + `
	 FROM nodes n
	 JOIN pipelines p ON p.id = n.pipeline_id
	 WHERE n.node_uuid = $1`

	selectNodesQuery = `SELECT ` + nodeColumns + `
	 FROM nodes n
	 JOIN pipelines p ON p.id = n.pipeline_id
	 WHERE n.node_uuid = ANY($1)
	 ORDER BY n.id ASC`

	listNodesQuery = `SELECT ` + nodeColumns + `
	 FROM nodes n
	 JOIN pipelines p ON p.id = n.pipeline_id
	 WHERE ($1 = '' OR p.pipeline_uuid = $1)
	   AND ($2 = '' OR n.status = $2)
	 ORDER BY n.id ASC
	 LIMIT $3`

	lockNodeQuery = `SELECT ` + nodeColumns + `
	 FROM nodes n
	 JOIN pipelines p ON p.id = n.pipeline_id
	 WHERE n.node_uuid = $1
	 FOR UPDATE OF n`

	deleteNodeQuery = `DELETE FROM nodes WHERE id = $1`

	// The prior status and token guard the write even though the row is
	// already locked, so a transition can never apply to a state it did not read.
	updateNodeStateQuery = `UPDATE nodes
	 SET status = $2, output = $3, metadata = $4, execution_token = $5, updated_at = $6
	 WHERE id = $1 AND status = $7 AND execution_token IS NOT DISTINCT FROM $8`
)

const defaultListLimit = 500

func (s *Store) CreateNode(ctx context.Context, n domain.Node) (domain.Node, error) {
	if s == nil || s.db == nil {
		return domain.Node{}, fmt.Errorf("node store not initialized")
	}
	if strings.TrimSpace(n.UUID) == "" {
		n.UUID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	if n.Inputs == nil {
		n.Inputs = domain.Inputs{}
	}

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, lockPipelineForNodeQuery, strings.TrimSpace(n.PipelineUUID), n.PipelineID).Scan(&n.PipelineID, &n.PipelineUUID); err != nil {
			return noRows(err)
		}
		if err := n.Validate(); err != nil {
			return err
		}
		if refs := n.Inputs.Refs(); len(refs) > 0 {
			var found int
			if err := tx.QueryRowContext(ctx, countSiblingsQuery, n.PipelineID, refs).Scan(&found); err != nil {
				return fmt.Errorf("check inputs: %w", err)
			}
			if found != len(refs) {
				return repo.ErrForeignInput
			}
		}

		inputsJSON, err := toJSONB(n.Inputs)
		if err != nil {
			return fmt.Errorf("encode inputs: %w", err)
		}
		configJSON, err := domain.EncodeConfig(n.Config)
		if err != nil {
			return err
		}
		outputJSON, metadataJSON, err := encodeState(n)
		if err != nil {
			return err
		}
		now := utcOrNow(s.now())
		n.CreatedAt, n.UpdatedAt = now, now

		err = tx.QueryRowContext(
			ctx,
			insertNodeQuery,
			n.UUID,
			n.PipelineID,
			string(n.Type),
			string(n.Status),
			strings.TrimSpace(n.Title),
			inputsJSON,
			[]byte(configJSON),
			outputJSON,
			metadataJSON,
			optionalText(n.Metadata.ProcessUUID),
			n.CreatedAt,
			n.UpdatedAt,
		).Scan(&n.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return repo.ErrConflict
			}
			return fmt.Errorf("insert node: %w", err)
		}
		if err := refreshProgress(ctx, tx, n.PipelineID, 0, now); err != nil {
			return err
		}
		return s.audit(ctx, tx, n, "node.created", now, map[string]any{
			"pipeline_uuid": n.PipelineUUID,
			"node_type":     n.Type,
		})
	})
	if err != nil {
		return domain.Node{}, err
	}
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, nodeUUID string) (domain.Node, error) {
	if s == nil || s.db == nil {
		return domain.Node{}, fmt.Errorf("node store not initialized")
	}
	nodeUUID = strings.TrimSpace(nodeUUID)
	if nodeUUID == "" {
		return domain.Node{}, repo.ErrNotFound
	}
	return scanNode(s.db.QueryRowContext(ctx, selectNodeQuery, nodeUUID))
}

func (s *Store) GetNodes(ctx context.Context, nodeUUIDs []string) ([]domain.Node, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("node store not initialized")
	}
	if len(nodeUUIDs) == 0 {
		return []domain.Node{}, nil
	}
	rows, err := s.db.QueryContext(ctx, selectNodesQuery, nodeUUIDs)
	if err != nil {
		return nil, fmt.Errorf("select nodes: %w", err)
	}
	return collectNodes(rows)
}

func (s *Store) ListNodes(ctx context.Context, filter repo.NodeFilter) ([]domain.Node, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("node store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, listNodesQuery, strings.TrimSpace(filter.PipelineUUID), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return collectNodes(rows)
}

func (s *Store) DeleteNode(ctx context.Context, nodeUUID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("node store not initialized")
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := scanNode(tx.QueryRowContext(ctx, lockNodeQuery, strings.TrimSpace(nodeUUID)))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteNodeQuery, n.ID); err != nil {
			return fmt.Errorf("delete node: %w", err)
		}
		now := utcOrNow(s.now())
		if err := refreshProgress(ctx, tx, n.PipelineID, 0, now); err != nil {
			return err
		}
		return s.audit(ctx, tx, n, "node.deleted", now, nil)
	})
}

func (s *Store) BeginExecution(ctx context.Context, nodeUUID, token string, at time.Time) (domain.Node, error) {
	var started domain.Node
	_, err := s.transition(ctx, nodeUUID, "node.execution.started", 0, func(n *domain.Node) (bool, error) {
		if !n.Status.CanStart() {
			return false, repo.ErrConflict
		}
		n.ApplyStart(token, at)
		started = n.Clone()
		return true, nil
	})
	if err != nil {
		return domain.Node{}, err
	}
	return started, nil
}

func (s *Store) UpdateExecution(ctx context.Context, nodeUUID, token string, patch domain.NodeMetadata, at time.Time) (bool, error) {
	return s.transition(ctx, nodeUUID, "node.execution.updated", 0, func(n *domain.Node) (bool, error) {
		if !n.IsCurrent(token) {
			return false, nil
		}
		return true, n.ApplyUpdate(patch, at)
	})
}

func (s *Store) CompleteExecution(ctx context.Context, nodeUUID, token string, output domain.NodeOutput, cost float64, at time.Time) (bool, error) {
	return s.transition(ctx, nodeUUID, "node.execution.completed", cost, func(n *domain.Node) (bool, error) {
		if !n.IsCurrent(token) {
			return false, nil
		}
		n.ApplySuccess(output, cost, at)
		return true, nil
	})
}

func (s *Store) FailExecution(ctx context.Context, nodeUUID, token string, failure domain.ExecutionError) (bool, error) {
	return s.transition(ctx, nodeUUID, "node.execution.failed", 0, func(n *domain.Node) (bool, error) {
		if token != "" && !n.IsCurrent(token) {
			return false, nil
		}
		n.ApplyFailure(failure.Message, failure.Type, utcOrNow(failure.OccurredAt))
		return true, nil
	})
}

// transition locks the node, lets apply mutate it, and persists the result
// when apply reports it took effect.
func (s *Store) transition(ctx context.Context, nodeUUID, action string, cost float64, apply func(n *domain.Node) (bool, error)) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("node store not initialized")
	}
	nodeUUID = strings.TrimSpace(nodeUUID)
	if nodeUUID == "" {
		return false, repo.ErrNotFound
	}

	applied := false
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := scanNode(tx.QueryRowContext(ctx, lockNodeQuery, nodeUUID))
		if err != nil {
			return err
		}
		prevStatus, prevToken := n.Status, n.Metadata.ProcessUUID

		ok, err := apply(&n)
		if err != nil || !ok {
			return err
		}
		if err := n.CheckInvariants(); err != nil {
			return fmt.Errorf("node %s: %w", n.UUID, err)
		}
		outputJSON, metadataJSON, err := encodeState(n)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(
			ctx,
			updateNodeStateQuery,
			n.ID,
			string(n.Status),
			outputJSON,
			metadataJSON,
			optionalText(n.Metadata.ProcessUUID),
			n.UpdatedAt,
			string(prevStatus),
			optionalText(prevToken),
		)
		if err != nil {
			return fmt.Errorf("update node: %w", err)
		}
		if rows, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update node: %w", err)
		} else if rows != 1 {
			return repo.ErrConflict
		}

		if n.Status != prevStatus || cost != 0 {
			if err := refreshProgress(ctx, tx, n.PipelineID, cost, n.UpdatedAt); err != nil {
				return err
			}
		}
		payload := map[string]any{
			"process_uuid": n.Metadata.ProcessUUID,
			"from_status":  prevStatus,
			"to_status":    n.Status,
			"stage":        n.Metadata.Stage,
		}
		if n.Metadata.Error != nil {
			payload["error_type"] = n.Metadata.Error.Type
		}
		if cost != 0 {
			payload["cost"] = cost
		}
		if err := s.audit(ctx, tx, n, action, n.UpdatedAt, payload); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) audit(ctx context.Context, tx *sql.Tx, n domain.Node, action string, at time.Time, payload map[string]any) error {
	requestID, _ := requestid.FromContext(ctx)
	_, err := auditlog.Insert(ctx, tx, auditlog.Event{
		OccurredAt:   at,
		Actor:        auditActor,
		Action:       action,
		ResourceType: auditlog.ResourceNode,
		ResourceID:   n.UUID,
		RequestID:    requestID,
		Payload:      payload,
	})
	return err
}

func encodeState(n domain.Node) ([]byte, []byte, error) {
	var outputJSON []byte
	if n.Output != nil {
		raw, err := toJSONB(n.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("encode output: %w", err)
		}
		outputJSON = raw
	}
	metadataJSON, err := toJSONB(n.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return outputJSON, metadataJSON, nil
}

func scanNode(row scanner) (domain.Node, error) {
	var n domain.Node
	var nodeType, status string
	var inputsJSON, configJSON, outputJSON, metadataJSON []byte
	if err := row.Scan(
		&n.ID,
		&n.UUID,
		&n.PipelineID,
		&n.PipelineUUID,
		&nodeType,
		&status,
		&n.Title,
		&inputsJSON,
		&configJSON,
		&outputJSON,
		&metadataJSON,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		return domain.Node{}, noRows(err)
	}

	t, ok := domain.ParseNodeType(nodeType)
	if !ok {
		return domain.Node{}, fmt.Errorf("node %s: unknown node type %q", n.UUID, nodeType)
	}
	n.Type = t
	n.Status = domain.NormalizeStatus(status)
	n.Inputs = domain.Inputs{}
	if err := fromJSONB(inputsJSON, &n.Inputs); err != nil {
		return domain.Node{}, fmt.Errorf("node %s: decode inputs: %w", n.UUID, err)
	}
	cfg, err := domain.DecodeConfig(t, configJSON)
	if err != nil {
		return domain.Node{}, fmt.Errorf("node %s: %w", n.UUID, err)
	}
	n.Config = cfg
	if len(outputJSON) > 0 {
		var out domain.NodeOutput
		if err := fromJSONB(outputJSON, &out); err != nil {
			return domain.Node{}, fmt.Errorf("node %s: decode output: %w", n.UUID, err)
		}
		n.Output = &out
	}
	if err := fromJSONB(metadataJSON, &n.Metadata); err != nil {
		return domain.Node{}, fmt.Errorf("node %s: decode metadata: %w", n.UUID, err)
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return n, nil
}

func collectNodes(rows *sql.Rows) ([]domain.Node, error) {
	defer rows.Close()
	out := make([]domain.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
