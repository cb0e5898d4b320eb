package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/reelforge/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a conditional transition found the node in a
	// status it cannot leave.
	ErrConflict     = errors.New("conflicting node status")
	ErrForeignInput = errors.New("input references a node outside the pipeline")
)

type NodeFilter struct {
	PipelineUUID string
	Status       domain.Status
	Limit        int
}

// PipelineRepository manages pipelines. Deleting a pipeline removes its nodes.
type PipelineRepository interface {
	CreatePipeline(ctx context.Context, pipeline domain.Pipeline) (domain.Pipeline, error)
	GetPipeline(ctx context.Context, pipelineUUID string) (domain.Pipeline, error)
	DeletePipeline(ctx context.Context, pipelineUUID string) error
}

// NodeRepository manages nodes and their execution transitions.
//
// The *Execution methods are conditional: BeginExecution only leaves pending
// or failed, and Update/Complete/Fail only apply while the node is in_progress
// under the supplied token. A false result means the write did not apply.
// FailExecution with an empty token applies unconditionally.
type NodeRepository interface {
	CreateNode(ctx context.Context, node domain.Node) (domain.Node, error)
	GetNode(ctx context.Context, nodeUUID string) (domain.Node, error)
	GetNodes(ctx context.Context, nodeUUIDs []string) ([]domain.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]domain.Node, error)
	DeleteNode(ctx context.Context, nodeUUID string) error

	BeginExecution(ctx context.Context, nodeUUID, token string, at time.Time) (domain.Node, error)
	UpdateExecution(ctx context.Context, nodeUUID, token string, patch domain.NodeMetadata, at time.Time) (bool, error)
	CompleteExecution(ctx context.Context, nodeUUID, token string, output domain.NodeOutput, cost float64, at time.Time) (bool, error)
	FailExecution(ctx context.Context, nodeUUID, token string, failure domain.ExecutionError) (bool, error)
}

type Store interface {
	PipelineRepository
	NodeRepository
}
