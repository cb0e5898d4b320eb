// Package controller owns the node execution state machine. Every status
// change after authoring goes through a Controller, and every change made on
// behalf of an asynchronous execution is fenced by the execution token minted
// in Start.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/metrics"
	"github.com/animus-labs/reelforge/internal/repo"
)

var ErrInvalidTransition = errors.New("invalid node transition")

// NotReadyError lists the referenced inputs that have not completed.
type NotReadyError struct {
	Pending []string
}

func (e *NotReadyError) Error() string {
	return "node inputs not ready: " + strings.Join(e.Pending, ", ")
}

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeStale
)

func (o Outcome) String() string {
	if o == OutcomeApplied {
		return "applied"
	}
	return "stale"
}

// Validator checks a node against its type schema.
type Validator interface {
	Validate(node domain.Node) error
}

// Execution is a started attempt. Inputs holds the resolved input nodes keyed
// by UUID and lives only as long as the request that started the attempt.
type Execution struct {
	Node   domain.Node
	Token  string
	Inputs map[string]domain.Node
}

// Slot returns the resolved nodes bound to slot, in declaration order.
func (e Execution) Slot(slot string) []domain.Node {
	refs := e.Node.Inputs[slot]
	out := make([]domain.Node, 0, len(refs))
	for _, ref := range refs {
		if n, ok := e.Inputs[ref]; ok {
			out = append(out, n)
		}
	}
	return out
}

type Controller struct {
	nodes    repo.NodeRepository
	schema   Validator
	logger   *slog.Logger
	now      func() time.Time
	newToken func() string
}

func New(nodes repo.NodeRepository, schema Validator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		nodes:    nodes,
		schema:   schema,
		logger:   logger.With("component", "controller"),
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// Start begins a new execution attempt. It fails without mutating the node
// when the node cannot start, does not validate, or has unfinished inputs.
func (c *Controller) Start(ctx context.Context, nodeUUID string) (Execution, error) {
	node, err := c.nodes.GetNode(ctx, nodeUUID)
	if err != nil {
		return Execution{}, err
	}
	if !node.Status.CanStart() {
		return Execution{}, fmt.Errorf("%w: node %s is %s", ErrInvalidTransition, node.UUID, node.Status)
	}
	if c.schema != nil {
		if err := c.schema.Validate(node); err != nil {
			return Execution{}, err
		}
	}
	inputs, err := c.resolveInputs(ctx, node)
	if err != nil {
		return Execution{}, err
	}

	token := c.newToken()
	started, err := c.nodes.BeginExecution(ctx, node.UUID, token, c.now())
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return Execution{}, fmt.Errorf("%w: node %s was started concurrently", ErrInvalidTransition, node.UUID)
		}
		return Execution{}, fmt.Errorf("begin execution: %w", err)
	}

	metrics.Transitions.WithLabelValues(string(domain.StatusInProgress)).Inc()
	c.logger.Info("node execution started",
		"node_uuid", started.UUID,
		"pipeline_uuid", started.PipelineUUID,
		"node_type", started.Type,
		"process_uuid", token,
		"attempt", started.Metadata.Attempts,
	)
	return Execution{Node: started, Token: token, Inputs: inputs}, nil
}

func (c *Controller) resolveInputs(ctx context.Context, node domain.Node) (map[string]domain.Node, error) {
	refs := node.Inputs.Refs()
	resolved := make(map[string]domain.Node, len(refs))
	if len(refs) == 0 {
		return resolved, nil
	}
	found, err := c.nodes.GetNodes(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("resolve inputs: %w", err)
	}
	for _, n := range found {
		if n.PipelineUUID != node.PipelineUUID {
			continue
		}
		resolved[n.UUID] = n
	}
	pending := make([]string, 0)
	for _, ref := range refs {
		n, ok := resolved[ref]
		if !ok || n.Status != domain.StatusCompleted || n.Output == nil {
			pending = append(pending, ref)
		}
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		return nil, &NotReadyError{Pending: pending}
	}
	return resolved, nil
}

// Update merges patch into the metadata of the running attempt fenced by token.
func (c *Controller) Update(ctx context.Context, nodeUUID, token string, patch domain.NodeMetadata) (Outcome, error) {
	ok, err := c.nodes.UpdateExecution(ctx, nodeUUID, token, patch, c.now())
	if err != nil {
		return OutcomeStale, fmt.Errorf("update execution: %w", err)
	}
	if !ok {
		return c.stale("update", nodeUUID, token), nil
	}
	return OutcomeApplied, nil
}

// Succeed completes the attempt fenced by token with output and adds cost to
// the node and its pipeline.
func (c *Controller) Succeed(ctx context.Context, nodeUUID, token string, output domain.NodeOutput, cost float64) (Outcome, error) {
	if err := output.Validate(); err != nil {
		return OutcomeStale, err
	}
	if cost < 0 {
		cost = 0
	}
	ok, err := c.nodes.CompleteExecution(ctx, nodeUUID, token, output, cost, c.now())
	if err != nil {
		return OutcomeStale, fmt.Errorf("complete execution: %w", err)
	}
	if !ok {
		return c.stale("succeed", nodeUUID, token), nil
	}
	metrics.Transitions.WithLabelValues(string(domain.StatusCompleted)).Inc()
	c.logger.Info("node execution completed",
		"node_uuid", nodeUUID,
		"process_uuid", token,
		"storage_key", output.StorageKey,
		"size_bytes", output.SizeBytes,
		"cost", cost,
	)
	return OutcomeApplied, nil
}

// Fail records a failure. With a token it is fenced like Succeed; with an
// empty token it applies whatever the node's state.
func (c *Controller) Fail(ctx context.Context, nodeUUID, token, message string, errType domain.ErrorType) (Outcome, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "execution failed"
	}
	errType = domain.NormalizeErrorType(string(errType), domain.ErrorTypeInternal)
	ok, err := c.nodes.FailExecution(ctx, nodeUUID, token, domain.ExecutionError{
		Message:    message,
		Type:       errType,
		OccurredAt: c.now().UTC(),
	})
	if err != nil {
		return OutcomeStale, fmt.Errorf("fail execution: %w", err)
	}
	if !ok {
		return c.stale("fail", nodeUUID, token), nil
	}
	metrics.Transitions.WithLabelValues(string(domain.StatusFailed)).Inc()
	metrics.Failures.WithLabelValues(string(errType)).Inc()
	c.logger.Warn("node execution failed",
		"node_uuid", nodeUUID,
		"process_uuid", token,
		"error_type", errType,
		"error", message,
	)
	return OutcomeApplied, nil
}

func (c *Controller) stale(source, nodeUUID, token string) Outcome {
	metrics.StaleSignals.WithLabelValues(source).Inc()
	c.logger.Info("stale execution signal ignored", "source", source, "node_uuid", nodeUUID, "process_uuid", token)
	return OutcomeStale
}
