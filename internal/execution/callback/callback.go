// Package callback applies completion signals posted by external compute.
// Signals that do not carry the node's current execution token are ignored.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/reelforge/internal/artifacts"
	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/execution/controller"
	"github.com/animus-labs/reelforge/internal/metrics"
	"github.com/animus-labs/reelforge/internal/repo"
)

var ErrMalformed = errors.New("malformed callback")

type Result int

const (
	ResultApplied Result = iota
	ResultIgnored
	ResultNotFound
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "ok"
	case ResultIgnored:
		return "ignored"
	case ResultNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Signal is the callback body. NodeType is sent as executor_type.
type Signal struct {
	NodeUUID    string   `json:"node_uuid"`
	NodeType    string   `json:"executor_type,omitempty"`
	ProcessUUID string   `json:"process_uuid"`
	Result      *Payload `json:"result,omitempty"`
	Error       string   `json:"error,omitempty"`
	ErrorType   string   `json:"error_type,omitempty"`
}

type Payload struct {
	StorageKey      string  `json:"storage_key"`
	StorageTarget   string  `json:"storage_target,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ContentType     string  `json:"content_type,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
}

type Recorder interface {
	Succeed(ctx context.Context, nodeUUID, token string, output domain.NodeOutput, cost float64) (controller.Outcome, error)
	Fail(ctx context.Context, nodeUUID, token, message string, errType domain.ErrorType) (controller.Outcome, error)
}

type Processor struct {
	store     repo.Store
	artifacts *artifacts.Router
	recorder  Recorder
	logger    *slog.Logger
}

func NewProcessor(store repo.Store, router *artifacts.Router, recorder Recorder, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, artifacts: router, recorder: recorder, logger: logger.With("component", "callback")}
}

// Process applies sig. Errors wrapping ErrMalformed are the caller's fault;
// any other error is an internal failure the caller may retry.
func (p *Processor) Process(ctx context.Context, sig Signal) (Result, error) {
	res, err := p.process(ctx, sig)
	label := res.String()
	if err != nil {
		label = "error"
		if errors.Is(err, ErrMalformed) {
			label = "malformed"
		}
	}
	metrics.Callbacks.WithLabelValues(label).Inc()
	return res, err
}

func (p *Processor) process(ctx context.Context, sig Signal) (Result, error) {
	nodeUUID := strings.TrimSpace(sig.NodeUUID)
	token := strings.TrimSpace(sig.ProcessUUID)
	if nodeUUID == "" || token == "" {
		return ResultIgnored, fmt.Errorf("%w: node_uuid and process_uuid are required", ErrMalformed)
	}

	node, err := p.store.GetNode(ctx, nodeUUID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ResultNotFound, nil
		}
		return ResultIgnored, fmt.Errorf("load node: %w", err)
	}
	if sig.NodeType != "" {
		t, ok := domain.ParseNodeType(sig.NodeType)
		if !ok || t != node.Type {
			return ResultIgnored, fmt.Errorf("%w: executor_type %q does not match node type %s", ErrMalformed, sig.NodeType, node.Type)
		}
	}
	if !node.IsCurrent(token) {
		metrics.StaleSignals.WithLabelValues("callback").Inc()
		p.logger.Info("stale callback ignored", "node_uuid", nodeUUID, "process_uuid", token, "status", node.Status)
		return ResultIgnored, nil
	}

	switch {
	case sig.Error != "" || (sig.Result == nil && sig.ErrorType != ""):
		errType := domain.NormalizeErrorType(sig.ErrorType, domain.ErrorTypeCompute)
		outcome, err := p.recorder.Fail(ctx, nodeUUID, token, sig.Error, errType)
		return resultOf(outcome), err
	case sig.Result != nil:
		output, cost, err := p.output(ctx, node, *sig.Result)
		if err != nil {
			return ResultIgnored, err
		}
		outcome, err := p.recorder.Succeed(ctx, nodeUUID, token, output, cost)
		return resultOf(outcome), err
	default:
		return ResultIgnored, fmt.Errorf("%w: result or error is required", ErrMalformed)
	}
}

func resultOf(o controller.Outcome) Result {
	if o == controller.OutcomeApplied {
		return ResultApplied
	}
	return ResultIgnored
}

// output normalises a result payload. The size is read from the store when
// the compute did not report it.
func (p *Processor) output(ctx context.Context, node domain.Node, res Payload) (domain.NodeOutput, float64, error) {
	key := strings.TrimSpace(res.StorageKey)
	if key == "" {
		return domain.NodeOutput{}, 0, fmt.Errorf("%w: result.storage_key is required", ErrMalformed)
	}
	if res.SizeBytes < 0 || res.DurationSeconds < 0 {
		return domain.NodeOutput{}, 0, fmt.Errorf("%w: result size and duration must be >= 0", ErrMalformed)
	}
	kind := node.Type.ArtifactKind()
	if kind == "" {
		return domain.NodeOutput{}, 0, fmt.Errorf("%w: %s nodes do not accept results", ErrMalformed, node.Type)
	}

	var (
		store  artifacts.Store
		target string
		err    error
	)
	if res.StorageTarget != "" {
		store, target, err = p.artifacts.For(res.StorageTarget)
		if err != nil {
			return domain.NodeOutput{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		pipeline, perr := p.store.GetPipeline(ctx, node.PipelineUUID)
		if perr != nil {
			return domain.NodeOutput{}, 0, fmt.Errorf("load pipeline: %w", perr)
		}
		store, target, err = p.artifacts.ForPipeline(pipeline)
		if err != nil {
			return domain.NodeOutput{}, 0, err
		}
	}

	size, contentType := res.SizeBytes, res.ContentType
	if size == 0 {
		obj, err := store.Stat(ctx, key)
		if err != nil {
			return domain.NodeOutput{}, 0, fmt.Errorf("stat result %s: %w", key, err)
		}
		size = obj.Size
		if contentType == "" {
			contentType = obj.ContentType
		}
	}
	cost := res.Cost
	if cost < 0 {
		cost = 0
	}
	return domain.NodeOutput{
		StorageTarget:   target,
		StorageKey:      key,
		SizeBytes:       size,
		DurationSeconds: res.DurationSeconds,
		Kind:            kind,
		ContentType:     artifacts.ContentType(contentType, kind),
	}, cost, nil
}
