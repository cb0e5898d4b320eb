// Package dispatch routes a started execution to the strategy its node type
// uses: the direct asset path, submit-and-poll against a provider, or
// delegation to external compute that answers on a callback.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/reelforge/internal/artifacts"
	"github.com/animus-labs/reelforge/internal/compute"
	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/execution/controller"
	"github.com/animus-labs/reelforge/internal/execution/poller"
	"github.com/animus-labs/reelforge/internal/metrics"
	"github.com/animus-labs/reelforge/internal/provider"
	"github.com/animus-labs/reelforge/internal/repo"
)

var ErrUnknownNodeType = errors.New("unknown node type")

const (
	strategyDirect   = "direct"
	strategySubmit   = "submit_poll"
	strategyDelegate = "delegate_callback"
)

// Recorder applies token-fenced transitions.
type Recorder interface {
	Update(ctx context.Context, nodeUUID, token string, patch domain.NodeMetadata) (controller.Outcome, error)
	Succeed(ctx context.Context, nodeUUID, token string, output domain.NodeOutput, cost float64) (controller.Outcome, error)
	Fail(ctx context.Context, nodeUUID, token, message string, errType domain.ErrorType) (controller.Outcome, error)
}

type Dispatcher struct {
	cfg       Config
	pipelines repo.PipelineRepository
	recorder  Recorder
	providers *provider.Registry
	artifacts *artifacts.Router
	invoker   compute.Invoker
	scheduler poller.Scheduler
	logger    *slog.Logger
}

type Deps struct {
	Pipelines repo.PipelineRepository
	Recorder  Recorder
	Providers *provider.Registry
	Artifacts *artifacts.Router
	Invoker   compute.Invoker
	Scheduler poller.Scheduler
	Logger    *slog.Logger
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Pipelines == nil:
		return nil, errors.New("pipeline repository is required")
	case deps.Recorder == nil:
		return nil, errors.New("recorder is required")
	case deps.Providers == nil:
		return nil, errors.New("provider registry is required")
	case deps.Artifacts == nil:
		return nil, errors.New("artifact router is required")
	case deps.Invoker == nil:
		return nil, errors.New("compute invoker is required")
	case deps.Scheduler == nil:
		return nil, errors.New("scheduler is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		pipelines: deps.Pipelines,
		recorder:  deps.Recorder,
		providers: deps.Providers,
		artifacts: deps.Artifacts,
		invoker:   deps.Invoker,
		scheduler: deps.Scheduler,
		logger:    logger.With("component", "dispatch"),
	}, nil
}

// Dispatch runs the synchronous leg of exec. Any error has already been
// recorded on the node as a failure under exec's token.
func (d *Dispatcher) Dispatch(ctx context.Context, exec controller.Execution) error {
	switch exec.Node.Type {
	case domain.NodeTypeAsset:
		return d.observe(strategyDirect, d.direct(ctx, exec))
	case domain.NodeTypeGenerateVoiceover, domain.NodeTypeGenerateTalkingHead, domain.NodeTypeGenerateAnimation:
		return d.observe(strategySubmit, d.submit(ctx, exec))
	case domain.NodeTypeRenderCode, domain.NodeTypeMixAudio, domain.NodeTypeMergeVideos, domain.NodeTypeComposeVideo:
		return d.observe(strategyDelegate, d.delegate(ctx, exec))
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownNodeType, exec.Node.Type)
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
		return err
	}
}

func (d *Dispatcher) observe(strategy string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Dispatches.WithLabelValues(strategy, result).Inc()
	return err
}

func (d *Dispatcher) direct(ctx context.Context, exec controller.Execution) error {
	cfg, ok := exec.Node.Config.(domain.AssetConfig)
	if !ok {
		err := fmt.Errorf("asset node has %T config", exec.Node.Config)
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
		return err
	}
	output := domain.NodeOutput{
		Kind:            cfg.Kind,
		DurationSeconds: cfg.DurationSeconds,
		ContentType:     artifacts.ContentType(cfg.ContentType, cfg.Kind),
	}
	if key := strings.TrimSpace(cfg.StorageKey); key != "" {
		pipeline, err := d.pipelines.GetPipeline(ctx, exec.Node.PipelineUUID)
		if err != nil {
			d.fail(ctx, exec, "load pipeline: "+err.Error(), domain.ErrorTypeInternal)
			return fmt.Errorf("load pipeline: %w", err)
		}
		store, target, err := d.artifacts.ForPipeline(pipeline)
		if err != nil {
			d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
			return err
		}
		obj, err := store.Stat(ctx, key)
		if err != nil {
			d.fail(ctx, exec, "asset object: "+err.Error(), domain.ErrorTypeSubmission)
			return fmt.Errorf("stat asset %s: %w", key, err)
		}
		output.StorageTarget = target
		output.StorageKey = key
		output.SizeBytes = obj.Size
		if strings.TrimSpace(cfg.ContentType) == "" && obj.ContentType != "" {
			output.ContentType = obj.ContentType
		}
	} else {
		output.Text = cfg.Text
		output.SizeBytes = int64(len(cfg.Text))
	}
	if _, err := d.recorder.Succeed(ctx, exec.Node.UUID, exec.Token, output, 0); err != nil {
		d.fail(ctx, exec, "complete asset: "+err.Error(), domain.ErrorTypeInternal)
		return fmt.Errorf("complete asset: %w", err)
	}
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, exec controller.Execution) error {
	node := exec.Node
	prov, err := d.providers.ForType(node.Type)
	if err != nil {
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeSubmission)
		return err
	}
	inputs, err := d.presignInputs(ctx, exec)
	if err != nil {
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
		return err
	}
	params, err := providerParams(node, inputs)
	if err != nil {
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
		return err
	}

	submitCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	started := time.Now()
	sub, err := prov.API.Create(submitCtx, node.Type, params)
	cancel()
	metrics.SubmitDuration.WithLabelValues(prov.Name).Observe(time.Since(started).Seconds())
	if err != nil {
		d.fail(ctx, exec, "provider submission failed: "+err.Error(), domain.ErrorTypeSubmission)
		return fmt.Errorf("submit %s to %s: %w", node.UUID, prov.Name, err)
	}

	if sub.Inline() {
		if _, err := d.recorder.Update(ctx, node.UUID, exec.Token, domain.NodeMetadata{Provider: prov.Name, Stage: domain.StageUploading}); err != nil {
			d.fail(ctx, exec, "record inline result: "+err.Error(), domain.ErrorTypeInternal)
			return fmt.Errorf("record inline result: %w", err)
		}
		err := poller.SchedulePersist(d.scheduler, poller.PersistTask{
			NodeUUID:        node.UUID,
			Token:           exec.Token,
			Provider:        prov.Name,
			ResultURL:       sub.ResultURL,
			ContentType:     sub.ContentType,
			DurationSeconds: sub.DurationSeconds,
			Cost:            sub.Cost,
		})
		if err != nil {
			d.fail(ctx, exec, "schedule result upload: "+err.Error(), domain.ErrorTypeInternal)
			return fmt.Errorf("schedule persist: %w", err)
		}
		return nil
	}

	outcome, err := d.recorder.Update(ctx, node.UUID, exec.Token, domain.NodeMetadata{
		Provider:      prov.Name,
		ProviderJobID: sub.JobID,
		Stage:         domain.StageSubmitted,
	})
	if err != nil {
		d.fail(ctx, exec, "record submission: "+err.Error(), domain.ErrorTypeInternal)
		return fmt.Errorf("record submission: %w", err)
	}
	if outcome == controller.OutcomeStale {
		return nil
	}
	task := poller.PollTask{
		NodeUUID:   node.UUID,
		Token:      exec.Token,
		Provider:   prov.Name,
		JobID:      sub.JobID,
		Attempt:    1,
		SubmitCost: sub.Cost,
	}
	if err := poller.SchedulePoll(d.scheduler, task, prov.InitialDelay); err != nil {
		d.fail(ctx, exec, "schedule poll: "+err.Error(), domain.ErrorTypeInternal)
		return fmt.Errorf("schedule poll: %w", err)
	}
	d.logger.Info("provider job submitted", "node_uuid", node.UUID, "process_uuid", exec.Token, "provider", prov.Name, "job_id", sub.JobID)
	return nil
}

// providerParams flattens the node config and adds one entry per input slot:
// the inline text under the slot name, or a readable URL under slot+"_url".
func providerParams(node domain.Node, inputs []compute.Input) (map[string]any, error) {
	raw, err := domain.EncodeConfig(node.Config)
	if err != nil {
		return nil, err
	}
	params := map[string]any{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("flatten config: %w", err)
	}
	for _, in := range inputs {
		if in.Text != "" {
			params[in.Slot] = in.Text
			continue
		}
		params[in.Slot+"_url"] = in.URL
	}
	return params, nil
}

func (d *Dispatcher) delegate(ctx context.Context, exec controller.Execution) error {
	node := exec.Node
	pipeline, err := d.pipelines.GetPipeline(ctx, node.PipelineUUID)
	if err != nil {
		d.fail(ctx, exec, "load pipeline: "+err.Error(), domain.ErrorTypeInternal)
		return fmt.Errorf("load pipeline: %w", err)
	}
	_, target, err := d.artifacts.ForPipeline(pipeline)
	if err != nil {
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
		return err
	}
	inputs, err := d.presignInputs(ctx, exec)
	if err != nil {
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
		return err
	}
	config, err := domain.EncodeConfig(node.Config)
	if err != nil {
		d.fail(ctx, exec, err.Error(), domain.ErrorTypeInternal)
		return err
	}

	kind := node.Type.ArtifactKind()
	contentType := artifacts.ContentType("", kind)
	task := compute.Task{
		NodeUUID:    node.UUID,
		NodeType:    node.Type,
		ProcessUUID: exec.Token,
		CallbackURL: d.cfg.CallbackURL,
		Inputs:      inputs,
		Output: compute.Output{
			StorageTarget: target,
			StorageKey:    artifacts.NodeKey(pipeline.Config.WorkingDirOrDefault(), pipeline.UUID, node.UUID, exec.Token, artifacts.Extension(contentType, kind)),
			Kind:          kind,
			ContentType:   contentType,
		},
		Config: config,
	}

	invokeCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	err = d.invoker.Invoke(invokeCtx, task)
	cancel()
	if err != nil {
		d.fail(ctx, exec, "compute invocation failed: "+err.Error(), domain.ErrorTypeCompute)
		return fmt.Errorf("invoke compute for %s: %w", node.UUID, err)
	}
	// Compute already holds the task; its callback resolves the node.
	if _, err := d.recorder.Update(ctx, node.UUID, exec.Token, domain.NodeMetadata{Stage: domain.StageDelegated}); err != nil {
		d.logger.Warn("record delegation", "node_uuid", node.UUID, "process_uuid", exec.Token, "error", err.Error())
	}
	d.logger.Info("compute invoked", "node_uuid", node.UUID, "process_uuid", exec.Token, "inputs", len(inputs), "output_key", task.Output.StorageKey)
	return nil
}

// presignInputs resolves every bound input to a compute.Input, ordered by
// slot name and then by position within the slot. Stored artifacts get a
// presigned URL; text outputs are passed inline.
func (d *Dispatcher) presignInputs(ctx context.Context, exec controller.Execution) ([]compute.Input, error) {
	slots := make([]string, 0, len(exec.Node.Inputs))
	for slot := range exec.Node.Inputs {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	inputs := make([]compute.Input, 0)
	for _, slot := range slots {
		for _, ref := range exec.Node.Inputs[slot] {
			n, ok := exec.Inputs[ref]
			if !ok || n.Output == nil {
				return nil, fmt.Errorf("input %s/%s is not resolved", slot, ref)
			}
			inputs = append(inputs, compute.Input{
				Slot:            slot,
				NodeUUID:        n.UUID,
				Text:            n.Output.Text,
				Kind:            n.Output.Kind,
				ContentType:     n.Output.ContentType,
				DurationSeconds: n.Output.DurationSeconds,
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.PresignConcurrency)
	for i := range inputs {
		out := exec.Inputs[inputs[i].NodeUUID].Output
		if out.StorageKey == "" {
			continue
		}
		g.Go(func() error {
			store, _, err := d.artifacts.For(out.StorageTarget)
			if err != nil {
				return err
			}
			u, err := store.PresignGet(gctx, out.StorageKey, d.cfg.PresignTTL)
			if err != nil {
				return fmt.Errorf("presign input %s: %w", inputs[i].NodeUUID, err)
			}
			inputs[i].URL = u
			inputs[i].Text = ""
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

// fail records a dispatch failure. The request context may already be done,
// so the write runs detached from its cancellation.
func (d *Dispatcher) fail(ctx context.Context, exec controller.Execution, message string, errType domain.ErrorType) {
	if _, err := d.recorder.Fail(context.WithoutCancel(ctx), exec.Node.UUID, exec.Token, message, errType); err != nil {
		d.logger.Error("record dispatch failure", "node_uuid", exec.Node.UUID, "process_uuid", exec.Token, "error", err.Error())
	}
}
