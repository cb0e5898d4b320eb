// Package poller drives submit-and-poll executions to completion. Each poll
// attempt is a work queue task carrying its own attempt counter; a poll that
// finds its token superseded exits without touching the node.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/reelforge/internal/artifacts"
	"github.com/animus-labs/reelforge/internal/domain"
	"github.com/animus-labs/reelforge/internal/execution/controller"
	"github.com/animus-labs/reelforge/internal/metrics"
	"github.com/animus-labs/reelforge/internal/provider"
	"github.com/animus-labs/reelforge/internal/repo"
	"github.com/animus-labs/reelforge/internal/workqueue"
)

const (
	TaskPoll    = "provider.poll"
	TaskPersist = "provider.persist"

	resumeLimit = 10000
)

type PollTask struct {
	NodeUUID   string
	Token      string
	Provider   string
	JobID      string
	Attempt    int
	SubmitCost float64
}

// PersistTask stores a result the provider returned without a job to poll.
type PersistTask struct {
	NodeUUID        string
	Token           string
	Provider        string
	ResultURL       string
	ContentType     string
	DurationSeconds float64
	Cost            float64
}

type Scheduler interface {
	Enqueue(task workqueue.Task, delay time.Duration) error
}

type Registrar interface {
	Handle(kind string, h workqueue.Handler)
}

// Recorder applies token-fenced transitions.
type Recorder interface {
	Update(ctx context.Context, nodeUUID, token string, patch domain.NodeMetadata) (controller.Outcome, error)
	Succeed(ctx context.Context, nodeUUID, token string, output domain.NodeOutput, cost float64) (controller.Outcome, error)
	Fail(ctx context.Context, nodeUUID, token, message string, errType domain.ErrorType) (controller.Outcome, error)
}

type Poller struct {
	store     repo.Store
	providers *provider.Registry
	artifacts *artifacts.Router
	recorder  Recorder
	scheduler Scheduler
	logger    *slog.Logger
}

func New(store repo.Store, providers *provider.Registry, router *artifacts.Router, recorder Recorder, scheduler Scheduler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:     store,
		providers: providers,
		artifacts: router,
		recorder:  recorder,
		scheduler: scheduler,
		logger:    logger.With("component", "poller"),
	}
}

func (p *Poller) Register(r Registrar) {
	r.Handle(TaskPoll, func(ctx context.Context, task workqueue.Task) error {
		pt, ok := task.Payload.(PollTask)
		if !ok {
			return fmt.Errorf("poll task payload is %T", task.Payload)
		}
		return p.Poll(ctx, pt)
	})
	r.Handle(TaskPersist, func(ctx context.Context, task workqueue.Task) error {
		pt, ok := task.Payload.(PersistTask)
		if !ok {
			return fmt.Errorf("persist task payload is %T", task.Payload)
		}
		return p.Persist(ctx, pt)
	})
}

// SchedulePoll enqueues task after delay.
func SchedulePoll(s Scheduler, task PollTask, delay time.Duration) error {
	return s.Enqueue(workqueue.Task{Kind: TaskPoll, Payload: task}, delay)
}

func SchedulePersist(s Scheduler, task PersistTask) error {
	return s.Enqueue(workqueue.Task{Kind: TaskPersist, Payload: task}, 0)
}

// Poll runs one attempt. Errors are recorded on the node as internal failures
// and returned to the queue for logging.
func (p *Poller) Poll(ctx context.Context, task PollTask) error {
	node, current, err := p.load(ctx, task.NodeUUID, task.Token)
	if err != nil || !current {
		return err
	}
	prov, err := p.providers.Get(task.Provider)
	if err != nil {
		return p.failInternal(ctx, task.NodeUUID, task.Token, err)
	}
	if task.Attempt > prov.MaxAttempts {
		_, err := p.recorder.Fail(ctx, node.UUID, task.Token,
			fmt.Sprintf("polling timed out after %d attempts", prov.MaxAttempts), domain.ErrorTypeTimeout)
		return err
	}
	if task.Attempt == 1 {
		outcome, err := p.recorder.Update(ctx, node.UUID, task.Token, domain.NodeMetadata{Stage: domain.StagePolling})
		if err != nil {
			return p.failInternal(ctx, task.NodeUUID, task.Token, err)
		}
		if outcome == controller.OutcomeStale {
			return nil
		}
	}

	status, err := prov.API.Status(ctx, task.JobID)
	if err != nil {
		metrics.Polls.WithLabelValues(prov.Name, "error").Inc()
		return p.failInternal(ctx, task.NodeUUID, task.Token, fmt.Errorf("provider status: %w", err))
	}
	metrics.Polls.WithLabelValues(prov.Name, status.State).Inc()
	log := p.logger.With("node_uuid", node.UUID, "process_uuid", task.Token, "provider", prov.Name, "job_id", task.JobID, "attempt", task.Attempt)

	switch status.State {
	case provider.StateCompleted:
		cost := status.Cost
		if cost == 0 {
			cost = task.SubmitCost
		}
		return p.persist(ctx, node, task.Token, prov, result{
			ref:         status.ResultURL,
			contentType: status.ContentType,
			duration:    status.DurationSeconds,
			cost:        cost,
		})
	case provider.StateFailed:
		msg := strings.TrimSpace(status.Message)
		if msg == "" {
			msg = "provider reported failure"
		}
		_, err := p.recorder.Fail(ctx, node.UUID, task.Token, msg, domain.ErrorTypeProvider)
		return err
	case provider.StatePending, provider.StateProcessing:
		next := task
		next.Attempt++
		if err := SchedulePoll(p.scheduler, next, prov.PollInterval); err != nil {
			return p.failInternal(ctx, task.NodeUUID, task.Token, fmt.Errorf("reschedule poll: %w", err))
		}
		log.Debug("provider job still running", "state", status.State, "next_in", prov.PollInterval)
		return nil
	default:
		_, err := p.recorder.Fail(ctx, node.UUID, task.Token,
			fmt.Sprintf("unexpected provider status %q", status.State), domain.ErrorTypeProvider)
		return err
	}
}

// Persist stores an inline provider result and completes the node.
func (p *Poller) Persist(ctx context.Context, task PersistTask) error {
	node, current, err := p.load(ctx, task.NodeUUID, task.Token)
	if err != nil || !current {
		return err
	}
	prov, err := p.providers.Get(task.Provider)
	if err != nil {
		return p.failInternal(ctx, task.NodeUUID, task.Token, err)
	}
	return p.persist(ctx, node, task.Token, prov, result{
		ref:         task.ResultURL,
		contentType: task.ContentType,
		duration:    task.DurationSeconds,
		cost:        task.Cost,
	})
}

// load returns the node and whether token is still its current execution.
// A deleted node is treated as superseded.
func (p *Poller) load(ctx context.Context, nodeUUID, token string) (domain.Node, bool, error) {
	node, err := p.store.GetNode(ctx, nodeUUID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Node{}, false, nil
		}
		return domain.Node{}, false, p.failInternal(ctx, nodeUUID, token, err)
	}
	if !node.IsCurrent(token) {
		p.logger.Debug("poll superseded", "node_uuid", nodeUUID, "process_uuid", token, "status", node.Status)
		return node, false, nil
	}
	return node, true, nil
}

type result struct {
	ref         string
	contentType string
	duration    float64
	cost        float64
}

func (p *Poller) persist(ctx context.Context, node domain.Node, token string, prov provider.Provider, res result) error {
	if strings.TrimSpace(res.ref) == "" {
		_, err := p.recorder.Fail(ctx, node.UUID, token, "provider completed without a result reference", domain.ErrorTypeProvider)
		return err
	}
	outcome, err := p.recorder.Update(ctx, node.UUID, token, domain.NodeMetadata{Stage: domain.StageUploading})
	if err != nil {
		return p.failInternal(ctx, node.UUID, token, err)
	}
	if outcome == controller.OutcomeStale {
		return nil
	}

	pipeline, err := p.store.GetPipeline(ctx, node.PipelineUUID)
	if err != nil {
		return p.failInternal(ctx, node.UUID, token, fmt.Errorf("load pipeline: %w", err))
	}
	store, target, err := p.artifacts.ForPipeline(pipeline)
	if err != nil {
		return p.failInternal(ctx, node.UUID, token, err)
	}

	body, obj, err := prov.API.Fetch(ctx, res.ref)
	if err != nil {
		return p.failInternal(ctx, node.UUID, token, fmt.Errorf("download result: %w", err))
	}
	defer body.Close()

	kind := node.Type.ArtifactKind()
	contentType := obj.ContentType
	if contentType == "" {
		contentType = res.contentType
	}
	contentType = artifacts.ContentType(contentType, kind)
	key := artifacts.NodeKey(pipeline.Config.WorkingDirOrDefault(), pipeline.UUID, node.UUID, token, artifacts.Extension(contentType, kind))
	size := obj.Size
	if size <= 0 {
		size = -1
	}
	stored, err := store.Put(ctx, key, body, size, contentType)
	if err != nil {
		return p.failInternal(ctx, node.UUID, token, fmt.Errorf("upload result: %w", err))
	}

	_, err = p.recorder.Succeed(ctx, node.UUID, token, domain.NodeOutput{
		StorageTarget:   target,
		StorageKey:      stored.Key,
		SizeBytes:       stored.Size,
		DurationSeconds: res.duration,
		Kind:            kind,
		ContentType:     contentType,
	}, res.cost)
	return err
}

// failInternal records cause on the node. When ctx was cancelled the process
// is shutting down: the execution is left in_progress for Resume.
func (p *Poller) failInternal(ctx context.Context, nodeUUID, token string, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		p.logger.Info("poll interrupted, execution left running", "node_uuid", nodeUUID, "process_uuid", token, "error", cause.Error())
		return cause
	}
	if _, err := p.recorder.Fail(context.WithoutCancel(ctx), nodeUUID, token, cause.Error(), domain.ErrorTypeInternal); err != nil {
		p.logger.Error("record poll failure", "node_uuid", nodeUUID, "error", err.Error())
	}
	return cause
}

// Resume re-enqueues a first poll for every running execution that has a
// provider job, so polls dropped by a restart pick up where they left off.
// Executions still uploading an inline result are left to be re-executed.
func (p *Poller) Resume(ctx context.Context) (int, error) {
	nodes, err := p.store.ListNodes(ctx, repo.NodeFilter{Status: domain.StatusInProgress, Limit: resumeLimit})
	if err != nil {
		return 0, fmt.Errorf("list running nodes: %w", err)
	}
	resumed := 0
	for _, n := range nodes {
		md := n.Metadata
		if md.ProviderJobID == "" || md.Provider == "" || md.ProcessUUID == "" {
			continue
		}
		prov, err := p.providers.Get(md.Provider)
		if err != nil {
			p.logger.Warn("cannot resume poll", "node_uuid", n.UUID, "provider", md.Provider, "error", err.Error())
			continue
		}
		task := PollTask{NodeUUID: n.UUID, Token: md.ProcessUUID, Provider: prov.Name, JobID: md.ProviderJobID, Attempt: 1}
		if err := SchedulePoll(p.scheduler, task, prov.InitialDelay); err != nil {
			return resumed, fmt.Errorf("resume poll for %s: %w", n.UUID, err)
		}
		resumed++
	}
	p.logger.Info("resumed provider polls", "count", resumed)
	return resumed, nil
}
