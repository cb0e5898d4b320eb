// Package workqueue runs delayed background tasks on a bounded set of
// workers. Tasks live in memory only: whatever is still pending when Run
// returns is dropped, and owners re-create their tasks on the next start.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/reelforge/internal/metrics"
	"github.com/animus-labs/reelforge/internal/platform/env"
)

var (
	ErrClosed    = errors.New("work queue closed")
	ErrNoHandler = errors.New("no handler registered for task kind")
)

type Task struct {
	Kind    string
	Payload any
}

type Handler func(ctx context.Context, task Task) error

type Config struct {
	Workers     int
	TaskTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	workers, err := env.Int("REELFORGE_WORKERS", 8)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("REELFORGE_TASK_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Workers: workers, TaskTimeout: timeout}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("REELFORGE_WORKERS must be >= 1")
	}
	if c.TaskTimeout <= 0 {
		return errors.New("REELFORGE_TASK_TIMEOUT must be positive")
	}
	return nil
}

type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	ready    []Task
	timers   map[*time.Timer]struct{}
	closed   bool
	wake     chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		logger:   logger.With("component", "workqueue"),
		handlers: map[string]Handler{},
		timers:   map[*time.Timer]struct{}{},
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers h for tasks of kind. Registering twice replaces the handler.
func (q *Queue) Handle(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue schedules task to run after delay. It never blocks on workers.
func (q *Queue) Enqueue(task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.handlers[task.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, task.Kind)
	}
	metrics.QueueDepth.Inc()
	if delay <= 0 {
		q.ready = append(q.ready, task)
		q.signal()
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, live := q.timers[timer]; !live {
			return
		}
		delete(q.timers, timer)
		q.ready = append(q.ready, task)
		q.signal()
	})
	q.timers[timer] = struct{}{}
	return nil
}

// signal must be called with q.mu held.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (Task, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return Task{}, nil, false
	}
	task := q.ready[0]
	q.ready[0] = Task{}
	q.ready = q.ready[1:]
	if len(q.ready) > 0 {
		q.signal()
	}
	metrics.QueueDepth.Dec()
	return task, q.handlers[task.Kind], true
}

// Run starts the workers and blocks until ctx is done. Pending and delayed
// tasks are dropped on return and later Enqueue calls fail with ErrClosed.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("work queue started", "workers", q.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			q.work(gctx)
			return nil
		})
	}
	err := g.Wait()
	dropped := q.close()
	q.logger.Info("work queue stopped", "dropped_tasks", dropped)
	return err
}

func (q *Queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeLocked()
}

// closeLocked must be called with q.mu held. A timer still in q.timers counts
// as dropped even if it already fired: its callback finds it gone and exits.
func (q *Queue) closeLocked() int {
	q.closed = true
	dropped := len(q.ready) + len(q.timers)
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.ready = nil
	metrics.QueueDepth.Sub(float64(dropped))
	return dropped
}

func (q *Queue) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, h, ok := q.pop()
		if ok {
			q.run(ctx, task, h)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) run(ctx context.Context, task Task, h Handler) {
	start := time.Now()
	result := "ok"
	defer func() {
		if v := recover(); v != nil {
			result = "panic"
			q.logger.Error("task panicked", "kind", task.Kind, "panic", v)
		}
		metrics.TaskDuration.WithLabelValues(task.Kind, result).Observe(time.Since(start).Seconds())
	}()

	taskCtx, cancel := context.WithTimeout(ctx, q.cfg.TaskTimeout)
	defer cancel()
	if err := h(taskCtx, task); err != nil {
		result = "error"
		q.logger.Error("task failed", "kind", task.Kind, "error", err.Error())
	}
}
