// Package worker runs fire-and-forget units of work on a bounded pool.
// Submission never blocks: a full pool rejects with domain.ErrPoolFull.
// Task errors and panics are reported to the logger instead of being lost.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/observability"
)

var tracer = otel.Tracer("worker")

var (
	tasksTotal     metric.Int64Counter
	taskFailures   metric.Int64Counter
	poolRejections metric.Int64Counter
)

func init() {
	m := otel.Meter("worker")

	tasksTotal, _ = m.Int64Counter("worker_tasks_total",
		metric.WithDescription("Total tasks started by the worker pool"))
	taskFailures, _ = m.Int64Counter("worker_task_failures_total",
		metric.WithDescription("Total tasks that returned an error or panicked"))
	poolRejections, _ = m.Int64Counter("worker_pool_rejections_total",
		metric.WithDescription("Total submissions rejected because the pool was full or closed"))
}

// Task is one unit of work.
type Task func(ctx context.Context) error

// Config holds configuration for creating a Pool.
type Config struct {
	// Size bounds concurrently running tasks. Zero means
	// domain.DefaultPoolSize.
	Size int
	// TaskTimeout bounds each task. Zero means no deadline beyond what
	// the task itself imposes.
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Pool is a bounded set of goroutines. The zero value is not usable.
type Pool struct {
	g       errgroup.Group
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a Pool.
func New(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = domain.DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{timeout: cfg.TaskTimeout, logger: logger}
	p.g.SetLimit(size)
	return p
}

// Submit starts task if a slot is free. The task runs on a context detached
// from ctx's cancellation, so it outlives the request that triggered it, but
// it keeps ctx's values (trace IDs). Returns domain.ErrPoolFull when every
// slot is busy or the pool has been drained.
func (p *Pool) Submit(ctx context.Context, name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		poolRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "closed")))
		return fmt.Errorf("worker: submit %s: pool closed: %w", name, domain.ErrPoolFull)
	}

	detached := context.WithoutCancel(ctx)
	if !p.g.TryGo(func() error {
		p.run(detached, name, task)
		return nil
	}) {
		poolRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "full")))
		return fmt.Errorf("worker: submit %s: %w", name, domain.ErrPoolFull)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, name string, task Task) {
	ctx, span := tracer.Start(ctx, "worker."+name)
	defer span.End()
	tasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task", name)))

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	logger := observability.WithTraceID(ctx, p.logger)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker: task %s panicked: %v", name, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", name)))
			logger.ErrorContext(ctx, "task panicked",
				slog.String("task", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := task(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", name)))
		logger.ErrorContext(ctx, "task failed",
			slog.String("task", name),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

// Wait stops accepting work and blocks until running tasks finish. Call it
// during graceful shutdown.
func (p *Pool) Wait() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.g.Wait()
}
