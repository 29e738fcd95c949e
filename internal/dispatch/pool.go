package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prudhvinik1/auditrelay/internal/models"
	"golang.org/x/sync/errgroup"
)

// Handler processes one task. Returned errors are logged; the task is acknowledged
// regardless because the event's stored status drives any retry.
type Handler func(ctx context.Context, task Task) error

type Pool struct {
	queue   Queue
	handler Handler
	workers int
	logger  *slog.Logger
}

func NewPool(queue Queue, handler Handler, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: queue, handler: handler, workers: workers, logger: logger}
}

// Run blocks until ctx is cancelled or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) error {
	backoff := 100 * time.Millisecond
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			p.logger.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		if err := p.handler(ctx, d.Task); err != nil {
			p.logger.Error("task failed",
				"worker", worker,
				"event_id", d.Task.EventID,
				"object_id", d.Task.ObjectID,
				"sequence", d.Task.Sequence,
				"error", err,
			)
		}
		if err := p.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
			p.logger.Warn("ack failed", "worker", worker, "event_id", d.Task.EventID, "error", err)
		}
	}
}

// Dispatcher is the notification path's handle on the queue.
type Dispatcher struct {
	queue Queue
	now   func() time.Time
}

func NewDispatcher(queue Queue) *Dispatcher {
	return &Dispatcher{queue: queue, now: time.Now}
}

// Submit enqueues the event for asynchronous processing and returns immediately.
func (d *Dispatcher) Submit(ctx context.Context, event *models.Event) error {
	return d.queue.Enqueue(ctx, TaskFor(event, d.now()))
}
