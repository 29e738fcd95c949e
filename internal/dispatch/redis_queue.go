package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const blockTimeout = 5 * time.Second

// RedisQueue keeps pending tasks in one list and moves each dequeued task atomically
// into an in-flight list until it is acknowledged. Tasks left in flight by a crash are
// put back by Recover.
type RedisQueue struct {
	client      *redis.Client
	pendingKey  string
	inflightKey string
	logger      *slog.Logger
}

func NewRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:      client,
		pendingKey:  key + ":pending",
		inflightKey: key + ":inflight",
		logger:      logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pendingKey, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.BLMove(ctx, q.pendingKey, q.inflightKey, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}

		task, err := decodeTask([]byte(raw))
		if err != nil {
			// Drop undecodable payloads so they cannot wedge the queue.
			q.logger.Error("dropping malformed task", "error", err)
			if remErr := q.client.LRem(ctx, q.inflightKey, 1, raw).Err(); remErr != nil {
				return nil, fmt.Errorf("failed to drop malformed task: %w", remErr)
			}
			continue
		}
		return &Delivery{Task: task, raw: []byte(raw)}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.inflightKey, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

// Recover returns in-flight tasks to the pending list, ahead of anything already
// pending and in their original order, and reports how many moved.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		// Newest first, so the oldest lands nearest the dequeue end.
		err := q.client.LMove(ctx, q.inflightKey, q.pendingKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight tasks: %w", err)
		}
		moved++
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey).Result()
}
