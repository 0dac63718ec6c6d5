package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/redisclient"
)

const (
	transportRedis      = "redis"
	defaultBlockTimeout = 2 * time.Second
)

// RedisQueue is a reliable list queue. Producers push onto the pending list;
// each consumer atomically moves a request into its own processing list and
// removes it on Ack, so a crash leaves taken requests recoverable.
type RedisQueue struct {
	redis        *redis.Client
	queue        string
	consumerID   string
	blockTimeout time.Duration
	logger       *zap.Logger
	closed       chan struct{}
}

// NewRedisQueue creates a queue consumer and publisher for queue.
func NewRedisQueue(client *redis.Client, queue, consumerID string, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		redis:        client,
		queue:        queue,
		consumerID:   consumerID,
		blockTimeout: defaultBlockTimeout,
		logger:       logger.With(zap.String("queue", queue), zap.String("consumer_id", consumerID)),
		closed:       make(chan struct{}),
	}
}

func (q *RedisQueue) pendingKey() string    { return redisclient.QueuePendingKey(q.queue) }
func (q *RedisQueue) processingKey() string { return redisclient.QueueProcessingKey(q.queue, q.consumerID) }
func (q *RedisQueue) deadKey() string       { return redisclient.QueueDeadKey(q.queue) }

// Publish enqueues a launch request.
func (q *RedisQueue) Publish(ctx context.Context, req models.LaunchRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode launch request: %w", err)
	}
	if err := q.redis.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return &TransportError{Transport: transportRedis, Op: "publish", Err: err}
	}
	return nil
}

// Recover moves requests left in this consumer's processing list by a
// previous run back to the consuming end of the pending list.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		// Newest first, so the oldest request ends up at the consuming end.
		err := q.redis.LMove(ctx, q.processingKey(), q.pendingKey(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, &TransportError{Transport: transportRedis, Op: "recover", Err: err}
		}
		n++
	}
	if n > 0 {
		q.logger.Info("Recovered unacknowledged launch requests", zap.Int("count", n))
	}
	return n, nil
}

// Read blocks until a well-formed request is available. Malformed messages
// are moved to the dead list and skipped.
func (q *RedisQueue) Read(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		default:
		}

		raw, err := q.redis.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Transport: transportRedis, Op: "read", Err: err}
		}

		req, err := decode([]byte(raw))
		if err != nil {
			q.deadLetter(ctx, raw, err)
			continue
		}
		return NewDelivery(req, q.acker(raw), q.nacker(raw)), nil
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, raw string, cause error) {
	pipe := q.redis.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.LPush(ctx, q.deadKey(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("Failed to dead-letter malformed message", zap.Error(err))
		return
	}
	q.logger.Warn("Malformed launch request dead-lettered", zap.Error(cause))
}

func (q *RedisQueue) acker(raw string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := q.redis.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
			return &TransportError{Transport: transportRedis, Op: "ack", Err: err}
		}
		return nil
	}
}

func (q *RedisQueue) nacker(raw string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		pipe := q.redis.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.RPush(ctx, q.pendingKey(), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return &TransportError{Transport: transportRedis, Op: "nack", Err: err}
		}
		return nil
	}
}

// Close stops future reads. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
