package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/mhalbert/flowline/core"
)

const (
	// enqueueAttempts is the number of tries for a failed LPUSH/ZADD before
	// the error is surfaced to the caller.
	enqueueAttempts = 3
	enqueueDelay    = 100 * time.Millisecond

	// promoteBatchSize bounds how many due delayed messages move to the
	// ready list per pass.
	promoteBatchSize = 100
)

// RedisQueue implements core.Queue on Redis lists. Messages are added with
// LPUSH and claimed with BRPOPLPUSH, which atomically parks the claimed
// message in a processing list until acknowledged. Each claim also writes a
// lease key with a TTL; a message sitting in the processing list without a
// live lease belongs to a dead worker and is returned to the ready list by
// Maintain. Deferred messages wait in a sorted set scored by delivery time.
type RedisQueue struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisQueue wraps an existing Redis client. The client should already be
// connected. Use OpenRedisQueue to connect from configuration.
func NewRedisQueue(client *redis.Client, namespace string, logger core.Logger) *RedisQueue {
	if namespace == "" {
		namespace = "flowline"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisQueue{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// OpenRedisQueue connects to Redis and verifies the connection.
func OpenRedisQueue(ctx context.Context, cfg core.QueueConfig, logger core.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, &core.EngineError{
			Op:   "queue.Open",
			Kind: "queue",
			Err:  fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err),
		}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &core.EngineError{
			Op:   "queue.Open",
			Kind: "queue",
			Err:  fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err),
		}
	}

	return NewRedisQueue(client, cfg.Namespace, logger), nil
}

// Close releases the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping verifies connectivity for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) readyKey() string      { return q.namespace + ":queue:ready" }
func (q *RedisQueue) processingKey() string { return q.namespace + ":queue:processing" }
func (q *RedisQueue) delayedKey() string    { return q.namespace + ":queue:delayed" }
func (q *RedisQueue) leaseKey(msgID string) string {
	return q.namespace + ":queue:lease:" + msgID
}

// Enqueue publishes an execution ID. A future deliverAt parks the message in
// the delayed set; otherwise it goes straight to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, executionID string, deliverAt time.Time) error {
	if executionID == "" {
		return &core.EngineError{
			Op:      "queue.Enqueue",
			Kind:    "queue",
			Message: "execution ID cannot be empty",
		}
	}

	msg := core.Message{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		EnqueuedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return queueErr("queue.Enqueue", executionID, err)
	}

	push := func() error {
		if !deliverAt.IsZero() && deliverAt.After(time.Now()) {
			return q.client.ZAdd(ctx, q.delayedKey(), &redis.Z{
				Score:  float64(deliverAt.UnixMilli()),
				Member: string(data),
			}).Err()
		}
		return q.client.LPush(ctx, q.readyKey(), data).Err()
	}

	var lastErr error
	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				return queueErr("queue.Enqueue", executionID, ctx.Err())
			}
			time.Sleep(enqueueDelay)
		}

		if lastErr = push(); lastErr == nil {
			q.logger.Debug("Execution enqueued", map[string]interface{}{
				"execution_id": executionID,
				"message_id":   msg.ID,
				"deliver_at":   deliverAt,
			})
			return nil
		}

		q.logger.Warn("Enqueue attempt failed", map[string]interface{}{
			"execution_id": executionID,
			"attempt":      attempt + 1,
			"error":        lastErr.Error(),
		})
	}

	return queueErr("queue.Enqueue", executionID, lastErr)
}

// Dequeue claims the next ready message. It blocks until a message is
// available or timeout expires, returning (nil, nil) on timeout. The claimed
// message is held in the processing list under a lease of the given
// visibility; callers must Ack within that window or Extend it.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout, visibility time.Duration) (*core.Message, error) {
	// Promote due delayed messages first so deferred work is visible even
	// when no dispatcher is running.
	if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("Failed to promote delayed messages", map[string]interface{}{
			"error": err.Error(),
		})
	}

	raw, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), timeout).Result()
	if err != nil {
		if err == redis.Nil {
			// Timeout expired, nothing ready.
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, queueErr("queue.Dequeue", "", err)
	}

	var msg core.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// A malformed entry would wedge the queue if left in place. Drop it
		// from the processing list and surface the error.
		q.logger.Error("Failed to decode queue message", map[string]interface{}{
			"error": err.Error(),
			"data":  raw,
		})
		_ = q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
		return nil, queueErr("queue.Dequeue", "", err)
	}
	msg.SetRaw(raw)

	if err := q.client.Set(ctx, q.leaseKey(msg.ID), msg.ExecutionID, visibility).Err(); err != nil {
		return nil, queueErr("queue.Dequeue", msg.ExecutionID, err)
	}

	q.logger.Debug("Message dequeued", map[string]interface{}{
		"execution_id": msg.ExecutionID,
		"message_id":   msg.ID,
	})
	return &msg, nil
}

// Ack removes a processed message from the processing list and drops its
// lease. Acking a message twice is harmless.
func (q *RedisQueue) Ack(ctx context.Context, msg *core.Message) error {
	if msg == nil {
		return &core.EngineError{
			Op:      "queue.Ack",
			Kind:    "queue",
			Message: "message cannot be nil",
		}
	}

	if raw := msg.Raw(); raw != "" {
		if err := q.client.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
			return queueErr("queue.Ack", msg.ExecutionID, err)
		}
	}
	if err := q.client.Del(ctx, q.leaseKey(msg.ID)).Err(); err != nil {
		return queueErr("queue.Ack", msg.ExecutionID, err)
	}

	q.logger.Debug("Message acknowledged", map[string]interface{}{
		"execution_id": msg.ExecutionID,
		"message_id":   msg.ID,
	})
	return nil
}

// Extend pushes the lease expiry of a claimed message out by extra from now.
// Workers call this while a long step is in flight so Maintain does not hand
// the message to someone else.
func (q *RedisQueue) Extend(ctx context.Context, msg *core.Message, extra time.Duration) error {
	if msg == nil {
		return &core.EngineError{
			Op:      "queue.Extend",
			Kind:    "queue",
			Message: "message cannot be nil",
		}
	}

	// SET re-creates an expired lease as well as extending a live one. If
	// the message was already reclaimed, the fresh lease simply expires
	// unused; the state machine resolves the duplicate delivery.
	if err := q.client.Set(ctx, q.leaseKey(msg.ID), msg.ExecutionID, extra).Err(); err != nil {
		return queueErr("queue.Extend", msg.ExecutionID, err)
	}
	return nil
}

// Len returns the number of ready messages, for monitoring.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, queueErr("queue.Len", "", err)
	}
	return n, nil
}

// Maintain performs periodic queue upkeep: promoting due delayed messages
// and returning lease-expired processing entries to the ready list. The
// dispatcher calls this on its interval.
func (q *RedisQueue) Maintain(ctx context.Context) error {
	promoted, err := q.promoteDue(ctx)
	if err != nil {
		return err
	}
	reclaimed, err := q.reclaimExpired(ctx)
	if err != nil {
		return err
	}

	if promoted > 0 || reclaimed > 0 {
		q.logger.Info("Queue maintenance pass", map[string]interface{}{
			"promoted":  promoted,
			"reclaimed": reclaimed,
		})
	}
	return nil
}

// promoteDue moves delayed messages whose delivery time has passed onto the
// ready list. ZRem is the claim: whoever removes the member owns the push,
// so concurrent promoters never double-deliver. A crash between ZRem and
// LPush drops the message; the dispatcher's database scan re-enqueues the
// execution.
func (q *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	promoted := 0

	for {
		due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: promoteBatchSize,
		}).Result()
		if err != nil {
			return promoted, queueErr("queue.promoteDue", "", err)
		}
		if len(due) == 0 {
			return promoted, nil
		}

		for _, member := range due {
			removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
			if err != nil {
				return promoted, queueErr("queue.promoteDue", "", err)
			}
			if removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
				return promoted, queueErr("queue.promoteDue", "", err)
			}
			promoted++
		}

		if len(due) < promoteBatchSize {
			return promoted, nil
		}
	}
}

// reclaimExpired scans the processing list for messages whose lease is gone
// and pushes them back to the ready list. LRem is the claim, mirroring
// promoteDue.
func (q *RedisQueue) reclaimExpired(ctx context.Context) (int, error) {
	entries, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, queueErr("queue.reclaimExpired", "", err)
	}

	reclaimed := 0
	for _, raw := range entries {
		var msg core.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			q.logger.Error("Dropping undecodable processing entry", map[string]interface{}{
				"error": err.Error(),
				"data":  raw,
			})
			_ = q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
			continue
		}

		exists, err := q.client.Exists(ctx, q.leaseKey(msg.ID)).Result()
		if err != nil {
			return reclaimed, queueErr("queue.reclaimExpired", msg.ExecutionID, err)
		}
		if exists > 0 {
			continue
		}

		removed, err := q.client.LRem(ctx, q.processingKey(), 1, raw).Result()
		if err != nil {
			return reclaimed, queueErr("queue.reclaimExpired", msg.ExecutionID, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
			return reclaimed, queueErr("queue.reclaimExpired", msg.ExecutionID, err)
		}

		q.logger.Warn("Reclaimed expired message", map[string]interface{}{
			"execution_id": msg.ExecutionID,
			"message_id":   msg.ID,
		})
		reclaimed++
	}
	return reclaimed, nil
}

func queueErr(op, id string, err error) error {
	return &core.EngineError{
		Op:   op,
		Kind: "queue",
		ID:   id,
		Err:  fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err),
	}
}
