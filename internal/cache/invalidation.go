package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/queue"
)

// QueueName is the name of the cache invalidation queue.
const QueueName = "cache-invalidation"

// JobInvalidate is the job name on the invalidation queue.
const JobInvalidate = "invalidate"

const scanCount = 100

// InvalidationJob is the payload of an invalidation job.
type InvalidationJob struct {
	Pattern string `json:"pattern"`
}

// Invalidator deletes keys matching a glob pattern.
type Invalidator struct {
	client redis.UniversalClient
	logger *zap.Logger
	// OnInvalidated, when set, receives the number of keys each run deleted.
	OnInvalidated func(pattern string, n int)
}

// NewInvalidator creates an invalidator.
func NewInvalidator(client redis.UniversalClient, logger *zap.Logger) *Invalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{client: client, logger: logger}
}

// Invalidate scans for pattern and deletes every batch with a pipelined
// DEL. It returns how many keys were deleted. No match is not an error.
func (inv *Invalidator) Invalidate(ctx context.Context, pattern string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := inv.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return total, fmt.Errorf("scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			_, err := inv.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, key := range keys {
					pipe.Del(ctx, key)
				}
				return nil
			})
			if err != nil {
				return total, fmt.Errorf("delete keys for %q: %w", pattern, err)
			}
			total += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if total > 0 {
		inv.logger.Info("cache invalidated", zap.String("pattern", pattern), zap.Int("keys", total))
	}
	if inv.OnInvalidated != nil {
		inv.OnInvalidated(pattern, total)
	}
	return total, nil
}

// Handle is the queue.Handler for the invalidation queue.
func (inv *Invalidator) Handle(ctx context.Context, job *queue.Job) error {
	var payload InvalidationJob
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Pattern) == "" {
		return fmt.Errorf("%w: pattern is required", queue.ErrMalformedPayload)
	}
	_, err := inv.Invalidate(ctx, payload.Pattern)
	return err
}

// Requester enqueues invalidation jobs.
type Requester struct {
	queue *queue.Queue
	now   func() time.Time
}

// NewRequester creates a requester over the invalidation queue.
func NewRequester(q *queue.Queue, now func() time.Time) *Requester {
	if now == nil {
		now = time.Now
	}
	return &Requester{queue: q, now: now}
}

// RequestInvalidation enqueues an invalidation of pattern.
func (r *Requester) RequestInvalidation(ctx context.Context, pattern string) error {
	id := fmt.Sprintf("invalidate:%s:%d", pattern, r.now().UnixNano())
	_, err := r.queue.Enqueue(ctx, JobInvalidate, InvalidationJob{Pattern: pattern}, queue.EnqueueOptions{
		JobID:    id,
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 3 * time.Second},
	})
	return err
}
