package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout, per queue:
//
//	{prefix}:{queue}:job:{id}  hash with the job fields
//	{prefix}:{queue}:wait      list of ready ids, pushed left, popped right
//	{prefix}:{queue}:delayed   zset of ids scored by due time (ms)
//	{prefix}:{queue}:active    zset of reserved ids scored by lease expiry (ms)
//	{prefix}:{queue}:dead      list of dead-lettered ids, newest first
const defaultKeyPrefix = "alertforge:queue"

const (
	addScript = `
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1],
			'id', ARGV[1], 'name', ARGV[2], 'payload', ARGV[3], 'state', 'queued',
			'attempts_made', '0', 'max_attempts', ARGV[4],
			'backoff_type', ARGV[5], 'backoff_delay_ms', ARGV[6],
			'created_at', ARGV[7], 'process_at', ARGV[8])
		if ARGV[9] == '1' then
			redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
		else
			redis.call('LPUSH', KEYS[2], ARGV[1])
		end
		return 1
	`

	// Due delayed jobs and jobs whose lease expired go back to the wait
	// list before the next id is popped. A job whose lease expired on its
	// last allowed attempt is dead-lettered instead.
	reserveScript = `
		local wait, delayed, active, dead = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
		local now, lease_until, prefix, keep = ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4])
		for _, id in ipairs(redis.call('ZRANGEBYSCORE', delayed, '-inf', now)) do
			redis.call('ZREM', delayed, id)
			redis.call('LPUSH', wait, id)
		end
		for _, id in ipairs(redis.call('ZRANGEBYSCORE', active, '-inf', now)) do
			redis.call('ZREM', active, id)
			local key = prefix .. id
			local made = tonumber(redis.call('HGET', key, 'attempts_made') or '0')
			local max = tonumber(redis.call('HGET', key, 'max_attempts') or '0')
			if redis.call('EXISTS', key) == 1 and max > 0 and made >= max then
				redis.call('HSET', key, 'state', 'dead_lettered',
					'failed_reason', 'lease expired on final attempt', 'finished_at', now)
				redis.call('LPUSH', dead, id)
				if keep > 0 then
					for _, old in ipairs(redis.call('LRANGE', dead, ARGV[4], '-1')) do
						redis.call('DEL', prefix .. old)
					end
					redis.call('LTRIM', dead, '0', tostring(keep - 1))
				end
			else
				redis.call('RPUSH', wait, id)
			end
		end
		while true do
			local id = redis.call('RPOP', wait)
			if not id then
				return false
			end
			local key = prefix .. id
			if redis.call('EXISTS', key) == 1 then
				redis.call('HSET', key, 'state', 'processing')
				redis.call('HINCRBY', key, 'attempts_made', '1')
				redis.call('ZADD', active, lease_until, id)
				return id
			end
		end
	`

	deadLetterScript = `
		local key, active, dead = KEYS[1], KEYS[2], KEYS[3]
		local id, reason, finished, keep, prefix = ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4]), ARGV[5]
		redis.call('ZREM', active, id)
		redis.call('HSET', key, 'state', 'dead_lettered', 'failed_reason', reason, 'finished_at', finished)
		redis.call('LPUSH', dead, id)
		if keep > 0 then
			for _, old in ipairs(redis.call('LRANGE', dead, ARGV[4], '-1')) do
				redis.call('DEL', prefix .. old)
			end
			redis.call('LTRIM', dead, '0', tostring(keep - 1))
		end
		return 1
	`

	removeScript = `
		local key, wait, delayed, dead = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
		local id = ARGV[1]
		local state = redis.call('HGET', key, 'state')
		if not state then
			return 0
		end
		if state == 'processing' then
			return -1
		end
		redis.call('LREM', wait, '0', id)
		redis.call('ZREM', delayed, id)
		redis.call('LREM', dead, '0', id)
		redis.call('DEL', key)
		return 1
	`
)

// RedisBackend stores jobs in Redis. All state transitions that touch more
// than one key run as Lua scripts so concurrent workers on separate
// processes see a consistent queue.
type RedisBackend struct {
	client redis.UniversalClient
	name   string
	prefix string
	opts   Options
	now    func() time.Time

	add        *redis.Script
	reserve    *redis.Script
	deadLetter *redis.Script
	remove     *redis.Script
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// WithRedisClock sets the clock used for due-time and lease checks.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(b *RedisBackend) { b.now = now }
}

// NewRedisBackend creates a backend for the named queue.
func NewRedisBackend(client redis.UniversalClient, name string, opts Options, options ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client:     client,
		name:       name,
		prefix:     defaultKeyPrefix,
		opts:       opts.withDefaults(),
		now:        time.Now,
		add:        redis.NewScript(addScript),
		reserve:    redis.NewScript(reserveScript),
		deadLetter: redis.NewScript(deadLetterScript),
		remove:     redis.NewScript(removeScript),
	}
	for _, o := range options {
		o(b)
	}
	return b
}

func (b *RedisBackend) key(part string) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, b.name, part)
}

func (b *RedisBackend) jobPrefix() string { return b.key("job:") }

func (b *RedisBackend) jobKey(id string) string { return b.jobPrefix() + id }

func (b *RedisBackend) Add(ctx context.Context, job *Job) error {
	delayed := "0"
	if job.ProcessAt.After(b.now()) {
		delayed = "1"
	}
	added, err := b.add.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.key("wait"), b.key("delayed")},
		job.ID,
		job.Name,
		string(job.Payload),
		job.MaxAttempts,
		job.Backoff.Type,
		job.Backoff.Delay.Milliseconds(),
		job.CreatedAt.UnixMilli(),
		job.ProcessAt.UnixMilli(),
		delayed,
	).Int()
	if err != nil {
		return fmt.Errorf("add job %s: %w", job.ID, err)
	}
	if added == 0 {
		return ErrDuplicateJob
	}
	return nil
}

func (b *RedisBackend) Reserve(ctx context.Context) (*Job, error) {
	now := b.now()
	id, err := b.reserve.Run(ctx, b.client,
		[]string{b.key("wait"), b.key("delayed"), b.key("active"), b.key("dead")},
		now.UnixMilli(),
		now.Add(b.opts.Lease).UnixMilli(),
		b.jobPrefix(),
		b.opts.DeadLetterRetention,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	return b.Get(ctx, id)
}

func (b *RedisBackend) Complete(ctx context.Context, job *Job) error {
	key := b.jobKey(job.ID)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key("active"), job.ID)
		if b.opts.CompletedRetention <= 0 {
			pipe.Del(ctx, key)
			return nil
		}
		pipe.HSet(ctx, key, "state", string(StateCompleted), "finished_at", b.now().UnixMilli())
		pipe.PExpire(ctx, key, b.opts.CompletedRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBackend) Retry(ctx context.Context, job *Job, at time.Time) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key("active"), job.ID)
		pipe.HSet(ctx, b.jobKey(job.ID),
			"state", string(StateRetrying),
			"process_at", at.UnixMilli(),
			"failed_reason", job.FailedReason,
		)
		pipe.ZAdd(ctx, b.key("delayed"), redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBackend) DeadLetter(ctx context.Context, job *Job, reason string) error {
	err := b.deadLetter.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.key("active"), b.key("dead")},
		job.ID,
		reason,
		b.now().UnixMilli(),
		b.opts.DeadLetterRetention,
		b.jobPrefix(),
	).Err()
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBackend) Remove(ctx context.Context, id string) error {
	res, err := b.remove.Run(ctx, b.client,
		[]string{b.jobKey(id), b.key("wait"), b.key("delayed"), b.key("dead")},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	switch res {
	case 0:
		return ErrJobNotFound
	case -1:
		return ErrJobActive
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return b.decode(fields), nil
}

func (b *RedisBackend) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := b.client.LRange(ctx, b.key("dead"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, b.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			jobs = append(jobs, b.decode(fields))
		}
	}
	return jobs, nil
}

func (b *RedisBackend) decode(f map[string]string) *Job {
	return &Job{
		ID:           f["id"],
		Queue:        b.name,
		Name:         f["name"],
		Payload:      []byte(f["payload"]),
		State:        State(f["state"]),
		AttemptsMade: atoi(f["attempts_made"]),
		MaxAttempts:  atoi(f["max_attempts"]),
		Backoff: Backoff{
			Type:  f["backoff_type"],
			Delay: time.Duration(atoi(f["backoff_delay_ms"])) * time.Millisecond,
		},
		CreatedAt:    millis(f["created_at"]),
		ProcessAt:    millis(f["process_at"]),
		FinishedAt:   millis(f["finished_at"]),
		FailedReason: f["failed_reason"],
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
