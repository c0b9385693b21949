package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backend stores jobs and hands them to workers.
type Backend interface {
	// Add stores a new job, returning ErrDuplicateJob when the id exists.
	Add(ctx context.Context, job *Job) error
	// Reserve moves the next due job to processing and counts the attempt.
	// It returns nil, nil when nothing is due.
	Reserve(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, at time.Time) error
	DeadLetter(ctx context.Context, job *Job, reason string) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Job, error)
	// DeadLetters lists dead-lettered jobs, newest first.
	DeadLetters(ctx context.Context, limit int) ([]*Job, error)
}

// Options are the per-queue defaults.
type Options struct {
	Attempts int     `yaml:"attempts"`
	Backoff  Backoff `yaml:"backoff"`
	// DeadLetterRetention bounds how many dead-lettered jobs are kept.
	DeadLetterRetention int `yaml:"dead_letter_retention"`
	// CompletedRetention is how long a completed job id keeps blocking
	// duplicates. Zero removes completed jobs immediately.
	CompletedRetention time.Duration `yaml:"completed_retention"`
	// Lease bounds how long a reserved job may stay in processing before a
	// backend that supports it hands the job out again.
	Lease time.Duration `yaml:"lease"`
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.DeadLetterRetention <= 0 {
		o.DeadLetterRetention = 1000
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	return o
}

// EnqueueOptions override the queue defaults for a single job.
type EnqueueOptions struct {
	// JobID is the idempotency key. Empty means a random id.
	JobID    string
	Attempts int
	Backoff  Backoff
	Delay    time.Duration
}

// Queue is a named producer handle.
type Queue struct {
	name    string
	backend Backend
	opts    Options
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for job timestamps and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue over backend.
func New(name string, backend Backend, opts Options, options ...Option) *Queue {
	q := &Queue{
		name:    name,
		backend: backend,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
	for _, o := range options {
		o(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds a job. Enqueueing an id that is still known returns a
// Handle with Duplicate set and no error.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (*Handle, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.opts.Attempts
	}
	backoff := opts.Backoff
	if backoff.Delay <= 0 {
		backoff = q.opts.Backoff
	}
	if backoff.Type == "" {
		backoff.Type = BackoffExponential
	}

	now := q.now()
	job := &Job{
		ID:          id,
		Queue:       q.name,
		Name:        name,
		Payload:     data,
		State:       StateQueued,
		MaxAttempts: attempts,
		Backoff:     backoff,
		CreatedAt:   now,
		ProcessAt:   now.Add(opts.Delay),
	}

	if err := q.backend.Add(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			return &Handle{ID: id, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("enqueue %s on %s: %w", name, q.name, err)
	}
	return &Handle{ID: id}, nil
}

// Remove deletes a job that is not currently being processed.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.backend.Remove(ctx, id)
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.backend.Get(ctx, id)
}

// DeadLetters lists dead-lettered jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	return q.backend.DeadLetters(ctx, limit)
}
