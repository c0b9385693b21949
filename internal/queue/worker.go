package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one job. Returning an error wrapping ErrMalformedPayload
// dead-letters the job immediately; any other error is retried until the
// job's attempt budget is spent.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	Logger       *zap.Logger

	// OnCompleted runs after a job succeeds.
	OnCompleted func(job *Job)
	// OnFailed runs after every failed attempt. job.State tells whether the
	// job will be retried or was dead-lettered.
	OnFailed func(job *Job, err error)
}

// Worker consumes jobs from a queue with bounded concurrency.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	logger  *zap.Logger
}

// NewWorker creates a worker. Concurrency defaults to 1 and the poll
// interval to 500ms.
func NewWorker(q *Queue, handler Handler, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   q,
		handler: handler,
		opts:    opts,
		logger:  logger.With(zap.String("queue", q.name)),
	}
}

// Run reserves and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to finish. In-flight handlers keep running after
// cancellation so a job is never abandoned halfway through an attempt.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		job, err := w.queue.backend.Reserve(ctx)
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("reserve failed", zap.Error(err))
			}
			timer.Reset(w.opts.PollInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.process(context.WithoutCancel(ctx), job); err != nil {
				w.logger.Error("job bookkeeping failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}()
	}
}

// ProcessNext reserves and processes a single job synchronously. It reports
// whether a job was available.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.backend.Reserve(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	start := time.Now()
	err := w.invoke(ctx, job)
	if err == nil {
		job.State = StateCompleted
		if cerr := w.queue.backend.Complete(ctx, job); cerr != nil {
			return cerr
		}
		w.logger.Debug("job completed",
			zap.String("job_id", job.ID),
			zap.String("job", job.Name),
			zap.Int("attempt", job.AttemptsMade),
			zap.Duration("duration", time.Since(start)),
		)
		if w.opts.OnCompleted != nil {
			w.opts.OnCompleted(job)
		}
		return nil
	}

	job.FailedReason = err.Error()
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Int("attempt", job.AttemptsMade),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	}

	if errors.Is(err, ErrMalformedPayload) || job.AttemptsMade >= job.MaxAttempts {
		job.State = StateDeadLettered
		if derr := w.queue.backend.DeadLetter(ctx, job, err.Error()); derr != nil {
			return derr
		}
		w.logger.Error("job dead-lettered", fields...)
	} else {
		delay := job.Backoff.Next(job.AttemptsMade)
		job.State = StateRetrying
		if rerr := w.queue.backend.Retry(ctx, job, w.queue.now().Add(delay)); rerr != nil {
			return rerr
		}
		w.logger.Warn("job failed, retrying", append(fields, zap.Duration("backoff", delay))...)
	}

	if w.opts.OnFailed != nil {
		w.opts.OnFailed(job, err)
	}
	return nil
}

// invoke runs the handler, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// Subscription is a running consumer started by Consume.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops reserving new jobs and waits for in-flight jobs to finish.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Consume starts a worker for q in the background.
func (q *Queue) Consume(ctx context.Context, handler Handler, opts WorkerOptions) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	w := NewWorker(q, handler, opts)
	go func() {
		defer close(sub.done)
		_ = w.Run(ctx)
	}()
	return sub
}
