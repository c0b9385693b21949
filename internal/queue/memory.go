package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend. Jobs do not survive a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	opts    Options
	now     func() time.Time
	jobs    map[string]*Job
	ready   []string
	delayed []string
	dead    []string // oldest first
}

// NewMemoryBackend creates an empty in-memory backend. A nil clock uses
// time.Now.
func NewMemoryBackend(opts Options, now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{
		opts: opts.withDefaults(),
		now:  now,
		jobs: make(map[string]*Job),
	}
}

func (b *MemoryBackend) Add(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.jobs[job.ID]; ok {
		if !b.expired(existing) {
			return ErrDuplicateJob
		}
		delete(b.jobs, job.ID)
	}

	stored := job.clone()
	stored.State = StateQueued
	b.jobs[stored.ID] = stored
	if stored.ProcessAt.After(b.now()) {
		b.delayed = append(b.delayed, stored.ID)
	} else {
		b.ready = append(b.ready, stored.ID)
	}
	return nil
}

// expired reports whether a completed job's idempotency window has passed.
func (b *MemoryBackend) expired(job *Job) bool {
	if job.State != StateCompleted {
		return false
	}
	return b.now().Sub(job.FinishedAt) >= b.opts.CompletedRetention
}

func (b *MemoryBackend) Reserve(_ context.Context) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.promote()
	for len(b.ready) > 0 {
		id := b.ready[0]
		b.ready = b.ready[1:]
		job, ok := b.jobs[id]
		if !ok {
			continue
		}
		job.State = StateProcessing
		job.AttemptsMade++
		return job.clone(), nil
	}
	return nil, nil
}

// promote moves due delayed jobs to the ready list, earliest first.
func (b *MemoryBackend) promote() {
	if len(b.delayed) == 0 {
		return
	}
	now := b.now()
	sort.SliceStable(b.delayed, func(i, j int) bool {
		return b.jobs[b.delayed[i]].ProcessAt.Before(b.jobs[b.delayed[j]].ProcessAt)
	})
	n := 0
	for _, id := range b.delayed {
		job, ok := b.jobs[id]
		if !ok {
			n++
			continue
		}
		if job.ProcessAt.After(now) {
			break
		}
		b.ready = append(b.ready, id)
		n++
	}
	b.delayed = b.delayed[n:]
}

func (b *MemoryBackend) Complete(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if b.opts.CompletedRetention <= 0 {
		delete(b.jobs, job.ID)
		return nil
	}
	stored.State = StateCompleted
	stored.FinishedAt = b.now()
	return nil
}

func (b *MemoryBackend) Retry(_ context.Context, job *Job, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	stored.State = StateRetrying
	stored.ProcessAt = at
	stored.FailedReason = job.FailedReason
	b.delayed = append(b.delayed, stored.ID)
	return nil
}

func (b *MemoryBackend) DeadLetter(_ context.Context, job *Job, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	stored.State = StateDeadLettered
	stored.FailedReason = reason
	stored.FinishedAt = b.now()
	b.dead = append(b.dead, stored.ID)

	for len(b.dead) > b.opts.DeadLetterRetention {
		delete(b.jobs, b.dead[0])
		b.dead = b.dead[1:]
	}
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State == StateProcessing {
		return ErrJobActive
	}
	delete(b.jobs, id)
	b.ready = without(b.ready, id)
	b.delayed = without(b.delayed, id)
	b.dead = without(b.dead, id)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok || b.expired(job) {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

func (b *MemoryBackend) DeadLetters(_ context.Context, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Job
	for i := len(b.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if job, ok := b.jobs[b.dead[i]]; ok {
			out = append(out, job.clone())
		}
	}
	return out, nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
