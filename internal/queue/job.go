// Package queue provides durable job queues with per-job retry budgets,
// exponential backoff and a bounded dead-letter list.
//
// A Queue is a producer handle over a Backend. Workers reserve jobs from the
// same Backend and report the outcome back to it. Delivery is at least
// once: a handler may see a job again after a crash, so handlers must be
// idempotent.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateJob is returned by Backend.Add when a job with the same id
	// is still known to the backend.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrMalformedPayload marks a job that can never succeed. Workers
	// dead-letter it on the first failure instead of retrying.
	ErrMalformedPayload = errors.New("malformed job payload")

	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned when removing a job that is being processed.
	ErrJobActive = errors.New("job is being processed")
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued       State = "queued"
	StateProcessing   State = "processing"
	StateRetrying     State = "retrying"
	StateCompleted    State = "completed"
	StateDeadLettered State = "dead_lettered"
)

// Backoff types.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff computes the delay before a retry.
type Backoff struct {
	Type  string        `yaml:"type" json:"type"`
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// Next returns the delay after attemptsMade failed attempts. Exponential
// backoff doubles the base delay for every attempt after the first.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type == BackoffFixed || attemptsMade <= 1 {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay * time.Duration(1<<shift)
}

// Job is a unit of work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessAt    time.Time       `json:"processAt"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// Decode unmarshals the payload into v. Decoding failures wrap
// ErrMalformedPayload.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

// Handle identifies an enqueued job. Duplicate is set when the job id was
// already known and nothing new was enqueued.
type Handle struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}
