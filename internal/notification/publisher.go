package notification

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/alertforge/internal/queue"
)

const (
	otpMin = 100000
	otpMax = 999999
)

// Retry policy per job kind.
var (
	alertEmailPolicy = queue.EnqueueOptions{Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Second}}
	otpEmailPolicy   = queue.EnqueueOptions{Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}}
)

// Publisher enqueues notification jobs.
type Publisher struct {
	queue *queue.Queue
}

// NewPublisher creates a publisher over the notification queue.
func NewPublisher(q *queue.Queue) *Publisher {
	return &Publisher{queue: q}
}

// AlertJobID is the idempotency key of an alert notification.
func AlertJobID(alertID, tenant string, emittedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", JobAlertEmail, alertID, tenant, emittedAt.UnixMilli())
}

// EnqueueAlertEmail enqueues an alert notification for the alert emitted at
// emittedAt.
func (p *Publisher) EnqueueAlertEmail(ctx context.Context, m AlertEmail, emittedAt time.Time) (*queue.Handle, error) {
	opts := alertEmailPolicy
	opts.JobID = AlertJobID(m.AlertID, m.Tenant, emittedAt)
	return p.queue.Enqueue(ctx, JobAlertEmail, m, opts)
}

// EnqueueOTP enqueues a one-time-password email. An empty otpID gets a
// random one.
func (p *Publisher) EnqueueOTP(ctx context.Context, otpID, email string, code int) (*queue.Handle, error) {
	if otpID == "" {
		otpID = uuid.NewString()
	}
	opts := otpEmailPolicy
	opts.JobID = fmt.Sprintf("OTP:%s:email", otpID)
	return p.queue.Enqueue(ctx, JobOTPEmail, OTPEmail{Email: email, OTPCode: code}, opts)
}

// GenerateOTP returns a uniformly random six-digit code.
func GenerateOTP() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return 0, fmt.Errorf("generate otp: %w", err)
	}
	return otpMin + int(n.Int64()), nil
}
