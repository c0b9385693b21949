package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/queue"
)

// Dispatcher renders notification jobs and hands them to a Transport.
type Dispatcher struct {
	transport Transport
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(transport Transport, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{transport: transport, logger: logger}
}

// Handle is the queue.Handler for the notification queue.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	var (
		msg *Rendered
		err error
	)
	switch job.Name {
	case JobOTPEmail:
		msg, err = d.renderOTP(job)
	case JobAlertEmail:
		msg, err = d.renderAlert(job)
	default:
		return fmt.Errorf("%w: unknown job %q", queue.ErrMalformedPayload, job.Name)
	}
	if err != nil {
		return err
	}

	if err := d.transport.SendEmail(ctx, msg.To, msg.Subject, msg.HTML); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	d.logger.Info("Notification sent",
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Int("attempt", job.AttemptsMade),
	)
	return nil
}

func (d *Dispatcher) renderOTP(job *queue.Job) (*Rendered, error) {
	var m OTPEmail
	if err := job.Decode(&m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return RenderOTP(m)
}

func (d *Dispatcher) renderAlert(job *queue.Job) (*Rendered, error) {
	var m AlertEmail
	if err := job.Decode(&m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	d.logger.Debug("Sending alert email",
		zap.String("job_id", job.ID),
		zap.String("username", m.Username),
		zap.String("tenant", m.Tenant),
	)
	return RenderAlert(m)
}
