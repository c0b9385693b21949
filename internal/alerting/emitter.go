package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/notification"
	"github.com/lvonguyen/alertforge/internal/queue"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Notifier queues alert emails.
type Notifier interface {
	EnqueueAlertEmail(ctx context.Context, m notification.AlertEmail, emittedAt time.Time) (*queue.Handle, error)
}

// Emission is the outcome of emitting one alert. NotifyErr is set when the
// alert was stored but no notification was queued.
type Emission struct {
	Alert     *Alert
	JobID     string
	Duplicate bool
	NotifyErr error
}

// Notified reports whether a notification job exists for the alert.
func (e *Emission) Notified() bool { return e.JobID != "" }

// Emitter persists alerts and queues their notifications.
type Emitter struct {
	alerts    Writer
	directory Directory
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewEmitter creates an emitter. A nil clock uses time.Now.
func NewEmitter(alerts Writer, directory Directory, notifier Notifier, logger *zap.Logger, now func() time.Time) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Emitter{alerts: alerts, directory: directory, notifier: notifier, logger: logger, now: now}
}

// Emit stores the alert for rule firing on event and queues its
// notification. Only a persistence failure is returned as an error; a
// missing recipient or a failed enqueue is reported in the Emission.
func (e *Emitter) Emit(ctx context.Context, rule *detection.Rule, event *telemetry.Event) (*Emission, error) {
	emittedAt := e.now()
	alert := Build(rule, event, emittedAt)
	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlertPersistence, err)
	}

	log := e.logger.With(
		zap.String("alert_id", alert.ID),
		zap.String("rule", rule.Name),
		zap.String("tenant", alert.Tenant),
	)
	log.Info("Alert emitted", zap.String("severity", alert.Severity), zap.String("event_id", event.ID))

	em := &Emission{Alert: alert}
	account, err := e.recipient(ctx, event.User)
	if err != nil {
		em.NotifyErr = err
		log.Warn("Alert notification skipped", zap.String("user", event.User), zap.Error(err))
		return em, nil
	}

	handle, err := e.notifier.EnqueueAlertEmail(ctx, notification.AlertEmail{
		Email:       account.Email,
		Username:    account.Username,
		Tenant:      alert.Tenant,
		Title:       alert.Title,
		Description: alert.Description,
		Severity:    alert.Severity,
		AlertID:     alert.ID,
	}, emittedAt)
	if err != nil {
		em.NotifyErr = fmt.Errorf("%w: %w", ErrNotificationEnqueue, err)
		log.Error("Failed to enqueue alert notification", zap.Error(err))
		return em, nil
	}

	em.JobID = handle.ID
	em.Duplicate = handle.Duplicate
	log.Debug("Alert notification queued", zap.String("job_id", handle.ID), zap.Bool("duplicate", handle.Duplicate))
	return em, nil
}

func (e *Emitter) recipient(ctx context.Context, username string) (*Account, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: event has no user", ErrNoRecipient)
	}
	account, err := e.directory.LookupAccount(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNoRecipient) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: lookup %q: %w", ErrNoRecipient, username, err)
	}
	if account == nil || account.Email == "" {
		return nil, fmt.Errorf("%w: user %q has no email", ErrNoRecipient, username)
	}
	return account, nil
}
