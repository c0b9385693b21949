// Package alerting turns rule matches into persisted alerts and queues the
// notification for each one.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// StatusOpen is the status of a newly emitted alert.
const StatusOpen = "OPEN"

// DefaultSeverity applies when the rule's condition declares none.
const DefaultSeverity = detection.SeverityMedium

var (
	// ErrAlertPersistence wraps failures writing the alert record.
	ErrAlertPersistence = errors.New("alert persistence failed")

	// ErrNoRecipient reports an alert whose event user has no known
	// account with an email address. The alert still stands.
	ErrNoRecipient = errors.New("no notification recipient")

	// ErrNotificationEnqueue reports an alert whose notification job could
	// not be queued. The alert still stands.
	ErrNotificationEnqueue = errors.New("notification enqueue failed")
)

// Alert is the record of a rule firing on an event.
type Alert struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"ruleId"`
	Tenant      string    `json:"tenant"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	EventIDs    []string  `json:"eventIds"`
	TriggeredAt time.Time `json:"triggeredAt"`
	Status      string    `json:"status"`
}

// Build derives the alert for rule firing on event.
func Build(rule *detection.Rule, event *telemetry.Event, at time.Time) *Alert {
	severity := rule.Condition().AlertSeverity()
	if severity == "" {
		severity = DefaultSeverity
	}
	return &Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Tenant:      rule.Tenant,
		Title:       fmt.Sprintf("Alert: %s", rule.Name),
		Description: fmt.Sprintf("Alert triggered by rule: %s", rule.Name),
		Severity:    severity,
		EventIDs:    []string{event.ID},
		TriggeredAt: at.UTC(),
		Status:      StatusOpen,
	}
}

// Writer persists alerts.
type Writer interface {
	CreateAlert(ctx context.Context, alert *Alert) error
}

// Account is a notifiable user.
type Account struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Directory resolves usernames to accounts. LookupAccount returns
// ErrNoRecipient when the user is unknown.
type Directory interface {
	LookupAccount(ctx context.Context, username string) (*Account, error)
}
