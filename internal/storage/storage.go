// Package storage persists events, rules, alerts and accounts. MemoryStore
// serves tests and single-process runs; PostgresStore is the durable
// implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRule is returned when a tenant already has a rule with
	// the same name.
	ErrDuplicateRule = errors.New("rule already exists for tenant")
)

// List limits.
const (
	DefaultListLimit  = 100
	MaxListLimit      = 1000
	DefaultAlertLimit = 20
	MaxAlertLimit     = 100
)

// EventFilter narrows ListEvents. Empty fields do not filter.
type EventFilter struct {
	Tenant        string `json:"tenant,omitempty"`
	Source        string `json:"source,omitempty"`
	Action        string `json:"action,omitempty"`
	SeverityLevel string `json:"severityLevel,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// severityRange returns the inclusive severity bounds for a level.
func severityRange(level string) (lo, hi int, ok bool) {
	switch level {
	case telemetry.LevelLow:
		return 0, 3, true
	case telemetry.LevelMedium:
		return 4, 7, true
	case telemetry.LevelHigh:
		return 8, 10, true
	}
	return 0, 0, false
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// EventStore persists canonical events.
type EventStore interface {
	// CreateEvent stores e, assigning an id when e.ID is empty.
	CreateEvent(ctx context.Context, e *telemetry.Event) error
	// CountEvents counts events of a tenant with the given type and user at
	// or after since.
	CountEvents(ctx context.Context, tenant, eventType, user string, since time.Time) (int, error)
	FindEvent(ctx context.Context, id string) (*telemetry.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*telemetry.Event, error)
	// DeleteEventsBefore removes events older than t and reports how many.
	DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error)
}

// RuleStore persists detection rules.
type RuleStore interface {
	// ListRules returns a tenant's rules in creation order. An empty tenant
	// lists every rule.
	ListRules(ctx context.Context, tenant string) ([]*detection.Rule, error)
	GetRule(ctx context.Context, tenant, name string) (*detection.Rule, error)
	// CreateRule stores r as enabled, assigning its id and creation time.
	CreateRule(ctx context.Context, r *detection.Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// AlertStore persists alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *alerting.Alert) error
	// ListRecentAlerts returns a tenant's newest alerts. An empty tenant
	// lists across tenants.
	ListRecentAlerts(ctx context.Context, tenant string, limit int) ([]*alerting.Alert, error)
}

// AccountStore resolves and records notifiable users.
type AccountStore interface {
	alerting.Directory
	UpsertAccount(ctx context.Context, a alerting.Account) error
}

// Store is the full persistence surface.
type Store interface {
	EventStore
	RuleStore
	AlertStore
	AccountStore
	Ping(ctx context.Context) error
	Close() error
}
