// Package correlation counts related events inside a trailing time window.
//
// Events correlate when they share (tenant, eventType, user). The count is
// read from the event store, so it includes an event only once that event
// has been persisted.
package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Key identifies the correlation bucket of an event.
type Key struct {
	Tenant    string
	EventType string
	User      string
}

// KeyOf returns the correlation key of e. An event without a user
// correlates only with other events without a user.
func KeyOf(e *telemetry.Event) Key {
	return Key{Tenant: e.Tenant, EventType: e.EventType, User: e.User}
}

// Counter counts persisted events for a key from since onwards.
type Counter interface {
	CountEvents(ctx context.Context, tenant, eventType, user string, since time.Time) (int, error)
}

// Correlator answers windowed-count questions against a Counter.
type Correlator struct {
	counter Counter
	now     func() time.Time
}

// NewCorrelator creates a new correlator. A nil clock means time.Now.
func NewCorrelator(counter Counter, now func() time.Time) *Correlator {
	if now == nil {
		now = time.Now
	}
	return &Correlator{counter: counter, now: now}
}

// WindowStart returns the inclusive lower bound of a window ending now.
func (c *Correlator) WindowStart(window time.Duration) time.Time {
	return c.now().Add(-window)
}

// CountInWindow returns how many persisted events share e's key with a
// timestamp at or after now minus window.
func (c *Correlator) CountInWindow(ctx context.Context, e *telemetry.Event, window time.Duration) (int, error) {
	key := KeyOf(e)
	count, err := c.counter.CountEvents(ctx, key.Tenant, key.EventType, key.User, c.WindowStart(window))
	if err != nil {
		return 0, fmt.Errorf("count events for %s/%s: %w", key.Tenant, key.EventType, err)
	}
	return count, nil
}
