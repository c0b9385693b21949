package observability

import (
	"strconv"
	"time"
)

// The recording helpers below accept a nil *Metrics so callers can run with
// metrics disabled without guarding every call site.

func (m *Metrics) EventIngested(source, level string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(source, level).Inc()
}

func (m *Metrics) IngestRejectedFor(reason string) {
	if m == nil {
		return
	}
	m.IngestRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RuleMatched(condition string) {
	if m == nil {
		return
	}
	m.RulesMatched.WithLabelValues(condition).Inc()
}

func (m *Metrics) AlertEmitted(severity string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(severity).Inc()
}

func (m *Metrics) NotificationSkipped(reason string) {
	if m == nil {
		return
	}
	m.NotificationsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveIngest(d time.Duration) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(d.Seconds())
}

// JobFinished records one job attempt. outcome is "completed", "retrying"
// or "dead_lettered"; d is observed only when positive, for final outcomes.
func (m *Metrics) JobFinished(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	if d > 0 {
		m.JobDuration.WithLabelValues(queue).Observe(d.Seconds())
	}
}

func (m *Metrics) KeysInvalidated(pattern string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheKeysInvalidated.WithLabelValues(pattern).Add(float64(n))
}

func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsSwept.Add(float64(n))
}

func (m *Metrics) RateLimitedOn(path string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(path).Inc()
}

// ObserveRequest records an HTTP request. path should be the route
// pattern, not the raw URL, to bound label cardinality.
func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
