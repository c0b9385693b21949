package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/cache"
	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/notification"
	"github.com/lvonguyen/alertforge/internal/queue"
	"github.com/lvonguyen/alertforge/internal/storage"
	"github.com/lvonguyen/alertforge/internal/telemetry"
	"github.com/lvonguyen/alertforge/internal/telemetry/correlation"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

var ingestNow = time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu       sync.Mutex
	patterns []string
}

func (r *recordingInvalidator) RequestInvalidation(_ context.Context, pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
	return nil
}

type failingEvents struct{}

func (failingEvents) CreateEvent(context.Context, *telemetry.Event) error {
	return errors.New("pq: connection refused")
}

type failingRules struct{}

func (failingRules) ListRules(context.Context, string) ([]*detection.Rule, error) {
	return nil, errors.New("pq: connection refused")
}

type harness struct {
	store    *storage.MemoryStore
	queue    *queue.Queue
	inv      *recordingInvalidator
	pipeline *Pipeline
}

func newHarness(t *testing.T, override func(*Deps)) *harness {
	t.Helper()
	now := func() time.Time { return ingestNow }

	store := storage.NewMemoryStore(now)
	opts := queue.Options{Attempts: 3, DeadLetterRetention: 5000, CompletedRetention: time.Hour}
	q := queue.New(notification.QueueName, queue.NewMemoryBackend(opts, now), opts, queue.WithClock(now))
	inv := &recordingInvalidator{}

	deps := Deps{
		Normalizer:  normalization.NewNormalizer(normalization.NormalizerConfig{}, now),
		Events:      store,
		Rules:       store,
		Evaluator:   detection.NewEvaluator(correlation.NewCorrelator(store, now), nil),
		Emitter:     alerting.NewEmitter(store, store, notification.NewPublisher(q), nil, now),
		Invalidator: inv,
	}
	if override != nil {
		override(&deps)
	}
	p, err := NewPipeline(deps)
	require.NoError(t, err)
	return &harness{store: store, queue: q, inv: inv, pipeline: p}
}

func (h *harness) rule(t *testing.T, tenant, name string, spec detection.ConditionSpec) *detection.Rule {
	t.Helper()
	r := &detection.Rule{Tenant: tenant, Name: name, Conditions: []detection.ConditionSpec{spec}}
	require.NoError(t, h.store.CreateRule(context.Background(), r))
	return r
}

// =============================================================================
// End-to-end
// =============================================================================

func TestIngest_AWSCreateUserRaisesAlert(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rule := h.rule(t, "demoB", "r1", detection.ConditionSpec{Type: "event_type", Value: "CreateUser"})
	require.NoError(t, h.store.UpsertAccount(ctx, alerting.Account{Username: "admin", Email: "admin@example.com"}))

	res, err := h.pipeline.Ingest(ctx, map[string]any{
		"tenant": "demoB",
		"source": "aws",
		"raw":    map[string]any{"eventName": "CreateUser"},
		"user":   "admin",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.EventID)
	assert.Equal(t, "CreateUser", res.Event.EventType)
	assert.Equal(t, telemetry.SourceAWS, res.Event.Source)
	assert.Empty(t, res.Warnings)

	require.Len(t, res.Alerts, 1)
	fired := res.Alerts[0]
	assert.Equal(t, rule.ID, fired.RuleID)
	assert.Equal(t, "medium", fired.Severity)
	assert.True(t, fired.Notified)

	alerts, err := h.store.ListRecentAlerts(ctx, "demoB", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Alert: r1", alerts[0].Title)
	assert.Equal(t, []string{res.EventID}, alerts[0].EventIDs)

	job, err := h.queue.Get(ctx, fired.JobID)
	require.NoError(t, err)
	assert.Equal(t, notification.JobAlertEmail, job.Name)
	var msg notification.AlertEmail
	require.NoError(t, job.Decode(&msg))
	assert.Equal(t, "admin@example.com", msg.Email)
	assert.Equal(t, "Alert: r1", msg.Title)

	assert.Equal(t, []string{cache.PatternLogs}, h.inv.patterns)
}

func TestIngest_NoMatchingRule(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "demoA", "r1", detection.ConditionSpec{Type: "event_type", Value: "CreateUser"})

	res, err := h.pipeline.Ingest(context.Background(), map[string]any{
		"tenant": "demoB",
		"source": "AWS",
		"raw":    map[string]any{"eventName": "CreateUser"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Alerts, "rules of another tenant never match")
}

func TestIngest_RepeatedFailuresFiresAtThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "demoA", "brute-force", detection.ConditionSpec{
		Type: "repeated_failures", Threshold: 3, WindowSeconds: 300, Severity: "high",
	})

	payload := func() map[string]any {
		return map[string]any{"tenant": "demoA", "source": "m365", "user": "alice", "status": "Failure"}
	}
	for i := 1; i <= 2; i++ {
		res, err := h.pipeline.Ingest(context.Background(), payload())
		require.NoError(t, err)
		assert.Empty(t, res.Alerts, "event %d is below the threshold", i)
	}

	res, err := h.pipeline.Ingest(context.Background(), payload())
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "high", res.Alerts[0].Severity)
}

// =============================================================================
// Rejections
// =============================================================================

func TestIngest_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		field   string
	}{
		{"missing tenant", map[string]any{"source": "api"}, "tenant"},
		{"missing source", map[string]any{"tenant": "demoA"}, "source"},
		{"severity above range", map[string]any{"tenant": "demoA", "source": "api", "severity": 11}, "severity"},
		{"port zero", map[string]any{"tenant": "demoA", "source": "api", "srcPort": 0}, "srcPort"},
		{"port not numeric", map[string]any{"tenant": "demoA", "source": "api", "dstPort": "https"}, "dstPort"},
		{"bad url", map[string]any{"tenant": "demoA", "source": "api", "url": "not a url"}, "url"},
		{"bad timestamp", map[string]any{"tenant": "demoA", "source": "api", "timestamp": "yesterday"}, "timestamp"},
		{"non-string tag", map[string]any{"tenant": "demoA", "source": "api", "tags": []any{"ok", 1}}, "tags"},
		{"raw not an object", map[string]any{"tenant": "demoA", "source": "api", "raw": "text"}, "raw"},
		{"unknown action", map[string]any{"tenant": "demoA", "source": "api", "action": "EXPLODE"}, "action"},
		{"integer field", map[string]any{"tenant": "demoA", "source": "api", "statusCode": "two hundred"}, "statusCode"},
		{"blank vendor", map[string]any{"tenant": "demoA", "source": "api", "vendor": "  "}, "vendor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			res, err := h.pipeline.Ingest(context.Background(), tt.payload)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Errors))
			for _, fe := range verr.Errors {
				fields = append(fields, fe.Field)
				assert.NotEmpty(t, fe.Message)
			}
			assert.Contains(t, fields, tt.field)

			events, _ := h.store.ListEvents(context.Background(), storage.EventFilter{})
			assert.Empty(t, events, "rejected payloads are never stored")
			assert.Empty(t, h.inv.patterns)
		})
	}
}

func TestIngest_AcceptsLenientScalars(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.pipeline.Ingest(context.Background(), map[string]any{
		"tenant":    "demoA",
		"source":    "Firewall",
		"severity":  "7",
		"srcPort":   "443",
		"dstPort":   8080,
		"timestamp": "2026-10-19T11:59:00Z",
		"action":    "deny",
		"url":       "",
		"tags":      []any{"edge"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Event.SeverityValue())
	assert.Equal(t, telemetry.ActionDeny, res.Event.Action)
	assert.Equal(t, "firewall_deny", res.Event.EventType)
}

func TestIngest_InvalidSource(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.pipeline.Ingest(context.Background(), map[string]any{"tenant": "demoA", "source": "mainframe"})
	require.ErrorIs(t, err, ErrInvalidSource)
	assert.EqualError(t, err, "Invalid source: MAINFRAME")

	res, err := h.pipeline.Ingest(context.Background(), map[string]any{"tenant": "demoA", "source": []any{"m365", "aws"}})
	require.NoError(t, err)
	assert.Equal(t, telemetry.SourceM365, res.Event.Source)
}

// =============================================================================
// Partial failures
// =============================================================================

func TestIngest_UnknownRecipientIsAWarning(t *testing.T) {
	h := newHarness(t, nil)
	h.rule(t, "demoB", "r1", detection.ConditionSpec{Type: "event_type", Value: "CreateUser"})

	res, err := h.pipeline.Ingest(context.Background(), map[string]any{
		"tenant": "demoB", "source": "aws", "eventType": "CreateUser", "user": "ghost",
	})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.False(t, res.Alerts[0].Notified)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "ghost")
}

func TestIngest_PersistenceFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Events = failingEvents{} })

	res, err := h.pipeline.Ingest(context.Background(), map[string]any{"tenant": "demoA", "source": "api"})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Nil(t, res)
	assert.Empty(t, h.inv.patterns)
}

func TestIngest_EvaluationFailureKeepsEvent(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Rules = failingRules{} })

	res, err := h.pipeline.Ingest(context.Background(), map[string]any{"tenant": "demoA", "source": "api"})
	require.ErrorIs(t, err, ErrEvaluation)
	require.NotNil(t, res)
	require.NotEmpty(t, res.EventID)

	stored, err := h.store.FindEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "api_event", stored.EventType)
}
