package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/cache"
	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/notification"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/queue"
	"github.com/lvonguyen/alertforge/internal/storage"
	"github.com/lvonguyen/alertforge/internal/telemetry"
	"github.com/lvonguyen/alertforge/internal/telemetry/correlation"
	"github.com/lvonguyen/alertforge/internal/telemetry/ingestion"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

var apiNow = time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

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

func (r *recordingInvalidator) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.patterns...)
}

type testServer struct {
	handler http.Handler
	store   *storage.MemoryStore
	emails  *queue.Queue
	inv     *recordingInvalidator
	redis   *miniredis.Miniredis
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, override func(*Deps)) *testServer {
	t.Helper()
	now := func() time.Time { return apiNow }

	store := storage.NewMemoryStore(now)
	opts := queue.Options{Attempts: 3, DeadLetterRetention: 5000, CompletedRetention: time.Hour}
	emails := queue.New(notification.QueueName, queue.NewMemoryBackend(opts, now), opts, queue.WithClock(now))
	inv := &recordingInvalidator{}

	pipeline, err := ingestion.NewPipeline(ingestion.Deps{
		Normalizer:  normalization.NewNormalizer(normalization.NormalizerConfig{}, now),
		Events:      store,
		Rules:       store,
		Evaluator:   detection.NewEvaluator(correlation.NewCorrelator(store, now), nil),
		Emitter:     alerting.NewEmitter(store, store, notification.NewPublisher(emails), nil, now),
		Invalidator: inv,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	deps := Deps{
		Ingester:    pipeline,
		Store:       store,
		Cache:       cache.New(client, time.Hour, nil),
		Invalidator: inv,
		Queues:      map[string]*queue.Queue{notification.QueueName: emails},
		Metrics:     metrics,
		Version:     "test",
	}
	if override != nil {
		override(&deps)
	}
	return &testServer{
		handler: Router(deps),
		store:   store,
		emails:  emails,
		inv:     inv,
		redis:   mr,
		metrics: metrics,
	}
}

func (ts *testServer) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func (ts *testServer) createRule(t *testing.T, body string) string {
	t.Helper()
	rr, out := ts.do(t, http.MethodPost, "/api/v1/rules", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rule := out["rule"].(map[string]any)
	return rule["id"].(string)
}

// =============================================================================
// Ingestion
// =============================================================================

func TestIngest_CreateUserAlert(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.store.UpsertAccount(context.Background(), alerting.Account{Username: "admin", Email: "admin@example.com"}))
	ruleID := ts.createRule(t, `{"tenant":"demoB","name":"r1","conditions":[{"type":"event_type","value":"CreateUser"}]}`)

	rr, out := ts.do(t, http.MethodPost, "/api/v1/ingest",
		`{"tenant":"demoB","source":"AWS","raw":{"eventName":"CreateUser"},"user":"admin"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, out["eventId"])
	assert.Empty(t, out["warnings"])

	alerts := out["alerts"].([]any)
	require.Len(t, alerts, 1)
	fired := alerts[0].(map[string]any)
	assert.Equal(t, ruleID, fired["ruleId"])
	assert.Equal(t, "medium", fired["severity"])
	assert.Equal(t, true, fired["notified"])

	rr, out = ts.do(t, http.MethodGet, "/api/v1/alerts?tenant=demoB", "")
	require.Equal(t, http.StatusOK, rr.Code)
	listed := out["alerts"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, "Alert: r1", listed[0].(map[string]any)["title"])
	assert.Equal(t, "OPEN", listed[0].(map[string]any)["status"])

	assert.Contains(t, ts.inv.seen(), cache.PatternLogs)
}

func TestIngest_NoRulesReturnsEmptyArrays(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, out := ts.do(t, http.MethodPost, "/api/v1/ingest", `{"tenant":"demoA","source":"api","eventType":"login"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, []any{}, out["alerts"])
	assert.Equal(t, []any{}, out["warnings"])
}

func TestIngest_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, out := ts.do(t, http.MethodPost, "/api/v1/ingest", `{"source":"api","severity":42}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, CodeValidation, out["code"])

	fields := map[string]string{}
	for _, e := range out["errors"].([]any) {
		fe := e.(map[string]any)
		fields[fe["field"].(string)] = fe["message"].(string)
	}
	assert.Equal(t, "Tenant is required.", fields["tenant"])
	assert.Equal(t, "Severity must be between 0-10.", fields["severity"])

	events, err := ts.store.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIngest_InvalidSource(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, out := ts.do(t, http.MethodPost, "/api/v1/ingest", `{"tenant":"demoA","source":"mainframe"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Invalid source: MAINFRAME", out["message"])
}

func TestIngest_BodyNotAnObject(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, body := range []string{`[1,2]`, `not json`, `null`} {
		rr, out := ts.do(t, http.MethodPost, "/api/v1/ingest", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		assert.Equal(t, CodeInvalidBody, out["code"], body)
	}
}

type stubIngester struct {
	res *ingestion.Result
	err error
}

func (s stubIngester) Ingest(context.Context, map[string]any) (*ingestion.Result, error) {
	return s.res, s.err
}

func TestIngest_ServerErrors(t *testing.T) {
	tests := []struct {
		name    string
		res     *ingestion.Result
		err     error
		code    string
		eventID any
	}{
		{
			name: "persistence",
			err:  fmt.Errorf("%w: pq: connection refused", ingestion.ErrPersistence),
			code: CodePersistence,
		},
		{
			name:    "evaluation keeps event id",
			res:     &ingestion.Result{EventID: "evt-1"},
			err:     fmt.Errorf("%w: list rules: timeout", ingestion.ErrEvaluation),
			code:    CodeEvaluation,
			eventID: "evt-1",
		},
		{
			name: "unexpected",
			err:  errors.New("boom"),
			code: CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, func(d *Deps) { d.Ingester = stubIngester{res: tt.res, err: tt.err} })

			rr, out := ts.do(t, http.MethodPost, "/api/v1/ingest", `{"tenant":"demoA","source":"api"}`)
			require.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Equal(t, tt.code, out["code"])
			assert.Equal(t, tt.eventID, out["eventId"])
			assert.NotContains(t, rr.Body.String(), "pq:", "driver errors are not exposed")
		})
	}
}

func TestIngest_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) {
		d.RateLimit = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			})
		}
	})

	rr, _ := ts.do(t, http.MethodPost, "/api/v1/ingest", `{"tenant":"demoA","source":"api"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr, _ = ts.do(t, http.MethodGet, "/api/v1/rules", "")
	assert.Equal(t, http.StatusOK, rr.Code, "reads are not rate limited")
}

// =============================================================================
// Rules
// =============================================================================

func TestRules_CreateValidateAndConflict(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.createRule(t, `{"tenant":"demoA","name":"noisy","conditions":[{"type":"severity_min","value":7,"severity":"high"}]}`)
	assert.Equal(t, []string{cache.PatternRules}, ts.inv.seen())

	rr, out := ts.do(t, http.MethodPost, "/api/v1/rules",
		`{"tenant":"demoA","name":"noisy","conditions":[{"type":"event_type","value":"x"}]}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, CodeConflict, out["code"])

	tests := []struct {
		name string
		body string
	}{
		{"missing tenant", `{"name":"a","conditions":[{"type":"event_type","value":"x"}]}`},
		{"two conditions", `{"tenant":"demoA","name":"a","conditions":[{"type":"event_type","value":"x"},{"type":"event_type","value":"y"}]}`},
		{"unknown type", `{"tenant":"demoA","name":"a","conditions":[{"type":"geo_velocity"}]}`},
		{"severity out of range", `{"tenant":"demoA","name":"a","conditions":[{"type":"severity_min","value":11}]}`},
		{"malformed", `{"tenant":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, out := ts.do(t, http.MethodPost, "/api/v1/rules", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, false, out["success"])
		})
	}
}

func TestRules_ListIsCached(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.createRule(t, `{"tenant":"demoA","name":"r1","conditions":[{"type":"event_type","value":"login"}]}`)

	rr, out := ts.do(t, http.MethodGet, "/api/v1/rules?tenant=demoA", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), out["count"])
	assert.True(t, ts.redis.Exists(`rules:{"tenant":"demoA"}`))

	// written behind the cache's back: the cached page is served until invalidated
	require.NoError(t, ts.store.CreateRule(context.Background(), &detection.Rule{
		Tenant: "demoA", Name: "r2", Conditions: []detection.ConditionSpec{{Type: "event_type", Value: "logout"}},
	}))
	_, out = ts.do(t, http.MethodGet, "/api/v1/rules?tenant=demoA", "")
	assert.Equal(t, float64(1), out["count"])

	ts.redis.Del(`rules:{"tenant":"demoA"}`)
	_, out = ts.do(t, http.MethodGet, "/api/v1/rules?tenant=demoA", "")
	assert.Equal(t, float64(2), out["count"])
}

func TestRules_CacheOutageFallsBackToStore(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.createRule(t, `{"tenant":"demoA","name":"r1","conditions":[{"type":"event_type","value":"login"}]}`)
	ts.redis.Close()

	rr, out := ts.do(t, http.MethodGet, "/api/v1/rules?tenant=demoA", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), out["count"])
}

func TestRules_Delete(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createRule(t, `{"tenant":"demoA","name":"r1","conditions":[{"type":"event_type","value":"login"}]}`)

	rr, _ := ts.do(t, http.MethodDelete, "/api/v1/rules/"+id, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{cache.PatternRules, cache.PatternRules}, ts.inv.seen())

	rr, out := ts.do(t, http.MethodDelete, "/api/v1/rules/"+id, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeNotFound, out["code"])
}

// =============================================================================
// Logs
// =============================================================================

func TestLogs_ListGetDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	for i, sev := range []int{2, 9} {
		require.NoError(t, ts.store.CreateEvent(ctx, &telemetry.Event{
			Tenant:    "demoA",
			Source:    telemetry.SourceFirewall,
			EventType: "firewall_deny",
			Severity:  telemetry.IntPtr(sev),
			Timestamp: apiNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	rr, out := ts.do(t, http.MethodGet, "/api/v1/logs?tenant=demoA&severityLevel=high", "")
	require.Equal(t, http.StatusOK, rr.Code)
	logs := out["logs"].([]any)
	require.Len(t, logs, 1)
	id := logs[0].(map[string]any)["id"].(string)

	rr, out = ts.do(t, http.MethodGet, "/api/v1/logs/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(9), out["log"].(map[string]any)["severity"])

	rr, _ = ts.do(t, http.MethodDelete, "/api/v1/logs/"+id, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{cache.PatternLogs}, ts.inv.seen())

	rr, out = ts.do(t, http.MethodGet, "/api/v1/logs/"+id, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeNotFound, out["code"])

	rr, _ = ts.do(t, http.MethodDelete, "/api/v1/logs/"+id, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLogs_EmptyListIsArray(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, out := ts.do(t, http.MethodGet, "/api/v1/logs?tenant=nobody", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, out["logs"])
}

// =============================================================================
// Alerts, queues, health
// =============================================================================

func TestAlerts_LimitIsCapped(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		require.NoError(t, ts.store.CreateAlert(ctx, &alerting.Alert{
			ID:          fmt.Sprintf("a-%03d", i),
			Tenant:      "demoA",
			TriggeredAt: apiNow.Add(time.Duration(i) * time.Second),
		}))
	}

	_, out := ts.do(t, http.MethodGet, "/api/v1/alerts?tenant=demoA", "")
	assert.Equal(t, float64(storage.DefaultAlertLimit), out["count"])

	_, out = ts.do(t, http.MethodGet, "/api/v1/alerts?tenant=demoA&limit=500", "")
	assert.Equal(t, float64(storage.MaxAlertLimit), out["count"])
}

func TestDeadLetters(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, out := ts.do(t, http.MethodGet, "/api/v1/queues/"+notification.QueueName+"/dead-letters", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), out["count"])
	assert.Equal(t, []any{}, out["jobs"])

	rr, out = ts.do(t, http.MethodGet, "/api/v1/queues/sms/dead-letters", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeUnknownQueue, out["code"])
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, out := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "test", out["version"])

	rr, _ = ts.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	down := newTestServer(t, func(d *Deps) {
		d.Checks = map[string]Check{"redis": func(context.Context) error { return errors.New("dial tcp: refused") }}
	})
	rr, out = down.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "dial tcp: refused", out["failures"].(map[string]any)["redis"])
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.do(t, http.MethodGet, "/api/v1/logs/does-not-exist", "")
	ts.do(t, http.MethodGet, "/api/v1/logs/also-missing", "")

	got := testutil.ToFloat64(ts.metrics.RequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/logs/{id}", "404"))
	assert.Equal(t, 2.0, got)
}
