package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/notification"
	"github.com/lvonguyen/alertforge/internal/queue"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

var emitNow = time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

type alertLog struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (l *alertLog) CreateAlert(_ context.Context, a *Alert) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.alerts = append(l.alerts, a)
	return nil
}

type accounts struct {
	byName  map[string]string
	lookups int
	err     error
}

func (a *accounts) LookupAccount(_ context.Context, username string) (*Account, error) {
	a.lookups++
	if a.err != nil {
		return nil, a.err
	}
	email, ok := a.byName[username]
	if !ok {
		return nil, ErrNoRecipient
	}
	return &Account{Username: username, Email: email}, nil
}

type failingNotifier struct{}

func (failingNotifier) EnqueueAlertEmail(context.Context, notification.AlertEmail, time.Time) (*queue.Handle, error) {
	return nil, errors.New("redis: connection refused")
}

func newQueue() *queue.Queue {
	clock := func() time.Time { return emitNow }
	opts := queue.Options{Attempts: 3}
	return queue.New(notification.QueueName, queue.NewMemoryBackend(opts, clock), opts, queue.WithClock(clock))
}

func highSeverityRule() *detection.Rule {
	return (&detection.Rule{
		ID:         "r-1",
		Tenant:     "demoA",
		Name:       "High Severity",
		Enabled:    true,
		Conditions: []detection.ConditionSpec{{Type: "severity_min", Value: 8}},
	}).Compile()
}

func TestBuild(t *testing.T) {
	event := &telemetry.Event{ID: "evt-1", Tenant: "demoA"}
	a := Build(highSeverityRule(), event, emitNow)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "r-1", a.RuleID)
	assert.Equal(t, "demoA", a.Tenant)
	assert.Equal(t, "Alert: High Severity", a.Title)
	assert.Equal(t, "Alert triggered by rule: High Severity", a.Description)
	assert.Equal(t, "medium", a.Severity)
	assert.Equal(t, []string{"evt-1"}, a.EventIDs)
	assert.Equal(t, StatusOpen, a.Status)
	assert.Equal(t, emitNow, a.TriggeredAt)

	declared := (&detection.Rule{Name: "x", Conditions: []detection.ConditionSpec{
		{Type: "event_type", Value: "malware", Severity: "Critical"},
	}}).Compile()
	assert.Equal(t, "critical", Build(declared, event, emitNow).Severity)
}

func TestEmit_QueuesNotification(t *testing.T) {
	log := &alertLog{}
	q := newQueue()
	em := NewEmitter(log, &accounts{byName: map[string]string{"alice": "alice@example.com"}},
		notification.NewPublisher(q), nil, func() time.Time { return emitNow })

	event := &telemetry.Event{ID: "evt-1", Tenant: "demoA", User: "alice", Severity: telemetry.IntPtr(9)}
	out, err := em.Emit(context.Background(), highSeverityRule(), event)
	require.NoError(t, err)

	require.Len(t, log.alerts, 1)
	assert.NoError(t, out.NotifyErr)
	assert.True(t, out.Notified())
	assert.Equal(t, notification.AlertJobID(out.Alert.ID, "demoA", emitNow), out.JobID)

	job, err := q.Get(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, notification.JobAlertEmail, job.Name)

	var payload notification.AlertEmail
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, "alice@example.com", payload.Email)
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, "Alert: High Severity", payload.Title)
	assert.Equal(t, "medium", payload.Severity)
}

// TestEmit_TwiceCreatesTwoAlerts verifies that repeated firing is not
// suppressed.
func TestEmit_TwiceCreatesTwoAlerts(t *testing.T) {
	log := &alertLog{}
	em := NewEmitter(log, &accounts{byName: map[string]string{"alice": "a@example.com"}},
		notification.NewPublisher(newQueue()), nil, func() time.Time { return emitNow })
	event := &telemetry.Event{ID: "evt-1", Tenant: "demoA", User: "alice"}

	first, err := em.Emit(context.Background(), highSeverityRule(), event)
	require.NoError(t, err)
	second, err := em.Emit(context.Background(), highSeverityRule(), event)
	require.NoError(t, err)

	assert.Len(t, log.alerts, 2)
	assert.NotEqual(t, first.Alert.ID, second.Alert.ID)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestEmit_RecipientFailuresAreRecoverable(t *testing.T) {
	tests := []struct {
		name  string
		user  string
		dir   *accounts
		check func(t *testing.T, err error)
	}{
		{"no user on event", "", &accounts{}, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoRecipient) }},
		{"unknown user", "mallory", &accounts{byName: map[string]string{}}, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoRecipient) }},
		{"account without email", "bob", &accounts{byName: map[string]string{"bob": ""}}, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoRecipient) }},
		{"directory down", "alice", &accounts{err: errors.New("timeout")}, func(t *testing.T, err error) { assert.ErrorContains(t, err, "timeout") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &alertLog{}
			q := newQueue()
			em := NewEmitter(log, tt.dir, notification.NewPublisher(q), nil, nil)

			out, err := em.Emit(context.Background(), highSeverityRule(), &telemetry.Event{ID: "e", Tenant: "demoA", User: tt.user})
			require.NoError(t, err)
			assert.Len(t, log.alerts, 1)
			assert.False(t, out.Notified())
			tt.check(t, out.NotifyErr)
		})
	}
}

func TestEmit_EnqueueFailureIsRecoverable(t *testing.T) {
	log := &alertLog{}
	em := NewEmitter(log, &accounts{byName: map[string]string{"alice": "a@example.com"}}, failingNotifier{}, nil, nil)

	out, err := em.Emit(context.Background(), highSeverityRule(), &telemetry.Event{ID: "e", Tenant: "demoA", User: "alice"})
	require.NoError(t, err)
	assert.Len(t, log.alerts, 1)
	assert.ErrorIs(t, out.NotifyErr, ErrNotificationEnqueue)
}

func TestEmit_PersistenceFailure(t *testing.T) {
	em := NewEmitter(&alertLog{err: errors.New("disk full")}, &accounts{}, failingNotifier{}, nil, nil)
	_, err := em.Emit(context.Background(), highSeverityRule(), &telemetry.Event{ID: "e", Tenant: "demoA"})
	assert.ErrorIs(t, err, ErrAlertPersistence)
}

func TestCachedDirectory(t *testing.T) {
	backing := &accounts{byName: map[string]string{"alice": "a@example.com"}}
	dir := NewCachedDirectory(backing, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		acct, err := dir.LookupAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", acct.Email)
	}
	assert.Equal(t, 1, backing.lookups)

	_, err := dir.LookupAccount(ctx, "bob")
	assert.ErrorIs(t, err, ErrNoRecipient)
	backing.byName["bob"] = "b@example.com"
	acct, err := dir.LookupAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", acct.Email)

	// an evicted account is looked up again
	dir.cache.Remove("alice")
	_, err = dir.LookupAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, backing.lookups)
}
