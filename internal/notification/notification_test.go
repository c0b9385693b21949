package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/alertforge/internal/queue"
)

type sentMail struct {
	to, subject, html string
}

// fakeProvider records sends and fails the first failN of them.
type fakeProvider struct {
	mu         sync.Mutex
	name       string
	configured bool
	failN      int
	sent       []sentMail
	calls      int
}

func (p *fakeProvider) Name() string       { return p.name }
func (p *fakeProvider) IsConfigured() bool { return p.configured }

func (p *fakeProvider) SendEmail(_ context.Context, to, subject, html string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failN {
		return errors.New("connection refused")
	}
	p.sent = append(p.sent, sentMail{to, subject, html})
	return nil
}

func TestSeverityColor(t *testing.T) {
	assert.Equal(t, "#28a745", SeverityColor("low"))
	assert.Equal(t, "#ffc107", SeverityColor("Medium"))
	assert.Equal(t, "#dc3545", SeverityColor("HIGH"))
	assert.Equal(t, "#8B0000", SeverityColor("critical"))
	assert.Equal(t, "#007bff", SeverityColor("info"))
	assert.Equal(t, "#007bff", SeverityColor(""))
}

func TestRenderAlert(t *testing.T) {
	msg, err := RenderAlert(AlertEmail{
		Email:       "alice@example.com",
		Username:    "alice",
		Tenant:      "demoB",
		Title:       "Alert: Suspicious <script>",
		Description: "Rule r1 triggered by event e1",
		Severity:    "high",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", msg.To)
	assert.Equal(t, "[ALERT] Alert: Suspicious <script> - Severity: high at demoB", msg.Subject)
	assert.Contains(t, msg.HTML, "Hello <strong>alice</strong>")
	assert.Contains(t, msg.HTML, ">HIGH<")
	assert.Contains(t, msg.HTML, "#dc3545")
	assert.Contains(t, msg.HTML, "demoB")
	assert.Contains(t, msg.HTML, "Rule r1 triggered by event e1")
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
}

func TestRenderOTP(t *testing.T) {
	msg, err := RenderOTP(OTPEmail{Email: "bob@example.com", OTPCode: 482913})
	require.NoError(t, err)
	assert.Equal(t, "Verify One Time Password", msg.Subject)
	assert.Contains(t, msg.HTML, "482913")
	assert.Contains(t, msg.HTML, "valid for 5 minutes")
}

func TestGenerateOTP(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code, err := GenerateOTP()
		require.NoError(t, err)
		require.GreaterOrEqual(t, code, 100000)
		require.LessOrEqual(t, code, 999999)
	}
}

func TestAlertJobID(t *testing.T) {
	at := time.UnixMilli(1760875200000)
	assert.Equal(t, "AlertEmail:a1:demoA:1760875200000", AlertJobID("a1", "demoA", at))
}

func TestRegistry_Fallback(t *testing.T) {
	primary := &fakeProvider{name: "ses", configured: true, failN: 1}
	backup := &fakeProvider{name: "resend", configured: true}
	idle := &fakeProvider{name: "smtp", configured: false}

	reg := NewRegistry(nil)
	reg.Register(primary)
	reg.Register(backup)
	reg.Register(idle)
	require.NoError(t, reg.SetPrimary("ses"))
	require.NoError(t, reg.SetFallback("smtp", "resend"))
	assert.Error(t, reg.SetPrimary("sendgrid"))

	require.NoError(t, reg.SendEmail(context.Background(), "a@example.com", "s", "<p>x</p>"))
	assert.Len(t, backup.sent, 1)
	assert.Zero(t, idle.calls)

	require.NoError(t, reg.SendEmail(context.Background(), "a@example.com", "s", "<p>x</p>"))
	assert.Len(t, primary.sent, 1)
	assert.Equal(t, []string{"resend", "ses", "smtp"}, reg.Names())
}

func TestRegistry_NoProvider(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeProvider{name: "smtp"})
	assert.ErrorIs(t, reg.SendEmail(context.Background(), "a@example.com", "s", "b"), ErrNoProvider)
}

func TestBuildMessage(t *testing.T) {
	at := time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)
	msg := string(buildMessage("alerts@example.com", "a@example.com", "line\r\nBcc: evil@example.com", "<p>hi</p>", at))

	assert.True(t, strings.HasPrefix(msg, "From: alerts@example.com\r\n"))
	assert.Contains(t, msg, "Subject: line  Bcc: evil@example.com\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>"))
}

type fakeSES struct {
	in *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSESProvider(t *testing.T) {
	api := &fakeSES{}
	p := NewSESProviderWithClient(api, "alerts@example.com", nil)
	require.True(t, p.IsConfigured())

	require.NoError(t, p.SendEmail(context.Background(), "a@example.com", "subj", "<p>x</p>"))
	assert.Equal(t, "alerts@example.com", aws.ToString(api.in.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com"}, api.in.Destination.ToAddresses)
	assert.Equal(t, "<p>x</p>", aws.ToString(api.in.Content.Simple.Body.Html.Data))

	assert.False(t, NewResendProvider("", "alerts@example.com", nil).IsConfigured())
	assert.False(t, NewSMTPProvider(SMTPConfig{}, nil).IsConfigured())
}

// =============================================================================
// Dispatcher through the queue
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newNotificationQueue(clock *testClock) *queue.Queue {
	opts := queue.Options{Attempts: 3, DeadLetterRetention: 5000, CompletedRetention: time.Hour}
	return queue.New(QueueName, queue.NewMemoryBackend(opts, clock.Now), opts, queue.WithClock(clock.Now))
}

// drain processes every due job, advancing the clock past each backoff.
func drain(t *testing.T, w *queue.Worker, clock *testClock) {
	t.Helper()
	for i := 0; i < 10; i++ {
		ok, err := w.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			clock.Advance(time.Minute)
		}
	}
}

func TestDispatcher_AlertEmail(t *testing.T) {
	clock := &testClock{now: time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)}
	q := newNotificationQueue(clock)
	transport := &fakeProvider{name: "fake", configured: true}
	w := queue.NewWorker(q, NewDispatcher(transport, nil).Handle, queue.WorkerOptions{})

	pub := NewPublisher(q)
	h, err := pub.EnqueueAlertEmail(context.Background(), AlertEmail{
		Email: "alice@example.com", Username: "alice", Tenant: "demoA",
		Title: "Alert: High Severity", Description: "d", Severity: "high", AlertID: "a1",
	}, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, AlertJobID("a1", "demoA", clock.Now()), h.ID)

	dup, err := pub.EnqueueAlertEmail(context.Background(), AlertEmail{Email: "alice@example.com", Title: "x", Tenant: "demoA", AlertID: "a1"}, clock.Now())
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	drain(t, w, clock)
	require.Len(t, transport.sent, 1)
	assert.Equal(t, "[ALERT] Alert: High Severity - Severity: high at demoA", transport.sent[0].subject)
}

func TestDispatcher_TransportFailureRetriesThenDeadLetters(t *testing.T) {
	clock := &testClock{now: time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)}
	q := newNotificationQueue(clock)
	transport := &fakeProvider{name: "fake", configured: true, failN: 100}
	w := queue.NewWorker(q, NewDispatcher(transport, nil).Handle, queue.WorkerOptions{})

	h, err := NewPublisher(q).EnqueueOTP(context.Background(), "otp-1", "bob@example.com", 123456)
	require.NoError(t, err)
	assert.Equal(t, "OTP:otp-1:email", h.ID)

	drain(t, w, clock)
	assert.Equal(t, 3, transport.calls)

	job, err := q.Get(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDeadLettered, job.State)
	assert.Contains(t, job.FailedReason, ErrTransport.Error())
}

func TestDispatcher_TransientFailureRecovers(t *testing.T) {
	clock := &testClock{now: time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)}
	q := newNotificationQueue(clock)
	transport := &fakeProvider{name: "fake", configured: true, failN: 2}
	w := queue.NewWorker(q, NewDispatcher(transport, nil).Handle, queue.WorkerOptions{})

	_, err := NewPublisher(q).EnqueueOTP(context.Background(), "", "bob@example.com", 654321)
	require.NoError(t, err)

	drain(t, w, clock)
	assert.Equal(t, 3, transport.calls)
	require.Len(t, transport.sent, 1)
	assert.Contains(t, transport.sent[0].html, "654321")
}

func TestDispatcher_MalformedPayloads(t *testing.T) {
	tests := []struct {
		name    string
		job     string
		payload any
	}{
		{"unknown job", "PagerDuty", map[string]string{"email": "a@example.com"}},
		{"alert without email", JobAlertEmail, map[string]string{"title": "x"}},
		{"alert with bad address", JobAlertEmail, map[string]string{"email": "not-an-address", "title": "x"}},
		{"otp with short code", JobOTPEmail, map[string]any{"email": "a@example.com", "otpCode": 12}},
		{"payload of wrong type", JobOTPEmail, []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &testClock{now: time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)}
			q := newNotificationQueue(clock)
			transport := &fakeProvider{name: "fake", configured: true}
			w := queue.NewWorker(q, NewDispatcher(transport, nil).Handle, queue.WorkerOptions{})

			h, err := q.Enqueue(context.Background(), tt.job, tt.payload, queue.EnqueueOptions{})
			require.NoError(t, err)
			drain(t, w, clock)

			job, err := q.Get(context.Background(), h.ID)
			require.NoError(t, err)
			assert.Equal(t, queue.StateDeadLettered, job.State)
			assert.Equal(t, 1, job.AttemptsMade)
			assert.Zero(t, transport.calls)
		})
	}
}
