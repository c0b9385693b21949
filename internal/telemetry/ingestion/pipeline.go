// Package ingestion runs one raw security payload through the detection
// pipeline: validate, normalize, persist, evaluate the tenant's rules and
// emit an alert per matching rule.
//
// Persisting the event is the durability boundary. Everything after it is
// reported alongside the event id instead of undoing the write.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/cache"
	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/telemetry"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

var (
	ErrInvalidSource = errors.New("invalid source")
	ErrPersistence   = errors.New("persistence failure")
	ErrEvaluation    = errors.New("evaluation failure")
)

// EventWriter persists canonical events.
type EventWriter interface {
	CreateEvent(ctx context.Context, e *telemetry.Event) error
}

// RuleSource lists a tenant's rules.
type RuleSource interface {
	ListRules(ctx context.Context, tenant string) ([]*detection.Rule, error)
}

// AlertEmitter turns a matched rule into an alert.
type AlertEmitter interface {
	Emit(ctx context.Context, rule *detection.Rule, event *telemetry.Event) (*alerting.Emission, error)
}

// Invalidator requests asynchronous cache invalidation.
type Invalidator interface {
	RequestInvalidation(ctx context.Context, pattern string) error
}

// Deps wires a Pipeline. Invalidator, Metrics, Tracer and Logger are
// optional.
type Deps struct {
	Normalizer  *normalization.Normalizer
	Events      EventWriter
	Rules       RuleSource
	Evaluator   *detection.Evaluator
	Emitter     AlertEmitter
	Invalidator Invalidator
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// FiredAlert summarizes one emitted alert in the ingestion response.
type FiredAlert struct {
	ID        string `json:"id"`
	RuleID    string `json:"ruleId"`
	RuleName  string `json:"ruleName"`
	Severity  string `json:"severity"`
	Notified  bool   `json:"notified"`
	JobID     string `json:"jobId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Result is the outcome of an ingestion. EventID is set as soon as the
// event is persisted, even when a later stage fails.
type Result struct {
	EventID  string           `json:"eventId"`
	Event    *telemetry.Event `json:"-"`
	Alerts   []FiredAlert     `json:"alerts"`
	Warnings []string         `json:"warnings"`
}

// Pipeline ingests raw payloads.
type Pipeline struct {
	validator   *Validator
	normalizer  *normalization.Normalizer
	events      EventWriter
	rules       RuleSource
	evaluator   *detection.Evaluator
	emitter     AlertEmitter
	invalidator Invalidator
	metrics     *observability.Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(d Deps) (*Pipeline, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if d.Normalizer == nil {
		d.Normalizer = normalization.NewNormalizer(normalization.NormalizerConfig{}, nil)
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("alertforge/ingestion")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Pipeline{
		validator:   v,
		normalizer:  d.Normalizer,
		events:      d.Events,
		rules:       d.Rules,
		evaluator:   d.Evaluator,
		emitter:     d.Emitter,
		invalidator: d.Invalidator,
		metrics:     d.Metrics,
		tracer:      d.Tracer,
		logger:      d.Logger,
	}, nil
}

// ParseSource reads the declared source of payload. An array source uses
// its first element.
func ParseSource(payload map[string]any) (telemetry.Source, error) {
	var declared string
	switch v := payload["source"].(type) {
	case string:
		declared = v
	case []any:
		if len(v) > 0 {
			declared, _ = v[0].(string)
		}
	case []string:
		if len(v) > 0 {
			declared = v[0]
		}
	}
	src, ok := telemetry.ParseSource(declared)
	if !ok {
		return "", &SourceError{Value: strings.ToUpper(strings.TrimSpace(declared))}
	}
	return src, nil
}

// SourceError reports an undeclared source. It matches ErrInvalidSource.
type SourceError struct {
	Value string
}

func (e *SourceError) Error() string { return "Invalid source: " + e.Value }

func (e *SourceError) Is(target error) bool { return target == ErrInvalidSource }

// Ingest processes one payload. A *ValidationError or ErrInvalidSource is
// returned before anything is written. ErrPersistence before the event is
// stored returns a nil Result; ErrEvaluation and alert persistence failures
// return the Result built so far.
func (p *Pipeline) Ingest(ctx context.Context, payload map[string]any) (*Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ingestion.Ingest")
	defer span.End()

	res, err := p.ingest(ctx, span, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.ObserveIngest(time.Since(start))
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, span trace.Span, payload map[string]any) (*Result, error) {
	if err := p.validator.Validate(payload); err != nil {
		p.metrics.IngestRejectedFor("validation")
		return nil, err
	}
	source, err := ParseSource(payload)
	if err != nil {
		p.metrics.IngestRejectedFor("source")
		return nil, err
	}

	event := p.normalizer.Normalize(payload, source)
	span.SetAttributes(
		attribute.String("tenant", event.Tenant),
		attribute.String("source", string(source)),
		attribute.String("event_type", event.EventType),
	)

	if err := p.events.CreateEvent(ctx, event); err != nil {
		p.logger.Error("Failed to persist event",
			zap.String("tenant", event.Tenant),
			zap.String("source", string(source)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	level := telemetry.SeverityLevel(event.SeverityValue())
	p.metrics.EventIngested(string(source), level)

	log := p.logger.With(zap.String("event_id", event.ID), zap.String("tenant", event.Tenant))
	log.Debug("Event persisted", zap.String("event_type", event.EventType), zap.String("level", level))

	res := &Result{EventID: event.ID, Event: event, Alerts: []FiredAlert{}, Warnings: []string{}}
	p.invalidate(ctx, log)

	rules, err := p.rules.ListRules(ctx, event.Tenant)
	if err != nil {
		log.Error("Failed to load rules", zap.Error(err))
		return res, fmt.Errorf("%w: list rules: %w", ErrEvaluation, err)
	}

	matched, err := p.evaluator.Evaluate(ctx, event, rules)
	if err != nil {
		log.Error("Rule evaluation failed", zap.Error(err))
		return res, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	span.SetAttributes(attribute.Int("rules_matched", len(matched)))

	for _, rule := range matched {
		p.metrics.RuleMatched(string(rule.Condition().Kind()))

		em, err := p.emitter.Emit(ctx, rule, event)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		p.metrics.AlertEmitted(em.Alert.Severity)

		res.Alerts = append(res.Alerts, FiredAlert{
			ID:        em.Alert.ID,
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Severity:  em.Alert.Severity,
			Notified:  em.Notified(),
			JobID:     em.JobID,
			Duplicate: em.Duplicate,
		})
		if em.NotifyErr != nil {
			p.metrics.NotificationSkipped(skipReason(em.NotifyErr))
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("alert %s for rule %q: notification not queued: %v", em.Alert.ID, rule.Name, em.NotifyErr))
		}
	}

	if len(res.Alerts) > 0 {
		log.Info("Event triggered alerts", zap.Int("alerts", len(res.Alerts)))
	}
	return res, nil
}

// invalidate is best-effort: a stale listing cache expires on its own.
func (p *Pipeline) invalidate(ctx context.Context, log *zap.Logger) {
	if p.invalidator == nil {
		return
	}
	if err := p.invalidator.RequestInvalidation(ctx, cache.PatternLogs); err != nil {
		log.Warn("Failed to request log cache invalidation", zap.Error(err))
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, alerting.ErrNoRecipient):
		return "no_recipient"
	case errors.Is(err, alerting.ErrNotificationEnqueue):
		return "enqueue_failed"
	default:
		return "other"
	}
}
