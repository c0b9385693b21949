package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/telemetry"
	"github.com/lvonguyen/alertforge/internal/telemetry/correlation"
)

// ErrEvaluationDependency wraps failures of the stores evaluation reads from.
var ErrEvaluationDependency = errors.New("evaluation dependency unavailable")

// Evaluator decides which rules match an event.
type Evaluator struct {
	correlator *correlation.Correlator
	logger     *zap.Logger
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(correlator *correlation.Correlator, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{correlator: correlator, logger: logger}
}

// Evaluate returns the rules matching event, in input order. Rules are
// evaluated sequentially. Disabled rules are skipped.
func (ev *Evaluator) Evaluate(ctx context.Context, event *telemetry.Event, rules []*Rule) ([]*Rule, error) {
	var matched []*Rule
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		ok, err := ev.Matches(ctx, rule, event)
		if err != nil {
			return matched, fmt.Errorf("%w: rule %q: %w", ErrEvaluationDependency, rule.Name, err)
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

// Matches evaluates a single rule. Only repeated_failures can return an
// error, when the event store cannot be counted.
func (ev *Evaluator) Matches(ctx context.Context, rule *Rule, event *telemetry.Event) (bool, error) {
	switch c := rule.Condition().(type) {
	case EventTypeCondition:
		return event.EventType == c.Value, nil

	case SeverityMinCondition:
		return event.SeverityValue() >= c.Value, nil

	case FieldValueCondition:
		actual, ok := event.Field(c.Field)
		if !ok {
			return false, nil
		}
		return valuesEqual(actual, c.Value), nil

	case RepeatedFailuresCondition:
		window := time.Duration(c.WindowSeconds) * time.Second
		count, err := ev.correlator.CountInWindow(ctx, event, window)
		if err != nil {
			return false, err
		}
		ev.logger.Debug("windowed count",
			zap.String("rule", rule.Name),
			zap.String("tenant", event.Tenant),
			zap.String("event_type", event.EventType),
			zap.Int("count", count),
			zap.Int("threshold", c.Threshold),
		)
		return count >= c.Threshold, nil

	case UnrecognizedCondition:
		ev.logger.Warn("Unknown condition type",
			zap.String("rule_id", rule.ID),
			zap.String("rule", rule.Name),
			zap.String("type", c.Type),
			zap.String("reason", c.Reason),
		)
		return false, nil
	}
	return false, nil
}

// valuesEqual compares a canonical field against a rule value. Numbers
// compare numerically, strings and booleans exactly; anything else is
// unequal.
func valuesEqual(actual, expected any) bool {
	an, aNum := toFloat(actual)
	en, eNum := toFloat(expected)
	if aNum || eNum {
		return aNum && eNum && an == en
	}
	switch a := actual.(type) {
	case string:
		e, ok := expected.(string)
		return ok && a == e
	case bool:
		e, ok := expected.(bool)
		return ok && a == e
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
