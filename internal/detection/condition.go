package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Kind tags the variant of a Condition.
type Kind string

const (
	KindEventType        Kind = "event_type"
	KindSeverityMin      Kind = "severity_min"
	KindFieldValue       Kind = "field_value"
	KindRepeatedFailures Kind = "repeated_failures"
	KindUnrecognized     Kind = "unrecognized"
)

// Alert severities a condition may declare.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Defaults applied to repeated_failures when the stored values do not parse.
const (
	DefaultThreshold     = 1
	DefaultWindowSeconds = 300
)

// ErrInvalidCondition is returned by ConditionSpec.Validate.
var ErrInvalidCondition = errors.New("invalid condition")

// ConditionSpec is the stored, JSON form of a condition.
type ConditionSpec struct {
	Type          string `json:"type"`
	Value         any    `json:"value,omitempty"`
	Field         string `json:"field,omitempty"`
	Threshold     any    `json:"threshold,omitempty"`
	WindowSeconds any    `json:"windowSeconds,omitempty"`
	Severity      string `json:"severity,omitempty"`
}

// Condition is the decoded, closed set of rule predicates. The concrete
// types are EventTypeCondition, SeverityMinCondition, FieldValueCondition,
// RepeatedFailuresCondition and UnrecognizedCondition.
type Condition interface {
	Kind() Kind
	// AlertSeverity is the declared alert severity, or "" when none.
	AlertSeverity() string
	sealed()
}

type declared struct {
	Severity string
}

func (d declared) AlertSeverity() string { return d.Severity }
func (declared) sealed()                 {}

// EventTypeCondition matches on exact event type.
type EventTypeCondition struct {
	declared
	Value string
}

func (EventTypeCondition) Kind() Kind { return KindEventType }

// SeverityMinCondition matches events at or above a severity.
type SeverityMinCondition struct {
	declared
	Value int
}

func (SeverityMinCondition) Kind() Kind { return KindSeverityMin }

// FieldValueCondition matches when a canonical field equals Value.
type FieldValueCondition struct {
	declared
	Field string
	Value any
}

func (FieldValueCondition) Kind() Kind { return KindFieldValue }

// RepeatedFailuresCondition matches when at least Threshold correlated
// events, the current one included, fall within WindowSeconds.
type RepeatedFailuresCondition struct {
	declared
	Threshold     int
	WindowSeconds int
}

func (RepeatedFailuresCondition) Kind() Kind { return KindRepeatedFailures }

// UnrecognizedCondition never matches.
type UnrecognizedCondition struct {
	declared
	Type   string
	Reason string
}

func (UnrecognizedCondition) Kind() Kind { return KindUnrecognized }

// DecodeCondition turns a stored spec into its variant. It never fails: a
// spec that cannot be decoded becomes an UnrecognizedCondition.
func DecodeCondition(spec ConditionSpec) Condition {
	d := declared{Severity: normalizeSeverity(spec.Severity)}

	switch Kind(spec.Type) {
	case KindEventType:
		v, ok := spec.Value.(string)
		if !ok {
			return UnrecognizedCondition{declared: d, Type: spec.Type, Reason: "value must be a string"}
		}
		return EventTypeCondition{declared: d, Value: v}

	case KindSeverityMin:
		v, ok := coerceInt(spec.Value)
		if !ok {
			return UnrecognizedCondition{declared: d, Type: spec.Type, Reason: "value must be an integer"}
		}
		return SeverityMinCondition{declared: d, Value: v}

	case KindFieldValue:
		if spec.Field == "" {
			return UnrecognizedCondition{declared: d, Type: spec.Type, Reason: "field is required"}
		}
		return FieldValueCondition{declared: d, Field: spec.Field, Value: spec.Value}

	case KindRepeatedFailures:
		threshold, ok := leadingCount(spec.Threshold)
		if !ok || threshold < 1 {
			threshold = DefaultThreshold
		}
		window, ok := leadingCount(spec.WindowSeconds)
		if !ok || window < 1 {
			window = DefaultWindowSeconds
		}
		return RepeatedFailuresCondition{declared: d, Threshold: threshold, WindowSeconds: window}
	}

	return UnrecognizedCondition{declared: d, Type: spec.Type, Reason: "unknown condition type"}
}

// Validate checks a spec submitted by an administrator. Stored specs are
// never rejected at evaluation time; see DecodeCondition.
func (s ConditionSpec) Validate() error {
	switch Kind(s.Type) {
	case KindEventType:
		if v, ok := s.Value.(string); !ok || v == "" {
			return fmt.Errorf("%w: event_type requires a non-empty string value", ErrInvalidCondition)
		}
	case KindSeverityMin:
		v, ok := coerceInt(s.Value)
		if !ok || v < 0 || v > 10 {
			return fmt.Errorf("%w: severity_min requires an integer value between 0 and 10", ErrInvalidCondition)
		}
	case KindFieldValue:
		if s.Field == "" {
			return fmt.Errorf("%w: field_value requires a field", ErrInvalidCondition)
		}
		if s.Value == nil {
			return fmt.Errorf("%w: field_value requires a value", ErrInvalidCondition)
		}
	case KindRepeatedFailures:
		if s.Threshold != nil {
			if v, ok := leadingCount(s.Threshold); !ok || v < 1 {
				return fmt.Errorf("%w: threshold must be an integer >= 1", ErrInvalidCondition)
			}
		}
		if s.WindowSeconds != nil {
			if v, ok := leadingCount(s.WindowSeconds); !ok || v < 1 {
				return fmt.Errorf("%w: windowSeconds must be an integer >= 1", ErrInvalidCondition)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCondition, s.Type)
	}

	if s.Severity != "" && normalizeSeverity(s.Severity) == "" {
		return fmt.Errorf("%w: severity must be one of low, medium, high, critical", ErrInvalidCondition)
	}
	return nil
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	}
	return ""
}

// coerceInt accepts integral numbers and integer strings.
func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// leadingCount reads a threshold or window leniently: fractions truncate
// toward zero and strings keep their leading integer, so 2.5 is 2 and
// "5abc" is 5.
func leadingCount(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || math.Abs(n) >= 1<<62 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		return leadingCount(n.String())
	case string:
		if i := telemetry.LeadingInt(n); i != nil {
			return *i, true
		}
		return 0, false
	}
	return coerceInt(v)
}
