// Package detection evaluates tenant-scoped alert rules against canonical
// events.
package detection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRule is returned by Rule.Validate.
var ErrInvalidRule = errors.New("invalid rule")

// Rule is a tenant-scoped detection rule carrying exactly one condition.
type Rule struct {
	ID          string          `json:"id"`
	Tenant      string          `json:"tenant"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Conditions  []ConditionSpec `json:"conditions"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"createdAt"`

	condition Condition
}

// Compile decodes the rule's condition once so evaluation does not
// re-interpret the stored spec for every event. It returns r.
func (r *Rule) Compile() *Rule {
	r.condition = decodeRule(r)
	return r
}

// Condition returns the decoded condition, decoding on the fly when the rule
// was not compiled.
func (r *Rule) Condition() Condition {
	if r.condition != nil {
		return r.condition
	}
	return decodeRule(r)
}

func decodeRule(r *Rule) Condition {
	if len(r.Conditions) != 1 {
		return UnrecognizedCondition{Reason: fmt.Sprintf("rule has %d conditions, want exactly 1", len(r.Conditions))}
	}
	return DecodeCondition(r.Conditions[0])
}

// Validate checks an administrator-submitted rule.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if len(r.Conditions) != 1 {
		return fmt.Errorf("%w: exactly one condition is required", ErrInvalidRule)
	}
	if err := r.Conditions[0].Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}
