package ingestion

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

//go:embed event.schema.json
var eventSchema string

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists the rejected fields of an ingestion request, at most
// one entry per field.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// fieldMessages overrides the schema library's wording for common fields.
var fieldMessages = map[string]string{
	"tenant":     "Tenant is required.",
	"source":     "Source is required.",
	"timestamp":  "Timestamp must be a valid ISO8601 date.",
	"@timestamp": "Timestamp must be a valid ISO8601 date.",
	"severity":   "Severity must be between 0-10.",
	"vendor":     "Vendor must be non-empty string if provided",
	"url":        "url must be a valid URL.",
	"srcPort":    "srcPort must be an integer between 1 and 65535",
	"dstPort":    "dstPort must be an integer between 1 and 65535",
	"priority":   "priority must be an integer",
	"eventId":    "eventId must be an integer",
	"statusCode": "statusCode must be an integer",
	"loginType":  "loginType must be an integer",
	"tags":       "tags must be an array of strings",
	"raw":        "raw must be an object",
}

// Validator checks ingestion requests against the embedded JSON schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the request schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns a *ValidationError when payload does not satisfy the
// schema or names an unknown action.
func (v *Validator) Validate(payload map[string]any) error {
	if payload == nil {
		return &ValidationError{Errors: []FieldError{{Field: "body", Message: "Request body must be a JSON object"}}}
	}

	result, err := v.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return &ValidationError{Errors: []FieldError{{Field: "body", Message: err.Error()}}}
	}

	var (
		out  []FieldError
		seen = map[string]bool{}
	)
	add := func(field, msg string) {
		if seen[field] {
			return
		}
		seen[field] = true
		if custom, ok := fieldMessages[field]; ok {
			msg = custom
		}
		out = append(out, FieldError{Field: field, Message: msg})
	}

	for _, re := range result.Errors() {
		add(fieldOf(re), re.Description())
	}

	if a, ok := payload["action"].(string); ok && a != "" {
		if _, known := telemetry.ParseAction(a); !known {
			add("action", "Action must be one of: "+joinActions())
		}
	}

	if len(out) == 0 {
		return nil
	}
	return &ValidationError{Errors: out}
}

// fieldOf maps a schema error onto the top-level request field it concerns.
func fieldOf(re gojsonschema.ResultError) string {
	field := re.Field()
	if re.Type() == "required" {
		if p, ok := re.Details()["property"].(string); ok {
			return p
		}
	}
	if field == "(root)" || field == "" {
		return "body"
	}
	if i := strings.IndexByte(field, '.'); i > 0 {
		field = field[:i]
	}
	return field
}

func joinActions() string {
	names := make([]string, len(telemetry.Actions))
	for i, a := range telemetry.Actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
