// Package telemetry defines the canonical security event shared by the
// normalization, detection and alerting stages.
//
// Every ingested payload, whatever its vendor format, is mapped onto Event
// before it is persisted or evaluated.
package telemetry

import (
	"strconv"
	"strings"
	"time"
)

// Source identifies the declared origin of a raw payload.
type Source string

const (
	SourceFirewall    Source = "FIREWALL"
	SourceCrowdStrike Source = "CROWDSTRIKE"
	SourceAWS         Source = "AWS"
	SourceM365        Source = "M365"
	SourceAD          Source = "AD"
	SourceAPI         Source = "API"
	SourceNetwork     Source = "NETWORK"
)

// Sources lists every declared source in canonical form.
var Sources = []Source{
	SourceFirewall,
	SourceCrowdStrike,
	SourceAWS,
	SourceM365,
	SourceAD,
	SourceAPI,
	SourceNetwork,
}

// ParseSource matches s case-insensitively against the declared sources.
func ParseSource(s string) (Source, bool) {
	candidate := Source(strings.ToUpper(strings.TrimSpace(s)))
	for _, src := range Sources {
		if src == candidate {
			return src, true
		}
	}
	return "", false
}

// Valid reports whether s is one of the declared sources.
func (s Source) Valid() bool {
	for _, src := range Sources {
		if src == s {
			return true
		}
	}
	return false
}

// Action is the normalized verb of an event.
type Action string

const (
	ActionAllow      Action = "ALLOW"
	ActionDeny       Action = "DENY"
	ActionCreate     Action = "CREATE"
	ActionDelete     Action = "DELETE"
	ActionLogin      Action = "LOGIN"
	ActionLogout     Action = "LOGOUT"
	ActionAlert      Action = "ALERT"
	ActionQuarantine Action = "QUARANTINE"
	ActionCreateUser Action = "CREATEUSER"
)

// Actions lists every recognized action.
var Actions = []Action{
	ActionAllow,
	ActionDeny,
	ActionCreate,
	ActionDelete,
	ActionLogin,
	ActionLogout,
	ActionAlert,
	ActionQuarantine,
	ActionCreateUser,
}

// ParseAction uppercases s and matches it against the recognized actions.
func ParseAction(s string) (Action, bool) {
	candidate := Action(strings.ToUpper(strings.TrimSpace(s)))
	for _, a := range Actions {
		if a == candidate {
			return a, true
		}
	}
	return "", false
}

// Event is the canonical, source-agnostic security event.
//
// Optional string fields use the empty string for "absent"; optional
// integers are pointers so that a parsed zero stays distinguishable from a
// missing value.
type Event struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         Source         `json:"source"`
	Vendor         string         `json:"vendor,omitempty"`
	Product        string         `json:"product,omitempty"`
	EventType      string         `json:"eventType"`
	EventSubtype   string         `json:"eventSubtype,omitempty"`
	Severity       *int           `json:"severity,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	Action         Action         `json:"action,omitempty"`
	SrcIP          string         `json:"srcIp,omitempty"`
	DstIP          string         `json:"dstIp,omitempty"`
	SrcPort        *int           `json:"srcPort,omitempty"`
	DstPort        *int           `json:"dstPort,omitempty"`
	Protocol       string         `json:"protocol,omitempty"`
	User           string         `json:"user,omitempty"`
	Host           string         `json:"host,omitempty"`
	Process        string         `json:"process,omitempty"`
	URL            string         `json:"url,omitempty"`
	HTTPMethod     string         `json:"httpMethod,omitempty"`
	StatusCode     *int           `json:"statusCode,omitempty"`
	RuleName       string         `json:"ruleName,omitempty"`
	RuleID         string         `json:"ruleId,omitempty"`
	CloudAccountID string         `json:"cloudAccountId,omitempty"`
	CloudRegion    string         `json:"cloudRegion,omitempty"`
	CloudService   string         `json:"cloudService,omitempty"`
	SHA256         string         `json:"sha256,omitempty"`
	Status         string         `json:"status,omitempty"`
	EventID        *int           `json:"eventId,omitempty"`
	LoginType      *int           `json:"loginType,omitempty"`
	Interface      string         `json:"interface,omitempty"`
	MAC            string         `json:"mac,omitempty"`
	Description    string         `json:"description,omitempty"`
	IP             string         `json:"ip,omitempty"`
	Raw            map[string]any `json:"raw"`
	Tags           []string       `json:"tags"`
}

// SeverityValue returns the event severity, treating absent as 0.
func (e *Event) SeverityValue() int {
	if e.Severity == nil {
		return 0
	}
	return *e.Severity
}

// Field looks up a canonical field by its JSON name. The second return value
// is false when the name is unknown or the field is absent.
func (e *Event) Field(name string) (any, bool) {
	switch name {
	case "id":
		return str(e.ID)
	case "tenant":
		return str(e.Tenant)
	case "timestamp":
		return e.Timestamp, !e.Timestamp.IsZero()
	case "source":
		return str(string(e.Source))
	case "vendor":
		return str(e.Vendor)
	case "product":
		return str(e.Product)
	case "eventType":
		return str(e.EventType)
	case "eventSubtype":
		return str(e.EventSubtype)
	case "severity":
		return e.SeverityValue(), true
	case "priority":
		return num(e.Priority)
	case "action":
		return str(string(e.Action))
	case "srcIp":
		return str(e.SrcIP)
	case "dstIp":
		return str(e.DstIP)
	case "srcPort":
		return num(e.SrcPort)
	case "dstPort":
		return num(e.DstPort)
	case "protocol":
		return str(e.Protocol)
	case "user":
		return str(e.User)
	case "host":
		return str(e.Host)
	case "process":
		return str(e.Process)
	case "url":
		return str(e.URL)
	case "httpMethod":
		return str(e.HTTPMethod)
	case "statusCode":
		return num(e.StatusCode)
	case "ruleName":
		return str(e.RuleName)
	case "ruleId":
		return str(e.RuleID)
	case "cloudAccountId":
		return str(e.CloudAccountID)
	case "cloudRegion":
		return str(e.CloudRegion)
	case "cloudService":
		return str(e.CloudService)
	case "sha256":
		return str(e.SHA256)
	case "status":
		return str(e.Status)
	case "eventId":
		return num(e.EventID)
	case "loginType":
		return num(e.LoginType)
	case "interface":
		return str(e.Interface)
	case "mac":
		return str(e.MAC)
	case "description":
		return str(e.Description)
	case "ip":
		return str(e.IP)
	}
	return nil, false
}

func str(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func num(p *int) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Severity levels bucket the 0-10 numeric severity.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// SeverityLevel maps a numeric severity onto low (0-3), medium (4-7) or
// high (8-10).
func SeverityLevel(severity int) string {
	switch {
	case severity >= 8:
		return LevelHigh
	case severity >= 4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// LeadingInt parses an optional sign followed by the leading decimal
// digits of s, ignoring surrounding whitespace and any trailing garbage.
// It returns nil when s has no leading digits or they overflow int.
func LeadingInt(s string) *int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digitsStart := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digitsStart {
		return nil
	}
	i, err := strconv.Atoi(s[:end])
	if err != nil {
		return nil
	}
	return &i
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
