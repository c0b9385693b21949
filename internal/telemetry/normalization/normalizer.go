// Package normalization maps heterogeneous vendor payloads onto the
// canonical telemetry.Event.
//
// Normalization is total: malformed numbers, timestamps and syslog lines
// resolve to documented defaults instead of errors.
package normalization

import (
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// Default event types used when a payload does not name one.
const (
	EventTypeFirewallDeny   = "firewall_deny"
	EventTypeFirewallAllow  = "firewall_allow"
	EventTypeNetworkTraffic = "network_traffic"
	EventTypeAPI            = "api_event"
	EventTypeAWS            = "aws_event"
	EventTypeCrowdStrike    = "crowdstrike_event"
	EventTypeM365           = "m365_event"
	EventTypeAD             = "ad_event"
	EventTypeLink           = "link_event"
	EventTypeUnknown        = "unknown"
)

// NormalizerConfig holds configuration for normalization.
type NormalizerConfig struct {
	DefaultTenant string `yaml:"default_tenant"`
}

// Normalizer handles schema normalization. It performs no I/O; the only
// ambient input is the injected clock.
type Normalizer struct {
	config NormalizerConfig
	now    func() time.Time
}

// NewNormalizer creates a new normalizer. A nil clock means time.Now.
func NewNormalizer(cfg NormalizerConfig, now func() time.Time) *Normalizer {
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{config: cfg, now: now}
}

// Normalize converts payload, declared as coming from source, into a
// canonical event. An undeclared source falls back to a minimal passthrough.
func (n *Normalizer) Normalize(payload map[string]any, source telemetry.Source) *telemetry.Event {
	if payload == nil {
		payload = map[string]any{}
	}

	switch source {
	case telemetry.SourceFirewall:
		return n.normalizeFirewall(payload)
	case telemetry.SourceAPI:
		return n.normalizeAPI(payload)
	case telemetry.SourceAWS:
		return n.normalizeAWS(payload)
	case telemetry.SourceCrowdStrike:
		return n.normalizeCrowdStrike(payload)
	case telemetry.SourceM365:
		return n.normalizeM365(payload)
	case telemetry.SourceAD:
		return n.normalizeAD(payload)
	case telemetry.SourceNetwork:
		return n.normalizeNetwork(payload)
	default:
		return n.normalizeUnknown(payload)
	}
}

// base maps the canonical fields every declared source shares.
func (n *Normalizer) base(p map[string]any, source telemetry.Source) *telemetry.Event {
	e := &telemetry.Event{
		Tenant:         n.tenant(p),
		Timestamp:      n.timestamp(p),
		Source:         source,
		Vendor:         safeString(p["vendor"]),
		Product:        safeString(p["product"]),
		EventType:      safeString(p["eventType"]),
		EventSubtype:   safeString(p["eventSubtype"]),
		Severity:       safeNumber(p["severity"]),
		Priority:       safeNumber(p["priority"]),
		Action:         action(p["action"]),
		SrcIP:          safeString(p["srcIp"]),
		DstIP:          safeString(p["dstIp"]),
		SrcPort:        safeNumber(p["srcPort"]),
		DstPort:        safeNumber(p["dstPort"]),
		Protocol:       safeString(p["protocol"]),
		User:           safeString(p["user"]),
		Host:           safeString(p["host"]),
		Process:        safeString(p["process"]),
		URL:            safeString(p["url"]),
		HTTPMethod:     safeString(p["httpMethod"]),
		StatusCode:     safeNumber(p["statusCode"]),
		RuleName:       safeString(p["ruleName"]),
		RuleID:         safeString(p["ruleId"]),
		CloudAccountID: safeString(p["cloudAccountId"]),
		CloudRegion:    safeString(p["cloudRegion"]),
		CloudService:   safeString(p["cloudService"]),
		SHA256:         safeString(p["sha256"]),
		Status:         safeString(p["status"]),
		EventID:        safeNumber(p["eventId"]),
		LoginType:      safeNumber(p["loginType"]),
		Interface:      safeString(p["interface"]),
		MAC:            safeString(p["mac"]),
		Description:    safeString(p["description"]),
		IP:             safeString(p["ip"]),
		Raw:            p,
		Tags:           safeTags(p["tags"]),
	}
	return e
}

func (n *Normalizer) normalizeFirewall(p map[string]any) *telemetry.Event {
	e := n.base(p, telemetry.SourceFirewall)
	e.EventType = firewallEventType(safeString(p["action"]))
	if host := safeString(p["hostname"]); host != "" {
		e.Host = host
	}
	return e
}

func (n *Normalizer) normalizeAPI(p map[string]any) *telemetry.Event {
	e := n.base(p, telemetry.SourceAPI)
	if e.EventType == "" {
		e.EventType = EventTypeAPI
	}
	if e.Severity == nil {
		e.Severity = telemetry.IntPtr(0)
	}
	if e.Description == "" {
		e.Description = safeString(p["reason"])
	}
	if ip := safeString(p["ip"]); ip != "" {
		e.IP = ip
		e.SrcIP = ip
	}
	return e
}

func (n *Normalizer) normalizeAWS(p map[string]any) *telemetry.Event {
	e := n.base(p, telemetry.SourceAWS)
	e.EventType = firstString(p["eventType"], lookup(p, "raw", "eventName"))
	if e.EventType == "" {
		e.EventType = EventTypeAWS
	}
	e.User = firstString(p["user"], lookup(p, "raw", "requestParameters", "userName"))
	e.CloudAccountID = firstString(lookup(p, "cloud", "account_id"), p["cloudAccountId"])
	e.CloudRegion = firstString(lookup(p, "cloud", "region"), p["cloudRegion"])
	e.CloudService = firstString(lookup(p, "cloud", "service"), p["cloudService"])
	if e.Severity == nil {
		e.Severity = telemetry.IntPtr(0)
	}
	return e
}

func (n *Normalizer) normalizeCrowdStrike(p map[string]any) *telemetry.Event {
	e := n.base(p, telemetry.SourceCrowdStrike)
	if e.EventType == "" {
		e.EventType = EventTypeCrowdStrike
	}
	if e.Severity == nil {
		e.Severity = telemetry.IntPtr(0)
	}
	return e
}

func (n *Normalizer) normalizeM365(p map[string]any) *telemetry.Event {
	e := n.base(p, telemetry.SourceM365)
	if e.EventType == "" {
		e.EventType = EventTypeM365
	}
	if ip := safeString(p["ip"]); ip != "" {
		e.SrcIP = ip
	}
	if e.Action == "" {
		e.Action = telemetry.ActionLogin
	}
	if e.Severity == nil {
		sev := 0
		if e.Status == "Failure" {
			sev = 5
		}
		e.Severity = &sev
	}
	if workload := safeString(p["workload"]); workload != "" {
		e.Product = workload
	}
	if e.Description == "" && e.Status != "" {
		e.Description = fmt.Sprintf("User login %s", e.Status)
	}
	return e
}

func (n *Normalizer) normalizeAD(p map[string]any) *telemetry.Event {
	e := n.base(p, telemetry.SourceAD)
	if e.EventType == "" {
		e.EventType = EventTypeAD
	}
	if ip := safeString(p["ip"]); ip != "" {
		e.SrcIP = ip
	}
	if id := safeNumber(p["event_id"]); id != nil {
		e.EventID = id
	}
	if lt := safeNumber(p["login_type"]); lt != nil {
		e.LoginType = lt
	}
	if e.Severity == nil {
		e.Severity = telemetry.IntPtr(0)
	}
	return e
}

func (n *Normalizer) normalizeNetwork(p map[string]any) *telemetry.Event {
	e := n.base(p, telemetry.SourceNetwork)

	line, ok := ParseSyslogLine(safeString(p["message"]))
	if ok {
		if line.Priority != nil {
			e.Priority = line.Priority
		}
		if ts, ok := parseSyslogTime(line.Timestamp, n.now()); ok {
			e.Timestamp = ts
		}
		if line.Host != "" {
			e.Host = line.Host
		}
		if line.Interface != "" {
			e.Interface = line.Interface
		}
		if line.Event != "" {
			e.EventType = line.Event
		}
		if line.MAC != "" {
			e.MAC = line.MAC
		}
		if line.Reason != "" {
			e.Description = line.Reason
		}
	}
	if e.EventType == "" {
		e.EventType = EventTypeLink
	}
	return e
}

// normalizeUnknown keeps only tenant, event type, timestamp, raw and tags.
func (n *Normalizer) normalizeUnknown(p map[string]any) *telemetry.Event {
	source, ok := telemetry.ParseSource(safeString(p["source"]))
	if !ok {
		source = telemetry.SourceAPI
	}
	eventType := safeString(p["eventType"])
	if eventType == "" {
		eventType = EventTypeUnknown
	}
	return &telemetry.Event{
		Tenant:    n.tenant(p),
		Timestamp: n.timestamp(p),
		Source:    source,
		EventType: eventType,
		Raw:       p,
		Tags:      safeTags(p["tags"]),
	}
}

func (n *Normalizer) tenant(p map[string]any) string {
	if t := strings.TrimSpace(safeString(p["tenant"])); t != "" {
		return t
	}
	return n.config.DefaultTenant
}

func (n *Normalizer) timestamp(p map[string]any) time.Time {
	v, ok := p["@timestamp"]
	if !ok || v == nil {
		v = p["timestamp"]
	}
	return safeTimestamp(v, n.now())
}

func action(v any) telemetry.Action {
	a, ok := telemetry.ParseAction(safeString(v))
	if !ok {
		return ""
	}
	return a
}

func firewallEventType(action string) string {
	switch strings.ToUpper(action) {
	case "DENY":
		return EventTypeFirewallDeny
	case "ALLOW":
		return EventTypeFirewallAllow
	default:
		return EventTypeNetworkTraffic
	}
}
