package normalization

import (
	"regexp"
	"strconv"
	"time"
)

// syslogPattern matches lines such as
// "<134>Oct 19 10:15:02 edge-fw-01 if=eth0 event=link_down mac=aa:bb:cc:dd:ee:ff reason=carrier_lost".
var syslogPattern = regexp.MustCompile(
	`<(\d+)>(\w+ +\d+ \d+:\d+:\d+) (\S+)(?: if=(\S+))?(?: event=(\S+))?(?: mac=(\S+))?(?: reason=(\S+))?`,
)

// SyslogLine holds the captures of a network syslog line. A segment missing
// from the line is left empty (or nil for Priority).
type SyslogLine struct {
	Priority  *int
	Timestamp string
	Host      string
	Interface string
	Event     string
	MAC       string
	Reason    string
}

// ParseSyslogLine applies the network syslog grammar to line. The boolean
// is false when the line does not match at all.
func ParseSyslogLine(line string) (*SyslogLine, bool) {
	idx := syslogPattern.FindStringSubmatchIndex(line)
	if idx == nil {
		return nil, false
	}

	group := func(n int) string {
		start, end := idx[2*n], idx[2*n+1]
		if start < 0 {
			return ""
		}
		return line[start:end]
	}

	parsed := &SyslogLine{
		Timestamp: group(2),
		Host:      group(3),
		Interface: group(4),
		Event:     group(5),
		MAC:       group(6),
		Reason:    group(7),
	}
	if p, err := strconv.Atoi(group(1)); err == nil {
		parsed.Priority = &p
	}
	return parsed, true
}

// parseSyslogTime reads a BSD syslog stamp, which carries no year. The year
// is taken from now, stepping back one year when that lands more than a day
// in the future.
func parseSyslogTime(stamp string, now time.Time) (time.Time, bool) {
	t, err := time.Parse(time.Stamp, stamp)
	if err != nil {
		return time.Time{}, false
	}
	now = now.UTC()
	t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, true
}
