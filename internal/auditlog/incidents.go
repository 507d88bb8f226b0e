package auditlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// MaxIncidentLines bounds how much of the incident log a report reads.
const MaxIncidentLines = 1000

const topN = 10

var (
	incidentLineRe = regexp.MustCompile(`^\[(?P<ts>[^\]]+)\]\s+(?P<rest>.*)$`)
	entryRe        = regexp.MustCompile(`\bentry=(.*)$`)
	kvRe           = map[string]*regexp.Regexp{
		// Archive names may contain spaces, as in "scan (1).zip".
		"zip": regexp.MustCompile(`\bzip=(.*?)(?:\s+\w+=|$)`),
	}
)

func init() {
	for _, k := range []string{"user", "ip", "reason", "expected", "detected"} {
		kvRe[k] = regexp.MustCompile(`\b` + k + `=(\S+)`)
	}
}

// Count is one row of a top-N table.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// IncidentReport summarizes the tail of the incident log.
type IncidentReport struct {
	Path       string     `json:"logPath"`
	Missing    bool       `json:"missing,omitempty"`
	Total      int        `json:"total"`
	Incidents  []Incident `json:"incidents"`
	TopUsers   []Count    `json:"topUsers"`
	TopReasons []Count    `json:"topReasons"`
	TopIPs     []Count    `json:"topIps"`
}

// ParseIncident parses one incident line. Lines without a bracketed
// timestamp are rejected; missing fields default to "-" (or empty for the
// optional expected/detected pair).
func ParseIncident(line string) (Incident, bool) {
	m := incidentLineRe.FindStringSubmatch(line)
	if m == nil {
		return Incident{}, false
	}
	rest, entry := m[2], ""
	// Keys are only read before entry=, which always comes last.
	if loc := entryRe.FindStringSubmatchIndex(rest); loc != nil {
		rest, entry = rest[:loc[0]], rest[loc[2]:loc[3]]
	}
	kv := func(key, def string) string {
		if mm := kvRe[key].FindStringSubmatch(rest); mm != nil {
			return strings.TrimSpace(mm[1])
		}
		return def
	}
	in := Incident{
		Time:     m[1],
		Zip:      kv("zip", "-"),
		User:     kv("user", "-"),
		IP:       kv("ip", "-"),
		Reason:   kv("reason", "-"),
		Expected: kv("expected", ""),
		Detected: kv("detected", ""),
		Entry:    strings.TrimSpace(entry),
	}
	return in, true
}

// ParseIncidents reads r, keeps the last limit lines and returns the parsed
// incidents newest first. Malformed lines are skipped.
func ParseIncidents(r io.Reader, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = MaxIncidentLines
	}
	tail := make([]string, 0, limit)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(tail) == limit {
			tail = tail[1:]
		}
		tail = append(tail, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read incident log: %w", err)
	}
	out := make([]Incident, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		if in, ok := ParseIncident(tail[i]); ok {
			out = append(out, in)
		}
	}
	return out, nil
}

// ReadIncidentReport builds the admin report for the incident log at path. A
// missing log yields an empty report flagged Missing.
func ReadIncidentReport(path string) (*IncidentReport, error) {
	rep := &IncidentReport{Path: path, Incidents: []Incident{}}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			rep.Missing = true
			return rep, nil
		}
		return nil, fmt.Errorf("open incident log: %w", err)
	}
	defer f.Close()

	incidents, err := ParseIncidents(f, MaxIncidentLines)
	if err != nil {
		return nil, err
	}
	rep.Incidents = incidents
	rep.Total = len(incidents)
	rep.TopUsers = top(incidents, func(in Incident) string { return in.User })
	rep.TopReasons = top(incidents, func(in Incident) string { return in.Reason })
	rep.TopIPs = top(incidents, func(in Incident) string { return in.IP })
	return rep, nil
}

func top(incidents []Incident, key func(Incident) string) []Count {
	counts := map[string]int{}
	var order []string
	for _, in := range incidents {
		k := orDash(key(in))
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k]++
	}
	out := make([]Count, 0, len(order))
	for _, k := range order {
		out = append(out, Count{Key: k, Count: counts[k]})
	}
	// Stable keeps first-seen order for ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}
