// Package auditlog writes the human-readable append-only audit files: the
// archive processing status log, the OCR outcome logs and the security
// incident log. Every line is also emitted on the structured logger.
package auditlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// Archive lifecycle statuses written to the status log.
const (
	StatusSuccess       = "SUCCESS"
	StatusError         = "ERROR"
	StatusSkippedDup    = "SKIPPED_DUPMD5"
	StatusSkippedFork   = "SKIPPED_RESOURCEFORK"
	StatusErrorBadZip   = "ERROR_BADZIP"
	StatusDeletedBadZip = "DELETED_BADZIP"
)

const (
	statusTimeLayout   = "2006-01-02 15:04:05"
	incidentTimeLayout = "2006-01-02T15:04:05.000000Z"
)

// Log is one append-only audit file. Each line is written with a single
// open-append-close so concurrent workers and processes never interleave
// partial lines.
type Log struct {
	path   string
	logger zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New returns a Log appending to path.
func New(path string, logger zerolog.Logger) *Log {
	return &Log{
		path:   path,
		logger: logger.With().Str("audit", filepath.Base(path)).Logger(),
		now:    time.Now,
	}
}

// Path returns the file the log appends to.
func (l *Log) Path() string { return l.path }

func (l *Log) append(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	return f.Close()
}

// Status records one archive lifecycle event:
//
//	[2025-01-31 10:00:00] scan.zip -> SUCCESS | moved to processed
func (l *Log) Status(file, status, msg string) {
	file, msg = escape(file), escape(msg)
	line := fmt.Sprintf("[%s] %s -> %s", l.now().Format(statusTimeLayout), file, status)
	if msg != "" {
		line += " | " + msg
	}
	ev := l.logger.Info()
	if strings.HasPrefix(status, "ERROR") || status == StatusDeletedBadZip {
		ev = l.logger.Warn()
	}
	ev.Str("file", file).Str("status", status).Str("detail", msg).Msg("archive status")
	if err := l.append(line); err != nil {
		l.logger.Error().Err(err).Msg("write status log")
	}
}

// Outcome records the result for one OCR input, e.g. "[ts] SUCCESS a.pdf | msg".
func (l *Log) Outcome(status, file, msg string) {
	file, msg = escape(file), escape(msg)
	line := fmt.Sprintf("[%s] %s %s | %s", l.now().Format(statusTimeLayout), status, file, msg)
	l.logger.Info().Str("file", file).Str("status", status).Str("detail", msg).Msg("ocr outcome")
	if err := l.append(line); err != nil {
		l.logger.Error().Err(err).Msg("write outcome log")
	}
}

// Note appends a free-form timestamped line.
func (l *Log) Note(msg string) {
	l.logger.Info().Msg(msg)
	if err := l.append(fmt.Sprintf("[%s] %s", l.now().Format(statusTimeLayout), msg)); err != nil {
		l.logger.Error().Err(err).Msg("write log")
	}
}

// Incident is one rejected archive.
type Incident struct {
	Time     string `json:"ts"`
	Zip      string `json:"zip"`
	User     string `json:"user"`
	IP       string `json:"ip"`
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Detected string `json:"detected,omitempty"`
	Entry    string `json:"entry"`
}

// Line renders the incident in the log format read by ParseIncidents. Every
// field is escaped so a crafted entry or archive name stays on one line.
func (in Incident) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] zip=%s user=%s ip=%s reason=%s", escape(in.Time), escape(in.Zip),
		token(orDash(in.User)), token(orDash(in.IP)), token(in.Reason))
	if in.Expected != "" || in.Detected != "" {
		fmt.Fprintf(&b, " expected=%s detected=%s", token(in.Expected), token(in.Detected))
	}
	fmt.Fprintf(&b, " entry=%s", escape(in.Entry))
	return b.String()
}

// Incident appends a security incident. The timestamp is filled in when empty.
func (l *Log) Incident(in Incident) {
	if in.Time == "" {
		in.Time = l.now().UTC().Format(incidentTimeLayout)
	}
	l.logger.Warn().
		Str("zip", in.Zip).Str("user", orDash(in.User)).Str("ip", orDash(in.IP)).
		Str("reason", in.Reason).Str("entry", in.Entry).
		Msg("malicious archive rejected")
	if err := l.append(in.Line()); err != nil {
		l.logger.Error().Err(err).Msg("write incident log")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// escape renders control characters as Go escapes so a value can never
// start a new log line.
func escape(s string) string {
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	q := strconv.Quote(s)
	return q[1 : len(q)-1]
}

// token is escape for single-word fields; spaces become underscores.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, escape(s))
}
