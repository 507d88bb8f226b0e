// Package ingest validates, deduplicates and extracts uploaded screening
// archives and records the resulting encounters.
package ingest

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion failure. The orchestrator maps each kind to a
// terminal archive state.
type Kind int

const (
	KindStructural Kind = iota
	KindMalicious
	KindDuplicate
	KindTransientIO
)

func (k Kind) String() string {
	switch k {
	case KindMalicious:
		return "malicious"
	case KindDuplicate:
		return "duplicate"
	case KindTransientIO:
		return "transient_io"
	default:
		return "structural"
	}
}

// Incident reasons written to the security log.
const (
	ReasonPathTraversal  = "path_traversal"
	ReasonDisallowedFile = "disallowed_file"
	ReasonTypeMismatch   = "type_mismatch"
)

// Error is returned by every ingestion stage.
type Error struct {
	Kind     Kind
	Reason   string
	Entry    string
	Expected string
	Detected string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Detail is the human readable text shown on a job item.
func (e *Error) Detail() string {
	switch e.Reason {
	case ReasonPathTraversal:
		return fmt.Sprintf("Rejected: path traversal or absolute path detected (entry: %s)", e.Entry)
	case ReasonDisallowedFile:
		return fmt.Sprintf("Rejected: disallowed file type (entry: %s)", e.Entry)
	case ReasonTypeMismatch:
		return fmt.Sprintf("Rejected: extension/content mismatch, expected %s, detected %s (entry: %s)", e.Expected, e.Detected, e.Entry)
	}
	return e.Error()
}

// KindOf returns the Kind of err, or KindStructural for foreign errors.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindStructural
}

func structural(msg string, err error) *Error {
	return &Error{Kind: KindStructural, Msg: msg, Err: err}
}

// ErrNoCanonicalFolder is wrapped when an archive has no Name_ID_Date folder.
var ErrNoCanonicalFolder = errors.New("no directory matching the 'Name_ID_Date' format found")
