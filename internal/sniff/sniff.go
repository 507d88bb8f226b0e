// Package sniff classifies archive members by their leading bytes.
package sniff

import (
	"bytes"
	"io"
)

// Kind is the detected content class.
type Kind string

const (
	PDF     Kind = "pdf"
	JPG     Kind = "jpg"
	PE      Kind = "pe"
	ELF     Kind = "elf"
	ZIP     Kind = "zip"
	Script  Kind = "script"
	Unknown Kind = "unknown"
)

// HeaderSize is how many bytes Detect needs to see.
const HeaderSize = 8

var signatures = []struct {
	prefix []byte
	kind   Kind
}{
	{[]byte("%PDF-"), PDF},
	{[]byte{0xFF, 0xD8, 0xFF}, JPG},
	{[]byte("MZ"), PE},
	{[]byte{0x7F, 'E', 'L', 'F'}, ELF},
	{[]byte("PK"), ZIP},
	{[]byte("#!"), Script},
}

// Detect classifies a header.
func Detect(header []byte) Kind {
	for _, sig := range signatures {
		if bytes.HasPrefix(header, sig.prefix) {
			return sig.kind
		}
	}
	return Unknown
}

// Reader reads up to HeaderSize bytes from r and classifies them. Read
// failures yield Unknown.
func Reader(r io.Reader) Kind {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Unknown
	}
	return Detect(buf[:n])
}
