// Package linebuf reassembles newline-terminated records from a byte stream
// that arrives in arbitrarily sized fragments.
package linebuf

import (
	"bytes"
	"strings"
)

// Terminator ends every record on the wire.
const Terminator = '\n'

// Reassembler turns fragments into complete records. The unterminated tail
// of the stream is carried between calls to Feed. A Reassembler is not safe
// for concurrent use.
//
// The carry buffer is not bounded: a device that never sends a terminator
// grows it without limit.
type Reassembler struct {
	carry []byte
}

// New returns an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{}
}

// Feed appends fragment to the carry buffer and returns every record it
// completes, in arrival order. Records are trimmed of surrounding whitespace
// and blank records are dropped.
func (r *Reassembler) Feed(fragment []byte) []string {
	r.carry = append(r.carry, fragment...)

	var records []string
	start := 0
	for {
		i := bytes.IndexByte(r.carry[start:], Terminator)
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(r.carry[start : start+i]))
		start += i + 1
		if line != "" {
			records = append(records, line)
		}
	}

	if start > 0 {
		n := copy(r.carry, r.carry[start:])
		r.carry = r.carry[:n]
	}
	return records
}

// FeedString is Feed for text fragments.
func (r *Reassembler) FeedString(fragment string) []string {
	return r.Feed([]byte(fragment))
}

// Pending returns the number of bytes held since the last terminator.
func (r *Reassembler) Pending() int {
	return len(r.carry)
}

// Reset discards the carry buffer.
func (r *Reassembler) Reset() {
	r.carry = nil
}
