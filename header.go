package filehttpd

import (
	"io"
	"strconv"
	"strings"
)

const (
	HeaderPayloadLenUnlimited = -1
)

// Header is an ordered list of raw "Name: value" lines. Duplicates are kept;
// lookups return the first match.
type Header []string

// Add appends a "name: value" line.
func (h *Header) Add(name, value string) {
	*h = append(*h, name+": "+value)
}

// Lookup finds the first line starting with prefix and returns the text
// after its first colon with surrounding whitespace trimmed. Matching is
// case-sensitive. Lines without a colon are skipped.
func (h Header) Lookup(prefix string) (string, bool) {
	for _, line := range h {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		return strings.TrimSpace(line[i+1:]), true
	}
	return "", false
}

// PayLoadLen returns the declared Content-Length, or
// HeaderPayloadLenUnlimited when it is missing or not a non-negative integer.
func (h Header) PayLoadLen() int {
	v, ok := h.Lookup("Content-Length")
	if !ok {
		return HeaderPayloadLenUnlimited
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return HeaderPayloadLenUnlimited
	}
	return n
}

// Write writes each line followed by CRLF.
func (h Header) Write(w io.Writer) (int, error) {
	total := 0
	for _, line := range h {
		n, err := io.WriteString(w, line+"\r\n")
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
