// Package sipwire extracts fields from raw SIP datagrams and assembles outbound
// messages within a fixed size budget. All functions treat their input as
// untrusted: malformed text yields empty results, never a panic.
package sipwire

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	// MaxMessageSize bounds every inbound and outbound datagram.
	MaxMessageSize = 2048
	// MaxFieldLen bounds any single extracted header value, URI, tag or user ID.
	MaxFieldLen = 256
	// MaxLineLen bounds the start line and every header echoed into a
	// response, so long Via chains survive intact.
	MaxLineLen = 512

	// Version is the only protocol version accepted on the start line.
	Version = "SIP/2.0"
)

// compactForms maps full header names to their RFC 3261 compact form.
var compactForms = map[string]string{
	"Via":            "v",
	"From":           "f",
	"To":             "t",
	"Call-ID":        "i",
	"Contact":        "m",
	"Content-Length": "l",
}

// splitMessage separates the header section (start line included) from the body.
// A message without a blank line is treated as headers only.
func splitMessage(msg []byte) (head, body []byte) {
	if i := bytes.Index(msg, []byte("\r\n\r\n")); i >= 0 {
		return msg[:i], msg[i+4:]
	}
	if i := bytes.Index(msg, []byte("\n\n")); i >= 0 {
		return msg[:i], msg[i+2:]
	}
	return msg, nil
}

// headerLines returns the header lines after the start line, with line
// terminators removed.
func headerLines(msg []byte) []string {
	head, _ := splitMessage(msg)
	lines := strings.Split(string(head), "\n")
	if len(lines) <= 1 {
		return nil
	}
	out := make([]string, 0, len(lines)-1)
	for _, l := range lines[1:] {
		out = append(out, strings.TrimSuffix(l, "\r"))
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

func findHeaders(lines []string, name string, all bool, limit int) []string {
	prefix := name + ":"
	var vals []string
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			vals = append(vals, truncate(strings.TrimSpace(l[len(prefix):]), limit))
			if !all {
				break
			}
		}
	}
	return vals
}

// ExtractHeader returns the trimmed value of the first header called name.
// Matching is case-sensitive on the full name; the compact form is tried when
// the full name is absent.
func ExtractHeader(msg []byte, name string) (string, bool) {
	return extractHeader(msg, name, MaxFieldLen)
}

func extractHeader(msg []byte, name string, limit int) (string, bool) {
	lines := headerLines(msg)
	vals := findHeaders(lines, name, false, limit)
	if len(vals) == 0 {
		if c, ok := compactForms[name]; ok {
			vals = findHeaders(lines, c, false, limit)
		}
	}
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// ExtractHeaders returns every value of the header called name, in message
// order. Values are cut at MaxLineLen rather than MaxFieldLen since they are
// meant to be echoed back verbatim.
func ExtractHeaders(msg []byte, name string) []string {
	lines := headerLines(msg)
	vals := findHeaders(lines, name, true, MaxLineLen)
	if len(vals) == 0 {
		if c, ok := compactForms[name]; ok {
			vals = findHeaders(lines, c, true, MaxLineLen)
		}
	}
	return vals
}

// ExtractURIFromHeader strips the display name and angle brackets from a
// From/To/Contact value. A value without brackets is returned whole; an
// unterminated bracket yields "".
func ExtractURIFromHeader(value string) string {
	open := strings.IndexByte(value, '<')
	if open < 0 {
		return truncate(strings.TrimSpace(value), MaxFieldLen)
	}
	end := strings.IndexByte(value[open+1:], '>')
	if end < 0 {
		return ""
	}
	return truncate(value[open+1:open+1+end], MaxFieldLen)
}

// ParseUserIDFromURI returns the user part of a sip:user@host URI, stopping at
// '@', ':' or ';'.
func ParseUserIDFromURI(uri string) string {
	s := uri
	lower := asciiLower(s)
	switch {
	case strings.HasPrefix(lower, "sips:"):
		s = s[5:]
	case strings.HasPrefix(lower, "sip:"):
		s = s[4:]
	}
	if i := strings.IndexAny(s, "@:;"); i >= 0 {
		s = s[:i]
	}
	return truncate(s, MaxFieldLen)
}

// ExtractTagFromHeader returns the ;tag= parameter of a From/To value.
func ExtractTagFromHeader(value string) (string, bool) {
	i := strings.Index(value, ";tag=")
	if i < 0 {
		return "", false
	}
	tag := value[i+len(";tag="):]
	if j := strings.IndexAny(tag, ";>"); j >= 0 {
		tag = tag[:j]
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", false
	}
	return truncate(tag, MaxFieldLen), true
}

// ExtractParam returns a ;name=value parameter from a header value.
// The parameter name is matched case-insensitively.
func ExtractParam(value, name string) (string, bool) {
	key := ";" + strings.ToLower(name) + "="
	i := strings.Index(asciiLower(value), key)
	if i < 0 {
		return "", false
	}
	v := value[i+len(key):]
	if j := strings.IndexAny(v, ";>, "); j >= 0 {
		v = v[:j]
	}
	if v == "" {
		return "", false
	}
	return truncate(v, MaxFieldLen), true
}

// asciiLower folds only ASCII letters so byte offsets stay valid.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ExtractDisplayName returns the display name of a From/To value: the quoted
// string if present, otherwise the bare token before '<'.
func ExtractDisplayName(value string) string {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(v, `"`) {
		end := strings.IndexByte(v[1:], '"')
		if end < 0 {
			return ""
		}
		return truncate(v[1:1+end], MaxFieldLen)
	}
	if i := strings.IndexByte(v, '<'); i > 0 {
		return truncate(strings.TrimSpace(v[:i]), MaxFieldLen)
	}
	return ""
}

// FirstLine returns the start line without its terminator.
func FirstLine(msg []byte) string {
	line := msg
	if i := bytes.IndexByte(msg, '\n'); i >= 0 {
		line = msg[:i]
	}
	return truncate(strings.TrimSuffix(string(line), "\r"), MaxLineLen)
}

// StartLine is a parsed request or status line.
type StartLine struct {
	IsResponse bool
	Method     string
	RequestURI string
	StatusCode int
	Reason     string
}

// ParseStartLine parses the first line of msg. It reports false for anything
// that is neither "METHOD URI SIP/2.0" nor "SIP/2.0 CODE REASON".
func ParseStartLine(msg []byte) (StartLine, bool) {
	line := FirstLine(msg)
	if strings.HasPrefix(line, Version+" ") {
		rest := line[len(Version)+1:]
		codeStr, reason, _ := strings.Cut(rest, " ")
		if len(codeStr) != 3 {
			return StartLine{}, false
		}
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 699 {
			return StartLine{}, false
		}
		return StartLine{IsResponse: true, StatusCode: code, Reason: reason}, true
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[2] != Version {
		return StartLine{}, false
	}
	if !isToken(parts[0]) || parts[1] == "" {
		return StartLine{}, false
	}
	return StartLine{Method: parts[0], RequestURI: parts[1]}, true
}

// Method returns the request method, or "" for responses and garbage.
func Method(msg []byte) string {
	sl, ok := ParseStartLine(msg)
	if !ok || sl.IsResponse {
		return ""
	}
	return sl.Method
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// CSeqMethod returns the method token of a CSeq value ("314 INVITE" -> "INVITE").
func CSeqMethod(cseq string) string {
	f := strings.Fields(cseq)
	if len(f) != 2 {
		return ""
	}
	return f[1]
}

// ReconstructRequest rebuilds a request with a new request-URI. Every header
// is kept in order except Content-Length, which is recomputed from the
// preserved body. It returns nil when msg is not a request.
func ReconstructRequest(msg []byte, requestURI string) (out []byte, truncated bool) {
	sl, ok := ParseStartLine(msg)
	if !ok || sl.IsResponse {
		return nil, false
	}
	_, body := splitMessage(msg)

	b := newBoundedBuffer(MaxMessageSize)
	b.writeString(sl.Method + " " + requestURI + " " + Version + "\r\n")
	for _, l := range headerLines(msg) {
		if l == "" || isContentLength(l) {
			continue
		}
		b.writeString(l + "\r\n")
	}
	b.writeString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	b.write(body)
	return b.bytes(), b.truncated
}

func isContentLength(line string) bool {
	name, _, ok := strings.Cut(line, ":")
	if !ok {
		return false
	}
	name = strings.TrimSpace(name)
	return strings.EqualFold(name, "Content-Length") || name == "l"
}

// boundedBuffer appends until its limit and then records truncation.
type boundedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{buf: make([]byte, 0, limit), limit: limit}
}

func (b *boundedBuffer) write(p []byte) {
	if b.truncated {
		return
	}
	room := b.limit - len(b.buf)
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return
	}
	b.buf = append(b.buf, p...)
}

func (b *boundedBuffer) writeString(s string) {
	b.write([]byte(s))
}

func (b *boundedBuffer) bytes() []byte {
	return b.buf
}
