package sipwire

import (
	"strconv"
)

// Status codes emitted by the proxy.
const (
	StatusTrying             = 100
	StatusRinging            = 180
	StatusSessionProgress    = 183
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusNotFound           = 404
	StatusCallDoesNotExist   = 481
	StatusNotImplemented     = 501
	StatusServiceUnavailable = 503
)

var reasons = map[int]string{
	StatusTrying:             "Trying",
	StatusRinging:            "Ringing",
	StatusSessionProgress:    "Session Progress",
	StatusOK:                 "OK",
	StatusBadRequest:         "Bad Request",
	StatusNotFound:           "Not Found",
	StatusCallDoesNotExist:   "Call/Transaction Does Not Exist",
	StatusNotImplemented:     "Not Implemented",
	StatusServiceUnavailable: "Service Unavailable",
}

// ReasonPhrase returns the canonical reason phrase for code.
func ReasonPhrase(code int) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "Unknown"
}

// Response describes a locally generated SIP response.
type Response struct {
	StatusCode int
	Reason     string

	Via    []string
	From   string
	To     string
	CallID string
	CSeq   string

	// Contact is emitted only when non-empty.
	Contact string
	// Extra holds complete "Name: value" header lines.
	Extra []string
	Body  []byte
}

// NewResponse copies the dialog-identifying headers of req into a response
// with the given status code.
func NewResponse(req []byte, code int) *Response {
	r := &Response{
		StatusCode: code,
		Reason:     ReasonPhrase(code),
		Via:        ExtractHeaders(req, "Via"),
	}
	r.From, _ = extractHeader(req, "From", MaxLineLen)
	r.To, _ = extractHeader(req, "To", MaxLineLen)
	r.CallID, _ = extractHeader(req, "Call-ID", MaxLineLen)
	r.CSeq, _ = extractHeader(req, "CSeq", MaxLineLen)
	return r
}

// AddHeader appends an extra header line.
func (r *Response) AddHeader(name, value string) *Response {
	r.Extra = append(r.Extra, name+": "+value)
	return r
}

// Encode assembles the response within MaxMessageSize. The truncated flag is
// set when the output had to be cut short.
func (r *Response) Encode() (msg []byte, truncated bool) {
	b := newBoundedBuffer(MaxMessageSize)
	b.writeString(Version + " " + strconv.Itoa(r.StatusCode) + " " + r.Reason + "\r\n")
	for _, v := range r.Via {
		b.writeString("Via: " + v + "\r\n")
	}
	writeIf(b, "From", r.From)
	writeIf(b, "To", r.To)
	writeIf(b, "Call-ID", r.CallID)
	writeIf(b, "CSeq", r.CSeq)
	writeIf(b, "Contact", r.Contact)
	for _, h := range r.Extra {
		b.writeString(h + "\r\n")
	}
	b.writeString("Content-Length: " + strconv.Itoa(len(r.Body)) + "\r\n\r\n")
	b.write(r.Body)
	return b.bytes(), b.truncated
}

func writeIf(b *boundedBuffer, name, value string) {
	if value == "" {
		return
	}
	b.writeString(name + ": " + value + "\r\n")
}
