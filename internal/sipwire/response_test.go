package sipwire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponse_CopiesDialogHeaders(t *testing.T) {
	msg := "BYE sip:100@h SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=a\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=b\r\n" +
		"From: <sip:200@h>;tag=x\r\n" +
		"To: <sip:100@h>;tag=y\r\n" +
		"Call-ID: call-1\r\n" +
		"CSeq: 2 BYE\r\n\r\n"

	out, truncated := NewResponse([]byte(msg), StatusOK).Encode()
	require.False(t, truncated)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "SIP/2.0 200 OK\r\n"))
	assert.Contains(t, s, "Via: SIP/2.0/UDP 10.0.0.1:5060;branch=a\r\nVia: SIP/2.0/UDP 10.0.0.2:5060;branch=b\r\n")
	assert.Contains(t, s, "From: <sip:200@h>;tag=x\r\n")
	assert.Contains(t, s, "To: <sip:100@h>;tag=y\r\n")
	assert.Contains(t, s, "Call-ID: call-1\r\n")
	assert.Contains(t, s, "CSeq: 2 BYE\r\n")
	assert.NotContains(t, s, "Contact:")
	assert.True(t, strings.HasSuffix(s, "Content-Length: 0\r\n\r\n"))

	sl, ok := ParseStartLine(out)
	require.True(t, ok)
	assert.Equal(t, StatusOK, sl.StatusCode)
}

func TestNewResponse_EchoesLongViaIntact(t *testing.T) {
	via := "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK" + strings.Repeat("7", 200) +
		";received=10.0.0.1;rport=5060;maddr=10.0.0.254"
	require.Greater(t, len(via), MaxFieldLen)
	msg := "OPTIONS sip:x SIP/2.0\r\nVia: " + via + "\r\nCall-ID: c\r\n\r\n"

	out, truncated := NewResponse([]byte(msg), StatusOK).Encode()
	require.False(t, truncated)
	assert.Contains(t, string(out), "Via: "+via+"\r\n")

	// Values past MaxLineLen are still cut.
	huge := strings.Repeat("v", MaxLineLen*2)
	vias := ExtractHeaders([]byte("OPTIONS sip:x SIP/2.0\r\nVia: "+huge+"\r\n\r\n"), "Via")
	require.Len(t, vias, 1)
	assert.Len(t, vias[0], MaxLineLen)
}

func TestResponse_ContactAndExtraHeaders(t *testing.T) {
	r := NewResponse([]byte("OPTIONS sip:x SIP/2.0\r\nCall-ID: c\r\n\r\n"), StatusOK)
	r.Contact = "<sip:100@10.0.0.1>"
	r.AddHeader("Allow", "INVITE, ACK")
	r.Body = []byte("hello")

	out, truncated := r.Encode()
	require.False(t, truncated)
	s := string(out)
	assert.Contains(t, s, "Contact: <sip:100@10.0.0.1>\r\n")
	assert.Contains(t, s, "Allow: INVITE, ACK\r\n")
	assert.Contains(t, s, "Content-Length: 5\r\n\r\nhello")
}

func TestResponse_TruncatesAtMessageSize(t *testing.T) {
	r := NewResponse(nil, StatusOK)
	r.Body = []byte(strings.Repeat("z", MaxMessageSize))

	out, truncated := r.Encode()
	assert.True(t, truncated)
	assert.Len(t, out, MaxMessageSize)
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, "Call/Transaction Does Not Exist", ReasonPhrase(StatusCallDoesNotExist))
	assert.Equal(t, "Service Unavailable", ReasonPhrase(StatusServiceUnavailable))
	assert.Equal(t, "Unknown", ReasonPhrase(299))
}
