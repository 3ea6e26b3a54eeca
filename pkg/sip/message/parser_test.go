package message

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const inviteMsg = "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"To: Bob <sip:bob@biloxi.com>\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Max-Forwards: 70\r\n" +
	"X-Custom: opaque; value=\"kept\"\r\n" +
	"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 10\r\n" +
	"\r\n" +
	"v=0\r\no=tes"

func TestParse_ValidRequest(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		method  string
		uri     string
		body    string
		headers map[string]string
	}{
		{
			name:   "INVITE with body",
			msg:    inviteMsg,
			method: "INVITE",
			uri:    "sip:bob@biloxi.com",
			body:   "v=0\r\no=tes",
			headers: map[string]string{
				"Call-ID":  "a84b4c76e66710@pc33.atlanta.com",
				"CSeq":     "314159 INVITE",
				"X-Custom": `opaque; value="kept"`,
			},
		},
		{
			name: "compact headers",
			msg: "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
				"v: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
				"t: Bob <sip:bob@biloxi.com>\r\n" +
				"f: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
				"i: a84b4c76e66710@pc33.atlanta.com\r\n" +
				"CSeq: 314159 INVITE\r\n" +
				"m: <sip:alice@pc33.atlanta.com>\r\n" +
				"l: 0\r\n" +
				"\r\n",
			method: "INVITE",
			uri:    "sip:bob@biloxi.com",
			headers: map[string]string{
				"Call-ID": "a84b4c76e66710@pc33.atlanta.com",
				"Contact": "<sip:alice@pc33.atlanta.com>",
				"Via":     "SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds",
			},
		},
		{
			name: "folded header and lowercase names",
			msg: "OPTIONS sip:carol@chicago.com SIP/2.0\r\n" +
				"via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
				"to: <sip:carol@chicago.com>\r\n" +
				"from: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
				"call-id: a84b4c76e66710@pc33.atlanta.com\r\n" +
				"cseq: 1 OPTIONS\r\n" +
				"Subject: first\r\n" +
				" second\r\n" +
				"\r\n",
			method: "OPTIONS",
			uri:    "sip:carol@chicago.com",
			headers: map[string]string{
				"Subject": "first second",
				"CSeq":    "1 OPTIONS",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.msg))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			req, ok := msg.(*Request)
			if !ok {
				t.Fatalf("expected *Request, got %T", msg)
			}
			if req.Method != tt.method {
				t.Errorf("Method = %q, want %q", req.Method, tt.method)
			}
			if got := req.RequestURI.String(); got != tt.uri {
				t.Errorf("RequestURI = %q, want %q", got, tt.uri)
			}
			if got := string(req.Body()); got != tt.body {
				t.Errorf("Body = %q, want %q", got, tt.body)
			}
			for name, want := range tt.headers {
				if got := req.GetHeader(name); got != want {
					t.Errorf("header %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestParse_ValidResponse(t *testing.T) {
	raw := "SIP/2.0 180 Ringing\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds;received=192.0.2.1\r\n" +
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	res, ok := msg.(*Response)
	if !ok {
		t.Fatalf("expected *Response, got %T", msg)
	}
	if res.StatusCode != 180 || res.ReasonPhrase != "Ringing" {
		t.Errorf("status line = %d %q", res.StatusCode, res.ReasonPhrase)
	}
	if got := res.Headers.ToTag(); got != "a6c85cf" {
		t.Errorf("ToTag = %q", got)
	}
}

func TestParse_Malformed(t *testing.T) {
	base := "Via: SIP/2.0/UDP h;branch=z9hG4bK1\r\n" +
		"To: <sip:b@h>\r\nFrom: <sip:a@h>;tag=1\r\nCall-ID: x\r\nCSeq: 1 INVITE\r\n"

	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"empty", "", ErrInvalidStartLine},
		{"bad request line", "INVITE sip:b@h\r\n" + base + "\r\n", ErrInvalidStartLine},
		{"bad version", "INVITE sip:b@h SIP/3.0\r\n" + base + "\r\n", ErrInvalidSIPVersion},
		{"bad status", "SIP/2.0 99 Nope\r\n" + base + "\r\n", ErrInvalidStatusCode},
		{"unterminated", "INVITE sip:b@h SIP/2.0\r\n" + base, ErrUnterminated},
		{"header without colon", "INVITE sip:b@h SIP/2.0\r\n" + base + "Broken\r\n\r\n", ErrInvalidHeader},
		{"body without length", "INVITE sip:b@h SIP/2.0\r\n" + base + "\r\nv=0\r\n", ErrContentLength},
		{"short body", "INVITE sip:b@h SIP/2.0\r\n" + base + "Content-Length: 50\r\n\r\nv=0", ErrContentLength},
		{"missing call-id", "OPTIONS sip:b@h SIP/2.0\r\nVia: SIP/2.0/UDP h;branch=z9hG4bK1\r\nTo: <sip:b@h>\r\nFrom: <sip:a@h>\r\nCSeq: 1 OPTIONS\r\n\r\n", ErrMissingHeader},
		{"cseq method mismatch", "BYE sip:b@h SIP/2.0\r\n" + base + "\r\n", ErrInvalidHeader},
		{"bad uri", "INVITE http://b SIP/2.0\r\n" + base + "\r\n", ErrInvalidURI},
		{"too large", "INVITE sip:b@h SIP/2.0\r\n" + base + "X: " + strings.Repeat("a", maxMessageSize) + "\r\n\r\n", ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.msg))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("error %v does not wrap ErrMalformed", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			var me *MalformedError
			if !errors.As(err, &me) {
				t.Errorf("error %T is not *MalformedError", err)
			}
		})
	}
}

func TestSerialize_PreservesOrderAndRecomputesLength(t *testing.T) {
	msg, err := Parse([]byte(inviteMsg))
	if err != nil {
		t.Fatal(err)
	}
	msg.SetBody([]byte("v=0\r\n"))
	out, err := Parse(msg.Bytes())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	want := []string{"Via", "To", "From", "Call-ID", "CSeq", "Max-Forwards", "X-Custom", "Contact", "Content-Type", "Content-Length"}
	if diff := cmp.Diff(want, out.AllHeaders().Names()); diff != "" {
		t.Errorf("header order mismatch (-want +got):\n%s", diff)
	}
	if got := out.GetHeader("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q, want 5", got)
	}
	if got := string(out.Body()); got != "v=0\r\n" {
		t.Errorf("Body = %q", got)
	}
}

func TestSerialize_AddsContentLength(t *testing.T) {
	req, err := NewRequest(MethodOptions, MustParseURI("sip:bob@example.com")).
		Via(&Via{Transport: "UDP", Host: "10.0.0.1", Port: 5060, Params: Params{{Name: "branch", Value: "z9hG4bK-1"}}}).
		From(&NameAddr{URI: MustParseURI("sip:alice@example.com"), Params: Params{{Name: "tag", Value: "a"}}}).
		To(&NameAddr{URI: MustParseURI("sip:bob@example.com")}).
		CallID("c1").
		CSeq(1).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	wire := string(req.Bytes())
	if !strings.HasSuffix(wire, "Content-Length: 0\r\n\r\n") {
		t.Errorf("wire form does not end with Content-Length: %q", wire)
	}
	if !strings.HasPrefix(wire, "OPTIONS sip:bob@example.com SIP/2.0\r\n") {
		t.Errorf("bad start line: %q", wire)
	}
}

func TestReadMessage_Stream(t *testing.T) {
	stream := "\r\n" + inviteMsg + inviteMsg
	r := bufio.NewReader(strings.NewReader(stream))

	for i := 0; i < 2; i++ {
		msg, err := ReadMessage(r)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got := string(msg.Body()); got != "v=0\r\no=tes" {
			t.Errorf("message %d body = %q", i, got)
		}
	}
	if _, err := ReadMessage(r); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReadMessage_RequiresContentLength(t *testing.T) {
	raw := "OPTIONS sip:b@h SIP/2.0\r\nVia: SIP/2.0/TCP h;branch=z9hG4bK1\r\nTo: <sip:b@h>\r\n" +
		"From: <sip:a@h>;tag=1\r\nCall-ID: x\r\nCSeq: 1 OPTIONS\r\n\r\n"
	_, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
	if !errors.Is(err, ErrContentLength) {
		t.Errorf("expected ErrContentLength, got %v", err)
	}
}
