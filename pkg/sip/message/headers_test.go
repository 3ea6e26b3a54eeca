package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders_CaseInsensitiveMultimap(t *testing.T) {
	h := NewHeaders()
	h.Add("via", "SIP/2.0/UDP a;branch=z9hG4bK1")
	h.Add("X-Foo", "1")
	h.Add("VIA", "SIP/2.0/UDP b;branch=z9hG4bK2")

	assert.Equal(t, []string{"SIP/2.0/UDP a;branch=z9hG4bK1", "SIP/2.0/UDP b;branch=z9hG4bK2"}, h.GetAll("Via"))
	assert.Equal(t, "1", h.Get("x-foo"))
	assert.Equal(t, []string{"Via", "X-Foo", "Via"}, h.Names())

	h.Set("v", "SIP/2.0/UDP c;branch=z9hG4bK3")
	assert.Equal(t, []string{"Via", "X-Foo"}, h.Names())
	assert.Equal(t, "SIP/2.0/UDP c;branch=z9hG4bK3", h.Get("Via"))

	h.Prepend("Via", "SIP/2.0/UDP top;branch=z9hG4bK0")
	assert.Equal(t, "SIP/2.0/UDP top;branch=z9hG4bK0", h.Get("Via"))

	h.Remove("VIA")
	assert.False(t, h.Has("Via"))
	assert.Equal(t, 1, h.Len())
}

func TestCanonicalName(t *testing.T) {
	cases := map[string]string{
		"i":                   "Call-ID",
		"call-id":             "Call-ID",
		"CSEQ":                "CSeq",
		"www-authenticate":    "WWW-Authenticate",
		"proxy-authorization": "Proxy-Authorization",
		"sip-etag":            "SIP-ETag",
		"x-custom-header":     "X-Custom-Header",
		"r":                   "Refer-To",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalName(in), in)
	}
}

func TestTypedHeaders(t *testing.T) {
	h := NewHeaders()
	h.Add("Via", "SIP/2.0/UDP 10.0.0.1:5062;branch=z9hG4bK-abc;rport, SIP/2.0/TCP proxy.example.com;branch=z9hG4bK-def")
	h.Add("From", `"Alice Smith" <sip:alice@example.com>;tag=88sja8x`)
	h.Add("To", "sip:bob@example.com")
	h.Add("CSeq", "42 SUBSCRIBE")
	h.Add("Contact", `<sip:alice@10.0.0.1:5062>;expires=3600, "Second" <sip:alice@10.0.0.2>`)
	h.Add("Expires", "600")
	h.Add("Content-Type", "application/pidf+xml; charset=utf-8")

	via, err := h.TopVia()
	require.NoError(t, err)
	assert.Equal(t, "UDP", via.Transport)
	assert.Equal(t, "10.0.0.1", via.Host)
	assert.Equal(t, 5062, via.Port)
	assert.Equal(t, "z9hG4bK-abc", via.Branch())
	assert.True(t, via.Params.Has("rport"))

	vias, err := h.Vias()
	require.NoError(t, err)
	require.Len(t, vias, 2)
	assert.Equal(t, "proxy.example.com", vias[1].Host)

	h.PopVia()
	via, err = h.TopVia()
	require.NoError(t, err)
	assert.Equal(t, "z9hG4bK-def", via.Branch())

	from, err := h.From()
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", from.Display)
	assert.Equal(t, "88sja8x", from.Tag())
	assert.Equal(t, "88sja8x", h.FromTag())
	assert.Equal(t, "", h.ToTag())

	cseq, err := h.CSeq()
	require.NoError(t, err)
	assert.Equal(t, CSeq{Seq: 42, Method: "SUBSCRIBE"}, cseq)

	contacts, err := h.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	exp, ok := contacts[0].Params.Get("expires")
	assert.True(t, ok)
	assert.Equal(t, "3600", exp)
	assert.Equal(t, "10.0.0.2", contacts[1].URI.Host)

	expires, ok := h.Expires()
	assert.True(t, ok)
	assert.Equal(t, 600, expires)
	assert.Equal(t, "application/pidf+xml", h.ContentType())
}

func TestContacts_Wildcard(t *testing.T) {
	h := NewHeaders()
	h.Add("Contact", "*")
	contacts, err := h.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Nil(t, contacts[0].URI)
}

func TestAuthHeaders(t *testing.T) {
	h := NewHeaders()
	h.Add("WWW-Authenticate", `Digest realm="example.com", nonce="abc123", qop="auth", opaque="xyz", algorithm=MD5, stale=true`)
	chal, err := h.Challenge("WWW-Authenticate")
	require.NoError(t, err)
	assert.Equal(t, "example.com", chal.Realm)
	assert.Equal(t, "abc123", chal.Nonce)
	assert.True(t, chal.Stale)
	assert.True(t, chal.SupportsQOP("auth"))

	h.Add("Authorization", `Digest username="alice", realm="example.com", nonce="abc123", uri="sip:example.com", response="0123", qop=auth, nc=00000002, cnonce="c1"`)
	cred, err := h.Credentials("authorization")
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, 2, cred.Nc)

	_, err = h.Challenge("Proxy-Authenticate")
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestResponseBuilder(t *testing.T) {
	msg, err := Parse([]byte(inviteMsg))
	require.NoError(t, err)
	req := msg.(*Request)

	res := NewResponse(req, StatusOK, "").
		ToTag("bobtag").
		Contact(&NameAddr{URI: MustParseURI("sip:bob@192.0.2.4")}).
		Body("application/sdp", []byte("v=0\r\n")).
		Build()

	assert.Equal(t, "OK", res.ReasonPhrase)
	assert.Equal(t, "bobtag", res.Headers.ToTag())
	assert.Equal(t, req.GetHeader("Via"), res.GetHeader("Via"))
	assert.Equal(t, req.GetHeader("CSeq"), res.GetHeader("CSeq"))
	assert.True(t, strings.Contains(res.String(), "Content-Length: 5\r\n"))

	// an existing tag is kept
	again := NewResponse(&Request{Method: "BYE", Headers: res.Headers.Clone()}, StatusOK, "OK").ToTag("other").Build()
	assert.Equal(t, "bobtag", again.Headers.ToTag())
}

func TestIDs(t *testing.T) {
	b1, b2 := NewBranch(), NewBranch()
	assert.True(t, strings.HasPrefix(b1, BranchMagicCookie))
	assert.NotEqual(t, b1, b2)
	assert.NotEqual(t, NewTag(), NewTag())
	assert.True(t, strings.HasSuffix(NewCallID("host.example"), "@host.example"))
}
