package message

import (
	"bytes"
	"strconv"
	"strings"
)

// SIP methods produced or consumed by the engine.
const (
	MethodRegister  = "REGISTER"
	MethodInvite    = "INVITE"
	MethodAck       = "ACK"
	MethodBye       = "BYE"
	MethodCancel    = "CANCEL"
	MethodOptions   = "OPTIONS"
	MethodRefer     = "REFER"
	MethodSubscribe = "SUBSCRIBE"
	MethodNotify    = "NOTIFY"
	MethodPublish   = "PUBLISH"
	MethodInfo      = "INFO"
	MethodUpdate    = "UPDATE"
	MethodMessage   = "MESSAGE"
)

// Frequently used status codes.
const (
	StatusTrying                 = 100
	StatusRinging                = 180
	StatusSessionProgress        = 183
	StatusOK                     = 200
	StatusAccepted               = 202
	StatusUnauthorized           = 401
	StatusForbidden              = 403
	StatusNotFound               = 404
	StatusProxyAuthRequired      = 407
	StatusRequestTimeout         = 408
	StatusConditionalRequestFail = 412
	StatusTemporarilyUnavailable = 480
	StatusCallDoesNotExist       = 481
	StatusBusyHere               = 486
	StatusRequestTerminated      = 487
	StatusNotAcceptableHere      = 488
	StatusServerInternalError    = 500
	StatusServiceUnavailable     = 503
	StatusDecline                = 603
)

const sipVersion = "SIP/2.0"

// Message is a parsed or locally built SIP request or response.
type Message interface {
	IsRequest() bool
	IsResponse() bool
	AllHeaders() *Headers
	GetHeader(name string) string
	GetHeaders(name string) []string
	SetHeader(name, value string)
	AddHeader(name, value string)
	RemoveHeader(name string)
	Body() []byte
	SetBody(body []byte)
	// Bytes renders the wire form with a recomputed Content-Length.
	Bytes() []byte
	String() string
}

type header struct {
	name  string
	value string
}

// Headers is an order-preserving multimap with case-insensitive names.
// Compact names are stored under their long form.
type Headers struct {
	entries []header
}

// NewHeaders creates an empty header set.
func NewHeaders() *Headers {
	return &Headers{}
}

var compactForms = map[string]string{
	"i": "Call-ID",
	"m": "Contact",
	"f": "From",
	"t": "To",
	"v": "Via",
	"c": "Content-Type",
	"l": "Content-Length",
	"k": "Supported",
	"e": "Content-Encoding",
	"s": "Subject",
	"o": "Event",
	"u": "Allow-Events",
	"r": "Refer-To",
	"x": "Session-Expires",
	"b": "Referred-By",
}

var canonicalNames = map[string]string{
	"call-id":             "Call-ID",
	"cseq":                "CSeq",
	"www-authenticate":    "WWW-Authenticate",
	"sip-etag":            "SIP-ETag",
	"sip-if-match":        "SIP-If-Match",
	"mime-version":        "MIME-Version",
	"rseq":                "RSeq",
	"rack":                "RAck",
	"p-asserted-identity": "P-Asserted-Identity",
}

// CanonicalName returns the normalized spelling used for storage and output.
func CanonicalName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if long, ok := compactForms[lower]; ok {
		return long
	}
	if c, ok := canonicalNames[lower]; ok {
		return c
	}
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// Get returns the first value of the named header.
func (h *Headers) Get(name string) string {
	name = CanonicalName(name)
	for _, e := range h.entries {
		if e.name == name {
			return e.value
		}
	}
	return ""
}

// Has reports whether at least one value is present.
func (h *Headers) Has(name string) bool {
	name = CanonicalName(name)
	for _, e := range h.entries {
		if e.name == name {
			return true
		}
	}
	return false
}

// GetAll returns all values of the named header in wire order.
func (h *Headers) GetAll(name string) []string {
	name = CanonicalName(name)
	var values []string
	for _, e := range h.entries {
		if e.name == name {
			values = append(values, e.value)
		}
	}
	return values
}

// Set replaces every value of the header, keeping the position of the first one.
func (h *Headers) Set(name, value string) {
	name = CanonicalName(name)
	replaced := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.name == name {
			if replaced {
				continue
			}
			e.value = value
			replaced = true
		}
		out = append(out, e)
	}
	h.entries = out
	if !replaced {
		h.entries = append(h.entries, header{name: name, value: value})
	}
}

// Add appends a value.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, header{name: CanonicalName(name), value: value})
}

// Prepend inserts a value before existing values of the same header.
func (h *Headers) Prepend(name, value string) {
	name = CanonicalName(name)
	for i, e := range h.entries {
		if e.name == name {
			h.entries = append(h.entries[:i], append([]header{{name: name, value: value}}, h.entries[i:]...)...)
			return
		}
	}
	h.entries = append([]header{{name: name, value: value}}, h.entries...)
}

// Remove drops every value of the header.
func (h *Headers) Remove(name string) {
	name = CanonicalName(name)
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Len returns the number of header lines.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Names returns header names in wire order, one per line.
func (h *Headers) Names() []string {
	names := make([]string, len(h.entries))
	for i, e := range h.entries {
		names[i] = e.name
	}
	return names
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := &Headers{entries: make([]header, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

func (h *Headers) write(buf *bytes.Buffer, bodyLen int) {
	wroteLength := false
	for _, e := range h.entries {
		if e.name == "Content-Length" {
			if wroteLength {
				continue
			}
			e.value = strconv.Itoa(bodyLen)
			wroteLength = true
		}
		buf.WriteString(e.name)
		buf.WriteString(": ")
		buf.WriteString(e.value)
		buf.WriteString("\r\n")
	}
	if !wroteLength {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.Itoa(bodyLen))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
}

// Request is a SIP request.
type Request struct {
	Method     string
	RequestURI *URI
	Headers    *Headers
	body       []byte
}

func (r *Request) IsRequest() bool                 { return true }
func (r *Request) IsResponse() bool                { return false }
func (r *Request) AllHeaders() *Headers            { return r.Headers }
func (r *Request) GetHeader(name string) string    { return r.Headers.Get(name) }
func (r *Request) GetHeaders(name string) []string { return r.Headers.GetAll(name) }
func (r *Request) SetHeader(name, value string)    { r.Headers.Set(name, value) }
func (r *Request) AddHeader(name, value string)    { r.Headers.Add(name, value) }
func (r *Request) RemoveHeader(name string)        { r.Headers.Remove(name) }
func (r *Request) Body() []byte                    { return r.body }
func (r *Request) SetBody(body []byte)             { r.body = body }

// Bytes renders the request.
func (r *Request) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(r.Method)
	buf.WriteByte(' ')
	if r.RequestURI != nil {
		buf.WriteString(r.RequestURI.String())
	}
	buf.WriteString(" " + sipVersion + "\r\n")
	r.Headers.write(&buf, len(r.body))
	buf.Write(r.body)
	return buf.Bytes()
}

func (r *Request) String() string { return string(r.Bytes()) }

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := &Request{
		Method:  r.Method,
		Headers: r.Headers.Clone(),
		body:    append([]byte(nil), r.body...),
	}
	if r.RequestURI != nil {
		c.RequestURI = r.RequestURI.Clone()
	}
	return c
}

// Response is a SIP response.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Headers      *Headers
	body         []byte
}

func (r *Response) IsRequest() bool                 { return false }
func (r *Response) IsResponse() bool                { return true }
func (r *Response) AllHeaders() *Headers            { return r.Headers }
func (r *Response) GetHeader(name string) string    { return r.Headers.Get(name) }
func (r *Response) GetHeaders(name string) []string { return r.Headers.GetAll(name) }
func (r *Response) SetHeader(name, value string)    { r.Headers.Set(name, value) }
func (r *Response) AddHeader(name, value string)    { r.Headers.Add(name, value) }
func (r *Response) RemoveHeader(name string)        { r.Headers.Remove(name) }
func (r *Response) Body() []byte                    { return r.body }
func (r *Response) SetBody(body []byte)             { r.body = body }

// Bytes renders the response.
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(sipVersion + " ")
	buf.WriteString(strconv.Itoa(r.StatusCode))
	buf.WriteByte(' ')
	buf.WriteString(r.ReasonPhrase)
	buf.WriteString("\r\n")
	r.Headers.write(&buf, len(r.body))
	buf.Write(r.body)
	return buf.Bytes()
}

func (r *Response) String() string { return string(r.Bytes()) }

// IsProvisional reports a 1xx response.
func (r *Response) IsProvisional() bool { return r.StatusCode < 200 }

// IsSuccess reports a 2xx response.
func (r *Response) IsSuccess() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	return &Response{
		StatusCode:   r.StatusCode,
		ReasonPhrase: r.ReasonPhrase,
		Headers:      r.Headers.Clone(),
		body:         append([]byte(nil), r.body...),
	}
}

// ReasonPhrase returns the default phrase for a status code.
func ReasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 181:
		return "Call Is Being Forwarded"
	case 182:
		return "Queued"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Moved Temporarily"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 407:
		return "Proxy Authentication Required"
	case 408:
		return "Request Timeout"
	case 412:
		return "Conditional Request Failed"
	case 415:
		return "Unsupported Media Type"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 489:
		return "Bad Event"
	case 500:
		return "Server Internal Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		return "Unknown"
	}
}
