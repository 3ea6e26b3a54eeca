package message

import (
	"strconv"
	"strings"
)

// RequestBuilder helps build SIP requests
type RequestBuilder struct {
	method      string
	uri         *URI
	headers     *Headers
	body        []byte
	maxForwards int
}

// NewRequest creates a new request builder
func NewRequest(method string, uri *URI) *RequestBuilder {
	return &RequestBuilder{
		method:      strings.ToUpper(method),
		uri:         uri,
		headers:     NewHeaders(),
		maxForwards: 70,
	}
}

// Via adds a Via header
func (b *RequestBuilder) Via(v *Via) *RequestBuilder {
	b.headers.Add("Via", v.String())
	return b
}

// From sets the From header
func (b *RequestBuilder) From(addr *NameAddr) *RequestBuilder {
	b.headers.Set("From", addr.String())
	return b
}

// To sets the To header
func (b *RequestBuilder) To(addr *NameAddr) *RequestBuilder {
	b.headers.Set("To", addr.String())
	return b
}

// CallID sets the Call-ID header
func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.headers.Set("Call-ID", callID)
	return b
}

// CSeq sets the CSeq header
func (b *RequestBuilder) CSeq(seq uint32) *RequestBuilder {
	b.headers.Set("CSeq", CSeq{Seq: seq, Method: b.method}.String())
	return b
}

// Contact sets the Contact header
func (b *RequestBuilder) Contact(addr *NameAddr) *RequestBuilder {
	b.headers.Set("Contact", addr.String())
	return b
}

// MaxForwards overrides the default of 70.
func (b *RequestBuilder) MaxForwards(n int) *RequestBuilder {
	b.maxForwards = n
	return b
}

// Header adds a custom header
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.headers.Add(name, value)
	return b
}

// Route appends a Route header
func (b *RequestBuilder) Route(route string) *RequestBuilder {
	b.headers.Add("Route", route)
	return b
}

// Body sets the body and its Content-Type
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.body = body
	if len(body) > 0 {
		b.headers.Set("Content-Type", contentType)
	} else {
		b.headers.Remove("Content-Type")
	}
	return b
}

// Build validates and returns the request
func (b *RequestBuilder) Build() (*Request, error) {
	if b.uri == nil {
		return nil, malformed(ErrInvalidURI, "request without Request-URI")
	}
	if !b.headers.Has("Max-Forwards") {
		b.headers.Add("Max-Forwards", strconv.Itoa(b.maxForwards))
	}
	req := &Request{
		Method:     b.method,
		RequestURI: b.uri,
		Headers:    b.headers,
		body:       b.body,
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ResponseBuilder helps build SIP responses
type ResponseBuilder struct {
	statusCode   int
	reasonPhrase string
	headers      *Headers
	body         []byte
}

// NewResponse starts a response to req, copying Via, From, To, Call-ID, CSeq
// and Record-Route.
func NewResponse(req *Request, statusCode int, reasonPhrase string) *ResponseBuilder {
	headers := NewHeaders()
	for _, via := range req.GetHeaders("Via") {
		headers.Add("Via", via)
	}
	for _, rr := range req.GetHeaders("Record-Route") {
		headers.Add("Record-Route", rr)
	}
	headers.Set("From", req.GetHeader("From"))
	headers.Set("To", req.GetHeader("To"))
	headers.Set("Call-ID", req.GetHeader("Call-ID"))
	headers.Set("CSeq", req.GetHeader("CSeq"))

	return &ResponseBuilder{
		statusCode:   statusCode,
		reasonPhrase: reasonPhrase,
		headers:      headers,
	}
}

// Contact sets the Contact header
func (b *ResponseBuilder) Contact(addr *NameAddr) *ResponseBuilder {
	b.headers.Set("Contact", addr.String())
	return b
}

// Header adds a custom header
func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers.Add(name, value)
	return b
}

// Body sets the response body
func (b *ResponseBuilder) Body(contentType string, body []byte) *ResponseBuilder {
	b.body = body
	if len(body) > 0 {
		b.headers.Set("Content-Type", contentType)
	} else {
		b.headers.Remove("Content-Type")
	}
	return b
}

// ToTag adds a tag to the To header unless one is present.
func (b *ResponseBuilder) ToTag(tag string) *ResponseBuilder {
	if tag == "" {
		return b
	}
	to, err := ParseNameAddr(b.headers.Get("To"))
	if err != nil || to.Tag() != "" {
		return b
	}
	to.Params.Set("tag", tag)
	b.headers.Set("To", to.String())
	return b
}

// Build returns the response
func (b *ResponseBuilder) Build() *Response {
	if b.reasonPhrase == "" {
		b.reasonPhrase = ReasonPhrase(b.statusCode)
	}
	return &Response{
		StatusCode:   b.statusCode,
		ReasonPhrase: b.reasonPhrase,
		Headers:      b.headers,
		body:         b.body,
	}
}
