package message

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/icholy/digest"
)

// Param is a single ;name=value pair. Flag parameters have an empty Value.
type Param struct {
	Name  string
	Value string
}

// Params keeps parameters in wire order.
type Params []Param

func parseParams(s string, sep byte) Params {
	var ps Params
	for _, part := range splitOutsideQuotes(s, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		ps = append(ps, Param{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return ps
}

// Get returns a parameter value; names compare case-insensitively.
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if strings.EqualFold(param.Name, name) {
			return param.Value, true
		}
	}
	return "", false
}

// Has reports whether the parameter is present.
func (p Params) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Set replaces or appends a parameter.
func (p *Params) Set(name, value string) {
	for i, param := range *p {
		if strings.EqualFold(param.Name, name) {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Name: name, Value: value})
}

// Del removes a parameter.
func (p *Params) Del(name string) {
	out := (*p)[:0]
	for _, param := range *p {
		if !strings.EqualFold(param.Name, name) {
			out = append(out, param)
		}
	}
	*p = out
}

// Clone copies the list.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return append(Params(nil), p...)
}

// String renders each parameter prefixed by sep.
func (p Params) String(sep byte) string {
	var b strings.Builder
	for _, param := range p {
		b.WriteByte(sep)
		b.WriteString(param.Name)
		if param.Value != "" {
			b.WriteByte('=')
			b.WriteString(param.Value)
		}
	}
	return b.String()
}

// splitOutsideQuotes splits on sep while ignoring separators inside quotes
// and angle brackets.
func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	inQuote := false
	angle := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case c == '<' && !inQuote:
			angle++
		case c == '>' && !inQuote && angle > 0:
			angle--
		case c == sep && !inQuote && angle == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// SplitList splits a comma separated header value into elements.
func SplitList(value string) []string {
	var out []string
	for _, part := range splitOutsideQuotes(value, ',') {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CSeq is the typed CSeq header.
type CSeq struct {
	Seq    uint32
	Method string
}

// ParseCSeq parses "4711 INVITE".
func ParseCSeq(s string) (CSeq, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return CSeq{}, malformed(ErrInvalidHeader, "CSeq %q", s)
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return CSeq{}, malformed(ErrInvalidHeader, "CSeq number %q", fields[0])
	}
	return CSeq{Seq: uint32(seq), Method: strings.ToUpper(fields[1])}, nil
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + c.Method
}

// Via is one element of a Via header.
type Via struct {
	Transport string
	Host      string
	Port      int
	Params    Params
}

// ParseVia parses a single Via element such as
// "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1;rport".
func ParseVia(s string) (*Via, error) {
	s = strings.TrimSpace(s)
	proto, rest, ok := strings.Cut(s, " ")
	if !ok {
		return nil, malformed(ErrInvalidHeader, "Via %q", s)
	}
	parts := strings.Split(proto, "/")
	if len(parts) != 3 || !strings.EqualFold(parts[0], "SIP") || parts[1] != "2.0" {
		return nil, malformed(ErrInvalidHeader, "Via protocol %q", proto)
	}
	v := &Via{Transport: strings.ToUpper(parts[2])}
	rest = strings.TrimSpace(rest)
	if i := strings.Index(rest, ";"); i >= 0 {
		v.Params = parseParams(rest[i+1:], ';')
		rest = rest[:i]
	}
	rest = strings.TrimSpace(rest)
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		v.Host = strings.Trim(rest, "[]")
	} else {
		v.Host = host
		if v.Port, err = strconv.Atoi(port); err != nil {
			return nil, malformed(ErrInvalidHeader, "Via port %q", port)
		}
	}
	if v.Host == "" {
		return nil, malformed(ErrInvalidHeader, "Via without host")
	}
	return v, nil
}

// Branch returns the branch parameter.
func (v *Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

func (v *Via) String() string {
	host := v.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if v.Port > 0 {
		host += ":" + strconv.Itoa(v.Port)
	}
	return fmt.Sprintf("SIP/2.0/%s %s%s", v.Transport, host, v.Params.String(';'))
}

// NameAddr is the typed form of From, To, Contact, Route and Refer-To values.
type NameAddr struct {
	Display string
	URI     *URI
	Params  Params
}

// ParseNameAddr parses `"Alice" <sip:alice@example.com>;tag=1` as well as the
// bare addr-spec form where parameters belong to the header.
func ParseNameAddr(s string) (*NameAddr, error) {
	s = strings.TrimSpace(s)
	na := &NameAddr{}
	if lt := strings.Index(s, "<"); lt >= 0 {
		gt := strings.Index(s[lt:], ">")
		if gt < 0 {
			return nil, malformed(ErrInvalidHeader, "unterminated name-addr %q", s)
		}
		na.Display = strings.Trim(strings.TrimSpace(s[:lt]), `"`)
		uri, err := ParseURI(s[lt+1 : lt+gt])
		if err != nil {
			return nil, err
		}
		na.URI = uri
		rest := strings.TrimSpace(s[lt+gt+1:])
		if strings.HasPrefix(rest, ";") {
			na.Params = parseParams(rest[1:], ';')
		}
		return na, nil
	}
	addr := s
	if i := strings.Index(s, ";"); i >= 0 {
		addr = s[:i]
		na.Params = parseParams(s[i+1:], ';')
	}
	uri, err := ParseURI(addr)
	if err != nil {
		return nil, err
	}
	na.URI = uri
	return na, nil
}

// Tag returns the tag parameter.
func (n *NameAddr) Tag() string {
	t, _ := n.Params.Get("tag")
	return t
}

func (n *NameAddr) String() string {
	var b strings.Builder
	if n.Display != "" {
		b.WriteString(`"` + n.Display + `" `)
	}
	b.WriteString("<")
	if n.URI != nil {
		b.WriteString(n.URI.String())
	}
	b.WriteString(">")
	b.WriteString(n.Params.String(';'))
	return b.String()
}

// Clone returns a deep copy.
func (n *NameAddr) Clone() *NameAddr {
	return &NameAddr{Display: n.Display, URI: n.URI.Clone(), Params: n.Params.Clone()}
}

// CallID returns the Call-ID header.
func (h *Headers) CallID() string {
	return strings.TrimSpace(h.Get("Call-ID"))
}

// CSeq returns the parsed CSeq header.
func (h *Headers) CSeq() (CSeq, error) {
	v := h.Get("CSeq")
	if v == "" {
		return CSeq{}, malformed(ErrMissingHeader, "CSeq")
	}
	return ParseCSeq(v)
}

// From returns the parsed From header.
func (h *Headers) From() (*NameAddr, error) {
	return h.nameAddr("From")
}

// To returns the parsed To header.
func (h *Headers) To() (*NameAddr, error) {
	return h.nameAddr("To")
}

func (h *Headers) nameAddr(name string) (*NameAddr, error) {
	v := h.Get(name)
	if v == "" {
		return nil, malformed(ErrMissingHeader, "%s", name)
	}
	return ParseNameAddr(v)
}

// FromTag returns the From tag or an empty string.
func (h *Headers) FromTag() string {
	if f, err := h.From(); err == nil {
		return f.Tag()
	}
	return ""
}

// ToTag returns the To tag or an empty string.
func (h *Headers) ToTag() string {
	if t, err := h.To(); err == nil {
		return t.Tag()
	}
	return ""
}

// TopVia returns the first Via element.
func (h *Headers) TopVia() (*Via, error) {
	v := h.Get("Via")
	if v == "" {
		return nil, malformed(ErrMissingHeader, "Via")
	}
	return ParseVia(SplitList(v)[0])
}

// Vias returns every Via element in order.
func (h *Headers) Vias() ([]*Via, error) {
	var vias []*Via
	for _, value := range h.GetAll("Via") {
		for _, elem := range SplitList(value) {
			v, err := ParseVia(elem)
			if err != nil {
				return nil, err
			}
			vias = append(vias, v)
		}
	}
	return vias, nil
}

// PopVia removes the topmost Via element.
func (h *Headers) PopVia() {
	for i, e := range h.entries {
		if e.name != "Via" {
			continue
		}
		elems := SplitList(e.value)
		if len(elems) > 1 {
			h.entries[i].value = strings.Join(elems[1:], ", ")
		} else {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
		}
		return
	}
}

// Contacts returns every Contact element. A wildcard Contact yields a single
// element whose URI is nil.
func (h *Headers) Contacts() ([]*NameAddr, error) {
	var out []*NameAddr
	for _, value := range h.GetAll("Contact") {
		if strings.TrimSpace(value) == "*" {
			return []*NameAddr{{}}, nil
		}
		for _, elem := range SplitList(value) {
			na, err := ParseNameAddr(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, na)
		}
	}
	return out, nil
}

// Expires returns the Expires header value.
func (h *Headers) Expires() (int, bool) {
	v := strings.TrimSpace(h.Get("Expires"))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ContentType returns the media type without parameters.
func (h *Headers) ContentType() string {
	ct, _, _ := strings.Cut(h.Get("Content-Type"), ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Challenge parses a WWW-Authenticate or Proxy-Authenticate header.
func (h *Headers) Challenge(name string) (*digest.Challenge, error) {
	v := h.Get(name)
	if v == "" {
		return nil, malformed(ErrMissingHeader, "%s", name)
	}
	chal, err := digest.ParseChallenge(v)
	if err != nil {
		return nil, malformed(ErrInvalidHeader, "%s: %v", name, err)
	}
	return chal, nil
}

// Credentials parses an Authorization or Proxy-Authorization header.
func (h *Headers) Credentials(name string) (*digest.Credentials, error) {
	v := h.Get(name)
	if v == "" {
		return nil, malformed(ErrMissingHeader, "%s", name)
	}
	cred, err := digest.ParseCredentials(v)
	if err != nil {
		return nil, malformed(ErrInvalidHeader, "%s: %v", name, err)
	}
	return cred, nil
}
