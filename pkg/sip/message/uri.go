package message

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URI represents a sip:, sips: or tel: URI.
type URI struct {
	Scheme   string // "sip", "sips", "tel"
	User     string
	Password string
	Host     string
	Port     int // 0 means default
	Params   Params
	Headers  Params
}

// ParseURI parses a SIP URI.
func ParseURI(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, malformed(ErrInvalidURI, "empty URI")
	}

	schemeEnd := strings.Index(s, ":")
	if schemeEnd < 0 {
		return nil, malformed(ErrInvalidURI, "missing scheme in %q", s)
	}

	u := &URI{Scheme: strings.ToLower(s[:schemeEnd])}
	rest := s[schemeEnd+1:]

	switch u.Scheme {
	case "tel":
		if i := strings.Index(rest, ";"); i >= 0 {
			u.Params = parseParams(rest[i+1:], ';')
			rest = rest[:i]
		}
		if rest == "" {
			return nil, malformed(ErrInvalidURI, "empty tel number")
		}
		u.User = rest
		return u, nil
	case "sip", "sips":
	default:
		return nil, malformed(ErrInvalidURI, "unsupported scheme %q", u.Scheme)
	}

	if i := strings.Index(rest, "?"); i >= 0 {
		u.Headers = parseParams(rest[i+1:], '&')
		rest = rest[:i]
	}

	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if c := strings.Index(userinfo, ":"); c >= 0 {
			u.User = userinfo[:c]
			u.Password = userinfo[c+1:]
		} else {
			u.User = userinfo
		}
		if dec, err := url.PathUnescape(u.User); err == nil {
			u.User = dec
		}
	}

	if i := strings.Index(rest, ";"); i >= 0 {
		u.Params = parseParams(rest[i+1:], ';')
		rest = rest[:i]
	}

	if rest == "" {
		return nil, malformed(ErrInvalidURI, "missing host in %q", s)
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return nil, malformed(ErrInvalidURI, "unterminated IPv6 host in %q", s)
		}
		u.Host = rest[1:end]
		rest = rest[end+1:]
		if strings.HasPrefix(rest, ":") {
			port, err := strconv.Atoi(rest[1:])
			if err != nil || port <= 0 || port > 65535 {
				return nil, malformed(ErrInvalidURI, "bad port in %q", s)
			}
			u.Port = port
		}
		return u, nil
	}

	host, portStr, found := strings.Cut(rest, ":")
	u.Host = host
	if found {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, malformed(ErrInvalidURI, "bad port in %q", s)
		}
		u.Port = port
	}
	return u, nil
}

// MustParseURI panics on error. Intended for constants and tests.
func MustParseURI(s string) *URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String formats the URI.
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	if u.Scheme == "tel" {
		b.WriteString(u.User)
		b.WriteString(u.Params.String(';'))
		return b.String()
	}
	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteByte(':')
			b.WriteString(u.Password)
		}
		b.WriteByte('@')
	}
	if strings.Contains(u.Host, ":") {
		b.WriteString("[" + u.Host + "]")
	} else {
		b.WriteString(u.Host)
	}
	if u.Port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteString(u.Params.String(';'))
	if len(u.Headers) > 0 {
		h := u.Headers.String('&')
		b.WriteString("?" + h[1:])
	}
	return b.String()
}

// Clone returns a deep copy.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	c := *u
	c.Params = u.Params.Clone()
	c.Headers = u.Headers.Clone()
	return &c
}

// DefaultPort returns 5061 for sips and 5060 otherwise.
func (u *URI) DefaultPort() int {
	if u.Scheme == "sips" {
		return 5061
	}
	return 5060
}

// HostPort returns host:port with the default port filled in.
func (u *URI) HostPort() string {
	port := u.Port
	if port == 0 {
		port = u.DefaultPort()
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}

// AOR returns the address-of-record form (scheme, user and host only).
func (u *URI) AOR() string {
	if u.Scheme == "tel" {
		return "tel:" + u.User
	}
	if u.User == "" {
		return u.Scheme + ":" + u.Host
	}
	return u.Scheme + ":" + u.User + "@" + u.Host
}
