// Package auth answers SIP digest challenges (RFC 2617 / RFC 7616) and keeps
// per realm credential state so later requests can authenticate without a
// new challenge.
package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/icholy/digest"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// ErrAuthentication is wrapped by *Error.
var ErrAuthentication = errors.New("authentication failed")

// Error reports that the server kept rejecting our credentials.
type Error struct {
	Realm      string
	StatusCode int
	Reason     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed for realm %q: %d %s", e.Realm, e.StatusCode, e.Reason)
}

func (e *Error) Unwrap() error { return ErrAuthentication }

// Credentials are supplied by the provisioning layer.
type Credentials struct {
	Username string
	Password string
}

// Digester computes the challenge response. The default supports MD5,
// SHA-256 and SHA-512-256 as announced by the challenge algorithm.
type Digester interface {
	Digest(chal *digest.Challenge, opts digest.Options) (*digest.Credentials, error)
}

// DigestFunc adapts a function to Digester.
type DigestFunc func(chal *digest.Challenge, opts digest.Options) (*digest.Credentials, error)

func (f DigestFunc) Digest(chal *digest.Challenge, opts digest.Options) (*digest.Credentials, error) {
	return f(chal, opts)
}

// DefaultDigester uses github.com/icholy/digest.
var DefaultDigester Digester = DigestFunc(digest.Digest)

type cacheKey struct {
	realm    string
	identity string
}

// entry is the material cached for one (realm, identity).
type entry struct {
	chal   *digest.Challenge
	header string // Authorization or Proxy-Authorization
	count  int    // last nonce-count used
	cnonce string
}

// Cache keeps credential state per (realm, identity). It is owned by one
// endpoint and, like the rest of the endpoint state, is only touched from
// that endpoint's run loop.
type Cache struct {
	entries map[cacheKey]*entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]*entry)}
}

// NonceCount returns the last nonce-count used for realm and identity.
func (c *Cache) NonceCount(realm, identity string) int {
	if e, ok := c.entries[cacheKey{realm, identity}]; ok {
		return e.count
	}
	return 0
}

// Attempt tracks the challenges seen by one logical request.
type Attempt struct {
	challenged   bool
	staleRetried bool
}

// Authorizer answers challenges for one identity.
type Authorizer struct {
	identity  string
	creds     Credentials
	cache     *Cache
	digester  Digester
	lastRealm string
	log       *slog.Logger
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithDigester replaces the hash implementation.
func WithDigester(d Digester) Option {
	return func(a *Authorizer) { a.digester = d }
}

// WithCache shares a cache between authorizers of the same identity.
func WithCache(c *Cache) Option {
	return func(a *Authorizer) { a.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authorizer) { a.log = l }
}

// NewAuthorizer creates an authorizer for identity using creds.
func NewAuthorizer(identity string, creds Credentials, opts ...Option) *Authorizer {
	a := &Authorizer{
		identity: identity,
		creds:    creds,
		cache:    NewCache(),
		digester: DefaultDigester,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With(slog.String("component", "auth"), slog.String("identity", identity))
	return a
}

// Cache returns the credential cache.
func (a *Authorizer) Cache() *Cache { return a.cache }

// Challenge consumes a 401/407 for req and returns the request to resubmit.
// The returned request is a copy; the caller assigns CSeq and branch.
// The first challenge of an attempt is always answered; a further challenge
// is answered once more only when it carries stale=true.
func (a *Authorizer) Challenge(at *Attempt, req *message.Request, res *message.Response) (*message.Request, error) {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == message.StatusProxyAuthRequired {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	chal, err := res.Headers.Challenge(challengeHeader)
	if err != nil {
		return nil, &Error{StatusCode: res.StatusCode, Reason: err.Error()}
	}

	switch {
	case !at.challenged:
		at.challenged = true
	case chal.Stale && !at.staleRetried:
		at.staleRetried = true
		a.log.Debug("stale nonce, retrying once", slog.String("realm", chal.Realm))
	default:
		a.Invalidate(chal.Realm)
		return nil, &Error{Realm: chal.Realm, StatusCode: res.StatusCode, Reason: res.ReasonPhrase}
	}

	if !digest.CanDigest(chal) {
		return nil, &Error{Realm: chal.Realm, StatusCode: res.StatusCode,
			Reason: fmt.Sprintf("unsupported algorithm %q", chal.Algorithm)}
	}

	key := cacheKey{realm: chal.Realm, identity: a.identity}
	e, ok := a.cache.entries[key]
	if !ok || e.chal.Nonce != chal.Nonce {
		// свежий nonce: счетчик и cnonce начинаются заново
		e = &entry{cnonce: newCnonce()}
		a.cache.entries[key] = e
	}
	e.chal = chal
	e.header = authHeader
	a.lastRealm = chal.Realm

	// прежние учетные данные не переиспользуются с тем же nc: заголовок
	// для ответа на challenge заменяется, другой подписывается заново
	out := req.Clone()
	out.Headers.Remove(authHeader)
	if other := pairedHeader(authHeader); out.Headers.Has(other) {
		out.Headers.Remove(other)
		if prev := a.signedWith(req, other); prev != nil {
			if err := a.sign(out, prev); err != nil {
				return nil, err
			}
		}
	}
	if err := a.sign(out, e); err != nil {
		return nil, err
	}
	return out, nil
}

func pairedHeader(header string) string {
	if header == "Authorization" {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// signedWith ищет в кеше запись, которой подписан header запроса
func (a *Authorizer) signedWith(req *message.Request, header string) *entry {
	cred, err := req.Headers.Credentials(header)
	if err != nil {
		return nil
	}
	e, ok := a.cache.entries[cacheKey{realm: cred.Realm, identity: a.identity}]
	if !ok || e.header != header {
		return nil
	}
	return e
}

// Apply adds cached credentials to req without waiting for a challenge.
// It reports false when nothing is cached.
func (a *Authorizer) Apply(req *message.Request) (bool, error) {
	if a.lastRealm == "" {
		return false, nil
	}
	e, ok := a.cache.entries[cacheKey{realm: a.lastRealm, identity: a.identity}]
	if !ok {
		return false, nil
	}
	return true, a.sign(req, e)
}

// Invalidate drops cached material so the next request is challenged afresh.
func (a *Authorizer) Invalidate(realm string) {
	delete(a.cache.entries, cacheKey{realm: realm, identity: a.identity})
	if a.lastRealm == realm {
		a.lastRealm = ""
	}
}

func (a *Authorizer) sign(req *message.Request, e *entry) error {
	e.count++
	cred, err := a.digester.Digest(e.chal, digest.Options{
		Method:   req.Method,
		URI:      req.RequestURI.String(),
		Username: a.creds.Username,
		Password: a.creds.Password,
		Count:    e.count,
		Cnonce:   e.cnonce,
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(req.Body())), nil
		},
	})
	if err != nil {
		return &Error{Realm: e.chal.Realm, Reason: err.Error()}
	}
	req.Headers.Set(e.header, cred.String())
	a.log.Debug("signed request",
		slog.String("method", req.Method),
		slog.String("realm", e.chal.Realm),
		slog.Int("nc", e.count))
	return nil
}

func newCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
