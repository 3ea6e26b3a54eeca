package testserver

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// nonce выданный сервером nonce и последний принятый nc
type nonce struct {
	issued time.Time
	nc     int
}

// ExpireNonces makes every issued nonce stale.
func (s *Server) ExpireNonces() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nonces {
		n.issued = time.Time{}
	}
}

// authorize проверяет Authorization; при неудаче отправляет 401 и
// возвращает false
func (s *Server) authorize(req *message.Request, src transport.Source) bool {
	if !s.requiresAuth(req.Method) {
		return true
	}
	stale := false
	if creds, err := req.Headers.Credentials("Authorization"); err == nil {
		valid, expired := s.verify(req, creds)
		if valid && !expired {
			return true
		}
		stale = valid && expired
	}
	s.challenge(req, src, stale)
	return false
}

func (s *Server) verify(req *message.Request, c *digest.Credentials) (valid, stale bool) {
	n, ok := s.nonces[c.Nonce]
	password, known := s.cfg.Users[c.Username]
	if !ok || !known || c.Realm != s.cfg.Realm {
		return false, false
	}
	chal := &digest.Challenge{
		Realm:     s.cfg.Realm,
		Nonce:     c.Nonce,
		Opaque:    c.Opaque,
		Algorithm: c.Algorithm,
		QOP:       []string{"auth"},
	}
	want, err := digest.Digest(chal, digest.Options{
		Method:   req.Method,
		URI:      c.URI,
		Username: c.Username,
		Password: password,
		Count:    c.Nc,
		Cnonce:   c.Cnonce,
	})
	if err != nil || want.Response != c.Response {
		s.log.Debug("digest mismatch", slog.String("user", c.Username), slog.String("method", req.Method))
		return false, false
	}
	if s.cfg.NonceTTL > 0 && time.Since(n.issued) > s.cfg.NonceTTL {
		return true, true
	}
	// nc должен расти, иначе это повтор
	if c.Nc <= n.nc {
		return false, false
	}
	n.nc = c.Nc
	return true, false
}

func (s *Server) challenge(req *message.Request, src transport.Source, stale bool) {
	value := uuid.NewString()
	s.nonces[value] = &nonce{issued: time.Now()}
	s.challenges[req.Method]++

	chal := &digest.Challenge{
		Realm:     s.cfg.Realm,
		Nonce:     value,
		Algorithm: "MD5",
		QOP:       []string{"auth"},
		Stale:     stale,
	}
	s.reply(req, src, message.NewResponse(req, message.StatusUnauthorized, "").
		Header("WWW-Authenticate", chal.String()).
		Build())
}
