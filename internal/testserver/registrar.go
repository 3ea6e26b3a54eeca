package testserver

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

type binding struct {
	contact *message.URI
	expires time.Time
}

// Binding returns the registered contact of user.
func (s *Server) Binding(user string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.lookup(user)
	if !ok {
		return "", false
	}
	return b.contact.String(), true
}

func (s *Server) lookup(user string) (binding, bool) {
	b, ok := s.bindings[user]
	if !ok {
		return binding{}, false
	}
	if time.Now().After(b.expires) {
		delete(s.bindings, user)
		return binding{}, false
	}
	return b, true
}

func (s *Server) register(req *message.Request, src transport.Source) {
	if !s.authorize(req, src) {
		return
	}
	to, err := req.Headers.To()
	if err != nil {
		s.reply(req, src, message.NewResponse(req, 400, "Bad To").Build())
		return
	}
	user := to.URI.User
	contacts, err := req.Headers.Contacts()
	if err != nil {
		s.reply(req, src, message.NewResponse(req, 400, "Bad Contact").Build())
		return
	}

	expires := expiresOf(req, s.cfg.MaxExpires, s.cfg.MaxExpires)
	rb := message.NewResponse(req, message.StatusOK, "").ToTag(message.NewTag())
	for _, c := range contacts {
		ttl := expires
		if v, ok := c.Params.Get("expires"); ok {
			if secs, err := strconv.Atoi(v); err == nil {
				ttl = min(time.Duration(secs)*time.Second, s.cfg.MaxExpires)
			}
		}
		if ttl <= 0 || c.URI == nil {
			delete(s.bindings, user)
			s.log.Info("binding removed", slog.String("user", user))
			continue
		}
		s.bindings[user] = binding{contact: c.URI.Clone(), expires: time.Now().Add(ttl)}
		granted := c.Clone()
		granted.Params.Set("expires", strconv.Itoa(int(ttl/time.Second)))
		rb.Header("Contact", granted.String())
		s.log.Info("binding added", slog.String("user", user), slog.String("contact", c.URI.String()))
	}
	rb.Header("Expires", strconv.Itoa(int(expires/time.Second)))
	s.reply(req, src, rb.Build())
	s.notifyWatchers(user)
}
