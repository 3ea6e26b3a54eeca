package testserver

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// watcher подписка на presence пользователя target
type watcher struct {
	callID   string
	localTag string
	remote   *message.NameAddr
	contact  *message.URI
	target   string
	seq      uint32
	expires  time.Time
}

type publication struct {
	etag    string
	status  presence.Status
	expires time.Time
}

func watcherKey(callID, subscriberTag string) string {
	return callID + "/" + subscriberTag
}

// Watchers returns the number of active subscriptions to user.
func (s *Server) Watchers(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.watchers {
		if w.target == user && time.Now().Before(w.expires) {
			n++
		}
	}
	return n
}

// Published returns the status user has published.
func (s *Server) Published(user string) (presence.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.published[user]
	if !ok || time.Now().After(p.expires) {
		return "", false
	}
	return p.status, true
}

// DropPublication forgets the published state of user, so the next refresh
// gets 412.
func (s *Server) DropPublication(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.published, user)
}

func (s *Server) subscribe(req *message.Request, src transport.Source) {
	if !s.authorize(req, src) {
		return
	}
	if eventPackage(req) != presence.EventPresence {
		s.reply(req, src, message.NewResponse(req, 489, "Bad Event").
			Header("Allow-Events", presence.EventPresence).
			Build())
		return
	}
	from, err := req.Headers.From()
	if err != nil {
		s.reply(req, src, message.NewResponse(req, 400, "Bad From").Build())
		return
	}

	key := watcherKey(req.Headers.CallID(), from.Tag())
	w, ok := s.watchers[key]
	switch {
	case !ok && req.Headers.ToTag() != "":
		s.reply(req, src, message.NewResponse(req, message.StatusCallDoesNotExist, "").Build())
		return
	case !ok:
		if req.RequestURI.User == "" {
			s.reply(req, src, message.NewResponse(req, message.StatusNotFound, "").Build())
			return
		}
		w = &watcher{
			callID:   req.Headers.CallID(),
			localTag: message.NewTag(),
			remote:   from,
			target:   req.RequestURI.User,
		}
		s.watchers[key] = w
	}
	if contacts, err := req.Headers.Contacts(); err == nil && len(contacts) > 0 && contacts[0].URI != nil {
		w.contact = contacts[0].URI.Clone()
	}
	if w.contact == nil {
		delete(s.watchers, key)
		s.reply(req, src, message.NewResponse(req, 400, "Missing Contact").Build())
		return
	}

	expires := expiresOf(req, presence.DefaultExpires, s.cfg.MaxExpires)
	accepted := message.NewResponse(req, message.StatusAccepted, "").
		ToTag(w.localTag).
		Contact(s.contact()).
		Header("Expires", strconv.Itoa(int(expires/time.Second))).
		Build()

	if expires <= 0 {
		s.reply(req, src, accepted)
		w.expires = time.Now()
		s.sendNotify(w, presence.SubscriptionTerminated)
		delete(s.watchers, key)
		s.log.Info("subscription terminated", slog.String("target", w.target))
		return
	}
	w.expires = time.Now().Add(expires)
	s.log.Info("subscription accepted",
		slog.String("target", w.target),
		slog.Duration("expires", expires))
	if s.cfg.NotifyFirst {
		s.sendNotify(w, presence.SubscriptionActive)
		s.reply(req, src, accepted)
		return
	}
	s.reply(req, src, accepted)
	s.sendNotify(w, presence.SubscriptionActive)
}

// sendNotify отправляет NOTIFY с текущим статусом в диалоге подписки
func (s *Server) sendNotify(w *watcher, state presence.SubscriptionState) {
	w.seq++
	entity := &message.URI{Scheme: "sip", User: w.target, Host: s.host}
	req, err := message.NewRequest(message.MethodNotify, w.contact.Clone()).
		Via(s.via()).
		From(&message.NameAddr{URI: entity, Params: message.Params{{Name: "tag", Value: w.localTag}}}).
		To(w.remote).
		CallID(w.callID).
		CSeq(w.seq).
		Contact(s.contact()).
		Header("Event", presence.EventPresence).
		Header("Subscription-State", presence.SubscriptionStateHeader(state, time.Until(w.expires))).
		Body(presence.ContentType, presence.Document(entity.String(), s.statusOf(w.target))).
		Build()
	if err != nil {
		s.log.Warn("failed to build NOTIFY", slog.Any("error", err))
		return
	}
	s.send(w.contact.HostPort(), req)
}

func (s *Server) notifyWatchers(user string) {
	now := time.Now()
	for key, w := range s.watchers {
		if w.target != user {
			continue
		}
		if now.After(w.expires) {
			delete(s.watchers, key)
			continue
		}
		s.sendNotify(w, presence.SubscriptionActive)
	}
}

func (s *Server) publish(req *message.Request, src transport.Source) {
	if !s.authorize(req, src) {
		return
	}
	if eventPackage(req) != presence.EventPresence {
		s.reply(req, src, message.NewResponse(req, 489, "Bad Event").Build())
		return
	}
	user := req.RequestURI.User
	pub, ok := s.published[user]
	if ok && time.Now().After(pub.expires) {
		delete(s.published, user)
		pub, ok = nil, false
	}
	if match := req.GetHeader("SIP-If-Match"); match != "" && (!ok || pub.etag != match) {
		s.reply(req, src, message.NewResponse(req, message.StatusConditionalRequestFail, "").Build())
		return
	}

	expires := expiresOf(req, presence.DefaultExpires, s.cfg.MaxExpires)
	if expires <= 0 {
		delete(s.published, user)
		s.reply(req, src, message.NewResponse(req, message.StatusOK, "").Build())
		s.notifyWatchers(user)
		return
	}

	var status presence.Status
	switch {
	case len(req.Body()) > 0:
		n, err := presence.ParseDocument(req.Body())
		if err != nil {
			s.reply(req, src, message.NewResponse(req, 400, "Bad Document").Build())
			return
		}
		status = n.Status
	case ok:
		status = pub.status
	default:
		s.reply(req, src, message.NewResponse(req, 400, "Missing Document").Build())
		return
	}

	pub = &publication{etag: message.NewTag(), status: status, expires: time.Now().Add(expires)}
	s.published[user] = pub
	s.reply(req, src, message.NewResponse(req, message.StatusOK, "").
		Header("SIP-ETag", pub.etag).
		Header("Expires", strconv.Itoa(int(expires/time.Second))).
		Build())
	s.log.Info("presence published", slog.String("user", user), slog.String("status", string(status)))
	s.notifyWatchers(user)
}
