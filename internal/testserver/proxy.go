package testserver

import (
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// forward пересылает запрос без состояния: received/rport в верхний Via,
// свой Via сверху, Record-Route для начального INVITE
func (s *Server) forward(req *message.Request, src transport.Source) {
	maxForwards := 70
	if v := strings.TrimSpace(req.GetHeader("Max-Forwards")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxForwards = n
		}
	}
	if maxForwards <= 1 {
		if req.Method != message.MethodAck {
			s.reply(req, src, message.NewResponse(req, 483, "Too Many Hops").Build())
		}
		return
	}

	via, err := req.Headers.TopVia()
	if err != nil {
		s.log.Debug("request without Via dropped", slog.String("method", req.Method))
		return
	}
	req = req.Clone()
	req.SetHeader("Max-Forwards", strconv.Itoa(maxForwards-1))

	host, port, err := net.SplitHostPort(src.Addr)
	if err != nil {
		host = src.Addr
	}
	via.Params.Set("received", host)
	if via.Params.Has("rport") {
		via.Params.Set("rport", port)
	}
	req.Headers.PopVia()
	req.Headers.Prepend("Via", via.String())

	s.popRoute(req)
	dest, code := s.target(req)
	if code != 0 {
		if req.Method != message.MethodAck {
			s.reply(req, src, message.NewResponse(req, code, "").Build())
		}
		return
	}

	if req.Method == message.MethodInvite && req.Headers.ToTag() == "" {
		rr := &message.NameAddr{URI: &message.URI{
			Scheme: "sip",
			Host:   s.host,
			Port:   s.port,
			Params: message.Params{{Name: "lr"}},
		}}
		req.Headers.Prepend("Record-Route", rr.String())
	}
	own := &message.Via{
		Transport: "UDP",
		Host:      s.host,
		Port:      s.port,
		Params:    message.Params{{Name: "branch", Value: proxyBranch(via.Branch())}},
	}
	req.Headers.Prepend("Via", own.String())

	s.log.Debug("forwarding request",
		slog.String("method", req.Method),
		slog.String("dest", dest))
	s.send(dest, req)
}

// popRoute снимает верхний Route, если он указывает на сервер
func (s *Server) popRoute(req *message.Request) {
	var routes []string
	for _, v := range req.GetHeaders("Route") {
		routes = append(routes, message.SplitList(v)...)
	}
	if len(routes) == 0 {
		return
	}
	top, err := message.ParseNameAddr(routes[0])
	if err != nil || !s.isSelf(top.URI) {
		return
	}
	req.RemoveHeader("Route")
	for _, r := range routes[1:] {
		req.AddHeader("Route", r)
	}
}

// target выбирает адрес следующего хопа; для локального домена R-URI
// заменяется контактом из регистрации
func (s *Server) target(req *message.Request) (string, int) {
	if routes := req.GetHeaders("Route"); len(routes) > 0 {
		top, err := message.ParseNameAddr(message.SplitList(routes[0])[0])
		if err != nil {
			return "", 400
		}
		return top.URI.HostPort(), 0
	}
	uri := req.RequestURI
	if !s.isLocal(uri) {
		return uri.HostPort(), 0
	}
	b, ok := s.lookup(uri.User)
	if !ok {
		if _, known := s.cfg.Users[uri.User]; known {
			return "", message.StatusTemporarilyUnavailable
		}
		return "", message.StatusNotFound
	}
	req.RequestURI = b.contact.Clone()
	return b.contact.HostPort(), 0
}
