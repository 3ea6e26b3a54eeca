// Package testserver is an in-process SIP registrar, stateless proxy and
// presence agent. Endpoint scenario tests register, call and subscribe
// through it exactly as they would through a real server.
package testserver

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// Config describes the server.
type Config struct {
	ListenAddr string
	Realm      string
	// Domain is accepted in request URIs in addition to the listen host.
	Domain string
	// Users maps user names to passwords.
	Users map[string]string
	// AuthMethods are challenged; other requests pass unauthenticated.
	AuthMethods []string
	// NonceTTL bounds nonce validity; requests with an older nonce get a
	// stale challenge. Zero keeps nonces valid forever.
	NonceTTL   time.Duration
	MaxExpires time.Duration
	// NotifyFirst sends the initial NOTIFY of a subscription before the
	// 202 to its SUBSCRIBE.
	NotifyFirst bool
	Logger      *slog.Logger
}

// DefaultConfig listens on loopback and challenges REGISTER, SUBSCRIBE and
// PUBLISH.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  "127.0.0.1:0",
		Realm:       "vphone.test",
		Users:       map[string]string{},
		AuthMethods: []string{message.MethodRegister, message.MethodSubscribe, message.MethodPublish},
		MaxExpires:  time.Hour,
	}
}

type cachedResponse struct {
	res *message.Response
	at  time.Time
}

// Server is a running test server.
type Server struct {
	cfg  Config
	log  *slog.Logger
	tp   transport.Transport
	host string
	port int

	mu         sync.Mutex
	bindings   map[string]binding
	nonces     map[string]*nonce
	challenges map[string]int
	requests   map[string]int
	answered   map[string]cachedResponse
	published  map[string]*publication
	watchers   map[string]*watcher
	bodies     map[string][]byte
}

// Start binds the server and starts serving.
func Start(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Realm == "" {
		cfg.Realm = def.Realm
	}
	if cfg.AuthMethods == nil {
		cfg.AuthMethods = def.AuthMethods
	}
	if cfg.MaxExpires <= 0 {
		cfg.MaxExpires = def.MaxExpires
	}
	if cfg.Users == nil {
		cfg.Users = def.Users
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	tcfg := transport.DefaultConfig()
	tcfg.Logger = log
	tp, err := transport.New("udp", tcfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		log:        log.With(slog.String("component", "testserver")),
		tp:         tp,
		bindings:   make(map[string]binding),
		nonces:     make(map[string]*nonce),
		challenges: make(map[string]int),
		requests:   make(map[string]int),
		answered:   make(map[string]cachedResponse),
		published:  make(map[string]*publication),
		watchers:   make(map[string]*watcher),
		bodies:     make(map[string][]byte),
	}
	tp.OnMessage(s.handle)
	if err := tp.Listen(cfg.ListenAddr); err != nil {
		return nil, err
	}
	addr := tp.LocalAddr().(*net.UDPAddr)
	s.host, s.port = addr.IP.String(), addr.Port
	s.log.Info("test server started", slog.String("addr", s.Addr()))
	return s, nil
}

// Addr returns host:port of the server.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Close stops the server.
func (s *Server) Close() error {
	return s.tp.Close()
}

// Challenges returns how many 401 challenges were sent for method.
func (s *Server) Challenges(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenges[method]
}

// Requests returns how many requests with method arrived, retransmissions
// included.
func (s *Server) Requests(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

// LastBody returns the body of the last request with method (status 0) or
// of the last response with status to method that passed the server.
func (s *Server) LastBody(method string, status int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bodies[bodyKey(method, status)])
}

func bodyKey(method string, status int) string {
	return method + "/" + strconv.Itoa(status)
}

func (s *Server) handle(msg message.Message, src transport.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m := msg.(type) {
	case *message.Request:
		s.handleRequest(m, src)
	case *message.Response:
		s.handleResponse(m)
	}
}

func (s *Server) handleRequest(req *message.Request, src transport.Source) {
	s.requests[req.Method]++
	if len(req.Body()) > 0 {
		s.bodies[bodyKey(req.Method, 0)] = req.Body()
	}
	key := transactionKey(req)
	if cached, ok := s.answered[key]; ok {
		// ACK на наш финальный ответ поглощается, повтор запроса получает тот же ответ
		if req.Method != message.MethodAck {
			s.send(src.Addr, cached.res)
		}
		return
	}

	switch {
	case req.Method == message.MethodRegister:
		s.register(req, src)
	case req.Method == message.MethodSubscribe:
		s.subscribe(req, src)
	case req.Method == message.MethodPublish:
		s.publish(req, src)
	case req.Method == message.MethodOptions && req.RequestURI.User == "" && s.isLocal(req.RequestURI):
		s.reply(req, src, message.NewResponse(req, message.StatusOK, "").
			Header("Allow", "REGISTER, SUBSCRIBE, PUBLISH, OPTIONS").
			Build())
	default:
		s.forward(req, src)
	}
}

// handleResponse снимает свой Via и пересылает ответ следующему Via;
// ответы на собственные NOTIFY обрабатываются здесь
func (s *Server) handleResponse(res *message.Response) {
	via, err := res.Headers.TopVia()
	if err != nil || via.Host != s.host || via.Port != s.port {
		s.log.Debug("response not for us dropped", slog.Int("status", res.StatusCode))
		return
	}
	if cseq, err := res.Headers.CSeq(); err == nil && len(res.Body()) > 0 {
		s.bodies[bodyKey(cseq.Method, res.StatusCode)] = res.Body()
	}
	res = res.Clone()
	res.Headers.PopVia()
	next, err := res.Headers.TopVia()
	if err != nil {
		s.localResponse(res)
		return
	}
	host, port := next.Host, next.Port
	if r, ok := next.Params.Get("received"); ok && r != "" {
		host = r
	}
	if rp, ok := next.Params.Get("rport"); ok {
		if n, err := strconv.Atoi(rp); err == nil {
			port = n
		}
	}
	if port == 0 {
		port = 5060
	}
	s.send(net.JoinHostPort(host, strconv.Itoa(port)), res)
}

func (s *Server) localResponse(res *message.Response) {
	cseq, _ := res.Headers.CSeq()
	if cseq.Method != message.MethodNotify {
		return
	}
	if res.StatusCode == message.StatusCallDoesNotExist {
		key := watcherKey(res.Headers.CallID(), res.Headers.ToTag())
		delete(s.watchers, key)
		s.log.Debug("watcher gone", slog.String("watcher", key))
	}
}

// reply отправляет ответ источнику запроса и запоминает его для повторов
func (s *Server) reply(req *message.Request, src transport.Source, res *message.Response) {
	now := time.Now()
	for k, c := range s.answered {
		if now.Sub(c.at) > 32*time.Second {
			delete(s.answered, k)
		}
	}
	s.answered[transactionKey(req)] = cachedResponse{res: res, at: now}
	s.send(src.Addr, res)
}

func (s *Server) send(addr string, msg message.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.tp.Send(ctx, addr, msg); err != nil {
		s.log.Warn("send failed", slog.String("addr", addr), slog.Any("error", err))
	}
}

// isLocal сообщает, адресован ли URI домену сервера
func (s *Server) isLocal(uri *message.URI) bool {
	if uri.Port != 0 && uri.Port != s.port {
		return false
	}
	return uri.Host == s.host || (s.cfg.Domain != "" && uri.Host == s.cfg.Domain)
}

func (s *Server) isSelf(uri *message.URI) bool {
	return uri.Host == s.host && uri.Port == s.port
}

func (s *Server) contact() *message.NameAddr {
	return &message.NameAddr{URI: &message.URI{Scheme: "sip", Host: s.host, Port: s.port}}
}

func (s *Server) via() *message.Via {
	return &message.Via{
		Transport: "UDP",
		Host:      s.host,
		Port:      s.port,
		Params:    message.Params{{Name: "branch", Value: message.NewBranch()}},
	}
}

func (s *Server) requiresAuth(method string) bool {
	return slices.Contains(s.cfg.AuthMethods, method)
}

// transactionKey: branch верхнего Via и метод, ACK относится к INVITE
func transactionKey(req *message.Request) string {
	method := req.Method
	if method == message.MethodAck {
		method = message.MethodInvite
	}
	branch := ""
	if via, err := req.Headers.TopVia(); err == nil {
		branch = via.Branch()
	}
	return branch + "/" + method
}

// proxyBranch выводит branch пересылаемого запроса из входящего: повторы и
// CANCEL получают тот же branch, что и INVITE
func proxyBranch(incoming string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(incoming))
	return "z9hG4bK" + strings.ReplaceAll(id.String(), "-", "")
}

func eventPackage(req *message.Request) string {
	event, _, _ := strings.Cut(req.GetHeader("Event"), ";")
	return strings.ToLower(strings.TrimSpace(event))
}

func expiresOf(req *message.Request, def, max time.Duration) time.Duration {
	d := def
	if secs, ok := req.Headers.Expires(); ok {
		d = time.Duration(secs) * time.Second
	}
	if d > max {
		d = max
	}
	return d
}

// statusOf: опубликованный статус, иначе по наличию регистрации
func (s *Server) statusOf(user string) presence.Status {
	if p, ok := s.published[user]; ok && time.Now().Before(p.expires) {
		return p.status
	}
	if b, ok := s.bindings[user]; ok && time.Now().Before(b.expires) {
		return presence.Available
	}
	return presence.NotAvailable
}
