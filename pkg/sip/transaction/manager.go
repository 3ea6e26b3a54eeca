// Package transaction implements the RFC 3261 transaction layer: INVITE and
// non-INVITE client and server transactions with their retransmission and
// timeout timers.
//
// A Manager and its transactions are not safe for concurrent use. Every call,
// including Handle for inbound messages, must run on the runloop.Loop given
// to NewManager; timers fire on the same loop.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/vphone/pkg/runloop"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// Sender is the part of a transport the transaction layer needs.
type Sender interface {
	Send(ctx context.Context, addr string, msg message.Message) error
	Reliable() bool
}

// Config configures a Manager.
type Config struct {
	Timers      Timers
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultConfig returns RFC 3261 timers and a 5 second send timeout.
func DefaultConfig() Config {
	return Config{
		Timers:      DefaultTimers(),
		SendTimeout: 5 * time.Second,
	}
}

// Stats counts transaction layer events.
type Stats struct {
	Clients         uint64
	Servers         uint64
	Retransmissions uint64
	Absorbed        uint64
	Unmatched       uint64
	Timeouts        uint64
}

// Manager owns the transactions of one endpoint.
type Manager struct {
	loop        *runloop.Loop
	tp          Sender
	timers      Timers
	sendTimeout time.Duration
	log         *slog.Logger

	clients   map[Key]*Client
	servers   map[Key]*Server
	acks      map[ackKey]*Server
	onRequest func(*Server, *message.Request)
	stats     Stats
}

// NewManager creates a manager that sends through tp and runs on loop.
func NewManager(loop *runloop.Loop, tp Sender, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Timers.T1 <= 0 {
		cfg.Timers.T1 = def.Timers.T1
	}
	if cfg.Timers.T2 <= 0 {
		cfg.Timers.T2 = def.Timers.T2
	}
	if cfg.Timers.T4 <= 0 {
		cfg.Timers.T4 = def.Timers.T4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		loop:        loop,
		tp:          tp,
		timers:      cfg.Timers,
		sendTimeout: cfg.SendTimeout,
		log:         log.With(slog.String("component", "transaction")),
		clients:     make(map[Key]*Client),
		servers:     make(map[Key]*Server),
		acks:        make(map[ackKey]*Server),
	}
}

// Timers returns the timer base values in use.
func (m *Manager) Timers() Timers { return m.timers }

// OnRequest registers the handler for requests that open a new server
// transaction. Retransmissions and ACKs never reach it.
func (m *Manager) OnRequest(fn func(*Server, *message.Request)) { m.onRequest = fn }

// Request starts a client transaction and sends req to dest. Callbacks may be
// registered on the returned Client before control returns to the loop.
func (m *Manager) Request(ctx context.Context, req *message.Request, dest string) (*Client, error) {
	key, err := KeyOf(req)
	if err != nil {
		return nil, err
	}
	if _, exists := m.clients[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTransactionExists, key)
	}
	c := newClient(m, key, req, dest)
	m.clients[key] = c
	m.stats.Clients++
	if err := c.start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Cancel sends CANCEL for an INVITE client transaction that has received a
// provisional response. It returns the CANCEL client transaction.
func (m *Manager) Cancel(ctx context.Context, c *Client) (*Client, error) {
	if !c.invite || c.state != StateProceeding {
		return nil, ErrNotCancelable
	}
	cancel, err := buildCancel(c.req)
	if err != nil {
		return nil, err
	}
	return m.Request(ctx, cancel, c.dest)
}

// FindInvite returns the INVITE server transaction a CANCEL refers to.
func (m *Manager) FindInvite(cancel *message.Request) (*Server, bool) {
	key, err := KeyOf(cancel)
	if err != nil {
		return nil, false
	}
	s, ok := m.servers[Key{Branch: key.Branch, Method: message.MethodInvite}]
	return s, ok
}

// Handle routes an inbound message to its transaction. Responses that match
// no transaction are dropped.
func (m *Manager) Handle(msg message.Message, src transport.Source) {
	key, err := KeyOf(msg)
	if err != nil {
		m.log.Warn("message without transaction key dropped",
			slog.String("from", src.Addr), slog.Any("error", err))
		return
	}

	switch msg := msg.(type) {
	case *message.Response:
		c, ok := m.clients[key]
		if !ok {
			m.stats.Unmatched++
			m.log.Debug("unmatched response dropped",
				slog.String("key", key.String()), slog.Int("status", msg.StatusCode))
			return
		}
		c.receive(msg)

	case *message.Request:
		if msg.Method == message.MethodAck {
			m.handleAck(key, msg)
			return
		}
		if s, ok := m.servers[key]; ok {
			s.receiveRetransmission(msg)
			return
		}
		s := newServer(m, key, msg, src)
		m.servers[key] = s
		m.stats.Servers++
		if m.onRequest == nil {
			_ = s.Respond(message.NewResponse(msg, 501, "").Build())
			return
		}
		m.onRequest(s, msg)
	}
}

func (m *Manager) handleAck(key Key, ack *message.Request) {
	if s, ok := m.servers[key]; ok && s.last != nil && !s.last.IsSuccess() {
		s.receiveAck(ack)
		return
	}
	cseq, err := ack.Headers.CSeq()
	if err == nil {
		if s, ok := m.acks[ackKey{callID: ack.Headers.CallID(), seq: cseq.Seq}]; ok {
			s.receiveAck(ack)
			return
		}
	}
	m.stats.Absorbed++
	m.log.Debug("ACK without transaction absorbed", slog.String("call_id", ack.Headers.CallID()))
}

// Stats returns counters. Must be called on the loop.
func (m *Manager) Stats() Stats { return m.stats }

// Len returns the number of live transactions.
func (m *Manager) Len() int { return len(m.clients) + len(m.servers) }

// Close terminates every transaction without notifying callbacks.
func (m *Manager) Close() {
	for _, c := range m.clients {
		c.onError = nil
		c.terminate()
	}
	for _, s := range m.servers {
		s.onError = nil
		s.terminate()
	}
}

func (m *Manager) send(ctx context.Context, dest string, msg message.Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	return m.tp.Send(ctx, dest, msg)
}

func (m *Manager) removeClient(c *Client) {
	if m.clients[c.key] == c {
		delete(m.clients, c.key)
	}
}

func (m *Manager) removeServer(s *Server) {
	if m.servers[s.key] == s {
		delete(m.servers, s.key)
	}
	for k, v := range m.acks {
		if v == s {
			delete(m.acks, k)
		}
	}
}

// buildCancel строит CANCEL по RFC 3261 9.1: тот же Request-URI, Call-ID,
// From, To, номер CSeq и верхний Via
func buildCancel(req *message.Request) (*message.Request, error) {
	cseq, err := req.Headers.CSeq()
	if err != nil {
		return nil, err
	}
	via, err := req.Headers.TopVia()
	if err != nil {
		return nil, err
	}
	b := message.NewRequest(message.MethodCancel, req.RequestURI.Clone()).
		Via(via).
		Header("From", req.GetHeader("From")).
		Header("To", req.GetHeader("To")).
		CallID(req.Headers.CallID()).
		CSeq(cseq.Seq)
	for _, r := range req.GetHeaders("Route") {
		b.Route(r)
	}
	return b.Build()
}
