// Package stack wires one SIP identity's transport, transaction manager and
// dialog registry to a single run loop. Inbound messages, transaction timers
// and everything the endpoint layer does with SIP state run on that loop.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/arzzra/vphone/pkg/runloop"
	"github.com/arzzra/vphone/pkg/sip/auth"
	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/resolver"
	"github.com/arzzra/vphone/pkg/sip/transaction"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// Allow is advertised in requests and OPTIONS answers.
const Allow = "INVITE, ACK, CANCEL, BYE, REFER, OPTIONS, NOTIFY, SUBSCRIBE, INFO, UPDATE, MESSAGE"

var (
	// ErrNotStarted is returned before Start succeeded.
	ErrNotStarted = errors.New("stack not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("stack already started")
)

// Config contains stack configuration.
type Config struct {
	// Network is "udp", "tcp" or "tls".
	Network string
	// ListenAddr is the local signaling address; port 0 picks a free one.
	ListenAddr string
	// User is the user part of the Contact URI.
	User string
	// ContactHost overrides the host advertised in Contact and Via.
	ContactHost string
	UserAgent   string

	Transport   transport.Config
	Transaction transaction.Config
	Resolver    *resolver.Resolver
	Logger      *slog.Logger
}

// DefaultConfig returns a UDP stack on a random loopback port.
func DefaultConfig() Config {
	return Config{
		Network:     "udp",
		ListenAddr:  "127.0.0.1:0",
		UserAgent:   "vphone/1.0",
		Transport:   transport.DefaultConfig(),
		Transaction: transaction.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Network {
	case "udp", "tcp", "tls":
	default:
		return fmt.Errorf("%w: %q", transport.ErrUnsupportedNetwork, c.Network)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	return nil
}

// RequestHandler receives requests that open a server transaction. d is the
// matched dialog for in-dialog requests and nil otherwise. It runs on the loop.
type RequestHandler func(tx *transaction.Server, req *message.Request, d *dialog.Dialog)

// DialogCreator may create the dialog for an in-dialog request that matches
// no known dialog, such as a NOTIFY that overtook the 2xx to its SUBSCRIBE.
// It returns nil when the request belongs to nothing it started.
type DialogCreator func(req *message.Request) *dialog.Dialog

// Stack is the per-identity SIP stack.
type Stack struct {
	cfg      Config
	log      *slog.Logger
	loop     *runloop.Loop
	tp       transport.Transport
	tx       *transaction.Manager
	dialogs  *dialog.Manager
	resolver *resolver.Resolver

	contact *message.NameAddr
	via     message.Via
	handler RequestHandler
	creator DialogCreator
	started atomic.Bool
	stopped atomic.Bool
	runDone chan struct{}
}

// New creates a stack. Nothing is bound until Start.
func New(cfg Config) (*Stack, error) {
	def := DefaultConfig()
	if cfg.Network == "" {
		cfg.Network = def.Network
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg.Transport.Logger = log
	cfg.Transaction.Logger = log
	res := cfg.Resolver
	if res == nil {
		res = &resolver.Resolver{Logger: log}
	}

	tp, err := transport.New(cfg.Network, cfg.Transport)
	if err != nil {
		return nil, err
	}
	loop := runloop.New()
	s := &Stack{
		cfg:      cfg,
		log:      log.With(slog.String("component", "stack")),
		loop:     loop,
		tp:       tp,
		tx:       transaction.NewManager(loop, tp, cfg.Transaction),
		dialogs:  dialog.NewManager(log),
		resolver: res,
		runDone:  make(chan struct{}),
	}
	s.tx.OnRequest(s.dispatch)
	return s, nil
}

// OnRequest sets the handler for new requests. Must be called before Start.
func (s *Stack) OnRequest(h RequestHandler) { s.handler = h }

// OnUnknownDialog sets the creator consulted before an in-dialog request for
// an unknown dialog is answered with 481. Must be called before Start.
func (s *Stack) OnUnknownDialog(c DialogCreator) { s.creator = c }

// Start binds the transport and runs the loop until Stop or ctx is done.
func (s *Stack) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return transport.ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := s.tp.Listen(s.cfg.ListenAddr); err != nil {
		s.started.Store(false)
		return err
	}

	host, portStr, _ := net.SplitHostPort(s.tp.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)
	if s.cfg.ContactHost != "" {
		host = s.cfg.ContactHost
	}
	scheme := "sip"
	if s.cfg.Network == "tls" {
		scheme = "sips"
	}
	uri := &message.URI{Scheme: scheme, User: s.cfg.User, Host: host, Port: port}
	if s.cfg.Network != "udp" {
		uri.Params.Set("transport", s.cfg.Network)
	}
	s.contact = &message.NameAddr{URI: uri}
	s.via = message.Via{Transport: transportToken(s.cfg.Network), Host: host, Port: port}

	s.tp.OnMessage(func(msg message.Message, src transport.Source) {
		s.loop.Post(func() { s.tx.Handle(msg, src) })
	})
	go func() {
		defer close(s.runDone)
		_ = s.loop.Run(ctx)
	}()

	s.log.Info("stack started",
		slog.String("network", s.cfg.Network),
		slog.String("addr", s.tp.LocalAddr().String()))
	return nil
}

// Stop terminates transactions, stops the loop and closes the transport.
func (s *Stack) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !s.started.Load() {
		return s.tp.Close()
	}
	_ = s.loop.Do(context.Background(), s.tx.Close)
	s.loop.Close()
	<-s.runDone
	err := s.tp.Close()
	s.log.Info("stack stopped")
	return err
}

// Loop returns the run loop every SIP callback runs on.
func (s *Stack) Loop() *runloop.Loop { return s.loop }

// Transactions returns the transaction manager. Loop only.
func (s *Stack) Transactions() *transaction.Manager { return s.tx }

// Dialogs returns the dialog registry. Loop only.
func (s *Stack) Dialogs() *dialog.Manager { return s.dialogs }

// Network returns the transport network.
func (s *Stack) Network() string { return s.cfg.Network }

// UserAgent returns the User-Agent value.
func (s *Stack) UserAgent() string { return s.cfg.UserAgent }

// LocalAddr returns the bound signaling address.
func (s *Stack) LocalAddr() net.Addr { return s.tp.LocalAddr() }

// TransportStats returns transport counters.
func (s *Stack) TransportStats() transport.Stats { return s.tp.Stats() }

// Contact returns a copy of the local Contact.
func (s *Stack) Contact() *message.NameAddr {
	if s.contact == nil {
		return nil
	}
	return s.contact.Clone()
}

// Via returns a Via for a new client transaction.
func (s *Stack) Via() *message.Via {
	via := s.via
	via.Params = message.Params{{Name: "branch", Value: message.NewBranch()}, {Name: "rport"}}
	return &via
}

// Resolve turns a server URI into a transport address, using DNS SRV for
// names without an explicit port. It may block and must not run on the loop.
func (s *Stack) Resolve(ctx context.Context, uri *message.URI) (string, error) {
	host, port := uri.Host, uri.Port
	if maddr, ok := uri.Params.Get("maddr"); ok && maddr != "" {
		host = maddr
	}
	targets, err := s.resolver.Resolve(ctx, host, port, s.cfg.Network)
	if err != nil {
		return "", err
	}
	return targets[0].Addr(), nil
}

func (s *Stack) dispatch(tx *transaction.Server, req *message.Request) {
	d, err := s.dialogs.MatchRequest(req)
	if errors.Is(err, dialog.ErrDialogNotFound) && s.creator != nil {
		if d = s.creator(req); d != nil {
			s.dialogs.Add(d)
			err = nil
		}
	}
	if errors.Is(err, dialog.ErrDialogNotFound) {
		s.log.Debug("request for unknown dialog",
			slog.String("method", req.Method),
			slog.String("call_id", req.Headers.CallID()))
		s.Reply(tx, message.StatusCallDoesNotExist, "")
		return
	}
	if d != nil {
		if err := d.ReceiveRequest(req); err != nil {
			s.log.Warn("in-dialog request rejected",
				slog.String("method", req.Method), slog.Any("error", err))
			s.Reply(tx, message.StatusServerInternalError, "CSeq Out Of Order")
			return
		}
	}
	if s.handler == nil {
		s.Reply(tx, 501, "")
		return
	}
	s.handler(tx, req, d)
}

// Reply answers tx with a body-less response.
func (s *Stack) Reply(tx *transaction.Server, code int, reason string) {
	res := message.NewResponse(tx.Request(), code, reason).
		Header("User-Agent", s.cfg.UserAgent).
		Build()
	if err := tx.Respond(res); err != nil {
		s.log.Debug("failed to respond",
			slog.Int("status", code), slog.Any("error", err))
	}
}

// Exchange describes one outgoing request. Responses and errors are
// delivered on the loop.
type Exchange struct {
	Request *message.Request
	Dest    string
	// Auth answers 401/407 challenges; nil surfaces them as responses.
	Auth *auth.Authorizer
	// Dialog supplies the CSeq of retried in-dialog requests.
	Dialog *dialog.Dialog
	// OnResubmit sees every request resent with credentials, after it got
	// its new CSeq and branch.
	OnResubmit func(req *message.Request)

	OnResponse func(c *transaction.Client, res *message.Response)
	OnError    func(err error)
}

// Send starts ex on the loop. A challenged request is resubmitted with
// credentials as a new transaction; OnResponse then sees the new client.
func (s *Stack) Send(ctx context.Context, ex *Exchange) (*transaction.Client, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	return s.send(ctx, ex, ex.Request, &auth.Attempt{})
}

func (s *Stack) send(ctx context.Context, ex *Exchange, req *message.Request, at *auth.Attempt) (*transaction.Client, error) {
	c, err := s.tx.Request(ctx, req, ex.Dest)
	if err != nil {
		return nil, err
	}
	c.OnError(func(err error) {
		if ex.OnError != nil {
			ex.OnError(err)
		}
	})
	c.OnResponse(func(res *message.Response) {
		challenged := res.StatusCode == message.StatusUnauthorized ||
			res.StatusCode == message.StatusProxyAuthRequired
		if !challenged || ex.Auth == nil {
			if ex.OnResponse != nil {
				ex.OnResponse(c, res)
			}
			return
		}
		retry, err := ex.Auth.Challenge(at, req, res)
		if err == nil {
			err = s.prepareRetry(ex, retry)
		}
		if err == nil && ex.OnResubmit != nil {
			ex.OnResubmit(retry)
		}
		if err == nil {
			_, err = s.send(context.Background(), ex, retry, at)
		}
		if err != nil && ex.OnError != nil {
			ex.OnError(err)
		}
	})
	return c, nil
}

// prepareRetry gives a resubmitted request a new branch and the next CSeq.
func (s *Stack) prepareRetry(ex *Exchange, req *message.Request) error {
	cseq, err := req.Headers.CSeq()
	if err != nil {
		return err
	}
	if ex.Dialog != nil {
		cseq.Seq = ex.Dialog.NextSeq()
	} else {
		cseq.Seq++
	}
	req.Headers.Set("CSeq", cseq.String())

	via, err := req.Headers.TopVia()
	if err != nil {
		return err
	}
	via.Params.Set("branch", message.NewBranch())
	req.Headers.PopVia()
	req.Headers.Prepend("Via", via.String())
	return nil
}

// Roundtrip lets prepare fill an exchange on the loop, sends it and waits
// for the final response. Callbacks set by prepare run on the loop before
// Roundtrip returns. Must not be called from the loop.
func (s *Stack) Roundtrip(ctx context.Context, prepare func(ex *Exchange) error) (*message.Response, error) {
	type result struct {
		res *message.Response
		err error
	}
	done := make(chan result, 1)
	finish := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	err := s.loop.Do(ctx, func() {
		ex := &Exchange{}
		if err := prepare(ex); err != nil {
			finish(result{err: err})
			return
		}
		onResponse, onError := ex.OnResponse, ex.OnError
		ex.OnResponse = func(c *transaction.Client, res *message.Response) {
			if onResponse != nil {
				onResponse(c, res)
			}
			if res.StatusCode >= 200 {
				finish(result{res: res})
			}
		}
		ex.OnError = func(err error) {
			if onError != nil {
				onError(err)
			}
			finish(result{err: err})
		}
		if _, err := s.Send(ctx, ex); err != nil {
			finish(result{err: err})
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.loop.Done():
		return nil, runloop.ErrClosed
	}
}

func transportToken(network string) string {
	switch network {
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	}
	return "UDP"
}
