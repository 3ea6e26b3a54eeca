// Package endpoint implements a virtual phone: one SIP identity with
// registration, call and presence state driven by a finite state machine,
// and RTP media sessions started and stopped by that state.
//
// Every action and every inbound message of an Endpoint runs on the run loop
// of its SIP stack, so dialog, credential and subscription state need no
// locks. Media runs on the goroutines of each rtp.Session; the endpoint only
// reads session statistics.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/vphone/pkg/metrics"
	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/rtp"
	"github.com/arzzra/vphone/pkg/runloop"
	"github.com/arzzra/vphone/pkg/sip/auth"
	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/resolver"
	"github.com/arzzra/vphone/pkg/sip/sdp"
	"github.com/arzzra/vphone/pkg/sip/stack"
	"github.com/arzzra/vphone/pkg/sip/transaction"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// State is the endpoint state. Call states mirror the primary call.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateCalling      State = "calling"
	StateRinging      State = "ringing"
	StateInCall       State = "incall"
	StateHold         State = "hold"
	StateTerminating  State = "terminating"
)

func (s State) inCall() bool {
	switch s {
	case StateCalling, StateRinging, StateInCall, StateHold, StateTerminating:
		return true
	}
	return false
}

// FSM events.
const (
	evRegister       = "register"
	evRegistered     = "registered"
	evRegisterFailed = "register_failed"
	evUnregister     = "unregister"
	evDial           = "dial"
	evRing           = "ring"
	evConnect        = "connect"
	evHold           = "hold"
	evResume         = "resume"
	evHangup         = "hangup"
	evIdle           = "idle"
	evOffline        = "offline"
)

// Config describes one virtual phone.
type Config struct {
	// Name is the key under which the endpoint is published in Registry;
	// defaults to User.
	Name        string
	User        string
	Domain      string
	DisplayName string
	Credentials auth.Credentials

	// Server is the registrar and outbound proxy, as host:port or SIP URI.
	// Empty means requests go directly to the target URI.
	Server string

	Network     string
	ListenAddr  string
	ContactHost string

	// Media is the template for every call's RTP session.
	Media  rtp.Config
	Codecs []sdp.Codec

	RegisterExpires  time.Duration
	SubscribeExpires time.Duration
	PublishExpires   time.Duration
	// KeepAlive sends OPTIONS to Server at this interval; 0 disables it.
	KeepAlive time.Duration
	// AutoAnswer answers every offered call immediately.
	AutoAnswer bool

	UserAgent string
	Timers    transaction.Timers

	Registry Registry
	Resolver *resolver.Resolver
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// DefaultConfig returns a UDP phone on loopback with echo media.
func DefaultConfig() Config {
	media := rtp.DefaultConfig()
	media.LocalAddr = "127.0.0.1:0"
	media.Mode = rtp.ModeEcho
	return Config{
		Network:          "udp",
		ListenAddr:       "127.0.0.1:0",
		Media:            media,
		Codecs:           sdp.DefaultCodecs(),
		RegisterExpires:  time.Hour,
		SubscribeExpires: presence.DefaultExpires,
		PublishExpires:   presence.DefaultExpires,
		UserAgent:        "vphone/1.0",
		Timers:           transaction.DefaultTimers(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.User == "" {
		return errors.New("endpoint: user is required")
	}
	if c.RegisterExpires < time.Second {
		return fmt.Errorf("endpoint: register expires %v too short", c.RegisterExpires)
	}
	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("endpoint: media: %w", err)
	}
	return nil
}

// CallInfo describes one live call.
type CallInfo struct {
	CallID    string
	Direction Direction
	State     State
	Remote    string
	Started   time.Time
}

// snapshot is what queries read outside the loop.
type snapshot struct {
	dialogState dialog.State
	calls       []CallInfo
	media       *rtp.Session
}

// Endpoint is one virtual phone.
type Endpoint struct {
	cfg      Config
	log      *slog.Logger
	stack    *stack.Stack
	loop     *runloop.Loop
	metrics  *metrics.Collector
	registry Registry
	authz    *auth.Authorizer
	fsm      *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	// заполняются в Start
	aor        *message.URI
	serverURI  *message.URI
	serverAddr string

	registered atomic.Bool
	closed     atomic.Bool
	snap       atomic.Pointer[snapshot]

	notesMu sync.RWMutex
	notes   map[string]presence.Status

	// только на loop
	reg       registration
	calls     []*call
	lastEnded *call
	subs      map[string]*subscription
	pub       publication
	keepAlive *runloop.Timer
	waiters   []*waiter
}

// New creates an endpoint. Nothing is bound until Start.
func New(cfg Config) (*Endpoint, error) {
	def := DefaultConfig()
	if cfg.Network == "" {
		cfg.Network = def.Network
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Media.Mode == "" {
		cfg.Media = def.Media
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = def.Codecs
	}
	if cfg.RegisterExpires == 0 {
		cfg.RegisterExpires = def.RegisterExpires
	}
	if cfg.SubscribeExpires == 0 {
		cfg.SubscribeExpires = def.SubscribeExpires
	}
	if cfg.PublishExpires == 0 {
		cfg.PublishExpires = def.PublishExpires
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Name == "" {
		cfg.Name = cfg.User
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("endpoint", cfg.Name))
	cfg.Media.Logger = log
	cfg.Media.Metrics = cfg.Metrics

	scfg := stack.DefaultConfig()
	scfg.Network = cfg.Network
	scfg.ListenAddr = cfg.ListenAddr
	scfg.User = cfg.User
	scfg.ContactHost = cfg.ContactHost
	scfg.UserAgent = cfg.UserAgent
	scfg.Resolver = cfg.Resolver
	scfg.Logger = log
	if cfg.Timers.T1 > 0 {
		scfg.Transaction.Timers = cfg.Timers
	}
	st, err := stack.New(scfg)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		cfg:      cfg,
		log:      log.With(slog.String("component", "endpoint")),
		stack:    st,
		loop:     st.Loop(),
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
		authz:    auth.NewAuthorizer(cfg.Name, cfg.Credentials, auth.WithLogger(log)),
		notes:    make(map[string]presence.Status),
		subs:     make(map[string]*subscription),
	}
	e.fsm = e.newFSM()
	e.snap.Store(&snapshot{dialogState: dialog.StateNone})
	st.OnRequest(e.handleRequest)
	st.OnUnknownDialog(e.adoptNotify)
	return e, nil
}

func (e *Endpoint) newFSM() *fsm.FSM {
	s := func(states ...State) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}
	return fsm.NewFSM(
		string(StateUnregistered),
		fsm.Events{
			{Name: evRegister, Src: s(StateUnregistered), Dst: string(StateRegistering)},
			{Name: evRegistered, Src: s(StateRegistering), Dst: string(StateRegistered)},
			{Name: evRegisterFailed, Src: s(StateRegistering), Dst: string(StateUnregistered)},
			{Name: evUnregister, Src: s(StateRegistered, StateRegistering), Dst: string(StateUnregistered)},
			// новый вызов поверх активного: перевод и второй входящий
			{Name: evDial, Src: s(StateUnregistered, StateRegistered, StateInCall, StateHold), Dst: string(StateCalling)},
			{Name: evRing, Src: s(StateUnregistered, StateRegistered, StateCalling, StateInCall, StateHold), Dst: string(StateRinging)},
			{Name: evConnect, Src: s(StateCalling, StateRinging), Dst: string(StateInCall)},
			{Name: evHold, Src: s(StateInCall), Dst: string(StateHold)},
			{Name: evResume, Src: s(StateHold), Dst: string(StateInCall)},
			{Name: evHangup, Src: s(StateCalling, StateRinging, StateInCall, StateHold), Dst: string(StateTerminating)},
			{Name: evIdle, Src: s(StateTerminating), Dst: string(StateRegistered)},
			{Name: evOffline, Src: s(StateTerminating), Dst: string(StateUnregistered)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.onTransition(State(ev.Src), State(ev.Dst))
			},
		},
	)
}

func (e *Endpoint) onTransition(from, to State) {
	e.log.Debug("state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	e.metrics.StateTransition(string(from), string(to))
	e.notify()
}

// fire выполняет событие FSM, если оно допустимо в текущем состоянии
func (e *Endpoint) fire(event string) {
	if !e.fsm.Can(event) {
		return
	}
	if err := e.fsm.Event(context.Background(), event); err != nil {
		var noop fsm.NoTransitionError
		if !errors.As(err, &noop) {
			e.log.Warn("state transition failed", slog.String("event", event), slog.Any("error", err))
		}
	}
}

// syncState приводит состояние FSM к состоянию основного вызова
func (e *Endpoint) syncState() {
	defer e.notify()
	cur := State(e.fsm.Current())
	p := e.primary()
	if p == nil {
		if !cur.inCall() {
			return
		}
		e.fire(evHangup)
		if e.registered.Load() {
			e.fire(evIdle)
		} else {
			e.fire(evOffline)
		}
		return
	}

	target := p.state
	if cur == target {
		return
	}
	var ev string
	switch target {
	case StateCalling:
		ev = evDial
	case StateRinging:
		ev = evRing
	case StateInCall:
		ev = evConnect
		if cur == StateHold {
			ev = evResume
		}
	case StateHold:
		ev = evHold
	}
	if e.fsm.Can(ev) {
		e.fire(ev)
		return
	}
	// основной вызов сменился (перевод, второй вызов): прямого события нет
	e.fsm.SetState(string(target))
	e.onTransition(cur, target)
}

// primary возвращает последний из живых вызовов
func (e *Endpoint) primary() *call {
	if len(e.calls) == 0 {
		return nil
	}
	return e.calls[len(e.calls)-1]
}

func (e *Endpoint) publishSnapshot() {
	s := &snapshot{dialogState: dialog.StateNone}
	for _, c := range e.calls {
		s.calls = append(s.calls, c.info())
	}
	last := e.primary()
	if last == nil {
		last = e.lastEnded
	}
	if last != nil {
		if last.dlg != nil {
			s.dialogState = last.dlg.State()
		} else if last.ended {
			s.dialogState = dialog.StateTerminated
		}
		s.media = last.media
	}
	e.snap.Store(s)
}

// Start binds signaling, resolves the server and publishes the endpoint in
// the registry.
func (e *Endpoint) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	if err := e.stack.Start(e.ctx); err != nil {
		e.cancel()
		return err
	}

	contact := e.stack.Contact()
	domain := e.cfg.Domain
	if e.cfg.Server != "" {
		uri, err := parseServer(e.cfg.Server)
		if err != nil {
			return e.abort(err)
		}
		addr, err := e.stack.Resolve(ctx, uri)
		if err != nil {
			return e.abort(fmt.Errorf("resolve server %s: %w", e.cfg.Server, err))
		}
		e.serverURI, e.serverAddr = uri, addr
		if domain == "" {
			domain = uri.Host
		}
	}
	if domain == "" {
		domain = contact.URI.HostPort()
	}
	e.aor = &message.URI{Scheme: "sip", User: e.cfg.User, Host: domain}
	if h, p, err := net.SplitHostPort(domain); err == nil {
		e.aor.Host = h
		e.aor.Port, _ = strconv.Atoi(p)
	}

	if e.registry != nil {
		// через сервер звонят на AOR, напрямую на Contact
		target := e.aor.String()
		if e.serverAddr == "" {
			target = contact.URI.String()
		}
		if err := e.registry.Bind(ctx, e.cfg.Name, target); err != nil {
			return e.abort(err)
		}
	}

	if e.serverAddr != "" && e.cfg.KeepAlive > 0 {
		e.loop.Post(e.scheduleKeepAlive)
	}
	e.log.Info("endpoint started",
		slog.String("aor", e.aor.String()),
		slog.String("contact", contact.URI.String()),
		slog.String("server", e.serverAddr))
	return nil
}

func (e *Endpoint) abort(err error) error {
	_ = e.stack.Stop()
	e.cancel()
	return err
}

// Close stops timers and media, unpublishes the endpoint and closes
// signaling. Calls are dropped without BYE.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.cancel == nil {
		return e.stack.Stop()
	}
	_ = e.loop.Do(context.Background(), e.shutdown)
	if e.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := e.registry.Unbind(ctx, e.cfg.Name); err != nil {
			e.log.Warn("failed to unbind identity", slog.Any("error", err))
		}
		cancel()
	}
	err := e.stack.Stop()
	e.cancel()
	e.log.Info("endpoint closed")
	return err
}

func (e *Endpoint) shutdown() {
	e.reg.stop()
	if e.keepAlive != nil {
		e.keepAlive.Stop()
	}
	e.pub.stop()
	for target, sub := range e.subs {
		sub.stop()
		delete(e.subs, target)
	}
	for len(e.calls) > 0 {
		e.endCall(e.calls[0], ErrClosed)
	}
}

// Name returns the registry name.
func (e *Endpoint) Name() string { return e.cfg.Name }

// AOR returns the address of record. Valid after Start.
func (e *Endpoint) AOR() *message.URI { return e.aor.Clone() }

// Contact returns the signaling contact. Valid after Start.
func (e *Endpoint) Contact() *message.NameAddr { return e.stack.Contact() }

// IsRegistered reports whether the last REGISTER succeeded and has not
// been withdrawn.
func (e *Endpoint) IsRegistered() bool { return e.registered.Load() }

// State returns the FSM state.
func (e *Endpoint) State() State { return State(e.fsm.Current()) }

// DialogState returns the state of the primary call's dialog, or of the
// last ended call when none is live.
func (e *Endpoint) DialogState() dialog.State { return e.snap.Load().dialogState }

// Calls returns the live calls.
func (e *Endpoint) Calls() []CallInfo { return e.snap.Load().calls }

// MediaStats returns statistics of the primary call's media session, or of
// the last ended call's session.
func (e *Endpoint) MediaStats() (rtp.Stats, bool) {
	m := e.snap.Load().media
	if m == nil {
		return rtp.Stats{}, false
	}
	return m.Stats(), true
}

// LastNotification returns the last presence status received for target.
func (e *Endpoint) LastNotification(target string) (presence.Status, bool) {
	e.notesMu.RLock()
	defer e.notesMu.RUnlock()
	s, ok := e.notes[target]
	return s, ok
}

func (e *Endpoint) setNote(target string, s presence.Status) {
	e.notesMu.Lock()
	e.notes[target] = s
	e.notesMu.Unlock()
}

// resolveTarget превращает имя из реестра, URI или номер в SIP URI.
// Может ходить в реестр по сети, поэтому вызывается вне loop.
func (e *Endpoint) resolveTarget(ctx context.Context, target string) (*message.URI, error) {
	if e.registry != nil {
		uri, err := e.registry.Lookup(ctx, target)
		if err == nil {
			return message.ParseURI(uri)
		}
		if !errors.Is(err, ErrNotBound) {
			return nil, err
		}
	}
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") || strings.HasPrefix(target, "tel:") {
		return message.ParseURI(target)
	}
	if target == "" || strings.ContainsAny(target, " <>@") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	// номер или имя без привязки: префиксы плана нумерации не разбираем
	uri := &message.URI{Scheme: "sip", User: target, Host: e.aor.Host, Port: e.aor.Port}
	return uri, nil
}

// destFor возвращает транспортный адрес для запроса на uri
func (e *Endpoint) destFor(uri *message.URI) string {
	if e.serverAddr != "" {
		return e.serverAddr
	}
	return uri.HostPort()
}

// from строит From с новым тегом
func (e *Endpoint) from() *message.NameAddr {
	return &message.NameAddr{
		Display: e.cfg.DisplayName,
		URI:     e.aor.Clone(),
		Params:  message.Params{{Name: "tag", Value: message.NewTag()}},
	}
}

// send отправляет запрос на loop. Ошибки отправки приходят в OnError.
func (e *Endpoint) send(ex *stack.Exchange) *transaction.Client {
	c, err := e.stack.Send(e.ctx, ex)
	if err != nil {
		e.log.Warn("failed to send request",
			slog.String("method", ex.Request.Method), slog.Any("error", err))
		if ex.OnError != nil {
			ex.OnError(err)
		}
		return nil
	}
	return c
}

// roundtrip отправляет запрос, подготовленный на loop, и ждет финального
// ответа. Не-2xx превращается в *ResponseError.
func (e *Endpoint) roundtrip(ctx context.Context, method string, prepare func(ex *stack.Exchange) error) (*message.Response, error) {
	res, err := e.stack.Roundtrip(ctx, prepare)
	if err != nil {
		e.failed(method, err)
		return nil, err
	}
	if !res.IsSuccess() {
		return res, responseError(method, res)
	}
	return res, nil
}

func responseError(method string, res *message.Response) *ResponseError {
	return &ResponseError{Method: method, StatusCode: res.StatusCode, Reason: res.ReasonPhrase}
}

// failed учитывает ошибку транзакции в метриках
func (e *Endpoint) failed(method string, err error) {
	var terr *transport.Error
	switch {
	case errors.Is(err, transaction.ErrTimeout):
		e.metrics.TransactionFailed(method, "timeout")
	case errors.Is(err, auth.ErrAuthentication):
		e.metrics.AuthChallenge(method, "rejected")
	case errors.As(err, &terr), errors.Is(err, transport.ErrClosed):
		e.metrics.TransactionFailed(method, "transport")
	}
}

func parseServer(s string) (*message.URI, error) {
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		s = "sip:" + s
	}
	return message.ParseURI(s)
}
