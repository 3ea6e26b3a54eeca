package endpoint

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/runloop"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/stack"
	"github.com/arzzra/vphone/pkg/sip/transaction"
)

// registration состояние привязки на регистраторе. Call-ID сохраняется
// между обновлениями, CSeq растет.
type registration struct {
	callID  string
	fromTag string
	seq     uint32
	timer   *runloop.Timer
	expires time.Time
}

func (r *registration) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Register registers the endpoint's contact with the server and keeps the
// binding refreshed before it expires.
func (e *Endpoint) Register(ctx context.Context) error {
	if e.serverAddr == "" {
		return &ResponseError{Method: message.MethodRegister, StatusCode: message.StatusServiceUnavailable, Reason: "no server configured"}
	}
	res, err := e.roundtrip(ctx, message.MethodRegister, func(ex *stack.Exchange) error {
		e.fire(evRegister)
		req, err := e.buildRegister(e.cfg.RegisterExpires)
		ex.Request, ex.Dest, ex.Auth = req, e.serverAddr, e.authz
		ex.OnResubmit = e.trackRegisterSeq
		return err
	})
	if doErr := e.loop.Do(context.Background(), func() {
		if err != nil {
			e.registerFailed(err)
			return
		}
		e.registerOK(res)
	}); doErr != nil && err == nil {
		err = doErr
	}
	return err
}

// Unregister withdraws the binding with Expires: 0. Refresh and keep-alive
// timers are cancelled before the request is sent.
func (e *Endpoint) Unregister(ctx context.Context) error {
	if e.serverAddr == "" {
		return nil
	}
	_, err := e.roundtrip(ctx, message.MethodRegister, func(ex *stack.Exchange) error {
		e.reg.stop()
		if e.keepAlive != nil {
			e.keepAlive.Stop()
			e.keepAlive = nil
		}
		req, err := e.buildRegister(0)
		if err != nil {
			return err
		}
		if _, err := e.authz.Apply(req); err != nil {
			e.log.Debug("cached credentials not applied", slog.Any("error", err))
		}
		ex.Request, ex.Dest, ex.Auth = req, e.serverAddr, e.authz
		ex.OnResubmit = e.trackRegisterSeq
		return nil
	})
	_ = e.loop.Do(context.Background(), func() {
		e.registered.Store(false)
		e.reg.expires = time.Time{}
		e.fire(evUnregister)
		e.notify()
	})
	if err != nil {
		e.metrics.Registration("unregister_failed")
		return err
	}
	e.metrics.Registration("unregistered")
	e.log.Info("unregistered")
	return nil
}

// buildRegister строит REGISTER; ответ обрабатывается в registerResponse.
// Только на loop.
func (e *Endpoint) buildRegister(expires time.Duration) (*message.Request, error) {
	if e.reg.callID == "" {
		e.reg.callID = message.NewCallID(e.aor.Host)
		e.reg.fromTag = message.NewTag()
	}
	e.reg.seq++

	secs := strconv.Itoa(int(expires / time.Second))
	contact := e.stack.Contact()
	if expires == 0 {
		contact.Params.Set("expires", "0")
	}
	registrar := &message.URI{Scheme: e.aor.Scheme, Host: e.aor.Host, Port: e.aor.Port}
	from := &message.NameAddr{Display: e.cfg.DisplayName, URI: e.aor.Clone(),
		Params: message.Params{{Name: "tag", Value: e.reg.fromTag}}}

	req, err := message.NewRequest(message.MethodRegister, registrar).
		Via(e.stack.Via()).
		From(from).
		To(&message.NameAddr{Display: e.cfg.DisplayName, URI: e.aor.Clone()}).
		CallID(e.reg.callID).
		CSeq(e.reg.seq).
		Contact(contact).
		Header("Expires", secs).
		Header("Allow", stack.Allow).
		Header("User-Agent", e.cfg.UserAgent).
		Build()
	if err != nil {
		return nil, err
	}
	return req, nil
}

// trackRegisterSeq запоминает CSeq повтора с авторизацией, чтобы следующий
// REGISTER продолжил нумерацию после него
func (e *Endpoint) trackRegisterSeq(req *message.Request) {
	if cseq, err := req.Headers.CSeq(); err == nil && cseq.Seq > e.reg.seq {
		e.reg.seq = cseq.Seq
	}
}

// registerOK применяет 2xx на REGISTER и планирует обновление
func (e *Endpoint) registerOK(res *message.Response) {
	granted := e.grantedExpires(res)
	now := time.Now()
	e.reg.expires = now.Add(granted)
	e.registered.Store(true)
	e.metrics.Registration("registered")
	e.fire(evRegistered)
	e.notify()

	e.reg.stop()
	at := presence.RenewAt(now, e.reg.expires)
	e.reg.timer = e.loop.AfterFunc(time.Until(at), e.refreshRegistration)
	e.log.Info("registered",
		slog.String("aor", e.aor.String()),
		slog.Duration("expires", granted))
}

func (e *Endpoint) registerFailed(err error) {
	e.registered.Store(false)
	e.metrics.Registration("failed")
	e.fire(evRegisterFailed)
	e.fire(evUnregister)
	e.notify()
	e.log.Warn("registration failed", slog.Any("error", err))
}

// grantedExpires берет срок из параметра expires нашего Contact или из
// заголовка Expires
func (e *Endpoint) grantedExpires(res *message.Response) time.Duration {
	own := e.stack.Contact().URI
	if contacts, err := res.Headers.Contacts(); err == nil {
		for _, c := range contacts {
			if c.URI == nil || c.URI.Host != own.Host || c.URI.Port != own.Port {
				continue
			}
			if v, ok := c.Params.Get("expires"); ok {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					return time.Duration(n) * time.Second
				}
			}
		}
	}
	if n, ok := res.Headers.Expires(); ok && n > 0 {
		return time.Duration(n) * time.Second
	}
	return e.cfg.RegisterExpires
}

// refreshRegistration обновляет привязку до истечения с кешированными
// учетными данными
func (e *Endpoint) refreshRegistration() {
	e.reg.timer = nil
	req, err := e.buildRegister(e.cfg.RegisterExpires)
	if err != nil {
		e.registerFailed(err)
		return
	}
	if _, err := e.authz.Apply(req); err != nil {
		e.log.Debug("cached credentials not applied", slog.Any("error", err))
	}
	e.send(&stack.Exchange{
		Request:    req,
		Dest:       e.serverAddr,
		Auth:       e.authz,
		OnResubmit: e.trackRegisterSeq,
		OnResponse: func(_ *transaction.Client, res *message.Response) {
			switch {
			case res.IsProvisional():
			case res.IsSuccess():
				e.registerOK(res)
			default:
				e.registerFailed(responseError(message.MethodRegister, res))
			}
		},
		OnError: func(err error) {
			e.failed(message.MethodRegister, err)
			e.registerFailed(err)
		},
	})
}

// scheduleKeepAlive отправляет OPTIONS серверу с интервалом KeepAlive
func (e *Endpoint) scheduleKeepAlive() {
	e.keepAlive = e.loop.AfterFunc(e.cfg.KeepAlive, func() {
		e.keepAlive = nil
		req, err := message.NewRequest(message.MethodOptions, e.serverURI.Clone()).
			Via(e.stack.Via()).
			From(e.from()).
			To(&message.NameAddr{URI: e.serverURI.Clone()}).
			CallID(message.NewCallID(e.aor.Host)).
			CSeq(1).
			Header("User-Agent", e.cfg.UserAgent).
			Build()
		if err != nil {
			e.log.Warn("failed to build keep-alive", slog.Any("error", err))
			return
		}
		e.send(&stack.Exchange{
			Request: req,
			Dest:    e.serverAddr,
			OnError: func(err error) {
				e.log.Warn("keep-alive failed", slog.Any("error", err))
			},
		})
		if !e.closed.Load() {
			e.scheduleKeepAlive()
		}
	})
}
