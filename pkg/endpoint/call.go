package endpoint

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/arzzra/vphone/pkg/rtp"
	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/sdp"
	"github.com/arzzra/vphone/pkg/sip/stack"
	"github.com/arzzra/vphone/pkg/sip/transaction"
)

// Direction tells who placed a call.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// call один вызов endpoint'а. Поля меняются только на loop.
type call struct {
	id       string
	dir      Direction
	state    State
	ended    bool
	err      error
	expected bool

	target   *message.URI
	localTag string
	invite   *message.Request
	client   *transaction.Client
	server   *transaction.Server
	dlg      *dialog.Dialog

	media      *rtp.Session
	remote     *sdp.Media
	sdpID      uint64
	sdpVersion uint64

	started     time.Time
	connectedAt time.Time

	// CANCEL ждет первого предварительного ответа
	cancelPending bool
	// onOutcome получает финальный код вызова, созданного по REFER
	onOutcome func(code int, reason string)
}

func newCall(id string, dir Direction, state State) *call {
	now := time.Now()
	return &call{
		id:       id,
		dir:      dir,
		state:    state,
		localTag: message.NewTag(),
		sdpID:    uint64(now.Unix()),
		started:  now,
	}
}

func (c *call) info() CallInfo {
	ci := CallInfo{CallID: c.id, Direction: c.dir, State: c.state, Started: c.started}
	if c.target != nil {
		ci.Remote = c.target.String()
	}
	return ci
}

// answered сообщает, установлен ли вызов
func (c *call) answered() bool {
	return !c.ended && c.dlg != nil && (c.state == StateInCall || c.state == StateHold)
}

func (e *Endpoint) findCall(match func(c *call) bool) *call {
	for i := len(e.calls) - 1; i >= 0; i-- {
		if match(e.calls[i]) {
			return e.calls[i]
		}
	}
	return nil
}

func (e *Endpoint) callByDialog(d *dialog.Dialog) *call {
	if d == nil {
		return nil
	}
	return e.findCall(func(c *call) bool { return c.dlg == d })
}

func (e *Endpoint) listenMedia() (*rtp.Session, error) {
	return rtp.Listen(e.cfg.Media)
}

// sdpConfig описывает занятый порт сессии; каждое новое описание получает
// следующую версию
func (e *Endpoint) sdpConfig(c *call, dir sdp.Direction) sdp.Config {
	addr := c.media.LocalAddr()
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = e.stack.Contact().URI.Host
	}
	c.sdpVersion++
	return sdp.Config{
		Address:        host,
		Port:           addr.Port,
		Codecs:         e.cfg.Codecs,
		Direction:      dir,
		PacketTime:     e.cfg.Media.PacketTime,
		SessionID:      c.sdpID,
		SessionVersion: c.sdpVersion,
	}
}

// Call places a call to target: a registry name, a SIP URI or a number on
// the endpoint's domain. It returns when the call rings or is answered, and
// returns the failure when it is rejected first.
func (e *Endpoint) Call(ctx context.Context, target string) error {
	uri, err := e.resolveTarget(ctx, target)
	if err != nil {
		return err
	}
	media, err := e.listenMedia()
	if err != nil {
		return err
	}

	var c *call
	if doErr := e.loop.Do(ctx, func() {
		c, err = e.startCall(uri, media, nil)
	}); doErr != nil {
		_ = media.Stop()
		return doErr
	}
	if err != nil {
		return err
	}

	var outcome error
	r := e.wait(ctx, 0, func() bool {
		if c.ended {
			outcome = c.err
			return true
		}
		return c.state != StateCalling
	})
	if r != WaitSuccess {
		return r.Err()
	}
	return outcome
}

// startCall отправляет INVITE с предложением на порт media. Владение media
// переходит вызову.
func (e *Endpoint) startCall(target *message.URI, media *rtp.Session, onOutcome func(int, string)) (*call, error) {
	c := newCall(message.NewCallID(e.aor.Host), Outbound, StateCalling)
	c.target, c.media, c.onOutcome = target, media, onOutcome

	offer, err := sdp.NewOffer(e.sdpConfig(c, sdp.SendRecv))
	if err != nil {
		_ = media.Stop()
		return nil, err
	}
	from := &message.NameAddr{
		Display: e.cfg.DisplayName,
		URI:     e.aor.Clone(),
		Params:  message.Params{{Name: "tag", Value: c.localTag}},
	}
	req, err := message.NewRequest(message.MethodInvite, target.Clone()).
		Via(e.stack.Via()).
		From(from).
		To(&message.NameAddr{URI: target.Clone()}).
		CallID(c.id).
		CSeq(1).
		Contact(e.stack.Contact()).
		Header("Allow", stack.Allow).
		Header("User-Agent", e.cfg.UserAgent).
		Body(sdp.ContentType, offer).
		Build()
	if err != nil {
		_ = media.Stop()
		return nil, err
	}
	c.invite = req
	e.calls = append(e.calls, c)
	e.syncState()
	e.log.Info("calling", slog.String("call_id", c.id), slog.String("target", target.String()))

	client := e.send(&stack.Exchange{
		Request: req,
		Dest:    e.destFor(target),
		Auth:    e.authz,
		OnResponse: func(client *transaction.Client, res *message.Response) {
			e.onInviteResponse(c, client, res)
		},
		OnError: func(err error) {
			e.failed(message.MethodInvite, err)
			if !c.ended {
				e.metrics.CallFailed(string(c.dir), "error")
				e.outcome(c, message.StatusRequestTimeout, "")
				e.endCall(c, err)
			}
		},
	})
	if client != nil {
		c.client = client
	}
	return c, nil
}

func (e *Endpoint) onInviteResponse(c *call, client *transaction.Client, res *message.Response) {
	c.client = client
	c.invite = client.Request()
	if c.ended {
		e.lateResponse(c, client, res)
		return
	}
	switch {
	case res.StatusCode == message.StatusTrying:
	case res.IsProvisional():
		if c.dlg == nil && res.Headers.ToTag() != "" {
			if d, err := dialog.NewUAC(c.invite, res); err == nil {
				e.stack.Dialogs().Add(d)
				c.dlg = d
			}
		}
		if c.state == StateCalling {
			c.state = StateRinging
			e.syncState()
		}
	case res.IsSuccess():
		e.inviteAccepted(c, client, res)
	default:
		e.log.Info("call rejected", slog.String("call_id", c.id), slog.Int("status", res.StatusCode))
		e.metrics.CallFailed(string(c.dir), "rejected")
		e.outcome(c, res.StatusCode, res.ReasonPhrase)
		e.endCall(c, responseError(message.MethodInvite, res))
	}
}

func (e *Endpoint) inviteAccepted(c *call, client *transaction.Client, res *message.Response) {
	// ранний диалог другой ветви форка заменяется
	if c.dlg != nil && c.dlg.ID().RemoteTag != res.Headers.ToTag() {
		c.dlg.Terminate()
		c.dlg = nil
	}
	if c.dlg == nil {
		d, err := dialog.NewUAC(c.invite, res)
		if err != nil {
			e.log.Warn("invalid 2xx for INVITE", slog.Any("error", err))
			e.endCall(c, err)
			return
		}
		e.stack.Dialogs().Add(d)
		c.dlg = d
	} else if err := c.dlg.ReceiveResponse(res); err != nil {
		e.endCall(c, err)
		return
	}
	if err := e.ack(c.dlg, client, res); err != nil {
		e.endCall(c, err)
		return
	}

	remote, err := sdp.Parse(res.Body())
	if err == nil {
		err = e.startMedia(c, remote)
	}
	if err != nil {
		e.log.Warn("media setup failed", slog.String("call_id", c.id), slog.Any("error", err))
		e.metrics.CallFailed(string(c.dir), "media")
		e.bye(c, nil)
		e.outcome(c, message.StatusNotAcceptableHere, "")
		e.endCall(c, err)
		return
	}
	c.state = callState(remote.Direction)
	c.connectedAt = time.Now()
	e.metrics.CallEstablished(string(c.dir))
	e.log.Info("call established", slog.String("call_id", c.id), slog.String("remote_media", remote.Addr()))
	e.syncState()
	e.outcome(c, res.StatusCode, res.ReasonPhrase)
}

// lateResponse обрабатывает ответ на INVITE уже завершенного вызова: CANCEL,
// отложенный до 1xx, или ACK и BYE для 2xx
func (e *Endpoint) lateResponse(c *call, client *transaction.Client, res *message.Response) {
	switch {
	case res.IsProvisional():
		if c.cancelPending && client.State() == transaction.StateProceeding {
			c.cancelPending = false
			e.sendCancel(c)
		}
	case res.IsSuccess():
		d, err := dialog.NewUAC(client.Request(), res)
		if err != nil {
			return
		}
		if err := e.ack(d, client, res); err != nil {
			return
		}
		e.log.Info("answered after cancel, hanging up", slog.String("call_id", c.id))
		e.sendBye(d, nil)
	default:
		e.log.Debug("late response discarded", slog.String("call_id", c.id), slog.Int("status", res.StatusCode))
	}
}

func (e *Endpoint) ack(d *dialog.Dialog, client *transaction.Client, res *message.Response) error {
	cseq, err := res.Headers.CSeq()
	if err != nil {
		return err
	}
	ack, err := d.NewAck(cseq.Seq)
	if err != nil {
		return err
	}
	ack.SetHeader("User-Agent", e.cfg.UserAgent)
	return client.Ack(e.ctx, ack, e.destFor(d.NextRequestTarget()))
}

// startMedia запускает сессию на удаленный адрес из SDP
func (e *Endpoint) startMedia(c *call, remote *sdp.Media) error {
	c.remote = remote
	c.media.SetDirection(remote.Direction.Mirror())
	return c.media.Start(e.ctx, remote.Addr())
}

// applyMedia применяет новое описание удаленной стороны (re-INVITE, UPDATE)
func (e *Endpoint) applyMedia(c *call, remote *sdp.Media) {
	if c.remote == nil || c.remote.Addr() != remote.Addr() {
		if err := c.media.SetRemote(remote.Addr()); err != nil {
			e.log.Warn("failed to update remote media", slog.Any("error", err))
		}
	}
	c.remote = remote
	c.media.SetDirection(remote.Direction.Mirror())
	c.state = callState(remote.Direction)
	e.syncState()
}

// callState: вызов на удержании, если хотя бы одна сторона не передает
func callState(remote sdp.Direction) State {
	if remote.Mirror() == sdp.SendRecv {
		return StateInCall
	}
	return StateHold
}

func (e *Endpoint) outcome(c *call, code int, reason string) {
	if c.onOutcome == nil {
		return
	}
	fn := c.onOutcome
	c.onOutcome = nil
	fn(code, reason)
}

// endCall освобождает ресурсы вызова. Повторный вызов ничего не делает.
func (e *Endpoint) endCall(c *call, err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	c.state = StateTerminating
	if c.media != nil {
		if stopErr := c.media.Stop(); stopErr != nil {
			e.log.Debug("media stopped with error", slog.Any("error", stopErr))
		}
	}
	if c.dlg != nil {
		c.dlg.Terminate()
	}
	if !c.connectedAt.IsZero() {
		e.metrics.CallEnded(time.Since(c.connectedAt))
	}
	e.calls = slices.DeleteFunc(e.calls, func(x *call) bool { return x == c })
	e.lastEnded = c
	e.log.Info("call ended", slog.String("call_id", c.id), slog.Any("reason", err))
	e.syncState()
}

// sendBye отправляет BYE в диалоге d. done получает финальный ответ или ошибку.
func (e *Endpoint) sendBye(d *dialog.Dialog, done func(error)) {
	req, err := d.NewRequest(message.MethodBye)
	if err != nil {
		if done != nil {
			done(err)
		}
		return
	}
	req.SetHeader("User-Agent", e.cfg.UserAgent)
	e.send(&stack.Exchange{
		Request: req,
		Dest:    e.destFor(d.NextRequestTarget()),
		Auth:    e.authz,
		Dialog:  d,
		OnResponse: func(_ *transaction.Client, res *message.Response) {
			if res.IsProvisional() || done == nil {
				return
			}
			if !res.IsSuccess() {
				done(responseError(message.MethodBye, res))
				return
			}
			done(nil)
		},
		OnError: func(err error) {
			if done != nil {
				done(err)
			}
		},
	})
}

// bye завершает установленный вызов со своей стороны
func (e *Endpoint) bye(c *call, done func(error)) {
	if c.dlg == nil {
		if done != nil {
			done(ErrNoCall)
		}
		return
	}
	e.sendBye(c.dlg, done)
}

// Hangup ends the primary call: BYE once it is answered, CANCEL while an
// outbound call is still ringing and 486 Busy Here for an unanswered inbound
// call. After a BYE it waits for the final response; media stops when the BYE
// is sent.
func (e *Endpoint) Hangup(ctx context.Context) error {
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	if err := e.loop.Do(ctx, func() {
		c := e.primary()
		switch {
		case c == nil:
			finish(ErrNoCall)
		case c.answered():
			e.bye(c, finish)
			e.endCall(c, nil)
		case c.dir == Outbound:
			e.cancelCall(c)
			finish(nil)
		default:
			e.reject(c, message.StatusBusyHere)
			finish(nil)
		}
	}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.loop.Done():
		return ErrClosed
	}
}

// CancelCall abandons the newest unanswered outbound call. The call ends
// locally at once; a response arriving later is discarded.
func (e *Endpoint) CancelCall(ctx context.Context) error {
	var err error
	if doErr := e.loop.Do(ctx, func() {
		c := e.findCall(func(c *call) bool {
			return c.dir == Outbound && (c.state == StateCalling || c.state == StateRinging)
		})
		if c == nil {
			err = ErrNoCall
			return
		}
		e.cancelCall(c)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (e *Endpoint) cancelCall(c *call) {
	if c.client != nil && c.client.State() == transaction.StateProceeding {
		e.sendCancel(c)
	} else {
		// до первого 1xx CANCEL отправлять нельзя
		c.cancelPending = true
	}
	e.metrics.CallFailed(string(c.dir), "canceled")
	e.outcome(c, message.StatusRequestTerminated, "")
	e.endCall(c, ErrCanceled)
}

func (e *Endpoint) sendCancel(c *call) {
	cl, err := e.stack.Transactions().Cancel(e.ctx, c.client)
	if err != nil {
		e.log.Warn("failed to send CANCEL", slog.String("call_id", c.id), slog.Any("error", err))
		return
	}
	cl.OnResponse(func(res *message.Response) {
		e.log.Debug("CANCEL answered", slog.String("call_id", c.id), slog.Int("status", res.StatusCode))
	})
	cl.OnError(func(err error) {
		e.log.Debug("CANCEL failed", slog.String("call_id", c.id), slog.Any("error", err))
	})
}

// reject отвечает на входящий INVITE финальным кодом
func (e *Endpoint) reject(c *call, code int) {
	res := message.NewResponse(c.invite, code, "").
		ToTag(c.localTag).
		Header("User-Agent", e.cfg.UserAgent).
		Build()
	if err := c.server.Respond(res); err != nil {
		e.log.Debug("failed to reject call", slog.Any("error", err))
	}
	e.metrics.CallFailed(string(c.dir), "rejected")
	e.endCall(c, nil)
}

// Hold puts the primary answered call on hold with a sendonly re-INVITE.
func (e *Endpoint) Hold(ctx context.Context) error {
	return e.reinvite(ctx, sdp.SendOnly, StateInCall)
}

// Resume takes the held call off hold with a sendrecv re-INVITE.
func (e *Endpoint) Resume(ctx context.Context) error {
	return e.reinvite(ctx, sdp.SendRecv, StateHold)
}

func (e *Endpoint) reinvite(ctx context.Context, dir sdp.Direction, from State) error {
	_, err := e.roundtrip(ctx, message.MethodInvite, func(ex *stack.Exchange) error {
		c := e.findCall(func(c *call) bool { return c.answered() && c.state == from })
		if c == nil {
			return ErrNoCall
		}
		offer, err := sdp.NewOffer(e.sdpConfig(c, dir))
		if err != nil {
			return err
		}
		req, err := c.dlg.NewRequest(message.MethodInvite)
		if err != nil {
			return err
		}
		req.SetHeader("User-Agent", e.cfg.UserAgent)
		req.SetHeader("Content-Type", sdp.ContentType)
		req.SetBody(offer)

		ex.Request, ex.Dest, ex.Auth, ex.Dialog = req, e.destFor(c.dlg.NextRequestTarget()), e.authz, c.dlg
		ex.OnResponse = func(client *transaction.Client, res *message.Response) {
			if !res.IsSuccess() || c.ended {
				return
			}
			_ = c.dlg.ReceiveResponse(res)
			if err := e.ack(c.dlg, client, res); err != nil {
				e.log.Warn("failed to acknowledge re-INVITE", slog.Any("error", err))
			}
			remote, err := sdp.Parse(res.Body())
			if err != nil {
				e.log.Warn("invalid answer to re-INVITE", slog.Any("error", err))
				return
			}
			e.applyMedia(c, remote)
		}
		return nil
	})
	return err
}

// Transfer asks the remote party of the answered call to call target
// (REFER). It returns when the REFER is accepted; the call is released once
// the remote party reports that the new call was answered.
func (e *Endpoint) Transfer(ctx context.Context, target string) error {
	uri, err := e.resolveTarget(ctx, target)
	if err != nil {
		return err
	}
	_, err = e.roundtrip(ctx, message.MethodRefer, func(ex *stack.Exchange) error {
		c := e.findCall((*call).answered)
		if c == nil {
			return ErrNoCall
		}
		req, err := c.dlg.NewRequest(message.MethodRefer)
		if err != nil {
			return err
		}
		req.SetHeader("Refer-To", "<"+uri.String()+">")
		req.SetHeader("Referred-By", "<"+e.aor.String()+">")
		req.SetHeader("User-Agent", e.cfg.UserAgent)
		ex.Request, ex.Dest, ex.Auth, ex.Dialog = req, e.destFor(c.dlg.NextRequestTarget()), e.authz, c.dlg
		return nil
	})
	if err == nil {
		e.log.Info("transfer accepted", slog.String("target", uri.String()))
	}
	return err
}

// SendInfo sends INFO with the payload in the answered call. An empty
// content type defaults to application/dtmf-relay.
func (e *Endpoint) SendInfo(ctx context.Context, contentType string, payload []byte) error {
	if contentType == "" {
		contentType = "application/dtmf-relay"
	}
	_, err := e.roundtrip(ctx, message.MethodInfo, func(ex *stack.Exchange) error {
		c := e.findCall((*call).answered)
		if c == nil {
			return ErrNoCall
		}
		req, err := c.dlg.NewRequest(message.MethodInfo)
		if err != nil {
			return err
		}
		req.SetHeader("User-Agent", e.cfg.UserAgent)
		if len(payload) > 0 {
			req.SetHeader("Content-Type", contentType)
			req.SetBody(payload)
		}
		ex.Request, ex.Dest, ex.Auth, ex.Dialog = req, e.destFor(c.dlg.NextRequestTarget()), e.authz, c.dlg
		return nil
	})
	return err
}
