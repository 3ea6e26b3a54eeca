package endpoint

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/rtp"
	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/sdp"
	"github.com/arzzra/vphone/pkg/sip/stack"
	"github.com/arzzra/vphone/pkg/sip/transaction"
)

// handleRequest обрабатывает входящие запросы, открывшие серверную
// транзакцию. Запросы в неизвестный диалог уже отклонены стеком с 481.
func (e *Endpoint) handleRequest(tx *transaction.Server, req *message.Request, d *dialog.Dialog) {
	switch req.Method {
	case message.MethodInvite:
		if d != nil {
			e.onOffer(tx, req, d)
			return
		}
		e.onInvite(tx, req)
	case message.MethodUpdate:
		if d != nil && len(req.Body()) > 0 {
			e.onOffer(tx, req, d)
			return
		}
		e.stack.Reply(tx, message.StatusOK, "")
	case message.MethodBye:
		e.onBye(tx, d)
	case message.MethodCancel:
		e.onCancel(tx, req)
	case message.MethodRefer:
		e.onRefer(tx, req, d)
	case message.MethodNotify:
		e.onNotify(tx, req, d)
	case message.MethodSubscribe:
		e.stack.Reply(tx, 489, "Bad Event")
	case message.MethodOptions:
		e.respond(tx, message.NewResponse(req, message.StatusOK, "").
			Header("Allow", stack.Allow).
			Header("Accept", sdp.ContentType).
			Header("User-Agent", e.cfg.UserAgent).
			Build())
	case message.MethodInfo, message.MethodMessage:
		e.stack.Reply(tx, message.StatusOK, "")
	default:
		e.respond(tx, message.NewResponse(req, 405, "").
			Header("Allow", stack.Allow).
			Header("User-Agent", e.cfg.UserAgent).
			Build())
	}
}

func (e *Endpoint) respond(tx *transaction.Server, res *message.Response) {
	if err := tx.Respond(res); err != nil {
		e.log.Debug("failed to respond",
			slog.Int("status", res.StatusCode), slog.Any("error", err))
	}
}

// onInvite принимает новый вызов: 100, проверка предложения, ранний диалог и 180
func (e *Endpoint) onInvite(tx *transaction.Server, req *message.Request) {
	e.stack.Reply(tx, message.StatusTrying, "")
	if e.closed.Load() {
		e.stack.Reply(tx, message.StatusTemporarilyUnavailable, "")
		return
	}
	// порт еще не занят, проверяем только совместимость предложения
	check := sdp.Config{Address: "127.0.0.1", Port: 9, Codecs: e.cfg.Codecs}
	if _, _, err := sdp.Answer(req.Body(), check); err != nil {
		e.log.Warn("offer rejected", slog.String("call_id", req.Headers.CallID()), slog.Any("error", err))
		e.metrics.CallFailed(string(Inbound), "sdp")
		e.stack.Reply(tx, message.StatusNotAcceptableHere, "")
		return
	}

	c := newCall(req.Headers.CallID(), Inbound, StateRinging)
	c.invite, c.server = req, tx
	if from, err := req.Headers.From(); err == nil {
		c.target = from.URI
	}
	d, err := dialog.NewUAS(req, c.localTag, e.stack.Contact())
	if err != nil {
		e.log.Warn("invalid INVITE", slog.Any("error", err))
		e.stack.Reply(tx, 400, "")
		return
	}
	e.stack.Dialogs().Add(d)
	c.dlg = d

	e.respond(tx, message.NewResponse(req, message.StatusRinging, "").
		ToTag(c.localTag).
		Contact(e.stack.Contact()).
		Header("User-Agent", e.cfg.UserAgent).
		Build())
	tx.OnError(func(err error) {
		if !c.ended {
			e.endCall(c, err)
		}
	})

	e.calls = append(e.calls, c)
	e.log.Info("incoming call", slog.String("call_id", c.id), slog.String("from", c.info().Remote))
	e.syncState()

	if e.cfg.AutoAnswer {
		e.loop.Post(func() {
			if c.ended {
				return
			}
			if err := e.answer(c, nil); err != nil {
				e.log.Warn("auto answer failed", slog.Any("error", err))
			}
		})
	}
}

// Answer answers the oldest ringing inbound call with 200 OK and an SDP
// answer on a freshly bound RTP port, and waits for the ACK.
func (e *Endpoint) Answer(ctx context.Context) error {
	media, err := e.listenMedia()
	if err != nil {
		return err
	}
	var c *call
	if doErr := e.loop.Do(ctx, func() {
		for _, x := range e.calls {
			if x.dir == Inbound && x.state == StateRinging {
				c = x
				break
			}
		}
		if c == nil {
			err = ErrNoCall
			_ = media.Stop()
			return
		}
		err = e.answer(c, media)
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
		return c.state != StateRinging
	})
	if r != WaitSuccess {
		return r.Err()
	}
	return outcome
}

// answer отправляет 200 с ответом SDP и запускает медиа. Вызов переходит в
// InCall по ACK. Владение media переходит вызову.
func (e *Endpoint) answer(c *call, media *rtp.Session) error {
	if media == nil {
		m, err := e.listenMedia()
		if err != nil {
			e.reject(c, message.StatusServerInternalError)
			return err
		}
		media = m
	}
	c.media = media

	body, remote, err := sdp.Answer(c.invite.Body(), e.sdpConfig(c, sdp.SendRecv))
	if err != nil {
		e.reject(c, message.StatusNotAcceptableHere)
		return err
	}
	res := message.NewResponse(c.invite, message.StatusOK, "").
		ToTag(c.localTag).
		Contact(e.stack.Contact()).
		Header("Allow", stack.Allow).
		Header("User-Agent", e.cfg.UserAgent).
		Body(sdp.ContentType, body).
		Build()
	if err := c.server.Respond(res); err != nil {
		e.endCall(c, err)
		return err
	}
	if err := e.startMedia(c, remote); err != nil {
		e.metrics.CallFailed(string(c.dir), "media")
		e.bye(c, nil)
		e.endCall(c, err)
		return err
	}

	c.server.OnAck(func(*message.Request) { e.confirmed(c) })
	c.server.OnError(func(err error) {
		// ACK не пришел (Timer H)
		if c.ended {
			return
		}
		e.metrics.CallFailed(string(c.dir), "no_ack")
		e.bye(c, nil)
		e.endCall(c, err)
	})
	e.log.Info("call answered", slog.String("call_id", c.id), slog.String("remote_media", remote.Addr()))
	return nil
}

func (e *Endpoint) confirmed(c *call) {
	if c.ended || c.state != StateRinging {
		return
	}
	if err := c.dlg.Confirm(); err != nil {
		e.log.Warn("failed to confirm dialog", slog.Any("error", err))
	}
	c.state = callState(c.remote.Direction)
	c.connectedAt = time.Now()
	e.metrics.CallEstablished(string(c.dir))
	e.syncState()
}

// onOffer отвечает на новое предложение в диалоге (re-INVITE, UPDATE):
// удержание и снятие с удержания, смена адреса медиа
func (e *Endpoint) onOffer(tx *transaction.Server, req *message.Request, d *dialog.Dialog) {
	c := e.callByDialog(d)
	if c == nil || c.media == nil || c.remote == nil {
		e.stack.Reply(tx, message.StatusNotAcceptableHere, "")
		return
	}

	var (
		body   []byte
		remote *sdp.Media
		err    error
	)
	if len(req.Body()) == 0 {
		// предложение без тела: отвечаем текущим описанием, направление не меняется
		body, err = sdp.NewOffer(e.sdpConfig(c, c.media.Direction()))
	} else {
		body, remote, err = sdp.Answer(req.Body(), e.sdpConfig(c, sdp.SendRecv))
	}
	if err != nil {
		e.log.Warn("re-offer rejected", slog.String("call_id", c.id), slog.Any("error", err))
		e.stack.Reply(tx, message.StatusNotAcceptableHere, "")
		return
	}
	e.respond(tx, message.NewResponse(req, message.StatusOK, "").
		Contact(e.stack.Contact()).
		Header("User-Agent", e.cfg.UserAgent).
		Body(sdp.ContentType, body).
		Build())
	if remote != nil {
		e.applyMedia(c, remote)
	}
}

func (e *Endpoint) onBye(tx *transaction.Server, d *dialog.Dialog) {
	if d == nil {
		e.stack.Reply(tx, message.StatusCallDoesNotExist, "")
		return
	}
	e.stack.Reply(tx, message.StatusOK, "")
	c := e.callByDialog(d)
	if c == nil {
		d.Terminate()
		return
	}
	e.log.Info("remote hangup", slog.String("call_id", c.id))
	e.endCall(c, nil)
}

// onCancel: 200 на CANCEL и 487 на INVITE, пока INVITE не получил финальный ответ
func (e *Endpoint) onCancel(tx *transaction.Server, req *message.Request) {
	inv, ok := e.stack.Transactions().FindInvite(req)
	if !ok {
		e.stack.Reply(tx, message.StatusCallDoesNotExist, "")
		return
	}
	e.stack.Reply(tx, message.StatusOK, "")
	if inv.State() != transaction.StateProceeding {
		return
	}
	c := e.findCall(func(c *call) bool { return c.server == inv })
	rb := message.NewResponse(inv.Request(), message.StatusRequestTerminated, "").
		Header("User-Agent", e.cfg.UserAgent)
	if c != nil {
		rb.ToTag(c.localTag)
	}
	e.respond(inv, rb.Build())
	if c != nil {
		e.log.Info("call canceled by caller", slog.String("call_id", c.id))
		e.metrics.CallFailed(string(c.dir), "canceled")
		e.endCall(c, ErrCanceled)
	}
}

// onRefer принимает перевод: 202, NOTIFY 100 и новый вызов на Refer-To.
// Итог нового вызова сообщается NOTIFY с sipfrag.
func (e *Endpoint) onRefer(tx *transaction.Server, req *message.Request, d *dialog.Dialog) {
	if d == nil {
		e.stack.Reply(tx, message.StatusForbidden, "")
		return
	}
	target, err := dialog.ParseReferTo(req)
	if err != nil || e.callByDialog(d) == nil {
		e.stack.Reply(tx, 400, "")
		return
	}
	e.stack.Reply(tx, message.StatusAccepted, "")
	e.notifyRefer(d, message.StatusTrying, "")
	e.log.Info("transfer requested", slog.String("target", target.String()))

	media, err := e.listenMedia()
	if err != nil {
		e.notifyRefer(d, message.StatusServiceUnavailable, "")
		return
	}
	if _, err := e.startCall(target, media, func(code int, reason string) {
		e.notifyRefer(d, code, reason)
	}); err != nil {
		e.notifyRefer(d, message.StatusServerInternalError, "")
	}
}

func (e *Endpoint) notifyRefer(d *dialog.Dialog, code int, reason string) {
	if d.State() == dialog.StateTerminated {
		return
	}
	req, err := d.NewRequest(message.MethodNotify)
	if err != nil {
		return
	}
	req.SetHeader("Event", presence.EventRefer)
	req.SetHeader("Subscription-State", dialog.SubscriptionState(code))
	req.SetHeader("User-Agent", e.cfg.UserAgent)
	req.SetHeader("Content-Type", dialog.SipfragContentType)
	req.SetBody(dialog.NewSipfrag(code, reason))
	e.send(&stack.Exchange{
		Request: req,
		Dest:    e.destFor(d.NextRequestTarget()),
		Auth:    e.authz,
		Dialog:  d,
		OnError: func(err error) {
			e.log.Debug("refer NOTIFY failed", slog.Any("error", err))
		},
	})
}

func (e *Endpoint) onNotify(tx *transaction.Server, req *message.Request, d *dialog.Dialog) {
	event, _, _ := strings.Cut(req.GetHeader("Event"), ";")
	switch strings.ToLower(strings.TrimSpace(event)) {
	case presence.EventRefer:
		e.stack.Reply(tx, message.StatusOK, "")
		e.onReferNotify(req, d)
	case presence.EventPresence:
		e.onPresenceNotify(tx, req, d)
	default:
		e.stack.Reply(tx, 489, "Bad Event")
	}
}

// onReferNotify: 2xx нового вызова завершает переведенный вызов, неудача
// оставляет его
func (e *Endpoint) onReferNotify(req *message.Request, d *dialog.Dialog) {
	c := e.callByDialog(d)
	if c == nil {
		return
	}
	code, reason, err := dialog.ParseSipfrag(req.Body())
	if err != nil {
		e.log.Warn("invalid transfer progress", slog.Any("error", err))
		return
	}
	switch {
	case code >= 200 && code < 300:
		e.log.Info("transfer completed", slog.String("call_id", c.id))
		e.bye(c, nil)
		e.endCall(c, nil)
	case code >= 300:
		e.log.Warn("transfer failed", slog.String("call_id", c.id),
			slog.Int("status", code), slog.String("reason", reason))
	}
}
