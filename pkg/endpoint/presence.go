package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/arzzra/vphone/pkg/presence"
	"github.com/arzzra/vphone/pkg/runloop"
	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/stack"
	"github.com/arzzra/vphone/pkg/sip/transaction"
)

// subscription подписка на presence одной цели
type subscription struct {
	*presence.Subscription
	uri   *message.URI
	dlg   *dialog.Dialog
	timer *runloop.Timer
	// pending первый SUBSCRIBE, ждущий 2xx; NOTIFY может прийти раньше
	pending *message.Request
}

func (s *subscription) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *subscription) stop() {
	s.stopTimer()
	s.State = presence.SubscriptionTerminated
	if s.dlg != nil {
		s.dlg.Terminate()
	}
}

func (e *Endpoint) subscriptionFor(d *dialog.Dialog) *subscription {
	if d == nil {
		return nil
	}
	for _, s := range e.subs {
		if s.dlg == d {
			return s
		}
	}
	return nil
}

// Subscribe subscribes to the presence of target and keeps the subscription
// renewed in the same dialog before it expires. Subscribing again to the same
// target refreshes the existing subscription.
func (e *Endpoint) Subscribe(ctx context.Context, target string) error {
	uri, err := e.resolveTarget(ctx, target)
	if err != nil {
		return err
	}
	_, err = e.roundtrip(ctx, message.MethodSubscribe, func(ex *stack.Exchange) error {
		sub, ok := e.subs[target]
		if !ok {
			sub = &subscription{
				Subscription: presence.NewSubscription(target, presence.EventPresence, e.cfg.SubscribeExpires),
				uri:          uri,
			}
			e.subs[target] = sub
		}
		sub.stopTimer()
		return e.prepareSubscribe(ex, sub, sub.Expires)
	})
	return err
}

// Unsubscribe sends SUBSCRIBE with Expires: 0. The renewal timer is
// cancelled before the request is sent.
func (e *Endpoint) Unsubscribe(ctx context.Context, target string) error {
	_, err := e.roundtrip(ctx, message.MethodSubscribe, func(ex *stack.Exchange) error {
		sub, ok := e.subs[target]
		if !ok || sub.dlg == nil {
			return ErrNotSubscribed
		}
		sub.stopTimer()
		return e.prepareSubscribe(ex, sub, 0)
	})
	return err
}

// prepareSubscribe строит SUBSCRIBE: первый вне диалога, обновления в
// диалоге подписки с кешированными учетными данными
func (e *Endpoint) prepareSubscribe(ex *stack.Exchange, sub *subscription, expires time.Duration) error {
	var (
		req *message.Request
		err error
	)
	if sub.dlg != nil {
		req, err = sub.dlg.NewRequest(message.MethodSubscribe)
	} else {
		req, err = message.NewRequest(message.MethodSubscribe, sub.uri.Clone()).
			Via(e.stack.Via()).
			From(e.from()).
			To(&message.NameAddr{URI: sub.uri.Clone()}).
			CallID(message.NewCallID(e.aor.Host)).
			CSeq(1).
			Contact(e.stack.Contact()).
			Build()
	}
	if err != nil {
		return err
	}
	req.SetHeader("Event", sub.Event)
	req.SetHeader("Accept", presence.Accept)
	req.SetHeader("Expires", strconv.Itoa(int(expires/time.Second)))
	req.SetHeader("User-Agent", e.cfg.UserAgent)
	if _, err := e.authz.Apply(req); err != nil {
		e.log.Debug("cached credentials not applied", slog.Any("error", err))
	}

	ex.Request, ex.Dest, ex.Auth, ex.Dialog = req, e.destFor(sub.uri), e.authz, sub.dlg
	if sub.dlg == nil {
		sub.pending = req
		ex.OnResubmit = func(retry *message.Request) { sub.pending = retry }
	}
	ex.OnResponse = func(client *transaction.Client, res *message.Response) {
		e.subscribeResponse(sub, client, res, expires)
	}
	ex.OnError = func(err error) {
		e.log.Warn("subscription failed", slog.String("target", sub.Target), slog.Any("error", err))
		e.dropSubscription(sub)
	}
	return nil
}

func (e *Endpoint) subscribeResponse(sub *subscription, client *transaction.Client, res *message.Response, expires time.Duration) {
	if res.IsProvisional() {
		return
	}
	if !res.IsSuccess() {
		e.log.Warn("subscription rejected",
			slog.String("target", sub.Target), slog.Int("status", res.StatusCode))
		e.dropSubscription(sub)
		return
	}

	sub.pending = nil
	if sub.dlg == nil {
		d, err := dialog.NewUAC(client.Request(), res)
		if err != nil {
			e.log.Warn("invalid SUBSCRIBE response", slog.Any("error", err))
			e.dropSubscription(sub)
			return
		}
		e.stack.Dialogs().Add(d)
		sub.dlg, sub.DialogID = d, d.ID()
	} else if err := sub.dlg.ReceiveResponse(res); err != nil {
		e.log.Debug("subscription dialog update failed", slog.Any("error", err))
	}

	if expires == 0 {
		e.unsubscribed(sub)
		return
	}

	var granted time.Duration
	if secs, ok := res.Headers.Expires(); ok {
		granted = time.Duration(secs) * time.Second
	}
	now := time.Now()
	sub.Grant(now, granted)
	sub.stopTimer()
	sub.timer = e.loop.AfterFunc(sub.RenewAt().Sub(now), func() { e.renewSubscription(sub) })
	e.log.Info("subscribed",
		slog.String("target", sub.Target),
		slog.Time("expires_at", sub.ExpiresAt))
	e.notify()
}

func (e *Endpoint) renewSubscription(sub *subscription) {
	sub.timer = nil
	if e.subs[sub.Target] != sub {
		return
	}
	ex := &stack.Exchange{}
	if err := e.prepareSubscribe(ex, sub, sub.Expires); err != nil {
		e.log.Warn("failed to renew subscription", slog.Any("error", err))
		e.dropSubscription(sub)
		return
	}
	e.send(ex)
}

// unsubscribed убирает подписку; диалог ждет последний NOTIFY с
// terminated не дольше 64*T1
func (e *Endpoint) unsubscribed(sub *subscription) {
	sub.stopTimer()
	sub.State = presence.SubscriptionTerminated
	if e.subs[sub.Target] == sub {
		delete(e.subs, sub.Target)
	}
	if d := sub.dlg; d != nil {
		e.loop.AfterFunc(64*e.stack.Transactions().Timers().T1, d.Terminate)
	}
	e.log.Info("unsubscribed", slog.String("target", sub.Target))
	e.notify()
}

func (e *Endpoint) dropSubscription(sub *subscription) {
	sub.stop()
	if e.subs[sub.Target] == sub {
		delete(e.subs, sub.Target)
	}
	e.notify()
}

// adoptNotify создает диалог подписки по NOTIFY, обогнавшему 2xx на
// SUBSCRIBE: Call-ID и наш тег в To должны совпасть с ожидающим SUBSCRIBE.
// Последующий 2xx обновит уже созданный диалог.
func (e *Endpoint) adoptNotify(req *message.Request) *dialog.Dialog {
	if req.Method != message.MethodNotify {
		return nil
	}
	to, err := req.Headers.To()
	if err != nil || to.Tag() == "" {
		return nil
	}
	for _, sub := range e.subs {
		if sub.dlg != nil || sub.pending == nil || sub.pending.Headers.CallID() != req.Headers.CallID() {
			continue
		}
		from, err := sub.pending.Headers.From()
		if err != nil || from.Tag() != to.Tag() {
			continue
		}
		d, err := dialog.NewFromNotify(sub.pending, req)
		if err != nil {
			e.log.Warn("invalid early NOTIFY", slog.String("target", sub.Target), slog.Any("error", err))
			return nil
		}
		sub.dlg, sub.DialogID = d, d.ID()
		e.log.Debug("subscription dialog created by NOTIFY", slog.String("target", sub.Target))
		return d
	}
	return nil
}

// onPresenceNotify применяет NOTIFY подписки и запоминает последний статус
func (e *Endpoint) onPresenceNotify(tx *transaction.Server, req *message.Request, d *dialog.Dialog) {
	if d == nil {
		e.stack.Reply(tx, message.StatusCallDoesNotExist, "")
		return
	}
	e.stack.Reply(tx, message.StatusOK, "")

	sub := e.subscriptionFor(d)
	if sub == nil {
		// подписка уже отменена, ждали только terminated
		if state, _ := presence.ParseSubscriptionState(req.GetHeader("Subscription-State")); state == presence.SubscriptionTerminated {
			d.Terminate()
		}
		return
	}
	if err := sub.Notify(time.Now(), req); err != nil {
		e.log.Warn("invalid presence document", slog.String("target", sub.Target), slog.Any("error", err))
	}
	if sub.LastStatus != "" {
		e.setNote(sub.Target, sub.LastStatus)
	}
	e.log.Debug("presence notification",
		slog.String("target", sub.Target),
		slog.String("status", string(sub.LastStatus)),
		slog.String("state", string(sub.State)))
	if sub.State == presence.SubscriptionTerminated {
		e.dropSubscription(sub)
		return
	}
	e.notify()
}

// publication собственный статус, опубликованный PUBLISH
type publication struct {
	presence.Publication
	timer *runloop.Timer
}

func (p *publication) stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// SetPresence publishes status for the endpoint's AOR and refreshes the
// publication before it expires. When the server has lost the published
// state (412) the status is published anew once.
func (e *Endpoint) SetPresence(ctx context.Context, status presence.Status) error {
	if e.serverAddr == "" {
		return &ResponseError{Method: message.MethodPublish, StatusCode: message.StatusServiceUnavailable, Reason: "no server configured"}
	}
	publish := func() error {
		_, err := e.roundtrip(ctx, message.MethodPublish, func(ex *stack.Exchange) error {
			return e.preparePublish(ex, status)
		})
		return err
	}
	err := publish()
	var rerr *ResponseError
	if errors.As(err, &rerr) && rerr.StatusCode == message.StatusConditionalRequestFail {
		e.log.Debug("published state lost, publishing anew")
		if doErr := e.loop.Do(ctx, e.pub.Reset); doErr != nil {
			return doErr
		}
		err = publish()
	}
	return err
}

func (e *Endpoint) preparePublish(ex *stack.Exchange, status presence.Status) error {
	e.pub.stop()
	e.pub.Status = status
	e.pub.Expires = e.cfg.PublishExpires
	req, err := message.NewRequest(message.MethodPublish, e.aor.Clone()).
		Via(e.stack.Via()).
		From(e.from()).
		To(&message.NameAddr{URI: e.aor.Clone()}).
		CallID(message.NewCallID(e.aor.Host)).
		CSeq(1).
		Header("Event", presence.EventPresence).
		Header("User-Agent", e.cfg.UserAgent).
		Body(presence.ContentType, presence.Document(e.aor.String(), status)).
		Build()
	if err != nil {
		return err
	}
	e.pub.Prepare(req)
	if _, err := e.authz.Apply(req); err != nil {
		e.log.Debug("cached credentials not applied", slog.Any("error", err))
	}

	ex.Request, ex.Dest, ex.Auth = req, e.serverAddr, e.authz
	ex.OnResponse = func(_ *transaction.Client, res *message.Response) {
		if !res.IsSuccess() {
			return
		}
		now := time.Now()
		e.pub.Accept(now, res)
		e.pub.stop()
		e.pub.timer = e.loop.AfterFunc(presence.RenewAt(now, e.pub.ExpiresAt).Sub(now), e.refreshPublication)
		e.log.Info("presence published",
			slog.String("status", string(status)),
			slog.String("etag", e.pub.ETag))
	}
	return nil
}

// refreshPublication обновляет публикацию по SIP-If-Match; после 412
// публикует заново
func (e *Endpoint) refreshPublication() {
	e.pub.timer = nil
	e.sendPublish(true)
}

func (e *Endpoint) sendPublish(retry bool) {
	ex := &stack.Exchange{}
	if err := e.preparePublish(ex, e.pub.Status); err != nil {
		e.log.Warn("failed to refresh publication", slog.Any("error", err))
		return
	}
	accepted := ex.OnResponse
	ex.OnResponse = func(c *transaction.Client, res *message.Response) {
		if res.StatusCode == message.StatusConditionalRequestFail && retry {
			e.pub.Reset()
			e.sendPublish(false)
			return
		}
		accepted(c, res)
	}
	ex.OnError = func(err error) {
		e.log.Warn("publication refresh failed", slog.Any("error", err))
	}
	e.send(ex)
}
