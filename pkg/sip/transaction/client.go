package transaction

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// Client клиентская транзакция: ICT для INVITE и NICT для остальных методов.
// Все методы вызываются только с run loop менеджера.
type Client struct {
	m        *Manager
	key      Key
	req      *message.Request
	dest     string
	invite   bool
	state    State
	timers   *timerSet
	interval time.Duration
	log      *slog.Logger

	// ACK на не-2xx строится транзакцией; ACK на 2xx регистрирует диалог
	ack     *message.Request
	ackDest string

	delivered  map[string]struct{}
	onResponse func(*message.Response)
	onError    func(error)
}

func newClient(m *Manager, key Key, req *message.Request, dest string) *Client {
	return &Client{
		m:         m,
		key:       key,
		req:       req,
		dest:      dest,
		invite:    req.Method == message.MethodInvite,
		timers:    newTimerSet(m.loop),
		delivered: make(map[string]struct{}),
		log: m.log.With(
			slog.String("branch", key.Branch),
			slog.String("method", req.Method)),
	}
}

// Key возвращает ключ транзакции
func (c *Client) Key() Key { return c.key }

// Request возвращает исходный запрос
func (c *Client) Request() *message.Request { return c.req }

// Dest возвращает адрес назначения
func (c *Client) Dest() string { return c.dest }

// State возвращает текущее состояние
func (c *Client) State() State { return c.state }

// OnResponse регистрирует обработчик ответов. Каждый ответ доставляется не
// более одного раза.
func (c *Client) OnResponse(fn func(*message.Response)) { c.onResponse = fn }

// OnError регистрирует обработчик таймаута и ошибок транспорта
func (c *Client) OnError(fn func(error)) { c.onError = fn }

// Ack отправляет ACK на 2xx и запоминает его для повторной отправки при
// ретрансмиссиях 2xx.
func (c *Client) Ack(ctx context.Context, ack *message.Request, dest string) error {
	c.ack, c.ackDest = ack, dest
	return c.m.send(ctx, dest, ack)
}

func (c *Client) start(ctx context.Context) error {
	if err := c.m.send(ctx, c.dest, c.req); err != nil {
		c.terminate()
		return err
	}
	reliable := c.m.tp.Reliable()
	c.interval = c.m.timers.T1
	if c.invite {
		c.state = StateCalling
		if !reliable {
			c.timers.start(TimerA, c.interval, c.retransmit)
		}
		c.timers.start(TimerB, c.m.timers.Duration(TimerB, reliable), func() { c.timeout(TimerB) })
	} else {
		c.state = StateTrying
		if !reliable {
			c.timers.start(TimerE, c.interval, c.retransmit)
		}
		c.timers.start(TimerF, c.m.timers.Duration(TimerF, reliable), func() { c.timeout(TimerF) })
	}
	c.log.Debug("client transaction started", slog.String("dest", c.dest))
	return nil
}

// retransmit обрабатывает Timer A и Timer E
func (c *Client) retransmit() {
	switch c.state {
	case StateCalling, StateTrying, StateProceeding:
	default:
		return
	}
	if err := c.m.send(context.Background(), c.dest, c.req); err != nil {
		c.fail(err)
		return
	}
	c.m.stats.Retransmissions++

	if c.invite {
		// Timer A удваивается без ограничения, его ограничивает Timer B
		c.interval = nextInterval(c.interval, 0)
		c.timers.start(TimerA, c.interval, c.retransmit)
		return
	}
	if c.state == StateProceeding {
		c.interval = c.m.timers.T2
	} else {
		c.interval = nextInterval(c.interval, c.m.timers.T2)
	}
	c.timers.start(TimerE, c.interval, c.retransmit)
}

func (c *Client) timeout(id TimerID) {
	if c.state == StateCompleted || c.state == StateTerminated {
		return
	}
	c.m.stats.Timeouts++
	c.log.Warn("transaction timeout", slog.String("timer", string(id)))
	c.fail(&TimeoutError{Method: c.req.Method, Branch: c.key.Branch, Timer: id})
}

func (c *Client) fail(err error) {
	c.terminate()
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Client) receive(res *message.Response) {
	switch {
	case res.IsProvisional():
		c.receiveProvisional(res)
	case c.invite && res.IsSuccess():
		c.receiveInviteSuccess(res)
	case c.invite:
		c.receiveInviteFailure(res)
	default:
		c.receiveFinal(res)
	}
}

func (c *Client) receiveProvisional(res *message.Response) {
	switch c.state {
	case StateCalling, StateTrying:
		c.state = StateProceeding
		c.timers.stop(TimerA)
	case StateProceeding:
	default:
		c.absorb(res)
		return
	}
	c.deliver(res, responseID(res))
}

func (c *Client) receiveInviteSuccess(res *message.Response) {
	switch c.state {
	case StateCalling, StateProceeding:
		c.timers.stop(TimerA)
		c.timers.stop(TimerB)
		c.state = StateCompleted
		// ретрансмиссии 2xx поглощаются в течение 64*T1
		c.timers.start(TimerM, c.m.timers.Duration(TimerM, false), c.terminate)
		c.deliver(res, responseID(res))
	case StateCompleted:
		id := responseID(res)
		if _, seen := c.delivered[id]; !seen {
			// 2xx от другой ветви форка
			c.deliver(res, id)
			return
		}
		c.absorb(res)
		if c.ack != nil {
			_ = c.m.send(context.Background(), c.ackDest, c.ack)
		}
	default:
		c.absorb(res)
	}
}

func (c *Client) receiveInviteFailure(res *message.Response) {
	switch c.state {
	case StateCalling, StateProceeding:
		c.timers.stop(TimerA)
		c.timers.stop(TimerB)
		c.state = StateCompleted
		if ack := c.buildAck(res); ack != nil {
			c.ack, c.ackDest = ack, c.dest
			if err := c.m.send(context.Background(), c.dest, ack); err != nil {
				c.log.Warn("failed to send ACK", slog.Any("error", err))
			}
		}
		c.deliver(res, responseID(res))
		c.linger(TimerD)
	case StateCompleted:
		c.absorb(res)
		if c.ack != nil {
			_ = c.m.send(context.Background(), c.ackDest, c.ack)
		}
	default:
		c.absorb(res)
	}
}

func (c *Client) receiveFinal(res *message.Response) {
	switch c.state {
	case StateTrying, StateProceeding:
		c.timers.stop(TimerE)
		c.timers.stop(TimerF)
		c.state = StateCompleted
		c.deliver(res, responseID(res))
		c.linger(TimerK)
	default:
		c.absorb(res)
	}
}

// linger держит транзакцию в Completed на время таймера или завершает сразу
func (c *Client) linger(id TimerID) {
	if c.state != StateCompleted {
		return
	}
	d := c.m.timers.Duration(id, c.m.tp.Reliable())
	if d <= 0 {
		c.terminate()
		return
	}
	c.timers.start(id, d, c.terminate)
}

func (c *Client) deliver(res *message.Response, id string) {
	if _, seen := c.delivered[id]; seen {
		c.absorb(res)
		return
	}
	c.delivered[id] = struct{}{}
	if c.onResponse != nil {
		c.onResponse(res)
	}
}

func (c *Client) absorb(res *message.Response) {
	c.m.stats.Absorbed++
	c.log.Debug("retransmitted response absorbed", slog.Int("status", res.StatusCode))
}

func (c *Client) terminate() {
	if c.state == StateTerminated {
		return
	}
	c.state = StateTerminated
	c.timers.stopAll()
	c.m.removeClient(c)
}

// buildAck строит ACK на не-2xx финальный ответ (RFC 3261 17.1.1.3)
func (c *Client) buildAck(res *message.Response) *message.Request {
	cseq, _ := c.req.Headers.CSeq()
	via, _ := c.req.Headers.TopVia()
	b := message.NewRequest(message.MethodAck, c.req.RequestURI.Clone()).
		Via(via).
		Header("From", c.req.GetHeader("From")).
		Header("To", res.GetHeader("To")).
		CallID(c.req.Headers.CallID()).
		CSeq(cseq.Seq)
	for _, r := range c.req.GetHeaders("Route") {
		b.Route(r)
	}
	ack, err := b.Build()
	if err != nil {
		c.log.Warn("failed to build ACK", slog.Any("error", err))
		return nil
	}
	return ack
}

// responseID различает ответы для дедупликации: код плюс To-tag
func responseID(res *message.Response) string {
	return strconv.Itoa(res.StatusCode) + "/" + res.Headers.ToTag()
}
