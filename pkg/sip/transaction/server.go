package transaction

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/vphone/pkg/sip/message"
	"github.com/arzzra/vphone/pkg/sip/transport"
)

// Server серверная транзакция: IST для INVITE и NIST для остальных методов.
// Все методы вызываются только с run loop менеджера.
type Server struct {
	m        *Manager
	key      Key
	req      *message.Request
	src      transport.Source
	invite   bool
	state    State
	timers   *timerSet
	interval time.Duration
	last     *message.Response
	log      *slog.Logger

	onAck   func(*message.Request)
	onError func(error)
}

func newServer(m *Manager, key Key, req *message.Request, src transport.Source) *Server {
	s := &Server{
		m:      m,
		key:    key,
		req:    req,
		src:    src,
		invite: req.Method == message.MethodInvite,
		timers: newTimerSet(m.loop),
		log: m.log.With(
			slog.String("branch", key.Branch),
			slog.String("method", req.Method)),
	}
	if s.invite {
		s.state = StateProceeding
	} else {
		s.state = StateTrying
	}
	return s
}

// Key возвращает ключ транзакции
func (s *Server) Key() Key { return s.key }

// Request возвращает входящий запрос
func (s *Server) Request() *message.Request { return s.req }

// Source возвращает адрес, с которого пришел запрос
func (s *Server) Source() transport.Source { return s.src }

// State возвращает текущее состояние
func (s *Server) State() State { return s.state }

// LastResponse возвращает последний отправленный ответ
func (s *Server) LastResponse() *message.Response { return s.last }

// OnAck регистрирует обработчик ACK (только INVITE)
func (s *Server) OnAck(fn func(*message.Request)) { s.onAck = fn }

// OnError регистрирует обработчик Timer H и ошибок транспорта
func (s *Server) OnError(fn func(error)) { s.onError = fn }

// Respond отправляет ответ. Финальный ответ переводит транзакцию в Completed;
// после этого новые ответы не принимаются.
func (s *Server) Respond(res *message.Response) error {
	switch s.state {
	case StateTrying, StateProceeding:
	default:
		return ErrInvalidState
	}
	if err := s.m.send(context.Background(), s.src.Addr, res); err != nil {
		s.terminate()
		return err
	}
	s.last = res

	if res.IsProvisional() {
		s.state = StateProceeding
		return nil
	}

	s.state = StateCompleted
	reliable := s.m.tp.Reliable()
	if !s.invite {
		s.linger(TimerJ, reliable)
		return nil
	}

	if res.IsSuccess() {
		// ACK на 2xx приходит с новым branch, ищем по Call-ID и номеру CSeq
		cseq, _ := s.req.Headers.CSeq()
		s.m.acks[ackKey{callID: s.req.Headers.CallID(), seq: cseq.Seq}] = s
	}
	if !reliable {
		s.interval = s.m.timers.T1
		s.timers.start(TimerG, s.interval, s.retransmitResponse)
	}
	s.timers.start(TimerH, s.m.timers.Duration(TimerH, reliable), s.ackTimeout)
	return nil
}

// retransmitResponse обрабатывает Timer G
func (s *Server) retransmitResponse() {
	if s.state != StateCompleted || s.last == nil {
		return
	}
	if err := s.m.send(context.Background(), s.src.Addr, s.last); err != nil {
		s.fail(err)
		return
	}
	s.m.stats.Retransmissions++
	s.interval = nextInterval(s.interval, s.m.timers.T2)
	s.timers.start(TimerG, s.interval, s.retransmitResponse)
}

func (s *Server) ackTimeout() {
	if s.state != StateCompleted {
		return
	}
	s.m.stats.Timeouts++
	s.log.Warn("no ACK received", slog.Int("status", s.last.StatusCode))
	s.fail(&TimeoutError{Method: s.req.Method, Branch: s.key.Branch, Timer: TimerH})
}

// receiveAck подтверждает финальный ответ INVITE
func (s *Server) receiveAck(ack *message.Request) {
	if s.state != StateCompleted {
		// повторный ACK
		s.m.stats.Absorbed++
		return
	}
	s.timers.stop(TimerG)
	s.timers.stop(TimerH)
	s.state = StateConfirmed
	if s.onAck != nil {
		s.onAck(ack)
	}
	s.linger(TimerI, s.m.tp.Reliable())
}

// receiveRetransmission повторяет последний ответ на повторный запрос
func (s *Server) receiveRetransmission(req *message.Request) {
	s.m.stats.Absorbed++
	switch s.state {
	case StateProceeding, StateCompleted:
		if s.last != nil {
			if err := s.m.send(context.Background(), s.src.Addr, s.last); err != nil {
				s.log.Warn("failed to resend response", slog.Any("error", err))
			}
		}
	}
	s.log.Debug("retransmitted request absorbed", slog.String("state", s.state.String()))
}

func (s *Server) linger(id TimerID, reliable bool) {
	d := s.m.timers.Duration(id, reliable)
	if d <= 0 {
		s.terminate()
		return
	}
	s.timers.start(id, d, s.terminate)
}

func (s *Server) fail(err error) {
	s.terminate()
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Server) terminate() {
	if s.state == StateTerminated {
		return
	}
	s.state = StateTerminated
	s.timers.stopAll()
	s.m.removeServer(s)
}
