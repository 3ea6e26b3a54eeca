package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// UDPTransport UDP транспорт
type UDPTransport struct {
	cfg     Config
	log     *slog.Logger
	conn    *net.UDPConn
	handler atomic.Pointer[Handler]
	closed  atomic.Bool
	stats   counters
	wg      sync.WaitGroup
}

// NewUDPTransport создает новый UDP транспорт
func NewUDPTransport(cfg Config) *UDPTransport {
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	return &UDPTransport{cfg: cfg, log: cfg.logger("udp")}
}

func (t *UDPTransport) Network() string { return "udp" }
func (t *UDPTransport) Reliable() bool  { return false }

// Listen привязывает сокет и запускает чтение
func (t *UDPTransport) Listen(addr string) error {
	if t.conn != nil {
		return &Error{Op: "listen", Network: "udp", Addr: addr, Err: errors.New("already listening")}
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &Error{Op: "resolve", Network: "udp", Addr: addr, Err: err}
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return &Error{Op: "listen", Network: "udp", Addr: addr, Err: err}
	}
	t.conn = conn

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.wg.Wait()
	return err
}

// Send сериализует и отправляет сообщение одной датаграммой
func (t *UDPTransport) Send(ctx context.Context, addr string, msg message.Message) error {
	if t.closed.Load() {
		return &Error{Op: "send", Network: "udp", Addr: addr, Err: ErrClosed}
	}
	if t.conn == nil {
		return &Error{Op: "send", Network: "udp", Addr: addr, Err: ErrNotListening}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: "send", Network: "udp", Addr: addr, Err: err}
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &Error{Op: "resolve", Network: "udp", Addr: addr, Err: err}
	}

	data := msg.Bytes()
	n, err := t.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		t.stats.errors.Add(1)
		return &Error{Op: "send", Network: "udp", Addr: addr, Err: err, Temporary: isTemporary(err)}
	}
	t.stats.sent(n)
	t.log.Debug("sent", slog.String("to", addr), slog.Int("bytes", n))
	return nil
}

func (t *UDPTransport) OnMessage(handler Handler) {
	t.handler.Store(&handler)
}

func (t *UDPTransport) Stats() Stats {
	return t.stats.snapshot()
}

func (t *UDPTransport) LocalAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		n, remote, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.stats.errors.Add(1)
			t.log.Warn("read failed", slog.Any("error", err))
			continue
		}
		// keep-alive пакеты (CRLF) игнорируем
		if n <= 4 {
			continue
		}
		t.stats.received(n)

		data := make([]byte, n)
		copy(data, buf[:n])
		msg, err := message.Parse(data)
		if err != nil {
			t.stats.malformed.Add(1)
			t.log.Warn("dropping malformed datagram",
				slog.String("from", remote.String()),
				slog.Any("error", err))
			continue
		}

		if h := t.handler.Load(); h != nil {
			(*h)(msg, Source{Network: "udp", Addr: remote.String()})
		}
	}
}
