package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// StreamTransport TCP/TLS транспорт. Соединения кэшируются по удаленному
// адресу: ответы и запросы к тому же адресу идут по уже открытому соединению.
type StreamTransport struct {
	network  string
	cfg      Config
	log      *slog.Logger
	listener net.Listener
	handler  atomic.Pointer[Handler]
	closed   atomic.Bool
	stats    counters
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*streamConn
}

type streamConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewTCPTransport создает новый TCP транспорт
func NewTCPTransport(cfg Config) *StreamTransport {
	return newStreamTransport("tcp", cfg)
}

// NewTLSTransport создает новый TLS транспорт; cfg.TLSConfig обязателен
func NewTLSTransport(cfg Config) *StreamTransport {
	return newStreamTransport("tls", cfg)
}

func newStreamTransport(network string, cfg Config) *StreamTransport {
	def := DefaultConfig()
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &StreamTransport{
		network: network,
		cfg:     cfg,
		log:     cfg.logger(network),
		conns:   make(map[string]*streamConn),
	}
}

func (t *StreamTransport) Network() string { return t.network }
func (t *StreamTransport) Reliable() bool  { return true }

func (t *StreamTransport) Listen(addr string) error {
	var (
		l   net.Listener
		err error
	)
	if t.network == "tls" {
		if t.cfg.TLSConfig == nil {
			return &Error{Op: "listen", Network: t.network, Addr: addr, Err: ErrNoTLSConfig}
		}
		l, err = tls.Listen("tcp", addr, t.cfg.TLSConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return &Error{Op: "listen", Network: t.network, Addr: addr, Err: err}
	}
	t.listener = l

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *StreamTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.Lock()
	for addr, c := range t.conns {
		_ = c.conn.Close()
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	t.wg.Wait()
	return err
}

// Send пишет сообщение в существующее соединение или открывает новое
func (t *StreamTransport) Send(ctx context.Context, addr string, msg message.Message) error {
	if t.closed.Load() {
		return &Error{Op: "send", Network: t.network, Addr: addr, Err: ErrClosed}
	}
	c, err := t.connection(ctx, addr)
	if err != nil {
		return err
	}

	data := msg.Bytes()
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout))
	n, err := c.conn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		t.stats.errors.Add(1)
		t.drop(addr, c)
		return &Error{Op: "send", Network: t.network, Addr: addr, Err: err, Temporary: isTemporary(err)}
	}
	t.stats.sent(n)
	t.log.Debug("sent", slog.String("to", addr), slog.Int("bytes", n))
	return nil
}

func (t *StreamTransport) OnMessage(handler Handler) {
	t.handler.Store(&handler)
}

func (t *StreamTransport) Stats() Stats {
	return t.stats.snapshot()
}

func (t *StreamTransport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *StreamTransport) connection(ctx context.Context, addr string) (*streamConn, error) {
	t.mu.Lock()
	c, ok := t.conns[addr]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if t.network == "tls" {
		td := &tls.Dialer{NetDialer: dialer, Config: t.cfg.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &Error{Op: "dial", Network: t.network, Addr: addr, Err: err, Temporary: isTemporary(err)}
	}
	return t.track(addr, conn), nil
}

func (t *StreamTransport) track(addr string, conn net.Conn) *streamConn {
	c := &streamConn{conn: conn}
	t.mu.Lock()
	if existing, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		_ = conn.Close()
		return existing
	}
	t.conns[addr] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(addr, c)
	return c
}

func (t *StreamTransport) drop(addr string, c *streamConn) {
	t.mu.Lock()
	if t.conns[addr] == c {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	_ = c.conn.Close()
}

func (t *StreamTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("accept failed", slog.Any("error", err))
			continue
		}
		t.track(conn.RemoteAddr().String(), conn)
	}
}

func (t *StreamTransport) readLoop(addr string, c *streamConn) {
	defer t.wg.Done()
	defer t.drop(addr, c)

	r := bufio.NewReader(c.conn)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		msg, err := message.ReadMessage(r)
		if err != nil {
			switch {
			case t.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, message.ErrMalformed):
				// после ошибки разбора граница следующего сообщения неизвестна
				t.stats.malformed.Add(1)
				t.log.Warn("closing stream after malformed message",
					slog.String("from", addr), slog.Any("error", err))
			default:
				t.log.Debug("connection closed", slog.String("from", addr), slog.Any("error", err))
			}
			return
		}
		t.stats.received(len(msg.Bytes()))

		if h := t.handler.Load(); h != nil {
			(*h)(msg, Source{Network: t.network, Addr: addr})
		}
	}
}
