package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// Source описывает откуда пришло сообщение
type Source struct {
	Network string
	Addr    string
}

// Handler получает разобранные входящие сообщения.
// Вызывается из горутины чтения транспорта.
type Handler func(msg message.Message, src Source)

// Transport представляет сетевой транспорт
type Transport interface {
	Network() string // "udp", "tcp", "tls"
	Reliable() bool  // TCP/TLS являются reliable

	Listen(addr string) error
	Close() error

	Send(ctx context.Context, addr string, msg message.Message) error
	OnMessage(handler Handler)

	Stats() Stats
	LocalAddr() net.Addr
}

// Config транспорта
type Config struct {
	Logger         *slog.Logger
	ReadBufferSize int
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	TLSConfig      *tls.Config
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		ReadBufferSize: 65535,
		DialTimeout:    5 * time.Second,
		IdleTimeout:    5 * time.Minute,
	}
}

func (c *Config) logger(network string) *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "transport"), slog.String("network", network))
}

// New создает транспорт для сети "udp", "tcp" или "tls".
func New(network string, cfg Config) (Transport, error) {
	switch strings.ToLower(network) {
	case "udp":
		return NewUDPTransport(cfg), nil
	case "tcp":
		return NewTCPTransport(cfg), nil
	case "tls":
		if cfg.TLSConfig == nil {
			return nil, &Error{Op: "create", Network: "tls", Err: ErrNoTLSConfig}
		}
		return NewTLSTransport(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
}

// Stats счетчики транспорта
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Malformed        uint64
	Errors           uint64
}

type counters struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	malformed        atomic.Uint64
	errors           atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Malformed:        c.malformed.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *counters) sent(n int) {
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *counters) received(n int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
}
