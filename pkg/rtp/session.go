// Package rtp реализует медиа движок виртуального телефона: одна RTP сессия на
// вызов с jitter buffer, статистикой RFC 3550, режимами echo, replay, passive
// и record, и отчетами RTCP.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/vphone/pkg/metrics"
	"github.com/arzzra/vphone/pkg/sip/sdp"
)

// Mode режим работы сессии
type Mode string

const (
	// ModeEcho возвращает каждый принятый пакет с задержкой EchoDelay
	ModeEcho Mode = "echo"
	// ModeReplay воспроизводит Capture с исходными интервалами
	ModeReplay Mode = "replay"
	// ModePassive только принимает и считает статистику
	ModePassive Mode = "passive"
	// ModeRecord принимает и пишет каждый пакет в RecordTo
	ModeRecord Mode = "record"
)

// ParseMode разбирает имя режима
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeEcho, ModeReplay, ModePassive, ModeRecord:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

const maxPacketSize = 1500

// Config параметры сессии
type Config struct {
	// LocalAddr адрес привязки; порт 0 выбирает свободный
	LocalAddr   string
	Mode        Mode
	PayloadType uint8
	ClockRate   uint32
	// JitterDepth максимальное число пакетов в jitter buffer
	JitterDepth int
	EchoDelay   time.Duration
	PacketTime  time.Duration

	Capture *Capture
	Loop    bool

	RecordTo io.Writer

	RTCP         bool
	RTCPInterval time.Duration

	// DSCP маркировка исходящих пакетов, 46 = EF
	DSCP int

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// DefaultConfig возвращает настройки по умолчанию для телефонии
func DefaultConfig() Config {
	return Config{
		LocalAddr:    "0.0.0.0:0",
		Mode:         ModePassive,
		PayloadType:  0,
		ClockRate:    8000,
		JitterDepth:  5,
		EchoDelay:    100 * time.Millisecond,
		PacketTime:   20 * time.Millisecond,
		RTCP:         true,
		RTCPInterval: 5 * time.Second,
		DSCP:         46,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	switch c.Mode {
	case ModeEcho, ModePassive:
	case ModeReplay:
		if c.Capture == nil || len(c.Capture.Frames) == 0 {
			return ErrNoCapture
		}
	case ModeRecord:
		if c.RecordTo == nil {
			return errors.New("record mode requires RecordTo")
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.PayloadType > 127 {
		return fmt.Errorf("invalid payload type %d", c.PayloadType)
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LocalAddr == "" {
		c.LocalAddr = def.LocalAddr
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.ClockRate == 0 {
		c.ClockRate = def.ClockRate
	}
	if c.JitterDepth <= 0 {
		c.JitterDepth = def.JitterDepth
	}
	if c.EchoDelay <= 0 {
		c.EchoDelay = def.EchoDelay
	}
	if c.PacketTime <= 0 {
		c.PacketTime = def.PacketTime
	}
	if c.RTCPInterval <= 0 {
		c.RTCPInterval = def.RTCPInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type echoItem struct {
	due         time.Time
	payloadType uint8
	payload     []byte
}

// Session одна RTP сессия. Сокеты занимаются в Listen, чтобы SDP содержал
// реальный порт; прием и передача идут в собственных горутинах после Start.
type Session struct {
	cfg  Config
	log  *slog.Logger
	ssrc uint32

	conn     *net.UDPConn
	rtcpConn *net.UDPConn

	mu         sync.Mutex
	remote     *net.UDPAddr
	remoteRTCP *net.UDPAddr
	direction  sdp.Direction
	jitter     *JitterBuffer
	recv       *receiveStats
	stats      Stats
	echo       []echoItem
	seq        uint16
	timestamp  uint32
	recorder   *CaptureWriter
	started    bool
	stopped    bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Listen занимает RTP сокет (и RTCP на порту +1, если включен)
func Listen(cfg Config) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, mediaError("config", err)
	}

	conn, rtcpConn, err := bind(cfg)
	if err != nil {
		cfg.Metrics.MediaFailure("bind")
		return nil, mediaError("bind", err)
	}

	s := &Session{
		cfg:       cfg,
		ssrc:      rand.Uint32(),
		conn:      conn,
		rtcpConn:  rtcpConn,
		direction: sdp.SendRecv,
		jitter:    NewJitterBuffer(cfg.JitterDepth),
		recv:      newReceiveStats(cfg.ClockRate),
		seq:       uint16(rand.Uint32()),
		timestamp: rand.Uint32(),
	}
	s.stats.SSRC = s.ssrc
	s.log = cfg.Logger.With(
		slog.String("component", "rtp"),
		slog.String("mode", string(cfg.Mode)),
		slog.Int("port", s.Port()))
	if cfg.RecordTo != nil {
		s.recorder = NewCaptureWriter(cfg.RecordTo, conn.LocalAddr().(*net.UDPAddr))
	}
	return s, nil
}

func bind(cfg Config) (*net.UDPConn, *net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSockOptForVoice(c, cfg.DSCP)
		},
	}
	listen := func(addr string) (*net.UDPConn, error) {
		pc, err := lc.ListenPacket(context.Background(), "udp", addr)
		if err != nil {
			return nil, err
		}
		return pc.(*net.UDPConn), nil
	}

	host, port, err := net.SplitHostPort(cfg.LocalAddr)
	if err != nil {
		return nil, nil, err
	}
	attempts := 1
	if port == "0" && cfg.RTCP {
		attempts = 16
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := listen(cfg.LocalAddr)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.RTCP {
			return conn, nil, nil
		}
		rtpPort := conn.LocalAddr().(*net.UDPAddr).Port
		rtcpConn, err := listen(net.JoinHostPort(host, strconv.Itoa(rtpPort+1)))
		if err == nil {
			return conn, rtcpConn, nil
		}
		// порт+1 занят, пробуем другую пару
		conn.Close()
		lastErr = err
	}
	return nil, nil, lastErr
}

// LocalAddr возвращает адрес RTP сокета
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Port возвращает реально занятый RTP порт
func (s *Session) Port() int { return s.LocalAddr().Port }

// SSRC возвращает идентификатор исходящего потока
func (s *Session) SSRC() uint32 { return s.ssrc }

// Mode возвращает режим сессии
func (s *Session) Mode() Mode { return s.cfg.Mode }

// Start запускает прием и передачу с удаленной стороной remote (host:port)
func (s *Session) Start(ctx context.Context, remote string) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return mediaError("start", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	if s.stopped || s.started {
		reason := ErrAlreadyStarted
		if s.stopped {
			reason = ErrStopped
		}
		s.mu.Unlock()
		cancel()
		return mediaError("start", reason)
	}
	s.started = true
	s.cancel, s.group = cancel, g
	s.setRemoteLocked(addr)
	s.mu.Unlock()

	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.playoutLoop(gctx) })
	if s.cfg.Mode == ModeReplay {
		g.Go(func() error { return s.replayLoop(gctx) })
	}
	if s.rtcpConn != nil {
		g.Go(func() error { return s.rtcpReadLoop(gctx) })
		g.Go(func() error { return s.rtcpReportLoop(gctx) })
	}
	// разблокирует чтение сокетов при отмене
	g.Go(func() error {
		<-gctx.Done()
		past := time.Unix(1, 0)
		_ = s.conn.SetReadDeadline(past)
		if s.rtcpConn != nil {
			_ = s.rtcpConn.SetReadDeadline(past)
		}
		return nil
	})

	s.cfg.Metrics.SessionStarted(string(s.cfg.Mode))
	s.log.Info("media session started", slog.String("remote", addr.String()))
	return nil
}

// SetRemote меняет адрес удаленной стороны (re-INVITE с новым SDP)
func (s *Session) SetRemote(remote string) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return mediaError("remote", err)
	}
	s.mu.Lock()
	s.setRemoteLocked(addr)
	s.mu.Unlock()
	return nil
}

func (s *Session) setRemoteLocked(addr *net.UDPAddr) {
	s.remote = addr
	s.remoteRTCP = &net.UDPAddr{IP: addr.IP, Port: addr.Port + 1, Zone: addr.Zone}
}

// SetDirection меняет направление потока: на удержании передача прекращается
func (s *Session) SetDirection(d sdp.Direction) {
	s.mu.Lock()
	s.direction = d
	s.mu.Unlock()
	s.log.Debug("media direction changed", slog.String("direction", string(d)))
}

// Direction возвращает текущее направление
func (s *Session) Direction() sdp.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// Stats возвращает снимок статистики
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PacketsLost = s.jitter.Lost()
	st.PacketsLate = s.jitter.Late()
	st.Duplicates = s.jitter.Duplicates()
	st.Jitter = s.recv.jitter
	st.JitterMs = s.recv.jitterMs()
	st.HighestSeq = s.recv.extendedMax()
	return st
}

// Stop останавливает горутины и закрывает сокеты. Повторный вызов ничего не делает.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	var err error
	if started {
		s.cancel()
		err = s.group.Wait()
	}
	s.conn.Close()
	if s.rtcpConn != nil {
		s.rtcpConn.Close()
	}

	s.mu.Lock()
	s.jitter.Flush()
	s.mu.Unlock()

	st := s.Stats()
	if started {
		s.cfg.Metrics.SessionStopped(string(s.cfg.Mode), st.JitterMs)
	}
	s.log.Info("media session stopped",
		slog.Uint64("received", st.PacketsReceived),
		slog.Uint64("sent", st.PacketsSent),
		slog.Uint64("lost", st.PacketsLost),
		slog.Float64("jitter_ms", st.JitterMs))
	return err
}

func (s *Session) receiveLoop(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.cfg.Metrics.MediaFailure("read")
			return mediaError("read", err)
		}
		data := append([]byte(nil), buf[:n]...)
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(data); err != nil || pkt.Version != 2 {
			s.log.Debug("dropping non-RTP datagram", slog.String("from", from.String()))
			continue
		}
		s.handlePacket(Packet{Packet: pkt, Arrival: time.Now()}, from, data)
	}
}

func (s *Session) handlePacket(p Packet, from *net.UDPAddr, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.WritePacket(p.Arrival, from, raw); err != nil {
			s.log.Warn("capture write failed", slog.Any("error", err))
			s.recorder = nil
		}
	}

	lostBefore, lateBefore := s.jitter.Lost(), s.jitter.Late()
	out, accepted := s.jitter.Push(p)
	if accepted {
		s.stats.PacketsReceived++
		s.stats.BytesReceived += uint64(len(p.Payload))
		s.stats.RemoteSSRC = p.SSRC
		s.stats.LastReceived = p.Arrival
		s.recv.update(p.SequenceNumber, p.Timestamp, p.Arrival)
		s.cfg.Metrics.PacketReceived(string(s.cfg.Mode))
	} else if s.jitter.Late() > lateBefore {
		s.cfg.Metrics.PacketLate(string(s.cfg.Mode))
	}
	s.releaseLocked(out)
	s.cfg.Metrics.PacketsLost(string(s.cfg.Mode), s.jitter.Lost()-lostBefore)
}

// releaseLocked получает пакеты, вышедшие из jitter buffer по порядку
func (s *Session) releaseLocked(out []Packet) {
	if s.cfg.Mode != ModeEcho {
		return
	}
	for _, p := range out {
		s.echo = append(s.echo, echoItem{
			due:         p.Arrival.Add(s.cfg.EchoDelay),
			payloadType: p.PayloadType,
			payload:     p.Payload,
		})
	}
}

// playoutLoop раз в PacketTime выпускает задержавшиеся в буфере пакеты и
// отправляет эхо, срок которого наступил.
func (s *Session) playoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PacketTime)
	defer ticker.Stop()
	maxAge := s.cfg.PacketTime * time.Duration(s.cfg.JitterDepth)

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.mu.Lock()
			lostBefore := s.jitter.Lost()
			s.releaseLocked(s.jitter.Expire(now, maxAge))
			s.cfg.Metrics.PacketsLost(string(s.cfg.Mode), s.jitter.Lost()-lostBefore)

			var due []echoItem
			i := 0
			for i < len(s.echo) && !s.echo[i].due.After(now) {
				i++
			}
			if i > 0 {
				due = append(due, s.echo[:i]...)
				s.echo = append(s.echo[:0], s.echo[i:]...)
			}
			s.mu.Unlock()

			for _, item := range due {
				if err := s.send(item.payloadType, item.payload, false, samples(s.cfg)); err != nil {
					s.log.Debug("echo send failed", slog.Any("error", err))
				}
			}
		}
	}
}

// replayLoop отправляет кадры Capture с исходными интервалами
func (s *Session) replayLoop(ctx context.Context) error {
	frames := s.cfg.Capture.Frames
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		start := time.Now()
		var prev time.Duration
		for i, f := range frames {
			if wait := time.Until(start.Add(f.Offset)); wait > 0 {
				timer.Reset(wait)
				select {
				case <-ctx.Done():
					return nil
				case <-timer.C:
				}
			} else if ctx.Err() != nil {
				return nil
			}

			advance := uint32(0)
			if i > 0 {
				advance = uint32((f.Offset - prev).Seconds() * float64(s.cfg.ClockRate))
			}
			prev = f.Offset
			if err := s.send(f.PayloadType, f.Payload, f.Marker, advance); err != nil {
				s.log.Debug("replay send failed", slog.Any("error", err))
			}
		}
		if !s.cfg.Loop {
			s.log.Debug("replay finished", slog.Int("frames", len(frames)))
			return nil
		}
		// пауза в один пакет между повторами
		timer.Reset(s.cfg.PacketTime)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		s.mu.Lock()
		s.timestamp += samples(s.cfg)
		s.mu.Unlock()
	}
}

// send отправляет пакет от нашего SSRC, продвигая timestamp на advance
func (s *Session) send(pt uint8, payload []byte, marker bool, advance uint32) error {
	s.mu.Lock()
	if !s.direction.Sends() || s.remote == nil || s.stopped {
		s.timestamp += advance
		s.mu.Unlock()
		return nil
	}
	s.seq++
	s.timestamp += advance
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	remote := s.remote
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(payload))
	s.stats.LastSent = time.Now()
	s.mu.Unlock()
	s.cfg.Metrics.PacketSent(string(s.cfg.Mode))
	return nil
}

func samples(cfg Config) uint32 {
	return uint32(cfg.PacketTime.Seconds() * float64(cfg.ClockRate))
}
