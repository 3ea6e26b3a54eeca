package rtp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/vphone/pkg/sip/sdp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// peer простая удаленная сторона на loopback
type peer struct {
	t    *testing.T
	conn *net.UDPConn
	seq  uint16
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) addr() string { return p.conn.LocalAddr().String() }

func (p *peer) send(to *net.UDPAddr, payload []byte) {
	p.t.Helper()
	p.seq++
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: p.seq, Timestamp: uint32(p.seq) * 160, SSRC: 0xabcdef},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	require.NoError(p.t, err)
	_, err = p.conn.WriteToUDP(data, to)
	require.NoError(p.t, err)
}

// receive читает до n пакетов или до истечения timeout
func (p *peer) receive(n int, timeout time.Duration) []*rtp.Packet {
	var out []*rtp.Packet
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1500)
	for len(out) < n {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		k, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		pkt := &rtp.Packet{}
		require.NoError(p.t, pkt.Unmarshal(append([]byte(nil), buf[:k]...)))
		out = append(out, pkt)
	}
	return out
}

func loopbackConfig(mode Mode) Config {
	cfg := DefaultConfig()
	cfg.LocalAddr = "127.0.0.1:0"
	cfg.Mode = mode
	cfg.RTCP = false
	return cfg
}

func TestSession_ListenReportsBoundPort(t *testing.T) {
	cfg := loopbackConfig(ModePassive)
	cfg.RTCP = true
	s, err := Listen(cfg)
	require.NoError(t, err)
	defer s.Stop()

	assert.NotZero(t, s.Port())
	require.NotNil(t, s.rtcpConn)
	assert.Equal(t, s.Port()+1, s.rtcpConn.LocalAddr().(*net.UDPAddr).Port)
}

func TestSession_Errors(t *testing.T) {
	_, err := Listen(Config{LocalAddr: "127.0.0.1:notaport", Mode: ModePassive})
	var me *MediaError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "bind", me.Op)
	assert.ErrorIs(t, err, ErrMedia)

	_, err = Listen(Config{LocalAddr: "127.0.0.1:0", Mode: ModeReplay})
	assert.ErrorIs(t, err, ErrNoCapture)

	_, err = ParseMode("karaoke")
	assert.ErrorIs(t, err, ErrInvalidMode)

	s, err := Listen(loopbackConfig(ModePassive))
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(context.Background(), "127.0.0.1:9"), ErrStopped)
}

func TestSession_Echo(t *testing.T) {
	remote := newPeer(t)
	s, err := Listen(loopbackConfig(ModeEcho))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), remote.addr()))

	const n = 10
	for i := 0; i < n; i++ {
		remote.send(s.LocalAddr(), []byte{byte(i), 0xAA})
		time.Sleep(5 * time.Millisecond)
	}

	echoed := remote.receive(n, 3*time.Second)
	require.NoError(t, s.Stop())

	require.Len(t, echoed, n)
	for i, p := range echoed {
		assert.Equal(t, []byte{byte(i), 0xAA}, p.Payload)
		assert.Equal(t, s.SSRC(), p.SSRC)
		if i > 0 {
			assert.Equal(t, echoed[i-1].SequenceNumber+1, p.SequenceNumber)
		}
	}

	st := s.Stats()
	assert.Equal(t, uint64(n), st.PacketsReceived)
	assert.Equal(t, uint64(n), st.PacketsSent)
	assert.Zero(t, st.PacketsLost)
	assert.Equal(t, uint32(0xabcdef), st.RemoteSSRC)
}

func TestSession_HoldStopsSending(t *testing.T) {
	remote := newPeer(t)
	s, err := Listen(loopbackConfig(ModeEcho))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), remote.addr()))
	s.SetDirection(sdp.RecvOnly)
	assert.Equal(t, sdp.RecvOnly, s.Direction())

	for i := 0; i < 5; i++ {
		remote.send(s.LocalAddr(), []byte{1})
	}
	assert.Empty(t, remote.receive(1, 400*time.Millisecond))
	require.NoError(t, s.Stop())
	assert.Equal(t, uint64(5), s.Stats().PacketsReceived)
	assert.Zero(t, s.Stats().PacketsSent)
}

func TestSession_Replay(t *testing.T) {
	remote := newPeer(t)
	cfg := loopbackConfig(ModeReplay)
	cfg.Capture = &Capture{Frames: []Frame{
		{Offset: 0, PayloadType: 8, Payload: []byte("a")},
		{Offset: 20 * time.Millisecond, PayloadType: 8, Payload: []byte("b")},
		{Offset: 40 * time.Millisecond, PayloadType: 8, Payload: []byte("c")},
	}}
	s, err := Listen(cfg)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Start(context.Background(), remote.addr()))
	got := remote.receive(3, 2*time.Second)
	elapsed := time.Since(start)
	require.NoError(t, s.Stop())

	require.Len(t, got, 3)
	assert.Equal(t, "abc", string(got[0].Payload)+string(got[1].Payload)+string(got[2].Payload))
	assert.Equal(t, uint8(8), got[0].PayloadType)
	assert.Equal(t, got[0].Timestamp+160, got[1].Timestamp)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)

	// без Loop больше ничего не приходит
	assert.Empty(t, remote.receive(1, 200*time.Millisecond))
}

func TestSession_Record(t *testing.T) {
	remote := newPeer(t)
	var capture bytes.Buffer
	cfg := loopbackConfig(ModeRecord)
	cfg.RecordTo = &capture
	s, err := Listen(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), remote.addr()))

	for i := 0; i < 3; i++ {
		remote.send(s.LocalAddr(), []byte{byte(i)})
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return s.Stats().PacketsReceived == 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	c, err := ReadCapture(&capture, 0)
	require.NoError(t, err)
	require.Len(t, c.Frames, 3)
	assert.Equal(t, uint32(0xabcdef), c.SSRC)
	for i, f := range c.Frames {
		assert.Equal(t, []byte{byte(i)}, f.Payload)
	}
	assert.Greater(t, c.Duration(), time.Duration(0))
}

func TestSession_RTCPReports(t *testing.T) {
	rtpPeer := newPeer(t)
	cfg := loopbackConfig(ModePassive)
	cfg.RTCP = true
	cfg.RTCPInterval = 50 * time.Millisecond
	s, err := Listen(cfg)
	require.NoError(t, err)

	// RTCP удаленной стороны слушаем на порту +1 от ее RTP
	rtcpPeer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtpPeer.conn.LocalAddr().(*net.UDPAddr).Port + 1})
	if err != nil {
		s.Stop()
		t.Skipf("rtcp port unavailable: %v", err)
	}
	defer rtcpPeer.Close()

	require.NoError(t, s.Start(context.Background(), rtpPeer.addr()))
	rtpPeer.send(s.LocalAddr(), []byte{1})

	require.NoError(t, rtcpPeer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := rtcpPeer.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	rr := parseReceiverReport(t, buf[:n])
	assert.Equal(t, s.SSRC(), rr.SSRC)
	assert.NotZero(t, s.Stats().RTCPSent)
}

func parseReceiverReport(t *testing.T, data []byte) *rtcp.ReceiverReport {
	t.Helper()
	packets, err := rtcp.Unmarshal(data)
	require.NoError(t, err)
	for _, p := range packets {
		if rr, ok := p.(*rtcp.ReceiverReport); ok {
			return rr
		}
	}
	t.Fatalf("no receiver report in %d packets", len(packets))
	return nil
}

func TestCapture_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	dst := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	w := NewCaptureWriter(&buf, dst)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	write := func(at time.Duration, ssrc uint32, seq uint16, payload []byte) {
		pkt := rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, SSRC: ssrc}, Payload: payload}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		require.NoError(t, w.WritePacket(t0.Add(at), src, data))
	}
	write(0, 1, 1, []byte("x"))
	require.NoError(t, w.WritePacket(t0.Add(5*time.Millisecond), src, []byte{0x01}))
	write(10*time.Millisecond, 2, 1, []byte("other stream"))
	write(20*time.Millisecond, 1, 2, []byte("y"))
	write(40*time.Millisecond, 1, 3, []byte("z"))

	c, err := ReadCapture(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	require.Len(t, c.Frames, 3)
	assert.Equal(t, uint32(1), c.SSRC)
	assert.Equal(t, []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond},
		[]time.Duration{c.Frames[0].Offset, c.Frames[1].Offset, c.Frames[2].Offset})

	other, err := ReadCapture(bytes.NewReader(buf.Bytes()), 2)
	require.NoError(t, err)
	assert.Len(t, other.Frames, 1)
}

func TestCapture_Errors(t *testing.T) {
	_, err := ReadCapture(bytes.NewReader([]byte("not a pcap file at all")), 0)
	assert.ErrorIs(t, err, ErrMedia)

	var empty bytes.Buffer
	require.NoError(t, pcapgo.NewWriter(&empty).WriteFileHeader(65536, layers.LinkTypeEthernet))
	_, err = ReadCapture(&empty, 0)
	assert.ErrorIs(t, err, ErrEmptyCapture)

	_, err = LoadCapture("/nonexistent/capture.pcap")
	var me *MediaError
	assert.ErrorAs(t, err, &me)
}
