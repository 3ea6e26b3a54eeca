package rtp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/rtp"
)

// Frame один пакет записи: смещение от первого пакета, тип и полезная нагрузка
type Frame struct {
	Offset      time.Duration
	PayloadType uint8
	Marker      bool
	Payload     []byte
}

// Capture упорядоченная последовательность кадров для режима replay
type Capture struct {
	SSRC   uint32
	Frames []Frame
}

// Duration возвращает смещение последнего кадра
func (c *Capture) Duration() time.Duration {
	if len(c.Frames) == 0 {
		return 0
	}
	return c.Frames[len(c.Frames)-1].Offset
}

// LoadCapture читает pcap файл
func LoadCapture(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mediaError("capture", err)
	}
	defer f.Close()
	return ReadCapture(f, 0)
}

// ReadCapture извлекает RTP поток из pcap. Берутся UDP датаграммы, которые
// разбираются как RTP версии 2; при ssrc == 0 выбирается поток первого пакета.
func ReadCapture(r io.Reader, ssrc uint32) (*Capture, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, mediaError("capture", err)
	}

	c := &Capture{SSRC: ssrc}
	var first time.Time
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, mediaError("capture", err)
		}

		pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		var rp rtp.Packet
		if err := rp.Unmarshal(udp.Payload); err != nil || rp.Version != 2 {
			continue
		}
		// RTCP на том же порту: типы 200-204 попадают в диапазон PT 72-76
		if rp.PayloadType >= 72 && rp.PayloadType <= 76 {
			continue
		}
		if c.SSRC == 0 {
			c.SSRC = rp.SSRC
		}
		if rp.SSRC != c.SSRC {
			continue
		}
		if first.IsZero() {
			first = ci.Timestamp
		}
		c.Frames = append(c.Frames, Frame{
			Offset:      ci.Timestamp.Sub(first),
			PayloadType: rp.PayloadType,
			Marker:      rp.Marker,
			Payload:     append([]byte(nil), rp.Payload...),
		})
	}

	if len(c.Frames) == 0 {
		return nil, mediaError("capture", ErrEmptyCapture)
	}
	return c, nil
}

// CaptureWriter пишет принятые пакеты в pcap поток с синтетическими
// Ethernet/IPv4/UDP заголовками.
type CaptureWriter struct {
	w      *pcapgo.Writer
	dst    *net.UDPAddr
	buf    gopacket.SerializeBuffer
	header bool
}

// NewCaptureWriter создает writer; dst адрес нашего RTP сокета
func NewCaptureWriter(out io.Writer, dst *net.UDPAddr) *CaptureWriter {
	return &CaptureWriter{
		w:   pcapgo.NewWriter(out),
		dst: dst,
		buf: gopacket.NewSerializeBuffer(),
	}
}

// WritePacket записывает одну RTP датаграму, пришедшую от src
func (cw *CaptureWriter) WritePacket(ts time.Time, src *net.UDPAddr, payload []byte) error {
	if !cw.header {
		if err := cw.w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
			return err
		}
		cw.header = true
	}
	if src == nil {
		src = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4(src.IP),
		DstIP:    ipv4(cw.dst.IP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(cw.dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	if err := cw.buf.Clear(); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(cw.buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize capture packet: %w", err)
	}
	data := cw.buf.Bytes()
	return cw.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func ipv4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	// IPv6 адреса в синтетическом IPv4 заголовке заменяются на loopback
	return net.IPv4(127, 0, 0, 1).To4()
}
