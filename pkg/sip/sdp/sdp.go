// Package sdp builds and parses the SDP offer/answer bodies that negotiate
// one audio stream per call.
package sdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	pionsdp "github.com/pion/sdp/v3"
)

// ContentType is the SIP body type for SDP.
const ContentType = "application/sdp"

var (
	// ErrNoAudio is returned when the description has no audio stream.
	ErrNoAudio = errors.New("sdp: no audio media")
	// ErrNoCommonCodec is returned when offer and local codecs do not intersect.
	ErrNoCommonCodec = errors.New("sdp: no common codec")
)

// Direction атрибут направления медиа потока
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Mirror возвращает направление, которым отвечают на это направление
func (d Direction) Mirror() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	case Inactive:
		return Inactive
	default:
		return SendRecv
	}
}

// Sends сообщает, передает ли сторона с этим направлением медиа
func (d Direction) Sends() bool { return d == SendRecv || d == SendOnly }

// Receives сообщает, принимает ли сторона с этим направлением медиа
func (d Direction) Receives() bool { return d == SendRecv || d == RecvOnly }

// Codec описание формата из rtpmap
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Fmtp        string
}

func (c Codec) rtpmap() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
}

// IsTelephoneEvent сообщает, является ли формат RFC 4733 событиями
func (c Codec) IsTelephoneEvent() bool {
	return strings.EqualFold(c.Name, "telephone-event")
}

var (
	PCMU           = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	PCMA           = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
	G722           = Codec{PayloadType: 9, Name: "G722", ClockRate: 8000}
	TelephoneEvent = Codec{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-15"}
)

// DefaultCodecs PCMU, G722 и telephone-event
func DefaultCodecs() []Codec {
	return []Codec{PCMU, G722, TelephoneEvent}
}

// Config локальная сторона предложения или ответа
type Config struct {
	// Address IP адрес для c= и o= строк
	Address string
	// Port реально занятый RTP порт
	Port       int
	Codecs     []Codec
	Direction  Direction
	PacketTime time.Duration
	SessionID  uint64
	// SessionVersion увеличивается при каждом новом предложении (re-INVITE)
	SessionVersion uint64
	SessionName    string
}

func (c Config) withDefaults() Config {
	if len(c.Codecs) == 0 {
		c.Codecs = DefaultCodecs()
	}
	if c.Direction == "" {
		c.Direction = SendRecv
	}
	if c.PacketTime == 0 {
		c.PacketTime = 20 * time.Millisecond
	}
	if c.SessionName == "" {
		c.SessionName = "vphone"
	}
	if c.SessionID == 0 {
		c.SessionID = uint64(time.Now().Unix())
	}
	if c.SessionVersion == 0 {
		c.SessionVersion = c.SessionID
	}
	return c
}

// Media согласованный аудио поток одной стороны
type Media struct {
	Address    string
	Port       int
	Codecs     []Codec
	Direction  Direction
	PacketTime time.Duration
}

// Addr возвращает host:port для RTP
func (m *Media) Addr() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.Port))
}

// Codec возвращает первый голосовой кодек
func (m *Media) Codec() (Codec, bool) {
	for _, c := range m.Codecs {
		if !c.IsTelephoneEvent() {
			return c, true
		}
	}
	return Codec{}, false
}

// NewOffer строит предложение с одной audio m-строкой
func NewOffer(cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()
	return build(cfg, cfg.Codecs, cfg.Direction).Marshal()
}

// sameCodec: статические типы сравниваются по номеру, динамические (96-127)
// по имени и частоте, номер у сторон может отличаться
func sameCodec(remote, local Codec) bool {
	if remote.PayloadType >= 96 {
		return strings.EqualFold(remote.Name, local.Name) && remote.ClockRate == local.ClockRate
	}
	return remote.PayloadType == local.PayloadType
}

// Answer отвечает на offer. Возвращает тело ответа и удаленную сторону из
// offer с пересечением кодеков.
func Answer(offer []byte, cfg Config) ([]byte, *Media, error) {
	cfg = cfg.withDefaults()
	remote, err := Parse(offer)
	if err != nil {
		return nil, nil, err
	}

	var common []Codec
	for _, rc := range remote.Codecs {
		for _, lc := range cfg.Codecs {
			if sameCodec(rc, lc) {
				// для динамических типов сохраняем номер предлагающей стороны
				lc.PayloadType = rc.PayloadType
				common = append(common, lc)
				break
			}
		}
	}
	remote.Codecs = common
	if _, ok := remote.Codec(); !ok {
		return nil, nil, ErrNoCommonCodec
	}

	dir := remote.Direction.Mirror()
	if dir == SendRecv {
		dir = cfg.Direction
	}
	body, err := build(cfg, common, dir).Marshal()
	if err != nil {
		return nil, nil, err
	}
	return body, remote, nil
}

// Parse извлекает первый audio поток
func Parse(body []byte) (*Media, error) {
	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sdp: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		m := &Media{
			Port:       md.MediaName.Port.Value,
			Direction:  SendRecv,
			PacketTime: 20 * time.Millisecond,
		}

		switch {
		case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
			m.Address = md.ConnectionInformation.Address.Address
		case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
			m.Address = sd.ConnectionInformation.Address.Address
		default:
			return nil, fmt.Errorf("sdp: no connection address")
		}

		rtpmaps := make(map[uint8]Codec)
		fmtps := make(map[uint8]string)
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "rtpmap":
				if c, ok := parseRtpmap(attr.Value); ok {
					rtpmaps[c.PayloadType] = c
				}
			case "fmtp":
				pt, params, _ := strings.Cut(attr.Value, " ")
				if n, err := strconv.Atoi(pt); err == nil {
					fmtps[uint8(n)] = params
				}
			case "ptime":
				if ms, err := strconv.Atoi(attr.Value); err == nil && ms > 0 {
					m.PacketTime = time.Duration(ms) * time.Millisecond
				}
			case string(SendRecv), string(SendOnly), string(RecvOnly), string(Inactive):
				m.Direction = Direction(attr.Key)
			}
		}

		for _, f := range md.MediaName.Formats {
			n, err := strconv.Atoi(f)
			if err != nil || n < 0 || n > 127 {
				continue
			}
			pt := uint8(n)
			c, ok := rtpmaps[pt]
			if !ok {
				c, ok = staticCodec(pt)
			}
			if !ok {
				continue
			}
			c.Fmtp = fmtps[pt]
			m.Codecs = append(m.Codecs, c)
		}
		return m, nil
	}
	return nil, ErrNoAudio
}

func build(cfg Config, codecs []Codec, dir Direction) *pionsdp.SessionDescription {
	addrType := "IP4"
	if ip := net.ParseIP(cfg.Address); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	md := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:  "audio",
			Port:   pionsdp.RangedPort{Value: cfg.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		md.Attributes = append(md.Attributes, pionsdp.NewAttribute("rtpmap", c.rtpmap()))
		if c.Fmtp != "" {
			md.Attributes = append(md.Attributes,
				pionsdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.PayloadType, c.Fmtp)))
		}
	}
	md.Attributes = append(md.Attributes,
		pionsdp.NewAttribute("ptime", strconv.Itoa(int(cfg.PacketTime/time.Millisecond))),
		pionsdp.NewPropertyAttribute(string(dir)))

	return &pionsdp.SessionDescription{
		Version: 0,
		Origin: pionsdp.Origin{
			Username:       "-",
			SessionID:      cfg.SessionID,
			SessionVersion: cfg.SessionVersion,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: cfg.Address,
		},
		SessionName: pionsdp.SessionName(cfg.SessionName),
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &pionsdp.Address{Address: cfg.Address},
		},
		TimeDescriptions:  []pionsdp.TimeDescription{{Timing: pionsdp.Timing{}}},
		MediaDescriptions: []*pionsdp.MediaDescription{md},
	}
}

func parseRtpmap(v string) (Codec, bool) {
	pt, enc, ok := strings.Cut(v, " ")
	if !ok {
		return Codec{}, false
	}
	n, err := strconv.Atoi(pt)
	if err != nil || n < 0 || n > 127 {
		return Codec{}, false
	}
	parts := strings.Split(enc, "/")
	if len(parts) < 2 {
		return Codec{}, false
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return Codec{}, false
	}
	return Codec{PayloadType: uint8(n), Name: parts[0], ClockRate: uint32(rate)}, true
}

func staticCodec(pt uint8) (Codec, bool) {
	for _, c := range []Codec{PCMU, PCMA, G722} {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}
