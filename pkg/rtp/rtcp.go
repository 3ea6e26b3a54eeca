package rtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/pion/rtcp"
)

// receiverReport строит RR по текущей статистике приема (RFC 3550 6.4.2)
func (s *Session) receiverReport() *rtcp.ReceiverReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	rr := &rtcp.ReceiverReport{SSRC: s.ssrc}
	if !s.recv.initialized {
		return rr
	}
	expected := s.recv.expected()
	var totalLost uint32
	if uint64(expected) > s.stats.PacketsReceived {
		totalLost = expected - uint32(s.stats.PacketsReceived)
	}
	// поле cumulative lost 24 бита
	if totalLost > 0x7FFFFF {
		totalLost = 0x7FFFFF
	}
	rr.Reports = []rtcp.ReceptionReport{{
		SSRC:               s.stats.RemoteSSRC,
		FractionLost:       s.recv.fractionLost(s.stats.PacketsReceived),
		TotalLost:          totalLost,
		LastSequenceNumber: s.recv.extendedMax(),
		Jitter:             uint32(s.recv.jitter),
	}}
	return rr
}

func (s *Session) rtcpReportLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RTCPInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			data, err := rtcp.Marshal([]rtcp.Packet{s.receiverReport()})
			if err != nil {
				s.log.Warn("rtcp marshal failed", slog.Any("error", err))
				continue
			}
			s.mu.Lock()
			remote := s.remoteRTCP
			s.mu.Unlock()
			if remote == nil {
				continue
			}
			if _, err := s.rtcpConn.WriteToUDP(data, remote); err != nil {
				s.log.Debug("rtcp send failed", slog.Any("error", err))
				continue
			}
			s.mu.Lock()
			s.stats.RTCPSent++
			s.mu.Unlock()
			s.cfg.Metrics.RTCP("tx")
		}
	}
}

func (s *Session) rtcpReadLoop(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return mediaError("rtcp read", err)
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			s.log.Debug("dropping malformed rtcp", slog.String("from", from.String()), slog.Any("error", err))
			continue
		}
		s.mu.Lock()
		s.stats.RTCPReceived++
		s.mu.Unlock()
		s.cfg.Metrics.RTCP("rx")

		for _, p := range packets {
			if bye, ok := p.(*rtcp.Goodbye); ok {
				s.log.Debug("rtcp bye received", slog.Any("sources", bye.Sources))
			}
		}
	}
}
