package rtp

import (
	"math"
	"time"
)

// Stats снимок статистики сессии
type Stats struct {
	SSRC       uint32
	RemoteSSRC uint32

	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	PacketsLost     uint64
	PacketsLate     uint64
	Duplicates      uint64

	// Jitter оценка RFC 3550 в единицах RTP timestamp
	Jitter float64
	// JitterMs та же оценка в миллисекундах
	JitterMs float64
	// HighestSeq расширенный максимальный номер: циклы << 16 | номер
	HighestSeq uint32

	RTCPReceived uint64
	RTCPSent     uint64

	LastReceived time.Time
	LastSent     time.Time
}

// receiveStats счетчики приема по RFC 3550 A.1 и A.8
type receiveStats struct {
	clockRate uint32
	base      time.Time

	initialized bool
	maxSeq      uint16
	cycles      uint32
	baseSeq     uint16

	lastArrival   int64 // в единицах timestamp от base
	lastTimestamp uint32
	jitter        float64

	// для fraction lost между отчетами RTCP
	expectedPrior uint32
	receivedPrior uint64
}

func newReceiveStats(clockRate uint32) *receiveStats {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &receiveStats{clockRate: clockRate}
}

// update учитывает пакет, принятый в момент arrival
func (s *receiveStats) update(seq uint16, timestamp uint32, arrival time.Time) {
	if !s.initialized {
		s.initialized = true
		s.base = arrival
		s.maxSeq, s.baseSeq = seq, seq
		s.lastTimestamp = timestamp
		return
	}

	if isSeqNewer(seq, s.maxSeq) {
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
	}

	// J += (|D| - J) / 16, D разница транзитных времен соседних пакетов;
	// разность timestamp через int32 переживает переполнение
	now := s.arrivalUnits(arrival)
	d := (now - s.lastArrival) - int64(int32(timestamp-s.lastTimestamp))
	s.lastArrival, s.lastTimestamp = now, timestamp
	s.jitter += (math.Abs(float64(d)) - s.jitter) / 16
}

func (s *receiveStats) arrivalUnits(t time.Time) int64 {
	return int64(t.Sub(s.base)) * int64(s.clockRate) / int64(time.Second)
}

func (s *receiveStats) extendedMax() uint32 {
	return s.cycles | uint32(s.maxSeq)
}

func (s *receiveStats) jitterMs() float64 {
	return s.jitter * 1000 / float64(s.clockRate)
}

// expected число пакетов, ожидаемых с начала приема
func (s *receiveStats) expected() uint32 {
	if !s.initialized {
		return 0
	}
	return s.extendedMax() - uint32(s.baseSeq) + 1
}

// fractionLost доля потерь с прошлого отчета в формате 8.8 (RFC 3550 A.3)
func (s *receiveStats) fractionLost(received uint64) uint8 {
	expected := s.expected()
	expectedInterval := expected - s.expectedPrior
	receivedInterval := received - s.receivedPrior
	s.expectedPrior, s.receivedPrior = expected, received

	if expectedInterval == 0 || uint64(expectedInterval) <= receivedInterval {
		return 0
	}
	lostInterval := uint64(expectedInterval) - receivedInterval
	return uint8((lostInterval << 8) / uint64(expectedInterval))
}
