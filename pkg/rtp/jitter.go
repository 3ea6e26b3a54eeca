package rtp

import (
	"time"

	"github.com/pion/rtp"
)

// Packet принятый RTP пакет с временем прихода
type Packet struct {
	*rtp.Packet
	Arrival time.Time
}

// JitterBuffer упорядочивает входящие пакеты по sequence number.
//
// Буфер держит не больше depth пакетов и отдает их по возрастанию номера.
// Пакет с номером не новее последнего отданного опоздал: он учитывается как
// late и не отдается, а его слот уже посчитан потерянным по разрыву номеров.
// Арифметика номеров по модулю 2^16.
//
// Не потокобезопасен, сессия вызывает его под своим mutex.
type JitterBuffer struct {
	depth    int
	packets  []Packet // по возрастанию номера
	released bool
	lastSeq  uint16 // последний отданный номер

	lost       uint64
	late       uint64
	duplicates uint64
}

// NewJitterBuffer создает буфер глубиной depth пакетов (минимум 1)
func NewJitterBuffer(depth int) *JitterBuffer {
	if depth < 1 {
		depth = 1
	}
	return &JitterBuffer{depth: depth, packets: make([]Packet, 0, depth+1)}
}

// Push принимает пакет и возвращает пакеты, вытесненные из буфера, по
// возрастанию номера. accepted false для дубликата или опоздавшего пакета.
func (jb *JitterBuffer) Push(p Packet) (out []Packet, accepted bool) {
	seq := p.SequenceNumber
	if jb.released && !isSeqNewer(seq, jb.lastSeq) {
		if seq == jb.lastSeq {
			jb.duplicates++
		} else {
			jb.late++
		}
		return nil, false
	}

	// вставка с сохранением порядка, обычно в конец
	i := len(jb.packets)
	for i > 0 && isSeqNewer(jb.packets[i-1].SequenceNumber, seq) {
		i--
	}
	if i > 0 && jb.packets[i-1].SequenceNumber == seq {
		jb.duplicates++
		return nil, false
	}
	jb.packets = append(jb.packets, Packet{})
	copy(jb.packets[i+1:], jb.packets[i:])
	jb.packets[i] = p

	for len(jb.packets) > jb.depth {
		out = append(out, jb.pop())
	}
	return out, true
}

// Expire отдает пакеты, пролежавшие в буфере дольше maxAge. Так буфер не
// задерживает хвост потока, когда новые пакеты перестали приходить.
func (jb *JitterBuffer) Expire(now time.Time, maxAge time.Duration) []Packet {
	var out []Packet
	for len(jb.packets) > 0 && now.Sub(jb.packets[0].Arrival) >= maxAge {
		out = append(out, jb.pop())
	}
	return out
}

// Flush отдает все оставшиеся пакеты
func (jb *JitterBuffer) Flush() []Packet {
	var out []Packet
	for len(jb.packets) > 0 {
		out = append(out, jb.pop())
	}
	return out
}

func (jb *JitterBuffer) pop() Packet {
	p := jb.packets[0]
	copy(jb.packets, jb.packets[1:])
	jb.packets[len(jb.packets)-1] = Packet{}
	jb.packets = jb.packets[:len(jb.packets)-1]

	if jb.released {
		if gap := seqDiff(p.SequenceNumber, jb.lastSeq); gap > 1 {
			jb.lost += uint64(gap - 1)
		}
	}
	jb.released = true
	jb.lastSeq = p.SequenceNumber
	return p
}

// Len возвращает число пакетов в буфере
func (jb *JitterBuffer) Len() int { return len(jb.packets) }

// Depth возвращает максимальную глубину
func (jb *JitterBuffer) Depth() int { return jb.depth }

// Lost число номеров, пропущенных при выдаче
func (jb *JitterBuffer) Lost() uint64 { return jb.lost }

// Late число опоздавших пакетов
func (jb *JitterBuffer) Late() uint64 { return jb.late }

// Duplicates число повторно принятых пакетов
func (jb *JitterBuffer) Duplicates() uint64 { return jb.duplicates }

// isSeqNewer проверяет, является ли seq1 новее seq2 (с учетом wrap-around)
func isSeqNewer(seq1, seq2 uint16) bool {
	return seq1 != seq2 && seq1-seq2 < 0x8000
}

// seqDiff вычисляет разность между sequence numbers (с учетом wrap-around)
func seqDiff(newer, older uint16) uint16 {
	return newer - older
}
