package transaction

import (
	"time"

	"github.com/arzzra/vphone/pkg/runloop"
)

// TimerID идентификатор таймера
type TimerID string

const (
	// Таймеры согласно RFC 3261
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Wait time for response retransmits
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerG TimerID = "G" // INVITE response retransmit
	TimerH TimerID = "H" // Wait time for ACK receipt
	TimerI TimerID = "I" // Wait time for ACK retransmits
	TimerJ TimerID = "J" // Wait time for non-INVITE request retransmits
	TimerK TimerID = "K" // Wait time for response retransmits
	TimerM TimerID = "M" // Wait time for retransmitted 2xx (RFC 6026)
)

// Timers базовые значения T1, T2, T4; остальные таймеры выводятся из них
type Timers struct {
	T1 time.Duration // оценка RTT
	T2 time.Duration // максимальный интервал ретрансмиссии
	T4 time.Duration // максимальное время жизни сообщения в сети
}

// DefaultTimers возвращает значения из RFC 3261
func DefaultTimers() Timers {
	return Timers{
		T1: 500 * time.Millisecond,
		T2: 4 * time.Second,
		T4: 5 * time.Second,
	}
}

// Duration возвращает длительность таймера. Для надежного транспорта
// таймеры ожидания ретрансмиссий равны нулю.
func (t Timers) Duration(id TimerID, reliable bool) time.Duration {
	switch id {
	case TimerA, TimerE, TimerG:
		return t.T1
	case TimerB, TimerF, TimerH, TimerM:
		return 64 * t.T1
	case TimerD:
		if reliable {
			return 0
		}
		if d := 64 * t.T1; d > 32*time.Second {
			return d
		}
		return 32 * time.Second
	case TimerI, TimerK:
		if reliable {
			return 0
		}
		return t.T4
	case TimerJ:
		if reliable {
			return 0
		}
		return 64 * t.T1
	default:
		return 0
	}
}

// nextInterval удваивает интервал ретрансмиссии; ceiling == 0 означает без ограничения
func nextInterval(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

// timerSet управляет таймерами одной транзакции. Колбэки выполняются на run loop.
type timerSet struct {
	loop   *runloop.Loop
	timers map[TimerID]*runloop.Timer
}

func newTimerSet(loop *runloop.Loop) *timerSet {
	return &timerSet{loop: loop, timers: make(map[TimerID]*runloop.Timer)}
}

// start запускает таймер, заменяя существующий с тем же ID
func (ts *timerSet) start(id TimerID, d time.Duration, fn func()) {
	ts.stop(id)
	ts.timers[id] = ts.loop.AfterFunc(d, func() {
		delete(ts.timers, id)
		fn()
	})
}

func (ts *timerSet) stop(id TimerID) {
	if tm, ok := ts.timers[id]; ok {
		tm.Stop()
		delete(ts.timers, id)
	}
}

func (ts *timerSet) stopAll() {
	for id := range ts.timers {
		ts.stop(id)
	}
}

func (ts *timerSet) active(id TimerID) bool {
	_, ok := ts.timers[id]
	return ok
}
