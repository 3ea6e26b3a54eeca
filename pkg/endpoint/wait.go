package endpoint

import (
	"context"
	"errors"
	"time"
)

// WaitResult итог ожидания
type WaitResult int

const (
	WaitSuccess WaitResult = iota
	WaitTimeout
	WaitCanceled
)

func (r WaitResult) String() string {
	switch r {
	case WaitSuccess:
		return "success"
	case WaitTimeout:
		return "timeout"
	default:
		return "canceled"
	}
}

// Err переводит результат в ошибку: nil, ErrWaitTimeout или context.Canceled
func (r WaitResult) Err() error {
	switch r {
	case WaitSuccess:
		return nil
	case WaitTimeout:
		return ErrWaitTimeout
	default:
		return context.Canceled
	}
}

// waiter ждет выполнения условия; условие проверяется только на run loop
type waiter struct {
	cond func() bool
	done chan struct{}
}

// notify проверяет ожидающие условия и обновляет снимок для запросов.
// Вызывается на loop после любого изменения состояния.
func (e *Endpoint) notify() {
	e.publishSnapshot()
	kept := e.waiters[:0]
	for _, w := range e.waiters {
		if w.cond() {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	clear(e.waiters[len(kept):])
	e.waiters = kept
}

// wait блокирует до выполнения cond, таймаута или отмены ctx. Нулевой
// timeout означает ожидание без собственного ограничения.
func (e *Endpoint) wait(ctx context.Context, timeout time.Duration, cond func() bool) WaitResult {
	w := &waiter{cond: cond, done: make(chan struct{})}
	err := e.loop.Do(ctx, func() {
		if cond() {
			close(w.done)
			return
		}
		e.waiters = append(e.waiters, w)
	})
	if err != nil {
		return resultOf(ctx)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var r WaitResult
	select {
	case <-w.done:
		return WaitSuccess
	case <-expired:
		r = WaitTimeout
	case <-ctx.Done():
		r = resultOf(ctx)
	case <-e.loop.Done():
		return WaitCanceled
	}
	e.loop.Post(func() { e.dropWaiter(w) })
	return r
}

func (e *Endpoint) dropWaiter(w *waiter) {
	for i, x := range e.waiters {
		if x == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func resultOf(ctx context.Context) WaitResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return WaitTimeout
	}
	return WaitCanceled
}

// Pause приостанавливает сценарий на d с возможностью отмены
func (e *Endpoint) Pause(ctx context.Context, d time.Duration) WaitResult {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return WaitSuccess
	case <-ctx.Done():
		return WaitCanceled
	}
}

// WaitCallState ждет, пока основной вызов не перейдет в state
func (e *Endpoint) WaitCallState(ctx context.Context, state State, timeout time.Duration) WaitResult {
	return e.wait(ctx, timeout, func() bool { return State(e.fsm.Current()) == state })
}

// WaitForHangup ждет завершения всех вызовов
func (e *Endpoint) WaitForHangup(ctx context.Context, timeout time.Duration) WaitResult {
	return e.wait(ctx, timeout, func() bool { return len(e.calls) == 0 })
}

// ExpectCall ждет нового входящего вызова. Каждый вызов возвращается одному
// ожидающему; повторный ExpectCall ждет следующего.
func (e *Endpoint) ExpectCall(ctx context.Context, timeout time.Duration) WaitResult {
	return e.wait(ctx, timeout, func() bool {
		for _, c := range e.calls {
			if c.dir == Inbound && !c.expected {
				c.expected = true
				return true
			}
		}
		return false
	})
}
