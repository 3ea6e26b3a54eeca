package endpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCall возвращается действием, которому нужен вызов в подходящем состоянии
	ErrNoCall = errors.New("no call in a suitable state")

	// ErrCanceled причина завершения вызова, отмененного CancelCall
	ErrCanceled = errors.New("call canceled")

	// ErrNotSubscribed возвращается Unsubscribe для неизвестной цели
	ErrNotSubscribed = errors.New("no subscription for target")

	// ErrWaitTimeout результат ожидания, истекшего по таймауту
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrClosed возвращается после Close
	ErrClosed = errors.New("endpoint closed")

	// ErrUnknownTarget цель не найдена в реестре и не является URI
	ErrUnknownTarget = errors.New("unknown call target")

	// ErrUnknownAction возвращается Do для действия вне закрытого набора
	ErrUnknownAction = errors.New("unknown action")
)

// ResponseError финальный не-2xx ответ на запрос действия
type ResponseError struct {
	Method     string
	StatusCode int
	Reason     string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s rejected: %d %s", e.Method, e.StatusCode, e.Reason)
}
