package rtp

import (
	"errors"
	"fmt"
)

var (
	// ErrMedia базовая ошибка медиа подсистемы
	ErrMedia = errors.New("media error")

	ErrNotListening   = errors.New("session is not listening")
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
	ErrEmptyCapture   = errors.New("capture has no RTP frames")
	ErrNoCapture      = errors.New("replay mode requires a capture")
	ErrInvalidMode    = errors.New("invalid media mode")
)

// MediaError ошибка одной RTP сессии: bind сокета или разбор capture файла.
// Фатальна только для своей сессии.
type MediaError struct {
	Op  string
	Err error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("rtp %s: %v", e.Op, e.Err)
}

// Unwrap позволяет errors.Is находить и ErrMedia, и исходную причину
func (e *MediaError) Unwrap() []error {
	return []error{ErrMedia, e.Err}
}

func mediaError(op string, err error) error {
	return &MediaError{Op: op, Err: err}
}
