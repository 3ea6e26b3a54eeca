package dialog

import (
	"errors"
	"fmt"
)

// ID идентифицирует диалог (RFC 3261 12): Call-ID и оба тега
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id ID) String() string {
	return fmt.Sprintf("%s;local=%s;remote=%s", id.CallID, id.LocalTag, id.RemoteTag)
}

// State состояние диалога
type State string

const (
	StateNone       State = "none"
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Role роль стороны в диалоге
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAS {
		return "UAS"
	}
	return "UAC"
}

var (
	// ErrDialogNotFound возвращается для запроса внутри неизвестного диалога
	ErrDialogNotFound = errors.New("dialog not found")

	// ErrCSeqOutOfOrder возвращается, если удаленный CSeq меньше последнего принятого
	ErrCSeqOutOfOrder = errors.New("remote CSeq out of order")

	// ErrNoRemoteTag возвращается при попытке создать диалог из ответа без To-tag
	ErrNoRemoteTag = errors.New("response has no To tag")

	// ErrTerminated возвращается при попытке отправить запрос в завершенном диалоге
	ErrTerminated = errors.New("dialog terminated")
)
