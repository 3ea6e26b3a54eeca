package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/vphone/pkg/presence"
)

// Action is one scripted step. The set is closed: only the types below
// implement it, and Do dispatches on them.
type Action interface {
	action()
}

type (
	RegisterAction   struct{}
	UnregisterAction struct{}
	CallAction       struct{ Target string }
	ExpectCallAction struct{ Timeout time.Duration }
	AnswerAction     struct{}
	HoldAction       struct{}
	ResumeAction     struct{}
	TransferAction   struct{ Target string }
	HangupAction     struct{}
	CancelCallAction struct{}

	SubscribeAction   struct{ Target string }
	UnsubscribeAction struct{ Target string }
	SetPresenceAction struct{ Status presence.Status }
	SendInfoAction    struct {
		ContentType string
		Payload     []byte
	}

	PauseAction         struct{ Duration time.Duration }
	WaitCallStateAction struct {
		State   State
		Timeout time.Duration
	}
	WaitForHangupAction struct{ Timeout time.Duration }
)

func (RegisterAction) action()      {}
func (UnregisterAction) action()    {}
func (CallAction) action()          {}
func (ExpectCallAction) action()    {}
func (AnswerAction) action()        {}
func (HoldAction) action()          {}
func (ResumeAction) action()        {}
func (TransferAction) action()      {}
func (HangupAction) action()        {}
func (CancelCallAction) action()    {}
func (SubscribeAction) action()     {}
func (UnsubscribeAction) action()   {}
func (SetPresenceAction) action()   {}
func (SendInfoAction) action()      {}
func (PauseAction) action()         {}
func (WaitCallStateAction) action() {}
func (WaitForHangupAction) action() {}

// Do performs one action. Waits that time out return ErrWaitTimeout.
func (e *Endpoint) Do(ctx context.Context, a Action) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.log.Debug("action", slog.String("action", fmt.Sprintf("%T", a)))
	switch a := a.(type) {
	case RegisterAction:
		return e.Register(ctx)
	case UnregisterAction:
		return e.Unregister(ctx)
	case CallAction:
		return e.Call(ctx, a.Target)
	case ExpectCallAction:
		return e.ExpectCall(ctx, a.Timeout).Err()
	case AnswerAction:
		return e.Answer(ctx)
	case HoldAction:
		return e.Hold(ctx)
	case ResumeAction:
		return e.Resume(ctx)
	case TransferAction:
		return e.Transfer(ctx, a.Target)
	case HangupAction:
		return e.Hangup(ctx)
	case CancelCallAction:
		return e.CancelCall(ctx)
	case SubscribeAction:
		return e.Subscribe(ctx, a.Target)
	case UnsubscribeAction:
		return e.Unsubscribe(ctx, a.Target)
	case SetPresenceAction:
		return e.SetPresence(ctx, a.Status)
	case SendInfoAction:
		return e.SendInfo(ctx, a.ContentType, a.Payload)
	case PauseAction:
		return e.Pause(ctx, a.Duration).Err()
	case WaitCallStateAction:
		return e.WaitCallState(ctx, a.State, a.Timeout).Err()
	case WaitForHangupAction:
		return e.WaitForHangup(ctx, a.Timeout).Err()
	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}

// Run performs actions in order and stops at the first failure.
func (e *Endpoint) Run(ctx context.Context, actions ...Action) error {
	for i, a := range actions {
		if err := e.Do(ctx, a); err != nil {
			return fmt.Errorf("step %d (%T): %w", i+1, a, err)
		}
	}
	return nil
}
