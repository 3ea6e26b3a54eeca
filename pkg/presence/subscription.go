package presence

import (
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/vphone/pkg/sip/dialog"
	"github.com/arzzra/vphone/pkg/sip/message"
)

// Пакеты событий
const (
	EventPresence = "presence"
	EventRefer    = "refer"
)

// DefaultExpires интервал подписки и публикации по умолчанию
const DefaultExpires = 3600 * time.Second

// SubscriptionState состояние подписки из заголовка Subscription-State
type SubscriptionState string

const (
	SubscriptionPending    SubscriptionState = "pending"
	SubscriptionActive     SubscriptionState = "active"
	SubscriptionTerminated SubscriptionState = "terminated"
)

// Subscription одна подписка на события target
type Subscription struct {
	Target     string
	Event      string
	Expires    time.Duration // запрошенный интервал
	DialogID   dialog.ID
	State      SubscriptionState
	LastStatus Status
	LastNotify time.Time
	GrantedAt  time.Time
	ExpiresAt  time.Time
}

// NewSubscription создает подписку в состоянии pending
func NewSubscription(target, event string, expires time.Duration) *Subscription {
	if event == "" {
		event = EventPresence
	}
	if expires <= 0 {
		expires = DefaultExpires
	}
	return &Subscription{Target: target, Event: event, Expires: expires, State: SubscriptionPending}
}

// Grant фиксирует интервал, выданный сервером в 2xx
func (s *Subscription) Grant(now time.Time, granted time.Duration) {
	if granted <= 0 {
		granted = s.Expires
	}
	s.GrantedAt = now
	s.ExpiresAt = now.Add(granted)
	if s.State == SubscriptionPending {
		s.State = SubscriptionActive
	}
}

// RenewAt момент обновления: 80% выданного интервала, но не позже чем за
// секунду до истечения.
func (s *Subscription) RenewAt() time.Time {
	return RenewAt(s.GrantedAt, s.ExpiresAt)
}

// NeedsRenewal сообщает, пора ли обновлять подписку
func (s *Subscription) NeedsRenewal(now time.Time) bool {
	if s.State == SubscriptionTerminated || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.RenewAt())
}

// Notify применяет тело и заголовок Subscription-State входящего NOTIFY
func (s *Subscription) Notify(now time.Time, req *message.Request) error {
	state, expires := ParseSubscriptionState(req.GetHeader("Subscription-State"))
	if state != "" {
		s.State = state
	}
	if expires > 0 && state == SubscriptionActive {
		s.ExpiresAt = now.Add(expires)
	}
	s.LastNotify = now
	if len(req.Body()) == 0 {
		return nil
	}
	n, err := ParseDocument(req.Body())
	if err != nil {
		return err
	}
	s.LastStatus = n.Status
	return nil
}

// RenewAt вычисляет момент обновления для интервала [granted, expires)
func RenewAt(granted, expires time.Time) time.Time {
	interval := expires.Sub(granted)
	at := granted.Add(interval * 4 / 5)
	if latest := expires.Add(-time.Second); at.After(latest) {
		at = latest
	}
	if at.Before(granted) {
		at = granted
	}
	return at
}

// ParseSubscriptionState разбирает "active;expires=600" или
// "terminated;reason=noresource"
func ParseSubscriptionState(v string) (SubscriptionState, time.Duration) {
	parts := strings.Split(v, ";")
	state := SubscriptionState(strings.ToLower(strings.TrimSpace(parts[0])))
	var expires time.Duration
	for _, p := range parts[1:] {
		name, value, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(name, "expires") {
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				expires = time.Duration(n) * time.Second
			}
		}
	}
	return state, expires
}

// SubscriptionStateHeader формирует значение Subscription-State
func SubscriptionStateHeader(state SubscriptionState, remaining time.Duration) string {
	if state == SubscriptionTerminated {
		return string(state) + ";reason=timeout"
	}
	return string(state) + ";expires=" + strconv.Itoa(int(remaining/time.Second))
}
